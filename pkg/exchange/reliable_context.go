package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/backkem/rmp/pkg/system"
	"github.com/looplab/fsm"
	"github.com/pion/logging"
)

// Ack-pending states for ReliableContext's state machine. See Spec
// Section 4.2.
const (
	ackStateIdle       = "idle"
	ackStateAckPending = "ack_pending"
)

// MRPConfig is the negotiated MRP timing for one exchange, per Spec
// Section 3 (ReliableContext attributes) and Section 6 (tuning constants).
type MRPConfig struct {
	IdleRetransTimeout   time.Duration
	ActiveRetransTimeout time.Duration
	IdleAckTimeout       time.Duration
	ActiveAckTimeout     time.Duration
}

// ReliableContext holds the per-exchange acknowledgement bookkeeping
// described in Spec Section 3/4.2. One is created alongside every
// ExchangeContext and dies with it.
//
// The IDLE/ACK_PENDING bookkeeping (Spec Section 4.2's state diagram) is
// modelled with github.com/looplab/fsm rather than re-derived from ad hoc
// booleans, so the transition table in the spec is literally the FSM's
// event table. The fsm only tracks the two named states; the pending
// counter and deadline live alongside it since looplab/fsm carries no
// event payload state of its own.
type ReliableContext struct {
	exchange *ExchangeContext
	log      logging.LeveledLogger

	mu                 sync.Mutex
	machine            *fsm.FSM
	pendingPeerCounter uint32
	nextAckTime        system.Timestamp
}

// newReliableContext creates the ack-pending state machine for ctx.
func newReliableContext(ctx *ExchangeContext, log logging.LeveledLogger) *ReliableContext {
	rc := &ReliableContext{
		exchange:    ctx,
		log:         log,
		nextAckTime: system.MaxTimestamp,
	}
	rc.machine = fsm.NewFSM(
		ackStateIdle,
		fsm.Events{
			{Name: "recv", Src: []string{ackStateIdle, ackStateAckPending}, Dst: ackStateAckPending},
			{Name: "piggyback", Src: []string{ackStateAckPending}, Dst: ackStateIdle},
			{Name: "ack_timeout", Src: []string{ackStateAckPending}, Dst: ackStateIdle},
		},
		nil,
	)
	return rc
}

// IsAckPending reports whether a standalone or piggybacked ack is owed to
// the peer.
func (c *ReliableContext) IsAckPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Current() == ackStateAckPending
}

// NextAckTime returns the deadline by which a standalone ack must be sent,
// or system.MaxTimestamp if no ack is pending.
func (c *ReliableContext) NextAckTime() system.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextAckTime
}

// SetAckPending records that peerCounter must be acknowledged by
// now+ackTimeout. Per Spec Section 4.2: if an ack was already pending, the
// protocol only ever acknowledges the most recently recorded counter, so
// the previously pending counter is flushed with an immediate standalone
// ack before being replaced ("flush older ack before replacing", named
// explicitly as an ordering guarantee in Spec Section 5). If the flush
// send fails, the old counter's ack-pending state is left untouched and
// the new counter is dropped; the next inbound reliable message will
// retry the flush.
func (c *ReliableContext) SetAckPending(peerCounter uint32, now system.Timestamp, ackTimeout time.Duration) {
	c.mu.Lock()
	alreadyPending := c.machine.Current() == ackStateAckPending
	oldCounter := c.pendingPeerCounter
	c.mu.Unlock()

	if alreadyPending {
		if !c.flushStandaloneAck(oldCounter) {
			return
		}
	}

	c.mu.Lock()
	c.pendingPeerCounter = peerCounter
	c.nextAckTime = now.Add(ackTimeout)
	c.mu.Unlock()

	_ = c.machine.Event(context.Background(), "recv")
}

// TakePendingAck atomically clears ack-pending state and returns the
// counter to piggyback, used when the exchange sends an outbound message.
func (c *ReliableContext) TakePendingAck() (uint32, bool) {
	c.mu.Lock()
	if c.machine.Current() != ackStateAckPending {
		c.mu.Unlock()
		return 0, false
	}
	counter := c.pendingPeerCounter
	c.pendingPeerCounter = 0
	c.nextAckTime = system.MaxTimestamp
	c.mu.Unlock()

	_ = c.machine.Event(context.Background(), "piggyback")
	return counter, true
}

// SendStandaloneAck instructs the exchange to emit an ack-only message for
// the pending counter. On success, ack-pending is cleared; on failure the
// state is left unchanged so the next wake retries.
func (c *ReliableContext) SendStandaloneAck() {
	c.mu.Lock()
	if c.machine.Current() != ackStateAckPending {
		c.mu.Unlock()
		return
	}
	counter := c.pendingPeerCounter
	c.mu.Unlock()

	if !c.flushStandaloneAck(counter) {
		return
	}

	c.mu.Lock()
	c.pendingPeerCounter = 0
	c.nextAckTime = system.MaxTimestamp
	c.mu.Unlock()

	_ = c.machine.Event(context.Background(), "ack_timeout")
}

// flushStandaloneAck sends a standalone ack for counter via the owning
// exchange. Returns true on success.
func (c *ReliableContext) flushStandaloneAck(counter uint32) bool {
	if err := c.exchange.sendStandaloneAckMessage(counter); err != nil {
		if c.log != nil {
			c.log.Warnf("rmp: standalone ack for counter %d on exchange %v failed: %v", counter, c.exchange.GetKey(), err)
		}
		return false
	}
	return true
}
