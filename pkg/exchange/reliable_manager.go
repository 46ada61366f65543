package exchange

import (
	"github.com/backkem/rmp/pkg/message"
	"github.com/backkem/rmp/pkg/session"
	"github.com/backkem/rmp/pkg/system"
	"github.com/backkem/rmp/pkg/transport"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultMaxRetrans is MAX_RETRANS from Spec Section 6's tuning-constants
// table: the number of transmission attempts before terminal failure.
const DefaultMaxRetrans = 3

// DefaultMaxExchangeContexts is the default RetransTable capacity
// (MAX_EXCHANGE_CONTEXTS in Spec Section 6).
const DefaultMaxExchangeContexts = 16

// preparedMessageSender is the SessionManager collaborator from Spec
// Section 6: resend an already-encoded buffer and refresh addressing
// data after the first retry. Implemented by *session.Manager.
type preparedMessageSender interface {
	SendPreparedMessage(peer transport.PeerAddress, buf message.RetainedBuffer) error
	RefreshSessionOperationalData(sess *session.SecureContext)
}

// contextPool iterates the exchanges a ReliableMessageMgr's ack pass must
// visit. Implemented by *Manager.
type contextPool interface {
	forEachContext(f func(*ExchangeContext) bool)
}

// ReliableMessageMgrConfig configures a ReliableMessageMgr.
type ReliableMessageMgrConfig struct {
	// MaxRetrans is MAX_RETRANS (default DefaultMaxRetrans).
	MaxRetrans int

	// MaxExchangeContexts sizes the retrans table (default
	// DefaultMaxExchangeContexts).
	MaxExchangeContexts int

	// SystemLayer supplies the clock and one-shot timer. Required.
	SystemLayer system.Layer

	// SessionManager resends prepared messages and refreshes operational
	// data. Required.
	SessionManager *session.Manager

	// LoggerFactory creates the manager's logger. Nil disables logging.
	LoggerFactory logging.LoggerFactory

	// MetricsRegisterer registers the manager's prometheus metrics. Nil
	// constructs unregistered (but still usable) metrics.
	MetricsRegisterer prometheus.Registerer
}

// rmpMetrics are the prometheus instruments wired per Spec Section 7
// (Ambient Stack / Metrics): one gauge for table occupancy and counters
// for the events Spec Section 7 requires to be logged.
type rmpMetrics struct {
	activeEntries    prometheus.Gauge
	retransmits      prometheus.Counter
	terminalFailures prometheus.Counter
	standaloneAcks   prometheus.Counter
	incorrectState   prometheus.Counter
	tableFull        prometheus.Counter
}

func newRMPMetrics(reg prometheus.Registerer) *rmpMetrics {
	factory := promauto.With(reg)
	return &rmpMetrics{
		activeEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "rmp",
			Subsystem: "retrans_table",
			Name:      "active_entries",
			Help:      "Number of in-flight unacknowledged reliable messages.",
		}),
		retransmits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rmp",
			Subsystem: "retrans_table",
			Name:      "retransmits_total",
			Help:      "Number of message retransmission attempts.",
		}),
		terminalFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rmp",
			Subsystem: "retrans_table",
			Name:      "terminal_failures_total",
			Help:      "Number of entries released after exhausting MAX_RETRANS.",
		}),
		standaloneAcks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rmp",
			Subsystem: "reliable_context",
			Name:      "standalone_acks_total",
			Help:      "Number of standalone acknowledgement messages attempted.",
		}),
		incorrectState: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rmp",
			Subsystem: "retrans_table",
			Name:      "incorrect_state_total",
			Help:      "Number of retries abandoned because the exchange's session vanished.",
		}),
		tableFull: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "rmp",
			Subsystem: "retrans_table",
			Name:      "table_full_total",
			Help:      "Number of add_to_retrans_table calls rejected because the table was full.",
		}),
	}
}

// ReliableMessageMgr is the orchestrator from Spec Section 4.3: it owns
// the retrans table, schedules the single tickless wake-up, retransmits
// or expires overdue entries, emits standalone acks, and processes
// inbound acks. One instance is owned by the enclosing exchange.Manager,
// matching "single global per endpoint" in Spec Section 3.
type ReliableMessageMgr struct {
	maxRetrans int
	layer      system.Layer
	sessionMgr preparedMessageSender
	pool       contextPool
	table      *RetransTable
	log        logging.LeveledLogger
	metrics    *rmpMetrics
}

// newReliableMessageMgr constructs the orchestrator. pool is the owning
// exchange.Manager, which passes itself in from NewManager.
func newReliableMessageMgr(config ReliableMessageMgrConfig, pool contextPool) *ReliableMessageMgr {
	maxRetrans := config.MaxRetrans
	if maxRetrans <= 0 {
		maxRetrans = DefaultMaxRetrans
	}
	capacity := config.MaxExchangeContexts
	if capacity <= 0 {
		capacity = DefaultMaxExchangeContexts
	}

	var log logging.LeveledLogger
	if config.LoggerFactory != nil {
		log = config.LoggerFactory.NewLogger("rmp")
	}

	return &ReliableMessageMgr{
		maxRetrans: maxRetrans,
		layer:      config.SystemLayer,
		sessionMgr: config.SessionManager,
		pool:       pool,
		table:      NewRetransTable(capacity),
		log:        log,
		metrics:    newRMPMetrics(config.MetricsRegisterer),
	}
}

// Now returns the current time from the underlying SystemLayer, so callers
// elsewhere in the package can timestamp ack-pending/retrans bookkeeping
// against the same clock the manager schedules against.
func (m *ReliableMessageMgr) Now() system.Timestamp {
	return m.layer.Now()
}

// Shutdown cancels the timer and drains the table, per Invariant 5 in
// Spec Section 8: after shutdown the table is empty, no timer is armed,
// and no further callbacks fire.
func (m *ReliableMessageMgr) Shutdown() {
	m.layer.CancelTimer()
	m.table.Clear()
	m.metrics.activeEntries.Set(0)
}

// AddToRetransTable allocates a fresh entry for ctx. The caller must call
// entry.SetBuffer before StartRetransmission.
func (m *ReliableMessageMgr) AddToRetransTable(ctx *ExchangeContext) (*RetransEntry, error) {
	entry, err := m.table.Create(ctx)
	if err != nil {
		m.metrics.tableFull.Inc()
		if m.log != nil {
			m.log.Errorf("rmp: retrans table full, rejecting new entry for exchange %v", ctx.GetKey())
		}
		return nil, err
	}
	m.metrics.activeEntries.Set(float64(m.table.CountActive()))
	return entry, nil
}

// StartRetransmission schedules entry's first retry at
// now+idle_retrans_timeout and rearms the single tickless timer. Per Spec
// Section 4.3: the original CHIP source always uses the idle timeout for
// the first scheduled retry, leaving idle/active refinement for a future
// activity-aware revision (Spec Section 9, Open Questions).
func (m *ReliableMessageMgr) StartRetransmission(entry *RetransEntry, cfg MRPConfig) {
	now := m.layer.Now()
	entry.nextRetransTime = now.Add(cfg.IdleRetransTimeout)
	m.startTimer()
}

// CheckAndRemove implements check_and_remove from Spec Section 4.3: walk
// the table for the first entry matching (ctx, ackCounter), release it,
// and rearm the timer. Returns whether anything was removed.
func (m *ReliableMessageMgr) CheckAndRemove(ctx *ExchangeContext, ackCounter uint32) bool {
	entry := m.table.FindByCounter(ctx.GetKey(), ackCounter)
	if entry == nil {
		return false
	}
	m.table.Release(entry)
	m.metrics.activeEntries.Set(float64(m.table.CountActive()))
	m.startTimer()
	return true
}

// sendFromRetransTable implements send_from_retrans_table from Spec
// Section 4.3.
func (m *ReliableMessageMgr) sendFromRetransTable(entry *RetransEntry) error {
	ctx := entry.exchange
	sess := ctx.Session()
	if sess == nil {
		if m.log != nil {
			m.log.Errorf("rmp: incorrect state sending MessageCounter:%d on exchange %v, send tries: %d",
				entry.MessageCounter(), entry.key, entry.sendCount)
		}
		m.metrics.incorrectState.Inc()
		m.table.Release(entry)
		return ErrIncorrectState
	}

	err := m.sessionMgr.SendPreparedMessage(entry.peerAddress, entry.buffer)
	if err != nil {
		if m.log != nil {
			m.log.Errorf("rmp: send failed for MessageCounter:%d on exchange %v, send tries: %d: %v",
				entry.MessageCounter(), entry.key, entry.sendCount, err)
		}
		m.table.Release(entry)
		return err
	}

	if entry.sendCount == 0 {
		if secureSess, ok := sess.(*session.SecureContext); ok {
			m.sessionMgr.RefreshSessionOperationalData(secureSess)
		}
	}
	entry.sendCount++
	m.metrics.retransmits.Inc()
	return nil
}

// OnTimerExpired is the SystemLayer timer callback: run execute_actions,
// then rearm.
func (m *ReliableMessageMgr) OnTimerExpired() {
	m.executeActions()
}

// executeActions is the heart of the orchestrator (Spec Section 4.3).
// now is read once at entry; the retransmit pass re-reads the clock
// before scheduling the next retry, per the "Open Questions" note that
// the original source deliberately re-reads the clock to guard against
// drift during a long callback.
func (m *ReliableMessageMgr) executeActions() {
	now := m.layer.Now()

	// Ack pass.
	if m.pool != nil {
		m.pool.forEachContext(func(ctx *ExchangeContext) bool {
			rc := ctx.reliable
			if rc != nil && rc.IsAckPending() && rc.NextAckTime() <= now {
				rc.SendStandaloneAck()
				m.metrics.standaloneAcks.Inc()
			}
			return true
		})
	}

	// Retransmit pass.
	m.table.ForEachActive(func(entry *RetransEntry) LoopAction {
		if entry.nextRetransTime > now {
			return LoopContinue
		}

		if entry.sendCount >= m.maxRetrans {
			if m.log != nil {
				m.log.Errorf("rmp: terminal failure for MessageCounter:%d on exchange %v after %d attempts",
					entry.MessageCounter(), entry.key, entry.sendCount)
			}
			m.metrics.terminalFailures.Inc()
			m.table.Release(entry)
			m.metrics.activeEntries.Set(float64(m.table.CountActive()))
			return LoopContinue
		}

		ctx := entry.exchange
		cfg := ctx.GetMRPConfig()
		nowFresh := m.layer.Now()
		entry.nextRetransTime = nowFresh.Add(cfg.ActiveRetransTimeout)
		_ = m.sendFromRetransTable(entry)
		m.metrics.activeEntries.Set(float64(m.table.CountActive()))
		return LoopContinue
	})

	m.startTimer()
}

// startTimer implements Spec Section 4.3's tickless scheduling: compute
// the minimum of every pending ack deadline and retrans deadline, arm a
// single one-shot timer there, or cancel if nothing is outstanding.
func (m *ReliableMessageMgr) startTimer() {
	next := system.MaxTimestamp

	if m.pool != nil {
		m.pool.forEachContext(func(ctx *ExchangeContext) bool {
			rc := ctx.reliable
			if rc != nil && rc.IsAckPending() {
				if t := rc.NextAckTime(); t < next {
					next = t
				}
			}
			return true
		})
	}

	m.table.ForEachActive(func(entry *RetransEntry) LoopAction {
		if entry.nextRetransTime < next {
			next = entry.nextRetransTime
		}
		return LoopContinue
	})

	if next == system.MaxTimestamp {
		m.layer.CancelTimer()
		return
	}

	if err := m.layer.StartTimer(next, m.OnTimerExpired); err != nil {
		// Fatal per Spec Section 4.3: the manager cannot function without
		// a wake source.
		panic("rmp: system layer failed to arm timer: " + err.Error())
	}
}

// retransDeadline reads back the currently scheduled deadline for an entry
// without reaching into table internals directly.
func retransDeadline(entry *RetransEntry) system.Timestamp {
	return entry.nextRetransTime
}
