package exchange

import (
	"sync"

	"github.com/backkem/rmp/pkg/message"
	"github.com/backkem/rmp/pkg/system"
	"github.com/backkem/rmp/pkg/transport"
)

// RetransEntry is one record of an in-flight, unacknowledged reliable
// message. See Spec Section 3 (Data Model / RetransEntry).
//
// The entry exclusively owns its retained buffer; the owning exchange is a
// strong reference held for the entry's lifetime, matching the "Ownership"
// paragraph of the data model. There is no back-pointer from the exchange
// to the entry: the manager finds an exchange's entry by scanning the
// table, per Spec Section 9 ("Cyclic references").
type RetransEntry struct {
	inUse           bool
	key             exchangeKey
	exchange        *ExchangeContext
	buffer          message.RetainedBuffer
	peerAddress     transport.PeerAddress
	nextRetransTime system.Timestamp
	sendCount       int
}

// MessageCounter returns the counter of the retained message.
func (e *RetransEntry) MessageCounter() uint32 {
	return e.buffer.GetMessageCounter()
}

// SendCount returns the number of transmission attempts made so far.
func (e *RetransEntry) SendCount() int {
	return e.sendCount
}

// SetBuffer attaches the retained buffer and destination address. Called by
// the caller of RetransTable.Create once the outbound message has been
// encoded, per Spec Section 3's "caller fills retained buffer" contract.
func (e *RetransEntry) SetBuffer(buf message.RetainedBuffer, peer transport.PeerAddress) {
	e.buffer = buf
	e.peerAddress = peer
}

// LoopAction controls whether RetransTable.ForEachActive continues or stops
// a walk, matching Spec Section 4.1's Loop::{Continue,Break}.
type LoopAction int

const (
	// LoopContinue visits the next active entry.
	LoopContinue LoopAction = iota
	// LoopBreak stops the walk immediately.
	LoopBreak
)

// RetransTable is a fixed-capacity pool of RetransEntry slots with no
// hidden heap growth once the pool is constructed and at most one live
// entry per (exchange, message_counter) pair. Create scans the slots for a
// free one, so allocation takes time linear in the capacity, not O(1).
//
// Iteration strategy: ForEachActive snapshots the set of in-use slot
// indices before invoking any callback, then re-checks each slot's in-use
// flag immediately before visiting it. This tolerates a callback releasing
// the entry currently being visited (it simply isn't re-checked) as well
// as releasing a later entry in the snapshot (the re-check skips it) —
// the "index-based re-scan" strategy named as an option in Spec Section 9.
type RetransTable struct {
	mu      sync.Mutex
	entries []RetransEntry
}

// NewRetransTable creates a table with the given fixed capacity
// (MAX_EXCHANGE_CONTEXTS in Spec Section 6's tuning-constants table).
func NewRetransTable(capacity int) *RetransTable {
	return &RetransTable{entries: make([]RetransEntry, capacity)}
}

// Capacity returns the table's fixed slot count.
func (t *RetransTable) Capacity() int {
	return len(t.entries)
}

// Create allocates a fresh slot for ctx, initialised with sendCount=0,
// nextRetransTime=0 and a null retained buffer. Returns ErrTableFull when
// no slot is free.
func (t *RetransTable) Create(ctx *ExchangeContext) (*RetransEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		if !t.entries[i].inUse {
			t.entries[i] = RetransEntry{
				inUse:    true,
				key:      ctx.GetKey(),
				exchange: ctx,
			}
			ctx.setMessageNotAcked(true)
			return &t.entries[i], nil
		}
	}
	return nil, ErrTableFull
}

// Release returns entry's slot to the free list and clears the owning
// exchange's "message-not-acked" flag, fulfilling the invariant in Spec
// Section 3 that the flag is set for exactly the entry's lifetime.
func (t *RetransTable) Release(entry *RetransEntry) {
	t.mu.Lock()
	ctx := entry.exchange
	if !entry.inUse {
		t.mu.Unlock()
		return
	}
	*entry = RetransEntry{}
	t.mu.Unlock()

	if ctx != nil {
		ctx.setMessageNotAcked(false)
		ctx.onRetransmitComplete()
	}
}

// ForEachActive visits every currently active entry. f may release the
// entry it was just passed; it must not release a different entry.
func (t *RetransTable) ForEachActive(f func(*RetransEntry) LoopAction) {
	t.mu.Lock()
	indices := make([]int, 0, len(t.entries))
	for i := range t.entries {
		if t.entries[i].inUse {
			indices = append(indices, i)
		}
	}
	t.mu.Unlock()

	for _, i := range indices {
		t.mu.Lock()
		entry := &t.entries[i]
		stillActive := entry.inUse
		t.mu.Unlock()

		if !stillActive {
			continue
		}
		if f(entry) == LoopBreak {
			return
		}
	}
}

// CountActive returns the number of entries currently in use.
func (t *RetransTable) CountActive() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for i := range t.entries {
		if t.entries[i].inUse {
			n++
		}
	}
	return n
}

// FindByCounter returns the live entry for (key, counter), or nil. Used by
// check_and_remove; the "first match" discipline in Spec Section 4.3 holds
// because the pair is unique among live entries.
func (t *RetransTable) FindByCounter(key exchangeKey, counter uint32) *RetransEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		e := &t.entries[i]
		if e.inUse && e.key == key && e.buffer.GetMessageCounter() == counter {
			return e
		}
	}
	return nil
}

// Clear drains every active entry, clearing each owning exchange's flag.
// Used by ReliableMessageMgr.Shutdown.
func (t *RetransTable) Clear() {
	for {
		var entry *RetransEntry
		t.mu.Lock()
		for i := range t.entries {
			if t.entries[i].inUse {
				entry = &t.entries[i]
				break
			}
		}
		t.mu.Unlock()

		if entry == nil {
			return
		}
		t.Release(entry)
	}
}
