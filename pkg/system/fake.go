package system

import "sync"

// FakeLayer is a manually-driven SystemLayer for deterministic tests of
// retransmission and acknowledgement timing. Time only moves forward when
// the test calls Advance or SetNow; arming a timer never starts a real
// goroutine timer.
//
// Exported for use by test packages, in the same spirit as the teacher's
// exchange.TestManagerPair.
type FakeLayer struct {
	mu       sync.Mutex
	now      Timestamp
	deadline Timestamp
	cb       TimerCallback
	armed    bool
}

// NewFakeLayer returns a FakeLayer starting at time zero.
func NewFakeLayer() *FakeLayer {
	return &FakeLayer{}
}

// Now implements Clock.
func (f *FakeLayer) Now() Timestamp {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// StartTimer implements Layer.
func (f *FakeLayer) StartTimer(deadline Timestamp, cb TimerCallback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadline = deadline
	f.cb = cb
	f.armed = true
	return nil
}

// CancelTimer implements Layer.
func (f *FakeLayer) CancelTimer() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = false
	f.cb = nil
}

// Armed reports whether a timer is currently armed, and its deadline.
func (f *FakeLayer) Armed() (Timestamp, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deadline, f.armed
}

// SetNow moves the clock to an absolute timestamp. It does not fire the
// armed callback; call Advance to do that explicitly.
func (f *FakeLayer) SetNow(t Timestamp) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// Advance moves the clock forward by ms milliseconds and, if doing so
// reaches or passes the armed deadline, fires the callback exactly once
// and disarms. Mirrors a real timer's "fire at or after deadline" contract.
func (f *FakeLayer) Advance(ms uint64) {
	f.mu.Lock()
	f.now += Timestamp(ms)
	var cb TimerCallback
	if f.armed && f.deadline <= f.now {
		cb = f.cb
		f.armed = false
		f.cb = nil
	}
	f.mu.Unlock()

	if cb != nil {
		cb()
	}
}
