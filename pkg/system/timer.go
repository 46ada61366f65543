package system

import (
	"sync"
	"time"
)

// TimerCallback is invoked when a Layer's armed deadline elapses.
type TimerCallback func()

// Layer is the SystemLayer collaborator: a monotonic clock plus a single
// cancellable one-shot timer. Matches spec section 6 — at most one armed
// timer exists at any time; StartTimer replaces whatever was previously
// armed.
type Layer interface {
	Clock

	// StartTimer arms a one-shot callback at the given deadline, replacing
	// any previously armed deadline. Returns an error only if the layer
	// cannot provide a wake source (a fatal condition for the owning
	// manager — see spec section 4.3's "Timer start failure" row).
	StartTimer(deadline Timestamp, cb TimerCallback) error

	// CancelTimer disarms the current timer, if any. Safe to call when
	// nothing is armed.
	CancelTimer()
}

// realLayer is the production SystemLayer: a monotonic clock and a single
// underlying time.Timer.
type realLayer struct {
	clock Clock

	mu    sync.Mutex
	timer *time.Timer
}

// NewRealLayer returns a Layer backed by the OS monotonic clock and
// standard library timers. Each call returns a new, independent layer;
// exchange.NewManager calls it once per manager when no SystemLayer is
// configured.
func NewRealLayer() Layer {
	return &realLayer{clock: NewClock()}
}

func (l *realLayer) Now() Timestamp {
	return l.clock.Now()
}

func (l *realLayer) StartTimer(deadline Timestamp, cb TimerCallback) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.timer != nil {
		l.timer.Stop()
	}

	now := l.clock.Now()
	var delay time.Duration
	if deadline > now {
		delay = time.Duration(deadline-now) * time.Millisecond
	}
	l.timer = time.AfterFunc(delay, cb)
	return nil
}

func (l *realLayer) CancelTimer() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}
