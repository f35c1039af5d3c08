package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultLowTimeThreshold is the remaining time under which the session is
// flagged as about to expire.
const DefaultLowTimeThreshold = 5 * time.Minute

// TimeProvider abstracts time access for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the real system clock.
type DefaultTimeProvider struct{}

// Now returns the current system time.
func (DefaultTimeProvider) Now() time.Time {
	return time.Now()
}

// Timer tracks elapsed and remaining seconds for one consultation.
//
// The backend snapshot seeds the counters; the timer only ticks while the
// gate is open, which the Manager holds to connected plus in-progress.
// Remaining is floored at zero and is non-increasing while ticking.
type Timer struct {
	mu           sync.Mutex
	elapsed      int
	remaining    int
	lowThreshold int
	interval     time.Duration
	running      bool
	stopCh       chan struct{}
	onTick       func(elapsed, remaining int, lowTime bool)
}

// NewTimer creates a stopped timer. onTick, if non-nil, is invoked after
// every one-second step with the updated counters.
func NewTimer(onTick func(elapsed, remaining int, lowTime bool)) *Timer {
	return &Timer{
		lowThreshold: int(DefaultLowTimeThreshold.Seconds()),
		interval:     time.Second,
		onTick:       onTick,
	}
}

// SetLowTimeThreshold overrides the low-time warning threshold.
func (t *Timer) SetLowTimeThreshold(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lowThreshold = int(d.Seconds())
}

// Seed replaces the counters from an authoritative snapshot. Seeding does
// not start or stop the tick loop.
func (t *Timer) Seed(elapsed, remaining int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.elapsed = elapsed
	t.remaining = max(remaining, 0)
}

// Gate opens or closes the tick loop. The loop runs only while both
// conditions hold; closing either one tears the interval down.
func (t *Timer) Gate(connected, inProgress bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	shouldRun := connected && inProgress
	if shouldRun == t.running {
		return
	}

	if shouldRun {
		t.running = true
		t.stopCh = make(chan struct{})
		go t.loop(t.stopCh)
		logrus.WithField("function", "Gate").Debug("Session timer started")
		return
	}

	t.running = false
	close(t.stopCh)
	t.stopCh = nil
	logrus.WithField("function", "Gate").Debug("Session timer stopped")
}

// Stop closes the gate unconditionally. Idempotent.
func (t *Timer) Stop() {
	t.Gate(false, false)
}

// Running reports whether the tick loop is active.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Elapsed returns the elapsed seconds.
func (t *Timer) Elapsed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsed
}

// Remaining returns the remaining seconds, never negative.
func (t *Timer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// LowTime reports whether remaining has dropped under the warning
// threshold.
func (t *Timer) LowTime() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining < t.lowThreshold
}

func (t *Timer) loop(stop chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.step()
		}
	}
}

// step advances the counters by one second.
func (t *Timer) step() {
	t.mu.Lock()
	t.elapsed++
	if t.remaining > 0 {
		t.remaining--
	}
	elapsed, remaining := t.elapsed, t.remaining
	low := t.remaining < t.lowThreshold
	onTick := t.onTick
	t.mu.Unlock()

	if onTick != nil {
		onTick(elapsed, remaining, low)
	}
}
