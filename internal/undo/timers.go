package undo

import (
	"sync"
	"time"
)

// TimerScheduler tracks one auto-commit timer per action id. Exactly-once is
// enforced by the store claim, not here: a timer that fires after the action
// was already resolved lands on a harmless NotFound.
type TimerScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[string]*time.Timer)}
}

// Schedule arms the timer for id, replacing any existing one.
func (t *TimerScheduler) Schedule(id string, delay time.Duration, onFire func(id string)) {
	if t == nil || id == "" || onFire == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.timers[id]; ok {
		existing.Stop()
	}
	t.timers[id] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.timers, id)
		t.mu.Unlock()
		onFire(id)
	})
}

// Cancel disarms the timer for id. Cancelling an unknown or already-fired id
// is a no-op.
func (t *TimerScheduler) Cancel(id string) {
	if t == nil || id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[id]; ok {
		timer.Stop()
		delete(t.timers, id)
	}
}

// Stop disarms every timer. Used at shutdown.
func (t *TimerScheduler) Stop() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
