// Package watchdog force-ends experiment sessions that stop sending requests.
package watchdog

import (
	"sync"
	"time"

	"novelty-server/internal/transport"
)

// Scheduler runs callbacks after a delay. Both transports implement it.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) transport.TimerID
	Cancel(id transport.TimerID)
}

// Watchdog keeps at most one pending expiry per session key.
type Watchdog struct {
	sched    Scheduler
	onExpire func(key string, idle time.Duration)

	mu     sync.Mutex
	timers map[string]transport.TimerID
}

// New returns a watchdog that calls onExpire, outside its lock, when a key
// stays armed for its whole timeout.
func New(sched Scheduler, onExpire func(key string, idle time.Duration)) *Watchdog {
	return &Watchdog{sched: sched, onExpire: onExpire, timers: make(map[string]transport.TimerID)}
}

// Arm replaces any pending expiry of key with one due after timeout.
func (w *Watchdog) Arm(key string, timeout time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.timers[key]; ok {
		w.sched.Cancel(id)
	}
	var id transport.TimerID
	id = w.sched.Schedule(timeout, func() { w.fire(key, &id, timeout) })
	w.timers[key] = id
}

// Disarm cancels the pending expiry of key, if any.
func (w *Watchdog) Disarm(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id, ok := w.timers[key]; ok {
		w.sched.Cancel(id)
		delete(w.timers, key)
	}
}

// Armed reports whether key has a pending expiry.
func (w *Watchdog) Armed(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.timers[key]
	return ok
}

// fire reads id under the lock Arm holds while assigning it.
func (w *Watchdog) fire(key string, id *transport.TimerID, timeout time.Duration) {
	w.mu.Lock()
	current, ok := w.timers[key]
	// rearmed or disarmed while this timer was firing
	if !ok || current != *id {
		w.mu.Unlock()
		return
	}
	delete(w.timers, key)
	w.mu.Unlock()
	w.onExpire(key, timeout)
}
