// Package transport moves encoded protocol messages between the server and
// remote workers and schedules timers on behalf of sessions.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrClosed        = errors.New("transport: closed")
	ErrNotSubscribed = errors.New("transport: queue not subscribed")
	ErrSubscribed    = errors.New("transport: queue already subscribed")
)

// Delivery is one inbound message.
type Delivery struct {
	Queue         string
	Body          []byte
	CorrelationID string
	// queue the sender expects the answer on
	ReplyTo string
}

// Publishing is one outbound message.
type Publishing struct {
	Body          []byte
	CorrelationID string
	ReplyTo       string
}

type QueueOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

// Handler processes deliveries of one queue, one at a time and in order.
type Handler func(ctx context.Context, d Delivery)

// TimerID identifies a scheduled callback.
type TimerID uint64

type Transport interface {
	Subscribe(queue string, opts QueueOptions, h Handler) error
	Unsubscribe(queue string) error
	Publish(ctx context.Context, queue string, p Publishing) error
	// Schedule runs fn once after d unless cancelled first.
	Schedule(d time.Duration, fn func()) TimerID
	Cancel(id TimerID)
	// Run blocks until ctx ends or the connection fails.
	Run(ctx context.Context) error
	Close() error
}

// timers is the Schedule/Cancel implementation shared by the transports.
type timers struct {
	next    atomic.Uint64
	mu      sync.Mutex
	pending map[TimerID]*time.Timer
}

func (t *timers) schedule(d time.Duration, fn func()) TimerID {
	id := TimerID(t.next.Add(1))
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		t.pending = make(map[TimerID]*time.Timer)
	}
	t.pending[id] = time.AfterFunc(d, func() {
		t.mu.Lock()
		_, live := t.pending[id]
		delete(t.pending, id)
		t.mu.Unlock()
		if live {
			fn()
		}
	})
	return id
}

func (t *timers) cancel(id TimerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.pending[id]; ok {
		tm.Stop()
		delete(t.pending, id)
	}
}

func (t *timers) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, tm := range t.pending {
		tm.Stop()
		delete(t.pending, id)
	}
}
