package transport

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process broker. Messages published to a queue nobody
// consumes are kept until a consumer subscribes.
type Memory struct {
	timers

	mu     sync.Mutex
	closed bool
	queues map[string]*memQueue
	wg     sync.WaitGroup
	ctx    context.Context
	stop   context.CancelFunc
}

type memQueue struct {
	backlog []Delivery
	sub     *memSubscription
	opts    QueueOptions
}

type memSubscription struct {
	inbox chan Delivery
	done  chan struct{}
}

func NewMemory() *Memory {
	ctx, stop := context.WithCancel(context.Background())
	return &Memory{queues: make(map[string]*memQueue), ctx: ctx, stop: stop}
}

func (m *Memory) Subscribe(queue string, opts QueueOptions, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	q := m.queue(queue)
	if q.sub != nil {
		return fmt.Errorf("%w: %s", ErrSubscribed, queue)
	}
	q.opts = opts

	sub := &memSubscription{inbox: make(chan Delivery, 256+len(q.backlog)), done: make(chan struct{})}
	q.sub = sub
	for _, d := range q.backlog {
		sub.inbox <- d
	}
	q.backlog = nil

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-sub.done:
				return
			case <-m.ctx.Done():
				return
			case d := <-sub.inbox:
				select {
				case <-sub.done:
					m.requeue(queue, d)
					return
				default:
				}
				h(m.ctx, d)
			}
		}
	}()
	return nil
}

func (m *Memory) Unsubscribe(queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok || q.sub == nil {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, queue)
	}
	close(q.sub.done)
	// undelivered messages go back to the queue
drain:
	for {
		select {
		case d := <-q.sub.inbox:
			q.backlog = append(q.backlog, d)
		default:
			break drain
		}
	}
	q.sub = nil
	if q.opts.AutoDelete || q.opts.Exclusive {
		delete(m.queues, queue)
	}
	return nil
}

func (m *Memory) Publish(ctx context.Context, queue string, p Publishing) error {
	d := Delivery{Queue: queue, Body: p.Body, CorrelationID: p.CorrelationID, ReplyTo: p.ReplyTo}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	q := m.queue(queue)
	if q.sub == nil {
		q.backlog = append(q.backlog, d)
		return nil
	}
	select {
	case q.sub.inbox <- d:
		return nil
	default:
		q.backlog = append(q.backlog, d)
		return fmt.Errorf("transport: queue %s is full", queue)
	}
}

// Pending reports how many messages wait on a queue without being delivered.
func (m *Memory) Pending(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return 0
	}
	n := len(q.backlog)
	if q.sub != nil {
		n += len(q.sub.inbox)
	}
	return n
}

// Subscribed reports whether queue currently has a consumer.
func (m *Memory) Subscribed(queue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	return ok && q.sub != nil
}

func (m *Memory) Schedule(d time.Duration, fn func()) TimerID { return m.schedule(d, fn) }

func (m *Memory) Cancel(id TimerID) { m.timers.cancel(id) }

func (m *Memory) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-m.ctx.Done():
	}
	return m.Close()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.stopAll()
	m.stop()
	m.wg.Wait()
	return nil
}

func (m *Memory) requeue(queue string, d Delivery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	q := m.queue(queue)
	if q.sub != nil {
		select {
		case q.sub.inbox <- d:
			return
		default:
		}
	}
	q.backlog = append([]Delivery{d}, q.backlog...)
}

func (m *Memory) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{}
		m.queues[name] = q
	}
	return q
}
