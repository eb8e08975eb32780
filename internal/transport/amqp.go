package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQP is a Transport over a RabbitMQ connection. Each subscription owns its
// own channel with a prefetch of one, so a queue is processed strictly in order.
type AMQP struct {
	timers

	conn *amqp.Connection

	pubMu sync.Mutex
	pub   *amqp.Channel

	mu     sync.Mutex
	subs   map[string]*amqpSubscription
	closed chan *amqp.Error
	wg     sync.WaitGroup
	ctx    context.Context
	stop   context.CancelFunc
}

type amqpSubscription struct {
	ch  *amqp.Channel
	tag string
	// set by Unsubscribe; deliveries still in flight go back to the queue
	cancelled atomic.Bool
}

// DialAMQP connects to url on vhost.
func DialAMQP(url, vhost string) (*AMQP, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Vhost:     vhost,
		Heartbeat: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial broker: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: open publish channel: %w", err)
	}
	ctx, stop := context.WithCancel(context.Background())
	a := &AMQP{
		conn:   conn,
		pub:    pub,
		subs:   make(map[string]*amqpSubscription),
		closed: conn.NotifyClose(make(chan *amqp.Error, 1)),
		ctx:    ctx,
		stop:   stop,
	}
	slog.Info("connected to broker", "vhost", vhost)
	return a, nil
}

func (a *AMQP) Subscribe(queue string, opts QueueOptions, h Handler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.subs[queue]; ok {
		return fmt.Errorf("%w: %s", ErrSubscribed, queue)
	}

	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("transport: open channel for %s: %w", queue, err)
	}
	if _, err := ch.QueueDeclare(queue, opts.Durable, opts.AutoDelete, opts.Exclusive, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("transport: declare %s: %w", queue, err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("transport: qos %s: %w", queue, err)
	}
	tag := "novelty-" + queue
	deliveries, err := ch.Consume(queue, tag, false, opts.Exclusive, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("transport: consume %s: %w", queue, err)
	}
	sub := &amqpSubscription{ch: ch, tag: tag}
	a.subs[queue] = sub

	a.wg.Add(1)
	go a.consume(queue, sub, deliveries, h)
	return nil
}

// consume feeds deliveries to h and acks each one after h returns. The
// channel is closed here, once the consumer is cancelled and drained, so a
// handler that unsubscribes its own queue still gets its delivery acked.
func (a *AMQP) consume(queue string, sub *amqpSubscription, deliveries <-chan amqp.Delivery, h Handler) {
	defer a.wg.Done()
	for d := range deliveries {
		if sub.cancelled.Load() {
			if err := d.Nack(false, true); err != nil {
				slog.Warn("requeue after unsubscribe failed", "queue", queue, "error", err)
			}
			continue
		}
		h(a.ctx, Delivery{
			Queue:         queue,
			Body:          d.Body,
			CorrelationID: d.CorrelationId,
			ReplyTo:       d.ReplyTo,
		})
		if err := d.Ack(false); err != nil {
			slog.Warn("ack failed", "queue", queue, "error", err)
		}
	}
	if err := sub.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		slog.Warn("closing consumer channel failed", "queue", queue, "error", err)
	}
}

// Unsubscribe cancels the consumer. The delivery in progress, if any, is
// still acked; the channel closes once the consumer has drained.
func (a *AMQP) Unsubscribe(queue string) error {
	a.mu.Lock()
	sub, ok := a.subs[queue]
	delete(a.subs, queue)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, queue)
	}
	sub.cancelled.Store(true)
	if err := sub.ch.Cancel(sub.tag, false); err != nil {
		sub.ch.Close()
		return fmt.Errorf("transport: cancel %s: %w", queue, err)
	}
	return nil
}

func (a *AMQP) Publish(ctx context.Context, queue string, p Publishing) error {
	a.pubMu.Lock()
	defer a.pubMu.Unlock()
	err := a.pub.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Transient,
		CorrelationId: p.CorrelationID,
		ReplyTo:       p.ReplyTo,
		Timestamp:     time.Now(),
		Body:          p.Body,
	})
	if err != nil {
		return fmt.Errorf("transport: publish to %s: %w", queue, err)
	}
	return nil
}

func (a *AMQP) Schedule(d time.Duration, fn func()) TimerID { return a.schedule(d, fn) }

func (a *AMQP) Cancel(id TimerID) { a.timers.cancel(id) }

func (a *AMQP) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return a.Close()
	case err, ok := <-a.closed:
		a.Close()
		if !ok || err == nil {
			return nil
		}
		return fmt.Errorf("transport: connection closed: %w", err)
	}
}

func (a *AMQP) Close() error {
	a.stopAll()
	a.stop()

	a.mu.Lock()
	queues := make([]string, 0, len(a.subs))
	for q := range a.subs {
		queues = append(queues, q)
	}
	a.mu.Unlock()
	for _, q := range queues {
		_ = a.Unsubscribe(q)
	}

	var err error
	if !a.conn.IsClosed() {
		err = a.conn.Close()
	}
	a.wg.Wait()
	return err
}
