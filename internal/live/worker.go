package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrTimeout means the environment did not answer within the worker timeout.
	ErrTimeout = errors.New("live: environment did not respond in time")
	// ErrStopped means the worker was stopped or its environment exited.
	ErrStopped = errors.New("live: worker stopped")
)

type request struct {
	reset  bool
	params Params
	action string
}

type response struct {
	obs Observation
	err error
}

// Worker owns one Producer on its own goroutine. Requests and responses
// travel over two bounded channels; only one request is in flight at a time.
type Worker struct {
	producer Producer
	timeout  time.Duration

	requests  chan request
	responses chan response

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// StartWorker launches the goroutine that drives p.
func StartWorker(p Producer, timeout time.Duration) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		producer:  p,
		timeout:   timeout,
		requests:  make(chan request, 1),
		responses: make(chan response, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Worker) run() {
	defer close(w.done)
	defer func() {
		if err := w.producer.Close(); err != nil {
			slog.Warn("closing live environment failed", "error", err)
		}
	}()
	for {
		select {
		case <-w.ctx.Done():
			return
		case req := <-w.requests:
			var resp response
			if req.reset {
				resp.obs, resp.err = w.producer.Reset(w.ctx, req.params)
			} else {
				resp.obs, resp.err = w.producer.Step(w.ctx, req.action)
			}
			select {
			case w.responses <- resp:
			case <-w.ctx.Done():
				return
			}
		}
	}
}

// Reset starts a new episode in the environment.
func (w *Worker) Reset(ctx context.Context, p Params) (Observation, error) {
	return w.call(ctx, request{reset: true, params: p})
}

// Step applies an action and returns the next observation.
func (w *Worker) Step(ctx context.Context, action string) (Observation, error) {
	return w.call(ctx, request{action: action})
}

func (w *Worker) call(ctx context.Context, req request) (Observation, error) {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case w.requests <- req:
	case <-w.done:
		return Observation{}, ErrStopped
	case <-ctx.Done():
		return Observation{}, ctx.Err()
	case <-timer.C:
		return Observation{}, fmt.Errorf("%w: request not accepted after %s", ErrTimeout, w.timeout)
	}

	select {
	case resp := <-w.responses:
		return resp.obs, resp.err
	case <-w.done:
		return Observation{}, ErrStopped
	case <-ctx.Done():
		return Observation{}, ctx.Err()
	case <-timer.C:
		return Observation{}, fmt.Errorf("%w: no response after %s", ErrTimeout, w.timeout)
	}
}

// Stop cancels the environment and waits for its goroutine to exit.
func (w *Worker) Stop() {
	w.stopOnce.Do(w.cancel)
	<-w.done
}
