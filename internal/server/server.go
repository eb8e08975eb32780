// Package server connects experiment sessions to the message broker. New
// experiments arrive on one shared queue; each session then gets a private
// queue of its own until it ends or its watchdog fires.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"novelty-server/internal/observability"
	"novelty-server/internal/protocol"
	"novelty-server/internal/session"
	"novelty-server/internal/transport"
	"novelty-server/internal/watchdog"

	"github.com/google/uuid"
)

type Options struct {
	NewExperimentQueue string
	AnalysisQueue      string
	ReplyQueuePrefix   string
	// sessions served at once; the shared queue is not consumed while at the limit
	MaxSessions int
}

type Server struct {
	transport transport.Transport
	deps      session.Deps
	opts      Options
	metrics   *observability.Metrics
	watchdog  *watchdog.Watchdog

	mu        sync.Mutex
	sessions  map[string]*entry
	listening bool
	closed    bool
}

// entry is one live session. Its mutex is held while a request is processed,
// so a second request arriving meanwhile is refused instead of queued.
type entry struct {
	mu     sync.Mutex
	engine *session.Engine
	// queue the worker reads replies from
	client string
	info   session.Info
}

// New builds a server. deps.Notifier is replaced by one publishing to
// opts.AnalysisQueue when it is nil.
func New(t transport.Transport, deps session.Deps, opts Options) *Server {
	if opts.MaxSessions < 1 {
		opts.MaxSessions = 1
	}
	if deps.Notifier == nil && opts.AnalysisQueue != "" {
		deps.Notifier = &AnalysisNotifier{Transport: t, Queue: opts.AnalysisQueue}
	}
	s := &Server{
		transport: t,
		deps:      deps,
		opts:      opts,
		metrics:   deps.Metrics,
		sessions:  make(map[string]*entry),
	}
	s.watchdog = watchdog.New(t, s.expire)
	return s
}

// Start begins consuming the shared new-experiment queue.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listen()
}

// listen subscribes the shared queue; s.mu must be held.
func (s *Server) listen() error {
	if s.listening || s.closed {
		return nil
	}
	err := s.transport.Subscribe(s.opts.NewExperimentQueue, transport.QueueOptions{Durable: true}, s.onNewExperiment)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.NewExperimentQueue, err)
	}
	s.listening = true
	slog.Info("listening for experiments", "queue", s.opts.NewExperimentQueue)
	return nil
}

// gate stops or resumes consuming the shared queue to match the session
// count; s.mu must be held.
func (s *Server) gate() {
	switch {
	case len(s.sessions) >= s.opts.MaxSessions && s.listening:
		if err := s.transport.Unsubscribe(s.opts.NewExperimentQueue); err != nil {
			slog.Warn("pausing the shared queue failed", "error", err)
			return
		}
		s.listening = false
		slog.Info("session limit reached; shared queue paused", "sessions", len(s.sessions))
	case len(s.sessions) < s.opts.MaxSessions && !s.listening:
		if err := s.listen(); err != nil {
			slog.Error("resuming the shared queue failed", "error", err)
		}
	}
}

func (s *Server) onNewExperiment(ctx context.Context, d transport.Delivery) {
	msg, err := protocol.Decode(d.Body)
	if err != nil {
		s.metrics.ProtocolErrors.WithLabelValues("invalid").Inc()
		s.reply(ctx, d, &protocol.Error{Reasons: []string{err.Error()}})
		return
	}
	req, ok := msg.(*protocol.BenchmarkRequest)
	if !ok {
		s.metrics.ProtocolErrors.WithLabelValues(string(msg.Kind())).Inc()
		s.reply(ctx, d, &protocol.Error{Reasons: []string{fmt.Sprintf("expected BenchmarkRequest, got %s", msg.Kind())}})
		return
	}

	s.mu.Lock()
	full := s.closed || len(s.sessions) >= s.opts.MaxSessions
	s.mu.Unlock()
	if full {
		s.reply(ctx, d, &protocol.Error{Reasons: []string{"server is at its session limit"}})
		return
	}

	queue := s.opts.ReplyQueuePrefix + uuid.NewString()
	e := &entry{engine: session.New(s.deps, queue), client: d.ReplyTo}
	reply := e.engine.Handle(ctx, req)
	if _, started := reply.(*protocol.ExperimentStart); !started {
		s.reply(ctx, d, reply)
		return
	}
	e.info = e.engine.Info()

	s.mu.Lock()
	s.sessions[queue] = e
	s.mu.Unlock()
	err = s.transport.Subscribe(queue, transport.QueueOptions{AutoDelete: true}, s.onSessionMessage(queue))
	if err != nil {
		slog.Error("opening session queue failed", "queue", queue, "error", err)
		e.engine.Terminate("session queue unavailable")
		s.mu.Lock()
		delete(s.sessions, queue)
		s.mu.Unlock()
		s.reply(ctx, d, &protocol.ExperimentException{Message: err.Error()})
		return
	}
	s.metrics.ActiveSessions.Inc()
	s.watchdog.Arm(queue, e.engine.Timeout())

	s.mu.Lock()
	s.gate()
	s.mu.Unlock()

	slog.Info("experiment session opened", "reply_queue", queue, "experiment_id", e.info.ExperimentID, "client", d.ReplyTo)
	s.reply(ctx, d, reply)
}

func (s *Server) onSessionMessage(queue string) transport.Handler {
	return func(ctx context.Context, d transport.Delivery) {
		s.mu.Lock()
		e, ok := s.sessions[queue]
		s.mu.Unlock()
		if !ok {
			s.reply(ctx, d, &protocol.Error{Reasons: []string{"experiment session has ended"}})
			return
		}
		if !e.mu.TryLock() {
			s.metrics.ProtocolErrors.WithLabelValues("busy").Inc()
			s.reply(ctx, d, &protocol.Error{Reasons: []string{"experiment session is busy"}})
			return
		}
		defer e.mu.Unlock()
		if d.ReplyTo != "" {
			e.client = d.ReplyTo
		}

		msg, err := protocol.Decode(d.Body)
		if err != nil {
			s.metrics.ProtocolErrors.WithLabelValues("invalid").Inc()
			s.reply(ctx, d, &protocol.Error{Reasons: []string{err.Error()}})
			s.watchdog.Arm(queue, e.engine.Timeout())
			return
		}

		s.watchdog.Disarm(queue)
		reply := e.engine.Handle(ctx, msg)
		s.mu.Lock()
		e.info = e.engine.Info()
		s.mu.Unlock()
		s.reply(ctx, d, reply)

		if e.engine.Ended() {
			s.release(queue)
			return
		}
		s.watchdog.Arm(queue, e.engine.Timeout())
	}
}

// expire force-ends a session whose watchdog fired.
func (s *Server) expire(queue string, idle time.Duration) {
	s.mu.Lock()
	e, ok := s.sessions[queue]
	s.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	// a request slipped in and rearmed the session
	if s.watchdog.Armed(queue) || e.engine.Ended() {
		return
	}
	elapsed := e.engine.Terminate(fmt.Sprintf("no request for %s", idle))
	s.metrics.SessionTimeouts.Inc()
	slog.Warn("experiment session timed out", "reply_queue", queue, "idle", idle.String(), "elapsed", elapsed.String())

	if e.client != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.publish(ctx, e.client, "", &protocol.ExperimentException{Message: fmt.Sprintf("session timed out after %s without a request", idle)})
	}
	s.release(queue)
}

// release tears down the private queue of an ended session and resumes the
// shared queue if the session limit allows it.
func (s *Server) release(queue string) {
	s.watchdog.Disarm(queue)
	if err := s.transport.Unsubscribe(queue); err != nil {
		slog.Warn("closing session queue failed", "queue", queue, "error", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[queue]; !ok {
		return
	}
	delete(s.sessions, queue)
	s.metrics.ActiveSessions.Dec()
	slog.Info("experiment session closed", "reply_queue", queue, "sessions", len(s.sessions))
	s.gate()
}

func (s *Server) reply(ctx context.Context, d transport.Delivery, msg protocol.Message) {
	if d.ReplyTo == "" {
		slog.Warn("dropping reply without reply_to", "queue", d.Queue, "obj_type", msg.Kind())
		return
	}
	s.publish(ctx, d.ReplyTo, d.CorrelationID, msg)
}

func (s *Server) publish(ctx context.Context, queue, correlationID string, msg protocol.Message) {
	body, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("encoding reply failed", "obj_type", msg.Kind(), "error", err)
		return
	}
	if err := s.transport.Publish(ctx, queue, transport.Publishing{Body: body, CorrelationID: correlationID}); err != nil {
		slog.Error("publishing reply failed", "queue", queue, "obj_type", msg.Kind(), "error", err)
	}
}

// Sessions lists the open sessions ordered by reply queue.
func (s *Server) Sessions() []session.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]session.Info, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReplyQueue < out[j].ReplyQueue })
	return out
}

// Close stops accepting experiments and terminates every open session.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	if s.listening {
		if err := s.transport.Unsubscribe(s.opts.NewExperimentQueue); err != nil {
			slog.Warn("closing the shared queue failed", "error", err)
		}
		s.listening = false
	}
	queues := make([]string, 0, len(s.sessions))
	for q := range s.sessions {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	for _, q := range queues {
		s.mu.Lock()
		e, ok := s.sessions[q]
		s.mu.Unlock()
		if !ok {
			continue
		}
		e.mu.Lock()
		elapsed := e.engine.Terminate("server shutting down")
		e.mu.Unlock()
		slog.Info("experiment session terminated on shutdown", "reply_queue", q, "elapsed", elapsed.String())
		s.release(q)
	}
}

// AnalysisNotifier publishes trial summaries to the analysis queue.
type AnalysisNotifier struct {
	Transport transport.Transport
	Queue     string
}

func (n *AnalysisNotifier) PartialAnalysisReady(ctx context.Context, msg *protocol.PartialAnalysisReady) error {
	body, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return n.Transport.Publish(ctx, n.Queue, transport.Publishing{Body: body})
}
