// Package session implements the per-experiment state machine that drives a
// worker through training and testing.
//
// An Engine serves one private reply queue. It is logically single-threaded:
// callers must not invoke Handle concurrently on the same Engine.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"novelty-server/internal/cache"
	"novelty-server/internal/live"
	"novelty-server/internal/lock"
	"novelty-server/internal/model"
	"novelty-server/internal/observability"
	"novelty-server/internal/protocol"
	"novelty-server/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Notifier receives the analysis notification published at the end of each trial.
type Notifier interface {
	PartialAnalysisReady(ctx context.Context, msg *protocol.PartialAnalysisReady) error
}

type Options struct {
	Timeout                   time.Duration
	TrainingTimeoutMultiplier float64
	// allow the planner's degraded (1,1,1) split
	Demo  bool
	Cache cache.Options
}

type Deps struct {
	Store    *store.Store
	Locks    *lock.Manager
	Live     *live.Registry
	Notifier Notifier
	Metrics  *observability.Metrics
	Options  Options
}

// Session is everything an experiment session knows. Ending a session
// replaces the value wholesale; nothing is reset field by field.
type Session struct {
	State      State
	Experiment Experiment
	// attached to an existing experiment by secret; training is skipped
	Attached   bool
	Training   phase
	Trial      *trialRun
	Episode    *episodeRun
	TrialsDone int
	StartedAt  time.Time
	// ended by an exception or the watchdog rather than by the protocol
	Terminated bool

	cache  *cache.Cache
	worker *live.Worker
	rng    *rand.Rand
}

// phase is the progress through the episode list of one trial.
type phase struct {
	Row      model.ExperimentTrial
	Episodes []model.TrialEpisode
	Next     int
	// the worker asked to skip the rest of the phase
	EndedEarly bool
}

func (p *phase) done() bool { return p.EndedEarly || p.Next >= len(p.Episodes) }

type trialRun struct {
	phase
	Spec  TrialSpec
	Claim lock.Claim
	// one-way: set once the worker reports novelty at or above its threshold
	BudgetActive bool
	// sequence of the first novel episode, -1 for a trial without novelty
	NoveltyStart int
}

// episodeRun is the episode currently being served.
type episodeRun struct {
	Row      *model.TrialEpisode
	Training bool
	Live     bool
	Entry    *cache.Episode
	Obs      live.Observation
	Position int

	// set between a data item and its prediction
	Pending    bool
	Label      string
	InstanceID uint
	// live: data row already written for Position
	DataID uint
	// outcome of a prediction whose store writes did not all go through
	answer *answer

	Served   int
	Correct  int
	Reward   float64
	Complete bool
}

// answer holds what a prediction already caused outside the session: the
// live environment has stepped and the feedback coin has been flipped. A
// retried prediction reuses it instead of doing either twice.
type answer struct {
	Stepped  *live.Observation
	Decided  bool
	Feedback *protocol.Feedback
}

func (r *episodeRun) performance() float64 {
	return score(r.Live, r.Served, r.Correct, r.Reward)
}

func score(isLive bool, served, correct int, reward float64) float64 {
	if served == 0 {
		return 0
	}
	if isLive {
		return reward / float64(served)
	}
	return float64(correct) / float64(served)
}

// Info is a snapshot of a session for the admin API.
type Info struct {
	ReplyQueue   string    `json:"reply_queue"`
	ExperimentID uint      `json:"experiment_id"`
	State        string    `json:"state"`
	TrialID      uint      `json:"trial_id,omitempty"`
	TrialsDone   int       `json:"trials_done"`
	StartedAt    time.Time `json:"started_at"`
}

type Engine struct {
	deps       Deps
	replyQueue string
	tracer     trace.Tracer
	sess       Session
}

func New(deps Deps, replyQueue string) *Engine {
	if deps.Options.TrainingTimeoutMultiplier < 1 {
		deps.Options.TrainingTimeoutMultiplier = 1
	}
	e := &Engine{
		deps:       deps,
		replyQueue: replyQueue,
		tracer:     otel.Tracer(observability.TracerName),
	}
	e.sess = e.fresh()
	return e
}

func (e *Engine) fresh() Session {
	return Session{
		State:     StateBenchmarkRequest,
		StartedAt: time.Now(),
		cache:     cache.New(e.deps.Store, e.deps.Options.Cache, e.deps.Metrics),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (e *Engine) State() State { return e.sess.State }

// Ended reports whether the session reached ExperimentEnd by any path.
func (e *Engine) Ended() bool { return e.sess.State == StateExperimentEnd }

func (e *Engine) ReplyQueue() string { return e.replyQueue }

// BudgetActive reports whether feedback may be given in the current trial.
func (e *Engine) BudgetActive() bool { return e.sess.Trial != nil && e.sess.Trial.BudgetActive }

// Timeout is how long the session may wait for its next request. It is
// stretched while the worker trains its model after TrainingEnd.
func (e *Engine) Timeout() time.Duration {
	t := e.deps.Options.Timeout
	if e.sess.State == StateTrainingEnd {
		t = time.Duration(float64(t) * e.deps.Options.TrainingTimeoutMultiplier)
	}
	return t
}

func (e *Engine) Info() Info {
	info := Info{
		ReplyQueue:   e.replyQueue,
		ExperimentID: e.sess.Experiment.ID,
		State:        e.sess.State.String(),
		TrialsDone:   e.sess.TrialsDone,
		StartedAt:    e.sess.StartedAt,
	}
	if e.sess.Trial != nil {
		info.TrialID = e.sess.Trial.Row.ID
	}
	return info
}

// violation is a request that is illegal in the current state.
type violation struct {
	reasons []string
}

func (v *violation) Error() string { return strings.Join(v.reasons, "; ") }

func violationf(format string, args ...any) error {
	return &violation{reasons: []string{fmt.Sprintf(format, args...)}}
}

// fatalError ends the session with an ExperimentException.
type fatalError struct {
	err error
}

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

func fatal(err error) error { return &fatalError{err: err} }

// Handle processes one request and returns the reply. Rejected requests
// leave the state unchanged and are answered with a single Error.
func (e *Engine) Handle(ctx context.Context, msg protocol.Message) protocol.Message {
	from := e.sess.State
	ctx, span := e.tracer.Start(ctx, "session."+string(msg.Kind()),
		trace.WithAttributes(
			attribute.String("session.state", from.String()),
			attribute.String("session.reply_queue", e.replyQueue),
		))
	defer span.End()

	reply, err := e.safeDispatch(ctx, msg)

	var v *violation
	var f *fatalError
	switch {
	case err == nil:
	case errors.As(err, &v):
		e.deps.Metrics.ProtocolErrors.WithLabelValues(string(msg.Kind())).Inc()
		slog.Warn("request rejected", "reply_queue", e.replyQueue, "state", from, "obj_type", msg.Kind(), "reasons", v.reasons)
		span.SetStatus(codes.Error, "protocol violation")
		reply = &protocol.Error{Reasons: v.reasons}
	case errors.As(err, &f):
		span.RecordError(err)
		span.SetStatus(codes.Error, "session failed")
		reply = e.fail(f.err)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		slog.Error("request failed", "reply_queue", e.replyQueue, "state", from, "obj_type", msg.Kind(), "error", err)
		e.sess.State = from
		reply = &protocol.Error{Reasons: []string{err.Error()}}
	}

	if to := e.sess.State; to != from {
		e.deps.Metrics.Transitions.WithLabelValues(to.String()).Inc()
		span.SetAttributes(attribute.String("session.next_state", to.String()))
		slog.Debug("session transition", "reply_queue", e.replyQueue, "from", from, "to", to)
	}
	return reply
}

// safeDispatch turns a panic inside episode processing into a fatal error.
func (e *Engine) safeDispatch(ctx context.Context, msg protocol.Message) (reply protocol.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			reply, err = nil, fatal(fmt.Errorf("panic handling %s: %v", msg.Kind(), r))
		}
	}()
	return e.dispatch(ctx, msg)
}

func (e *Engine) dispatch(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	if e.sess.State == StateExperimentEnd {
		return nil, violationf("experiment has ended")
	}
	if !e.sess.State.accepts(msg.Kind()) {
		return nil, violationf("%s is not allowed in state %s", msg.Kind(), e.sess.State)
	}

	switch m := msg.(type) {
	case *protocol.BenchmarkRequest:
		return e.onBenchmarkRequest(ctx, m)
	case *protocol.RequestState:
		return e.onRequestState(ctx)
	case *protocol.RequestTrainingData:
		return e.onRequestData(ctx)
	case *protocol.TrainingDataPrediction:
		return e.onPrediction(ctx, m.Prediction)
	case *protocol.TrainingEpisodeNovelty:
		return e.onEpisodeNovelty(ctx, m.NoveltyReport)
	case *protocol.RequestTestingData:
		return e.onRequestData(ctx)
	case *protocol.TestingDataPrediction:
		return e.onPrediction(ctx, m.Prediction)
	case *protocol.TestingEpisodeNovelty:
		return e.onEpisodeNovelty(ctx, m.NoveltyReport)
	case *protocol.ExperimentStart, *protocol.TrainingStart, *protocol.TrainingEpisodeStart,
		*protocol.TrainingEpisodeEnd, *protocol.TrainingEnd, *protocol.TrainingModelEnd,
		*protocol.TrialStart, *protocol.TestingStart, *protocol.TestingEpisodeStart,
		*protocol.TestingEpisodeEnd, *protocol.TestingEnd, *protocol.TrialEnd, *protocol.ExperimentEnd,
		*protocol.TrainingData, *protocol.TrainingDataAck, *protocol.TrainingEpisodeNoveltyAck,
		*protocol.TestingData, *protocol.TestingDataAck, *protocol.TestingEpisodeNoveltyAck,
		*protocol.Error, *protocol.ExperimentException, *protocol.PartialAnalysisReady:
		return nil, violationf("%s is not a request", msg.Kind())
	default:
		return nil, violationf("unsupported message %T", msg)
	}
}

func (e *Engine) onRequestState(ctx context.Context) (protocol.Message, error) {
	switch e.sess.State {
	case StateExperimentStart:
		if e.sess.Attached || len(e.sess.Experiment.Training) == 0 {
			return e.afterTraining(ctx)
		}
		return e.enterTraining(ctx)
	case StateTrainingStart:
		return e.nextTrainingEpisode(ctx)
	case StateTrainingEpisodeActive, StateTestingEpisodeActive:
		return e.announceEpisodeEnd()
	case StateTrainingEpisodeEnd:
		return e.nextTrainingEpisode(ctx)
	case StateTrainingEnd:
		e.sess.State = StateTrainingModelEnd
		return &protocol.TrainingModelEnd{}, nil
	case StateTrainingModelEnd:
		return e.afterTraining(ctx)
	case StateTrialStart:
		return e.beginTesting(ctx)
	case StateTestingStart, StateTestingEpisodeEnd:
		return e.nextTestingEpisode(ctx)
	case StateTestingEnd:
		return e.endTrial(ctx)
	case StateTrialEnd:
		if e.sess.Experiment.JustOneTrial {
			return e.endExperiment(ctx, "requested trials done")
		}
		return e.claimTrial(ctx)
	}
	return nil, violationf("RequestState is not allowed in state %s", e.sess.State)
}

func (e *Engine) afterTraining(ctx context.Context) (protocol.Message, error) {
	if e.sess.Experiment.NoTesting {
		return e.endExperiment(ctx, "training only")
	}
	return e.claimTrial(ctx)
}

func (e *Engine) endExperiment(ctx context.Context, reason string) (protocol.Message, error) {
	if id := e.sess.Experiment.ID; id != 0 {
		if done, err := e.deps.Store.MarkExperimentComplete(ctx, id); err != nil {
			slog.Warn("marking experiment complete failed", "experiment_id", id, "error", err)
		} else if done {
			slog.Info("experiment complete", "experiment_id", id)
		}
	}
	slog.Info("experiment session ended",
		"reply_queue", e.replyQueue,
		"experiment_id", e.sess.Experiment.ID,
		"trials_done", e.sess.TrialsDone,
		"reason", reason,
	)
	e.end(false)
	return &protocol.ExperimentEnd{Reason: reason}, nil
}

// fail ends the session after an unrecoverable error.
func (e *Engine) fail(err error) protocol.Message {
	if errors.Is(err, live.ErrTimeout) || errors.Is(err, live.ErrStopped) {
		e.deps.Metrics.LiveEpisodeFailures.Inc()
	}
	slog.Error("experiment session failed",
		"reply_queue", e.replyQueue,
		"experiment_id", e.sess.Experiment.ID,
		"state", e.sess.State,
		"error", err,
	)
	e.end(true)
	return &protocol.ExperimentException{Message: err.Error()}
}

// Terminate force-ends the session, e.g. when the watchdog fires, and
// returns how long it had been running.
func (e *Engine) Terminate(reason string) time.Duration {
	elapsed := time.Since(e.sess.StartedAt)
	if e.Ended() {
		return elapsed
	}
	slog.Warn("experiment session terminated",
		"reply_queue", e.replyQueue,
		"experiment_id", e.sess.Experiment.ID,
		"state", e.sess.State,
		"reason", reason,
		"elapsed", elapsed.String(),
	)
	e.end(true)
	return elapsed
}

// end stops the live environment, drops the caches and replaces the session
// with an empty terminal one.
func (e *Engine) end(terminated bool) {
	if e.sess.worker != nil {
		e.sess.worker.Stop()
	}
	e.sess.cache.Discard()
	e.sess = Session{
		State:      StateExperimentEnd,
		StartedAt:  e.sess.StartedAt,
		Experiment: Experiment{ID: e.sess.Experiment.ID},
		TrialsDone: e.sess.TrialsDone,
		Terminated: terminated,
		cache:      e.sess.cache,
	}
}

// worker returns the live environment of the session, starting it on first use.
func (e *Engine) worker(domain string) (*live.Worker, error) {
	if e.sess.worker != nil {
		return e.sess.worker, nil
	}
	if e.deps.Live == nil {
		return nil, fmt.Errorf("no live environments configured")
	}
	p, err := e.deps.Live.New(domain)
	if err != nil {
		return nil, err
	}
	e.sess.worker = live.StartWorker(p, e.deps.Options.Timeout)
	return e.sess.worker, nil
}
