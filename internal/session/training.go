package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"novelty-server/internal/model"
	"novelty-server/internal/protocol"
	"novelty-server/internal/store"

	"github.com/google/uuid"
)

func (e *Engine) onBenchmarkRequest(ctx context.Context, req *protocol.BenchmarkRequest) (protocol.Message, error) {
	if req.ExperimentSecret != "" {
		return e.attach(ctx, req)
	}

	exp, reasons := BuildExperiment(req)
	if exp.Live() {
		switch {
		case e.deps.Live == nil:
			reasons = append(reasons, "data_source: live data is not available on this server")
		case !e.deps.Live.Supports(exp.Domain):
			reasons = append(reasons, fmt.Sprintf("domain: no live environment for %q (have %s)", exp.Domain, strings.Join(e.deps.Live.Domains(), ", ")))
		}
	}
	if len(reasons) > 0 {
		return nil, &violation{reasons: reasons}
	}

	exp.Secret = uuid.NewString()
	row, err := exp.row()
	if err != nil {
		return nil, err
	}
	if err := e.deps.Store.CreateExperiment(ctx, row, exp.trialRows()); err != nil {
		return nil, fmt.Errorf("create experiment: %w", err)
	}
	exp.ID = row.ID

	e.sess.Experiment = exp
	e.sess.State = StateExperimentStart
	return e.experimentStart(), nil
}

// attach joins an existing experiment to claim its remaining trials.
func (e *Engine) attach(ctx context.Context, req *protocol.BenchmarkRequest) (protocol.Message, error) {
	row, err := e.deps.Store.ExperimentBySecret(ctx, req.ExperimentSecret)
	if errors.Is(err, store.ErrNotFound) {
		return nil, violationf("experiment_secret: no such experiment")
	}
	if err != nil {
		return nil, err
	}
	if row.IsComplete {
		return nil, violationf("experiment %d is already complete", row.ID)
	}
	exp, err := experimentFromRow(row)
	if err != nil {
		return nil, err
	}
	exp.JustOneTrial = req.JustOneTrial

	e.sess.Experiment = exp
	e.sess.Attached = true
	e.sess.State = StateExperimentStart
	return e.experimentStart(), nil
}

func (e *Engine) experimentStart() *protocol.ExperimentStart {
	exp := e.sess.Experiment
	return &protocol.ExperimentStart{
		ExperimentID:     exp.ID,
		Secret:           exp.Secret,
		ReplyQueue:       e.replyQueue,
		TrainingEpisodes: len(exp.Training),
		Trials:           exp.TrialCount(),
	}
}

// enterTraining takes the training trial and populates its episodes on first use.
func (e *Engine) enterTraining(ctx context.Context) (protocol.Message, error) {
	exp := e.sess.Experiment
	row, err := e.deps.Store.TrainingTrial(ctx, exp.ID, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("training trial: %w", err)
	}
	if row.IsComplete {
		return e.afterTraining(ctx)
	}

	episodes, err := e.deps.Store.TrialEpisodes(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	if len(episodes) == 0 {
		episodes = make([]model.TrialEpisode, 0, len(exp.Training))
		for _, spec := range exp.Training {
			episodes = append(episodes, model.TrialEpisode{
				Sequence:     spec.Sequence,
				Domain:       spec.Domain,
				DataType:     spec.DataType,
				Novelty:      spec.Novelty,
				TrialNovelty: spec.TrialNovelty,
				Difficulty:   spec.Difficulty,
				DatasetIndex: spec.DatasetIndex,
				Seed:         episodeSeed(exp.Seed, row.ID, spec.Sequence),
			})
		}
		if err := e.deps.Store.PopulateTrial(ctx, row.ID, episodes); err != nil {
			return nil, fmt.Errorf("populate training trial: %w", err)
		}
	}

	e.sess.Training = phase{Row: row, Episodes: episodes, Next: firstIncomplete(episodes)}
	e.sess.State = StateTrainingStart
	return &protocol.TrainingStart{Episodes: len(episodes)}, nil
}

func (e *Engine) nextTrainingEpisode(ctx context.Context) (protocol.Message, error) {
	ph := &e.sess.Training
	te, err := e.advance(ctx, ph, true)
	if err != nil {
		return nil, err
	}
	if te == nil {
		if err := e.deps.Store.CompleteTrial(ctx, ph.Row.ID); err != nil {
			return nil, fmt.Errorf("complete training trial: %w", err)
		}
		e.sess.Episode = nil
		e.sess.State = StateTrainingEnd
		return &protocol.TrainingEnd{}, nil
	}
	e.sess.State = StateTrainingEpisodeStart
	return &protocol.TrainingEpisodeStart{EpisodeIndex: te.Sequence, Difficulty: te.Difficulty}, nil
}

func firstIncomplete(episodes []model.TrialEpisode) int {
	for i, te := range episodes {
		if !te.IsComplete {
			return i
		}
	}
	return len(episodes)
}

func episodeSeed(experimentSeed int64, trialID uint, sequence int) int64 {
	return experimentSeed*1_000_003 + int64(trialID)*1_009 + int64(sequence)
}
