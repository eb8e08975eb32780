package session

import (
	"context"
	"encoding/json"
	"fmt"

	"novelty-server/internal/live"
	"novelty-server/internal/model"
	"novelty-server/internal/protocol"
)

// advance starts the next servable episode of ph. Empty recorded episodes are
// skipped. It returns nil once the phase is over, after closing whatever the
// worker chose to skip.
func (e *Engine) advance(ctx context.Context, ph *phase, training bool) (*model.TrialEpisode, error) {
	for !ph.done() {
		te := &ph.Episodes[ph.Next]
		run, err := e.startEpisode(ctx, te, training)
		if err != nil {
			return nil, err
		}
		ph.Next++
		if run == nil {
			continue
		}
		e.sess.Episode = run
		return te, nil
	}
	if ph.EndedEarly && ph.Next < len(ph.Episodes) {
		if err := e.deps.Store.SkipTrialEpisodes(ctx, ph.Row.ID, ph.Episodes[ph.Next].Sequence); err != nil {
			return nil, fmt.Errorf("skip rest of trial %d: %w", ph.Row.ID, err)
		}
		for i := ph.Next; i < len(ph.Episodes); i++ {
			ph.Episodes[i].IsComplete, ph.Episodes[i].Skipped = true, true
		}
		ph.Next = len(ph.Episodes)
	}
	return nil, nil
}

// startEpisode binds te to its dataset episode. It returns nil for a recorded
// episode without data, which is closed as skipped.
func (e *Engine) startEpisode(ctx context.Context, te *model.TrialEpisode, training bool) (*episodeRun, error) {
	c := e.sess.cache
	key := model.DatasetKey{
		Domain:       te.Domain,
		DataType:     te.DataType,
		Novelty:      te.Novelty,
		Difficulty:   te.Difficulty,
		TrialNovelty: te.TrialNovelty,
	}
	ds, err := c.EnsureDataset(ctx, key)
	if err != nil {
		return nil, err
	}
	run := &episodeRun{Row: te, Training: training, Live: model.IsLive(te.DataType)}

	if run.Live {
		ep, err := c.AppendLiveEpisode(ctx, ds.ID, te.Seed)
		if err != nil {
			return nil, fmt.Errorf("mint live episode: %w", err)
		}
		w, err := e.worker(te.Domain)
		if err != nil {
			return nil, fatal(err)
		}
		obs, err := w.Reset(ctx, live.Params{
			Domain:       te.Domain,
			Novelty:      te.Novelty,
			TrialNovelty: te.TrialNovelty,
			Difficulty:   te.Difficulty,
			Seed:         te.Seed,
			DayOffset:    te.Sequence,
			UseImage:     e.sess.Experiment.UseImage,
		})
		if err != nil {
			return nil, fatal(fmt.Errorf("reset live episode %d: %w", te.Sequence, err))
		}
		if err := e.deps.Store.StartTrialEpisode(ctx, te, ep.ID, ep.Index); err != nil {
			return nil, err
		}
		run.Entry, run.Obs = ep, obs
		return run, nil
	}

	index := te.DatasetIndex
	if training {
		if ds.Episodes == 0 {
			return nil, fatal(fmt.Errorf("no recorded %s episodes for domain %q difficulty %q", te.DataType, te.Domain, te.Difficulty))
		}
		index = te.Sequence % ds.Episodes
	}
	if index < 0 || index >= ds.Episodes {
		return nil, fatal(fmt.Errorf("episode %d of dataset %d does not exist (%d recorded)", index, ds.ID, ds.Episodes))
	}
	ep, err := c.EnsureEpisode(ctx, ds.ID, index)
	if err != nil {
		return nil, err
	}
	ep.Rewind()
	if ep.Size == 0 {
		return nil, e.deps.Store.SkipTrialEpisode(ctx, te)
	}
	if err := e.deps.Store.StartTrialEpisode(ctx, te, ep.ID, index); err != nil {
		return nil, err
	}
	run.Entry = ep
	return run, nil
}

// onRequestData serves the next item of the current episode. Session state
// only changes once every store write went through, so a request that failed
// on the store can be retried as is.
func (e *Engine) onRequestData(ctx context.Context) (protocol.Message, error) {
	run := e.sess.Episode
	if run == nil {
		return nil, violationf("no episode is running")
	}
	switch {
	case run.Complete:
		return nil, violationf("episode %d is complete; request the state", run.Row.Sequence)
	case run.Pending:
		return nil, violationf("a prediction for position %d is outstanding", run.Position)
	}

	var (
		features json.RawMessage
		label    string
		position = run.Position
		dataID   uint
	)
	cursor := run.Entry.Cursor
	if run.Live {
		features, label = run.Obs.Features, run.Obs.Label
		if run.DataID == 0 {
			id, err := e.deps.Store.AppendData(ctx, run.Entry.ID, run.Position, string(features), label)
			if err != nil {
				return nil, err
			}
			run.DataID = id
		}
		dataID = run.DataID
	} else {
		row, ok, err := e.sess.cache.Next(ctx, run.Entry)
		if err != nil {
			run.Entry.Cursor = cursor
			return nil, err
		}
		if !ok {
			// rows went missing from the store; end the episode where it stands
			if err := e.finishEpisode(ctx, run, run.Served, run.performance()); err != nil {
				return nil, err
			}
			return e.announceEpisodeEnd()
		}
		features, label, position, dataID = json.RawMessage(row.Features), row.Label, row.Position, row.ID
	}

	var instanceID uint
	if !run.Training {
		ti := &model.TestInstance{TrialEpisodeID: run.Row.ID, Position: position, DataID: &dataID}
		if err := e.deps.Store.CreateTestInstance(ctx, ti); err != nil {
			run.Entry.Cursor = cursor
			return nil, err
		}
		instanceID = ti.ID
	}

	run.Label, run.Position = label, position
	run.InstanceID = instanceID
	run.Entry.TestInstanceID = instanceID
	run.Pending = true
	e.sess.State = e.activeState(run)
	if run.Training {
		return &protocol.TrainingData{
			EpisodeIndex: run.Row.Sequence,
			Position:     run.Position,
			Features:     features,
			Label:        run.Label,
		}, nil
	}
	return &protocol.TestingData{EpisodeIndex: run.Row.Sequence, Position: run.Position, Features: features}, nil
}

func (e *Engine) activeState(run *episodeRun) State {
	if run.Training {
		return StateTrainingEpisodeActive
	}
	return StateTestingEpisodeActive
}

// onPrediction scores the answer to the outstanding item. As with data
// requests, the run is only updated after the store accepted everything.
func (e *Engine) onPrediction(ctx context.Context, p protocol.Prediction) (protocol.Message, error) {
	run := e.sess.Episode
	if run == nil || !run.Pending {
		return nil, violationf("no data item is awaiting a prediction")
	}
	if run.answer == nil {
		run.answer = &answer{}
	}
	ans := run.answer

	correct := p.Label == run.Label
	served, hits, rewards := run.Served+1, run.Correct, run.Reward
	reward := 0.0
	var complete bool
	if run.Live {
		if ans.Stepped == nil {
			obs, err := e.sess.worker.Step(ctx, p.Label)
			if err != nil {
				return nil, fatal(fmt.Errorf("live step of episode %d: %w", run.Row.Sequence, err))
			}
			ans.Stepped = &obs
		}
		reward = ans.Stepped.Reward
		rewards += reward
		complete = ans.Stepped.Done
	} else {
		if correct {
			reward = 1
			hits++
		}
		complete = run.Entry.Remaining() == 0
	}

	budgetActive := false
	if !run.Training {
		if err := e.deps.Store.RecordPrediction(ctx, run.InstanceID, p, &correct, reward); err != nil {
			return nil, err
		}
		tr := e.sess.Trial
		budgetActive = tr.BudgetActive || reportsNovelty(p.NoveltyProbability, p.NoveltyThreshold)
		if !ans.Decided {
			if budgetActive && e.sess.rng.Float64() < e.sess.Experiment.Budget {
				label := &model.TestLabel{TestInstanceID: run.InstanceID, Label: run.Label, Reward: reward}
				if err := e.deps.Store.CreateTestLabel(ctx, label); err != nil {
					return nil, err
				}
				ans.Feedback = &protocol.Feedback{Label: run.Label, Reward: reward}
			}
			ans.Decided = true
		}
	}

	complete = complete || p.EndEarly
	if complete {
		if err := e.finishEpisode(ctx, run, served, score(run.Live, served, hits, rewards)); err != nil {
			return nil, err
		}
	}

	run.Served, run.Correct, run.Reward = served, hits, rewards
	run.Pending = false
	run.answer = nil
	if run.Live {
		run.Obs = *ans.Stepped
		run.Position++
		run.DataID = 0
	}
	if !run.Training {
		if budgetActive {
			e.sess.Trial.BudgetActive = true
		}
		run.InstanceID = 0
		run.Entry.TestInstanceID = 0
	}
	if p.EndEarly {
		e.currentPhase().EndedEarly = true
	}

	if run.Training {
		return &protocol.TrainingDataAck{Performance: run.performance(), EpisodeComplete: run.Complete}, nil
	}
	return &protocol.TestingDataAck{
		Performance:     run.performance(),
		EpisodeComplete: run.Complete,
		Feedback:        ans.Feedback,
	}, nil
}

func (e *Engine) currentPhase() *phase {
	if e.sess.Trial != nil && e.sess.State >= StateTrialStart {
		return &e.sess.Trial.phase
	}
	return &e.sess.Training
}

// finishEpisode closes the episode row with served items and performance and
// marks the run complete once the store has it.
func (e *Engine) finishEpisode(ctx context.Context, run *episodeRun, served int, performance float64) error {
	if run.Live {
		if err := e.deps.Store.SetEpisodeSize(ctx, run.Entry.ID, served); err != nil {
			return err
		}
		run.Entry.Size = served
	}
	if err := e.deps.Store.EndTrialEpisode(ctx, run.Row, performance); err != nil {
		return err
	}
	run.Complete = true
	return nil
}

// announceEpisodeEnd moves a finished episode to its end state.
func (e *Engine) announceEpisodeEnd() (protocol.Message, error) {
	run := e.sess.Episode
	if run == nil || !run.Complete {
		return nil, violationf("episode still has data to serve")
	}
	if run.Training {
		e.sess.State = StateTrainingEpisodeEnd
		return &protocol.TrainingEpisodeEnd{EpisodeIndex: run.Row.Sequence, Performance: run.performance()}, nil
	}
	e.sess.State = StateTestingEpisodeEnd
	return &protocol.TestingEpisodeEnd{EpisodeIndex: run.Row.Sequence, Performance: run.performance()}, nil
}

// onEpisodeNovelty stores the end-of-episode novelty verdict.
func (e *Engine) onEpisodeNovelty(ctx context.Context, report protocol.NoveltyReport) (protocol.Message, error) {
	run := e.sess.Episode
	if run == nil {
		return nil, violationf("no episode has ended")
	}
	if err := e.deps.Store.RecordEpisodeNovelty(ctx, run.Row.ID, report); err != nil {
		return nil, err
	}
	detected := report.Novelty
	run.Row.NoveltyProbability = report.NoveltyProbability
	run.Row.NoveltyThreshold = report.NoveltyThreshold
	run.Row.NoveltyDetected = &detected
	run.Row.NoveltyCharacterization = report.NoveltyCharacterization

	if run.Training {
		return &protocol.TrainingEpisodeNoveltyAck{}, nil
	}
	if reportsNovelty(report.NoveltyProbability, report.NoveltyThreshold) || detected != model.BaselineNovelty {
		e.sess.Trial.BudgetActive = true
	}
	return &protocol.TestingEpisodeNoveltyAck{}, nil
}

// reportsNovelty reports whether a probability crosses the agent's own threshold.
func reportsNovelty(probability, threshold float64) bool {
	return probability > 0 && probability >= threshold
}
