package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"

	"novelty-server/internal/lock"
	"novelty-server/internal/model"
	"novelty-server/internal/planner"
	"novelty-server/internal/protocol"
	"novelty-server/internal/service"
	"novelty-server/internal/store"
)

// claimAttempts bounds how often a claim lost to the sweeper is retried.
const claimAttempts = 3

// claimTrial takes the next unclaimed trial of the experiment, or ends the
// experiment when none is left.
func (e *Engine) claimTrial(ctx context.Context) (protocol.Message, error) {
	exp := e.sess.Experiment
	for attempt := 0; attempt < claimAttempts; attempt++ {
		claim, err := e.deps.Locks.Claim(ctx, exp.ID)
		switch {
		case errors.Is(err, lock.ErrNoTrial):
			return e.endExperiment(ctx, "no trials left")
		case errors.Is(err, lock.ErrClaimTimeout):
			return e.endExperiment(ctx, "could not claim a trial in time")
		case err != nil:
			return nil, fmt.Errorf("claim trial: %w", err)
		}

		err = e.deps.Store.ActivateTrial(ctx, claim.TrialID, claim.Token)
		if errors.Is(err, store.ErrLostClaim) {
			slog.Warn("claimed trial was taken back", "trial_id", claim.TrialID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			if rerr := e.deps.Locks.Release(ctx, claim); rerr != nil {
				slog.Warn("releasing unactivated claim failed", "trial_id", claim.TrialID, "error", rerr)
			}
			return nil, fmt.Errorf("activate trial %d: %w", claim.TrialID, err)
		}
		row, err := e.deps.Store.Trial(ctx, claim.TrialID)
		if err != nil {
			return nil, err
		}

		spec := exp.trialSpec(row)
		e.sess.Trial = &trialRun{
			phase:        phase{Row: row},
			Spec:         spec,
			Claim:        claim,
			NoveltyStart: -1,
		}
		e.sess.Episode = nil
		e.sess.State = StateTrialStart
		slog.Info("trial started",
			"experiment_id", exp.ID,
			"trial_id", row.ID,
			"novelty", spec.Novelty,
			"difficulty", spec.Difficulty,
			"novelty_visibility", spec.NoveltyVisibility,
		)
		return &protocol.TrialStart{
			TrialID:           row.ID,
			Novelty:           spec.Novelty,
			Difficulty:        spec.Difficulty,
			NoveltyVisibility: spec.NoveltyVisibility,
		}, nil
	}
	return e.endExperiment(ctx, "trial claims kept being lost")
}

// beginTesting plans the episodes of the claimed trial unless a previous
// worker already did.
func (e *Engine) beginTesting(ctx context.Context) (protocol.Message, error) {
	tr := e.sess.Trial
	episodes, err := e.deps.Store.TrialEpisodes(ctx, tr.Row.ID)
	if err != nil {
		return nil, err
	}
	if len(episodes) == 0 {
		if episodes, err = e.planTrial(ctx, tr); err != nil {
			return nil, err
		}
	}

	tr.Episodes = episodes
	tr.Next = firstIncomplete(episodes)
	for _, te := range episodes {
		if te.Novelty != model.BaselineNovelty {
			tr.NoveltyStart = te.Sequence
			break
		}
	}
	e.sess.State = StateTestingStart
	return &protocol.TestingStart{Episodes: len(episodes)}, nil
}

// planTrial splits the trial around the novelty injection point and writes
// the resulting episode rows.
func (e *Engine) planTrial(ctx context.Context, tr *trialRun) ([]model.TrialEpisode, error) {
	exp := e.sess.Experiment
	spec := tr.Spec
	dataType := exp.testingType()
	zeroKey := model.DatasetKey{
		Domain:       exp.Domain,
		DataType:     dataType,
		Novelty:      model.BaselineNovelty,
		Difficulty:   spec.Difficulty,
		TrialNovelty: spec.Novelty,
	}
	levelKey := zeroKey
	levelKey.Novelty = spec.Novelty

	fraction := exp.NoveltyFraction
	if spec.Novelty == model.BaselineNovelty {
		fraction = 0
	}

	// live pools are unbounded: the planner sees the whole trial as available
	planZero, planLevel := exp.TestingEpisodes, exp.TestingEpisodes
	drawZero, drawLevel := -1, -1
	if !exp.Live() {
		var err error
		if drawZero, err = e.deps.Store.AvailableEpisodes(ctx, zeroKey); err != nil {
			return nil, err
		}
		drawLevel = 0
		if spec.Novelty != model.BaselineNovelty {
			if drawLevel, err = e.deps.Store.AvailableEpisodes(ctx, levelKey); err != nil {
				return nil, err
			}
		}
		planZero, planLevel = drawZero, drawLevel
	}
	if spec.Novelty == model.BaselineNovelty {
		planLevel = 0
	}

	split, err := planner.Plan(planner.Request{
		Total:           exp.TestingEpisodes,
		AvailableZero:   planZero,
		AvailableLevel:  planLevel,
		NoveltyFraction: fraction,
		ForcedPreNovel:  exp.PreNovelEpisodes,
		AllowFallback:   e.deps.Options.Demo,
	})
	if err != nil {
		return nil, fatal(fmt.Errorf("plan trial %d: %w", tr.Row.ID, err))
	}
	if split.Fallback {
		slog.Warn("trial planned with the reduced split", "trial_id", tr.Row.ID, "zero", planZero, "level", planLevel)
	}

	rng := rand.New(rand.NewSource(exp.Seed*1_000_003 + int64(tr.Row.ID)))
	entries, err := planner.BuildSequence(rng, split, drawZero, drawLevel, fraction)
	if err != nil {
		return nil, fatal(fmt.Errorf("lay out trial %d: %w", tr.Row.ID, err))
	}

	episodes := make([]model.TrialEpisode, 0, len(entries))
	for _, entry := range entries {
		novelty := model.BaselineNovelty
		if entry.Novel {
			novelty = spec.Novelty
		}
		episodes = append(episodes, model.TrialEpisode{
			Sequence:     entry.Sequence,
			Domain:       exp.Domain,
			DataType:     dataType,
			Novelty:      novelty,
			TrialNovelty: spec.Novelty,
			Difficulty:   spec.Difficulty,
			DatasetIndex: entry.Index,
			Seed:         episodeSeed(exp.Seed, tr.Row.ID, entry.Sequence),
		})
	}
	if err := e.deps.Store.PopulateTrial(ctx, tr.Row.ID, episodes); err != nil {
		return nil, fmt.Errorf("populate trial %d: %w", tr.Row.ID, err)
	}
	return episodes, nil
}

func (e *Engine) nextTestingEpisode(ctx context.Context) (protocol.Message, error) {
	tr := e.sess.Trial
	te, err := e.advance(ctx, &tr.phase, false)
	if err != nil {
		return nil, err
	}
	if te == nil {
		e.sess.Episode = nil
		e.sess.State = StateTestingEnd
		return &protocol.TestingEnd{}, nil
	}

	msg := &protocol.TestingEpisodeStart{EpisodeIndex: te.Sequence}
	if tr.Spec.NoveltyVisibility == 1 {
		novel := tr.NoveltyStart >= 0 && te.Sequence >= tr.NoveltyStart
		msg.NoveltyIndicator = &novel
	}
	e.sess.State = StateTestingEpisodeStart
	return msg, nil
}

// endTrial closes the trial and publishes its summary for analysis.
func (e *Engine) endTrial(ctx context.Context) (protocol.Message, error) {
	tr := e.sess.Trial
	if err := e.deps.Store.CompleteTrial(ctx, tr.Row.ID); err != nil {
		return nil, fmt.Errorf("complete trial %d: %w", tr.Row.ID, err)
	}
	tr.Row.IsComplete = true

	if e.deps.Notifier != nil {
		episodes, err := e.deps.Store.TrialEpisodes(ctx, tr.Row.ID)
		if err != nil {
			episodes = tr.Episodes
		}
		msg := &protocol.PartialAnalysisReady{
			ExperimentID: e.sess.Experiment.ID,
			TrialID:      tr.Row.ID,
			Summary:      service.RenderTrialSummary(tr.Row, episodes),
		}
		if err := e.deps.Notifier.PartialAnalysisReady(ctx, msg); err != nil {
			slog.Warn("partial analysis notification failed", "trial_id", tr.Row.ID, "error", err)
		}
	}

	e.sess.TrialsDone++
	e.sess.State = StateTrialEnd
	slog.Info("trial complete", "experiment_id", e.sess.Experiment.ID, "trial_id", tr.Row.ID, "trials_done", e.sess.TrialsDone)
	return &protocol.TrialEnd{TrialID: tr.Row.ID}, nil
}
