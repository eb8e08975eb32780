// Package lock hands out trials to competing worker processes. Claimants are
// separate processes, so exclusion comes from conditional updates on the
// experiment_trial row, never from in-process mutexes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"novelty-server/internal/model"
	"novelty-server/internal/observability"
	"novelty-server/internal/store"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrNoTrial means the experiment has no unclaimed incomplete trial left.
	ErrNoTrial = errors.New("lock: no trial available")
	// ErrClaimTimeout means eligible trials existed but every attempt lost the race.
	ErrClaimTimeout = errors.New("lock: claim budget exhausted")
)

type Options struct {
	// total wall-clock time spent retrying a claim
	Budget time.Duration
	// upper bound of the random pause after a lost race
	MaxJitter time.Duration
	// active trials not updated for this long are considered abandoned
	AbandonAfter time.Duration
}

// Claim is a trial owned by this worker until it completes or is swept.
type Claim struct {
	TrialID uint
	Token   string
}

type Manager struct {
	store   *store.Store
	opts    Options
	metrics *observability.Metrics
	rng     *rand.Rand
}

func NewManager(s *store.Store, opts Options, metrics *observability.Metrics) *Manager {
	if opts.Budget <= 0 {
		opts.Budget = 10 * time.Second
	}
	if opts.MaxJitter <= 0 {
		opts.MaxJitter = 500 * time.Millisecond
	}
	if opts.AbandonAfter <= 0 {
		opts.AbandonAfter = time.Hour
	}
	return &Manager{
		store:   s,
		opts:    opts,
		metrics: metrics,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Claim takes one unclaimed, inactive, incomplete test trial of the experiment.
// It returns ErrNoTrial as soon as none is eligible, ErrClaimTimeout when the
// budget runs out while losing races, and store errors unchanged.
func (m *Manager) Claim(ctx context.Context, experimentID uint) (Claim, error) {
	start := time.Now()
	claim, err := m.claim(ctx, experimentID)
	m.metrics.ClaimDurationSeconds.Observe(time.Since(start).Seconds())

	result := "claimed"
	switch {
	case errors.Is(err, ErrNoTrial):
		result = "none"
	case errors.Is(err, ErrClaimTimeout):
		result = "timeout"
	case err != nil:
		result = "error"
	}
	m.metrics.TrialClaims.WithLabelValues(result).Inc()
	return claim, err
}

func (m *Manager) claim(ctx context.Context, experimentID uint) (Claim, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(m.opts.Budget)
	gdb := m.store.DB().WithContext(ctx)

	for attempt := 1; ; attempt++ {
		var candidate model.ExperimentTrial
		err := gdb.
			Where("experiment_id = ? AND is_training = ? AND is_active = ? AND is_complete = ? AND locked_by IS NULL",
				experimentID, false, false, false).
			Take(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Claim{}, ErrNoTrial
		}
		if err != nil {
			return Claim{}, m.store.Check(ctx, fmt.Errorf("select trial: %w", err))
		}

		err = gdb.Model(&model.ExperimentTrial{}).
			Where("id = ? AND locked_by IS NULL", candidate.ID).
			Updates(map[string]any{"locked_by": token, "utc_last_updated": m.store.Now()}).Error
		if err != nil {
			return Claim{}, m.store.Check(ctx, fmt.Errorf("claim trial %d: %w", candidate.ID, err))
		}

		var check model.ExperimentTrial
		if err := gdb.Select("id", "locked_by").First(&check, candidate.ID).Error; err != nil {
			return Claim{}, m.store.Check(ctx, fmt.Errorf("verify trial %d: %w", candidate.ID, err))
		}
		if check.LockedBy != nil && *check.LockedBy == token {
			slog.Debug("trial claimed", "experiment_id", experimentID, "trial_id", candidate.ID, "attempts", attempt)
			return Claim{TrialID: candidate.ID, Token: token}, nil
		}

		if !time.Now().Before(deadline) {
			return Claim{}, fmt.Errorf("%w after %d attempts", ErrClaimTimeout, attempt)
		}
		pause := time.Duration(m.rng.Int63n(int64(m.opts.MaxJitter) + 1))
		select {
		case <-ctx.Done():
			return Claim{}, ctx.Err()
		case <-time.After(pause):
		}
	}
}

// abandoned matches stale trials that are active, or claimed but never
// activated because the worker failed in between.
const abandoned = "(is_active = ? OR locked_by IS NOT NULL) AND is_complete = ? AND utc_last_updated < ?"

// Release gives up a claim that was never activated. Trials already active,
// or claimed again since, are left alone.
func (m *Manager) Release(ctx context.Context, c Claim) error {
	err := m.store.DB().WithContext(ctx).Model(&model.ExperimentTrial{}).
		Where("id = ? AND locked_by = ? AND is_active = ?", c.TrialID, c.Token, false).
		Updates(map[string]any{"locked_by": nil, "utc_last_updated": m.store.Now()}).Error
	return m.store.Check(ctx, err)
}

// ClearAbandoned returns every abandoned trial to the unclaimed pool and
// resets its episode progress. Rows touched after the cutoff are left alone,
// so it can run while other workers claim.
func (m *Manager) ClearAbandoned(ctx context.Context) (int, error) {
	cutoff := m.store.Now().Add(-m.opts.AbandonAfter)
	gdb := m.store.DB().WithContext(ctx)

	var stale []model.ExperimentTrial
	err := gdb.Select("id").
		Where(abandoned, true, false, cutoff).
		Find(&stale).Error
	if err != nil {
		return 0, m.store.Check(ctx, fmt.Errorf("find abandoned trials: %w", err))
	}

	reset := 0
	for _, t := range stale {
		ok, err := m.resetTrial(ctx, t.ID, cutoff)
		if err != nil {
			return reset, m.store.Check(ctx, fmt.Errorf("reset trial %d: %w", t.ID, err))
		}
		if ok {
			reset++
		}
	}
	if reset > 0 {
		m.metrics.AbandonedTrialsReset.Add(float64(reset))
		slog.Info("abandoned trials reset", "count", reset, "cutoff", cutoff)
	}
	return reset, nil
}

func (m *Manager) resetTrial(ctx context.Context, trialID uint, cutoff time.Time) (bool, error) {
	reset := false
	err := m.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.ExperimentTrial{}).
			Where("id = ?", trialID).
			Where(abandoned, true, false, cutoff).
			Updates(map[string]any{"locked_by": nil, "is_active": false, "utc_last_updated": m.store.Now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// touched or finished since the scan
			return nil
		}
		reset = true

		episodes := m.store.DB().Model(&model.TrialEpisode{}).Select("id").Where("trial_id = ?", trialID)
		instances := m.store.DB().Model(&model.TestInstance{}).Select("id").Where("trial_episode_id IN (?)", episodes)
		if err := tx.Where("test_instance_id IN (?)", instances).Delete(&model.TestLabel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("trial_episode_id IN (?)", episodes).Delete(&model.TestInstance{}).Error; err != nil {
			return err
		}

		err := tx.Model(&model.TrialEpisode{}).Where("trial_id = ?", trialID).
			Updates(map[string]any{
				"is_active":                false,
				"is_complete":              false,
				"skipped":                  false,
				"started_at":               nil,
				"ended_at":                 nil,
				"performance":              0,
				"novelty_probability":      0,
				"novelty_threshold":        0,
				"novelty_detected":         nil,
				"novelty_characterization": "",
			}).Error
		if err != nil {
			return err
		}
		// minted live episodes are partially recorded; mint a fresh one on retry
		return tx.Model(&model.TrialEpisode{}).
			Where("trial_id = ? AND data_type IN ?", trialID, []string{model.DataLiveTrain, model.DataLiveTest}).
			Updates(map[string]any{"dataset_index": -1, "episode_id": nil}).Error
	})
	return reset, err
}
