package store

import (
	"context"
	"fmt"

	"novelty-server/internal/model"
	"novelty-server/internal/protocol"
)

func (s *Store) Trial(ctx context.Context, id uint) (model.ExperimentTrial, error) {
	var trial model.ExperimentTrial
	err := s.conn(ctx).First(&trial, id).Error
	return trial, s.Check(ctx, err)
}

func (s *Store) Trials(ctx context.Context, experimentID uint) ([]model.ExperimentTrial, error) {
	var trials []model.ExperimentTrial
	err := s.conn(ctx).
		Where("experiment_id = ?", experimentID).
		Order("is_training DESC, group_index, trial_index").
		Find(&trials).Error
	return trials, s.Check(ctx, err)
}

// TrainingTrial returns the synthetic training trial of an experiment, creating
// it on first use, and marks it active for token.
func (s *Store) TrainingTrial(ctx context.Context, experimentID uint, token string) (model.ExperimentTrial, error) {
	var trial model.ExperimentTrial
	err := s.conn(ctx).Where("experiment_id = ? AND is_training = ?", experimentID, true).First(&trial).Error
	if err != nil {
		if err := s.Check(ctx, err); !isNotFound(err) {
			return trial, err
		}
		trial = model.ExperimentTrial{
			ExperimentID:   experimentID,
			IsTraining:     true,
			TrialIndex:     -1,
			GroupIndex:     -1,
			UTCLastUpdated: s.now(),
		}
		if err := s.conn(ctx).Create(&trial).Error; err != nil {
			return trial, s.Check(ctx, fmt.Errorf("create training trial: %w", err))
		}
	}
	err = s.conn(ctx).Model(&model.ExperimentTrial{}).Where("id = ?", trial.ID).
		Updates(map[string]any{"locked_by": token, "is_active": true, "utc_last_updated": s.now()}).Error
	if err != nil {
		return trial, s.Check(ctx, err)
	}
	trial.LockedBy, trial.IsActive = &token, true
	return trial, nil
}

// ActivateTrial marks a claimed trial active. It fails with ErrLostClaim when
// the row no longer carries token, e.g. after an abandonment sweep.
func (s *Store) ActivateTrial(ctx context.Context, id uint, token string) error {
	res := s.conn(ctx).Model(&model.ExperimentTrial{}).
		Where("id = ? AND locked_by = ?", id, token).
		Updates(map[string]any{"is_active": true, "utc_last_updated": s.now()})
	if res.Error != nil {
		return s.Check(ctx, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: trial %d", ErrLostClaim, id)
	}
	return nil
}

// TouchTrial refreshes the timestamp the abandonment sweep looks at.
func (s *Store) TouchTrial(ctx context.Context, id uint) error {
	err := s.conn(ctx).Model(&model.ExperimentTrial{}).Where("id = ?", id).
		Update("utc_last_updated", s.now()).Error
	return s.Check(ctx, err)
}

func (s *Store) CompleteTrial(ctx context.Context, id uint) error {
	err := s.conn(ctx).Model(&model.ExperimentTrial{}).Where("id = ?", id).
		Updates(map[string]any{"is_complete": true, "is_active": false, "utc_last_updated": s.now()}).Error
	return s.Check(ctx, err)
}

func (s *Store) TrialEpisodes(ctx context.Context, trialID uint) ([]model.TrialEpisode, error) {
	var eps []model.TrialEpisode
	err := s.conn(ctx).Where("trial_id = ?", trialID).Order("sequence").Find(&eps).Error
	return eps, s.Check(ctx, err)
}

// PopulateTrial writes the planned episode rows of a trial.
func (s *Store) PopulateTrial(ctx context.Context, trialID uint, eps []model.TrialEpisode) error {
	if len(eps) == 0 {
		return nil
	}
	for i := range eps {
		eps[i].TrialID = trialID
	}
	err := s.conn(ctx).Create(&eps).Error
	return s.Check(ctx, err)
}

// StartTrialEpisode binds the progress row to its dataset episode and marks it active.
func (s *Store) StartTrialEpisode(ctx context.Context, te *model.TrialEpisode, episodeID uint, datasetIndex int) error {
	now := s.now()
	err := s.conn(ctx).Model(&model.TrialEpisode{}).Where("id = ?", te.ID).
		Updates(map[string]any{
			"episode_id":    episodeID,
			"dataset_index": datasetIndex,
			"is_active":     true,
			"started_at":    now,
		}).Error
	if err != nil {
		return s.Check(ctx, err)
	}
	te.EpisodeID, te.DatasetIndex, te.IsActive, te.StartedAt = &episodeID, datasetIndex, true, &now
	return s.TouchTrial(ctx, te.TrialID)
}

func (s *Store) EndTrialEpisode(ctx context.Context, te *model.TrialEpisode, performance float64) error {
	now := s.now()
	err := s.conn(ctx).Model(&model.TrialEpisode{}).Where("id = ?", te.ID).
		Updates(map[string]any{
			"is_active":   false,
			"is_complete": true,
			"ended_at":    now,
			"performance": performance,
		}).Error
	if err != nil {
		return s.Check(ctx, err)
	}
	te.IsActive, te.IsComplete, te.EndedAt, te.Performance = false, true, &now, performance
	return s.TouchTrial(ctx, te.TrialID)
}

// SkipTrialEpisodes closes every not yet completed episode of a trial from sequence on.
func (s *Store) SkipTrialEpisodes(ctx context.Context, trialID uint, fromSequence int) error {
	err := s.conn(ctx).Model(&model.TrialEpisode{}).
		Where("trial_id = ? AND sequence >= ? AND is_complete = ?", trialID, fromSequence, false).
		Updates(map[string]any{"is_active": false, "is_complete": true, "skipped": true}).Error
	return s.Check(ctx, err)
}

// SkipTrialEpisode closes one episode that has nothing to serve.
func (s *Store) SkipTrialEpisode(ctx context.Context, te *model.TrialEpisode) error {
	now := s.now()
	err := s.conn(ctx).Model(&model.TrialEpisode{}).Where("id = ?", te.ID).
		Updates(map[string]any{"is_active": false, "is_complete": true, "skipped": true, "ended_at": now}).Error
	if err != nil {
		return s.Check(ctx, err)
	}
	te.IsActive, te.IsComplete, te.Skipped, te.EndedAt = false, true, true, &now
	return nil
}

func (s *Store) RecordEpisodeNovelty(ctx context.Context, trialEpisodeID uint, report protocol.NoveltyReport) error {
	err := s.conn(ctx).Model(&model.TrialEpisode{}).Where("id = ?", trialEpisodeID).
		Updates(map[string]any{
			"novelty_probability":      report.NoveltyProbability,
			"novelty_threshold":        report.NoveltyThreshold,
			"novelty_detected":         report.Novelty,
			"novelty_characterization": report.NoveltyCharacterization,
		}).Error
	return s.Check(ctx, err)
}

func (s *Store) CreateTestInstance(ctx context.Context, ti *model.TestInstance) error {
	return s.Check(ctx, s.conn(ctx).Create(ti).Error)
}

// RecordPrediction stores the agent's answer on an open test instance.
func (s *Store) RecordPrediction(ctx context.Context, instanceID uint, p protocol.Prediction, correct *bool, reward float64) error {
	err := s.conn(ctx).Model(&model.TestInstance{}).Where("id = ?", instanceID).
		Updates(map[string]any{
			"prediction":          p.Label,
			"correct":             correct,
			"reward":              reward,
			"novelty_probability": p.NoveltyProbability,
			"novelty_threshold":   p.NoveltyThreshold,
			"predicted":           true,
		}).Error
	return s.Check(ctx, err)
}

func (s *Store) CreateTestLabel(ctx context.Context, label *model.TestLabel) error {
	return s.Check(ctx, s.conn(ctx).Create(label).Error)
}
