package store

import (
	"context"
	"fmt"

	"novelty-server/internal/model"

	"gorm.io/gorm"
)

// CreateExperiment persists exp and pre-populates its trials as unclaimed, inactive rows.
func (s *Store) CreateExperiment(ctx context.Context, exp *model.ModelExperiment, trials []model.ExperimentTrial) error {
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(exp).Error; err != nil {
			return fmt.Errorf("create experiment: %w", err)
		}
		if len(trials) == 0 {
			return nil
		}
		now := s.now()
		for i := range trials {
			trials[i].ExperimentID = exp.ID
			trials[i].UTCLastUpdated = now
		}
		if err := tx.Create(&trials).Error; err != nil {
			return fmt.Errorf("create trials: %w", err)
		}
		return nil
	})
	return s.Check(ctx, err)
}

func (s *Store) Experiment(ctx context.Context, id uint) (model.ModelExperiment, error) {
	var exp model.ModelExperiment
	err := s.conn(ctx).First(&exp, id).Error
	return exp, s.Check(ctx, err)
}

func (s *Store) ExperimentBySecret(ctx context.Context, secret string) (model.ModelExperiment, error) {
	var exp model.ModelExperiment
	err := s.conn(ctx).Where("secret = ?", secret).First(&exp).Error
	return exp, s.Check(ctx, err)
}

func (s *Store) ListExperiments(ctx context.Context, limit int) ([]model.ModelExperiment, error) {
	var exps []model.ModelExperiment
	query := s.conn(ctx).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&exps).Error
	return exps, s.Check(ctx, err)
}

// MarkExperimentComplete flags the experiment complete once no test trial is left open.
func (s *Store) MarkExperimentComplete(ctx context.Context, id uint) (bool, error) {
	var open int64
	err := s.conn(ctx).Model(&model.ExperimentTrial{}).
		Where("experiment_id = ? AND is_training = ? AND is_complete = ?", id, false, false).
		Count(&open).Error
	if err != nil {
		return false, s.Check(ctx, err)
	}
	if open > 0 {
		return false, nil
	}
	err = s.conn(ctx).Model(&model.ModelExperiment{}).Where("id = ?", id).Update("is_complete", true).Error
	return err == nil, s.Check(ctx, err)
}
