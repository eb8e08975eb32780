package store

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"novelty-server/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Row is one (feature vector, label) pair as loaded into a cache window.
type Row struct {
	ID       uint
	Position int
	Features string
	Label    string
}

// FindOrCreateDataset looks up the dataset row for key, inserting it when absent.
func (s *Store) FindOrCreateDataset(ctx context.Context, key model.DatasetKey) (model.Dataset, error) {
	ds, err := s.findDataset(ctx, key)
	if err == nil || !isNotFound(err) {
		return ds, err
	}
	ds = model.Dataset{
		Domain:       key.Domain,
		DataType:     key.DataType,
		Novelty:      key.Novelty,
		Difficulty:   key.Difficulty,
		TrialNovelty: key.TrialNovelty,
	}
	if err := s.conn(ctx).Create(&ds).Error; err != nil {
		// another process inserted it first
		return s.findDataset(ctx, key)
	}
	return ds, nil
}

func (s *Store) findDataset(ctx context.Context, key model.DatasetKey) (model.Dataset, error) {
	var ds model.Dataset
	err := s.conn(ctx).
		Where("domain = ? AND data_type = ? AND novelty = ? AND difficulty = ? AND trial_novelty = ?",
			key.Domain, key.DataType, key.Novelty, key.Difficulty, key.TrialNovelty).
		First(&ds).Error
	return ds, s.Check(ctx, err)
}

func (s *Store) Dataset(ctx context.Context, id uint) (model.Dataset, error) {
	var ds model.Dataset
	err := s.conn(ctx).First(&ds, id).Error
	return ds, s.Check(ctx, err)
}

// AvailableEpisodes is the episode count of the dataset for key; 0 when it does not exist.
func (s *Store) AvailableEpisodes(ctx context.Context, key model.DatasetKey) (int, error) {
	ds, err := s.findDataset(ctx, key)
	if isNotFound(err) {
		return 0, nil
	}
	return ds.Episodes, err
}

// FindOrCreateEpisode looks up episode index of a dataset, inserting it when absent.
func (s *Store) FindOrCreateEpisode(ctx context.Context, datasetID uint, index int) (model.Episode, error) {
	ep, err := s.findEpisode(ctx, datasetID, index)
	if err == nil || !isNotFound(err) {
		return ep, err
	}
	ep = model.Episode{DatasetID: datasetID, Index: index}
	if err := s.conn(ctx).Create(&ep).Error; err != nil {
		return s.findEpisode(ctx, datasetID, index)
	}
	return ep, nil
}

func (s *Store) findEpisode(ctx context.Context, datasetID uint, index int) (model.Episode, error) {
	var ep model.Episode
	err := s.conn(ctx).Where("dataset_id = ? AND episode_index = ?", datasetID, index).First(&ep).Error
	return ep, s.Check(ctx, err)
}

// LoadData returns up to size rows of an episode starting at position from.
// Missing rows are not an error; the result is just shorter.
func (s *Store) LoadData(ctx context.Context, episodeID uint, from, size int) ([]Row, error) {
	var data []model.Data
	err := s.conn(ctx).
		Where("episode_id = ? AND position >= ? AND position < ?", episodeID, from, from+size).
		Order("position").
		Find(&data).Error
	if err != nil {
		return nil, s.Check(ctx, err)
	}
	rows := make([]Row, 0, len(data))
	for _, d := range data {
		rows = append(rows, Row{ID: d.ID, Position: d.Position, Features: d.Features, Label: d.Label})
	}
	return rows, nil
}

// AppendData stores one step of an episode.
func (s *Store) AppendData(ctx context.Context, episodeID uint, position int, features, label string) (uint, error) {
	d := model.Data{EpisodeID: episodeID, Position: position, Features: features, Label: label}
	if err := s.conn(ctx).Create(&d).Error; err != nil {
		return 0, s.Check(ctx, err)
	}
	return d.ID, nil
}

func (s *Store) SetEpisodeSize(ctx context.Context, episodeID uint, size int) error {
	err := s.conn(ctx).Model(&model.Episode{}).Where("id = ?", episodeID).Update("size", size).Error
	return s.Check(ctx, err)
}

// AppendLiveEpisode allocates the next episode index of a dataset under the
// dataset lock and inserts the episode row.
func (s *Store) AppendLiveEpisode(ctx context.Context, datasetID uint, seed int64) (model.Episode, error) {
	var ep model.Episode
	err := s.withDatasetLock(ctx, datasetID, func(tx *gorm.DB) error {
		var ds model.Dataset
		if err := tx.First(&ds, datasetID).Error; err != nil {
			return err
		}
		ep = model.Episode{DatasetID: datasetID, Index: ds.Episodes, Seed: seed}
		if err := tx.Create(&ep).Error; err != nil {
			return fmt.Errorf("insert episode %d: %w", ds.Episodes, err)
		}
		return tx.Model(&model.Dataset{}).Where("id = ?", datasetID).
			Update("episodes", gorm.Expr("episodes + 1")).Error
	})
	return ep, err
}

// AddRecordedEpisode imports a complete episode with its rows and grows the dataset.
func (s *Store) AddRecordedEpisode(ctx context.Context, datasetID uint, seed int64, rows []Row) (model.Episode, error) {
	ep, err := s.AppendLiveEpisode(ctx, datasetID, seed)
	if err != nil {
		return ep, err
	}
	data := make([]model.Data, 0, len(rows))
	for i, r := range rows {
		data = append(data, model.Data{EpisodeID: ep.ID, Position: i, Features: r.Features, Label: r.Label})
	}
	err = s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if len(data) > 0 {
			if err := tx.CreateInBatches(&data, 200).Error; err != nil {
				return err
			}
		}
		return tx.Model(&model.Episode{}).Where("id = ?", ep.ID).Update("size", len(data)).Error
	})
	if err != nil {
		return ep, s.Check(ctx, err)
	}
	ep.Size = len(data)
	return ep, nil
}

// withDatasetLock takes the row lock of a dataset, runs fn and releases it.
// A lock held longer than DatasetLockStale is taken over.
func (s *Store) withDatasetLock(ctx context.Context, datasetID uint, fn func(tx *gorm.DB) error) error {
	token := uuid.NewString()
	deadline := s.now().Add(s.opts.DatasetLockWait)
	for {
		got, err := s.tryDatasetLock(ctx, datasetID, token)
		if err != nil {
			return err
		}
		if got {
			break
		}
		if !s.now().Before(deadline) {
			return fmt.Errorf("%w: dataset %d", ErrDatasetLockTimeout, datasetID)
		}
		if err := sleepCtx(ctx, time.Duration(rand.Int63n(int64(100*time.Millisecond)))); err != nil {
			return err
		}
	}

	err := fn(s.conn(ctx))
	release := s.conn(ctx).Model(&model.Dataset{}).
		Where("id = ? AND locked_by = ?", datasetID, token).
		Updates(map[string]any{"locked_by": nil, "locked_at": nil}).Error
	if err != nil {
		return s.Check(ctx, err)
	}
	return s.Check(ctx, release)
}

func (s *Store) tryDatasetLock(ctx context.Context, datasetID uint, token string) (bool, error) {
	now := s.now()
	err := s.conn(ctx).Model(&model.Dataset{}).
		Where("id = ? AND (locked_by IS NULL OR locked_at < ?)", datasetID, now.Add(-s.opts.DatasetLockStale)).
		Updates(map[string]any{"locked_by": token, "locked_at": now}).Error
	if err != nil {
		return false, s.Check(ctx, err)
	}
	ds, err := s.Dataset(ctx, datasetID)
	if err != nil {
		return false, err
	}
	return ds.LockedBy != nil && *ds.LockedBy == token, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
