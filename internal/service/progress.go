package service

import (
	"context"
	"time"

	"novelty-server/internal/store"
)

type TrialProgress struct {
	TrialID           uint      `json:"trial_id"`
	GroupIndex        int       `json:"group_index"`
	TrialIndex        int       `json:"trial_index"`
	IsTraining        bool      `json:"is_training"`
	Novelty           int       `json:"novelty"`
	Difficulty        string    `json:"difficulty"`
	NoveltyVisibility int       `json:"novelty_visibility"`
	Claimed           bool      `json:"claimed"`
	IsActive          bool      `json:"is_active"`
	IsComplete        bool      `json:"is_complete"`
	Episodes          int       `json:"episodes"`
	EpisodesComplete  int       `json:"episodes_complete"`
	LastUpdated       time.Time `json:"utc_last_updated"`
}

type ExperimentProgress struct {
	ExperimentID uint            `json:"experiment_id"`
	IsComplete   bool            `json:"is_complete"`
	Trials       []TrialProgress `json:"trials"`
}

// ComputeProgress lists every trial of an experiment with its episode counts.
func ComputeProgress(ctx context.Context, s *store.Store, experimentID uint) (ExperimentProgress, error) {
	exp, err := s.Experiment(ctx, experimentID)
	if err != nil {
		return ExperimentProgress{}, err
	}
	trials, err := s.Trials(ctx, experimentID)
	if err != nil {
		return ExperimentProgress{}, err
	}

	progress := ExperimentProgress{ExperimentID: exp.ID, IsComplete: exp.IsComplete}
	for _, t := range trials {
		episodes, err := s.TrialEpisodes(ctx, t.ID)
		if err != nil {
			return progress, err
		}
		tp := TrialProgress{
			TrialID:           t.ID,
			GroupIndex:        t.GroupIndex,
			TrialIndex:        t.TrialIndex,
			IsTraining:        t.IsTraining,
			Novelty:           t.Novelty,
			Difficulty:        t.Difficulty,
			NoveltyVisibility: t.NoveltyVisibility,
			Claimed:           t.LockedBy != nil,
			IsActive:          t.IsActive,
			IsComplete:        t.IsComplete,
			Episodes:          len(episodes),
			LastUpdated:       t.UTCLastUpdated,
		}
		for _, e := range episodes {
			if e.IsComplete {
				tp.EpisodesComplete++
			}
		}
		progress.Trials = append(progress.Trials, tp)
	}
	return progress, nil
}
