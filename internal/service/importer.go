package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"novelty-server/internal/model"
	"novelty-server/internal/store"
)

// RecordedEpisode is one line of an import file.
type RecordedEpisode struct {
	Domain       string `json:"domain"`
	DataType     string `json:"data_type"`
	Novelty      int    `json:"novelty"`
	Difficulty   string `json:"difficulty"`
	TrialNovelty int    `json:"trial_novelty"`
	Seed         int64  `json:"seed"`
	Steps        []struct {
		Features json.RawMessage `json:"feature_vector"`
		Label    string          `json:"feature_label"`
	} `json:"steps"`
}

// ImportEpisodes appends every episode of a JSON stream to its dataset and
// returns how many were imported.
func ImportEpisodes(ctx context.Context, s *store.Store, r io.Reader) (int, error) {
	dec := json.NewDecoder(r)
	n := 0
	for {
		var ep RecordedEpisode
		err := dec.Decode(&ep)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("episode %d: %w", n+1, err)
		}
		if ep.Domain == "" || (ep.DataType != model.DataRecordedTrain && ep.DataType != model.DataRecordedTest) {
			return n, fmt.Errorf("episode %d: need a domain and a recorded data type", n+1)
		}
		if ep.Difficulty == "" {
			ep.Difficulty = "easy"
		}

		ds, err := s.FindOrCreateDataset(ctx, model.DatasetKey{
			Domain:       ep.Domain,
			DataType:     ep.DataType,
			Novelty:      ep.Novelty,
			Difficulty:   ep.Difficulty,
			TrialNovelty: ep.TrialNovelty,
		})
		if err != nil {
			return n, err
		}
		rows := make([]store.Row, len(ep.Steps))
		for i, step := range ep.Steps {
			rows[i] = store.Row{Position: i, Features: string(step.Features), Label: step.Label}
		}
		if _, err := s.AddRecordedEpisode(ctx, ds.ID, ep.Seed, rows); err != nil {
			return n, fmt.Errorf("episode %d: %w", n+1, err)
		}
		n++
	}
}
