package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"novelty-server/internal/db/dbtest"
	"novelty-server/internal/model"
	"novelty-server/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWilsonCI(t *testing.T) {
	low, high := wilsonCI(0, 0, 1.96)
	assert.Zero(t, low)
	assert.Zero(t, high)

	low, high = wilsonCI(5, 10, 1.96)
	assert.InDelta(t, 0.237, low, 0.001)
	assert.InDelta(t, 0.763, high, 0.001)

	low, high = wilsonCI(10, 10, 1.96)
	assert.Less(t, low, 1.0)
	assert.Equal(t, 1.0, high)
}

func TestTwoPropZTest(t *testing.T) {
	p, z := twoPropZTest(1, 20, 15, 20)
	assert.Greater(t, z, 0.0)
	assert.Less(t, p, 0.001)

	p, z = twoPropZTest(5, 10, 5, 10)
	assert.Zero(t, z)
	assert.Equal(t, 1.0, p)

	p, _ = twoPropZTest(0, 0, 3, 4)
	assert.Equal(t, 1.0, p)
}

func TestFlagged(t *testing.T) {
	detected := 0
	assert.False(t, Flagged(model.TrialEpisode{NoveltyProbability: 0.9, NoveltyThreshold: 0.5, NoveltyDetected: &detected}))
	assert.True(t, Flagged(model.TrialEpisode{NoveltyProbability: 0.5, NoveltyThreshold: 0.5}))
	assert.False(t, Flagged(model.TrialEpisode{}))
}

func TestRenderTrialSummary(t *testing.T) {
	trial := model.ExperimentTrial{ID: 4, ExperimentID: 2, Novelty: 100, Difficulty: "easy"}
	episodes := []model.TrialEpisode{
		{Sequence: 0, Performance: 1},
		{Sequence: 1, Novelty: 100, Performance: 0.5, NoveltyProbability: 0.8, NoveltyThreshold: 0.5},
		{Sequence: 2, Novelty: 100, Skipped: true},
	}
	out := RenderTrialSummary(trial, episodes)
	assert.True(t, strings.HasPrefix(out, "# Trial 4\n"))
	assert.Contains(t, out, "| 2 | 100 | skipped | | | |")
	assert.Contains(t, out, "- mean_performance: 0.750")
	assert.Contains(t, out, "- novel_episodes_flagged: 1/1")
	assert.Contains(t, out, "- first_flag_at: 1")
}

func TestImportEpisodes(t *testing.T) {
	ctx := context.Background()
	s := store.New(dbtest.New(t), store.Options{ReconnectInterval: 10 * time.Millisecond})
	input := `{"domain":"toy","data_type":"recorded-train","seed":1,"steps":[{"feature_vector":[1,2],"feature_label":"a"},{"feature_vector":[3,4],"feature_label":"b"}]}
{"domain":"toy","data_type":"recorded-train","seed":2,"steps":[{"feature_vector":[5],"feature_label":"a"}]}`

	n, err := ImportEpisodes(ctx, s, strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	key := model.DatasetKey{Domain: "toy", DataType: model.DataRecordedTrain, Difficulty: "easy"}
	count, err := s.AvailableEpisodes(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	ds, err := s.FindOrCreateDataset(ctx, key)
	require.NoError(t, err)
	ep, err := s.FindOrCreateEpisode(ctx, ds.ID, 0)
	require.NoError(t, err)
	rows, err := s.LoadData(ctx, ep.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "[3,4]", rows[1].Features)
	assert.Equal(t, "b", rows[1].Label)

	_, err = ImportEpisodes(ctx, s, strings.NewReader(`{"domain":"toy","data_type":"live-train"}`))
	assert.Error(t, err)
}
