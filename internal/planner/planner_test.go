package planner

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanExamples(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		want Split
	}{
		{"all novel after injection", Request{Total: 10, AvailableZero: 100, AvailableLevel: 100, NoveltyFraction: 1}, Split{3, 0, 7, false}},
		{"half novel", Request{Total: 10, AvailableZero: 100, AvailableLevel: 100, NoveltyFraction: 0.5}, Split{3, 3, 4, false}},
		{"control trial", Request{Total: 10, AvailableZero: 100, NoveltyFraction: 0}, Split{3, 7, 0, false}},
		{"shrinks to fit scarce baseline", Request{Total: 10, AvailableZero: 2, AvailableLevel: 100, NoveltyFraction: 1}, Split{2, 0, 6, false}},
		{"capped by availability", Request{Total: 40, AvailableZero: 5, AvailableLevel: 5, NoveltyFraction: 0.5}, Split{2, 3, 3, false}},
		{"forced pre-novel", Request{Total: 10, AvailableZero: 100, AvailableLevel: 100, NoveltyFraction: 1, ForcedPreNovel: 5}, Split{5, 0, 5, false}},
		{"half rounds to even up", Request{Total: 5, AvailableZero: 100, AvailableLevel: 100, NoveltyFraction: 1}, Split{2, 0, 3, false}},
		{"half rounds to even down", Request{Total: 15, AvailableZero: 100, AvailableLevel: 100, NoveltyFraction: 1}, Split{4, 0, 11, false}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Plan(tc.req)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPlanInfeasible(t *testing.T) {
	req := Request{Total: 10, AvailableZero: 0, AvailableLevel: 10, NoveltyFraction: 1}
	_, err := Plan(req)
	assert.ErrorIs(t, err, ErrInfeasible)

	req.AllowFallback = true
	got, err := Plan(req)
	require.NoError(t, err)
	assert.Equal(t, Split{PreNovel: 1, PostZero: 1, PostLevel: 1, Fallback: true}, got)

	_, err = Plan(Request{Total: 2, AvailableZero: 10, AvailableLevel: 10, NoveltyFraction: 1})
	assert.ErrorIs(t, err, ErrInfeasible)
}

func TestPlanNeverExceedsRequestOrAvailability(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5000; i++ {
		req := Request{
			Total:           rng.Intn(60),
			AvailableZero:   rng.Intn(40),
			AvailableLevel:  rng.Intn(40),
			NoveltyFraction: float64(rng.Intn(11)) / 10,
		}
		got, err := Plan(req)
		if err != nil {
			require.ErrorIs(t, err, ErrInfeasible)
			continue
		}
		assert.LessOrEqual(t, got.Total(), req.Total, "%+v", req)
		assert.LessOrEqual(t, got.PostLevel, req.AvailableLevel, "%+v", req)
		assert.LessOrEqual(t, got.PreNovel+got.PostZero, req.AvailableZero, "%+v", req)
		assert.GreaterOrEqual(t, got.Total(), minEpisodes)
	}
}

func TestBuildSequenceGuaranteesNovelEpisodeAfterInjection(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 500; i++ {
		fraction := float64(1+rng.Intn(10)) / 10
		split, err := Plan(Request{Total: 3 + rng.Intn(30), AvailableZero: 50, AvailableLevel: 50, NoveltyFraction: fraction})
		require.NoError(t, err)

		seq, err := BuildSequence(rng, split, 50, 50, fraction)
		require.NoError(t, err)
		require.Len(t, seq, split.Total())

		for j, e := range seq {
			assert.Equal(t, j, e.Sequence)
			if j < split.PreNovel {
				assert.False(t, e.Novel, "pre-novel block must stay non-novel")
			}
		}
		if split.PostLevel >= 1 {
			assert.True(t, seq[split.PreNovel].Novel, "episode after the pre-novel block must be novel")
		}

		novel, seen := 0, map[int]bool{}
		for _, e := range seq {
			if e.Novel {
				novel++
				continue
			}
			assert.False(t, seen[e.Index], "non-novel indices are drawn without replacement")
			seen[e.Index] = true
		}
		assert.Equal(t, split.PostLevel, novel)
	}
}

func TestBuildSequenceControlTrialHasNoNovelty(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	seq, err := BuildSequence(rng, Split{PreNovel: 3, PostZero: 7}, 20, 0, 0)
	require.NoError(t, err)
	for _, e := range seq {
		assert.False(t, e.Novel)
	}
}

func TestBuildSequenceUnboundedPools(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	seq, err := BuildSequence(rng, Split{PreNovel: 2, PostZero: 1, PostLevel: 2}, -1, -1, 0.7)
	require.NoError(t, err)
	require.Len(t, seq, 5)
	for _, e := range seq {
		assert.Equal(t, -1, e.Index)
	}
	assert.True(t, seq[2].Novel)
}

func TestBuildSequenceEmptyPool(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	_, err := BuildSequence(rng, Split{PreNovel: 1, PostZero: 1, PostLevel: 1, Fallback: true}, 0, 4, 1)
	assert.ErrorIs(t, err, ErrInfeasible)
}
