// Package planner decides how a testing trial is split around the point where
// novelty is injected, and lays out the resulting episode sequence.
package planner

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// preNovelShare is the default share of a trial that runs before novelty.
const preNovelShare = 0.3

// minEpisodes is the smallest trial the planner will try to fit.
const minEpisodes = 3

var ErrInfeasible = errors.New("planner: no feasible novelty split")

// Request describes one trial to plan.
type Request struct {
	Total          int
	AvailableZero  int
	AvailableLevel int
	// share of post-injection episodes that carry the trial's novelty
	NoveltyFraction float64
	// when > 0, the number of pre-novel episodes is fixed
	ForcedPreNovel int
	// reduced mode: accept an undersized (1,1,1) split instead of failing
	AllowFallback bool
}

type Split struct {
	PreNovel  int
	PostZero  int
	PostLevel int
	// the (1,1,1) reduced-mode split; it may exceed availability
	Fallback bool
}

func (s Split) Total() int { return s.PreNovel + s.PostZero + s.PostLevel }

// Plan shrinks the trial from min(Total, available) until the split fits both
// pools. Python-style half-to-even rounding is used for both shares.
func Plan(req Request) (Split, error) {
	n := min(req.Total, req.AvailableZero+req.AvailableLevel)
	for ; n >= minEpisodes; n-- {
		pre := req.ForcedPreNovel
		if pre <= 0 {
			pre = int(math.RoundToEven(preNovelShare * float64(n)))
		}
		if pre > n {
			continue
		}
		postLevel := int(math.RoundToEven(float64(n-pre) * req.NoveltyFraction))
		postZero := n - pre - postLevel
		if postLevel <= req.AvailableLevel && pre+postZero <= req.AvailableZero {
			return Split{PreNovel: pre, PostZero: postZero, PostLevel: postLevel}, nil
		}
	}
	if req.AllowFallback {
		return Split{PreNovel: 1, PostZero: 1, PostLevel: 1, Fallback: true}, nil
	}
	return Split{}, fmt.Errorf("%w: total=%d zero=%d level=%d fraction=%.2f",
		ErrInfeasible, req.Total, req.AvailableZero, req.AvailableLevel, req.NoveltyFraction)
}

// Entry is one planned testing episode.
type Entry struct {
	Sequence int
	Novel    bool
	// dataset episode index, -1 when the pool is unbounded (live data)
	Index int
}

// BuildSequence lays out split as [pre-novel][first novel][shuffled tail].
// The first novel episode always directly follows the pre-novel block when
// fraction > 0, so novelty is observable right at the injection point.
// A negative availability marks an unbounded pool.
func BuildSequence(rng *rand.Rand, split Split, availableZero, availableLevel int, fraction float64) ([]Entry, error) {
	zero, err := draw(rng, availableZero, split.PreNovel+split.PostZero)
	if err != nil {
		return nil, fmt.Errorf("non-novel episodes: %w", err)
	}
	level, err := draw(rng, availableLevel, split.PostLevel)
	if err != nil {
		return nil, fmt.Errorf("novel episodes: %w", err)
	}

	out := make([]Entry, 0, split.Total())
	for _, idx := range zero[:split.PreNovel] {
		out = append(out, Entry{Index: idx})
	}
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })

	used := 0
	if fraction > 0 && split.PostLevel > 0 {
		out = append(out, Entry{Novel: true, Index: level[0]})
		used = 1
	}

	tail := make([]Entry, 0, split.PostZero+split.PostLevel-used)
	for _, idx := range zero[split.PreNovel:] {
		tail = append(tail, Entry{Index: idx})
	}
	for _, idx := range level[used:] {
		tail = append(tail, Entry{Novel: true, Index: idx})
	}
	rng.Shuffle(len(tail), func(i, j int) { tail[i], tail[j] = tail[j], tail[i] })
	out = append(out, tail...)

	for i := range out {
		out[i].Sequence = i
	}
	return out, nil
}

// draw samples k indices from [0, available) without replacement, falling back
// to sampling with replacement when the pool is too small (reduced mode only).
func draw(rng *rand.Rand, available, k int) ([]int, error) {
	out := make([]int, k)
	switch {
	case k == 0:
		return out, nil
	case available < 0:
		for i := range out {
			out[i] = -1
		}
	case available == 0:
		return nil, fmt.Errorf("%w: empty pool", ErrInfeasible)
	case available >= k:
		copy(out, rng.Perm(available)[:k])
	default:
		for i := range out {
			out[i] = rng.Intn(available)
		}
	}
	return out, nil
}
