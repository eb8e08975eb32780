package service

import (
	"context"
	"math"

	"novelty-server/internal/model"
	"novelty-server/internal/store"
)

// RateStats is a proportion with its Wilson 95% interval.
type RateStats struct {
	N        int     `json:"n"`
	Hits     int     `json:"hits"`
	Rate     float64 `json:"rate"`
	CI95Low  float64 `json:"ci95_low"`
	CI95High float64 `json:"ci95_high"`
}

type ExperimentStats struct {
	ExperimentID   uint `json:"experiment_id"`
	Trials         int  `json:"trials"`
	CompleteTrials int  `json:"complete_trials"`
	Episodes       int  `json:"episodes"`
	Skipped        int  `json:"skipped"`

	MeanPerformance     float64 `json:"mean_performance"`
	PreNovelPerformance float64 `json:"pre_novel_performance"`
	NovelPerformance    float64 `json:"novel_performance"`

	// novel episodes the agent flagged as novel
	Detection RateStats `json:"detection"`
	// non-novel episodes of novelty trials the agent flagged as novel
	FalseAlarm RateStats `json:"false_alarm"`
	// two-sided test that flags are more frequent on novel episodes
	DetectionPValue float64 `json:"detection_p_value"`
	DetectionZ      float64 `json:"detection_z"`
}

// ComputeExperimentStats summarizes every finished test episode of an experiment.
func ComputeExperimentStats(ctx context.Context, s *store.Store, experimentID uint) (ExperimentStats, error) {
	stats := ExperimentStats{ExperimentID: experimentID}
	trials, err := s.Trials(ctx, experimentID)
	if err != nil {
		return stats, err
	}

	var all, pre, novel meanAcc
	for _, t := range trials {
		if t.IsTraining {
			continue
		}
		stats.Trials++
		if t.IsComplete {
			stats.CompleteTrials++
		}
		episodes, err := s.TrialEpisodes(ctx, t.ID)
		if err != nil {
			return stats, err
		}
		for _, e := range episodes {
			if !e.IsComplete {
				continue
			}
			if e.Skipped {
				stats.Skipped++
				continue
			}
			stats.Episodes++
			all.add(e.Performance)

			flagged := Flagged(e)
			switch {
			case e.Novelty != model.BaselineNovelty:
				novel.add(e.Performance)
				stats.Detection.N++
				if flagged {
					stats.Detection.Hits++
				}
			case e.TrialNovelty != model.BaselineNovelty:
				pre.add(e.Performance)
				stats.FalseAlarm.N++
				if flagged {
					stats.FalseAlarm.Hits++
				}
			}
		}
	}

	stats.MeanPerformance = all.mean()
	stats.PreNovelPerformance = pre.mean()
	stats.NovelPerformance = novel.mean()
	stats.Detection.fill()
	stats.FalseAlarm.fill()
	stats.DetectionPValue, stats.DetectionZ = twoPropZTest(
		stats.FalseAlarm.Hits, stats.FalseAlarm.N, stats.Detection.Hits, stats.Detection.N)
	return stats, nil
}

// Flagged reports whether the agent declared the episode novel. An explicit
// novelty verdict wins over the probability and threshold.
func Flagged(e model.TrialEpisode) bool {
	if e.NoveltyDetected != nil {
		return *e.NoveltyDetected != model.BaselineNovelty
	}
	return e.NoveltyProbability > 0 && e.NoveltyProbability >= e.NoveltyThreshold
}

func (r *RateStats) fill() {
	if r.N == 0 {
		return
	}
	r.Rate = float64(r.Hits) / float64(r.N)
	r.CI95Low, r.CI95High = wilsonCI(r.Hits, r.N, 1.96)
}

type meanAcc struct {
	sum float64
	n   int
}

func (m *meanAcc) add(v float64) {
	m.sum += v
	m.n++
}

func (m meanAcc) mean() float64 {
	if m.n == 0 {
		return 0
	}
	return m.sum / float64(m.n)
}

// Wilson score interval for proportion
func wilsonCI(k int, n int, z float64) (float64, float64) {
	if n == 0 {
		return 0, 0
	}
	p := float64(k) / float64(n)
	zz := z * z
	den := 1 + zz/float64(n)
	center := (p + zz/(2*float64(n))) / den
	half := (z / den) * math.Sqrt((p*(1-p)+zz/(4*float64(n)))/float64(n))
	low := math.Max(0, center-half)
	high := math.Min(1, center+half)
	return low, high
}

// two-proportion z-test (two-sided)
func twoPropZTest(x1, n1, x2, n2 int) (pValue float64, z float64) {
	if n1 == 0 || n2 == 0 {
		return 1, 0
	}
	p1 := float64(x1) / float64(n1)
	p2 := float64(x2) / float64(n2)
	p := float64(x1+x2) / float64(n1+n2)
	se := math.Sqrt(p * (1 - p) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 {
		return 1, 0
	}
	z = (p2 - p1) / se
	pValue = 2 * (1 - normCDF(math.Abs(z)))
	return pValue, z
}

// standard normal CDF via erf
func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
