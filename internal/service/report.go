package service

import (
	"fmt"
	"strings"

	"novelty-server/internal/model"
)

// RenderTrialSummary renders the markdown summary published when a trial ends.
func RenderTrialSummary(trial model.ExperimentTrial, episodes []model.TrialEpisode) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("# Trial %d\n\n", trial.ID))
	b.WriteString(fmt.Sprintf("- experiment_id: %d\n", trial.ExperimentID))
	b.WriteString(fmt.Sprintf("- novelty: %d\n", trial.Novelty))
	b.WriteString(fmt.Sprintf("- difficulty: %s\n", trial.Difficulty))
	b.WriteString(fmt.Sprintf("- novelty_visibility: %d\n\n", trial.NoveltyVisibility))

	b.WriteString("| # | novelty | performance | p(novel) | threshold | flagged |\n")
	b.WriteString("| ---: | ---: | ---: | ---: | ---: | --- |\n")

	var sum float64
	played, flaggedNovel, novel := 0, 0, 0
	firstFlag := -1
	for _, e := range episodes {
		if e.Skipped {
			b.WriteString(fmt.Sprintf("| %d | %d | skipped | | | |\n", e.Sequence, e.Novelty))
			continue
		}
		flagged := Flagged(e)
		b.WriteString(fmt.Sprintf("| %d | %d | %.3f | %.3f | %.3f | %t |\n",
			e.Sequence, e.Novelty, e.Performance, e.NoveltyProbability, e.NoveltyThreshold, flagged))
		played++
		sum += e.Performance
		if flagged && firstFlag < 0 {
			firstFlag = e.Sequence
		}
		if e.Novelty != model.BaselineNovelty {
			novel++
			if flagged {
				flaggedNovel++
			}
		}
	}

	b.WriteString("\n")
	if played > 0 {
		b.WriteString(fmt.Sprintf("- mean_performance: %.3f\n", sum/float64(played)))
	}
	if novel > 0 {
		b.WriteString(fmt.Sprintf("- novel_episodes_flagged: %d/%d\n", flaggedNovel, novel))
	}
	if firstFlag >= 0 {
		b.WriteString(fmt.Sprintf("- first_flag_at: %d\n", firstFlag))
	} else {
		b.WriteString("- first_flag_at: none\n")
	}
	return b.String()
}

// RenderExperimentReport renders the experiment statistics as markdown.
func RenderExperimentReport(exp model.ModelExperiment, stats ExperimentStats) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("# Experiment %d\n\n", exp.ID))
	b.WriteString(fmt.Sprintf("- model_name: %s\n", exp.ModelName))
	b.WriteString(fmt.Sprintf("- domain: %s\n", exp.Domain))
	b.WriteString(fmt.Sprintf("- data_source: %s\n", exp.DataSource))
	b.WriteString(fmt.Sprintf("- trials: %d/%d complete\n\n", stats.CompleteTrials, stats.Trials))

	b.WriteString("| measure | N | rate | CI95 |\n")
	b.WriteString("| --- | ---: | ---: | --- |\n")
	for _, row := range []struct {
		name string
		r    RateStats
	}{{"detection", stats.Detection}, {"false alarm", stats.FalseAlarm}} {
		b.WriteString(fmt.Sprintf("| %s | %d | %.3f | [%.3f, %.3f] |\n",
			row.name, row.r.N, row.r.Rate, row.r.CI95Low, row.r.CI95High))
	}
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("- mean_performance: %.3f\n", stats.MeanPerformance))
	b.WriteString(fmt.Sprintf("- pre_novel_performance: %.3f\n", stats.PreNovelPerformance))
	b.WriteString(fmt.Sprintf("- novel_performance: %.3f\n", stats.NovelPerformance))
	b.WriteString(fmt.Sprintf("- detection_p_value: %.4f (z=%.3f)\n", stats.DetectionPValue, stats.DetectionZ))
	return b.String()
}
