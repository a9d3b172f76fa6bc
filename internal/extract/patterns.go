package extract

import (
	"github.com/jordanhubbard/lessonloop/pkg/models"
)

// Pattern names in the catalog.
const (
	PatternHighPrecisionLowRecall = "high_precision_low_recall"
	PatternLowPrecisionHighRecall = "low_precision_high_recall"
	PatternLowFaithfulness        = "low_faithfulness"
	PatternLatencyRegression      = "latency_regression"
	PatternCostOverrun            = "cost_overrun"
	PatternRecallPlateau          = "recall_plateau"
	PatternStableSuccess          = "stable_success"
)

// Thresholds used by the catalog predicates.
const (
	highPrecision    = 0.70
	lowRecall        = 0.50
	lowPrecision     = 0.50
	highRecall       = 0.70
	lowFaithfulness  = 0.60
	latencyTolerance = 1.20
	costTolerance    = 1.25
	plateauSteps     = 3
	plateauMinGain   = 0.005
	successF1        = 0.80
	successPrecision = 0.75
	successRecall    = 0.75
)

// Pattern is one entry of the closed catalog: a predicate over a run and the
// recommendation emitted when it matches.
type Pattern struct {
	Name string
	// Match returns the evidence that triggered the pattern, or ok=false.
	Match func(run *models.RunResult) (evidence map[string]float64, ok bool)
	// Changes and Effect are copied into every lesson for this pattern.
	Changes []models.Change
	Effect  map[string]string
}

// Catalog returns the patterns in evaluation order.
func Catalog() []Pattern {
	return []Pattern{
		{
			Name:  PatternHighPrecisionLowRecall,
			Match: matchPrecisionRecall(func(p, r float64) bool { return p >= highPrecision && r < lowRecall }),
			Changes: []models.Change{
				{Key: "retrieval.top_k", Op: models.OpAdd, Value: 4},
				{Key: "retrieval.min_score", Op: models.OpAdd, Value: -0.05},
			},
			Effect: map[string]string{"recall": "+0.03~+0.06", "precision": "-0.02~+0.00"},
		},
		{
			Name:  PatternLowPrecisionHighRecall,
			Match: matchPrecisionRecall(func(p, r float64) bool { return p < lowPrecision && r >= highRecall }),
			Changes: []models.Change{
				{Key: "retrieval.min_score", Op: models.OpAdd, Value: 0.05},
				{Key: "retrieval.top_k", Op: models.OpAdd, Value: -2},
			},
			Effect: map[string]string{"precision": "+0.02~+0.05", "recall": "-0.03~+0.00"},
		},
		{
			Name:  PatternLowFaithfulness,
			Match: matchFaithfulness,
			Changes: []models.Change{
				{Key: "generation.temperature", Op: models.OpSet, Value: 0.1},
				{Key: "generation.cite_sources", Op: models.OpSet, Value: true},
			},
			Effect: map[string]string{"faithfulness": "+0.04~+0.08", "latency": "+2~5%"},
		},
		{
			Name:  PatternLatencyRegression,
			Match: matchRegression("latency", latencyTolerance),
			Changes: []models.Change{
				{Key: "retrieval.top_k", Op: models.OpAdd, Value: -2},
				{Key: "cache.enabled", Op: models.OpSet, Value: true},
			},
			Effect: map[string]string{"latency": "-15~-5%", "recall": "-0.02~+0.00"},
		},
		{
			Name:  PatternCostOverrun,
			Match: matchRegression("cost", costTolerance),
			Changes: []models.Change{
				{Key: "generation.max_tokens", Op: models.OpAdd, Value: -256},
			},
			Effect: map[string]string{"cost": "-20~-10%", "f1": "-0.01~+0.00"},
		},
		{
			Name:  PatternRecallPlateau,
			Match: matchPlateau,
			Changes: []models.Change{
				{Key: "retrieval.chunk_overlap", Op: models.OpAdd, Value: 32},
			},
			Effect: map[string]string{"recall": "+0.00~+0.02"},
		},
		{
			Name:    PatternStableSuccess,
			Match:   matchSuccess,
			Changes: []models.Change{},
			Effect:  map[string]string{"f1": "+0.00"},
		},
	}
}

func matchPrecisionRecall(pred func(p, r float64) bool) func(*models.RunResult) (map[string]float64, bool) {
	return func(run *models.RunResult) (map[string]float64, bool) {
		p, okP := run.Metric("precision")
		r, okR := run.Metric("recall")
		if !okP || !okR || !pred(p, r) {
			return nil, false
		}
		return map[string]float64{"precision": p, "recall": r}, true
	}
}

func matchFaithfulness(run *models.RunResult) (map[string]float64, bool) {
	v, ok := run.Metric("faithfulness")
	if !ok || v >= lowFaithfulness {
		return nil, false
	}
	return map[string]float64{"faithfulness": v}, true
}

// matchRegression compares a metric to its baseline. A missing or
// non-positive baseline is absence of signal.
func matchRegression(metric string, tolerance float64) func(*models.RunResult) (map[string]float64, bool) {
	return func(run *models.RunResult) (map[string]float64, bool) {
		v, ok := run.Metric(metric)
		if !ok {
			return nil, false
		}
		base, ok := run.BaselineMetric(metric)
		if !ok || base <= 0 || v <= base*tolerance {
			return nil, false
		}
		return map[string]float64{metric: v, "baseline_" + metric: base}, true
	}
}

func matchPlateau(run *models.RunResult) (map[string]float64, bool) {
	series := run.Series("recall")
	if len(series) < plateauSteps {
		return nil, false
	}
	window := series[len(series)-plateauSteps:]
	gain := window[len(window)-1] - window[0]
	if gain >= plateauMinGain {
		return nil, false
	}
	return map[string]float64{
		"recall":        window[len(window)-1],
		"recall_gain":   gain,
		"plateau_steps": float64(plateauSteps),
	}, true
}

func matchSuccess(run *models.RunResult) (map[string]float64, bool) {
	f1, ok1 := run.Metric("f1")
	p, ok2 := run.Metric("precision")
	r, ok3 := run.Metric("recall")
	if !ok1 || !ok2 || !ok3 {
		return nil, false
	}
	if f1 < successF1 || p < successPrecision || r < successRecall {
		return nil, false
	}
	return map[string]float64{"f1": f1, "precision": p, "recall": r}, true
}
