package models

import (
	"math"
	"sort"
	"strconv"
)

// RunResult is the scored outcome of one external evaluation run.
type RunResult struct {
	RunID    string             `json:"run_id" yaml:"run_id"`
	Config   string             `json:"config,omitempty" yaml:"config,omitempty"` // Configuration the run was evaluated against
	Metrics  map[string]float64 `json:"metrics" yaml:"metrics"`
	Baseline map[string]float64 `json:"baseline,omitempty" yaml:"baseline,omitempty"`
	Progress []ProgressEvent    `json:"progress,omitempty" yaml:"progress,omitempty"`
}

// ProgressEvent carries intermediate metrics for one evaluation step.
type ProgressEvent struct {
	Step    int                `json:"step" yaml:"step"`
	Metrics map[string]float64 `json:"metrics" yaml:"metrics"`
}

// Metric returns a final metric and whether it was reported. NaN and
// infinite values count as not reported.
func (r *RunResult) Metric(name string) (float64, bool) {
	if r == nil {
		return 0, false
	}
	return finite(r.Metrics, name)
}

// BaselineMetric returns a baseline metric and whether it was reported.
func (r *RunResult) BaselineMetric(name string) (float64, bool) {
	if r == nil {
		return 0, false
	}
	return finite(r.Baseline, name)
}

// Series returns the per-step values of a metric ordered by step, skipping
// steps that did not report it or reported a non-finite value. Events with
// the same step keep their input order.
func (r *RunResult) Series(name string) []float64 {
	if r == nil {
		return nil
	}
	events := append([]ProgressEvent(nil), r.Progress...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Step < events[j].Step })

	var out []float64
	for _, ev := range events {
		if v, ok := finite(ev.Metrics, name); ok {
			out = append(out, v)
		}
	}
	return out
}

// NonFinite lists the NaN or infinite values in the run as
// "metrics.<name>", "baseline.<name>" or "progress[<step>].<name>", sorted.
func (r *RunResult) NonFinite() []string {
	if r == nil {
		return nil
	}
	var out []string
	collect := func(prefix string, m map[string]float64) {
		for k, v := range m {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				out = append(out, prefix+k)
			}
		}
	}
	collect("metrics.", r.Metrics)
	collect("baseline.", r.Baseline)
	for _, ev := range r.Progress {
		collect("progress["+strconv.Itoa(ev.Step)+"].", ev.Metrics)
	}
	sort.Strings(out)
	return out
}

func finite(m map[string]float64, name string) (float64, bool) {
	v, ok := m[name]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
