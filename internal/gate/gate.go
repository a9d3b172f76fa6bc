// Package gate decides whether a candidate configuration may be applied
// automatically, by checking the aggregate predicted effect of its lessons
// against per-metric thresholds.
package gate

import (
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/jordanhubbard/lessonloop/pkg/config"
)

// Contribution is one lesson's predicted effect on one metric.
type Contribution struct {
	LessonID string
	Metric   string
	Effect   string
}

// Aggregate is the summed predicted effect on one metric. Absolute and
// relative effects are kept apart because they cannot be added together.
type Aggregate struct {
	Metric   string   `json:"metric"`
	Absolute *Effect  `json:"absolute,omitempty"`
	Relative *Effect  `json:"relative,omitempty"`
	Sources  []string `json:"sources"`
}

// Ranges returns the aggregate's non-empty ranges, absolute first.
func (a *Aggregate) Ranges() []Effect {
	var out []Effect
	if a.Absolute != nil {
		out = append(out, *a.Absolute)
	}
	if a.Relative != nil {
		out = append(out, *a.Relative)
	}
	return out
}

// Violation is one threshold the aggregate effect would breach.
type Violation struct {
	Metric    string  `json:"metric"`
	Bound     string  `json:"bound"` // "min" or "max"
	Threshold float64 `json:"threshold"`
	Unit      Unit    `json:"unit"`
	MinDelta  float64 `json:"min_delta"`
	MaxDelta  float64 `json:"max_delta"`
}

// String renders the violation as a gate warning.
func (v Violation) String() string {
	eff := Effect{MinDelta: v.MinDelta, MaxDelta: v.MaxDelta, Unit: v.Unit}
	if v.Bound == "min" {
		return fmt.Sprintf("%s: predicted %s cannot improve metric with min %.4g (max_delta <= 0)", v.Metric, eff, v.Threshold)
	}
	return fmt.Sprintf("%s: predicted %s may increase metric with max %.4g (max_delta > 0)", v.Metric, eff, v.Threshold)
}

// Result is the gate's verdict for one candidate.
type Result struct {
	Blocked      bool         `json:"blocked"`
	Aggregates   []*Aggregate `json:"aggregates"`
	Violations   []Violation  `json:"violations"`
	Warnings     []string     `json:"warnings"`
	PercentFlags []string     `json:"percent_flags"`
}

// Messages returns every violation and warning as display strings,
// violations first.
func (r *Result) Messages() []string {
	out := make([]string, 0, len(r.Violations)+len(r.Warnings))
	for _, v := range r.Violations {
		out = append(out, v.String())
	}
	out = append(out, r.Warnings...)
	return out
}

// AggregateEffects parses and sums contributions per metric and unit.
// Unparseable effects are skipped and reported as warnings.
func AggregateEffects(contribs []Contribution) ([]*Aggregate, []string) {
	byMetric := make(map[string]*Aggregate)
	var warnings []string

	for _, c := range contribs {
		eff, err := ParseEffect(c.Effect)
		if err != nil {
			msg := fmt.Sprintf("%s: lesson %s predicted effect %q is unparseable; excluded from enforcement", c.Metric, c.LessonID, c.Effect)
			log.Printf("[QualityGate] Warning: %s", msg)
			warnings = append(warnings, msg)
			continue
		}

		agg, ok := byMetric[c.Metric]
		if !ok {
			agg = &Aggregate{Metric: c.Metric}
			byMetric[c.Metric] = agg
		}
		agg.Sources = append(agg.Sources, c.LessonID)

		slot := &agg.Absolute
		if eff.Unit == UnitRelative {
			slot = &agg.Relative
		}
		if *slot == nil {
			sum := Effect{Unit: eff.Unit, MinDelta: eff.MinDelta, MaxDelta: eff.MaxDelta}
			*slot = &sum
		} else {
			(*slot).MinDelta = round((*slot).MinDelta + eff.MinDelta)
			(*slot).MaxDelta = round((*slot).MaxDelta + eff.MaxDelta)
		}
		(*slot).Raw = (*slot).String()
	}

	out := make([]*Aggregate, 0, len(byMetric))
	for _, agg := range byMetric {
		out = append(out, agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out, warnings
}

// Evaluate checks aggregates against policy. A min-bounded metric blocks
// when its best case is no improvement; a max-bounded metric blocks on any
// possible increase. Relative ranges are enforced the same way and flagged.
func Evaluate(policy config.Policy, aggregates []*Aggregate) *Result {
	res := &Result{
		Aggregates:   aggregates,
		Violations:   []Violation{},
		Warnings:     []string{},
		PercentFlags: []string{},
	}

	for _, agg := range aggregates {
		if agg.Relative != nil {
			res.PercentFlags = append(res.PercentFlags,
				fmt.Sprintf("%s: relative effect %s needs human review (percentage of the current value)", agg.Metric, agg.Relative.Raw))
		}

		th, ok := policy[agg.Metric]
		if !ok {
			continue
		}
		for _, eff := range agg.Ranges() {
			if th.Min != nil && eff.MaxDelta <= 0 {
				res.Violations = append(res.Violations, Violation{
					Metric: agg.Metric, Bound: "min", Threshold: *th.Min,
					Unit: eff.Unit, MinDelta: eff.MinDelta, MaxDelta: eff.MaxDelta,
				})
			}
			if th.Max != nil && eff.MaxDelta > 0 {
				res.Violations = append(res.Violations, Violation{
					Metric: agg.Metric, Bound: "max", Threshold: *th.Max,
					Unit: eff.Unit, MinDelta: eff.MinDelta, MaxDelta: eff.MaxDelta,
				})
			}
		}
	}

	res.Blocked = len(res.Violations) > 0
	for _, v := range res.Violations {
		log.Printf("[QualityGate] Blocked: %s", v)
	}
	return res
}

// Check aggregates contributions and evaluates them in one step.
func Check(policy config.Policy, contribs []Contribution) *Result {
	aggs, warnings := AggregateEffects(contribs)
	res := Evaluate(policy, aggs)
	res.Warnings = append(res.Warnings, warnings...)
	return res
}

func round(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}
