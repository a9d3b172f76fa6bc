package models

import (
	"fmt"
	"time"
)

// Mode controls whether a non-blocked candidate is applied.
type Mode string

const (
	ModeAdvisory Mode = "advisory"
	ModeApply    Mode = "apply"
)

// ParseMode converts a string into a Mode.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeAdvisory, ModeApply:
		return Mode(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
}

// Outcome is the two-state result of one pre-run phase.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAdvisoryFallback Outcome = "advisory-fallback"
)

// Phase names for the cycle state.
const (
	PhasePreRun  = "pre_run"
	PhasePostRun = "post_run"
)

// Snapshot is the state a stateless caller reads to learn what happened in
// the current cycle and what comes next.
type Snapshot struct {
	Cycle   CycleState    `json:"cycle"`
	Lessons LessonsState  `json:"lessons"`
	Env     EnvState      `json:"env"`
	PostRun *PostRunState `json:"post_run,omitempty"`
}

// CycleState identifies the cycle and the last completed phase.
type CycleState struct {
	ID          string     `json:"id"`
	Phase       string     `json:"phase"`
	Outcome     Outcome    `json:"outcome"`
	StartedAt   time.Time  `json:"started_at"`
	PreRunAt    time.Time  `json:"pre_run_at"`
	PostRunAt   *time.Time `json:"post_run_at,omitempty"`
	BaseConfig  string     `json:"base_config"`
	Fingerprint string     `json:"candidate_fingerprint,omitempty"`
}

// LessonsState describes how lessons were used in the pre-run phase.
type LessonsState struct {
	Mode             Mode     `json:"lessons_mode"`
	Scope            Scope    `json:"lessons_scope"`
	Window           int      `json:"lessons_window"`
	AppliedLessons   []string `json:"applied_lessons"`
	SuggestedLessons []string `json:"suggested_lessons"`
	DecisionDocket   string   `json:"decision_docket"`
	CandidateConfig  string   `json:"candidate_config"`
	ApplyBlocked     bool     `json:"apply_blocked"`
	GateWarnings     []string `json:"gate_warnings"`
}

// EnvState names the configuration the evaluation should run against.
type EnvState struct {
	ActiveConfig string  `json:"active_config"`
	DerivedFrom  *string `json:"derived_from"`
}

// PostRunState records what the post-run phase persisted.
type PostRunState struct {
	RunID            string   `json:"run_id"`
	LessonsRecorded  []string `json:"lessons_recorded"`
	Patterns         []string `json:"patterns"`
	EvolutionGraph   string   `json:"evolution_graph"`
	EvolutionDiagram string   `json:"evolution_diagram"`
	DanglingParents  []string `json:"dangling_parents,omitempty"`
}
