package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Scope is the breadth at which a lesson applies.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeDataset Scope = "dataset"
	ScopeProfile Scope = "profile"
)

// Specificity ranks scopes from broadest (1) to narrowest (3).
// Unknown scopes rank 0 and are never eligible for selection.
func (s Scope) Specificity() int {
	switch s {
	case ScopeGlobal:
		return 1
	case ScopeDataset:
		return 2
	case ScopeProfile:
		return 3
	}
	return 0
}

// Valid reports whether s is one of the known scopes.
func (s Scope) Valid() bool {
	return s.Specificity() > 0
}

// Covers reports whether a lesson recorded at scope other is visible to a
// request made at scope s: the same scope or any broader one.
func (s Scope) Covers(other Scope) bool {
	if !s.Valid() || !other.Valid() {
		return false
	}
	return other.Specificity() <= s.Specificity()
}

// ParseScope converts a string into a Scope.
func ParseScope(raw string) (Scope, error) {
	s := Scope(raw)
	if !s.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownScope, raw)
	}
	return s, nil
}

// Op is a configuration change operation.
type Op string

const (
	OpAdd    Op = "add"
	OpSet    Op = "set"
	OpRemove Op = "remove"
)

// Valid reports whether op is a known operation.
func (op Op) Valid() bool {
	return op == OpAdd || op == OpSet || op == OpRemove
}

// Lesson represents a learned insight from one evaluation run.
// Lessons are immutable once written; a newer lesson with the same
// pattern and scope supersedes older ones when lessons are resolved.
type Lesson struct {
	ID             string         `json:"id" yaml:"id"`
	CreatedAt      time.Time      `json:"created_at" yaml:"created_at"`
	Scope          Scope          `json:"scope" yaml:"scope"`
	Finding        Finding        `json:"finding" yaml:"finding"`
	Recommendation Recommendation `json:"recommendation" yaml:"recommendation"`
	SourceRun      string         `json:"source_run,omitempty" yaml:"source_run,omitempty"`
	Batch          string         `json:"batch,omitempty" yaml:"batch,omitempty"`
}

// Finding is the observed failure/success mode and the metrics that triggered it.
type Finding struct {
	Pattern  string             `json:"pattern" yaml:"pattern"`
	Evidence map[string]float64 `json:"evidence" yaml:"evidence"`
}

// Recommendation is the parameter change proposed by a lesson.
type Recommendation struct {
	Changes         []Change          `json:"changes" yaml:"changes"`
	PredictedEffect map[string]string `json:"predicted_effect" yaml:"predicted_effect"`
}

// Change is a single operation on one configuration key.
type Change struct {
	Key   string `json:"key" yaml:"key"`
	Op    Op     `json:"op" yaml:"op"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// UnmarshalJSON decodes integer values that fit in an int64 as int so they
// stay exact; other numbers become float64.
func (c *Change) UnmarshalJSON(data []byte) error {
	type plain Change
	var p plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	if n, ok := p.Value.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			p.Value = int(i)
		} else if f, err := n.Float64(); err == nil {
			p.Value = f
		} else {
			return fmt.Errorf("change %s: invalid number %q", p.Key, n)
		}
	}
	*c = Change(p)
	return nil
}

// SupersedeKey identifies the logical slot a lesson occupies in the current view.
func (l *Lesson) SupersedeKey() string {
	return string(l.Scope) + "/" + l.Finding.Pattern
}

// Validate checks the structural invariants a stored lesson must satisfy.
func (l *Lesson) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("lesson id cannot be empty")
	}
	if !l.Scope.Valid() {
		return fmt.Errorf("lesson %s: %w: %q", l.ID, ErrUnknownScope, l.Scope)
	}
	if l.Finding.Pattern == "" {
		return fmt.Errorf("lesson %s: pattern cannot be empty", l.ID)
	}
	for i, c := range l.Recommendation.Changes {
		if c.Key == "" {
			return fmt.Errorf("lesson %s: change %d has empty key", l.ID, i)
		}
		if !c.Op.Valid() {
			return fmt.Errorf("lesson %s: change %d has unknown op %q", l.ID, i, c.Op)
		}
	}
	return nil
}

// Newer reports whether l takes precedence over other on recency alone:
// later created_at wins, equal timestamps fall back to the greater id.
func (l *Lesson) Newer(other *Lesson) bool {
	if !l.CreatedAt.Equal(other.CreatedAt) {
		return l.CreatedAt.After(other.CreatedAt)
	}
	return l.ID > other.ID
}
