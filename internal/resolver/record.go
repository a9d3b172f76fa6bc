package resolver

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jordanhubbard/lessonloop/internal/gate"
	"github.com/jordanhubbard/lessonloop/pkg/models"
)

// LessonRef identifies a lesson in the record.
type LessonRef struct {
	ID        string       `json:"id"`
	Scope     models.Scope `json:"scope"`
	Pattern   string       `json:"pattern"`
	CreatedAt time.Time    `json:"created_at"`
}

func refOf(l *models.Lesson) LessonRef {
	return LessonRef{ID: l.ID, Scope: l.Scope, Pattern: l.Finding.Pattern, CreatedAt: l.CreatedAt}
}

// Superseded is an older lesson hidden by a newer one with the same scope and pattern.
type Superseded struct {
	LessonID     string       `json:"lesson_id"`
	Pattern      string       `json:"pattern"`
	Scope        models.Scope `json:"scope"`
	SupersededBy string       `json:"superseded_by"`
}

// Dropped is a change that lost a conflict on its key.
type Dropped struct {
	LessonID string    `json:"lesson_id"`
	Key      string    `json:"key"`
	Op       models.Op `json:"op"`
	Value    any       `json:"value,omitempty"`
	WinnerID string    `json:"winner_id"`
	Reason   string    `json:"reason"`
}

// AppliedChange is one change merged into the candidate.
type AppliedChange struct {
	LessonID string    `json:"lesson_id"`
	Key      string    `json:"key"`
	Op       models.Op `json:"op"`
	Value    any       `json:"value,omitempty"`
	Before   any       `json:"before,omitempty"`
	After    any       `json:"after,omitempty"`
	Noop     bool      `json:"noop,omitempty"`
}

// DecisionRecord documents one resolution and the gate verdict on it.
type DecisionRecord struct {
	ID            string            `json:"id"`
	CycleID       string            `json:"cycle_id,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	BaseConfig    string            `json:"base_config"`
	Candidate     string            `json:"candidate_config,omitempty"`
	Mode          models.Mode       `json:"mode"`
	Scope         models.Scope      `json:"scope"`
	Window        int               `json:"window"`
	Considered    []LessonRef       `json:"considered"`
	Superseded    []Superseded      `json:"superseded"`
	OutsideWindow []string          `json:"outside_window"`
	Selected      []LessonRef       `json:"selected"`
	Informational []string          `json:"informational"`
	Dropped       []Dropped         `json:"dropped"`
	Changes       []AppliedChange   `json:"changes"`
	Merged        []string          `json:"merged"`
	Aggregates    []*gate.Aggregate `json:"aggregates"`
	Violations    []gate.Violation  `json:"violations"`
	PercentFlags  []string          `json:"percent_flags"`
	Warnings      []string          `json:"warnings"`
	Blocked       bool              `json:"apply_blocked"`
	Outcome       models.Outcome    `json:"outcome,omitempty"`
}

func newRecord(req Request, window int) *DecisionRecord {
	return &DecisionRecord{
		ID:            uuid.NewString(),
		CreatedAt:     req.Now.UTC(),
		BaseConfig:    req.Base.Name,
		Mode:          req.Mode,
		Scope:         req.Scope,
		Window:        window,
		Considered:    []LessonRef{},
		Superseded:    []Superseded{},
		OutsideWindow: []string{},
		Selected:      []LessonRef{},
		Informational: []string{},
		Dropped:       []Dropped{},
		Changes:       []AppliedChange{},
		Merged:        []string{},
		Aggregates:    []*gate.Aggregate{},
		Violations:    []gate.Violation{},
		PercentFlags:  []string{},
		Warnings:      []string{},
	}
}

func (r *DecisionRecord) warn(msg string) {
	log.Printf("[Resolver] Warning: %s", msg)
	r.Warnings = append(r.Warnings, msg)
}

// ApplyGate copies the gate verdict and the final outcome into the record.
func (r *DecisionRecord) ApplyGate(res *gate.Result, outcome models.Outcome) {
	if res != nil {
		r.Aggregates = res.Aggregates
		r.Violations = res.Violations
		r.PercentFlags = res.PercentFlags
		r.Warnings = append(r.Warnings, res.Warnings...)
		r.Blocked = res.Blocked
	}
	r.Outcome = outcome
}

// GateWarnings lists every violation, then every warning, as display strings.
func (r *DecisionRecord) GateWarnings() []string {
	out := make([]string, 0, len(r.Violations)+len(r.Warnings))
	for _, v := range r.Violations {
		out = append(out, v.String())
	}
	out = append(out, r.Warnings...)
	return out
}

// JSON renders the record for machines.
func (r *DecisionRecord) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode decision record: %w", err)
	}
	return append(data, '\n'), nil
}

// Markdown renders the record for reviewers.
func (r *DecisionRecord) Markdown() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Decision %s\n\n", r.ID)
	if r.CycleID != "" {
		fmt.Fprintf(&b, "- Cycle: `%s`\n", r.CycleID)
	}
	fmt.Fprintf(&b, "- Created: %s\n", r.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Base: `%s`\n", r.BaseConfig)
	if r.Candidate != "" {
		fmt.Fprintf(&b, "- Candidate: `%s`\n", r.Candidate)
	} else {
		b.WriteString("- Candidate: none (no lesson changed the base)\n")
	}
	fmt.Fprintf(&b, "- Mode: %s, scope: %s, window: %d\n", r.Mode, r.Scope, r.Window)
	if r.Outcome != "" {
		fmt.Fprintf(&b, "- Outcome: **%s**\n", r.Outcome)
	}
	fmt.Fprintf(&b, "- Apply blocked: %t\n", r.Blocked)

	section(&b, "Selected lessons", len(r.Selected), func() string {
		t := table.NewWriter()
		t.AppendHeader(table.Row{"ID", "Scope", "Pattern", "Created"})
		for _, l := range r.Selected {
			t.AppendRow(table.Row{l.ID, l.Scope, l.Pattern, l.CreatedAt.Format(time.RFC3339)})
		}
		return t.RenderMarkdown()
	})
	fmt.Fprintf(&b, "\nConsidered %d lesson(s); %d superseded, %d outside the window.\n",
		len(r.Considered), len(r.Superseded), len(r.OutsideWindow))

	section(&b, "Superseded", len(r.Superseded), func() string {
		t := table.NewWriter()
		t.AppendHeader(table.Row{"Lesson", "Scope", "Pattern", "Superseded by"})
		for _, s := range r.Superseded {
			t.AppendRow(table.Row{s.LessonID, s.Scope, s.Pattern, s.SupersededBy})
		}
		return t.RenderMarkdown()
	})

	section(&b, "Applied changes", len(r.Changes), func() string {
		t := table.NewWriter()
		t.AppendHeader(table.Row{"Lesson", "Key", "Op", "Value", "Before", "After"})
		for _, c := range r.Changes {
			t.AppendRow(table.Row{c.LessonID, c.Key, c.Op, show(c.Value), show(c.Before), show(c.After)})
		}
		return t.RenderMarkdown()
	})

	section(&b, "Dropped due to conflict", len(r.Dropped), func() string {
		t := table.NewWriter()
		t.AppendHeader(table.Row{"Lesson", "Key", "Op", "Value", "Winner", "Reason"})
		for _, d := range r.Dropped {
			t.AppendRow(table.Row{d.LessonID, d.Key, d.Op, show(d.Value), d.WinnerID, d.Reason})
		}
		return t.RenderMarkdown()
	})

	section(&b, "Predicted effect", len(r.Aggregates), func() string {
		t := table.NewWriter()
		t.AppendHeader(table.Row{"Metric", "Absolute", "Relative", "Lessons"})
		for _, a := range r.Aggregates {
			abs, rel := "", ""
			if a.Absolute != nil {
				abs = a.Absolute.Raw
			}
			if a.Relative != nil {
				rel = a.Relative.Raw
			}
			t.AppendRow(table.Row{a.Metric, abs, rel, strings.Join(a.Sources, ", ")})
		}
		return t.RenderMarkdown()
	})

	section(&b, "Gate violations", len(r.Violations), func() string {
		t := table.NewWriter()
		t.AppendHeader(table.Row{"Metric", "Bound", "Threshold", "Unit", "Min delta", "Max delta"})
		for _, v := range r.Violations {
			t.AppendRow(table.Row{v.Metric, v.Bound, v.Threshold, v.Unit, v.MinDelta, v.MaxDelta})
		}
		return t.RenderMarkdown()
	})

	bullets(&b, "Needs human review", r.PercentFlags)
	bullets(&b, "Informational lessons", r.Informational)
	bullets(&b, "Warnings", r.Warnings)
	return b.String()
}

func section(b *strings.Builder, title string, n int, render func() string) {
	if n == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n%s\n", title, render())
}

func bullets(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

func show(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
