package orchestrator

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jordanhubbard/lessonloop/internal/configs"
	"github.com/jordanhubbard/lessonloop/internal/files"
	"github.com/jordanhubbard/lessonloop/internal/gate"
	"github.com/jordanhubbard/lessonloop/internal/resolver"
	"github.com/jordanhubbard/lessonloop/internal/telemetry"
	"github.com/jordanhubbard/lessonloop/pkg/models"
	"go.opentelemetry.io/otel/attribute"
)

// PreRunRequest names the base configuration. Zero-valued lessons settings
// fall back to the engine config.
type PreRunRequest struct {
	// Base is a configuration name, or the path of a configuration file to import.
	Base   string
	Mode   models.Mode
	Scope  models.Scope
	Window int
}

// PreRunResult is what the pre-run phase produced.
type PreRunResult struct {
	Snapshot  *models.Snapshot
	Record    *resolver.DecisionRecord
	Candidate *models.Configuration
	StatePath string
}

// PreRun composes a candidate from the lesson log, gates it and selects the
// active configuration. It always completes with one of two outcomes; the
// decision record, and the candidate when one was composed, are persisted
// either way.
func (o *Orchestrator) PreRun(ctx context.Context, req PreRunRequest) (result *PreRunResult, err error) {
	start := o.now()
	cycleID := uuid.NewString()
	o.cycleStarted(cycleID)
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.pre_run", attribute.String("cycle.id", cycleID))
	defer func() {
		telemetry.EndSpan(span, err)
		o.finishPhase(ctx, models.PhasePreRun, start, err)
	}()
	telemetry.CyclesStarted.Add(ctx, 1)

	mode, scope, window, err := o.lessonsSettings(req)
	if err != nil {
		return nil, err
	}

	base, basePath, err := o.loadBase(req.Base)
	if err != nil {
		return nil, err
	}

	lessons, err := o.readLessons(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read lessons: %w", err)
	}

	now := o.now().UTC()
	_, resolveSpan := telemetry.StartSpan(ctx, "resolver.resolve", attribute.Int("lessons.read", len(lessons)))
	resolved, err := resolver.Resolve(resolver.Request{Base: base, Scope: scope, Window: window, Mode: mode, Now: now}, lessons)
	telemetry.EndSpan(resolveSpan, err)
	if err != nil {
		return nil, err
	}

	policy, err := o.cfg.LoadPolicy()
	if err != nil {
		return nil, err
	}
	_, gateSpan := telemetry.StartSpan(ctx, "gate.check", attribute.Int("gate.metrics", len(policy)))
	verdict := gate.Check(policy, resolved.Contributions)
	gateSpan.SetAttributes(attribute.Bool("gate.blocked", verdict.Blocked))
	telemetry.EndSpan(gateSpan, nil)
	if len(policy) == 0 && mode == models.ModeApply && resolved.Candidate != nil {
		msg := "no gate policy configured; candidate is applied without threshold checks"
		log.Printf("[QualityGate] Warning: %s", msg)
		verdict.Warnings = append(verdict.Warnings, msg)
	}

	outcome := models.OutcomeAdvisoryFallback
	if mode == models.ModeApply && !verdict.Blocked {
		outcome = models.OutcomeApplied
	}

	rec := resolved.Record
	rec.CycleID = cycleID
	rec.ApplyGate(verdict, outcome)

	applied := []string{}
	suggested := []string{}
	active, activePath := base, basePath
	var candidatePath, fingerprint string
	if cand := resolved.Candidate; cand != nil {
		merged := append([]string{}, cand.Metadata.AppliedLessons...)
		if outcome == models.OutcomeApplied {
			applied = merged
		} else {
			suggested = merged
			cand.Metadata.SuggestedLessons = merged
			cand.Metadata.AppliedLessons = []string{}
		}
		candidatePath, err = o.repo.Save(cand)
		if err != nil {
			return nil, err
		}
		fingerprint = cand.Metadata.Fingerprint
		if outcome == models.OutcomeApplied {
			active, activePath = cand, candidatePath
		}
	}

	docket, err := o.writeDecision(rec)
	if err != nil {
		return nil, err
	}

	snap := &models.Snapshot{
		Cycle: models.CycleState{
			ID:          cycleID,
			Phase:       models.PhasePreRun,
			Outcome:     outcome,
			StartedAt:   start.UTC(),
			PreRunAt:    now,
			BaseConfig:  base.Name,
			Fingerprint: fingerprint,
		},
		Lessons: models.LessonsState{
			Mode:             mode,
			Scope:            scope,
			Window:           rec.Window,
			AppliedLessons:   applied,
			SuggestedLessons: suggested,
			DecisionDocket:   docket,
			CandidateConfig:  candidatePath,
			ApplyBlocked:     verdict.Blocked,
			GateWarnings:     rec.GateWarnings(),
		},
		Env: models.EnvState{
			ActiveConfig: activePath,
			DerivedFrom:  o.parentPath(active),
		},
	}
	statePath, err := o.writeState(snap)
	if err != nil {
		return nil, err
	}

	o.recordPreRun(rec, verdict, mode, outcome)
	log.Printf("[Orchestrator] Pre-run %s: base=%s outcome=%s merged=%d blocked=%t",
		cycleID, base.Name, outcome, len(rec.Merged), verdict.Blocked)

	return &PreRunResult{Snapshot: snap, Record: rec, Candidate: resolved.Candidate, StatePath: statePath}, nil
}

func (o *Orchestrator) lessonsSettings(req PreRunRequest) (models.Mode, models.Scope, int, error) {
	rawMode := string(req.Mode)
	if rawMode == "" {
		rawMode = o.cfg.Lessons.Mode
	}
	mode, err := models.ParseMode(rawMode)
	if err != nil {
		return "", "", 0, err
	}

	rawScope := string(req.Scope)
	if rawScope == "" {
		rawScope = o.cfg.Lessons.Scope
	}
	scope, err := models.ParseScope(rawScope)
	if err != nil {
		return "", "", 0, err
	}

	window := req.Window
	if window <= 0 {
		window = o.cfg.Lessons.Window
	}
	return mode, scope, window, nil
}

// loadBase resolves ref to a stored configuration. A file path is imported
// into the repository first so that lineage can refer to it by name.
func (o *Orchestrator) loadBase(ref string) (*models.Configuration, string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, "", fmt.Errorf("base configuration is required")
	}

	if isPath(ref) {
		cfg, err := configs.LoadFile(ref)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load base configuration: %w", err)
		}
		path, err := o.repo.Import(cfg)
		if err != nil {
			return nil, "", err
		}
		return cfg, path, nil
	}

	cfg, err := o.repo.Get(ref)
	if err != nil {
		return nil, "", err
	}
	return cfg, o.repo.Path(ref), nil
}

func isPath(ref string) bool {
	switch strings.ToLower(filepath.Ext(ref)) {
	case ".yaml", ".yml":
		return true
	}
	return strings.ContainsRune(ref, filepath.Separator) || strings.ContainsRune(ref, '/')
}

// parentPath returns the repository path of cfg's parent, or nil for a root.
func (o *Orchestrator) parentPath(cfg *models.Configuration) *string {
	if cfg.IsRoot() {
		return nil
	}
	return models.StringPtr(o.repo.Path(cfg.Parent()))
}

func (o *Orchestrator) writeDecision(rec *resolver.DecisionRecord) (string, error) {
	data, err := rec.JSON()
	if err != nil {
		return "", err
	}
	if _, err := o.ws.WriteFile(filepath.Join(files.DecisionsDir, rec.CycleID+".json"), data); err != nil {
		return "", fmt.Errorf("failed to write decision record: %w", err)
	}
	path, err := o.ws.WriteFile(filepath.Join(files.DecisionsDir, rec.CycleID+".md"), []byte(rec.Markdown()))
	if err != nil {
		return "", fmt.Errorf("failed to write decision record: %w", err)
	}
	return path, nil
}

func (o *Orchestrator) recordPreRun(rec *resolver.DecisionRecord, verdict *gate.Result, mode models.Mode, outcome models.Outcome) {
	o.metrics.Outcomes.WithLabelValues(string(mode), string(outcome)).Inc()
	o.metrics.LessonsSelected.Set(float64(len(rec.Selected)))
	o.metrics.LessonsMerged.Set(float64(len(rec.Merged)))
	o.metrics.ConflictsDropped.Add(float64(len(rec.Dropped)))
	for _, v := range verdict.Violations {
		o.metrics.GateViolations.WithLabelValues(v.Metric, v.Bound).Inc()
	}
	o.metrics.GateWarnings.Add(float64(len(verdict.Warnings)))
}
