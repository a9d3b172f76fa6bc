package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jordanhubbard/lessonloop/internal/evolution"
	"github.com/jordanhubbard/lessonloop/internal/extract"
	"github.com/jordanhubbard/lessonloop/internal/telemetry"
	"github.com/jordanhubbard/lessonloop/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PostRunRequest carries the scored run. Scope overrides the scope recorded
// by the pre-run phase.
type PostRunRequest struct {
	Run   *models.RunResult
	Scope models.Scope
}

// PostRunResult is what the post-run phase produced.
type PostRunResult struct {
	Snapshot  *models.Snapshot
	Lessons   []models.Lesson
	Graph     *evolution.Graph
	StatePath string
}

// PostRun extracts lessons from the run, appends them as one batch and
// refreshes the evolution graph. A lineage cycle fails the phase after the
// lessons are recorded.
func (o *Orchestrator) PostRun(ctx context.Context, req PostRunRequest) (result *PostRunResult, err error) {
	start := o.now()
	if req.Run == nil {
		return nil, fmt.Errorf("run result is required")
	}

	snap, err := o.ReadState()
	switch {
	case errors.Is(err, ErrNoState):
		log.Printf("[Orchestrator] Warning: no pre-run state, starting a new cycle for run %s", req.Run.RunID)
		snap = o.freshSnapshot(req.Run)
	case err != nil:
		return nil, err
	case snap.Cycle.Phase == models.PhasePostRun:
		log.Printf("[Orchestrator] Warning: cycle %s already finished post-run, starting a new cycle for run %s",
			snap.Cycle.ID, req.Run.RunID)
		snap = o.freshSnapshot(req.Run)
	}
	o.cycleStarted(snap.Cycle.ID)

	ctx, span := telemetry.StartSpan(ctx, "orchestrator.post_run",
		attribute.String("cycle.id", snap.Cycle.ID), attribute.String("run.id", req.Run.RunID))
	defer func() {
		telemetry.EndSpan(span, err)
		o.finishPhase(ctx, models.PhasePostRun, start, err)
	}()

	scope, err := o.postRunScope(req, snap)
	if err != nil {
		return nil, err
	}
	ex, err := extract.New(scope, extract.WithClock(o.now), extract.WithEntropy(o.entropy))
	if err != nil {
		return nil, err
	}
	lessons, err := ex.Extract(req.Run)
	if err != nil {
		return nil, err
	}

	if len(lessons) > 0 {
		_, appendSpan := telemetry.StartSpan(ctx, "lessonstore.append", attribute.Int("lessons.count", len(lessons)))
		err = o.store.Append(ctx, lessons)
		telemetry.EndSpan(appendSpan, err)
		o.metrics.RecordStoreAppend(o.backend(), err)
		if err != nil {
			return nil, fmt.Errorf("failed to append lessons: %w", err)
		}
	}

	recorded := make([]string, 0, len(lessons))
	patterns := make([]string, 0, len(lessons))
	for _, l := range lessons {
		recorded = append(recorded, l.ID)
		patterns = append(patterns, l.Finding.Pattern)
		o.metrics.LessonsExtracted.WithLabelValues(l.Finding.Pattern, string(l.Scope)).Inc()
	}
	telemetry.LessonsRecorded.Add(ctx, int64(len(lessons)), metric.WithAttributes(attribute.String("scope", string(scope))))

	art, err := o.tracker.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to update evolution graph: %w", err)
	}

	postAt := o.now().UTC()
	snap.Cycle.Phase = models.PhasePostRun
	snap.Cycle.PostRunAt = &postAt
	snap.PostRun = &models.PostRunState{
		RunID:            req.Run.RunID,
		LessonsRecorded:  recorded,
		Patterns:         patterns,
		EvolutionGraph:   art.GraphJSON,
		EvolutionDiagram: art.Diagram,
		DanglingParents:  art.Graph.Dangling,
	}
	statePath, err := o.writeState(snap)
	if err != nil {
		return nil, err
	}

	log.Printf("[Orchestrator] Post-run %s: run=%s recorded %d lesson(s)", snap.Cycle.ID, req.Run.RunID, len(lessons))
	return &PostRunResult{Snapshot: snap, Lessons: lessons, Graph: art.Graph, StatePath: statePath}, nil
}

func (o *Orchestrator) postRunScope(req PostRunRequest, snap *models.Snapshot) (models.Scope, error) {
	switch {
	case req.Scope != "":
		return models.ParseScope(string(req.Scope))
	case snap.Lessons.Scope != "":
		return models.ParseScope(string(snap.Lessons.Scope))
	default:
		return models.ParseScope(o.cfg.Lessons.Scope)
	}
}

// freshSnapshot starts a cycle for a post-run invoked without a pre-run.
func (o *Orchestrator) freshSnapshot(run *models.RunResult) *models.Snapshot {
	snap := &models.Snapshot{
		Cycle: models.CycleState{
			ID:         uuid.NewString(),
			StartedAt:  o.now().UTC(),
			BaseConfig: run.Config,
		},
		Lessons: models.LessonsState{
			Mode:             models.Mode(o.cfg.Lessons.Mode),
			Scope:            models.Scope(o.cfg.Lessons.Scope),
			Window:           o.cfg.Lessons.Window,
			AppliedLessons:   []string{},
			SuggestedLessons: []string{},
			GateWarnings:     []string{},
		},
	}
	if run.Config != "" && o.repo.Exists(run.Config) {
		snap.Env.ActiveConfig = o.repo.Path(run.Config)
	}
	return snap
}
