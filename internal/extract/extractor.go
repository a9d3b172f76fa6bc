// Package extract classifies one evaluation run against a fixed catalog of
// failure and success patterns and turns every match into a Lesson.
package extract

import (
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/jordanhubbard/lessonloop/pkg/models"
	"github.com/oklog/ulid/v2"
)

// Extractor produces lessons from run results. It never persists them.
type Extractor struct {
	scope   models.Scope
	now     func() time.Time
	entropy io.Reader
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Extractor) { e.now = now }
}

// WithEntropy overrides the randomness used for lesson ids.
func WithEntropy(r io.Reader) Option {
	return func(e *Extractor) { e.entropy = r }
}

// New creates an extractor that records lessons at scope.
func New(scope models.Scope, opts ...Option) (*Extractor, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownScope, scope)
	}
	e := &Extractor{
		scope:   scope,
		now:     time.Now,
		entropy: rand.Reader,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Extract returns one lesson per matched pattern, in catalog order. All
// lessons share created_at and carry ids that are monotonic within the batch.
func (e *Extractor) Extract(run *models.RunResult) ([]models.Lesson, error) {
	if run == nil {
		return nil, nil
	}

	if bad := run.NonFinite(); len(bad) > 0 {
		log.Printf("[Extractor] Warning: run %s reported non-finite values, treating them as absent: %s",
			run.RunID, strings.Join(bad, ", "))
	}

	createdAt := e.now().UTC()
	monotonic := ulid.Monotonic(e.entropy, 0)
	ms := ulid.Timestamp(createdAt)

	var lessons []models.Lesson
	for _, p := range Catalog() {
		evidence, ok := p.Match(run)
		if !ok {
			continue
		}
		id, err := ulid.New(ms, monotonic)
		if err != nil {
			return nil, fmt.Errorf("failed to generate lesson id: %w", err)
		}
		lessons = append(lessons, models.Lesson{
			ID:        id.String(),
			CreatedAt: createdAt,
			Scope:     e.scope,
			Finding: models.Finding{
				Pattern:  p.Name,
				Evidence: evidence,
			},
			Recommendation: models.Recommendation{
				Changes:         append([]models.Change{}, p.Changes...),
				PredictedEffect: copyEffect(p.Effect),
			},
			SourceRun: run.RunID,
		})
	}

	if len(lessons) == 0 {
		log.Printf("[Extractor] Run %s matched no patterns", run.RunID)
	} else {
		log.Printf("[Extractor] Run %s matched %d pattern(s)", run.RunID, len(lessons))
	}
	return lessons, nil
}

func copyEffect(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
