// Package resolver selects lessons for a base configuration, resolves
// conflicting recommendations and composes the candidate configuration.
package resolver

import (
	"encoding/hex"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/jordanhubbard/lessonloop/internal/configs"
	"github.com/jordanhubbard/lessonloop/internal/gate"
	"github.com/jordanhubbard/lessonloop/pkg/models"
	"golang.org/x/crypto/blake2b"
)

// DefaultWindow applies when a request's window is not positive.
const DefaultWindow = 10

// Request describes one resolution.
type Request struct {
	Base   *models.Configuration
	Scope  models.Scope
	Window int
	Mode   models.Mode
	// Now stamps the candidate; callers pass a fixed clock for reproducible output.
	Now time.Time
}

// Result is the composed candidate and its decision record. Candidate is nil
// when no lesson contributed a change.
type Result struct {
	Candidate     *models.Configuration
	Record        *DecisionRecord
	Contributions []gate.Contribution
}

type keyedChange struct {
	lesson *models.Lesson
	change models.Change
	index  int
}

// Resolve is a pure function of the request and the lesson log.
func Resolve(req Request, lessons []models.Lesson) (*Result, error) {
	if req.Base == nil {
		return nil, fmt.Errorf("base configuration is required")
	}
	if !req.Scope.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownScope, req.Scope)
	}
	window := req.Window
	if window <= 0 {
		window = DefaultWindow
	}

	rec := newRecord(req, window)

	// Eligibility by scope hierarchy.
	var eligible []*models.Lesson
	for i := range lessons {
		l := &lessons[i]
		if err := l.Validate(); err != nil {
			rec.warn(fmt.Sprintf("ignoring malformed lesson: %v", err))
			continue
		}
		if req.Scope.Covers(l.Scope) {
			eligible = append(eligible, l)
			rec.Considered = append(rec.Considered, refOf(l))
		}
	}

	// Current view: latest lesson per scope+pattern.
	current := make(map[string]*models.Lesson)
	for _, l := range eligible {
		key := l.SupersedeKey()
		if prev, ok := current[key]; !ok || l.Newer(prev) {
			current[key] = l
		}
	}
	var view []*models.Lesson
	for _, l := range eligible {
		winner := current[l.SupersedeKey()]
		if winner == l {
			view = append(view, l)
			continue
		}
		rec.Superseded = append(rec.Superseded, Superseded{LessonID: l.ID, Pattern: l.Finding.Pattern, Scope: l.Scope, SupersededBy: winner.ID})
	}

	sort.SliceStable(view, func(i, j int) bool { return view[i].Newer(view[j]) })
	if len(view) > window {
		for _, l := range view[window:] {
			rec.OutsideWindow = append(rec.OutsideWindow, l.ID)
		}
		view = view[:window]
	}
	for _, l := range view {
		rec.Selected = append(rec.Selected, refOf(l))
	}

	// Conflict resolution per key.
	byKey := make(map[string][]keyedChange)
	var keys []string
	for _, l := range view {
		if len(l.Recommendation.Changes) == 0 {
			rec.Informational = append(rec.Informational, l.ID)
			continue
		}
		for i, c := range l.Recommendation.Changes {
			if _, ok := byKey[c.Key]; !ok {
				keys = append(keys, c.Key)
			}
			byKey[c.Key] = append(byKey[c.Key], keyedChange{lesson: l, change: c, index: i})
		}
	}
	sort.Strings(keys)

	winners := make(map[*models.Lesson][]keyedChange)
	for _, key := range keys {
		entries := byKey[key]
		win := entries[0].lesson
		for _, e := range entries[1:] {
			if outranks(e.lesson, win) {
				win = e.lesson
			}
		}
		for _, e := range entries {
			if e.lesson == win {
				winners[win] = append(winners[win], e)
				continue
			}
			rec.Dropped = append(rec.Dropped, Dropped{
				LessonID: e.lesson.ID,
				Key:      key,
				Op:       e.change.Op,
				Value:    e.change.Value,
				WinnerID: win.ID,
				Reason:   dropReason(win, e.lesson),
			})
			log.Printf("[Resolver] Conflict on %s: lesson %s wins over %s", key, win.ID, e.lesson.ID)
		}
	}

	// Merge oldest first so the record reads in chronological order; each
	// key has a single winning lesson, so the order never changes values.
	var merged []*models.Lesson
	for i := len(view) - 1; i >= 0; i-- {
		if _, ok := winners[view[i]]; ok {
			merged = append(merged, view[i])
		}
	}

	params := cloneParams(req.Base.Params)
	var mergedIDs []string
	for _, l := range merged {
		changes := winners[l]
		sort.SliceStable(changes, func(i, j int) bool { return changes[i].index < changes[j].index })
		applied := 0
		for _, kc := range changes {
			step, err := applyChange(params, kc.change)
			if err != nil {
				rec.warn(fmt.Sprintf("lesson %s: skipped %s %s: %v", l.ID, kc.change.Op, kc.change.Key, err))
				continue
			}
			step.LessonID = l.ID
			rec.Changes = append(rec.Changes, step)
			applied++
		}
		if applied == 0 {
			continue
		}
		mergedIDs = append(mergedIDs, l.ID)
	}
	rec.Merged = mergedIDs
	if rec.Merged == nil {
		rec.Merged = []string{}
	}

	res := &Result{Record: rec}
	mergedSet := make(map[string]bool, len(mergedIDs))
	for _, id := range mergedIDs {
		mergedSet[id] = true
	}
	for _, l := range merged {
		if !mergedSet[l.ID] {
			continue
		}
		metrics := make([]string, 0, len(l.Recommendation.PredictedEffect))
		for m := range l.Recommendation.PredictedEffect {
			metrics = append(metrics, m)
		}
		sort.Strings(metrics)
		for _, m := range metrics {
			res.Contributions = append(res.Contributions, gate.Contribution{
				LessonID: l.ID, Metric: m, Effect: l.Recommendation.PredictedEffect[m],
			})
		}
	}

	if len(mergedIDs) == 0 {
		log.Printf("[Resolver] No lessons merged for %s at scope %s", req.Base.Name, req.Scope)
		return res, nil
	}

	cand := &models.Configuration{
		Name: CandidateName(req.Base.Name, mergedIDs),
		Metadata: models.ConfigMetadata{
			DerivedFrom:    models.StringPtr(req.Base.Name),
			CreatedAt:      req.Now.UTC(),
			AppliedLessons: append([]string{}, mergedIDs...),
			Fingerprint:    configs.Fingerprint(params),
		},
		Params: params,
	}
	res.Candidate = cand
	rec.Candidate = cand.Name
	log.Printf("[Resolver] Composed %s from %s with %d lesson(s)", cand.Name, req.Base.Name, len(mergedIDs))
	return res, nil
}

// outranks reports whether a beats b for a contested key: the narrower
// scope first, then recency, then the greater id.
func outranks(a, b *models.Lesson) bool {
	if a.Scope.Specificity() != b.Scope.Specificity() {
		return a.Scope.Specificity() > b.Scope.Specificity()
	}
	return a.Newer(b)
}

func dropReason(winner, loser *models.Lesson) string {
	switch {
	case winner.Scope.Specificity() > loser.Scope.Specificity():
		return fmt.Sprintf("narrower scope (%s over %s)", winner.Scope, loser.Scope)
	case !winner.CreatedAt.Equal(loser.CreatedAt):
		return "more recent lesson"
	default:
		return "tie broken by lesson id"
	}
}

// CandidateName derives a stable name from the base and the merged lesson ids.
func CandidateName(base string, lessonIDs []string) string {
	sum := blake2b.Sum256([]byte(strings.Join(lessonIDs, "\n")))
	return fmt.Sprintf("%s.c%s", base, hex.EncodeToString(sum[:4]))
}

func cloneParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// applyChange mutates params and returns the before/after record.
func applyChange(params map[string]any, c models.Change) (AppliedChange, error) {
	before, had := params[c.Key]
	step := AppliedChange{Key: c.Key, Op: c.Op, Value: c.Value}
	if had {
		step.Before = before
	}

	switch c.Op {
	case models.OpSet:
		params[c.Key] = c.Value
	case models.OpAdd:
		base := before
		if !had {
			base = 0
		}
		sum, err := models.AddNumeric(base, c.Value)
		if err != nil {
			return step, fmt.Errorf("%w (current %v, delta %v)", err, base, c.Value)
		}
		params[c.Key] = sum
	case models.OpRemove:
		if !had {
			step.Noop = true
		}
		delete(params, c.Key)
	default:
		return step, fmt.Errorf("unknown op %q", c.Op)
	}

	if after, ok := params[c.Key]; ok {
		step.After = after
	}
	return step, nil
}
