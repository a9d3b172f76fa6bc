package lessonstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jordanhubbard/lessonloop/pkg/config"
	"github.com/jordanhubbard/lessonloop/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func lesson(id string, scope models.Scope, pattern string, at time.Time) models.Lesson {
	return models.Lesson{
		ID:        id,
		CreatedAt: at,
		Scope:     scope,
		Finding:   models.Finding{Pattern: pattern, Evidence: map[string]float64{"recall": 0.4}},
		Recommendation: models.Recommendation{
			Changes:         []models.Change{{Key: "retrieval.top_k", Op: models.OpAdd, Value: 4}},
			PredictedEffect: map[string]string{"recall": "+0.03~+0.06"},
		},
	}
}

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(filepath.Join(t.TempDir(), "lessons", "lessons.jsonl"))
	require.NoError(t, err)
	return s
}

func ids(lessons []models.Lesson) []string {
	out := make([]string, 0, len(lessons))
	for _, l := range lessons {
		out = append(out, l.ID)
	}
	return out
}

func TestFileStoreAppendAndRead(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	require.NoError(t, s.Append(ctx, []models.Lesson{
		lesson("A", models.ScopeDataset, "p1", t0),
		lesson("B", models.ScopeGlobal, "p2", t0),
	}))
	require.NoError(t, s.Append(ctx, []models.Lesson{lesson("C", models.ScopeProfile, "p1", t0.Add(time.Hour))}))

	got, err := s.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, ids(got))
	assert.NotEmpty(t, got[0].Batch)
	assert.Equal(t, got[0].Batch, got[1].Batch)
	assert.NotEqual(t, got[0].Batch, got[2].Batch)
	assert.Equal(t, t0, got[0].CreatedAt)
	assert.Equal(t, "+0.03~+0.06", got[0].Recommendation.PredictedEffect["recall"])
}

func TestFileStoreEmptyBatchIsNoop(t *testing.T) {
	s := newFileStore(t)
	require.NoError(t, s.Append(context.Background(), nil))

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestFileStoreRejectsInvalidLesson(t *testing.T) {
	s := newFileStore(t)
	bad := lesson("", models.ScopeDataset, "p1", t0)
	assert.Error(t, s.Append(context.Background(), []models.Lesson{bad}))

	got, err := s.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

// A crash mid-append leaves a partial line. The next append must isolate it
// and readers must skip it without losing the batches around it.
func TestFileStoreSurvivesTornWrite(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	require.NoError(t, s.Append(ctx, []models.Lesson{lesson("A", models.ScopeDataset, "p1", t0)}))

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	tornOffset := info.Size()

	f, err := os.OpenFile(s.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"batch":"dead","created_at":"2026-04-01T09:00:00Z","checksum":"00","lessons":[{"id":"X"`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	res, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids(res.Lessons()))
	require.Len(t, res.Corrupt, 1)
	assert.Equal(t, tornOffset, res.Corrupt[0].Offset)
	assert.Contains(t, res.Corrupt[0].Reason, "torn")

	require.NoError(t, s.Append(ctx, []models.Lesson{lesson("B", models.ScopeDataset, "p2", t0)}))

	got, err := s.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, ids(got))
}

func TestFileStoreDetectsChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	require.NoError(t, s.Append(ctx, []models.Lesson{lesson("A", models.ScopeDataset, "p1", t0)}))
	require.NoError(t, s.Append(ctx, []models.Lesson{lesson("B", models.ScopeDataset, "p2", t0)}))

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"pattern":"p1"`, `"pattern":"px"`, 1)
	require.NoError(t, os.WriteFile(s.Path(), []byte(tampered), 0644))

	res, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, ids(res.Lessons()))
	require.Len(t, res.Corrupt, 1)
	assert.Zero(t, res.Corrupt[0].Offset)
	assert.Contains(t, res.Corrupt[0].Reason, "checksum")

	var corrupt *CorruptRecordError
	assert.True(t, errors.As(error(res.Corrupt[0]), &corrupt))
}

func TestFileStoreKeepsLargeIntegersAndOddStrings(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	l := lesson("A", models.ScopeDataset, "p1", t0)
	l.Recommendation.Changes = []models.Change{
		{Key: "sampling.seed", Op: models.OpSet, Value: int64(9007199254740993)},
		{Key: "prompt.suffix", Op: models.OpSet, Value: "bad\xff<tail>"},
	}
	require.NoError(t, s.Append(ctx, []models.Lesson{l}))

	res, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Corrupt)
	require.Len(t, res.Lessons(), 1)
	changes := res.Lessons()[0].Recommendation.Changes
	assert.Equal(t, 9007199254740993, changes[0].Value)
	assert.Equal(t, "bad\ufffd<tail>", changes[1].Value)

	compacted, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Empty(t, compacted.Corrupt)
	after, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, after.Corrupt)
	assert.Len(t, after.Lessons(), 1)
}

func TestFileStoreCompact(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	require.NoError(t, s.Append(ctx, []models.Lesson{lesson("A", models.ScopeDataset, "p1", t0)}))

	f, err := os.OpenFile(s.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, s.Append(ctx, []models.Lesson{lesson("B", models.ScopeDataset, "p2", t0)}))

	res, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Corrupt, 1)

	after, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, after.Corrupt)
	assert.Equal(t, []string{"A", "B"}, ids(after.Lessons()))
	assert.Equal(t, res.Envelopes[0].Batch, after.Envelopes[0].Batch)
}

func TestFileStoreConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)

	const writers = 8
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			batch := []models.Lesson{
				lesson(fmt.Sprintf("W%d-1", w), models.ScopeDataset, "p1", t0),
				lesson(fmt.Sprintf("W%d-2", w), models.ScopeDataset, "p2", t0),
			}
			assert.NoError(t, s.Append(ctx, batch))
		}(w)
	}
	wg.Wait()

	res, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Corrupt)
	require.Len(t, res.Envelopes, writers)
	for _, env := range res.Envelopes {
		require.Len(t, env.Lessons, 2)
		assert.Equal(t, strings.TrimSuffix(env.Lessons[0].ID, "-1"), strings.TrimSuffix(env.Lessons[1].ID, "-2"))
	}
}

func TestFilter(t *testing.T) {
	all := []models.Lesson{
		lesson("A", models.ScopeGlobal, "p", t0),
		lesson("B", models.ScopeDataset, "p", t0.Add(time.Minute)),
		lesson("C", models.ScopeProfile, "p", t0.Add(2*time.Minute)),
		lesson("D", models.ScopeDataset, "p", t0.Add(2*time.Minute)),
	}

	assert.Equal(t, []string{"D", "C", "B", "A"}, ids(Filter(all, models.ScopeProfile, 0)))
	assert.Equal(t, []string{"D", "B", "A"}, ids(Filter(all, models.ScopeDataset, 0)))
	assert.Equal(t, []string{"A"}, ids(Filter(all, models.ScopeGlobal, 0)))
	assert.Equal(t, []string{"D", "C"}, ids(Filter(all, models.ScopeProfile, 2)))
}

func TestOpenFileBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workspace = t.TempDir()

	store, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer store.Close()

	fs, ok := store.(*FileStore)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(cfg.Workspace, "lessons", "lessons.jsonl"), fs.Path())
}

func TestOpenSQLiteBackend(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.Workspace = t.TempDir()
	cfg.Store.Backend = config.BackendSQLite

	store, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(ctx, []models.Lesson{lesson("A", models.ScopeDataset, "p1", t0)}))
	got, err := store.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids(got))
}

func TestRecentMatchesFilterAcrossBackends(t *testing.T) {
	ctx := context.Background()
	batch := []models.Lesson{
		lesson("A", models.ScopeGlobal, "p1", t0),
		lesson("B", models.ScopeDataset, "p2", t0.Add(time.Minute)),
		lesson("C", models.ScopeProfile, "p3", t0.Add(2*time.Minute)),
		lesson("D", models.ScopeDataset, "p4", t0.Add(2*time.Minute)),
	}

	for _, backend := range []string{config.BackendFile, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Workspace = t.TempDir()
			cfg.Store.Backend = backend

			store, err := Open(ctx, cfg)
			require.NoError(t, err)
			defer store.Close()
			require.NoError(t, store.Append(ctx, batch))

			_, isQuerier := store.(Querier)
			assert.Equal(t, backend == config.BackendSQLite, isQuerier)

			got, err := Recent(ctx, store, models.ScopeDataset, 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"D", "B", "A"}, ids(got))

			got, err = Recent(ctx, store, models.ScopeProfile, 2)
			require.NoError(t, err)
			assert.Equal(t, []string{"D", "C"}, ids(got))

			got, err = Recent(ctx, store, models.ScopeGlobal, 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"A"}, ids(got))
		})
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Backend = "etcd"
	_, err := Open(context.Background(), cfg)
	assert.Error(t, err)
}
