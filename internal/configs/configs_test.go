package configs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jordanhubbard/lessonloop/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleConfig() *models.Configuration {
	return &models.Configuration{
		Name: "base",
		Metadata: models.ConfigMetadata{
			CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			AppliedLessons: []string{},
		},
		Params: map[string]any{
			"retrieval.top_k":         8,
			"retrieval.min_score":     0.35,
			"generation.model":        "small",
			"generation.cite_sources": false,
		},
	}
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	repo, err := NewRepository(t.TempDir())
	require.NoError(t, err)

	cfg := sampleConfig()
	path, err := repo.Save(cfg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo.Dir(), "base.yaml"), path)

	loaded, err := repo.Get("base")
	require.NoError(t, err)
	assert.True(t, loaded.IsRoot())
	assert.Equal(t, cfg.Metadata.CreatedAt, loaded.Metadata.CreatedAt.UTC())
	if diff := cmp.Diff(cfg.Params, loaded.Params); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshalIsCanonical(t *testing.T) {
	a := sampleConfig()
	b := sampleConfig()
	b.Params = map[string]any{}
	for _, k := range []string{"generation.cite_sources", "retrieval.top_k", "generation.model", "retrieval.min_score"} {
		b.Params[k] = a.Params[k]
	}

	da, err := Marshal(a)
	require.NoError(t, err)
	db, err := Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, string(da), string(db))
	assert.Contains(t, string(da), "derived_from: null")
}

func TestMarshalKeepsDerivedFrom(t *testing.T) {
	cfg := sampleConfig()
	cfg.Name = "base.c0011aabb"
	cfg.Metadata.DerivedFrom = models.StringPtr("base")
	cfg.Metadata.AppliedLessons = []string{"01A", "01B"}

	data, err := Marshal(cfg)
	require.NoError(t, err)

	back, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, "base", back.Parent())
	assert.Equal(t, []string{"01A", "01B"}, back.Metadata.AppliedLessons)
}

func TestGetMissing(t *testing.T) {
	repo, err := NewRepository(t.TempDir())
	require.NoError(t, err)

	_, err = repo.Get("nope")
	assert.ErrorIs(t, err, models.ErrConfigNotFound)
}

func TestUnmarshalRejectsNestedParams(t *testing.T) {
	_, err := Unmarshal([]byte("name: x\nparams:\n  retrieval:\n    top_k: 3\n"))
	assert.ErrorIs(t, err, models.ErrInvalidConfigKey)
}

func TestLoadFileNameFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile-a.yaml")
	require.NoError(t, os.WriteFile(path, []byte("params:\n  retrieval.top_k: 4\n"), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "profile-a", cfg.Name)
	assert.Equal(t, 4, cfg.Params["retrieval.top_k"])
	assert.NotNil(t, cfg.Metadata.AppliedLessons)
}

func TestListSortedByName(t *testing.T) {
	repo, err := NewRepository(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"zeta", "alpha", "mid"} {
		cfg := sampleConfig()
		cfg.Name = name
		_, err := repo.Save(cfg)
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(repo.Dir(), "notes.txt"), []byte("x"), 0644))

	list, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "mid", list[1].Name)
	assert.Equal(t, "zeta", list[2].Name)
}

func TestImport(t *testing.T) {
	repo, err := NewRepository(t.TempDir())
	require.NoError(t, err)

	cfg := sampleConfig()
	_, err = repo.Import(cfg)
	require.NoError(t, err)

	// Same params imports cleanly.
	_, err = repo.Import(sampleConfig())
	require.NoError(t, err)

	changed := sampleConfig()
	changed.Params["retrieval.top_k"] = 12
	_, err = repo.Import(changed)
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint(map[string]any{"k": 8, "m": "x"})
	b := Fingerprint(map[string]any{"m": "x", "k": 8.0})
	c := Fingerprint(map[string]any{"k": 9, "m": "x"})

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, Fingerprint(nil), Fingerprint(map[string]any{}))
}

func TestValidateName(t *testing.T) {
	for _, bad := range []string{"", " ", "../x", "a/b", ".hidden", ".."} {
		assert.Error(t, ValidateName(bad), bad)
	}
	assert.NoError(t, ValidateName("base.c1234abcd"))
}
