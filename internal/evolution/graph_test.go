package evolution

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jordanhubbard/lessonloop/internal/configs"
	"github.com/jordanhubbard/lessonloop/internal/files"
	"github.com/jordanhubbard/lessonloop/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)

func cfg(name, parent string, lessons ...string) *models.Configuration {
	c := &models.Configuration{
		Name:     name,
		Metadata: models.ConfigMetadata{CreatedAt: t0, AppliedLessons: lessons},
		Params:   map[string]any{"retrieval.top_k": 8},
	}
	if parent != "" {
		c.Metadata.DerivedFrom = models.StringPtr(parent)
	}
	return c
}

func TestBuildLineage(t *testing.T) {
	g, err := Build([]*models.Configuration{
		cfg("base.c2", "base.c1", "L2"),
		cfg("base", ""),
		cfg("base.c1", "base", "L1"),
		cfg("other", ""),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"base", "other"}, g.Roots)
	assert.Empty(t, g.Dangling)
	want := []Edge{{From: "base", To: "base.c1"}, {From: "base.c1", To: "base.c2"}}
	if diff := cmp.Diff(want, g.Edges); diff != "" {
		t.Errorf("edges mismatch (-want +got):\n%s", diff)
	}

	n, ok := g.Node("base.c2")
	require.True(t, ok)
	assert.Equal(t, 2, n.Depth)

	chain, err := g.Lineage("base.c2")
	require.NoError(t, err)
	assert.Equal(t, []string{"base.c2", "base.c1", "base"}, chain)

	_, err = g.Lineage("nope")
	assert.True(t, errors.Is(err, models.ErrConfigNotFound))
}

func TestBuildFlagsMissingParent(t *testing.T) {
	g, err := Build([]*models.Configuration{cfg("orphan", "gone", "L9")})
	require.NoError(t, err)

	assert.Equal(t, []string{"gone"}, g.Dangling)
	assert.Equal(t, []string{"gone"}, g.Roots)
	n, ok := g.Node("gone")
	require.True(t, ok)
	assert.True(t, n.Missing)
	assert.Equal(t, []string{"orphan"}, n.Children)

	assert.Contains(t, g.Mermaid(), "class n0 missing")
	assert.Contains(t, g.Tree(), "gone (missing)")
}

func TestBuildDetectsCycle(t *testing.T) {
	_, err := Build([]*models.Configuration{
		cfg("a", "c"),
		cfg("b", "a"),
		cfg("c", "b"),
	})
	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "c", "b", "a"}, cycle.Chain)
	assert.Contains(t, err.Error(), "a -> c -> b -> a")
}

func TestBuildDetectsSelfLoop(t *testing.T) {
	_, err := Build([]*models.Configuration{cfg("a", "a")})
	var cycle *CycleError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []string{"a", "a"}, cycle.Chain)
}

func TestBuildRejectsDuplicateNames(t *testing.T) {
	_, err := Build([]*models.Configuration{cfg("a", ""), cfg("a", "")})
	require.Error(t, err)
}

func TestRenderings(t *testing.T) {
	g, err := Build([]*models.Configuration{
		cfg("base", ""),
		cfg("base.c1", "base", "L1", "L2"),
	})
	require.NoError(t, err)

	mmd := g.Mermaid()
	assert.Contains(t, mmd, "flowchart TD\n")
	assert.Contains(t, mmd, `n0["base"]`)
	assert.Contains(t, mmd, `n1["base.c1<br/>2 lesson(s)"]`)
	assert.Contains(t, mmd, "n0 --> n1")

	tree := g.Tree()
	assert.Contains(t, tree, "base")
	assert.Contains(t, tree, "base.c1 [L1, L2]")

	data, err := g.JSON()
	require.NoError(t, err)
	var decoded struct {
		Nodes []Node   `json:"nodes"`
		Roots []string `json:"roots"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Nodes, 2)
	assert.Nil(t, decoded.Nodes[0].DerivedFrom)
	assert.Equal(t, "base", *decoded.Nodes[1].DerivedFrom)
	assert.Equal(t, []string{"base"}, decoded.Roots)
}

func TestTrackerRefreshWritesArtifacts(t *testing.T) {
	ws, err := files.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	repo, err := configs.NewRepository(ws.MustPath(files.ConfigsDir))
	require.NoError(t, err)
	_, err = repo.Save(cfg("base", ""))
	require.NoError(t, err)
	_, err = repo.Save(cfg("base.c1", "base", "L1"))
	require.NoError(t, err)

	art, err := NewTracker(repo, ws).Refresh(context.Background())
	require.NoError(t, err)
	assert.Len(t, art.Graph.Nodes, 2)

	data, err := os.ReadFile(art.GraphJSON)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"base.c1"`)

	mmd, err := os.ReadFile(art.Diagram)
	require.NoError(t, err)
	assert.Contains(t, string(mmd), "n0 --> n1")
}
