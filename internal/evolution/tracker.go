package evolution

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/jordanhubbard/lessonloop/internal/configs"
	"github.com/jordanhubbard/lessonloop/internal/files"
)

const (
	graphJSONFile    = "graph.json"
	graphMermaidFile = "graph.mmd"
)

// Artifacts are the files written by Tracker.Refresh.
type Artifacts struct {
	GraphJSON string
	Diagram   string
	Graph     *Graph
}

// Tracker rebuilds the lineage graph from the configuration repository.
type Tracker struct {
	repo *configs.Repository
	ws   *files.Workspace
}

// NewTracker binds a tracker to a repository and the workspace holding
// the evolution directory.
func NewTracker(repo *configs.Repository, ws *files.Workspace) *Tracker {
	return &Tracker{repo: repo, ws: ws}
}

// Load reads every configuration and builds the graph.
func (t *Tracker) Load(ctx context.Context) (*Graph, error) {
	cfgs, err := t.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list configurations: %w", err)
	}
	g, err := Build(cfgs)
	if err != nil {
		return nil, err
	}
	for _, name := range g.Dangling {
		log.Printf("[Evolution] Warning: parent %s is referenced but missing", name)
	}
	return g, nil
}

// Refresh rebuilds the graph and rewrites graph.json and graph.mmd.
func (t *Tracker) Refresh(ctx context.Context) (*Artifacts, error) {
	g, err := t.Load(ctx)
	if err != nil {
		return nil, err
	}
	data, err := g.JSON()
	if err != nil {
		return nil, err
	}
	jsonPath, err := t.ws.WriteFile(filepath.Join(files.EvolutionDir, graphJSONFile), data)
	if err != nil {
		return nil, fmt.Errorf("failed to write evolution graph: %w", err)
	}
	mmdPath, err := t.ws.WriteFile(filepath.Join(files.EvolutionDir, graphMermaidFile), []byte(g.Mermaid()))
	if err != nil {
		return nil, fmt.Errorf("failed to write evolution diagram: %w", err)
	}
	log.Printf("[Evolution] Graph refreshed: %d node(s), %d edge(s)", len(g.Nodes), len(g.Edges))
	return &Artifacts{GraphJSON: jsonPath, Diagram: mmdPath, Graph: g}, nil
}
