// Package evolution builds the lineage graph of configurations from their
// derived_from links and renders it for machines and people.
package evolution

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/list"
	"github.com/jordanhubbard/lessonloop/pkg/models"
)

// CycleError reports a derived_from loop. Chain starts and ends with the
// same configuration.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("lineage cycle detected: %s", strings.Join(e.Chain, " -> "))
}

// Node is one configuration in the graph. Missing marks a parent that is
// referenced but not present.
type Node struct {
	Name           string    `json:"name"`
	DerivedFrom    *string   `json:"derived_from"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	AppliedLessons []string  `json:"applied_lessons"`
	Fingerprint    string    `json:"fingerprint,omitempty"`
	Children       []string  `json:"children"`
	Depth          int       `json:"depth"`
	Missing        bool      `json:"missing,omitempty"`
}

// Edge points from parent to child.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Graph is the lineage of every known configuration.
type Graph struct {
	Nodes    []*Node  `json:"nodes"`
	Edges    []Edge   `json:"edges"`
	Roots    []string `json:"roots"`
	Dangling []string `json:"dangling"`

	index map[string]*Node
}

// Build assembles the graph. Duplicate names are rejected; a cycle yields
// *CycleError; a parent that does not exist becomes a missing node.
func Build(cfgs []*models.Configuration) (*Graph, error) {
	g := &Graph{
		Nodes:    []*Node{},
		Edges:    []Edge{},
		Roots:    []string{},
		Dangling: []string{},
		index:    make(map[string]*Node),
	}

	for _, c := range cfgs {
		if _, dup := g.index[c.Name]; dup {
			return nil, fmt.Errorf("duplicate configuration name %q", c.Name)
		}
		n := &Node{
			Name:           c.Name,
			CreatedAt:      c.Metadata.CreatedAt,
			AppliedLessons: append([]string{}, c.Metadata.AppliedLessons...),
			Fingerprint:    c.Metadata.Fingerprint,
			Children:       []string{},
		}
		if !c.IsRoot() {
			n.DerivedFrom = models.StringPtr(c.Parent())
		}
		g.index[c.Name] = n
		g.Nodes = append(g.Nodes, n)
	}

	for _, n := range append([]*Node(nil), g.Nodes...) {
		if n.DerivedFrom == nil {
			continue
		}
		parentName := *n.DerivedFrom
		parent, ok := g.index[parentName]
		if !ok {
			parent = &Node{Name: parentName, Missing: true, Children: []string{}, AppliedLessons: []string{}}
			g.index[parentName] = parent
			g.Nodes = append(g.Nodes, parent)
			g.Dangling = append(g.Dangling, parentName)
		}
		parent.Children = append(parent.Children, n.Name)
		g.Edges = append(g.Edges, Edge{From: parentName, To: n.Name})
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	sort.Slice(g.Nodes, func(i, j int) bool { return g.Nodes[i].Name < g.Nodes[j].Name })
	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i].From != g.Edges[j].From {
			return g.Edges[i].From < g.Edges[j].From
		}
		return g.Edges[i].To < g.Edges[j].To
	})
	sort.Strings(g.Dangling)
	for _, n := range g.Nodes {
		sort.Strings(n.Children)
		if n.DerivedFrom == nil {
			g.Roots = append(g.Roots, n.Name)
		}
	}
	for _, r := range g.Roots {
		g.setDepth(r, 0)
	}
	return g, nil
}

// checkAcyclic walks parent links with a visited set and an on-path set.
func (g *Graph) checkAcyclic() error {
	visited := make(map[string]bool)

	names := make([]string, 0, len(g.index))
	for name := range g.index {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, start := range names {
		if visited[start] {
			continue
		}
		onPath := make(map[string]int)
		var path []string
		cur := start
		for {
			if i, ok := onPath[cur]; ok {
				chain := append(append([]string{}, path[i:]...), cur)
				return &CycleError{Chain: chain}
			}
			if visited[cur] {
				break
			}
			onPath[cur] = len(path)
			path = append(path, cur)
			n := g.index[cur]
			if n == nil || n.DerivedFrom == nil {
				break
			}
			cur = *n.DerivedFrom
		}
		for _, p := range path {
			visited[p] = true
		}
	}
	return nil
}

func (g *Graph) setDepth(name string, depth int) {
	n := g.index[name]
	n.Depth = depth
	for _, c := range n.Children {
		g.setDepth(c, depth+1)
	}
}

// Node looks up a node by name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.index[name]
	return n, ok
}

// Lineage returns the chain from name back to its root, name first.
func (g *Graph) Lineage(name string) ([]string, error) {
	n, ok := g.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrConfigNotFound, name)
	}
	chain := []string{n.Name}
	for n.DerivedFrom != nil {
		n = g.index[*n.DerivedFrom]
		chain = append(chain, n.Name)
	}
	return chain, nil
}

// JSON renders the graph structure.
func (g *Graph) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode evolution graph: %w", err)
	}
	return append(data, '\n'), nil
}

// Mermaid renders the graph as a flowchart. Node ids are positional because
// configuration names may contain characters Mermaid does not accept.
func (g *Graph) Mermaid() string {
	ids := make(map[string]string, len(g.Nodes))
	var b strings.Builder
	b.WriteString("flowchart TD\n")
	for i, n := range g.Nodes {
		id := fmt.Sprintf("n%d", i)
		ids[n.Name] = id
		label := n.Name
		if k := len(n.AppliedLessons); k > 0 {
			label = fmt.Sprintf("%s<br/>%d lesson(s)", n.Name, k)
		}
		fmt.Fprintf(&b, "  %s[\"%s\"]\n", id, strings.ReplaceAll(label, `"`, "'"))
	}
	for _, e := range g.Edges {
		fmt.Fprintf(&b, "  %s --> %s\n", ids[e.From], ids[e.To])
	}
	if len(g.Dangling) > 0 {
		b.WriteString("  classDef missing stroke-dasharray: 5 5\n")
		for _, name := range g.Dangling {
			fmt.Fprintf(&b, "  class %s missing\n", ids[name])
		}
	}
	return b.String()
}

// Tree renders an indented lineage listing.
func (g *Graph) Tree() string {
	l := list.NewWriter()
	l.SetStyle(list.StyleConnectedLight)
	var walk func(name string)
	walk = func(name string) {
		n := g.index[name]
		item := n.Name
		switch {
		case n.Missing:
			item += " (missing)"
		case len(n.AppliedLessons) > 0:
			item += fmt.Sprintf(" [%s]", strings.Join(n.AppliedLessons, ", "))
		}
		l.AppendItem(item)
		if len(n.Children) == 0 {
			return
		}
		l.Indent()
		for _, c := range n.Children {
			walk(c)
		}
		l.UnIndent()
	}
	for _, r := range g.Roots {
		walk(r)
	}
	return l.Render()
}
