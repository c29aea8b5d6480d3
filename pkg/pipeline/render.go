package pipeline

import (
	"fmt"
	"strconv"

	gographviz "github.com/awalterschulze/gographviz"
)

// nodeShapes maps node types to Graphviz shapes for visual output.
var nodeShapes = map[NodeType]string{
	NodeTypeTool:      "box",
	NodeTypeCondition: "diamond",
	NodeTypeParallel:  "parallelogram",
	NodeTypeApproval:  "house",
	NodeTypeTransform: "ellipse",
	NodeTypeDelay:     "circle",
	NodeTypeSubflow:   "box3d",
}

// RenderDOT produces a visual Graphviz digraph of a definition. Condition
// branches and parallel children that are not also edges are drawn dashed.
// The output is meant for viewing; ParseDOT's attribute dialect is not emitted.
func RenderDOT(def *Definition) (string, error) {
	g := gographviz.NewGraph()
	name := dotID(def.ID)
	if def.ID == "" {
		name = "pipeline"
	}
	if err := g.SetName(name); err != nil {
		return "", err
	}
	if err := g.SetDir(true); err != nil {
		return "", err
	}
	if err := g.AddAttr(name, "rankdir", "LR"); err != nil {
		return "", err
	}
	if def.Name != "" {
		if err := g.AddAttr(name, "label", strconv.Quote(def.Name)); err != nil {
			return "", err
		}
	}

	for _, n := range def.Nodes {
		attrs := map[string]string{
			"label": strconv.Quote(fmt.Sprintf("%s\n(%s)", n.Label(), n.Type)),
		}
		if shape, ok := nodeShapes[n.Type]; ok {
			attrs["shape"] = shape
		}
		if n.ID == def.EntryNodeID {
			attrs["style"] = "bold"
		}
		if err := g.AddNode(name, dotID(n.ID), attrs); err != nil {
			return "", fmt.Errorf("node %q: %w", n.ID, err)
		}
	}

	drawn := make(map[[2]string]bool)
	for _, e := range def.Edges {
		drawn[[2]string{e.From, e.To}] = true
		if err := g.AddEdge(dotID(e.From), dotID(e.To), true, nil); err != nil {
			return "", fmt.Errorf("edge %s→%s: %w", e.From, e.To, err)
		}
	}

	addPointer := func(from, to, label string) error {
		if to == "" || drawn[[2]string{from, to}] {
			return nil
		}
		drawn[[2]string{from, to}] = true
		return g.AddEdge(dotID(from), dotID(to), true, map[string]string{
			"style": "dashed",
			"label": strconv.Quote(label),
		})
	}
	for _, n := range def.Nodes {
		switch cfg := n.Config.(type) {
		case *ConditionConfig:
			if err := addPointer(n.ID, cfg.TrueBranch, "true"); err != nil {
				return "", err
			}
			if err := addPointer(n.ID, cfg.FalseBranch, "false"); err != nil {
				return "", err
			}
		case *ParallelConfig:
			for _, child := range cfg.NodeIDs {
				if err := addPointer(n.ID, child, "parallel"); err != nil {
					return "", err
				}
			}
		}
	}
	return g.String(), nil
}

// dotID quotes s unless it is a plain DOT identifier.
func dotID(s string) string {
	if s == "" {
		return `""`
	}
	for i, r := range s {
		plain := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9')
		if !plain {
			return strconv.Quote(s)
		}
	}
	return s
}
