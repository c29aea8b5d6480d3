package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ravi-parthasarathy/flowpress/pkg/pipeline"
)

// ─── lint ─────────────────────────────────────────────────────────────────────

func lintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lint <pipeline>...",
		Short: "Validate pipeline definitions without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				def, err := pipeline.LoadFile(path)
				if err == nil {
					err = pipeline.ValidateErr(def)
				}
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "FAIL: %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "OK: pipeline %q is valid (%d nodes, %d edges)\n",
					def.ID, len(def.Nodes), len(def.Edges))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d definitions invalid", failed, len(args))
			}
			return nil
		},
	}
}

// ─── graph ────────────────────────────────────────────────────────────────────

func graphCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "graph <pipeline>",
		Short: "Print a pipeline as a text summary, DOT or JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := pipeline.LoadFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch strings.ToLower(format) {
			case "text", "":
				fmt.Fprint(out, renderText(def))
			case "dot":
				dot, err := pipeline.RenderDOT(def)
				if err != nil {
					return err
				}
				fmt.Fprint(out, dot)
			case "json":
				b, err := pipeline.EncodeJSON(def)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(b))
			default:
				return fmt.Errorf("unknown format %q: use text, dot or json", format)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "output format: text, dot or json")
	return cmd
}

// walkOrder returns node IDs in BFS order from the entry node; unreachable
// nodes are appended in sorted order at the end.
func walkOrder(def *pipeline.Definition) []string {
	visited := map[string]bool{}
	var order []string
	if _, ok := def.Node(def.EntryNodeID); ok {
		queue := []string{def.EntryNodeID}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if _, ok := def.Node(cur); !ok || visited[cur] {
				continue
			}
			visited[cur] = true
			order = append(order, cur)
			for _, next := range nextNodes(def, cur) {
				if !visited[next] {
					queue = append(queue, next)
				}
			}
		}
	}

	var rest []string
	for _, n := range def.Nodes {
		if !visited[n.ID] {
			rest = append(rest, n.ID)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

// nextNodes follows edges plus the implicit links of condition branches and
// parallel children.
func nextNodes(def *pipeline.Definition, id string) []string {
	var out []string
	if n, ok := def.Node(id); ok {
		switch cfg := n.Config.(type) {
		case *pipeline.ConditionConfig:
			out = append(out, cfg.TrueBranch, cfg.FalseBranch)
		case *pipeline.ParallelConfig:
			out = append(out, cfg.NodeIDs...)
		}
	}
	for _, e := range def.OutgoingEdges(id) {
		out = append(out, e.To)
	}
	return out
}

// truncate shortens s to maxLen runes, appending "…" if needed.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}

func describe(n *pipeline.Node) string {
	var parts []string
	switch cfg := n.Config.(type) {
	case *pipeline.ToolConfig:
		parts = append(parts, "tool="+cfg.ToolName)
		if cfg.OutputKey != "" {
			parts = append(parts, "out="+cfg.OutputKey)
		}
	case *pipeline.ConditionConfig:
		parts = append(parts, "if "+truncate(cfg.Expression, 40))
		if cfg.TrueBranch != "" {
			parts = append(parts, "then="+cfg.TrueBranch)
		}
		if cfg.FalseBranch != "" {
			parts = append(parts, "else="+cfg.FalseBranch)
		}
	case *pipeline.ParallelConfig:
		wait := string(cfg.WaitFor)
		if wait == "" {
			wait = string(pipeline.WaitAll)
		}
		parts = append(parts, "children="+strings.Join(cfg.NodeIDs, ","), "wait="+wait)
	case *pipeline.ApprovalConfig:
		parts = append(parts, "prompt="+truncate(cfg.Prompt, 40))
		if cfg.TimeoutMs > 0 {
			parts = append(parts, fmt.Sprintf("timeout=%dms default=%s", cfg.TimeoutMs, cfg.DefaultAction))
		}
	case *pipeline.TransformConfig:
		parts = append(parts, truncate(cfg.Expression, 40))
		if cfg.OutputKey != "" {
			parts = append(parts, "out="+cfg.OutputKey)
		}
	case *pipeline.DelayConfig:
		parts = append(parts, fmt.Sprintf("%dms", cfg.DelayMs))
	case *pipeline.SubflowConfig:
		parts = append(parts, "pipeline="+cfg.PipelineID)
	}
	if n.Retry != nil {
		parts = append(parts, fmt.Sprintf("retry=%dx", n.Retry.MaxAttempts))
	}
	if n.TimeoutMs > 0 {
		parts = append(parts, fmt.Sprintf("node-timeout=%dms", n.TimeoutMs))
	}
	return strings.Join(parts, " ")
}

// renderText produces the human-readable text summary.
func renderText(def *pipeline.Definition) string {
	var sb strings.Builder

	name := def.Name
	if name == "" {
		name = def.ID
	}
	fmt.Fprintf(&sb, "Pipeline: %s  (%d nodes, %d edges, entry %s)\n", name, len(def.Nodes), len(def.Edges), def.EntryNodeID)

	maxIDLen := 4
	for _, n := range def.Nodes {
		maxIDLen = max(maxIDLen, len(n.ID))
	}

	fmt.Fprintf(&sb, "\nNodes:\n")
	for _, id := range walkOrder(def) {
		n, _ := def.Node(id)
		fmt.Fprintf(&sb, "  %-*s  %-10s  %s\n", maxIDLen, id, string(n.Type), describe(n))
	}

	fmt.Fprintf(&sb, "\nEdges:\n")
	maxFromLen := 4
	for _, e := range def.Edges {
		maxFromLen = max(maxFromLen, len(e.From))
	}
	for _, e := range def.Edges {
		fmt.Fprintf(&sb, "  %-*s  →  %s\n", maxFromLen, e.From, e.To)
	}
	return sb.String()
}
