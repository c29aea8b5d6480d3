package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	gographviz "github.com/awalterschulze/gographviz"
	json "github.com/goccy/go-json"
)

// ParseDOT parses a Graphviz DOT string into a Definition.
//
// Graph attributes: id, label, version, entry, description.
// Node attributes: type, label, retry_max, retry_delay_ms, timeout_ms, plus
// per-type keys:
//
//	tool       tool, params (JSON object), map ("param=path;..."), output
//	condition  expr, if_true, if_false
//	parallel   nodes ("a,b,c"), wait (all|any)
//	approval   prompt, default (approve|reject), approval_timeout_ms
//	transform  expr, output
//	delay      delay_ms
//	subflow    pipeline, inputs ("key=path;..."), outputs ("key=path;...")
//
// When no entry attribute is set the first declared node without incoming
// edges becomes the entry.
func ParseDOT(src string) (*Definition, error) {
	graphAst, err := gographviz.ParseString(src)
	if err != nil {
		return nil, fmt.Errorf("dot parse error: %w", err)
	}

	// Use a permissive collector that accepts any attribute name without the
	// strict validation gographviz.Graph performs.
	collector := newDOTCollector()
	if err := gographviz.Analyse(graphAst, collector); err != nil {
		return nil, fmt.Errorf("dot analyse error: %w", err)
	}

	def := &Definition{
		ID:          collector.graphAttrs["id"],
		Name:        collector.graphAttrs["label"],
		Version:     collector.graphAttrs["version"],
		Description: collector.graphAttrs["description"],
		EntryNodeID: collector.graphAttrs["entry"],
	}
	if def.ID == "" {
		def.ID = collector.name
	}
	if def.Name == "" {
		def.Name = collector.name
	}

	for _, id := range collector.order {
		node, err := nodeFromAttrs(id, collector.nodes[id])
		if err != nil {
			return nil, err
		}
		def.Nodes = append(def.Nodes, node)
	}

	// Edges, in definition order.
	incoming := make(map[string]bool)
	for _, e := range collector.edges {
		def.Edges = append(def.Edges, &Edge{From: e.from, To: e.to})
		incoming[e.to] = true
	}

	if def.EntryNodeID == "" {
		for _, id := range collector.order {
			if !incoming[id] {
				def.EntryNodeID = id
				break
			}
		}
	}
	return def, nil
}

func nodeFromAttrs(id string, attrs map[string]string) (*Node, error) {
	n := &Node{ID: id, Type: NodeType(attrs["type"]), Name: attrs["label"]}

	if v := attrs["timeout_ms"]; v != "" {
		ms, err := parseMillis(id, "timeout_ms", v)
		if err != nil {
			return nil, err
		}
		n.TimeoutMs = ms
	}
	if v := attrs["retry_max"]; v != "" {
		maxAttempts, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("node %q: retry_max %q: %w", id, v, err)
		}
		n.Retry = &RetryPolicy{MaxAttempts: maxAttempts}
		if d := attrs["retry_delay_ms"]; d != "" {
			ms, err := parseMillis(id, "retry_delay_ms", d)
			if err != nil {
				return nil, err
			}
			n.Retry.DelayMs = ms
		}
	}

	switch n.Type {
	case NodeTypeTool:
		cfg := &ToolConfig{
			ToolName:     attrs["tool"],
			ParamMapping: parsePairs(attrs["map"]),
			OutputKey:    attrs["output"],
		}
		if raw := attrs["params"]; raw != "" {
			if err := json.Unmarshal([]byte(raw), &cfg.Params); err != nil {
				return nil, fmt.Errorf("node %q: params must be a JSON object: %w", id, err)
			}
		}
		n.Config = cfg
	case NodeTypeCondition:
		n.Config = &ConditionConfig{
			Expression:  attrs["expr"],
			TrueBranch:  attrs["if_true"],
			FalseBranch: attrs["if_false"],
		}
	case NodeTypeParallel:
		n.Config = &ParallelConfig{
			NodeIDs: splitList(attrs["nodes"]),
			WaitFor: WaitMode(attrs["wait"]),
		}
	case NodeTypeApproval:
		cfg := &ApprovalConfig{
			Prompt:        attrs["prompt"],
			DefaultAction: ApprovalAction(attrs["default"]),
		}
		if v := attrs["approval_timeout_ms"]; v != "" {
			ms, err := parseMillis(id, "approval_timeout_ms", v)
			if err != nil {
				return nil, err
			}
			cfg.TimeoutMs = ms
		}
		n.Config = cfg
	case NodeTypeTransform:
		n.Config = &TransformConfig{Expression: attrs["expr"], OutputKey: attrs["output"]}
	case NodeTypeDelay:
		ms, err := parseMillis(id, "delay_ms", attrs["delay_ms"])
		if err != nil {
			return nil, err
		}
		n.Config = &DelayConfig{DelayMs: ms}
	case NodeTypeSubflow:
		n.Config = &SubflowConfig{
			PipelineID:    attrs["pipeline"],
			InputMapping:  parsePairs(attrs["inputs"]),
			OutputMapping: parsePairs(attrs["outputs"]),
		}
	}
	return n, nil
}

func parseMillis(nodeID, attr, v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("node %q: %s %q: %w", nodeID, attr, v, err)
	}
	return ms, nil
}

// parsePairs parses "a=x.y;b=z" into a map. Empty input yields nil.
func parsePairs(s string) map[string]string {
	var out map[string]string
	for _, pair := range strings.Split(s, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ─── permissive DOT collector ─────────────────────────────────────────────────

type rawEdge struct {
	from, to string
}

// dotCollector implements gographviz.Interface without attribute validation.
type dotCollector struct {
	name       string
	nodes      map[string]map[string]string // id → attrs
	order      []string
	edges      []rawEdge
	graphAttrs map[string]string
}

func newDOTCollector() *dotCollector {
	return &dotCollector{
		nodes:      make(map[string]map[string]string),
		graphAttrs: make(map[string]string),
	}
}

func (c *dotCollector) SetStrict(_ bool) error { return nil }
func (c *dotCollector) SetDir(_ bool) error    { return nil }
func (c *dotCollector) SetName(n string) error { c.name = unquote(n); return nil }
func (c *dotCollector) String() string         { return c.name }

func (c *dotCollector) AddNode(_ string, name string, attrs map[string]string) error {
	id := unquote(name)
	if _, ok := c.nodes[id]; !ok {
		c.nodes[id] = make(map[string]string, len(attrs))
		c.order = append(c.order, id)
	}
	for k, v := range attrs {
		c.nodes[id][k] = unquote(v)
	}
	return nil
}

func (c *dotCollector) AddEdge(src, dst string, _ bool, _ map[string]string) error {
	from, to := unquote(src), unquote(dst)
	c.edges = append(c.edges, rawEdge{from: from, to: to})
	return nil
}

func (c *dotCollector) AddPortEdge(src, _, dst, _ string, directed bool, attrs map[string]string) error {
	return c.AddEdge(src, dst, directed, attrs)
}

func (c *dotCollector) AddAttr(_ string, field, value string) error {
	c.graphAttrs[field] = unquote(value)
	return nil
}

func (c *dotCollector) AddSubGraph(_, _ string, _ map[string]string) error { return nil }

// unquote strips surrounding double-quotes from a DOT value and resolves
// escaped quotes inside it.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `\"`, `"`)
	}
	return s
}
