package pipeline

import "time"

// NodeType identifies the kind of work a node performs.
type NodeType string

const (
	NodeTypeTool      NodeType = "tool"
	NodeTypeCondition NodeType = "condition"
	NodeTypeParallel  NodeType = "parallel"
	NodeTypeApproval  NodeType = "approval"
	NodeTypeTransform NodeType = "transform"
	NodeTypeDelay     NodeType = "delay"
	NodeTypeSubflow   NodeType = "subflow"
)

// KnownNodeTypes lists every node type the model understands, in a stable order.
var KnownNodeTypes = []NodeType{
	NodeTypeTool,
	NodeTypeCondition,
	NodeTypeParallel,
	NodeTypeApproval,
	NodeTypeTransform,
	NodeTypeDelay,
	NodeTypeSubflow,
}

// Known reports whether t is one of the built-in node types.
func (t NodeType) Known() bool {
	for _, k := range KnownNodeTypes {
		if k == t {
			return true
		}
	}
	return false
}

// WaitMode selects how a parallel node waits for its children.
type WaitMode string

const (
	WaitAll WaitMode = "all"
	WaitAny WaitMode = "any"
)

// ApprovalAction is the decision applied when an approval times out.
type ApprovalAction string

const (
	ActionApprove ApprovalAction = "approve"
	ActionReject  ApprovalAction = "reject"
)

// NodeConfig is the type-tagged configuration of a node. The concrete type
// always matches the node's Type.
type NodeConfig interface {
	NodeType() NodeType
}

// ToolConfig invokes an external tool.
type ToolConfig struct {
	ToolName string         `json:"toolName" yaml:"toolName" validate:"required"`
	Params   map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	// ParamMapping maps a tool parameter name to a context data path.
	ParamMapping map[string]string `json:"paramMapping,omitempty" yaml:"paramMapping,omitempty"`
	OutputKey    string            `json:"outputKey,omitempty" yaml:"outputKey,omitempty"`
}

// ConditionConfig picks one of two branches.
type ConditionConfig struct {
	Expression  string `json:"expression" yaml:"expression" validate:"required"`
	TrueBranch  string `json:"trueBranch,omitempty" yaml:"trueBranch,omitempty"`
	FalseBranch string `json:"falseBranch,omitempty" yaml:"falseBranch,omitempty"`
}

// ParallelConfig runs a set of nodes concurrently.
type ParallelConfig struct {
	NodeIDs []string `json:"nodeIds" yaml:"nodeIds" validate:"required,min=1,dive,required"`
	WaitFor WaitMode `json:"waitFor,omitempty" yaml:"waitFor,omitempty" validate:"omitempty,oneof=all any"`
}

// ApprovalConfig suspends the run until a human decision arrives.
type ApprovalConfig struct {
	Prompt        string         `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	DefaultAction ApprovalAction `json:"defaultAction,omitempty" yaml:"defaultAction,omitempty" validate:"omitempty,oneof=approve reject"`
	TimeoutMs     int64          `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty" validate:"gte=0"`
}

// TransformConfig computes a value from the context data.
type TransformConfig struct {
	// Expression is either a single expression or a function body that uses return.
	Expression string `json:"expression" yaml:"expression" validate:"required"`
	OutputKey  string `json:"outputKey,omitempty" yaml:"outputKey,omitempty"`
}

// DelayConfig pauses the branch.
type DelayConfig struct {
	DelayMs int64 `json:"delayMs" yaml:"delayMs" validate:"gte=0"`
}

// SubflowConfig runs another registered pipeline as a nested run.
type SubflowConfig struct {
	PipelineID string `json:"pipelineId" yaml:"pipelineId" validate:"required"`
	// InputMapping maps a child input key to a parent data path.
	InputMapping map[string]string `json:"inputMapping,omitempty" yaml:"inputMapping,omitempty"`
	// OutputMapping maps a parent data key to a child data path.
	OutputMapping map[string]string `json:"outputMapping,omitempty" yaml:"outputMapping,omitempty"`
}

func (*ToolConfig) NodeType() NodeType      { return NodeTypeTool }
func (*ConditionConfig) NodeType() NodeType { return NodeTypeCondition }
func (*ParallelConfig) NodeType() NodeType  { return NodeTypeParallel }
func (*ApprovalConfig) NodeType() NodeType  { return NodeTypeApproval }
func (*TransformConfig) NodeType() NodeType { return NodeTypeTransform }
func (*DelayConfig) NodeType() NodeType     { return NodeTypeDelay }
func (*SubflowConfig) NodeType() NodeType   { return NodeTypeSubflow }

// newConfig returns an empty config value for t, or nil for unknown types.
func newConfig(t NodeType) NodeConfig {
	switch t {
	case NodeTypeTool:
		return &ToolConfig{}
	case NodeTypeCondition:
		return &ConditionConfig{}
	case NodeTypeParallel:
		return &ParallelConfig{}
	case NodeTypeApproval:
		return &ApprovalConfig{}
	case NodeTypeTransform:
		return &TransformConfig{}
	case NodeTypeDelay:
		return &DelayConfig{}
	case NodeTypeSubflow:
		return &SubflowConfig{}
	}
	return nil
}

// RetryPolicy re-runs a failed node. MaxAttempts counts the first attempt.
type RetryPolicy struct {
	MaxAttempts int   `json:"maxAttempts" yaml:"maxAttempts" validate:"gte=1"`
	DelayMs     int64 `json:"delayMs,omitempty" yaml:"delayMs,omitempty" validate:"gte=0"`
}

// Delay returns the wait between attempts.
func (r *RetryPolicy) Delay() time.Duration {
	return time.Duration(r.DelayMs) * time.Millisecond
}

// Node is a single vertex in the pipeline graph.
type Node struct {
	ID        string       `json:"id" yaml:"id"`
	Type      NodeType     `json:"type" yaml:"type"`
	Name      string       `json:"name,omitempty" yaml:"name,omitempty"`
	Config    NodeConfig   `json:"config,omitempty" yaml:"config,omitempty"`
	Retry     *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	TimeoutMs int64        `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
}

// Timeout returns the node-level timeout, zero when unset.
func (n *Node) Timeout() time.Duration {
	return time.Duration(n.TimeoutMs) * time.Millisecond
}

// Label returns the display name, falling back to the id.
func (n *Node) Label() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Edge is a directed dependency between two nodes.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Definition is a registered pipeline. It is never modified by the engine;
// per-run state lives in PipelineContext.
type Definition struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	EntryNodeID string         `json:"entryNodeId" yaml:"entryNodeId"`
	Nodes       []*Node        `json:"nodes" yaml:"nodes"`
	Edges       []*Edge        `json:"edges,omitempty" yaml:"edges,omitempty"`
	Defaults    map[string]any `json:"defaults,omitempty" yaml:"defaults,omitempty"`
}

// Node returns the node with the given id.
func (d *Definition) Node(id string) (*Node, bool) {
	for _, n := range d.Nodes {
		if n != nil && n.ID == id {
			return n, true
		}
	}
	return nil, false
}

// OutgoingEdges returns all edges leaving nodeID, in definition order.
func (d *Definition) OutgoingEdges(nodeID string) []*Edge {
	var out []*Edge
	for _, e := range d.Edges {
		if e != nil && e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// IncomingEdges returns all edges arriving at nodeID.
func (d *Definition) IncomingEdges(nodeID string) []*Edge {
	var out []*Edge
	for _, e := range d.Edges {
		if e != nil && e.To == nodeID {
			out = append(out, e)
		}
	}
	return out
}
