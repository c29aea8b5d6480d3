package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ravi-parthasarathy/flowpress/pkg/expr"
	"github.com/ravi-parthasarathy/flowpress/pkg/tools"
)

// Handler executes a pipeline node and returns its result.
// Implementations live in the handlers sub-package; this interface is defined
// here so that Engine can use it without creating an import cycle.
type Handler interface {
	Handle(ctx context.Context, node *Node, x *Execution) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, node *Node, x *Execution) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, node *Node, x *Execution) (any, error) {
	return f(ctx, node, x)
}

// HandlerRegistry looks up Handler implementations by node type.
type HandlerRegistry interface {
	Get(nodeType NodeType) (Handler, error)
}

// ConditionResult is the result of a condition node. The engine steps into
// Selected after the node completes, in addition to its outgoing edges.
type ConditionResult struct {
	Result   bool   `json:"result"`
	Selected string `json:"selected,omitempty"`
	Skipped  string `json:"skipped,omitempty"`
}

// ChildStatus is one entry of a parallel node's result.
type ChildStatus struct {
	NodeID string     `json:"nodeId"`
	Status NodeStatus `json:"status"`
}

// ApprovalDecision is the result of an approval node.
type ApprovalDecision struct {
	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decidedBy"`
}

// Execution is the view of a running pipeline that handlers work through.
type Execution struct {
	engine *Engine
	def    *Definition
	pctx   *PipelineContext
	logger *slog.Logger
}

// Context returns the run's PipelineContext.
func (x *Execution) Context() *PipelineContext { return x.pctx }

// Definition returns the definition being executed.
func (x *Execution) Definition() *Definition { return x.def }

// Logger returns a logger carrying the run's attributes.
func (x *Execution) Logger() *slog.Logger { return x.logger }

// Evaluator returns the engine's expression evaluator.
func (x *Execution) Evaluator() *expr.Evaluator { return x.engine.eval }

// Env returns a fresh expression environment over the current data.
func (x *Execution) Env() expr.Env {
	return expr.Env{Data: x.pctx.Data(), RunID: x.pctx.runID, PipelineID: x.pctx.pipelineID}
}

// Log appends to the run log and mirrors the line to the structured logger.
func (x *Execution) Log(level LogLevel, nodeID, msg string) {
	x.pctx.Log(level, nodeID, msg)
	l := x.logger
	if nodeID != "" {
		l = l.With("node", nodeID)
	}
	switch level {
	case LogDebug:
		l.Debug(msg)
	case LogWarn:
		l.Warn(msg)
	case LogError:
		l.Error(msg)
	default:
		l.Info(msg)
	}
}

// ExecuteNode runs the recursive step on nodeID as if reached from the node from.
func (x *Execution) ExecuteNode(ctx context.Context, nodeID, from string) error {
	return x.engine.executeNode(ctx, x, nodeID, from)
}

// ExecuteBranch runs nodeID as a parallel branch of the node from. A failure
// in the branch is returned without failing the run, so the caller decides
// what it means.
func (x *Execution) ExecuteBranch(ctx context.Context, nodeID, from string) error {
	return x.engine.executeNode(withBranch(ctx, x.pctx.runID), x, nodeID, from)
}

// Skip marks an idle node skipped on behalf of the node by and emits
// node_skipped. It reports false when the node had already left idle.
func (x *Execution) Skip(nodeID, by, reason string) bool {
	if !x.pctx.skip(nodeID, by) {
		return false
	}
	ev := x.event(EventNodeSkipped)
	ev.NodeID = nodeID
	if n, ok := x.def.Node(nodeID); ok {
		ev.NodeType = n.Type
	}
	ev.Reason = reason
	x.engine.publish(ev)
	x.Log(LogInfo, nodeID, "skipped: "+reason)
	return true
}

// ExecuteTool invokes the engine's tool executor.
func (x *Execution) ExecuteTool(ctx context.Context, name string, params map[string]any) tools.Result {
	if x.engine.tools == nil {
		return tools.Result{Error: "no tool executor configured"}
	}
	return x.engine.tools.ExecuteTool(ctx, name, params)
}

// AwaitApproval suspends the node until HandleApproval delivers a decision,
// the approval timeout elapses, or ctx is done. The node is waiting meanwhile.
func (x *Execution) AwaitApproval(ctx context.Context, node *Node, cfg *ApprovalConfig) (ApprovalDecision, error) {
	e := x.engine
	ch, release := e.approvals.register(PendingApproval{
		RunID:         x.pctx.runID,
		PipelineID:    x.pctx.pipelineID,
		NodeID:        node.ID,
		Prompt:        cfg.Prompt,
		DefaultAction: cfg.DefaultAction,
		TimeoutMs:     cfg.TimeoutMs,
		RequestedAt:   e.now(),
	})
	defer release()

	// A retry after a node timeout may already be waiting on the same node
	// by the time this attempt returns.
	st, _ := x.pctx.NodeState(node.ID)
	if x.pctx.transition(node.ID, st.Attempt, StatusRunning, StatusWaiting) {
		defer x.pctx.transition(node.ID, st.Attempt, StatusWaiting, StatusRunning)
	}

	ev := x.event(EventApprovalRequired)
	ev.NodeID = node.ID
	ev.NodeType = node.Type
	ev.Prompt = cfg.Prompt
	ev.TimeoutMs = cfg.TimeoutMs
	ev.DefaultAction = cfg.DefaultAction
	e.publish(ev)
	x.Log(LogInfo, node.ID, "waiting for approval")

	var expired <-chan time.Time
	if cfg.TimeoutMs > 0 {
		timer := time.NewTimer(time.Duration(cfg.TimeoutMs) * time.Millisecond)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case approved := <-ch:
		return ApprovalDecision{Approved: approved, DecidedBy: "user"}, nil
	case <-expired:
		d := ApprovalDecision{Approved: cfg.DefaultAction == ActionApprove, DecidedBy: "timeout"}
		x.Log(LogWarn, node.ID, fmt.Sprintf("approval timed out after %dms, applying %q", cfg.TimeoutMs, defaultAction(cfg.DefaultAction)))
		return d, nil
	case <-ctx.Done():
		return ApprovalDecision{}, ctx.Err()
	}
}

func defaultAction(a ApprovalAction) ApprovalAction {
	if a == "" {
		return ActionReject
	}
	return a
}

// RunSubflow runs another registered pipeline as a nested run of this one
// and returns its context once it finishes.
func (x *Execution) RunSubflow(ctx context.Context, pipelineID string, input map[string]any) (*PipelineContext, error) {
	depth := x.pctx.depth + 1
	if depth > x.engine.maxDepth {
		return nil, fmt.Errorf("%w: depth %d > %d", ErrSubflowDepthExceeded, depth, x.engine.maxDepth)
	}
	child, run, err := x.engine.prepare(pipelineID, input, x.pctx.runID, depth)
	if err != nil {
		return nil, err
	}
	run(ctx)
	return child, nil
}

func (x *Execution) event(t EventType) Event {
	return Event{Type: t, RunID: x.pctx.runID, PipelineID: x.pctx.pipelineID, Time: x.engine.now()}
}
