package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ravi-parthasarathy/flowpress/pkg/expr"
	"github.com/ravi-parthasarathy/flowpress/pkg/tools"
)

// DefaultMaxSubflowDepth bounds subflow nesting.
const DefaultMaxSubflowDepth = 8

const tracerName = "github.com/ravi-parthasarathy/flowpress/pkg/pipeline"

// Engine executes registered pipelines. One Engine serves any number of
// concurrent runs.
type Engine struct {
	handlers HandlerRegistry
	tools    tools.Executor
	catalog  *Catalog
	bus      *EventBus
	eval     *expr.Evaluator
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
	maxDepth int

	approvals *approvalBroker

	mu    sync.RWMutex
	runs  map[string]*PipelineContext
	order []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithCatalog shares a definition catalog with the engine.
func WithCatalog(c *Catalog) Option { return func(e *Engine) { e.catalog = c } }

// WithEventBus shares an event bus with the engine.
func WithEventBus(b *EventBus) Option { return func(e *Engine) { e.bus = b } }

// WithEvaluator sets the expression evaluator used by condition and transform nodes.
func WithEvaluator(ev *expr.Evaluator) Option { return func(e *Engine) { e.eval = ev } }

// WithTracer sets the OpenTelemetry tracer. Defaults to the global provider's tracer.
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithMaxSubflowDepth sets how deeply subflows may nest. Values below 1 keep the default.
func WithMaxSubflowDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxDepth = n
		}
	}
}

// NewEngine creates an Engine. handlers must not be nil; toolExec may be nil
// when no pipeline uses tool nodes.
func NewEngine(handlers HandlerRegistry, toolExec tools.Executor, opts ...Option) *Engine {
	e := &Engine{
		handlers:  handlers,
		tools:     toolExec,
		now:       time.Now,
		maxDepth:  DefaultMaxSubflowDepth,
		approvals: newApprovalBroker(),
		runs:      make(map[string]*PipelineContext),
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.catalog == nil {
		e.catalog = NewCatalog()
	}
	if e.bus == nil {
		e.bus = NewEventBus(e.logger)
	}
	if e.eval == nil {
		e.eval = expr.New()
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	return e
}

// Catalog returns the engine's definition catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Events returns the engine's event bus.
func (e *Engine) Events() *EventBus { return e.bus }

// Subscribe registers a listener for all run events.
func (e *Engine) Subscribe(fn Listener) string { return e.bus.Subscribe(fn) }

// Unsubscribe removes a listener registered with Subscribe.
func (e *Engine) Unsubscribe(id string) bool { return e.bus.Unsubscribe(id) }

// Run executes a registered pipeline and blocks until it finishes. The only
// error returned is ErrPipelineNotFound; run failures are recorded on the
// returned context.
func (e *Engine) Run(ctx context.Context, pipelineID string, input map[string]any) (*PipelineContext, error) {
	pctx, run, err := e.prepare(pipelineID, input, "", 0)
	if err != nil {
		return nil, err
	}
	run(ctx)
	return pctx, nil
}

// Start begins a run in the background and returns its context immediately.
// The run does not observe cancellation of ctx; use Done or Wait to follow it.
func (e *Engine) Start(ctx context.Context, pipelineID string, input map[string]any) (*PipelineContext, error) {
	pctx, run, err := e.prepare(pipelineID, input, "", 0)
	if err != nil {
		return nil, err
	}
	go run(context.WithoutCancel(ctx))
	return pctx, nil
}

// prepare seeds a new run and registers it. The returned func executes it.
func (e *Engine) prepare(pipelineID string, input map[string]any, parentRunID string, depth int) (*PipelineContext, func(context.Context), error) {
	def, ok := e.catalog.Get(pipelineID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrPipelineNotFound, pipelineID)
	}
	data, err := seed(def.Defaults, input)
	if err != nil {
		return nil, nil, fmt.Errorf("seed run data: %w", err)
	}

	pctx := NewPipelineContext(def.ID, uuid.NewString())
	pctx.now = e.now
	pctx.startedAt = e.now()
	pctx.parentRunID = parentRunID
	pctx.depth = depth
	pctx.data = data
	pctx.reset(def)

	e.mu.Lock()
	e.runs[pctx.runID] = pctx
	e.order = append(e.order, pctx.runID)
	e.mu.Unlock()

	return pctx, func(ctx context.Context) { e.execute(ctx, def, pctx) }, nil
}

// seed deep-copies defaults and merges input over them. Input wins,
// including zero values. Nested objects are merged key by key rather than
// replaced wholesale, so {"post": {"title": "x"}} over a default post keeps
// the default's other fields. Replacing a top-level key outright takes a
// non-object value under that key.
func seed(defaults, input map[string]any) (map[string]any, error) {
	data := cloneMap(defaults)
	if data == nil {
		data = make(map[string]any)
	}
	in := cloneMap(input)
	if len(in) == 0 {
		return data, nil
	}
	if err := mergo.Merge(&data, in, mergo.WithOverride); err != nil {
		return nil, err
	}
	for k, v := range in {
		if _, nested := v.(map[string]any); !nested {
			data[k] = v
		}
	}
	return data, nil
}

func (e *Engine) execute(ctx context.Context, def *Definition, pctx *PipelineContext) {
	ctx, span := e.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline.id", def.ID),
		attribute.String("run.id", pctx.runID),
		attribute.String("run.parent_id", pctx.parentRunID),
	))
	defer span.End()
	defer pctx.release()

	logger := e.logger.With("pipeline", def.ID, "run_id", pctx.runID)
	x := &Execution{engine: e, def: def, pctx: pctx, logger: logger}

	e.publish(x.event(EventPipelineStarted))
	x.Log(LogInfo, "", fmt.Sprintf("pipeline %q started", def.ID))

	err := x.ExecuteNode(ctx, def.EntryNodeID, "")
	if err == nil && pctx.isAborted() {
		err = pctx.Err()
	}
	if err != nil {
		if recorded := pctx.Err(); recorded != nil {
			err = recorded
		}
		if !pctx.finish(RunFailed, err) {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ev := x.event(EventPipelineFailed)
		ev.NodeID = pctx.FailedNodeID()
		ev.Error = err.Error()
		x.Log(LogError, "", "pipeline failed: "+err.Error())
		e.publish(ev)
		return
	}
	if !pctx.finish(RunCompleted, nil) {
		return
	}
	x.Log(LogInfo, "", fmt.Sprintf("pipeline %q completed", def.ID))
	e.publish(x.event(EventPipelineCompleted))
}

// executeNode is the recursive traversal step.
func (e *Engine) executeNode(ctx context.Context, x *Execution, nodeID, from string) error {
	pctx := x.pctx
	if pctx.isAborted() {
		return ErrRunAborted
	}
	if err := pctx.waitIfPaused(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	node, ok := x.def.Node(nodeID)
	if !ok {
		err := &NodeError{RunID: pctx.runID, NodeID: nodeID, Err: ErrNodeNotFound}
		abortOutsideBranch(ctx, pctx, err)
		return err
	}
	// Completed, in-flight and skipped nodes are not run again.
	if !pctx.claim(nodeID, from) {
		return nil
	}
	return e.runNode(ctx, x, node, from)
}

func (e *Engine) runNode(ctx context.Context, x *Execution, node *Node, from string) error {
	pctx := x.pctx
	st, _ := pctx.NodeState(node.ID)

	nodeCtx, span := e.tracer.Start(ctx, "pipeline.node", trace.WithAttributes(
		attribute.String("node.id", node.ID),
		attribute.String("node.type", string(node.Type)),
		attribute.Int("node.attempt", st.Attempt),
	))
	ev := x.event(EventNodeStarted)
	ev.NodeID, ev.NodeType, ev.Attempt = node.ID, node.Type, st.Attempt
	e.publish(ev)
	x.Log(LogInfo, node.ID, fmt.Sprintf("executing %s node %q (attempt %d)", node.Type, node.Label(), st.Attempt))

	result, err := e.dispatch(nodeCtx, x, node)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	if err != nil {
		if node.Retry != nil && st.Attempt < node.Retry.MaxAttempts && !pctx.isAborted() {
			x.Log(LogWarn, node.ID, fmt.Sprintf("attempt %d/%d failed: %v; retrying in %s",
				st.Attempt, node.Retry.MaxAttempts, err, node.Retry.Delay()))
			if werr := sleepCtx(ctx, node.Retry.Delay()); werr != nil {
				err = werr
			} else {
				pctx.retry(node.ID, err)
				pctx.rewind(rewindSet(x.def, pctx, node))
				return e.executeNode(ctx, x, node.ID, from)
			}
		}
		return e.failNode(ctx, x, node, result, err)
	}

	done := pctx.complete(node.ID, result)
	ev = x.event(EventNodeCompleted)
	ev.NodeID, ev.NodeType, ev.Result, ev.Attempt = node.ID, node.Type, result, done.Attempt
	ev.Duration = done.CompletedAt.Sub(done.StartedAt)
	e.publish(ev)
	x.Log(LogInfo, node.ID, fmt.Sprintf("completed in %s", ev.Duration))

	for _, next := range successors(x.def, node, result) {
		if err := e.executeNode(ctx, x, next, node.ID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) failNode(ctx context.Context, x *Execution, node *Node, result any, err error) error {
	pctx := x.pctx
	st := pctx.fail(node.ID, result, err)
	ev := x.event(EventNodeFailed)
	ev.NodeID, ev.NodeType, ev.Error, ev.Attempt = node.ID, node.Type, err.Error(), st.Attempt
	ev.Duration = st.CompletedAt.Sub(st.StartedAt)
	e.publish(ev)
	x.Log(LogError, node.ID, "failed: "+err.Error())

	// A NodeError from the same run (a parallel child) is kept as is; one
	// from a nested run is wrapped so the failure points at this node.
	var nerr *NodeError
	if !errors.As(err, &nerr) || nerr.RunID != pctx.runID {
		nerr = &NodeError{RunID: pctx.runID, NodeID: node.ID, Op: string(node.Type), Err: err}
	}
	abortOutsideBranch(ctx, pctx, nerr)
	return nerr
}

type branchKey struct{}

// withBranch marks ctx as running inside a parallel branch of runID.
func withBranch(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, branchKey{}, runID)
}

// abortOutsideBranch fails the run unless ctx belongs to a parallel branch
// of it. Branch failures travel back to the parallel node, where a retry
// policy may still apply; a branch that settles after its parallel node
// returned only leaves its own node state behind.
func abortOutsideBranch(ctx context.Context, pctx *PipelineContext, err *NodeError) {
	if id, _ := ctx.Value(branchKey{}).(string); id == pctx.runID {
		return
	}
	pctx.abort(err.NodeID, err)
}

// rewindSet lists what a retried parallel node must run again: every node
// reachable from its children that failed, plus the nodes on the paths
// leading to them.
func rewindSet(def *Definition, pctx *PipelineContext, node *Node) []string {
	cfg, ok := node.Config.(*ParallelConfig)
	if !ok {
		return nil
	}
	preds := make(map[string][]string)
	seen := make(map[string]bool)
	var region []string
	for _, id := range cfg.NodeIDs {
		if !seen[id] {
			seen[id] = true
			region = append(region, id)
		}
	}
	for i := 0; i < len(region); i++ {
		id := region[i]
		for _, to := range innerSuccessors(def, id) {
			preds[to] = append(preds[to], id)
			if !seen[to] {
				seen[to] = true
				region = append(region, to)
			}
		}
	}

	marked := make(map[string]bool)
	var stack, out []string
	for _, id := range region {
		if pctx.NodeStatus(id) == StatusFailed {
			marked[id] = true
			stack = append(stack, id)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, id)
		for _, p := range preds[id] {
			if !marked[p] {
				marked[p] = true
				stack = append(stack, p)
			}
		}
	}
	return out
}

// innerSuccessors lists every node id can step into: edge targets, both
// condition branches and parallel children.
func innerSuccessors(def *Definition, id string) []string {
	var out []string
	for _, edge := range def.OutgoingEdges(id) {
		out = append(out, edge.To)
	}
	n, ok := def.Node(id)
	if !ok {
		return out
	}
	switch cfg := n.Config.(type) {
	case *ConditionConfig:
		for _, b := range []string{cfg.TrueBranch, cfg.FalseBranch} {
			if b != "" {
				out = append(out, b)
			}
		}
	case *ParallelConfig:
		out = append(out, cfg.NodeIDs...)
	}
	return out
}

// dispatch runs the node's handler, racing it against the node timeout
// when one is set. A handler that loses the race keeps running; its
// outcome is discarded.
func (e *Engine) dispatch(ctx context.Context, x *Execution, node *Node) (any, error) {
	h, err := e.handlers.Get(node.Type)
	if err != nil {
		if errors.Is(err, ErrUnsupportedNodeType) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedNodeType, err)
	}
	timeout := node.Timeout()
	if timeout <= 0 {
		return safeHandle(ctx, h, node, x)
	}

	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		r, err := safeHandle(ctx, h, node, x)
		ch <- outcome{r, err}
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case o := <-ch:
		return o.result, o.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrNodeTimeout, timeout)
	}
}

func safeHandle(ctx context.Context, h Handler, node *Node, x *Execution) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, node, x)
}

// successors lists the nodes to step into after node completes: its edge
// targets in declaration order, then a condition's selected branch when
// it is not already an edge target.
func successors(def *Definition, node *Node, result any) []string {
	edges := def.OutgoingEdges(node.ID)
	out := make([]string, 0, len(edges)+1)
	seen := make(map[string]bool, len(edges))
	for _, edge := range edges {
		out = append(out, edge.To)
		seen[edge.To] = true
	}
	if cr, ok := result.(ConditionResult); ok && cr.Selected != "" && !seen[cr.Selected] {
		out = append(out, cr.Selected)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = e.now()
	}
	e.bus.Publish(ev)
}

// ─── run control ──────────────────────────────────────────────────────────────

// Pause stops the run from starting further nodes until Resume is called.
// Nodes already executing finish normally.
func (e *Engine) Pause(runID string) error {
	pctx, ok := e.GetRun(runID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrRunNotFound, runID)
	}
	if err := pctx.pause(); err != nil {
		return fmt.Errorf("pause run %q (status %s): %w", runID, pctx.Status(), err)
	}
	pctx.Log(LogInfo, "", "run paused")
	e.publish(Event{Type: EventPipelinePaused, RunID: runID, PipelineID: pctx.pipelineID})
	return nil
}

// Resume releases a paused run.
func (e *Engine) Resume(runID string) error {
	pctx, ok := e.GetRun(runID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrRunNotFound, runID)
	}
	if err := pctx.unpause(); err != nil {
		return fmt.Errorf("resume run %q (status %s): %w", runID, pctx.Status(), err)
	}
	pctx.Log(LogInfo, "", "run resumed")
	e.publish(Event{Type: EventPipelineResumed, RunID: runID, PipelineID: pctx.pipelineID})
	return nil
}

// HandleApproval delivers a decision to a waiting approval node. It
// reports false when no approval is pending for runID/nodeID.
func (e *Engine) HandleApproval(runID, nodeID string, approved bool) bool {
	ok := e.approvals.deliver(runID, nodeID, approved)
	if ok {
		e.logger.Info("approval decided", "run_id", runID, "node", nodeID, "approved", approved)
	}
	return ok
}

// PendingApprovals lists approval nodes currently waiting, oldest first.
func (e *Engine) PendingApprovals() []PendingApproval { return e.approvals.list() }

// ─── queries ──────────────────────────────────────────────────────────────────

// GetRun returns the context of a run started by this engine.
func (e *Engine) GetRun(runID string) (*PipelineContext, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pctx, ok := e.runs[runID]
	return pctx, ok
}

// GetAllRuns returns every run in start order.
func (e *Engine) GetAllRuns() []*PipelineContext {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*PipelineContext, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.runs[id])
	}
	return out
}

// Status summarises the engine.
type Status struct {
	Pipelines        int `json:"pipelines"`
	ActiveRuns       int `json:"activeRuns"`
	CompletedRuns    int `json:"completedRuns"`
	FailedRuns       int `json:"failedRuns"`
	PendingApprovals int `json:"pendingApprovals"`
}

// GetStatus counts registered pipelines and runs by status. Paused runs
// count as active.
func (e *Engine) GetStatus() Status {
	s := Status{Pipelines: e.catalog.Len(), PendingApprovals: e.approvals.count()}
	for _, pctx := range e.GetAllRuns() {
		switch pctx.Status() {
		case RunCompleted:
			s.CompletedRuns++
		case RunFailed:
			s.FailedRuns++
		default:
			s.ActiveRuns++
		}
	}
	return s
}
