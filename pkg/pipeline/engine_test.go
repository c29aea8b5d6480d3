package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ravi-parthasarathy/flowpress/pkg/pipeline"
	"github.com/ravi-parthasarathy/flowpress/pkg/pipeline/handlers"
	"github.com/ravi-parthasarathy/flowpress/pkg/tools"
)

// fakeTools is a tools.Executor backed by functions keyed by tool name.
type fakeTools map[string]func(params map[string]any) (any, error)

func (f fakeTools) ExecuteTool(_ context.Context, name string, params map[string]any) tools.Result {
	fn, ok := f[name]
	if !ok {
		return tools.Result{Error: "unknown tool: " + name}
	}
	data, err := fn(params)
	if err != nil {
		return tools.Result{Error: err.Error()}
	}
	return tools.Result{Success: true, Data: data}
}

// recorder collects events in emission order.
type recorder struct {
	mu     sync.Mutex
	events []pipeline.Event
}

func (r *recorder) listen(ev pipeline.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// trail returns "type:node" for every event, in order.
func (r *recorder) trail() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		s := string(ev.Type)
		if ev.NodeID != "" {
			s += ":" + ev.NodeID
		}
		out = append(out, s)
	}
	return out
}

func (r *recorder) count(t pipeline.EventType, nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t && ev.NodeID == nodeID {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, exec tools.Executor, opts ...pipeline.Option) (*pipeline.Engine, *recorder) {
	t.Helper()
	e := pipeline.NewEngine(handlers.NewDefaultRegistry(), exec, opts...)
	rec := &recorder{}
	e.Subscribe(rec.listen)
	return e, rec
}

func toolNode(id, tool, output string, mapping map[string]string) *pipeline.Node {
	return &pipeline.Node{ID: id, Type: pipeline.NodeTypeTool, Config: &pipeline.ToolConfig{
		ToolName: tool, OutputKey: output, ParamMapping: mapping,
	}}
}

func waitNode(id string, ms int64) *pipeline.Node {
	return &pipeline.Node{ID: id, Type: pipeline.NodeTypeDelay, Config: &pipeline.DelayConfig{DelayMs: ms}}
}

func edges(pairs ...string) []*pipeline.Edge {
	out := make([]*pipeline.Edge, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, &pipeline.Edge{From: pairs[i], To: pairs[i+1]})
	}
	return out
}

// ─── Content scenario ─────────────────────────────────────────────────────────

func contentTools(published *atomic.Int32) fakeTools {
	return fakeTools{
		"scrape": func(p map[string]any) (any, error) {
			return map[string]any{"title": "Release notes", "url": p["url"]}, nil
		},
		"generate": func(p map[string]any) (any, error) {
			return map[string]any{"text": "Draft about " + p["topic"].(string), "quality": p["quality"]}, nil
		},
		"publish": func(map[string]any) (any, error) {
			published.Add(1)
			return "ok", nil
		},
	}
}

func contentDefinition(regenerateReachesPublish bool) *pipeline.Definition {
	regenerate := toolNode("regenerate", "generate", "draft", map[string]string{"topic": "article.title", "quality": "retryQuality"})
	def := &pipeline.Definition{
		ID:          "content",
		EntryNodeID: "scrape",
		Defaults:    map[string]any{"source": map[string]any{"url": "https://example.com"}, "retryQuality": 0.9},
		Nodes: []*pipeline.Node{
			toolNode("scrape", "scrape", "article", map[string]string{"url": "source.url"}),
			toolNode("generate", "generate", "draft", map[string]string{"topic": "article.title", "quality": "quality"}),
			{ID: "review", Type: pipeline.NodeTypeCondition, Config: &pipeline.ConditionConfig{
				Expression: "draft.quality >= 0.8", TrueBranch: "publish", FalseBranch: "regenerate",
			}},
			regenerate,
			toolNode("publish", "publish", "", nil),
		},
		Edges: edges("scrape", "generate", "generate", "review"),
	}
	if regenerateReachesPublish {
		def.Edges = append(def.Edges, edges("regenerate", "publish")...)
	}
	return def
}

func TestEngine_ContentScenario_FalseBranchRevivesPublish(t *testing.T) {
	t.Parallel()
	var published atomic.Int32
	e, rec := newTestEngine(t, contentTools(&published))
	require.NoError(t, e.Catalog().Register(contentDefinition(true)))

	pctx, err := e.Run(t.Context(), "content", map[string]any{"quality": 0.3})
	require.NoError(t, err)
	require.Equal(t, pipeline.RunCompleted, pctx.Status(), "%v", pctx.Err())

	review, _ := pctx.NodeState("review")
	assert.Equal(t, pipeline.ConditionResult{Result: false, Selected: "regenerate", Skipped: "publish"}, review.Result)
	assert.Equal(t, pipeline.StatusCompleted, pctx.NodeStatus("regenerate"))
	assert.Equal(t, pipeline.StatusCompleted, pctx.NodeStatus("publish"))
	assert.Equal(t, int32(1), published.Load())

	draft, _ := pctx.Resolve("draft.quality")
	assert.Equal(t, 0.9, draft)

	assert.Equal(t, []string{
		"pipeline_started",
		"node_started:scrape", "node_completed:scrape",
		"node_started:generate", "node_completed:generate",
		"node_started:review", "node_skipped:publish", "node_completed:review",
		"node_started:regenerate", "node_completed:regenerate",
		"node_started:publish", "node_completed:publish",
		"pipeline_completed",
	}, rec.trail())
}

func TestEngine_ContentScenario_SkippedBranchStaysSkipped(t *testing.T) {
	t.Parallel()
	var published atomic.Int32
	e, _ := newTestEngine(t, contentTools(&published))
	require.NoError(t, e.Catalog().Register(contentDefinition(false)))

	pctx, err := e.Run(t.Context(), "content", map[string]any{"quality": 0.3})
	require.NoError(t, err)
	require.Equal(t, pipeline.RunCompleted, pctx.Status())
	assert.Equal(t, pipeline.StatusSkipped, pctx.NodeStatus("publish"))
	assert.Zero(t, published.Load())
}

func TestEngine_ContentScenario_TrueBranch(t *testing.T) {
	t.Parallel()
	var published atomic.Int32
	e, _ := newTestEngine(t, contentTools(&published))
	require.NoError(t, e.Catalog().Register(contentDefinition(true)))

	pctx, err := e.Run(t.Context(), "content", map[string]any{"quality": 0.95})
	require.NoError(t, err)
	require.Equal(t, pipeline.RunCompleted, pctx.Status())
	assert.Equal(t, pipeline.StatusSkipped, pctx.NodeStatus("regenerate"))
	assert.Equal(t, pipeline.StatusCompleted, pctx.NodeStatus("publish"))
	assert.Equal(t, int32(1), published.Load())
}

// ─── Traversal ────────────────────────────────────────────────────────────────

func TestEngine_DiamondJoinFiresOnFirstPredecessor(t *testing.T) {
	t.Parallel()
	e, rec := newTestEngine(t, fakeTools{})
	require.NoError(t, e.Catalog().Register(&pipeline.Definition{
		ID:          "diamond",
		EntryNodeID: "a",
		Nodes:       []*pipeline.Node{waitNode("a", 0), waitNode("b", 5), waitNode("c", 30), waitNode("d", 0)},
		Edges:       edges("a", "b", "a", "c", "b", "d", "c", "d"),
	}))

	pctx, err := e.Run(t.Context(), "diamond", nil)
	require.NoError(t, err)
	require.Equal(t, pipeline.RunCompleted, pctx.Status())

	c, _ := pctx.NodeState("c")
	d, _ := pctx.NodeState("d")
	assert.False(t, d.StartedAt.After(c.CompletedAt), "d started %v, slower predecessor finished %v", d.StartedAt, c.CompletedAt)
	assert.Equal(t, 1, rec.count(pipeline.EventNodeStarted, "d"))
	assert.Equal(t, 1, d.Attempt)
}

func TestEngine_RunUnknownPipeline(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, fakeTools{})
	_, err := e.Run(t.Context(), "ghost", nil)
	assert.ErrorIs(t, err, pipeline.ErrPipelineNotFound)
	_, err = e.Start(t.Context(), "ghost", nil)
	assert.ErrorIs(t, err, pipeline.ErrPipelineNotFound)
}

func TestEngine_SeedsDefaultsWithInput(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, fakeTools{})
	def := &pipeline.Definition{
		ID:          "seed",
		EntryNodeID: "a",
		Nodes:       []*pipeline.Node{waitNode("a", 0)},
		Defaults: map[string]any{
			"platform": "twitter",
			"style":    map[string]any{"tone": "casual", "maxChars": 280},
			"dryRun":   true,
		},
	}
	require.NoError(t, e.Catalog().Register(def))

	pctx, err := e.Run(t.Context(), "seed", map[string]any{
		"style":  map[string]any{"tone": "formal"},
		"dryRun": false,
		"topic":  "launch",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"platform": "twitter",
		"style":    map[string]any{"tone": "formal", "maxChars": 280},
		"dryRun":   false,
		"topic":    "launch",
	}, pctx.Data())

	// Defaults are never modified by a run.
	pctx.Set("platform", "linkedin")
	assert.Equal(t, "casual", def.Defaults["style"].(map[string]any)["tone"])
	again, err := e.Run(t.Context(), "seed", nil)
	require.NoError(t, err)
	assert.Equal(t, "twitter", again.GetString("platform"))
}

func TestEngine_RunsAreIsolated(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, fakeTools{})
	require.NoError(t, e.Catalog().Register(&pipeline.Definition{
		ID:          "iso",
		EntryNodeID: "t",
		Nodes: []*pipeline.Node{{ID: "t", Type: pipeline.NodeTypeTransform, Config: &pipeline.TransformConfig{
			Expression: "n * 2", OutputKey: "out",
		}}},
	}))

	var wg sync.WaitGroup
	runs := make([]*pipeline.PipelineContext, 8)
	for i := range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, err := e.Run(t.Context(), "iso", map[string]any{"n": i})
			assert.NoError(t, err)
			runs[i] = pctx
		}()
	}
	wg.Wait()

	for i, pctx := range runs {
		require.Equal(t, pipeline.RunCompleted, pctx.Status())
		out, _ := pctx.Get("out")
		assert.EqualValues(t, i*2, out)
	}
	assert.Len(t, e.GetAllRuns(), 8)
	assert.Equal(t, 8, e.GetStatus().CompletedRuns)
}

// ─── Retry and timeout ────────────────────────────────────────────────────────

func TestEngine_RetryExhausted(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	e, rec := newTestEngine(t, fakeTools{"post": func(map[string]any) (any, error) {
		calls.Add(1)
		return nil, errors.New("503 from platform")
	}})
	n := toolNode("post", "post", "", nil)
	n.Retry = &pipeline.RetryPolicy{MaxAttempts: 3, DelayMs: 10}
	require.NoError(t, e.Catalog().Register(&pipeline.Definition{ID: "retry", EntryNodeID: "post", Nodes: []*pipeline.Node{n}}))

	start := time.Now()
	pctx, err := e.Run(t.Context(), "retry", nil)
	require.NoError(t, err)

	assert.Equal(t, pipeline.RunFailed, pctx.Status())
	assert.Equal(t, int32(3), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	st, _ := pctx.NodeState("post")
	assert.Equal(t, 3, st.Attempt)
	assert.Equal(t, pipeline.StatusFailed, st.Status)
	assert.Contains(t, st.Error, "503 from platform")
	assert.Equal(t, 3, rec.count(pipeline.EventNodeStarted, "post"))
	assert.Equal(t, 1, rec.count(pipeline.EventNodeFailed, "post"))

	var nerr *pipeline.NodeError
	require.ErrorAs(t, pctx.Err(), &nerr)
	assert.Equal(t, "post", nerr.NodeID)
	assert.Equal(t, pctx.RunID(), nerr.RunID)
	assert.Equal(t, "post", pctx.FailedNodeID())
}

func TestEngine_RetryRecovers(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	e, _ := newTestEngine(t, fakeTools{"flaky": func(map[string]any) (any, error) {
		if calls.Add(1) < 2 {
			return nil, errors.New("timeout")
		}
		return "done", nil
	}})
	n := toolNode("flaky", "flaky", "", nil)
	n.Retry = &pipeline.RetryPolicy{MaxAttempts: 5}
	require.NoError(t, e.Catalog().Register(&pipeline.Definition{ID: "retry", EntryNodeID: "flaky", Nodes: []*pipeline.Node{n}}))

	pctx, err := e.Run(t.Context(), "retry", nil)
	require.NoError(t, err)
	require.Equal(t, pipeline.RunCompleted, pctx.Status())
	st, _ := pctx.NodeState("flaky")
	assert.Equal(t, 2, st.Attempt)
	assert.Equal(t, "done", st.Result)
	assert.Empty(t, st.Error)
}

func TestEngine_NodeTimeout(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, fakeTools{})
	n := waitNode("slow", 2000)
	n.TimeoutMs = 10
	require.NoError(t, e.Catalog().Register(&pipeline.Definition{
		ID: "timeout", EntryNodeID: "slow",
		Nodes: []*pipeline.Node{n, waitNode("after", 0)},
		Edges: edges("slow", "after"),
	}))

	pctx, err := e.Run(t.Context(), "timeout", nil)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunFailed, pctx.Status())
	assert.ErrorIs(t, pctx.Err(), pipeline.ErrNodeTimeout)
	assert.Equal(t, pipeline.StatusIdle, pctx.NodeStatus("after"))
}

func TestEngine_HandlerPanicFailsNode(t *testing.T) {
	t.Parallel()
	reg := handlers.NewDefaultRegistry()
	reg.Register(pipeline.NodeTypeDelay, pipeline.HandlerFunc(func(context.Context, *pipeline.Node, *pipeline.Execution) (any, error) {
		panic("nil map")
	}))
	e := pipeline.NewEngine(reg, fakeTools{})
	require.NoError(t, e.Catalog().Register(&pipeline.Definition{ID: "p", EntryNodeID: "a", Nodes: []*pipeline.Node{waitNode("a", 0)}}))

	pctx, err := e.Run(t.Context(), "p", nil)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunFailed, pctx.Status())
	assert.ErrorContains(t, pctx.Err(), "handler panic: nil map")
}

func TestEngine_UnsupportedNodeType(t *testing.T) {
	t.Parallel()
	e := pipeline.NewEngine(handlers.NewRegistry(), fakeTools{})
	require.NoError(t, e.Catalog().Register(&pipeline.Definition{ID: "p", EntryNodeID: "a", Nodes: []*pipeline.Node{waitNode("a", 0)}}))

	pctx, err := e.Run(t.Context(), "p", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, pctx.Err(), pipeline.ErrUnsupportedNodeType)
}

// ─── Run control ──────────────────────────────────────────────────────────────

func TestEngine_PauseResume(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	release := make(chan struct{})
	e, rec := newTestEngine(t, fakeTools{"draft": func(map[string]any) (any, error) {
		close(started)
		<-release
		return "text", nil
	}})
	require.NoError(t, e.Catalog().Register(&pipeline.Definition{
		ID: "pause", EntryNodeID: "draft",
		Nodes: []*pipeline.Node{toolNode("draft", "draft", "", nil), waitNode("publish", 0)},
		Edges: edges("draft", "publish"),
	}))

	pctx, err := e.Start(t.Context(), "pause", nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, e.Pause(pctx.RunID()))
	assert.ErrorIs(t, e.Pause(pctx.RunID()), pipeline.ErrInvalidRunState)
	assert.Equal(t, pipeline.RunPaused, pctx.Status())
	assert.Equal(t, 1, e.GetStatus().ActiveRuns)

	close(release)
	require.Eventually(t, func() bool {
		return pctx.NodeStatus("draft") == pipeline.StatusCompleted
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, pipeline.StatusIdle, pctx.NodeStatus("publish"), "no node starts while paused")

	require.NoError(t, e.Resume(pctx.RunID()))
	require.NoError(t, pctx.Wait(t.Context()))
	assert.Equal(t, pipeline.RunCompleted, pctx.Status())
	assert.Equal(t, pipeline.StatusCompleted, pctx.NodeStatus("publish"))

	assert.ErrorIs(t, e.Resume(pctx.RunID()), pipeline.ErrInvalidRunState)
	assert.ErrorIs(t, e.Pause("nope"), pipeline.ErrRunNotFound)
	assert.ErrorIs(t, e.Resume("nope"), pipeline.ErrRunNotFound)
	assert.Equal(t, 1, rec.count(pipeline.EventPipelinePaused, ""))
	assert.Equal(t, 1, rec.count(pipeline.EventPipelineResumed, ""))
}

func TestEngine_StatusAndQueries(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, fakeTools{"boom": func(map[string]any) (any, error) { return nil, errors.New("x") }})
	require.NoError(t, e.Catalog().Register(&pipeline.Definition{ID: "ok", EntryNodeID: "a", Nodes: []*pipeline.Node{waitNode("a", 0)}}))
	require.NoError(t, e.Catalog().Register(&pipeline.Definition{ID: "bad", EntryNodeID: "a", Nodes: []*pipeline.Node{toolNode("a", "boom", "", nil)}}))

	first, err := e.Run(t.Context(), "ok", nil)
	require.NoError(t, err)
	_, err = e.Run(t.Context(), "bad", nil)
	require.NoError(t, err)

	assert.Equal(t, pipeline.Status{Pipelines: 2, CompletedRuns: 1, FailedRuns: 1}, e.GetStatus())
	got, ok := e.GetRun(first.RunID())
	require.True(t, ok)
	assert.Same(t, first, got)
	_, ok = e.GetRun("missing")
	assert.False(t, ok)

	runs := e.GetAllRuns()
	require.Len(t, runs, 2)
	assert.Equal(t, "ok", runs[0].PipelineID())
	assert.Equal(t, "bad", runs[1].PipelineID())

	snap := runs[1].Snapshot()
	assert.Equal(t, pipeline.RunFailed, snap.Status)
	assert.Equal(t, "a", snap.FailedNodeID)
	assert.NotNil(t, snap.CompletedAt)
	assert.NotEmpty(t, snap.Error)
}

func TestEngine_SubscriberPanicDoesNotAbortRun(t *testing.T) {
	t.Parallel()
	e, rec := newTestEngine(t, fakeTools{})
	e.Subscribe(func(pipeline.Event) { panic("dashboard bug") })
	require.NoError(t, e.Catalog().Register(&pipeline.Definition{ID: "p", EntryNodeID: "a", Nodes: []*pipeline.Node{waitNode("a", 0)}}))

	pctx, err := e.Run(t.Context(), "p", nil)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunCompleted, pctx.Status())
	assert.Equal(t, 1, rec.count(pipeline.EventPipelineCompleted, ""))
}

func TestEngine_DoneClosesAfterTerminalEvent(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, fakeTools{})
	require.NoError(t, e.Catalog().Register(&pipeline.Definition{ID: "p", EntryNodeID: "a", Nodes: []*pipeline.Node{waitNode("a", 5)}}))

	var terminal atomic.Bool
	e.Subscribe(func(ev pipeline.Event) {
		if ev.Type == pipeline.EventPipelineCompleted {
			terminal.Store(true)
		}
	})
	pctx, err := e.Start(t.Context(), "p", nil)
	require.NoError(t, err)
	<-pctx.Done()
	assert.True(t, terminal.Load())
}

// ─── Tracing ──────────────────────────────────────────────────────────────────

func TestEngine_Spans(t *testing.T) {
	t.Parallel()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	e, _ := newTestEngine(t, fakeTools{}, pipeline.WithTracer(tp.Tracer("test")))
	require.NoError(t, e.Catalog().Register(&pipeline.Definition{
		ID: "p", EntryNodeID: "a",
		Nodes: []*pipeline.Node{waitNode("a", 0), waitNode("b", 0)},
		Edges: edges("a", "b"),
	}))
	pctx, err := e.Run(t.Context(), "p", nil)
	require.NoError(t, err)
	require.Equal(t, pipeline.RunCompleted, pctx.Status())

	spans := sr.Ended()
	require.Len(t, spans, 3)
	var root sdktrace.ReadOnlySpan
	nodes := 0
	for _, s := range spans {
		switch s.Name() {
		case "pipeline.run":
			root = s
		case "pipeline.node":
			nodes++
		}
	}
	require.NotNil(t, root)
	assert.Equal(t, 2, nodes)
	for _, s := range spans {
		if s.Name() == "pipeline.node" {
			assert.Equal(t, root.SpanContext().SpanID(), s.Parent().SpanID())
		}
	}
}
