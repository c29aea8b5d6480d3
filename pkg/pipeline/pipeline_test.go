package pipeline_test

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravi-parthasarathy/flowpress/pkg/pipeline"
)

// ─── Parser tests ─────────────────────────────────────────────────────────────

const contentDOT = `digraph content {
	id="content"
	label="Blog to social"
	scrape   [type=tool, tool=scrape, map="url=source.url", output=article, retry_max=3, retry_delay_ms=100]
	review   [type=condition, expr="article.words > 300", if_true=fan, if_false=expand]
	expand   [type=transform, expr="return article.body + ' (expanded)'", output=body]
	fan      [type=parallel, nodes="twitter,linkedin", wait=all]
	twitter  [type=tool, tool=publish_webhook, params="{\"platform\":\"twitter\"}", timeout_ms=5000]
	linkedin [type=tool, tool=publish_webhook, params="{\"platform\":\"linkedin\"}"]
	hold     [type=approval, prompt="Ship it?", default=approve, approval_timeout_ms=60000]
	cool     [type=delay, delay_ms=250]
	tags     [type=subflow, pipeline=hashtags, inputs="topic=article.title", outputs="tags=tags"]
	scrape -> review
	expand -> hold
	hold -> cool
	cool -> tags
}`

func TestParseDOT_ContentPipeline(t *testing.T) {
	t.Parallel()
	def, err := pipeline.ParseDOT(contentDOT)
	require.NoError(t, err)

	assert.Equal(t, "content", def.ID)
	assert.Equal(t, "Blog to social", def.Name)
	assert.Equal(t, "scrape", def.EntryNodeID)
	assert.Len(t, def.Nodes, 9)
	assert.Len(t, def.Edges, 4)
	assert.Empty(t, pipeline.Validate(def))

	scrape, ok := def.Node("scrape")
	require.True(t, ok)
	assert.Equal(t, &pipeline.ToolConfig{
		ToolName:     "scrape",
		ParamMapping: map[string]string{"url": "source.url"},
		OutputKey:    "article",
	}, scrape.Config)
	assert.Equal(t, &pipeline.RetryPolicy{MaxAttempts: 3, DelayMs: 100}, scrape.Retry)

	review, _ := def.Node("review")
	assert.Equal(t, &pipeline.ConditionConfig{Expression: "article.words > 300", TrueBranch: "fan", FalseBranch: "expand"}, review.Config)

	fan, _ := def.Node("fan")
	assert.Equal(t, &pipeline.ParallelConfig{NodeIDs: []string{"twitter", "linkedin"}, WaitFor: pipeline.WaitAll}, fan.Config)

	twitter, _ := def.Node("twitter")
	assert.Equal(t, int64(5000), twitter.TimeoutMs)
	assert.Equal(t, map[string]any{"platform": "twitter"}, twitter.Config.(*pipeline.ToolConfig).Params)

	hold, _ := def.Node("hold")
	assert.Equal(t, &pipeline.ApprovalConfig{Prompt: "Ship it?", DefaultAction: pipeline.ActionApprove, TimeoutMs: 60000}, hold.Config)

	cool, _ := def.Node("cool")
	assert.Equal(t, &pipeline.DelayConfig{DelayMs: 250}, cool.Config)

	tags, _ := def.Node("tags")
	assert.Equal(t, &pipeline.SubflowConfig{
		PipelineID:    "hashtags",
		InputMapping:  map[string]string{"topic": "article.title"},
		OutputMapping: map[string]string{"tags": "tags"},
	}, tags.Config)
}

func TestParseDOT_ExplicitEntry(t *testing.T) {
	t.Parallel()
	def, err := pipeline.ParseDOT(`digraph p {
		entry=b
		a [type=delay, delay_ms=1]
		b [type=delay, delay_ms=1]
	}`)
	require.NoError(t, err)
	assert.Equal(t, "p", def.ID)
	assert.Equal(t, "b", def.EntryNodeID)
}

func TestParseDOT_Errors(t *testing.T) {
	t.Parallel()
	_, err := pipeline.ParseDOT(`digraph {`)
	assert.Error(t, err)

	_, err = pipeline.ParseDOT(`digraph p { a [type=delay, delay_ms=soon] }`)
	assert.ErrorContains(t, err, "delay_ms")

	_, err = pipeline.ParseDOT(`digraph p { a [type=tool, tool=x, params="[1,2]"] }`)
	assert.ErrorContains(t, err, "JSON object")
}

func TestRenderDOT(t *testing.T) {
	t.Parallel()
	def, err := pipeline.ParseDOT(contentDOT)
	require.NoError(t, err)

	out, err := pipeline.RenderDOT(def)
	require.NoError(t, err)
	assert.Contains(t, out, "digraph content")
	assert.Contains(t, out, "scrape->review")
	assert.Contains(t, out, "shape=diamond")
	assert.Contains(t, out, "style=dashed")

	// The rendered graph is valid DOT.
	_, err = pipeline.ParseDOT(out)
	assert.NoError(t, err)
}

// ─── Codec tests ──────────────────────────────────────────────────────────────

const contentJSON = `{
	"id": "content",
	"name": "Content",
	"entryNodeId": "scrape",
	"defaults": {"source": {"url": "https://example.com/blog"}},
	"nodes": [
		{"id": "scrape", "type": "tool", "config": {"toolName": "scrape", "paramMapping": {"url": "source.url"}, "outputKey": "article"},
		 "retry": {"maxAttempts": 3, "delayMs": 100}, "timeoutMs": 5000},
		{"id": "review", "type": "condition", "config": {"expression": "article.words > 300", "trueBranch": "publish", "falseBranch": "expand"}},
		{"id": "expand", "type": "transform", "config": {"expression": "article.body", "outputKey": "body"}},
		{"id": "publish", "type": "delay", "config": {"delayMs": 0}}
	],
	"edges": [{"from": "scrape", "to": "review"}, {"from": "expand", "to": "publish"}]
}`

const contentYAML = `
id: content
name: Content
entryNodeId: scrape
defaults:
  source:
    url: https://example.com/blog
nodes:
  - id: scrape
    type: tool
    config:
      toolName: scrape
      paramMapping:
        url: source.url
      outputKey: article
    retry:
      maxAttempts: 3
      delayMs: 100
    timeoutMs: 5000
  - id: review
    type: condition
    config:
      expression: article.words > 300
      trueBranch: publish
      falseBranch: expand
  - id: expand
    type: transform
    config:
      expression: article.body
      outputKey: body
  - id: publish
    type: delay
    config:
      delayMs: 0
edges:
  - {from: scrape, to: review}
  - {from: expand, to: publish}
`

func TestDecodeJSONAndYAMLAgree(t *testing.T) {
	t.Parallel()
	fromJSON, err := pipeline.DecodeJSON([]byte(contentJSON))
	require.NoError(t, err)
	fromYAML, err := pipeline.DecodeYAML([]byte(contentYAML))
	require.NoError(t, err)

	assert.Equal(t, fromJSON, fromYAML)
	assert.Empty(t, pipeline.Validate(fromJSON))
	assert.IsType(t, &pipeline.ToolConfig{}, fromJSON.Nodes[0].Config)
	assert.IsType(t, &pipeline.ConditionConfig{}, fromJSON.Nodes[1].Config)
}

func TestEncodeJSONRoundTrip(t *testing.T) {
	t.Parallel()
	def, err := pipeline.DecodeJSON([]byte(contentJSON))
	require.NoError(t, err)

	raw, err := pipeline.EncodeJSON(def)
	require.NoError(t, err)
	again, err := pipeline.DecodeJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, def, again)
}

func TestDecodeJSON_UnknownTypeIsLinted(t *testing.T) {
	t.Parallel()
	def, err := pipeline.DecodeJSON([]byte(`{"id":"p","entryNodeId":"x","nodes":[{"id":"x","type":"codergen"}]}`))
	require.NoError(t, err)
	errs := pipeline.Validate(def)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "unsupported node type")
}

func TestLoadDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(contentJSON), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(strings.Replace(contentYAML, "id: content", "id: other", 1)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hashtags.dot"), []byte(`digraph { tag [type=transform, expr="1"] }`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	defs, err := pipeline.LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, defs, 3)
	assert.Equal(t, "content", defs[0].ID)
	assert.Equal(t, "other", defs[1].ID)
	// Anonymous DOT graphs take the file name.
	assert.Equal(t, "hashtags", defs[2].ID)
	assert.Equal(t, "tag", defs[2].EntryNodeID)
}

func TestLoadFile_Unsupported(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "p.toml")
	require.NoError(t, os.WriteFile(path, []byte("id = 'p'"), 0o644))
	_, err := pipeline.LoadFile(path)
	assert.ErrorContains(t, err, "unsupported definition format")
}

// ─── Validator tests ──────────────────────────────────────────────────────────

func delayNode(id string) *pipeline.Node {
	return &pipeline.Node{ID: id, Type: pipeline.NodeTypeDelay, Config: &pipeline.DelayConfig{}}
}

func lintMessages(errs []pipeline.LintError) string {
	var b strings.Builder
	for _, e := range errs {
		b.WriteString(e.Error())
		b.WriteByte('\n')
	}
	return b.String()
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		def  *pipeline.Definition
		want string
	}{
		{
			name: "missing id and entry",
			def:  &pipeline.Definition{Nodes: []*pipeline.Node{delayNode("a")}},
			want: "pipeline id is required",
		},
		{
			name: "unknown entry",
			def:  &pipeline.Definition{ID: "p", EntryNodeID: "zz", Nodes: []*pipeline.Node{delayNode("a")}},
			want: `entry node "zz" does not exist`,
		},
		{
			name: "duplicate node",
			def:  &pipeline.Definition{ID: "p", EntryNodeID: "a", Nodes: []*pipeline.Node{delayNode("a"), delayNode("a")}},
			want: "duplicate node id",
		},
		{
			name: "dangling edge",
			def: &pipeline.Definition{ID: "p", EntryNodeID: "a", Nodes: []*pipeline.Node{delayNode("a")},
				Edges: []*pipeline.Edge{{From: "a", To: "ghost"}}},
			want: `unknown target node "ghost"`,
		},
		{
			name: "cycle",
			def: &pipeline.Definition{ID: "p", EntryNodeID: "a", Nodes: []*pipeline.Node{delayNode("a"), delayNode("b")},
				Edges: []*pipeline.Edge{{From: "a", To: "b"}, {From: "b", To: "a"}}},
			want: "part of a cycle",
		},
		{
			name: "config mismatch",
			def: &pipeline.Definition{ID: "p", EntryNodeID: "a", Nodes: []*pipeline.Node{
				{ID: "a", Type: pipeline.NodeTypeTool, Config: &pipeline.DelayConfig{}}}},
			want: "config is for delay, node type is tool",
		},
		{
			name: "missing required field",
			def: &pipeline.Definition{ID: "p", EntryNodeID: "a", Nodes: []*pipeline.Node{
				{ID: "a", Type: pipeline.NodeTypeTool, Config: &pipeline.ToolConfig{}}}},
			want: `config.toolName fails "required"`,
		},
		{
			name: "bad wait mode",
			def: &pipeline.Definition{ID: "p", EntryNodeID: "a", Nodes: []*pipeline.Node{
				{ID: "a", Type: pipeline.NodeTypeParallel, Config: &pipeline.ParallelConfig{NodeIDs: []string{"b"}, WaitFor: "most"}},
				delayNode("b")}},
			want: `config.waitFor fails "oneof"`,
		},
		{
			name: "parallel lists itself",
			def: &pipeline.Definition{ID: "p", EntryNodeID: "a", Nodes: []*pipeline.Node{
				{ID: "a", Type: pipeline.NodeTypeParallel, Config: &pipeline.ParallelConfig{NodeIDs: []string{"a"}}}}},
			want: "lists itself",
		},
		{
			name: "unknown branch",
			def: &pipeline.Definition{ID: "p", EntryNodeID: "a", Nodes: []*pipeline.Node{
				{ID: "a", Type: pipeline.NodeTypeCondition, Config: &pipeline.ConditionConfig{Expression: "true", TrueBranch: "nope"}}}},
			want: `trueBranch references unknown node "nope"`,
		},
		{
			name: "retry without attempts",
			def: &pipeline.Definition{ID: "p", EntryNodeID: "a", Nodes: []*pipeline.Node{
				{ID: "a", Type: pipeline.NodeTypeDelay, Config: &pipeline.DelayConfig{}, Retry: &pipeline.RetryPolicy{}}}},
			want: `retry.maxAttempts fails "gte"`,
		},
		{
			name: "negative timeout",
			def: &pipeline.Definition{ID: "p", EntryNodeID: "a", Nodes: []*pipeline.Node{
				{ID: "a", Type: pipeline.NodeTypeDelay, Config: &pipeline.DelayConfig{}, TimeoutMs: -1}}},
			want: "timeoutMs must not be negative",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			errs := pipeline.Validate(tc.def)
			require.NotEmpty(t, errs)
			assert.Contains(t, lintMessages(errs), tc.want)
		})
	}
}

func TestValidateErr(t *testing.T) {
	t.Parallel()
	assert.NoError(t, pipeline.ValidateErr(&pipeline.Definition{ID: "p", EntryNodeID: "a", Nodes: []*pipeline.Node{delayNode("a")}}))

	err := pipeline.ValidateErr(&pipeline.Definition{ID: "p"})
	assert.ErrorIs(t, err, pipeline.ErrInvalidDefinition)
	assert.ErrorContains(t, err, "entryNodeId is required")
}

// ─── Catalog tests ────────────────────────────────────────────────────────────

func TestCatalog_RoundTrip(t *testing.T) {
	t.Parallel()
	cat := pipeline.NewCatalog()
	def, err := pipeline.DecodeJSON([]byte(contentJSON))
	require.NoError(t, err)

	require.NoError(t, cat.Register(def))
	got, ok := cat.Get("content")
	require.True(t, ok)
	assert.Equal(t, def, got)
	assert.Equal(t, 1, cat.Len())

	assert.True(t, cat.Unregister("content"))
	_, ok = cat.Get("content")
	assert.False(t, ok)
	assert.False(t, cat.Unregister("content"))
}

func TestCatalog_RegisterRejectsInvalid(t *testing.T) {
	t.Parallel()
	cat := pipeline.NewCatalog()
	err := cat.Register(&pipeline.Definition{ID: "broken", EntryNodeID: "missing"})
	assert.ErrorIs(t, err, pipeline.ErrInvalidDefinition)
	assert.Zero(t, cat.Len())
}

func TestCatalog_ListSortedAndOverwrite(t *testing.T) {
	t.Parallel()
	cat := pipeline.NewCatalog()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, cat.Register(&pipeline.Definition{ID: id, EntryNodeID: "a", Nodes: []*pipeline.Node{delayNode("a")}}))
	}
	require.NoError(t, cat.Register(&pipeline.Definition{ID: "mid", Name: "v2", EntryNodeID: "a", Nodes: []*pipeline.Node{delayNode("a")}}))

	var ids []string
	for _, d := range cat.List() {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
	mid, _ := cat.Get("mid")
	assert.Equal(t, "v2", mid.Name)
}

// ─── Path resolver tests ──────────────────────────────────────────────────────

func TestResolvePath(t *testing.T) {
	t.Parallel()
	data := map[string]any{
		"article": map[string]any{
			"title":    "Go 1.25",
			"sections": []any{map[string]any{"heading": "Intro"}, map[string]any{"heading": "Details"}},
			"meta":     map[string]any{"read-time": 4, "draft": false},
		},
		"grid":  []any{[]any{1, 2}, []any{3, 4}},
		"empty": nil,
	}
	cases := []struct {
		path string
		want any
		ok   bool
	}{
		{"article.title", "Go 1.25", true},
		{"article.sections[1].heading", "Details", true},
		{"article.meta.read-time", 4, true},
		{"article.meta.draft", false, true},
		{"grid[1][0]", 3, true},
		{"grid[0][-1]", nil, false},
		{"article.title[0]", nil, false},
		{"empty", nil, true},
		{"article.sections[5].heading", nil, false},
		{"article.missing", nil, false},
		{"article..title", nil, false},
		{"grid[x]", nil, false},
		{"", nil, false},
	}
	for _, tc := range cases {
		got, ok := pipeline.ResolvePath(data, tc.path)
		assert.Equal(t, tc.ok, ok, tc.path)
		assert.Equal(t, tc.want, got, tc.path)
	}
}

func TestResolvePath_Object(t *testing.T) {
	t.Parallel()
	got, ok := pipeline.ResolvePath(map[string]any{"a": map[string]any{"b": []any{"x"}}}, "a")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"b": []any{"x"}}, got)
}

func TestResolvePath_KeepsGoValues(t *testing.T) {
	t.Parallel()
	type author struct {
		Name    string   `json:"name"`
		Handles []string `json:"handles"`
	}
	published := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	big := int64(1)<<53 + 1
	data := map[string]any{
		"views":     big,
		"published": published,
		"author":    author{Name: "Dana", Handles: []string{"@dana", "dana.dev"}},
		"tags":      []string{"go", "dag"},
		"ratio":     math.NaN(),
		"done":      make(chan struct{}),
		"post":      map[string]any{"title": "Launch day"},
	}

	got, ok := pipeline.ResolvePath(data, "views")
	require.True(t, ok)
	assert.Equal(t, big, got)

	got, ok = pipeline.ResolvePath(data, "published")
	require.True(t, ok)
	assert.Equal(t, published, got)

	got, ok = pipeline.ResolvePath(data, "author")
	require.True(t, ok)
	assert.IsType(t, author{}, got)

	got, ok = pipeline.ResolvePath(data, "post.title")
	require.True(t, ok)
	assert.Equal(t, "Launch day", got)

	got, ok = pipeline.ResolvePath(data, "ratio")
	require.True(t, ok)
	assert.True(t, math.IsNaN(got.(float64)))

	got, ok = pipeline.ResolvePath(data, "author.handles[1]")
	require.True(t, ok)
	assert.Equal(t, "dana.dev", got)

	got, ok = pipeline.ResolvePath(data, "tags[0]")
	require.True(t, ok)
	assert.Equal(t, "go", got)

	_, ok = pipeline.ResolvePath(data, "author.email")
	assert.False(t, ok)
	_, ok = pipeline.ResolvePath(data, "done.x")
	assert.False(t, ok)
}

// ─── Event bus tests ──────────────────────────────────────────────────────────

func TestEventBus_PanickingSubscriberIsolated(t *testing.T) {
	t.Parallel()
	bus := pipeline.NewEventBus(nil)
	var got atomic.Int32
	bus.Subscribe(func(pipeline.Event) { panic("subscriber bug") })
	id := bus.Subscribe(func(ev pipeline.Event) {
		assert.False(t, ev.Time.IsZero())
		got.Add(1)
	})

	bus.Publish(pipeline.Event{Type: pipeline.EventNodeStarted, RunID: "r1"})
	assert.Equal(t, int32(1), got.Load())

	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id))
	bus.Publish(pipeline.Event{Type: pipeline.EventNodeStarted, RunID: "r1"})
	assert.Equal(t, int32(1), got.Load())
}

// ─── Context tests ────────────────────────────────────────────────────────────

func TestPipelineContext_DataIsCopied(t *testing.T) {
	t.Parallel()
	pctx := pipeline.NewPipelineContext("p", "r")
	pctx.Set("post", map[string]any{"tags": []any{"go"}})

	data := pctx.Data()
	data["post"].(map[string]any)["tags"].([]any)[0] = "rust"
	data["new"] = true

	v, _ := pctx.Resolve("post.tags[0]")
	assert.Equal(t, "go", v)
	_, ok := pctx.Get("new")
	assert.False(t, ok)
}

func TestPipelineContext_Snapshot(t *testing.T) {
	t.Parallel()
	pctx := pipeline.NewPipelineContext("p", "r")
	pctx.Merge(map[string]any{"a": 1, "b": "two"})
	pctx.Log(pipeline.LogInfo, "n", "hello")

	snap := pctx.Snapshot()
	assert.Equal(t, "r", snap.RunID)
	assert.Equal(t, pipeline.RunRunning, snap.Status)
	assert.Equal(t, map[string]any{"a": 1, "b": "two"}, snap.Data)
	require.Len(t, snap.Logs, 1)
	assert.Equal(t, "hello", snap.Logs[0].Message)
	assert.Nil(t, snap.CompletedAt)
	assert.Equal(t, "two", pctx.GetString("b"))
	assert.Equal(t, "", pctx.GetString("a"))
}
