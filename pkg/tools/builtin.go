package tools

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/ravi-parthasarathy/flowpress/pkg/llm"
)

// BuiltinOptions configures NewBuiltinRegistry.
type BuiltinOptions struct {
	Workdir     string
	LLM         llm.Client
	MaxTokens   int
	HTTPClient  *http.Client
	HTTPTimeout time.Duration
	// RateLimit throttles generate_content and publish_webhook; zero disables it.
	RateLimit rate.Limit
	Burst     int
	Logger    *slog.Logger
}

// NewBuiltinRegistry registers every built-in tool. generate_content is
// only registered when an LLM client is supplied.
func NewBuiltinRegistry(opts BuiltinOptions) *Registry {
	r := NewRegistry(opts.Logger)
	workdir := opts.Workdir
	if workdir == "" {
		workdir = "."
	}
	r.Register(NewReadFileTool(workdir))
	r.Register(NewWriteFileTool(workdir))
	r.Register(RenderTemplateTool{})
	r.Register(NewPublishWebhookTool(opts.HTTPClient, opts.HTTPTimeout))
	if opts.LLM != nil {
		r.Register(NewGenerateContentTool(opts.LLM, opts.MaxTokens))
	}
	if opts.RateLimit > 0 {
		r.SetRateLimit("generate_content", opts.RateLimit, opts.Burst)
		r.SetRateLimit("publish_webhook", opts.RateLimit, opts.Burst)
	}
	return r
}
