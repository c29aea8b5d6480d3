// Package tools provides the tool capability pipelines invoke from tool
// nodes, plus the built-in content and publishing tools.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/time/rate"
)

// Result is the outcome of a tool invocation.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Executor invokes tools by name. Implementations must be safe for
// concurrent use.
type Executor interface {
	ExecuteTool(ctx context.Context, name string, params map[string]any) Result
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, name string, params map[string]any) Result

func (f ExecutorFunc) ExecuteTool(ctx context.Context, name string, params map[string]any) Result {
	return f(ctx, name, params)
}

// Tool is the interface every built-in tool implements.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, params map[string]any) (any, error)
}

// Registry maps tool names to Tool implementations and implements Executor.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	limiters map[string]*rate.Limiter
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry. A nil logger means slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:    make(map[string]Tool),
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
}

// Register adds a tool to the registry, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// SetRateLimit throttles calls to the named tool. A zero limit removes the throttle.
func (r *Registry) SetRateLimit(name string, limit rate.Limit, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		delete(r.limiters, name)
		return
	}
	if burst < 1 {
		burst = 1
	}
	r.limiters[name] = rate.NewLimiter(limit, burst)
}

// Get returns the tool with the given name, or an error if not found.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return t, nil
}

// All returns all registered tools sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// ExecuteTool runs the named tool. Failures, including unknown tools, rate
// limit cancellation and panics, are reported in the Result.
func (r *Registry) ExecuteTool(ctx context.Context, name string, params map[string]any) (res Result) {
	r.mu.RLock()
	t, ok := r.tools[name]
	lim := r.limiters[name]
	r.mu.RUnlock()
	if !ok {
		return Result{Error: fmt.Sprintf("unknown tool %q", name)}
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return Result{Error: fmt.Sprintf("%s: rate limit: %v", name, err)}
		}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", p)
			res = Result{Error: fmt.Sprintf("%s: panic: %v", name, p)}
		}
	}()
	r.logger.Debug("executing tool", "tool", name)
	data, err := t.Execute(ctx, params)
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{Success: true, Data: data}
}
