package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/ravi-parthasarathy/flowpress/pkg/pipeline"
)

// DelayHandler pauses the branch for a fixed duration.
// The wait is cancellable via the context.
type DelayHandler struct{}

func (h *DelayHandler) Handle(ctx context.Context, node *pipeline.Node, _ *pipeline.Execution) (any, error) {
	cfg, ok := node.Config.(*pipeline.DelayConfig)
	if !ok {
		return nil, configError(node, pipeline.NodeTypeDelay)
	}
	if cfg.DelayMs < 0 {
		return nil, fmt.Errorf("delay node %q: negative delay %dms", node.ID, cfg.DelayMs)
	}

	timer := time.NewTimer(time.Duration(cfg.DelayMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("delay node %q: cancelled: %w", node.ID, ctx.Err())
	case <-timer.C:
		return map[string]any{"delayMs": cfg.DelayMs}, nil
	}
}
