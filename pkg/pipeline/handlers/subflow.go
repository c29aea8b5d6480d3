package handlers

import (
	"context"
	"fmt"

	"github.com/ravi-parthasarathy/flowpress/pkg/pipeline"
)

// SubflowHandler runs another registered pipeline as a nested run. Input
// values are resolved from this run's data; on success the mapped output
// paths are copied back from the child's data.
type SubflowHandler struct{}

func (h *SubflowHandler) Handle(ctx context.Context, node *pipeline.Node, x *pipeline.Execution) (any, error) {
	cfg, ok := node.Config.(*pipeline.SubflowConfig)
	if !ok {
		return nil, configError(node, pipeline.NodeTypeSubflow)
	}
	pctx := x.Context()

	input := make(map[string]any, len(cfg.InputMapping))
	for key, path := range cfg.InputMapping {
		if v, ok := pctx.Resolve(path); ok {
			input[key] = v
		}
	}

	child, err := x.RunSubflow(ctx, cfg.PipelineID, input)
	if err != nil {
		return nil, fmt.Errorf("subflow %q: %w", cfg.PipelineID, err)
	}
	result := map[string]any{"runId": child.RunID(), "status": string(child.Status())}
	if child.Status() != pipeline.RunCompleted {
		return result, fmt.Errorf("subflow %q run %s: %w", cfg.PipelineID, child.RunID(), child.Err())
	}

	for key, path := range cfg.OutputMapping {
		if v, ok := child.Resolve(path); ok {
			pctx.Set(key, v)
		}
	}
	return result, nil
}
