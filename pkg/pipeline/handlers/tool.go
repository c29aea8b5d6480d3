package handlers

import (
	"context"
	"fmt"

	"github.com/ravi-parthasarathy/flowpress/pkg/pipeline"
)

// ToolHandler invokes a named tool. Static params are overlaid with values
// resolved from the context through ParamMapping; mapped paths that do not
// resolve are left out.
type ToolHandler struct{}

func (h *ToolHandler) Handle(ctx context.Context, node *pipeline.Node, x *pipeline.Execution) (any, error) {
	cfg, ok := node.Config.(*pipeline.ToolConfig)
	if !ok {
		return nil, configError(node, pipeline.NodeTypeTool)
	}

	params := make(map[string]any, len(cfg.Params)+len(cfg.ParamMapping))
	for k, v := range cfg.Params {
		params[k] = v
	}
	pctx := x.Context()
	for param, path := range cfg.ParamMapping {
		if v, ok := pctx.Resolve(path); ok {
			params[param] = v
		}
	}

	res := x.ExecuteTool(ctx, cfg.ToolName, params)
	if !res.Success {
		return nil, fmt.Errorf("%w: %s: %s", pipeline.ErrToolExecutionFailed, cfg.ToolName, res.Error)
	}
	if cfg.OutputKey != "" {
		pctx.Set(cfg.OutputKey, res.Data)
	}
	return res.Data, nil
}
