package handlers

import (
	"context"
	"fmt"

	"github.com/ravi-parthasarathy/flowpress/pkg/pipeline"
)

// TransformHandler evaluates an expression over the context data and
// optionally stores the value under OutputKey.
type TransformHandler struct{}

func (h *TransformHandler) Handle(_ context.Context, node *pipeline.Node, x *pipeline.Execution) (any, error) {
	cfg, ok := node.Config.(*pipeline.TransformConfig)
	if !ok {
		return nil, configError(node, pipeline.NodeTypeTransform)
	}
	v, err := x.Evaluator().Eval(cfg.Expression, x.Env())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", pipeline.ErrTransformEvaluationFailed, err)
	}
	if cfg.OutputKey != "" {
		x.Context().Set(cfg.OutputKey, v)
	}
	return v, nil
}
