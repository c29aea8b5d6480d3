package handlers

import (
	"context"
	"fmt"

	"github.com/ravi-parthasarathy/flowpress/pkg/pipeline"
)

// ConditionHandler evaluates a boolean expression and selects a branch.
// The branch not taken is marked skipped. An expression that fails to
// evaluate counts as false.
type ConditionHandler struct{}

func (h *ConditionHandler) Handle(_ context.Context, node *pipeline.Node, x *pipeline.Execution) (any, error) {
	cfg, ok := node.Config.(*pipeline.ConditionConfig)
	if !ok {
		return nil, configError(node, pipeline.NodeTypeCondition)
	}

	result, err := x.Evaluator().EvalBool(cfg.Expression, x.Env())
	if err != nil {
		x.Log(pipeline.LogWarn, node.ID, fmt.Sprintf("%v: %v; taking the false branch", pipeline.ErrConditionEvaluationFailed, err))
		result = false
	}

	selected, other := cfg.TrueBranch, cfg.FalseBranch
	if !result {
		selected, other = other, selected
	}
	out := pipeline.ConditionResult{Result: result, Selected: selected}
	if other != "" && other != selected && x.Skip(other, node.ID, "branch not taken") {
		out.Skipped = other
	}
	return out, nil
}
