package handlers

import (
	"context"
	"fmt"

	"github.com/ravi-parthasarathy/flowpress/pkg/pipeline"
)

// ApprovalHandler suspends the branch until a decision arrives through
// Engine.HandleApproval or the timeout applies the default action.
type ApprovalHandler struct{}

func (h *ApprovalHandler) Handle(ctx context.Context, node *pipeline.Node, x *pipeline.Execution) (any, error) {
	cfg, ok := node.Config.(*pipeline.ApprovalConfig)
	if !ok {
		return nil, configError(node, pipeline.NodeTypeApproval)
	}
	d, err := x.AwaitApproval(ctx, node, cfg)
	if err != nil {
		return nil, err
	}
	if !d.Approved {
		return d, fmt.Errorf("%w (decided by %s)", pipeline.ErrApprovalRejected, d.DecidedBy)
	}
	x.Log(pipeline.LogInfo, node.ID, "approved by "+d.DecidedBy)
	return d, nil
}
