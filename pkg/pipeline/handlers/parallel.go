package handlers

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ravi-parthasarathy/flowpress/pkg/pipeline"
)

// ParallelHandler runs its children concurrently, each as a full recursive
// step. With waitFor "all" it returns once every child has settled; with
// "any" it returns when the first one settles and leaves the rest running.
// A failing child does not cancel its siblings, and a child that fails
// after an "any" node has returned does not fail the run.
type ParallelHandler struct{}

func (h *ParallelHandler) Handle(ctx context.Context, node *pipeline.Node, x *pipeline.Execution) (any, error) {
	cfg, ok := node.Config.(*pipeline.ParallelConfig)
	if !ok {
		return nil, configError(node, pipeline.NodeTypeParallel)
	}

	var err error
	if cfg.WaitFor == pipeline.WaitAny {
		settled := make(chan error, len(cfg.NodeIDs))
		for _, child := range cfg.NodeIDs {
			go func() { settled <- x.ExecuteBranch(ctx, child, node.ID) }()
		}
		select {
		case err = <-settled:
		case <-ctx.Done():
			err = ctx.Err()
		}
	} else {
		var g errgroup.Group
		for _, child := range cfg.NodeIDs {
			g.Go(func() error { return x.ExecuteBranch(ctx, child, node.ID) })
		}
		err = g.Wait()
	}

	pctx := x.Context()
	children := make([]pipeline.ChildStatus, len(cfg.NodeIDs))
	for i, child := range cfg.NodeIDs {
		children[i] = pipeline.ChildStatus{NodeID: child, Status: pctx.NodeStatus(child)}
	}
	if err != nil {
		return children, fmt.Errorf("parallel %q: %w", node.ID, err)
	}
	return children, nil
}
