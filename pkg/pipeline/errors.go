package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrPipelineNotFound          = errors.New("pipeline not found")
	ErrNodeNotFound              = errors.New("node not found")
	ErrUnsupportedNodeType       = errors.New("unsupported node type")
	ErrToolExecutionFailed       = errors.New("tool execution failed")
	ErrConditionEvaluationFailed = errors.New("condition evaluation failed")
	ErrTransformEvaluationFailed = errors.New("transform evaluation failed")
	ErrApprovalRejected          = errors.New("approval rejected")
	ErrNodeTimeout               = errors.New("node timed out")
	ErrInvalidDefinition         = errors.New("invalid pipeline definition")
	ErrRunNotFound               = errors.New("run not found")
	ErrInvalidRunState           = errors.New("invalid run state")
	ErrRunAborted                = errors.New("run aborted")
	ErrSubflowDepthExceeded      = errors.New("subflow depth exceeded")
)

// NodeError records which node of which run an operation failed on.
type NodeError struct {
	RunID  string
	NodeID string
	Op     string
	Err    error
}

func (e *NodeError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("node %q: %v", e.NodeID, e.Err)
	}
	return fmt.Sprintf("node %q: %s: %v", e.NodeID, e.Op, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }
