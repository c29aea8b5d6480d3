package handlers

import (
	"fmt"

	"github.com/ravi-parthasarathy/flowpress/pkg/pipeline"
)

// Registry maps node types to Handler implementations.
// It implements the pipeline.HandlerRegistry interface.
type Registry struct {
	handlers map[pipeline.NodeType]pipeline.Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[pipeline.NodeType]pipeline.Handler)}
}

// NewDefaultRegistry returns a Registry with a handler for every built-in node type.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(pipeline.NodeTypeTool, &ToolHandler{})
	r.Register(pipeline.NodeTypeCondition, &ConditionHandler{})
	r.Register(pipeline.NodeTypeParallel, &ParallelHandler{})
	r.Register(pipeline.NodeTypeApproval, &ApprovalHandler{})
	r.Register(pipeline.NodeTypeTransform, &TransformHandler{})
	r.Register(pipeline.NodeTypeDelay, &DelayHandler{})
	r.Register(pipeline.NodeTypeSubflow, &SubflowHandler{})
	return r
}

// Register associates a handler with a node type, replacing any previous one.
func (r *Registry) Register(nodeType pipeline.NodeType, h pipeline.Handler) {
	r.handlers[nodeType] = h
}

// Get returns the handler for a node type, or an error if not registered.
func (r *Registry) Get(nodeType pipeline.NodeType) (pipeline.Handler, error) {
	h, ok := r.handlers[nodeType]
	if !ok {
		return nil, fmt.Errorf("%w: no handler registered for %q", pipeline.ErrUnsupportedNodeType, nodeType)
	}
	return h, nil
}

func configError(node *pipeline.Node, want pipeline.NodeType) error {
	return fmt.Errorf("%s node %q: config is %T, want %s config", node.Type, node.ID, node.Config, want)
}
