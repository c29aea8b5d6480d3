package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// LintError describes a structural problem in a definition.
type LintError struct {
	NodeID  string
	Message string
}

func (e LintError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("node %q: %s", e.NodeID, e.Message)
	}
	return e.Message
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a definition for structural correctness.
// Returns all discovered errors (not just the first).
func Validate(def *Definition) []LintError {
	var errs []LintError
	if def == nil {
		return []LintError{{Message: "definition is nil"}}
	}
	if def.ID == "" {
		errs = append(errs, LintError{Message: "pipeline id is required"})
	}
	if len(def.Nodes) == 0 {
		errs = append(errs, LintError{Message: "pipeline has no nodes"})
	}

	ids := make(map[string]bool, len(def.Nodes))
	for i, n := range def.Nodes {
		if n == nil {
			errs = append(errs, LintError{Message: fmt.Sprintf("nodes[%d] is nil", i)})
			continue
		}
		if n.ID == "" {
			errs = append(errs, LintError{Message: fmt.Sprintf("nodes[%d] has no id", i)})
			continue
		}
		if ids[n.ID] {
			errs = append(errs, LintError{NodeID: n.ID, Message: "duplicate node id"})
		}
		ids[n.ID] = true
	}

	switch {
	case def.EntryNodeID == "":
		errs = append(errs, LintError{Message: "entryNodeId is required"})
	case !ids[def.EntryNodeID]:
		errs = append(errs, LintError{Message: fmt.Sprintf("entry node %q does not exist", def.EntryNodeID)})
	}

	// All edge endpoints must reference existing nodes.
	for _, e := range def.Edges {
		if e == nil {
			errs = append(errs, LintError{Message: "nil edge"})
			continue
		}
		if !ids[e.From] {
			errs = append(errs, LintError{Message: fmt.Sprintf("edge references unknown source node %q", e.From)})
		}
		if !ids[e.To] {
			errs = append(errs, LintError{Message: fmt.Sprintf("edge references unknown target node %q", e.To)})
		}
	}

	for _, n := range def.Nodes {
		if n == nil || n.ID == "" {
			continue
		}
		errs = append(errs, ValidateNode(n, ids)...)
	}

	if cyc := findCycle(def); cyc != "" {
		errs = append(errs, LintError{NodeID: cyc, Message: "node is part of a cycle; pipelines must be acyclic"})
	}
	return errs
}

// ValidateNode checks a single node's type, config and retry policy. ids is
// the set of node ids in the enclosing definition; nil skips reference checks.
func ValidateNode(n *Node, ids map[string]bool) []LintError {
	var errs []LintError
	if !n.Type.Known() {
		return []LintError{{NodeID: n.ID, Message: fmt.Sprintf("unsupported node type %q", n.Type)}}
	}
	if n.Config == nil {
		return []LintError{{NodeID: n.ID, Message: fmt.Sprintf("missing %s config", n.Type)}}
	}
	if n.Config.NodeType() != n.Type {
		return []LintError{{NodeID: n.ID, Message: fmt.Sprintf("config is for %s, node type is %s", n.Config.NodeType(), n.Type)}}
	}
	errs = append(errs, structErrors(n.ID, "config", n.Config)...)
	if n.Retry != nil {
		errs = append(errs, structErrors(n.ID, "retry", n.Retry)...)
	}
	if n.TimeoutMs < 0 {
		errs = append(errs, LintError{NodeID: n.ID, Message: "timeoutMs must not be negative"})
	}

	ref := func(field, target string) {
		if ids == nil || target == "" || ids[target] {
			return
		}
		errs = append(errs, LintError{NodeID: n.ID, Message: fmt.Sprintf("%s references unknown node %q", field, target)})
	}
	switch cfg := n.Config.(type) {
	case *ConditionConfig:
		ref("trueBranch", cfg.TrueBranch)
		ref("falseBranch", cfg.FalseBranch)
	case *ParallelConfig:
		for _, child := range cfg.NodeIDs {
			if child == n.ID {
				errs = append(errs, LintError{NodeID: n.ID, Message: "parallel node lists itself as a child"})
				continue
			}
			ref("nodeIds", child)
		}
	}
	return errs
}

func structErrors(nodeID, section string, v any) []LintError {
	err := structValidator.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []LintError{{NodeID: nodeID, Message: fmt.Sprintf("%s: %v", section, err)}}
	}
	out := make([]LintError, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s.%s fails %q", section, lowerFirst(fe.Field()), fe.Tag())
		if fe.Param() != "" {
			msg += fmt.Sprintf(" (%s)", fe.Param())
		}
		out = append(out, LintError{NodeID: nodeID, Message: msg})
	}
	return out
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// findCycle returns a node id on a cycle formed by edges, or "" if the edge
// graph is acyclic.
func findCycle(def *Definition) string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int)
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = grey
		for _, e := range def.OutgoingEdges(id) {
			switch color[e.To] {
			case grey:
				return e.To
			case white:
				if c := visit(e.To); c != "" {
					return c
				}
			}
		}
		color[id] = black
		return ""
	}
	for _, n := range def.Nodes {
		if n == nil || color[n.ID] != white {
			continue
		}
		if c := visit(n.ID); c != "" {
			return c
		}
	}
	return ""
}

// ValidateErr calls Validate and returns nil if there are no errors, or an
// ErrInvalidDefinition listing all lint errors.
func ValidateErr(def *Definition) error {
	errs := Validate(def)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("%w:\n  %s", ErrInvalidDefinition, strings.Join(msgs, "\n  "))
}
