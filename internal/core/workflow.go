// Package core defines the domain model shared by the workflow executor,
// the node executors, and the tool-server connection manager.
package core

import (
	"errors"
	"fmt"
)

// NodeType discriminates which executor runs a node.
type NodeType string

const (
	NodeTypeLLM   NodeType = "llm"
	NodeTypeTool  NodeType = "tool"
	NodeTypeHuman NodeType = "human"
	NodeTypeMCP   NodeType = "mcp"
)

// ParseNodeType validates a raw node type token.
func ParseNodeType(s string) (NodeType, error) {
	switch NodeType(s) {
	case NodeTypeLLM, NodeTypeTool, NodeTypeHuman, NodeTypeMCP:
		return NodeType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownNodeType, s)
}

// InputSpec declares one workflow input.
type InputSpec struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
}

// Edge is an explicit dependency in a workflow definition, an alternative
// spelling of Node.Dependencies. The loader folds edges into the target
// node's dependency list.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// Workflow is an immutable workflow definition. Node order is informational
// only; scheduling obeys the dependency graph.
type Workflow struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Version     int                  `json:"version"`
	Inputs      map[string]InputSpec `json:"inputs,omitempty"`
	Vars        map[string]any       `json:"vars,omitempty"`
	Nodes       []Node               `json:"nodes"`
	Edges       []Edge               `json:"edges,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Node is a single workflow node. Config is opaque to the scheduler and
// interpreted by the executor matching Type.
type Node struct {
	ID           string         `json:"id"`
	Type         NodeType       `json:"type"`
	Config       map[string]any `json:"config"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Retries      int            `json:"retries,omitempty"`
}

var (
	// ErrUnknownNodeType is returned for a node type with no executor.
	ErrUnknownNodeType = errors.New("unknown node type")
)
