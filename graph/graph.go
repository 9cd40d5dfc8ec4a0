// Package graph implements the State Graph Walker: an alternative executor
// for directives declared as node graphs rather than free-form LLM loops.
// Each step runs a node's action through the Tool Dispatcher, folds the
// result into state via interpolation, and follows the first matching edge.
package graph

import (
	"github.com/ryehq/rye-core/hooks/condition"
)

// Action is one node's side effect: a single Tool Dispatcher call. Params
// values may contain `${...}` placeholders resolved against inputs/state/
// result before dispatch.
type Action struct {
	Tool   string
	Params map[string]any
}

// Edge is one outgoing transition. A nil When always matches; edges are
// evaluated in declaration order and the first match wins.
type Edge struct {
	When *condition.Condition
	Next string
}

// Node is one graph vertex. Assign maps a state key to a `${...}` expression
// evaluated against inputs/state/the action's result once Action (if any)
// has run. Return marks a terminal node: the walk stops here regardless of
// Edges.
type Node struct {
	Name   string
	Action *Action
	Assign map[string]string
	Edges  []Edge
	Return bool
}

// Definition is the graph a Walker executes: its nodes by name, the entry
// node, and the step ceiling that bounds a runaway walk.
type Definition struct {
	Nodes    map[string]Node
	Start    string
	MaxSteps int
}
