// Package hooks implements the Hook Engine: declarative {event, condition,
// action} rules, priority-ordered and first-match-wins, composed across
// system/project/directive layers.
package hooks

import (
	"github.com/ryehq/rye-core/hooks/condition"
)

// EventType identifies which lifecycle point a rule reacts to.
type EventType string

// The hook event types the engine dispatches on.
const (
	EventThreadStarted         EventType = "thread_started"
	EventStepStart             EventType = "step_start"
	EventAfterStep             EventType = "after_step"
	EventAfterComplete         EventType = "after_complete"
	EventError                 EventType = "error"
	EventLimit                 EventType = "limit"
	EventContextWindowPressure EventType = "context_window_pressure"
	EventDirectiveReturn       EventType = "directive_return"
	EventGraphStarted          EventType = "graph_started"
	EventGraphCompleted        EventType = "graph_completed"
)

// ActionKind is the tag of the Action sum type, covering the
// action table.
type ActionKind string

// The eight action kinds.
const (
	ActionRetry         ActionKind = "retry"
	ActionFail          ActionKind = "fail"
	ActionAbort         ActionKind = "abort"
	ActionContinue      ActionKind = "continue"
	ActionEscalate      ActionKind = "escalate"
	ActionCallDirective ActionKind = "call_directive"
	ActionSuspend       ActionKind = "suspend"
	ActionEmitEvent     ActionKind = "emit_event"
)

// Action is a tagged variant: Kind selects which of the type-specific
// fields below is populated.
type Action struct {
	Kind ActionKind

	// ActionRetry
	MaxAttempts int
	Backoff     BackoffSpec

	// ActionEscalate
	Timeout     int     // seconds
	ProposedMax float64 // new ceiling to request for the limit that fired

	// ActionCallDirective
	Directive string

	// ActionEmitEvent
	EventName    string
	EventPayload map[string]any
}

// BackoffSpec describes a retry action's backoff shape.
type BackoffSpec struct {
	InitialSeconds float64
	Multiplier     float64
}

// Layer identifies which composition layer a Rule was declared in; layers
// compose system < project < directive, with higher layers evaluated first
// within the same priority band.
type Layer int

// The three layers, ordered lowest to highest precedence.
const (
	LayerSystem Layer = iota
	LayerProject
	LayerDirective
)

// Rule is one declarative hook rule.
type Rule struct {
	Name      string
	Event     EventType
	Condition condition.Condition
	Priority  int
	Layer     Layer
	Action    Action
}

// matches reports whether the rule's condition is satisfied by ctx. A Rule
// with a zero-value Condition (no path, no combinators) matches
// unconditionally.
func (r Rule) matches(ctx condition.Context) bool {
	c := r.Condition
	if c.Path == "" && len(c.All) == 0 && len(c.Any) == 0 && c.Not == nil {
		return true
	}
	return condition.Eval(c, ctx)
}
