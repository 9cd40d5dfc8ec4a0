package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/ryehq/rye-core/capability"
	"github.com/ryehq/rye-core/dispatch"
	"github.com/ryehq/rye-core/hooks/condition"
	"github.com/ryehq/rye-core/interpolate"
)

// TerminationReason explains why a walk stopped.
type TerminationReason string

const (
	TerminationReturn      TerminationReason = "return_node"
	TerminationMissingNext TerminationReason = "missing_next"
	TerminationMaxSteps    TerminationReason = "max_steps_exceeded"
)

// Options wires a Walker to its collaborators.
type Options struct {
	Dispatcher *dispatch.Dispatcher
	Artifacts  ArtifactStore
	Signer     capability.Signer
	Now        func() time.Time
}

// Walker drives a Definition's node/edge loop to termination (spec.md
// §4.13), persisting a signed artifact after every step so a crash mid-walk
// resumes from the last recorded node and state.
type Walker struct {
	dispatcher *dispatch.Dispatcher
	artifacts  ArtifactStore
	signer     capability.Signer
	now        func() time.Time
}

// New constructs a Walker.
func New(opts Options) (*Walker, error) {
	if opts.Dispatcher == nil || opts.Artifacts == nil || opts.Signer == nil {
		return nil, fmt.Errorf("graph: Dispatcher, Artifacts, and Signer are required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Walker{dispatcher: opts.Dispatcher, artifacts: opts.Artifacts, signer: opts.Signer, now: opts.Now}, nil
}

// Request starts (or, with Resume, continues) one walk.
type Request struct {
	ThreadID string
	Graph    Definition
	Token    *capability.Token
	Inputs   map[string]any
	State    map[string]any

	// Resume loads the latest artifact for ThreadID and continues from its
	// recorded current_node/state instead of starting at Graph.Start.
	Resume bool
}

// Result is what a walk reports once it terminates.
type Result struct {
	FinalNode string
	State     map[string]any
	Steps     int
	Reason    TerminationReason
}

// Run drives req's graph to termination.
func (w *Walker) Run(ctx context.Context, req Request) (Result, error) {
	current := req.Graph.Start
	state := cloneState(req.State)
	step := 0

	if req.Resume {
		art, ok, err := w.artifacts.Latest(req.ThreadID)
		if err != nil {
			return Result{}, fmt.Errorf("graph: loading latest artifact: %w", err)
		}
		if ok {
			current = art.CurrentNode
			state = cloneState(art.State)
			step = art.Step
		}
	}

	maxSteps := req.Graph.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 1000
	}

	for {
		if step >= maxSteps {
			return Result{FinalNode: current, State: state, Steps: step, Reason: TerminationMaxSteps}, nil
		}
		node, ok := req.Graph.Nodes[current]
		if !ok {
			return Result{}, fmt.Errorf("graph: node %q not found", current)
		}

		var result any
		if node.Action != nil {
			params := interpolateParams(node.Action.Params, req.Inputs, state, nil)
			res := w.dispatcher.Dispatch(ctx, req.Token, capability.PrimaryExecute, "tool", node.Action.Tool, params)
			if res.Denied {
				return Result{}, fmt.Errorf("graph: node %q action denied: %s", current, res.Reason)
			}
			if res.Err != nil {
				return Result{}, fmt.Errorf("graph: node %q action failed: %w", current, res.Err)
			}
			result = unwrapEnvelope(res.Data)
		}

		for key, expr := range node.Assign {
			state[key] = interpolate.Value(expr, interpolate.Namespaces{Inputs: req.Inputs, State: state, Result: result})
		}
		step++

		if err := w.persist(req.ThreadID, current, state, step); err != nil {
			return Result{}, fmt.Errorf("graph: persisting step %d: %w", step, err)
		}

		if node.Return {
			return Result{FinalNode: current, State: state, Steps: step, Reason: TerminationReturn}, nil
		}

		next, matched := matchEdge(node.Edges, state)
		if !matched {
			return Result{FinalNode: current, State: state, Steps: step, Reason: TerminationMissingNext}, nil
		}
		current = next
	}
}

func matchEdge(edges []Edge, state map[string]any) (string, bool) {
	for _, e := range edges {
		if e.When == nil || condition.Eval(*e.When, condition.Context(state)) {
			return e.Next, true
		}
	}
	return "", false
}

func (w *Walker) persist(threadID, currentNode string, state map[string]any, step int) error {
	sha, sig, fingerprint, err := signState(w.signer, currentNode, state)
	if err != nil {
		return err
	}
	return w.artifacts.Write(Artifact{
		ThreadID: threadID, Step: step, CurrentNode: currentNode, State: state,
		CreatedAt: w.now(), ContentSHA256: sha, Signature: sig, KeyFingerprint: fingerprint,
	})
}

func cloneState(s map[string]any) map[string]any {
	out := make(map[string]any, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func interpolateParams(params map[string]any, inputs, state map[string]any, result any) map[string]any {
	ns := interpolate.Namespaces{Inputs: inputs, State: state, Result: result}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if s, ok := v.(string); ok {
			out[k] = interpolate.Value(s, ns)
			continue
		}
		out[k] = v
	}
	return out
}

// unwrapEnvelope lifts a "data" sub-map's fields to the top level when the
// dispatcher's result is wrapped in an execution envelope (e.g. an HTTP
// executor's {"data": {...}, "status": 200}); any other shape passes through
// unchanged.
func unwrapEnvelope(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	data, ok := m["data"].(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m)-1+len(data))
	for k, val := range m {
		if k != "data" {
			out[k] = val
		}
	}
	for k, val := range data {
		out[k] = val
	}
	return out
}
