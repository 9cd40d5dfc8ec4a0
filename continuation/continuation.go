// Package continuation implements the Continuation Manager: the five-step
// handoff a Runner triggers when context-window pressure crosses its
// threshold, so a thread that is about to run out of room hands its work to
// a fresh successor instead of degrading mid-turn.
package continuation

import (
	"context"
	"fmt"
	"time"

	"github.com/ryehq/rye-core/capability"
	"github.com/ryehq/rye-core/registry"
	"github.com/ryehq/rye-core/runner"
)

// summaryDirective is the well-known directive name invoked to produce the
// handoff summary; a deployment registers it the same way any other
// directive is loaded.
const summaryDirective = "thread_summary"

// RunnerFunc runs one thread to a terminal Result; Manager uses it both to
// invoke the thread_summary directive and to start the successor thread.
type RunnerFunc func(ctx context.Context, req runner.Request) (runner.Result, error)

// Options wires a Manager to its collaborators.
type Options struct {
	Run       RunnerFunc
	Registry  registry.Registry
	Artifacts ArtifactStore
	Signer    capability.Signer

	// SummaryBudget is carried here but nothing reads it: the sub-thread
	// that produces the handoff summary runs under the thread_summary
	// directive's own declared limits.
	SummaryBudget float64

	Now func() time.Time
}

// Manager implements the five-step continuation handoff (spec.md §4.11).
// Its Continue method matches runner.ContinuationFunc exactly, so it can be
// wired directly as runner.Options.Continuation.
type Manager struct {
	opts Options
}

// New constructs a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Run == nil || opts.Registry == nil || opts.Artifacts == nil || opts.Signer == nil {
		return nil, fmt.Errorf("continuation: Run, Registry, Artifacts, and Signer are required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{opts: opts}, nil
}

// Continue runs the handoff: (1) invoke thread_summary synchronously within
// the parent's own capability, under the summary directive's own limits (no
// separate sub-budget is applied), (2) write the
// resulting summary as a signed knowledge artifact, (3) create a successor
// thread carrying the same directive with the summary seeded into its
// inputs and continuation_of set to parent.ThreadID, (4) link parent's
// continuation_next to the successor, (5) the caller (Runner.loop)
// transitions parent to completed once Continue returns successfully — this
// method performs steps 1-4 and returns the successor id for step 5.
func (m *Manager) Continue(ctx context.Context, parent runner.Request, summary string) (string, error) {
	summaryText, err := m.summarize(ctx, parent, summary)
	if err != nil {
		return "", fmt.Errorf("continuation: summarizing thread %s: %w", parent.ThreadID, err)
	}

	if err := m.writeArtifact(parent, summaryText); err != nil {
		return "", fmt.Errorf("continuation: writing summary artifact: %w", err)
	}

	successorID := fmt.Sprintf("%s-cont-%d", parent.ThreadID, m.opts.Now().UnixNano())
	successorReq := runner.Request{
		ThreadID:       successorID,
		DirectiveName:  parent.DirectiveName,
		Inputs:         seedInputs(parent.Inputs, summaryText),
		ParentToken:    parent.ParentToken,
		ParentID:       parent.ParentID,
		Depth:          parent.Depth,
		OriginSpace:    parent.OriginSpace,
		ContinuationOf: parent.ThreadID,
	}
	if _, err := m.opts.Run(ctx, successorReq); err != nil {
		return "", fmt.Errorf("continuation: starting successor thread %s: %w", successorID, err)
	}

	if err := m.opts.Registry.SetContinuationNext(ctx, parent.ThreadID, successorID); err != nil {
		return "", fmt.Errorf("continuation: linking continuation_next: %w", err)
	}

	return successorID, nil
}

// summarize invokes the thread_summary directive synchronously, within the
// parent's capability token. SummaryBudget is not applied: the summary
// thread's ceilings are the thread_summary directive's own.
func (m *Manager) summarize(ctx context.Context, parent runner.Request, fallback string) (string, error) {
	summaryReq := runner.Request{
		ThreadID:      parent.ThreadID + "-summary",
		DirectiveName: summaryDirective,
		Inputs:        map[string]any{"transcript_excerpt": fallback},
		ParentToken:   parent.ParentToken,
		ParentID:      parent.ThreadID,
		Depth:         parent.Depth + 1,
		OriginSpace:   parent.OriginSpace,
	}
	res, err := m.opts.Run(ctx, summaryReq)
	if err != nil {
		return "", err
	}
	if text, ok := res.Outputs["summary"].(string); ok && text != "" {
		return text, nil
	}
	return fallback, nil
}

func (m *Manager) writeArtifact(parent runner.Request, summary string) error {
	sha, sig, fingerprint, err := signSummary(m.opts.Signer, summary)
	if err != nil {
		return err
	}
	return m.opts.Artifacts.Write(Artifact{
		DottedID:       "continuation." + parent.ThreadID,
		ThreadID:       parent.ThreadID,
		Directive:      parent.DirectiveName,
		Summary:        summary,
		CreatedAt:      m.opts.Now(),
		ContentSHA256:  sha,
		Signature:      sig,
		KeyFingerprint: fingerprint,
	})
}

// seedInputs returns a copy of parent inputs with the handoff summary added
// as seed context, never mutating the parent's own input map.
func seedInputs(parentInputs map[string]any, summary string) map[string]any {
	out := make(map[string]any, len(parentInputs)+1)
	for k, v := range parentInputs {
		out[k] = v
	}
	out["continuation_summary"] = summary
	return out
}

var _ runner.ContinuationFunc = (*Manager)(nil).Continue
