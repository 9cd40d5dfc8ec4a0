// Package harness implements the Safety Harness: a thread's dynamic
// accumulator state, static limit configuration, and deterministic error
// classification.
package harness

import (
	"sync"
)

// Usage is the per-turn cost delta reported to record_turn.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Spend        float64
	WallSeconds  float64
}

// Limits are the static ceilings configured for a thread.
type Limits struct {
	MaxTurns        int
	MaxInputTokens  int
	MaxOutputTokens int
	MaxSpend        float64
	MaxWallSeconds  float64
}

// LimitCode identifies which accumulator crossed its ceiling.
type LimitCode string

// The five limit codes a Harness can report.
const (
	LimitTurns        LimitCode = "max_turns"
	LimitInputTokens  LimitCode = "max_input_tokens"
	LimitOutputTokens LimitCode = "max_output_tokens"
	LimitSpend        LimitCode = "max_spend"
	LimitWallSeconds  LimitCode = "max_wall_seconds"
)

// LimitHit describes a single crossed ceiling.
type LimitHit struct {
	Code         LimitCode
	CurrentValue float64
	CurrentMax   float64
}

// Harness tracks one thread's accumulators against its static limits and
// classifies provider errors.
type Harness struct {
	mu sync.Mutex

	limits Limits

	turns        int
	inputTokens  int
	outputTokens int
	spend        float64
	wallSeconds  float64

	classifier Classifier
}

// New constructs a Harness bound to limits, using classifier for error
// classification. A nil classifier falls back to DefaultClassifier.
func New(limits Limits, classifier Classifier) *Harness {
	if classifier == nil {
		classifier = DefaultClassifier
	}
	return &Harness{limits: limits, classifier: classifier}
}

// RecordTurn applies a turn's usage to the accumulators.
func (h *Harness) RecordTurn(u Usage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns++
	h.inputTokens += u.InputTokens
	h.outputTokens += u.OutputTokens
	h.spend += u.Spend
	h.wallSeconds += u.WallSeconds
}

// Snapshot returns the current accumulator values.
func (h *Harness) Snapshot() Usage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Usage{InputTokens: h.inputTokens, OutputTokens: h.outputTokens, Spend: h.spend, WallSeconds: h.wallSeconds}
}

// Turns returns the number of turns recorded so far.
func (h *Harness) Turns() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.turns
}

// CheckLimits reports every accumulator currently at or beyond its
// configured ceiling. A zero-valued limit field means "no ceiling".
func (h *Harness) CheckLimits() []LimitHit {
	h.mu.Lock()
	defer h.mu.Unlock()

	var hits []LimitHit
	if h.limits.MaxTurns > 0 && h.turns >= h.limits.MaxTurns {
		hits = append(hits, LimitHit{LimitTurns, float64(h.turns), float64(h.limits.MaxTurns)})
	}
	if h.limits.MaxInputTokens > 0 && h.inputTokens >= h.limits.MaxInputTokens {
		hits = append(hits, LimitHit{LimitInputTokens, float64(h.inputTokens), float64(h.limits.MaxInputTokens)})
	}
	if h.limits.MaxOutputTokens > 0 && h.outputTokens >= h.limits.MaxOutputTokens {
		hits = append(hits, LimitHit{LimitOutputTokens, float64(h.outputTokens), float64(h.limits.MaxOutputTokens)})
	}
	if h.limits.MaxSpend > 0 && h.spend >= h.limits.MaxSpend {
		hits = append(hits, LimitHit{LimitSpend, h.spend, h.limits.MaxSpend})
	}
	if h.limits.MaxWallSeconds > 0 && h.wallSeconds >= h.limits.MaxWallSeconds {
		hits = append(hits, LimitHit{LimitWallSeconds, h.wallSeconds, h.limits.MaxWallSeconds})
	}
	return hits
}

// ClassifyError delegates to the bound Classifier.
func (h *Harness) ClassifyError(err error) Classification {
	return h.classifier(err)
}

// RaiseLimit sets code's ceiling to newMax, the effect of an approved
// escalate action (spec.md §6.6): the accumulator that triggered the
// escalation is left untouched, only the ceiling it crossed moves.
func (h *Harness) RaiseLimit(code LimitCode, newMax float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch code {
	case LimitTurns:
		h.limits.MaxTurns = int(newMax)
	case LimitInputTokens:
		h.limits.MaxInputTokens = int(newMax)
	case LimitOutputTokens:
		h.limits.MaxOutputTokens = int(newMax)
	case LimitSpend:
		h.limits.MaxSpend = newMax
	case LimitWallSeconds:
		h.limits.MaxWallSeconds = newMax
	}
}
