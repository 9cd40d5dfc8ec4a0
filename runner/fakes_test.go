package runner_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/ryehq/rye-core/directive"
	"github.com/ryehq/rye-core/dispatch"
	"github.com/ryehq/rye-core/provider"
)

// fakeLoader serves a fixed set of directives by name, with no extends.
type fakeLoader map[string]directive.Directive

func (f fakeLoader) Load(name string) (directive.Directive, error) {
	d, ok := f[name]
	if !ok {
		return directive.Directive{}, fmt.Errorf("fakeLoader: directive %q not found", name)
	}
	return d, nil
}

// turnScript is one scripted model response. If ToolCalls is non-empty the
// stop reason is tool_use; otherwise end_turn.
type turnScript struct {
	Text      string
	ToolCalls []provider.ToolUsePart
	Err       error
}

// scriptedProvider replays a fixed sequence of turns as non-streaming
// completions (it always answers ErrStreamingUnsupported so invokeModel
// falls back to Complete, exercising that fallback path).
type scriptedProvider struct {
	mu     sync.Mutex
	turns  []turnScript
	cursor int
}

func newScriptedProvider(turns ...turnScript) *scriptedProvider {
	return &scriptedProvider{turns: turns}
}

func (p *scriptedProvider) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	return nil, provider.ErrStreamingUnsupported
}

func (p *scriptedProvider) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cursor >= len(p.turns) {
		return &provider.Response{StopReason: "end_turn"}, nil
	}
	t := p.turns[p.cursor]
	p.cursor++
	if t.Err != nil {
		return nil, t.Err
	}
	stop := "end_turn"
	if len(t.ToolCalls) > 0 {
		stop = "tool_use"
	}
	return &provider.Response{
		Content:    []provider.Message{{Role: provider.RoleAssistant, Parts: []provider.Part{provider.TextPart{Text: t.Text}}}},
		ToolCalls:  t.ToolCalls,
		Usage:      provider.TokenUsage{InputTokens: 10, OutputTokens: 20},
		StopReason: stop,
	}, nil
}

// fakeExecutor runs a tool by returning a fixed result or error, recording
// invocation count.
type fakeExecutor struct {
	result any
	err    error
	calls  int
}

func (e *fakeExecutor) Execute(ctx context.Context, item dispatch.Item, params map[string]any) (any, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return e.result, nil
}

// singleItemStore resolves exactly one dotted id to a primitive item (no
// ExecutorID, so the Dispatcher's executor chain bottoms out immediately
// against the itemType-keyed executor map).
type singleItemStore struct {
	dottedID string
	itemType string
}

func (s *singleItemStore) Lookup(space dispatch.Space, itemType, dottedID string) (dispatch.Item, bool, error) {
	if itemType != s.itemType || dottedID != s.dottedID {
		return dispatch.Item{}, false, nil
	}
	return dispatch.Item{Space: space, ItemType: itemType, DottedID: dottedID}, true, nil
}
