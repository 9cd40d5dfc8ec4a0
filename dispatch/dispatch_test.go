package dispatch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryehq/rye-core/capability"
	"github.com/ryehq/rye-core/dispatch"
)

type memStore struct {
	space dispatch.Space
	items map[string]dispatch.Item
}

func newMemStore(space dispatch.Space) *memStore {
	return &memStore{space: space, items: make(map[string]dispatch.Item)}
}

func (s *memStore) put(itemType, dottedID string, item dispatch.Item) {
	item.Space = s.space
	item.ItemType = itemType
	item.DottedID = dottedID
	s.items[itemType+"/"+dottedID] = item
}

func (s *memStore) Lookup(space dispatch.Space, itemType, dottedID string) (dispatch.Item, bool, error) {
	item, ok := s.items[itemType+"/"+dottedID]
	return item, ok, nil
}

type fakeExecutor struct {
	result any
	err    error
	calls  int
}

func (e *fakeExecutor) Execute(ctx context.Context, item dispatch.Item, params map[string]any) (any, error) {
	e.calls++
	return e.result, e.err
}

func tokenWithPatterns(patterns ...capability.Pattern) *capability.Token {
	return &capability.Token{ID: "tok-1", ThreadID: "thread-1", Patterns: patterns}
}

func TestDispatchDeniesWhenTokenLacksPattern(t *testing.T) {
	project := newMemStore(dispatch.SpaceProject)
	project.put("tool", "shell.run", dispatch.Item{Body: []byte("{}")})

	d := dispatch.New(map[dispatch.Space]dispatch.Store{dispatch.SpaceProject: project}, nil,
		func(dispatch.Space) bool { return true }, map[string]dispatch.Executor{})

	tok := tokenWithPatterns(capability.Pattern("rye.execute.tool.other.*"))
	result := d.Dispatch(context.Background(), tok, capability.PrimaryExecute, "tool", "shell.run", nil)

	assert.True(t, result.Denied)
	assert.False(t, result.OK)
	assert.Nil(t, result.Err)
}

func TestDispatchResolvesProjectBeforeUserBeforeSystem(t *testing.T) {
	project := newMemStore(dispatch.SpaceProject)
	user := newMemStore(dispatch.SpaceUser)
	system := newMemStore(dispatch.SpaceSystem)

	exec := &fakeExecutor{result: "project-wins"}
	project.put("tool", "shell.run", dispatch.Item{Body: []byte("{}")})
	user.put("tool", "shell.run", dispatch.Item{Body: []byte("{}")})
	system.put("tool", "shell.run", dispatch.Item{Body: []byte("{}")})

	d := dispatch.New(map[dispatch.Space]dispatch.Store{
		dispatch.SpaceProject: project,
		dispatch.SpaceUser:    user,
		dispatch.SpaceSystem:  system,
	}, nil, func(dispatch.Space) bool { return true }, map[string]dispatch.Executor{"tool": exec})

	tok := tokenWithPatterns(capability.Pattern("rye.execute.tool.*"))
	result := d.Dispatch(context.Background(), tok, capability.PrimaryExecute, "tool", "shell.run", nil)

	require.True(t, result.OK)
	assert.Equal(t, "project-wins", result.Data)
	assert.Equal(t, 1, exec.calls)
}

func TestDispatchUnsignedItemDeniedByDefaultTrustPolicy(t *testing.T) {
	project := newMemStore(dispatch.SpaceProject)
	project.put("tool", "shell.run", dispatch.Item{Body: []byte("{}")})

	d := dispatch.New(map[dispatch.Space]dispatch.Store{dispatch.SpaceProject: project}, nil,
		dispatch.DenyAllUnsigned, map[string]dispatch.Executor{"tool": &fakeExecutor{}})

	tok := tokenWithPatterns(capability.Pattern("rye.execute.tool.*"))
	result := d.Dispatch(context.Background(), tok, capability.PrimaryExecute, "tool", "shell.run", nil)

	assert.False(t, result.OK)
	assert.False(t, result.Denied)
	require.Error(t, result.Err)
}

func TestDispatchVerifiesSignatureWhenPresent(t *testing.T) {
	signer, err := capability.NewEd25519Signer("fp-1")
	require.NoError(t, err)

	body := []byte(`{"hello":"world"}`)
	sig, fp, err := signer.Sign(body)
	require.NoError(t, err)

	project := newMemStore(dispatch.SpaceProject)
	project.put("tool", "shell.run", dispatch.Item{
		Body:      body,
		Signature: dispatch.ItemSignature{Signature: sig, KeyFingerprint: fp},
	})

	exec := &fakeExecutor{result: "ok"}
	d := dispatch.New(map[dispatch.Space]dispatch.Store{dispatch.SpaceProject: project}, signer,
		dispatch.DenyAllUnsigned, map[string]dispatch.Executor{"tool": exec})

	tok := tokenWithPatterns(capability.Pattern("rye.execute.tool.*"))
	result := d.Dispatch(context.Background(), tok, capability.PrimaryExecute, "tool", "shell.run", nil)

	require.True(t, result.OK)
	assert.Equal(t, 1, exec.calls)
}

func TestDispatchRejectsTamperedSignature(t *testing.T) {
	signer, err := capability.NewEd25519Signer("fp-1")
	require.NoError(t, err)

	sig, fp, err := signer.Sign([]byte(`{"hello":"world"}`))
	require.NoError(t, err)

	project := newMemStore(dispatch.SpaceProject)
	project.put("tool", "shell.run", dispatch.Item{
		Body:      []byte(`{"hello":"tampered"}`),
		Signature: dispatch.ItemSignature{Signature: sig, KeyFingerprint: fp},
	})

	d := dispatch.New(map[dispatch.Space]dispatch.Store{dispatch.SpaceProject: project}, signer,
		dispatch.DenyAllUnsigned, map[string]dispatch.Executor{"tool": &fakeExecutor{}})

	tok := tokenWithPatterns(capability.Pattern("rye.execute.tool.*"))
	result := d.Dispatch(context.Background(), tok, capability.PrimaryExecute, "tool", "shell.run", nil)

	assert.False(t, result.OK)
	require.Error(t, result.Err)
}

func TestDispatchFollowsExecutorChain(t *testing.T) {
	project := newMemStore(dispatch.SpaceProject)
	project.put("tool", "alias", dispatch.Item{Body: []byte("{}"), ExecutorID: "shell.run", Params: map[string]any{"a": 1}})
	project.put("tool", "shell.run", dispatch.Item{Body: []byte("{}")})

	exec := &fakeExecutor{result: "chained"}
	d := dispatch.New(map[dispatch.Space]dispatch.Store{dispatch.SpaceProject: project}, nil,
		func(dispatch.Space) bool { return true }, map[string]dispatch.Executor{"tool": exec})

	tok := tokenWithPatterns(capability.Pattern("rye.execute.tool.*"))
	result := d.Dispatch(context.Background(), tok, capability.PrimaryExecute, "tool", "alias", map[string]any{"b": 2})

	require.True(t, result.OK)
	assert.Equal(t, 1, exec.calls)
}

func TestDispatchDetectsExecutorChainLoop(t *testing.T) {
	project := newMemStore(dispatch.SpaceProject)
	project.put("tool", "a", dispatch.Item{Body: []byte("{}"), ExecutorID: "b"})
	project.put("tool", "b", dispatch.Item{Body: []byte("{}"), ExecutorID: "a"})

	d := dispatch.New(map[dispatch.Space]dispatch.Store{dispatch.SpaceProject: project}, nil,
		func(dispatch.Space) bool { return true }, map[string]dispatch.Executor{})

	tok := tokenWithPatterns(capability.Pattern("rye.execute.tool.*"))
	result := d.Dispatch(context.Background(), tok, capability.PrimaryExecute, "tool", "a", nil)

	assert.False(t, result.OK)
	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "loop")
}

func TestDispatchMissingItemReturnsError(t *testing.T) {
	d := dispatch.New(map[dispatch.Space]dispatch.Store{}, nil,
		func(dispatch.Space) bool { return true }, map[string]dispatch.Executor{})

	tok := tokenWithPatterns(capability.Pattern("rye.execute.tool.*"))
	result := d.Dispatch(context.Background(), tok, capability.PrimaryExecute, "tool", "missing", nil)

	assert.False(t, result.OK)
	require.Error(t, result.Err)
}

func TestPermissionDeniedPayloadShape(t *testing.T) {
	payload := dispatch.PermissionDeniedPayload("no capability for rye.execute.tool.shell.run")
	assert.Contains(t, string(payload), "permission_denied")
	assert.Contains(t, string(payload), "no capability")
}
