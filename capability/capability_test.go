package capability_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryehq/rye-core/capability"
)

func TestPatternCovers(t *testing.T) {
	cases := []struct {
		pattern capability.Pattern
		action  string
		want    bool
	}{
		{"rye.execute.tool.*", "rye.execute.tool.shell.run", true},
		{"rye.execute.tool.shell.*", "rye.execute.tool.shell.run", true},
		{"rye.execute.tool.shell.*", "rye.execute.tool.http.fetch", false},
		{"rye.execute.tool.shell.run", "rye.execute.tool.shell.run", true},
		{"rye.execute.tool.shell.run", "rye.execute.tool.shell.run.extra", false},
		{"rye.load.knowledge.*", "rye.execute.tool.shell.run", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.pattern.Covers(c.action), "pattern=%s action=%s", c.pattern, c.action)
	}
}

func TestSubsetAttenuation(t *testing.T) {
	parent := []capability.Pattern{"rye.execute.tool.*"}
	child := []capability.Pattern{"rye.execute.tool.shell.*"}
	assert.True(t, capability.Subset(child, parent))

	notChild := []capability.Pattern{"rye.load.knowledge.*"}
	assert.False(t, capability.Subset(notChild, parent))
}

func TestMintRootRequiresNonEmptyPatterns(t *testing.T) {
	_, err := capability.Mint(capability.MintOptions{ThreadID: "t-1"})
	require.ErrorIs(t, err, capability.ErrEmptyPatternsAtRoot)
}

func TestMintAttenuation(t *testing.T) {
	signer, err := capability.NewEd25519Signer("fp-1")
	require.NoError(t, err)

	root, err := capability.Mint(capability.MintOptions{
		ThreadID:  "root-1",
		Requested: []capability.Pattern{"rye.execute.tool.*"},
		Signer:    signer,
	})
	require.NoError(t, err)

	child, err := capability.Mint(capability.MintOptions{
		ParentToken: root,
		ThreadID:    "child-1",
		Requested:   []capability.Pattern{"rye.execute.tool.shell.*", "rye.load.knowledge.*"},
		Signer:      signer,
	})
	require.ErrorIs(t, err, capability.ErrNotCovered)
	require.Nil(t, child)

	child, err = capability.Mint(capability.MintOptions{
		ParentToken: root,
		ThreadID:    "child-1",
		Requested:   []capability.Pattern{"rye.execute.tool.shell.*"},
		Signer:      signer,
	})
	require.NoError(t, err)
	assert.True(t, capability.Subset(child.Patterns, root.Patterns))
}

func TestMintRequiresAcknowledgmentForElevated(t *testing.T) {
	signer, err := capability.NewEd25519Signer("fp-1")
	require.NoError(t, err)

	_, err = capability.Mint(capability.MintOptions{
		ThreadID:  "root-1",
		Requested: []capability.Pattern{"rye.sign.knowledge.*"},
		Signer:    signer,
	})
	require.ErrorIs(t, err, capability.ErrAcknowledgmentMissing)

	tok, err := capability.Mint(capability.MintOptions{
		ThreadID:        "root-1",
		Requested:       []capability.Pattern{"rye.sign.knowledge.*"},
		Acknowledgments: map[capability.RiskTier]string{capability.RiskElevated: "trusted signer"},
		Signer:          signer,
	})
	require.NoError(t, err)
	assert.Equal(t, capability.RiskElevated, tok.RiskTier)
}

func TestVerifyRoundTrip(t *testing.T) {
	signer, err := capability.NewEd25519Signer("fp-1")
	require.NoError(t, err)
	tok, err := capability.Mint(capability.MintOptions{
		ThreadID:  "root-1",
		Requested: []capability.Pattern{"rye.execute.tool.*"},
		Signer:    signer,
		TTL:       time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, capability.Verify(tok, signer, tok.IssuedAt))

	expired := tok.IssuedAt.Add(2 * time.Minute)
	require.ErrorIs(t, capability.Verify(tok, signer, expired), capability.ErrTokenExpired)
}

func TestVerifyRejectsUntrustedKey(t *testing.T) {
	signer, err := capability.NewEd25519Signer("fp-1")
	require.NoError(t, err)
	other, err := capability.NewEd25519Signer("fp-2")
	require.NoError(t, err)

	tok, err := capability.Mint(capability.MintOptions{
		ThreadID:  "root-1",
		Requested: []capability.Pattern{"rye.execute.tool.*"},
		Signer:    signer,
	})
	require.NoError(t, err)
	require.ErrorIs(t, capability.Verify(tok, other, tok.IssuedAt), capability.ErrUntrustedKey)
}
