package anthropic_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ryehq/rye-core/provider/anthropic"
)

func TestNewRejectsNilClient(t *testing.T) {
	_, err := anthropic.New(nil, "claude-sonnet", 4096)
	assert.Error(t, err)
}

func TestNewFromAPIKeyRejectsEmptyModel(t *testing.T) {
	_, err := anthropic.NewFromAPIKey("sk-test", "")
	assert.Error(t, err)
}

func TestNewFromAPIKeyRejectsEmptyKey(t *testing.T) {
	_, err := anthropic.NewFromAPIKey("", "claude-sonnet")
	assert.Error(t, err)
}
