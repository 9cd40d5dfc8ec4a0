package openai_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ryehq/rye-core/provider/openai"
)

func TestNewRejectsNilClient(t *testing.T) {
	_, err := openai.New(nil, "gpt-4o")
	assert.Error(t, err)
}

func TestNewFromAPIKeyRejectsEmptyModel(t *testing.T) {
	_, err := openai.NewFromAPIKey("sk-test", "")
	assert.Error(t, err)
}

func TestNewFromAPIKeyRejectsEmptyKey(t *testing.T) {
	_, err := openai.NewFromAPIKey("", "gpt-4o")
	assert.Error(t, err)
}
