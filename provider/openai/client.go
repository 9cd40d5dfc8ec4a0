// Package openai adapts provider.Client to the OpenAI Chat Completions API
// via the official github.com/openai/openai-go SDK. Like provider/anthropic,
// this is a thin demonstration adapter, not a full wire-protocol
// implementation.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/ryehq/rye-core/provider"
)

// ChatClient captures the subset of the OpenAI SDK used by this adapter.
type ChatClient interface {
	New(ctx context.Context, body oai.ChatCompletionNewParams, opts ...option.RequestOption) (*oai.ChatCompletion, error)
	NewStreaming(ctx context.Context, body oai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[oai.ChatCompletionChunk]
}

// Client implements provider.Client over OpenAI Chat Completions.
type Client struct {
	chat         ChatClient
	defaultModel string
}

// New builds an adapter from an OpenAI chat-completions client.
func New(chat ChatClient, defaultModel string) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if strings.TrimSpace(defaultModel) == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: chat, defaultModel: defaultModel}, nil
}

// NewFromAPIKey constructs a client using the SDK's default HTTP transport.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := oai.NewClient(option.WithAPIKey(apiKey))
	return New(c.Chat.Completions, defaultModel)
}

// Complete issues a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	return translateResponse(resp)
}

// Stream issues a streaming chat completion.
func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.chat.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: chat completion stream: %w", err)
	}
	return &streamer{stream: stream}, nil
}

func (c *Client) prepareRequest(req provider.Request) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages, err := encodeMessages(req.Messages)
	if err != nil {
		return oai.ChatCompletionNewParams{}, err
	}
	params := oai.ChatCompletionNewParams{
		Model:    oai.ChatModel(modelID),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = oai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = oai.Float(float64(req.Temperature))
	}
	return params, nil
}

func encodeMessages(msgs []provider.Message) ([]oai.ChatCompletionMessageParamUnion, error) {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		text := textOf(m)
		switch m.Role {
		case provider.RoleSystem:
			out = append(out, oai.SystemMessage(text))
		case provider.RoleUser:
			out = append(out, oai.UserMessage(text))
		case provider.RoleAssistant:
			out = append(out, oai.AssistantMessage(text))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func textOf(m provider.Message) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(provider.TextPart); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

func translateResponse(resp *oai.ChatCompletion) (*provider.Response, error) {
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	choice := resp.Choices[0]
	out := &provider.Response{
		Content: []provider.Message{{
			Role:  provider.RoleAssistant,
			Parts: []provider.Part{provider.TextPart{Text: choice.Message.Content}},
		}},
		Usage: provider.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
		StopReason: string(choice.FinishReason),
	}
	return out, nil
}

type streamer struct {
	stream *ssestream.Stream[oai.ChatCompletionChunk]
}

func (s *streamer) Recv() (provider.Chunk, error) {
	if !s.stream.Next() {
		if err := s.stream.Err(); err != nil {
			return provider.Chunk{}, err
		}
		return provider.Chunk{}, errStreamDone
	}
	chunk := s.stream.Current()
	if len(chunk.Choices) == 0 {
		return provider.Chunk{Type: provider.ChunkText}, nil
	}
	delta := chunk.Choices[0].Delta
	if delta.Content != "" {
		return provider.Chunk{Type: provider.ChunkText, Text: delta.Content}, nil
	}
	if reason := chunk.Choices[0].FinishReason; reason != "" {
		return provider.Chunk{Type: provider.ChunkStop, StopReason: reason}, nil
	}
	return provider.Chunk{Type: provider.ChunkText}, nil
}

func (s *streamer) Close() error { return s.stream.Close() }

var errStreamDone = io.EOF
