// Package anthropic adapts provider.Client to the Anthropic Claude Messages
// API. It is a thin, non-streaming-complete demonstration adapter: the full
// Anthropic wire protocol (prompt caching, extended thinking budgets, tool
// choice modes) is out of scope, since the provider wire protocol itself is
// an external collaborator concern.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/ryehq/rye-core/provider"
)

// MessagesClient captures the subset of the Anthropic SDK used by this
// adapter, so tests can pass a fake in place of *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Client implements provider.Client on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
}

// New builds an adapter from an Anthropic Messages client.
func New(msg MessagesClient, defaultModel string, maxTokens int) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("anthropic: default model identifier is required")
	}
	return &Client{msg: msg, defaultModel: defaultModel, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP
// transport and the given API key; an empty key is an error.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, defaultModel, 4096)
}

// Complete issues a non-streaming Messages.New call.
func (c *Client) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return translateResponse(msg)
}

// Stream issues Messages.NewStreaming and adapts events into provider.Chunks.
func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: messages.new stream: %w", err)
	}
	return &streamer{stream: stream}, nil
}

func (c *Client) prepareRequest(req provider.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}
	conversation, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	params := &sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	return params, nil
}

func encodeMessages(msgs []provider.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam

	for _, m := range msgs {
		if m.Role == provider.RoleSystem {
			for _, p := range m.Parts {
				if v, ok := p.(provider.TextPart); ok && v.Text != "" {
					system = append(system, sdk.TextBlockParam{Text: v.Text})
				}
			}
			continue
		}
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case provider.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case provider.ToolUsePart:
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, v.Input, v.Name))
			case provider.ToolResultPart:
				blocks = append(blocks, encodeToolResult(v))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case provider.RoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case provider.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeToolResult(v provider.ToolResultPart) sdk.ContentBlockParamUnion {
	var content string
	switch c := v.Content.(type) {
	case nil:
		content = ""
	case string:
		content = c
	default:
		if data, err := json.Marshal(c); err == nil {
			content = string(data)
		}
	}
	return sdk.NewToolResultBlock(v.ToolUseID, content, v.IsError)
}

func encodeTools(defs []provider.ToolDefinition) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		out = append(out, sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{}, d.Name))
	}
	return out
}

func translateResponse(msg *sdk.Message) (*provider.Response, error) {
	resp := &provider.Response{
		Usage: provider.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		StopReason: string(msg.StopReason),
	}
	var parts []provider.Part
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case sdk.TextBlock:
			parts = append(parts, provider.TextPart{Text: b.Text})
		case sdk.ToolUseBlock:
			input, _ := json.Marshal(b.Input)
			tc := provider.ToolUsePart{ID: b.ID, Name: b.Name, Input: input}
			resp.ToolCalls = append(resp.ToolCalls, tc)
			parts = append(parts, tc)
		}
	}
	resp.Content = []provider.Message{{Role: provider.RoleAssistant, Parts: parts}}
	return resp, nil
}

type streamer struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *streamer) Recv() (provider.Chunk, error) {
	if !s.stream.Next() {
		if err := s.stream.Err(); err != nil {
			return provider.Chunk{}, err
		}
		return provider.Chunk{}, errStreamDone
	}
	event := s.stream.Current()
	switch e := event.AsAny().(type) {
	case sdk.ContentBlockDeltaEvent:
		if delta, ok := e.Delta.AsAny().(sdk.TextDelta); ok {
			return provider.Chunk{Type: provider.ChunkText, Text: delta.Text}, nil
		}
		return provider.Chunk{Type: provider.ChunkText}, nil
	case sdk.MessageDeltaEvent:
		return provider.Chunk{
			Type:       provider.ChunkStop,
			StopReason: string(e.Delta.StopReason),
			UsageDelta: &provider.TokenUsage{OutputTokens: int(e.Usage.OutputTokens)},
		}, nil
	default:
		return provider.Chunk{Type: provider.ChunkText}, nil
	}
}

func (s *streamer) Close() error { return s.stream.Close() }

var errStreamDone = io.EOF
