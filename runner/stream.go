package runner

import (
	"context"
	"errors"
	"io"

	"github.com/ryehq/rye-core/checkpoint"
	"github.com/ryehq/rye-core/directive"
	"github.com/ryehq/rye-core/provider"
	"github.com/ryehq/rye-core/transcript"
)

// toProviderMessages flattens the checkpoint's role+text history into the
// provider's typed Message shape. Tool-call/tool-result structure does not
// survive a checkpoint round trip (checkpoint.Message only keeps role and
// rendered text); a resumed thread's prior tool results are replayed as
// plain assistant/user text rather than reconstructed ToolUsePart/
// ToolResultPart pairs.
func toProviderMessages(msgs []checkpoint.Message) []provider.Message {
	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		role := provider.RoleUser
		switch m.Role {
		case "system":
			role = provider.RoleSystem
		case "assistant":
			role = provider.RoleAssistant
		}
		out = append(out, provider.Message{Role: role, Parts: []provider.Part{provider.TextPart{Text: m.Content}}})
	}
	return out
}

func toolDefinitions(d directive.Directive) []provider.ToolDefinition {
	// The directive shape (spec.md §6.1) does not enumerate an explicit
	// tool list separate from its declared permissions; every execute
	// permission names a dispatchable tool by its dotted id.
	var defs []provider.ToolDefinition
	for _, pattern := range d.Permissions["execute"] {
		name := dottedIDFromPattern(pattern)
		if name == "" {
			continue
		}
		defs = append(defs, provider.ToolDefinition{Name: name})
	}
	return defs
}

// dottedIDFromPattern extracts the dotted item id from a normalized
// "rye.execute.tool.<dotted_id>" pattern, returning "" for wildcard or
// malformed patterns (those cannot name one concrete tool).
func dottedIDFromPattern(pattern string) string {
	const prefix = "rye.execute.tool."
	if len(pattern) <= len(prefix) || pattern[:len(prefix)] != prefix {
		return ""
	}
	id := pattern[len(prefix):]
	if id == "*" {
		return ""
	}
	return id
}

// invokeModel drives one model turn: streams when the provider supports it
// (falling back to Complete otherwise), accumulating text and reasoning
// into local buffers and emitting droppable delta events as they arrive,
// then a critical cognition_out on stream end.
func (r *Runner) invokeModel(ctx context.Context, req Request, d directive.Directive, state *checkpoint.State, tw transcript.Writer) (text, thinking string, toolCalls []provider.ToolUsePart, usage modelUsage, stopReason string, err error) {
	preq := provider.Request{
		Model:    d.Model.ID,
		Messages: toProviderMessages(state.Messages),
		Tools:    toolDefinitions(d),
		Stream:   true,
	}
	if d.Limits.MaxTokens > 0 {
		preq.MaxTokens = d.Limits.MaxTokens
	}

	stream, serr := r.opts.Provider.Stream(ctx, preq)
	if errors.Is(serr, provider.ErrStreamingUnsupported) {
		resp, cerr := r.opts.Provider.Complete(ctx, preq)
		if cerr != nil {
			return "", "", nil, modelUsage{}, "", cerr
		}
		return completionText(resp), "", resp.ToolCalls, modelUsage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}, resp.StopReason, nil
	}
	if serr != nil {
		return "", "", nil, modelUsage{}, "", serr
	}
	defer stream.Close()

	chunkIndex := 0
	for {
		chunk, rerr := stream.Recv()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", "", nil, modelUsage{}, "", rerr
		}
		switch chunk.Type {
		case provider.ChunkText:
			text += chunk.Text
			_, _ = tw.Write(ctx, req.ThreadID, req.DirectiveName, transcript.TypeCognitionOutDelta, "",
				map[string]any{"text": chunk.Text, "chunk_index": chunkIndex, "is_final": false})
			chunkIndex++
		case provider.ChunkThinking:
			thinking += chunk.Text
			_, _ = tw.Write(ctx, req.ThreadID, req.DirectiveName, transcript.TypeCognitionReasoning, "",
				transcript.CognitionReasoningPayload(chunk.Text, true, false))
		case provider.ChunkToolCall:
			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
		case provider.ChunkUsage:
			if chunk.UsageDelta != nil {
				usage.InputTokens += chunk.UsageDelta.InputTokens
				usage.OutputTokens += chunk.UsageDelta.OutputTokens
			}
		case provider.ChunkStop:
			stopReason = chunk.StopReason
		}
	}

	truncated := stopReason != "" && stopReason != "end_turn" && stopReason != "tool_use"
	if _, werr := tw.Write(ctx, req.ThreadID, req.DirectiveName, transcript.TypeCognitionOut, "",
		transcript.CognitionOutPayload(text, d.Model.ID, false, truncated, "")); werr != nil {
		return "", "", nil, modelUsage{}, "", werr
	}
	if stopReason == "" {
		if len(toolCalls) > 0 {
			stopReason = "tool_use"
		} else {
			stopReason = "end_turn"
		}
	}
	return text, thinking, toolCalls, usage, stopReason, nil
}

func completionText(resp *provider.Response) string {
	for _, m := range resp.Content {
		for _, p := range m.Parts {
			if tp, ok := p.(provider.TextPart); ok {
				return tp.Text
			}
		}
	}
	return ""
}
