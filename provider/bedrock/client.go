// Package bedrock adapts provider.Client to the AWS Bedrock Converse API.
// As with provider/anthropic and provider/openai this is a thin
// demonstration adapter; ryed selects one of the three at startup from its
// provider config. A directive's model.fallback is parsed but nothing
// switches to another provider or model on it.
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"

	"github.com/ryehq/rye-core/harness"
	"github.com/ryehq/rye-core/provider"
)

// RuntimeClient mirrors the subset of *bedrockruntime.Client this adapter
// needs, so tests can substitute a fake.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Client implements provider.Client over the Bedrock Converse API. It does
// not implement ConverseStream; Stream always returns
// provider.ErrStreamingUnsupported so callers fall back to Complete.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTokens    int32
}

// New builds an adapter from a Bedrock runtime client.
func New(runtime RuntimeClient, defaultModel string, maxTokens int) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if defaultModel == "" {
		return nil, errors.New("bedrock: default model identifier is required")
	}
	return &Client{runtime: runtime, defaultModel: defaultModel, maxTokens: int32(maxTokens)}, nil
}

// Complete issues a Converse call.
func (c *Client) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int32(req.MaxTokens)
	}
	if maxTokens > 0 || req.Temperature > 0 {
		cfg := &brtypes.InferenceConfiguration{}
		if maxTokens > 0 {
			cfg.MaxTokens = aws.Int32(maxTokens)
		}
		if req.Temperature > 0 {
			cfg.Temperature = aws.Float32(req.Temperature)
		}
		input.InferenceConfig = cfg
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock: converse: %w", classifyError(err))
	}
	return translateResponse(out)
}

// classifiedError lets the Safety Harness classify a Bedrock error by kind
// (§4.6) without depending on the smithy/AWS error types directly.
type classifiedError struct {
	error
	kind harness.ProviderErrorKind
}

func (e classifiedError) ProviderErrorKind() harness.ProviderErrorKind { return e.kind }

// classifyError inspects err for a smithy.APIError code and maps known
// Bedrock Converse error codes onto the harness's provider-error kinds,
// leaving anything unrecognized unclassified (the harness then falls back
// to CategoryPermanent, fail-closed).
func classifyError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	var kind harness.ProviderErrorKind
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "TooManyRequestsException":
		kind = harness.KindRateLimited
	case "ServiceUnavailableException", "ModelTimeoutException", "InternalServerException":
		kind = harness.KindUnavailable
	case "ServiceQuotaExceededException":
		kind = harness.KindQuotaExceeded
	case "ValidationException", "AccessDeniedException", "ResourceNotFoundException":
		kind = harness.KindInvalidRequest
	default:
		return err
	}
	return classifiedError{error: err, kind: kind}
}

// Stream is unsupported by this thin adapter.
func (c *Client) Stream(ctx context.Context, req provider.Request) (provider.Streamer, error) {
	return nil, provider.ErrStreamingUnsupported
}

func encodeMessages(msgs []provider.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	var system []brtypes.SystemContentBlock
	converse := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == provider.RoleSystem {
			for _, p := range m.Parts {
				if t, ok := p.(provider.TextPart); ok && t.Text != "" {
					system = append(system, &brtypes.SystemContentBlockMemberText{Value: t.Text})
				}
			}
			continue
		}
		var blocks []brtypes.ContentBlock
		for _, p := range m.Parts {
			if t, ok := p.(provider.TextPart); ok && t.Text != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: t.Text})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case provider.RoleUser:
			role = brtypes.ConversationRoleUser
		case provider.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
		converse = append(converse, brtypes.Message{Role: role, Content: blocks})
	}
	if len(converse) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return converse, system, nil
}

func translateResponse(out *bedrockruntime.ConverseOutput) (*provider.Response, error) {
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return nil, errors.New("bedrock: response has no message output")
	}
	var parts []provider.Part
	for _, block := range msg.Value.Content {
		if text, ok := block.(*brtypes.ContentBlockMemberText); ok {
			parts = append(parts, provider.TextPart{Text: text.Value})
		}
	}
	resp := &provider.Response{
		Content:    []provider.Message{{Role: provider.RoleAssistant, Parts: parts}},
		StopReason: string(out.StopReason),
	}
	if out.Usage != nil {
		resp.Usage = provider.TokenUsage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
		}
	}
	return resp, nil
}
