package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/rs/zerolog"

	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/tools"
)

// BedrockClient is a client for the Anthropic models on AWS Bedrock.
type BedrockClient struct {
	client    *bedrockruntime.Client
	modelID   string
	maxTokens int
	logger    zerolog.Logger
}

// NewBedrockClient creates a new BedrockClient. It requires AWS credentials
// to be configured in the environment.
func NewBedrockClient(ctx context.Context, modelID string, maxTokens int, logger zerolog.Logger) (*BedrockClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &BedrockClient{
		client:    bedrockruntime.NewFromConfig(cfg),
		modelID:   modelID,
		maxTokens: maxTokens,
		logger:    logger,
	}, nil
}

// Chat sends a chat request to the Anthropic model via AWS Bedrock. The body
// is the same Messages API shape the native client builds, with the
// anthropic_version marker replacing model and stream.
func (b *BedrockClient) Chat(ctx context.Context, messages []session.Message, decls []tools.Declaration, sink *Sink) (*Result, error) {
	wire, system := anthropicWireMessages(messages)
	request := map[string]any{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        b.maxTokens,
		"messages":          wire,
	}
	if system != "" {
		request["system"] = system
	}
	if len(decls) > 0 {
		request["tools"] = decls
	}
	body, err := json.Marshal(request)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Anthropic request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, errors.WithKind(errors.Wrapf(err, "failed to invoke Bedrock model"), errors.ErrAPI)
	}
	return b.processResponse(resp.Body, sink)
}

// processResponse converts a Bedrock API response into the shared Result
// shape.
func (b *BedrockClient) processResponse(body []byte, sink *Sink) (*Result, error) {
	var response struct {
		ID         string                 `json:"id"`
		Model      string                 `json:"model"`
		StopReason string                 `json:"stop_reason"`
		Content    []session.ContentBlock `json:"content"`
		Error      json.RawMessage        `json:"error"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.WithKind(errors.Wrapf(err, "failed to unmarshal Bedrock response"), errors.ErrMalformedJSON)
	}
	if len(response.Error) > 0 {
		return nil, errors.WithKind(errors.New("Bedrock API error: %s", response.Error), errors.ErrAPI)
	}

	out := &Result{
		MessageID:  response.ID,
		Model:      response.Model,
		StopReason: response.StopReason,
		Usage:      Usage{InputTokens: response.Usage.InputTokens, OutputTokens: response.Usage.OutputTokens},
	}
	var text strings.Builder
	var calls []ToolCall
	for i, block := range response.Content {
		switch block.Type {
		case session.BlockText:
			text.WriteString(block.Text)
		case session.BlockToolUse:
			id := block.ID
			if id == "" {
				id = fmt.Sprintf("call_%d_%s", i, block.Name)
			}
			calls = append(calls, ToolCall{ID: id, Name: block.Name, Input: block.Input})
		}
	}
	out.Text = text.String()
	out.ToolCalls = normalizeToolCalls(calls, warnFunc(sink), b.logger)
	return out, nil
}
