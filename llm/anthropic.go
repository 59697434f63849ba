package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/rs/zerolog"

	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm/stream"
	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/tools"
)

const (
	anthropicBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion   = "2023-06-01"
	anthropicOAuthBeta = "oauth-2025-04-20"

	defaultMaxTokens = 4096
	defaultTimeout   = 60 * time.Second

	// errorBodyLimit bounds how much of a failed response is kept for the
	// error message.
	errorBodyLimit = 4096
)

// AnthropicClient talks to the Anthropic Messages API directly: it builds
// the request body by hand, authenticates with an API key or an OAuth
// bearer token, and decodes the SSE stream through the llm/stream
// processor.
type AnthropicClient struct {
	model      string
	apiKey     string
	tokens     TokenSource
	baseURL    string
	maxTokens  int
	streaming  bool
	strict     bool
	httpClient *http.Client
	logger     zerolog.Logger
}

// AnthropicOptions configure the client. APIKey and Tokens are mutually
// exclusive; Tokens wins when both are set.
type AnthropicOptions struct {
	Model     string
	APIKey    string
	Tokens    TokenSource
	BaseURL   string
	MaxTokens int
	Streaming bool
	Strict    bool
	Timeout   time.Duration
	Logger    zerolog.Logger
}

// NewAnthropicClient creates a new AnthropicClient. Without explicit
// credentials it falls back to the ANTHROPIC_API_KEY environment variable.
func NewAnthropicClient(opts AnthropicOptions) (*AnthropicClient, error) {
	if opts.APIKey == "" && opts.Tokens == nil {
		opts.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if opts.APIKey == "" && opts.Tokens == nil {
		return nil, errors.New("anthropic client needs an API key or OAuth credentials (set ANTHROPIC_API_KEY or run -login)")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic client needs a model name")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &AnthropicClient{
		model:      opts.Model,
		apiKey:     opts.APIKey,
		tokens:     opts.Tokens,
		baseURL:    baseURL,
		maxTokens:  maxTokens,
		streaming:  opts.Streaming,
		strict:     opts.Strict,
		httpClient: newHTTPClient(timeout, opts.Streaming),
		logger:     opts.Logger,
	}, nil
}

// newHTTPClient bounds non-streaming requests end to end. A whole-request
// timeout would cut streams off mid-generation, so streaming clients bound
// only the time to response headers.
func newHTTPClient(timeout time.Duration, streaming bool) *http.Client {
	if !streaming {
		return &http.Client{Timeout: timeout}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}

// Chat sends one exchange to the Messages API.
func (c *AnthropicClient) Chat(ctx context.Context, messages []session.Message, decls []tools.Declaration, sink *Sink) (*Result, error) {
	payload, err := json.Marshal(c.buildRequest(messages, decls))
	if err != nil {
		return nil, errors.Wrapf(err, "encoding request")
	}
	resp, err := c.send(ctx, payload)
	if err != nil {
		return nil, err
	}
	if c.streaming {
		return c.consumeStream(resp, sink)
	}
	return c.parseResponse(resp, sink)
}

// buildRequest shapes the Messages API body.
func (c *AnthropicClient) buildRequest(messages []session.Message, decls []tools.Declaration) map[string]any {
	wire, system := anthropicWireMessages(messages)
	req := map[string]any{
		"model":      c.model,
		"max_tokens": c.maxTokens,
		"messages":   wire,
	}
	if system != "" {
		req["system"] = system
	}
	if len(decls) > 0 {
		req["tools"] = decls
	}
	if c.streaming {
		req["stream"] = true
	}
	return req
}

// anthropicWireMessages converts history to the Messages API shape. System
// messages collapse into the top-level system string; tool results ride as
// user-role messages whose content blocks already carry the wire shape. The
// bedrock client shares this.
func anthropicWireMessages(messages []session.Message) ([]map[string]any, string) {
	var system []string
	wire := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			if text := msg.Text(); text != "" {
				system = append(system, text)
			}
		case session.RoleTool:
			wire = append(wire, map[string]any{"role": "user", "content": msg.Content})
		case session.RoleUser, session.RoleAssistant:
			if len(msg.Content) == 0 {
				continue
			}
			wire = append(wire, map[string]any{"role": msg.Role, "content": msg.Content})
		}
	}
	return wire, strings.Join(system, "\n\n")
}

// send posts the payload. On a 401 with OAuth credentials it forces one
// token refresh and resends the identical payload once; a second 401 comes
// back as an auth error.
func (c *AnthropicClient) send(ctx context.Context, payload []byte) (*http.Response, error) {
	token, err := c.bearer(ctx, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.post(ctx, payload, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && c.tokens != nil {
		drainBody(resp)
		c.logger.Debug().Msg("unauthorized response, refreshing token and retrying once")
		token, err = c.bearer(ctx, true)
		if err != nil {
			return nil, err
		}
		resp, err = c.post(ctx, payload, token)
		if err != nil {
			return nil, err
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		status := &errors.StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		return nil, errors.Wrapf(status, "anthropic request failed")
	}
	return resp, nil
}

func (c *AnthropicClient) bearer(ctx context.Context, invalidate bool) (string, error) {
	if c.tokens == nil {
		return "", nil
	}
	if invalidate {
		return c.tokens.Invalidate(ctx)
	}
	return c.tokens.Token(ctx)
}

func (c *AnthropicClient) post(ctx context.Context, payload []byte, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrapf(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", anthropicVersion)
	if c.tokens != nil {
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("anthropic-beta", anthropicOAuthBeta)
	} else {
		req.Header.Set("x-api-key", c.apiKey)
	}
	if c.streaming {
		req.Header.Set("Accept", "text/event-stream")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.WithKind(errors.Wrapf(err, "calling anthropic"), errors.ErrNetwork)
	}
	return resp, nil
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyLimit))
	resp.Body.Close()
}

// consumeStream decodes the SSE wire and feeds every event to the stream
// processor. Provider error events abort the exchange.
func (c *AnthropicClient) consumeStream(resp *http.Response, sink *Sink) (*Result, error) {
	defer resp.Body.Close()

	opts := make([]stream.Option, 0, 3)
	if c.strict {
		opts = append(opts, stream.Strict())
	}
	if sink != nil {
		if sink.OnToken != nil {
			opts = append(opts, stream.WithTextSink(sink.OnToken))
		}
		if sink.OnEvent != nil {
			opts = append(opts, stream.WithEventSink(sink.OnEvent))
		}
	}
	p := stream.New(opts...)

	decoder := ssestream.NewDecoder(resp)
	for decoder.Next() {
		event := decoder.Event()
		if event.Type == "error" {
			return nil, decodeStreamError(event.Data)
		}
		p.Feed(event.Type, event.Data)
		if p.Done() {
			break
		}
	}
	if err := decoder.Err(); err != nil {
		return nil, errors.WithKind(errors.Wrapf(err, "reading event stream"), errors.ErrNetwork)
	}
	return c.resultFromStream(p.Finalize(), sink), nil
}

func decodeStreamError(data []byte) error {
	var ev struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return errors.WithKind(errors.New("provider sent an unreadable error event"), errors.ErrAPI)
	}
	return errors.WithKind(errors.New("provider error mid-stream: %s: %s", ev.Error.Type, ev.Error.Message), errors.ErrAPI)
}

func (c *AnthropicClient) resultFromStream(res stream.Result, sink *Sink) *Result {
	out := &Result{
		MessageID:  res.MessageID,
		Model:      res.Model,
		StopReason: res.StopReason,
		Text:       res.Text,
		Usage:      Usage{InputTokens: res.Usage.InputTokens, OutputTokens: res.Usage.OutputTokens},
	}
	calls := make([]ToolCall, 0, len(res.ToolCalls))
	for _, call := range res.ToolCalls {
		calls = append(calls, ToolCall{ID: call.ID, Name: call.Name, Input: call.Input})
	}
	out.ToolCalls = normalizeToolCalls(calls, warnFunc(sink), c.logger)
	return out
}

type anthropicResponse struct {
	ID         string                 `json:"id"`
	Model      string                 `json:"model"`
	StopReason string                 `json:"stop_reason"`
	Content    []session.ContentBlock `json:"content"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// parseResponse handles the buffered, non-streaming body.
func (c *AnthropicClient) parseResponse(resp *http.Response, sink *Sink) (*Result, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WithKind(errors.Wrapf(err, "reading response"), errors.ErrNetwork)
	}
	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.WithKind(errors.Wrapf(err, "decoding response"), errors.ErrMalformedJSON)
	}

	out := &Result{
		MessageID:  parsed.ID,
		Model:      parsed.Model,
		StopReason: parsed.StopReason,
		Usage:      Usage{InputTokens: parsed.Usage.InputTokens, OutputTokens: parsed.Usage.OutputTokens},
	}
	var text strings.Builder
	var calls []ToolCall
	for _, block := range parsed.Content {
		switch block.Type {
		case session.BlockText:
			text.WriteString(block.Text)
		case session.BlockToolUse:
			calls = append(calls, ToolCall{ID: block.ID, Name: block.Name, Input: block.Input})
		}
	}
	out.Text = text.String()
	out.ToolCalls = normalizeToolCalls(calls, warnFunc(sink), c.logger)
	return out, nil
}
