package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog"

	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/tools"
)

// Client is the interface for interacting with a model provider.
type Client interface {
	Chat(ctx context.Context, messages []session.Message, decls []tools.Declaration, sink *Sink) (*Result, error)
}

// Sink receives live callbacks while a response is in flight. Any field may
// be nil; non-streaming clients may ignore it entirely.
type Sink struct {
	OnToken   func(text string)
	OnEvent   func(name string, payload []byte)
	OnWarning func(message string)
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// Usage reports token accounting for one exchange, when the provider
// supplies it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Result is one assistant turn as returned by a provider.
type Result struct {
	MessageID  string
	Model      string
	StopReason string
	Text       string
	ToolCalls  []ToolCall
	Usage      Usage
}

// TokenSource supplies bearer tokens for providers authenticated with
// OAuth. Invalidate forces a refresh and returns the replacement token;
// auth.Manager satisfies this.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate(ctx context.Context) (string, error)
}

func warnFunc(sink *Sink) func(string) {
	if sink == nil {
		return nil
	}
	return sink.OnWarning
}

// normalizeToolCalls enforces the invariant that tool input entering history
// is a valid JSON object: near-JSON gets repaired, anything unrepairable
// drops the call with a warning.
func normalizeToolCalls(calls []ToolCall, warn func(string), logger zerolog.Logger) []ToolCall {
	var kept []ToolCall
	for _, call := range calls {
		if validObject(call.Input) {
			kept = append(kept, call)
			continue
		}
		repaired, err := jsonrepair.JSONRepair(string(call.Input))
		if err == nil && validObject(json.RawMessage(repaired)) {
			logger.Debug().Str("tool", call.Name).Str("id", call.ID).Msg("repaired malformed tool input")
			call.Input = json.RawMessage(repaired)
			kept = append(kept, call)
			continue
		}
		logger.Warn().Str("tool", call.Name).Str("id", call.ID).Msg("dropping tool call with unrepairable input")
		if warn != nil {
			warn(fmt.Sprintf("dropped tool call %s (%s): input is not a valid JSON object", call.Name, call.ID))
		}
	}
	return kept
}

func validObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}
