package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/tools"
)

// Token estimation tunables. This is a crude heuristic, not a tokenizer:
// only monotonic growth with content matters.
const (
	tokensPerMessage = 4
	charsPerToken    = 4
)

// summaryPrefix marks the synthetic message that replaces a summarized span.
const summaryPrefix = "[conversation summary]"

// ContextManager bounds the history the engine sends to the model.
type ContextManager struct {
	cfg      config.Context
	registry *tools.Registry
	logger   zerolog.Logger
}

func NewContextManager(cfg config.Context, registry *tools.Registry, logger zerolog.Logger) *ContextManager {
	return &ContextManager{cfg: cfg, registry: registry, logger: logger}
}

// Prepare applies the history bounds in order: message-count trim, then
// threshold-driven summarization, then the unconditional hard cutoff.
func (m *ContextManager) Prepare(ctx context.Context, msgs []session.Message) []session.Message {
	msgs = m.Trim(msgs)
	if m.cfg.MaxEstimatedTokens <= 0 {
		return msgs
	}
	msgs = m.MaybeSummarize(ctx, msgs)
	if EstimateTokens(msgs) > m.cfg.MaxEstimatedTokens {
		msgs = m.hardTrim(msgs)
	}
	return msgs
}

// Trim drops the oldest messages past the configured count. A leading system
// message is neither counted nor removed.
func (m *ContextManager) Trim(msgs []session.Message) []session.Message {
	if m.cfg.MaxMessages <= 0 {
		return msgs
	}
	head, rest := splitLeadingSystem(msgs)
	if len(rest) <= m.cfg.MaxMessages {
		return msgs
	}
	_, kept := splitKeepRecent(rest, m.cfg.MaxMessages)
	return rejoin(head, kept)
}

// EstimateTokens guesses the prompt size of a history: a fixed per-message
// overhead plus one token per four characters of content.
func EstimateTokens(msgs []session.Message) int {
	total := 0
	for _, msg := range msgs {
		total += tokensPerMessage
		for _, block := range msg.Content {
			total += len(block.Text) / charsPerToken
			total += len(block.Input) / charsPerToken
			total += len(block.Content) / charsPerToken
		}
	}
	return total
}

// MaybeSummarize compresses the history once the token estimate crosses the
// soft threshold: everything but the newest KeepRecent messages is replaced
// by one synthetic user message produced by the configured summarizer tool.
// Best effort: under the threshold, no tool configured, a too-short history,
// or a failed tool call leave the history unchanged.
func (m *ContextManager) MaybeSummarize(ctx context.Context, msgs []session.Message) []session.Message {
	if m.cfg.MaxEstimatedTokens <= 0 {
		return msgs
	}
	soft := int(float64(m.cfg.MaxEstimatedTokens) * m.cfg.SummarizeThreshold)
	if EstimateTokens(msgs) < soft {
		return msgs
	}
	if m.cfg.SummarizeTool == "" || m.registry == nil {
		return msgs
	}
	head, rest := splitLeadingSystem(msgs)
	span, kept := splitKeepRecent(rest, m.cfg.KeepRecent)
	if len(span) == 0 {
		return msgs
	}

	input, err := json.Marshal(map[string]string{"transcript": renderTranscript(span)})
	if err != nil {
		return msgs
	}
	summary, err := m.registry.Execute(ctx, m.cfg.SummarizeTool, input)
	if err != nil {
		if errors.Is(err, errors.ErrToolNotFound) {
			m.logger.Debug().Str("tool", m.cfg.SummarizeTool).Msg("summarizer tool not registered, skipping compaction")
		} else {
			m.logger.Warn().Err(err).Msg("summarization failed, keeping full history")
		}
		return msgs
	}

	replacement := session.UserMessage(summaryPrefix + " " + summary)
	m.logger.Info().Int("replaced", len(span)).Msg("summarized conversation span")
	return rejoin(head, append([]session.Message{replacement}, kept...))
}

// hardTrim keeps only the newest KeepRecent messages regardless of
// summarization. It runs when the token estimate still exceeds the budget.
func (m *ContextManager) hardTrim(msgs []session.Message) []session.Message {
	if m.cfg.KeepRecent <= 0 {
		return msgs
	}
	head, rest := splitLeadingSystem(msgs)
	span, kept := splitKeepRecent(rest, m.cfg.KeepRecent)
	if len(span) == 0 {
		return msgs
	}
	m.logger.Warn().Int("dropped", len(span)).Msg("hard token cutoff exceeded, dropping older history")
	return rejoin(head, kept)
}

func splitLeadingSystem(msgs []session.Message) (head, rest []session.Message) {
	if len(msgs) > 0 && msgs[0].Role == session.RoleSystem {
		return msgs[:1], msgs[1:]
	}
	return nil, msgs
}

// splitKeepRecent cuts rest so that at most keep messages remain, advancing
// the boundary so the kept window never opens with a tool result whose
// matching tool_use was cut away.
func splitKeepRecent(rest []session.Message, keep int) (span, kept []session.Message) {
	cut := len(rest) - keep
	if cut < 0 {
		cut = 0
	}
	for cut < len(rest) && rest[cut].Role == session.RoleTool {
		cut++
	}
	return rest[:cut], rest[cut:]
}

func rejoin(head, rest []session.Message) []session.Message {
	out := make([]session.Message, 0, len(head)+len(rest))
	out = append(out, head...)
	return append(out, rest...)
}

// renderTranscript flattens messages into readable plain text for the
// summarizer.
func renderTranscript(msgs []session.Message) string {
	var sb strings.Builder
	for _, msg := range msgs {
		for _, block := range msg.Content {
			switch block.Type {
			case session.BlockText:
				fmt.Fprintf(&sb, "%s: %s\n", msg.Role, block.Text)
			case session.BlockToolUse:
				fmt.Fprintf(&sb, "%s requested tool %s with input %s\n", msg.Role, block.Name, block.Input)
			case session.BlockToolResult:
				status := "ok"
				if block.IsError {
					status = "error"
				}
				fmt.Fprintf(&sb, "tool result (%s, %s): %s\n", block.ToolUseID, status, block.Content)
			}
		}
	}
	return sb.String()
}
