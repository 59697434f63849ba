package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/session"
)

// SummaryToolName is the registry name of the built-in summarizer. Configure
// context.summarize_tool with this name (or an MCP tool) to enable
// compaction.
const SummaryToolName = "summarize"

const summaryInstruction = "Condense the following conversation transcript. Keep decisions, open tasks, file paths, and tool outcomes. Reply with the summary only."

// SummaryTool condenses a transcript with the engine's own model. It is
// registered on the engine's full registry, not the model-visible one.
type SummaryTool struct {
	client llm.Client
}

func (t *SummaryTool) Name() string { return SummaryToolName }
func (t *SummaryTool) Description() string {
	return "Summarizes a conversation transcript into a compact brief."
}

func (t *SummaryTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"transcript": map[string]any{
				"type":        "string",
				"description": "Conversation transcript to condense.",
			},
		},
		"required": []string{"transcript"},
	}
}

func (t *SummaryTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Transcript string `json:"transcript"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", errors.Wrapf(err, "decoding summarize input")
	}
	if strings.TrimSpace(args.Transcript) == "" {
		return "", errors.New("empty transcript")
	}

	msgs := []session.Message{
		session.SystemMessage(summaryInstruction),
		session.UserMessage(args.Transcript),
	}
	res, err := t.client.Chat(ctx, msgs, nil, nil)
	if err != nil {
		return "", err
	}
	if res.Text == "" {
		return "", errors.New("summarizer returned no text")
	}
	return res.Text, nil
}
