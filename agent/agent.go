package agent

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/tools"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModePrompt Mode = "prompt"
)

// ToolVerbosity controls how much tool activity front-ends display.
type ToolVerbosity string

const (
	ToolVerbosityNone ToolVerbosity = "none"
	ToolVerbosityInfo ToolVerbosity = "info"
	ToolVerbosityAll  ToolVerbosity = "all"
)

const defaultSystemPrompt = "You are Parley, a terminal agent. Use the available tools to complete the user's tasks. Prefer running tools over guessing, and report results concisely."

// ProcessCallbacks let a front-end observe and steer one turn. Any field may
// be nil.
type ProcessCallbacks struct {
	// OnToken receives live text deltas while a streaming response is in
	// flight.
	OnToken func(text string)
	// OnEvent receives every named stream event with its raw payload.
	OnEvent func(name string, payload []byte)
	// OnAssistantMessage receives the complete text of each assistant
	// message once the response is finalized.
	OnAssistantMessage func(text string)
	OnToolCall         func(call llm.ToolCall)
	OnToolResult       func(call llm.ToolCall, output string, isError bool)
	// ShouldExecuteTool gates each tool call in prompt mode.
	ShouldExecuteTool func(call llm.ToolCall) bool
	OnWarning         func(message string)
}

// Engine orchestrates conversational turns against one provider client.
type Engine struct {
	Config    *config.Config
	Session   *session.Session
	Client    llm.Client
	Registry  *tools.Registry
	Mode      Mode
	Verbosity ToolVerbosity

	full       *tools.Registry
	contextMgr *ContextManager
	logger     zerolog.Logger
}

// New builds an engine: it starts the configured MCP servers, scopes the
// registry to the toolset, registers the summarizer, and seeds the system
// prompt into an empty session.
func New(cfg *config.Config, sess *session.Session, toolset string, mode Mode, client llm.Client, verbosity ToolVerbosity, logger zerolog.Logger) (*Engine, error) {
	ts, err := cfg.GetToolset(toolset)
	if err != nil {
		return nil, err
	}

	full, err := tools.NewRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	active, err := full.Select(ts)
	if err != nil {
		full.Close()
		return nil, err
	}

	// The summarizer lives on the full registry only so it never shows up
	// in the declarations offered to the model.
	if client != nil {
		full.Register(&SummaryTool{client: client})
	}

	seedSystemPrompt(cfg, sess)

	return &Engine{
		Config:     cfg,
		Session:    sess,
		Client:     client,
		Registry:   active,
		Mode:       mode,
		Verbosity:  verbosity,
		full:       full,
		contextMgr: NewContextManager(cfg.Context, full, logger),
		logger:     logger,
	}, nil
}

func seedSystemPrompt(cfg *config.Config, sess *session.Session) {
	if len(sess.Messages) > 0 {
		return
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	sess.AddMessage(session.SystemMessage(prompt))
}

// AdoptSession points the engine at a different session, seeding the system
// prompt into an empty one. The ACP server uses this to switch between the
// client's sessions on one engine.
func (e *Engine) AdoptSession(sess *session.Session) {
	seedSystemPrompt(e.Config, sess)
	e.Session = sess
}

// RegisterTool adds a tool to the engine's active set.
func (e *Engine) RegisterTool(t tools.Tool) {
	e.Registry.Register(t)
	e.full.Register(t)
}

// Close releases engine resources, in particular MCP server subprocesses.
func (e *Engine) Close() {
	e.full.Close()
}

// RunTurn executes one logical turn: append the user message, send the
// history, execute requested tools, and loop until the model stops asking
// for tools. It returns the final assistant text.
func (e *Engine) RunTurn(ctx context.Context, userText string, cb ProcessCallbacks) (string, error) {
	e.Session.AddMessage(session.UserMessage(userText))
	e.Session.ReplaceMessages(e.contextMgr.Prepare(ctx, e.Session.Messages))

	sink := &llm.Sink{
		OnToken:   cb.OnToken,
		OnEvent:   cb.OnEvent,
		OnWarning: cb.OnWarning,
	}

	var finalText string
	for {
		if err := ctx.Err(); err != nil {
			return "", errors.Wrapf(err, "turn cancelled")
		}

		res, err := e.Client.Chat(ctx, e.Session.Messages, e.Registry.Declarations(), sink)
		if err != nil {
			return "", err
		}

		assistant := assistantMessage(res)
		if len(assistant.Content) > 0 {
			e.Session.AddMessage(assistant)
		}
		if res.Text != "" {
			finalText = res.Text
			if cb.OnAssistantMessage != nil {
				cb.OnAssistantMessage(res.Text)
			}
		}

		if len(res.ToolCalls) == 0 {
			e.save(cb)
			return finalText, nil
		}

		results, executed := e.runTools(ctx, res.ToolCalls, cb)
		e.Session.AddMessage(session.ToolResultMessage(results...))
		e.save(cb)
		if !executed {
			return finalText, nil
		}
	}
}

// runTools drains the finalized calls in open order. Execution failures
// become is_error results the model can see and recover from; declined calls
// never reach the registry and do not keep the loop going.
func (e *Engine) runTools(ctx context.Context, calls []llm.ToolCall, cb ProcessCallbacks) ([]session.ContentBlock, bool) {
	results := make([]session.ContentBlock, 0, len(calls))
	executed := false
	for _, call := range calls {
		if cb.OnToolCall != nil {
			cb.OnToolCall(call)
		}

		if e.Mode == ModePrompt && cb.ShouldExecuteTool != nil && !cb.ShouldExecuteTool(call) {
			const declined = "tool execution declined by the user"
			results = append(results, session.ToolResultBlock(call.ID, declined, true))
			if cb.OnToolResult != nil {
				cb.OnToolResult(call, declined, true)
			}
			continue
		}

		output, err := e.Registry.Execute(ctx, call.Name, call.Input)
		executed = true
		isErr := err != nil
		if isErr {
			output = err.Error()
			e.logger.Warn().Str("tool", call.Name).Err(err).Msg("tool call failed")
		}
		results = append(results, session.ToolResultBlock(call.ID, output, isErr))
		if cb.OnToolResult != nil {
			cb.OnToolResult(call, output, isErr)
		}
	}
	return results, executed
}

// assistantMessage shapes one provider result into a history message: the
// text block first, then tool_use blocks in open order.
func assistantMessage(res *llm.Result) session.Message {
	var blocks []session.ContentBlock
	if res.Text != "" {
		blocks = append(blocks, session.TextBlock(res.Text))
	}
	for _, call := range res.ToolCalls {
		blocks = append(blocks, session.ToolUseBlock(call.ID, call.Name, call.Input))
	}
	return session.AssistantMessage(blocks...)
}

func (e *Engine) save(cb ProcessCallbacks) {
	if err := e.Session.Save(); err != nil {
		e.logger.Warn().Err(err).Msg("session save failed")
		if cb.OnWarning != nil {
			cb.OnWarning(fmt.Sprintf("failed to save session: %v", err))
		}
	}
}
