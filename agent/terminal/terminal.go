package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/m4xw311/parley/agent"
	"github.com/m4xw311/parley/llm"
)

// Terminal handles the terminal/CLI interaction mode for the agent
type Terminal struct {
	engine *agent.Engine
	in     *bufio.Reader
	out    io.Writer
}

// New creates a Terminal reading stdin and writing stdout. One shared reader
// serves both the conversation loop and tool confirmations, so no buffered
// input is lost between them.
func New(engine *agent.Engine) *Terminal {
	return &Terminal{
		engine: engine,
		in:     bufio.NewReader(os.Stdin),
		out:    os.Stdout,
	}
}

// Run starts the interactive terminal session
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	// If there's an initial prompt from the command line, use it first
	if initialPrompt != "" {
		if err := t.processTurn(ctx, initialPrompt); err != nil {
			return err
		}
	}

	for {
		fmt.Fprint(t.out, "You: ")
		line, err := t.in.ReadString('\n')
		userInput := strings.TrimSpace(line)

		if userInput != "" {
			// Exit commands
			if userInput == "/quit" || userInput == "/exit" {
				break
			}
			if turnErr := t.processTurn(ctx, userInput); turnErr != nil {
				fmt.Fprintf(t.out, "Error: %v\n", turnErr)
			}
		}

		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// processTurn handles a single user input turn
func (t *Terminal) processTurn(ctx context.Context, userInput string) error {
	// Tracks whether the current assistant message already went out as
	// live tokens, so it is not printed twice.
	streamed := false

	callbacks := agent.ProcessCallbacks{
		OnToken: func(text string) {
			if !streamed {
				fmt.Fprint(t.out, "Parley: ")
				streamed = true
			}
			fmt.Fprint(t.out, text)
		},
		OnAssistantMessage: func(message string) {
			if streamed {
				fmt.Fprintln(t.out)
				streamed = false
				return
			}
			fmt.Fprintf(t.out, "Parley: %s\n", message)
		},
		OnToolCall: func(call llm.ToolCall) {
			switch t.engine.Verbosity {
			case agent.ToolVerbosityAll:
				fmt.Fprintf(t.out, "Parley wants to call tool `%s` with input: %s\n", call.Name, call.Input)
			case agent.ToolVerbosityInfo:
				fmt.Fprintf(t.out, "Parley wants to call tool `%s`\n", call.Name)
			}
		},
		OnToolResult: func(call llm.ToolCall, output string, isError bool) {
			if t.engine.Verbosity != agent.ToolVerbosityAll {
				return
			}
			if isError {
				fmt.Fprintf(t.out, "Tool `%s` failed: %s\n", call.Name, output)
				return
			}
			fmt.Fprintf(t.out, "Tool `%s` output: %s\n", call.Name, output)
		},
		ShouldExecuteTool: func(call llm.ToolCall) bool {
			fmt.Fprint(t.out, "Do you want to allow this? (y/n): ")
			answer, _ := t.in.ReadString('\n')
			return strings.TrimSpace(strings.ToLower(answer)) == "y"
		},
		OnWarning: func(warning string) {
			fmt.Fprintf(t.out, "Warning: %s\n", warning)
		},
	}

	_, err := t.engine.RunTurn(ctx, userInput, callbacks)
	return err
}
