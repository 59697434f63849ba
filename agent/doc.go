// Package agent provides the core agent functionality for the Parley system.
//
// This package contains the common code and abstractions that are shared between
// different interaction modes (terminal CLI and ACP server). It defines the core
// Engine type and the processing logic for handling user input, LLM interactions,
// and tool executions.
//
// # Architecture
//
// The agent package is organized into three main components:
//
//   - Core engine (this package): Contains the shared Engine type, the turn loop,
//     and the conversation context manager
//   - Terminal subpackage (agent/terminal): Implements the CLI interaction mode
//   - ACP subpackage (agent/acp): Implements the Agent Client Protocol server for IDE integration
//
// # Core Functionality
//
// The Engine type provides:
//
//   - Configuration management for LLM clients and toolsets
//   - Session management for conversation history
//   - Tool discovery, input validation, and execution
//   - History bounding: message-count trim, threshold-driven summarization,
//     and a hard token cutoff (see ContextManager)
//   - The turn loop for LLM interactions and tool calls
//   - Callback-based architecture for different interaction modes
//
// # Usage
//
// To create and use an engine:
//
//	engine, err := agent.New(cfg, sess, toolset, mode, client, verbosity, logger)
//	if err != nil {
//	    // handle error
//	}
//	defer engine.Close()
//
//	callbacks := agent.ProcessCallbacks{
//	    OnToken: func(text string) {
//	        // Stream text deltas as they arrive
//	    },
//	    OnAssistantMessage: func(message string) {
//	        // Handle complete assistant responses
//	    },
//	    OnToolCall: func(call llm.ToolCall) {
//	        // Handle tool execution requests
//	    },
//	    OnToolResult: func(call llm.ToolCall, output string, isError bool) {
//	        // Handle tool execution results
//	    },
//	    ShouldExecuteTool: func(call llm.ToolCall) bool {
//	        // Gate tool execution in prompt mode
//	        return true
//	    },
//	    OnWarning: func(warning string) {
//	        // Handle non-fatal warnings
//	    },
//	}
//
//	answer, err := engine.RunTurn(ctx, "user message", callbacks)
//
// # Modes
//
// The engine supports two operation modes:
//
//   - ModeAuto: Tools are executed automatically without confirmation
//   - ModePrompt: Tool execution requires confirmation (handled via callbacks);
//     declined calls produce an is_error tool result the model can see
//
// # Tool Verbosity
//
// Tool execution verbosity can be configured at three levels:
//
//   - ToolVerbosityNone: No tool execution details are shown
//   - ToolVerbosityInfo: Basic tool execution information is shown
//   - ToolVerbosityAll: Detailed tool execution information including arguments and results
//
// # Callbacks
//
// The ProcessCallbacks structure allows different interaction modes to customize
// how engine events are handled. This design enables the same core turn loop
// to be used by both the terminal CLI and the ACP server, while allowing each to
// handle events in their own way (e.g., printing to stdout vs. sending JSON-RPC
// notifications).
//
// # Subpackages
//
// agent/terminal: Provides an interactive command-line interface for direct user
// interaction with the engine. Features include prompt-based conversations, live
// token streaming, tool execution confirmations, and configurable verbosity.
//
// agent/acp: Implements the Agent Client Protocol server for IDE integration.
// Provides JSON-RPC based communication over stdio, session management, and
// real-time updates via notifications.
package agent
