// Package acp implements the Agent Client Protocol (ACP) support for Parley.
// This allows Parley to integrate with code editors like Zed by communicating
// using JSON-RPC 2.0 over stdio with newline-delimited framing.
//
// The implementation supports the following ACP methods:
// - initialize: Initializes the agent and returns capabilities
// - session/new: Creates a new session
// - session/load: Loads a persisted session and replays its history
// - session/prompt: Processes a prompt and returns the result
//
// The implementation sends session/update notifications carrying
// agent_message_chunk, tool_call, and tool_result updates while a prompt is
// being processed, and user_message_chunk additionally during replay.
//
// Stdout carries only JSON-RPC messages; diagnostics go to the optional
// acp.trace file.
package acp
