package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m4xw311/parley/agent"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/session"
)

// Run starts the Agent Client Protocol server over stdio using JSON-RPC.
// It implements a minimal subset of ACP:
// - initialize
// - session/new
// - session/load
// - session/prompt (emits session/update notifications with agent_message_chunk, tool_call, and tool_result)
// Notes:
// - This implementation intentionally avoids writing anything to stdout except JSON-RPC messages.
// - Any debug or informational logs go to the trace file if enabled.
// - Messages are newline-delimited JSON objects rather than using Content-Length framing.
func Run(ctx context.Context, engine *agent.Engine, in *bufio.Reader, out *bufio.Writer, traceEnabled bool) error {
	trace := func(msg string) {} // Do nothing by default
	if traceEnabled {
		traceFile, _ := os.OpenFile("acp.trace", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		defer traceFile.Close()
		trace = func(msg string) {
			if traceFile != nil {
				fmt.Fprintf(traceFile, "[%s] %s\n", time.Now().Format("15:04:05.000"), msg)
			}
		}
	}

	trace("Run: starting ACP server")
	server := &acpServer{
		ctx:          ctx,
		engine:       engine,
		sessions:     make(map[string]*session.Session),
		StdinReader:  in,
		StdoutWriter: out,
		writeLock:    &sync.Mutex{},
		trace:        trace,
	}

	// Main read loop
	for {
		trace("Run: entering read loop")
		payload, err := server.readFramedMessage()
		if err != nil {
			if err == io.EOF {
				trace("Run: EOF received, exiting")
				return nil
			}
			// If framing is broken, there isn't a safe way to continue.
			trace(fmt.Sprintf("Run: read error: %v", err))
			return fmt.Errorf("ACP: read error: %w", err)
		}
		if len(payload) == 0 {
			trace("Run: empty payload, continuing")
			continue
		}

		trace(fmt.Sprintf("Run: received payload: %s", string(payload)))
		var req jsonrpcRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			trace(fmt.Sprintf("Run: JSON parse error: %v", err))
			_ = server.writeResponseError(nil, -32700, "Parse error", nil)
			continue
		}

		trace(fmt.Sprintf("Run: dispatching method: %s with ID: %v", req.Method, req.ID))
		switch req.Method {
		case "initialize":
			server.handleInitialize(&req)
		case "session/new":
			server.handleSessionNew(&req)
		case "session/load":
			server.handleSessionLoad(&req)
		case "session/prompt":
			server.handleSessionPrompt(&req)
		default:
			trace("Run: method not found")
			_ = server.writeResponseError(req.ID, -32601, "Method not found", nil)
		}
	}
}

// ---- Minimal ACP handling types ----

// jsonrpcRequest represents a JSON-RPC 2.0 request message
type jsonrpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// jsonrpcResponse represents a JSON-RPC 2.0 response message
type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpcError   `json:"error,omitempty"`
}

// jsonrpcError represents a JSON-RPC 2.0 error object
type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ---- acpServer ----

// acpServer holds the state of one ACP server instance. It manages sessions,
// handles requests, and communicates with the client over stdio.
type acpServer struct {
	ctx          context.Context
	engine       *agent.Engine
	sessions     map[string]*session.Session
	sessionsLock sync.Mutex

	StdinReader  *bufio.Reader
	StdoutWriter *bufio.Writer
	writeLock    *sync.Mutex
	trace        func(string)
}

// readFramedMessage reads a single JSON-RPC payload
func (s *acpServer) readFramedMessage() ([]byte, error) {
	// JSON-RPC requests and responses are newline-delimited JSONs.
	line, _, err := s.StdinReader.ReadLine()
	if err != nil {
		s.trace(fmt.Sprintf("readFramedMessage: error reading message: %v", err))
		return nil, err
	}
	return line, nil
}

// writeFramedJSON serializes and writes a JSON-RPC message to stdout.
// It handles the newline-delimited JSON formatting required by the ACP protocol.
func (s *acpServer) writeFramedJSON(obj any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		s.trace(fmt.Sprintf("writeFramedJSON: marshal error: %v", err))
		return fmt.Errorf("failed to serialize JSON-RPC message: %w", err)
	}
	s.trace(fmt.Sprintf("writeFramedJSON: %s", string(data)))

	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if _, err := s.StdoutWriter.Write(data); err != nil {
		s.trace(fmt.Sprintf("writeFramedJSON: write error: %v", err))
		return err
	}
	// Write newline to inform the client that the message is complete.
	if _, err := s.StdoutWriter.WriteString("\n"); err != nil {
		s.trace(fmt.Sprintf("writeFramedJSON: write error: %v", err))
		return err
	}
	if err := s.StdoutWriter.Flush(); err != nil {
		s.trace(fmt.Sprintf("writeFramedJSON: flush error: %v", err))
		return err
	}
	return nil
}

// writeResponseOK sends a successful JSON-RPC response with the given result
func (s *acpServer) writeResponseOK(id any, result json.RawMessage) error {
	resp := jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
	return s.writeFramedJSON(resp)
}

// writeResponseError sends a JSON-RPC error response with the specified error code and message
func (s *acpServer) writeResponseError(id any, code int, msg string, data any) error {
	s.trace(fmt.Sprintf("writeResponseError: code=%d, msg=%s, data=%+v", code, msg, data))
	resp := jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &jsonrpcError{
			Code:    code,
			Message: msg,
			Data:    data,
		},
	}
	return s.writeFramedJSON(resp)
}

// writeNotification sends a JSON-RPC notification (request without an ID)
func (s *acpServer) writeNotification(method string, params any) error {
	// Notifications have no id
	msg := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	}
	return s.writeFramedJSON(msg)
}

// decodeParams round-trips the loosely typed params field into a handler's
// own struct.
func decodeParams(params any, into any) error {
	b, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, into)
}

// ---- Handlers ----

// handleInitialize processes the initialize request from the ACP client.
// It returns the protocol version and agent capabilities including:
// - Support for session loading
// - Prompt capabilities (currently no support for audio, embedded context, or image)
func (s *acpServer) handleInitialize(req *jsonrpcRequest) {
	s.trace("handleInitialize: starting")
	type initParams struct {
		ProtocolVersion int             `json:"protocolVersion"`
		ClientCaps      json.RawMessage `json:"clientCapabilities,omitempty"`
	}

	var p initParams
	if err := decodeParams(req.Params, &p); err != nil {
		s.trace(fmt.Sprintf("handleInitialize: params decode error: %v", err))
	}

	// Minimal: we support v1
	resp := map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession": true,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           false,
			},
		},
		"authMethods": []any{},
	}
	respBytes, err := json.Marshal(resp)
	if err != nil {
		s.trace(fmt.Sprintf("handleInitialize: marshal error: %v", err))
	}

	s.trace(fmt.Sprintf("handleInitialize: sending response: %s", string(respBytes)))
	_ = s.writeResponseOK(req.ID, json.RawMessage(respBytes))
}

// handleSessionNew creates a new session with a unique ID.
// The session inherits the engine's mode, toolset, and verbosity so a
// later resume behaves the way this server was started.
func (s *acpServer) handleSessionNew(req *jsonrpcRequest) {
	s.trace("handleSessionNew: starting")
	type sessionNewParams struct {
		Cwd        string          `json:"cwd"`
		McpServers json.RawMessage `json:"mcpServers"`
	}
	var p sessionNewParams
	if err := decodeParams(req.Params, &p); err != nil {
		s.trace(fmt.Sprintf("handleSessionNew: params decode error: %v", err))
	}

	sid := s.nextSessionID()
	s.trace(fmt.Sprintf("handleSessionNew: created session ID: %s", sid))

	sess, err := session.New(sid)
	if err != nil {
		s.trace(fmt.Sprintf("handleSessionNew: failed to create session: %v", err))
		_ = s.writeResponseError(req.ID, -32603, "Internal error", fmt.Sprintf("failed to create session: %v", err))
		return
	}

	sess.Mode = s.engine.Session.Mode
	sess.Toolset = s.engine.Session.Toolset
	sess.ToolVerbosity = s.engine.Session.ToolVerbosity

	s.sessionsLock.Lock()
	s.sessions[sid] = sess
	s.sessionsLock.Unlock()

	respBytes, err := json.Marshal(map[string]any{"sessionId": sid})
	if err != nil {
		s.trace(fmt.Sprintf("handleSessionNew: marshal error: %v", err))
	}
	s.trace(fmt.Sprintf("handleSessionNew: sending response: %s", string(respBytes)))
	_ = s.writeResponseOK(req.ID, json.RawMessage(respBytes))
}

// handleSessionLoad loads an existing session from disk and replays the
// conversation history as session/update notifications:
// - user_message_chunk for user messages
// - agent_message_chunk for assistant text
// - tool_call for tool execution requests
// - tool_result for tool execution results
// Returns null when replay is complete. System messages are internal and
// never replayed.
func (s *acpServer) handleSessionLoad(req *jsonrpcRequest) {
	s.trace("handleSessionLoad: starting")
	type sessionLoadParams struct {
		SessionID  string          `json:"sessionId"`
		Cwd        string          `json:"cwd"`
		McpServers json.RawMessage `json:"mcpServers"`
	}
	var p sessionLoadParams
	if err := decodeParams(req.Params, &p); err != nil {
		s.trace(fmt.Sprintf("handleSessionLoad: params decode error: %v", err))
		_ = s.writeResponseError(req.ID, -32603, "Internal error", fmt.Sprintf("params decode error: %v", err))
		return
	}

	s.trace(fmt.Sprintf("handleSessionLoad: loading session: %s", p.SessionID))
	sess, err := session.Load(p.SessionID)
	if err != nil {
		s.trace(fmt.Sprintf("handleSessionLoad: failed to load session: %v", err))
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", fmt.Sprintf("session not found: %v", err))
		return
	}

	s.sessionsLock.Lock()
	s.sessions[p.SessionID] = sess
	s.sessionsLock.Unlock()

	s.trace(fmt.Sprintf("handleSessionLoad: replaying %d messages", len(sess.Messages)))
	for _, msg := range sess.Messages {
		switch msg.Role {
		case session.RoleUser:
			if text := msg.Text(); text != "" {
				_ = s.writeNotification("session/update", map[string]any{
					"sessionId": p.SessionID,
					"update": map[string]any{
						"sessionUpdate": "user_message_chunk",
						"content": map[string]any{
							"type": "text",
							"text": text,
						},
					},
				})
			}
		case session.RoleAssistant:
			if text := msg.Text(); text != "" {
				_ = s.sendAgentMessageChunk(p.SessionID, text)
			}
			for _, use := range msg.ToolUses() {
				_ = s.sendToolCallNotification(p.SessionID, use.ID, use.Name, use.Input)
			}
		case session.RoleTool:
			for _, result := range msg.ToolResults() {
				_ = s.sendToolResultNotification(p.SessionID, result.ToolUseID, result.Content, result.IsError)
			}
		}
	}

	s.trace("handleSessionLoad: sending response")
	_ = s.writeResponseOK(req.ID, json.RawMessage("null"))
}

// contentBlock represents a content block in ACP prompt requests.
// For this minimal implementation, we only handle text and resource_link blocks.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// ResourceLink fields
	URI         string `json:"uri,omitempty"`
	Name        string `json:"name,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Size        *int64 `json:"size,omitempty"`
}

// handleSessionPrompt processes a prompt request for a session. The engine
// runs the full tool calling loop; text deltas stream out as
// agent_message_chunk notifications and tool activity as tool_call and
// tool_result notifications. Responds with stopReason end_turn when the
// turn completes.
func (s *acpServer) handleSessionPrompt(req *jsonrpcRequest) {
	s.trace("handleSessionPrompt: starting")
	type promptParams struct {
		SessionID string         `json:"sessionId"`
		Prompt    []contentBlock `json:"prompt"`
	}

	var p promptParams
	if err := decodeParams(req.Params, &p); err != nil {
		s.trace(fmt.Sprintf("handleSessionPrompt: params decode error: %v", err))
		_ = s.writeResponseError(req.ID, -32603, "Internal error", fmt.Sprintf("params decode error: %v", err))
		return
	}

	s.trace(fmt.Sprintf("handleSessionPrompt: looking up session: %s", p.SessionID))
	s.sessionsLock.Lock()
	sess, ok := s.sessions[p.SessionID]
	s.sessionsLock.Unlock()
	if !ok {
		s.trace("handleSessionPrompt: unknown sessionId")
		_ = s.writeResponseError(req.ID, -32602, "Invalid params", "unknown sessionId")
		return
	}

	userText := extractUserText(p.Prompt)
	s.trace(fmt.Sprintf("handleSessionPrompt: extracted user text from %d blocks: %s", len(p.Prompt), userText))

	// Tracks whether the current assistant message already streamed out as
	// token chunks, so the finalized text is not sent twice.
	streamed := false

	callbacks := agent.ProcessCallbacks{
		OnToken: func(text string) {
			streamed = true
			_ = s.sendAgentMessageChunk(p.SessionID, text)
		},
		OnAssistantMessage: func(message string) {
			if streamed {
				streamed = false
				return
			}
			_ = s.sendAgentMessageChunk(p.SessionID, message)
		},
		OnToolCall: func(call llm.ToolCall) {
			_ = s.sendToolCallNotification(p.SessionID, call.ID, call.Name, call.Input)
		},
		OnToolResult: func(call llm.ToolCall, output string, isError bool) {
			_ = s.sendToolResultNotification(p.SessionID, call.ID, output, isError)
		},
		ShouldExecuteTool: func(call llm.ToolCall) bool {
			// In ACP mode, always execute tools (no user prompt possible).
			return true
		},
		OnWarning: func(warning string) {
			s.trace(fmt.Sprintf("handleSessionPrompt: warning - %s", warning))
		},
	}

	s.trace("handleSessionPrompt: running turn")
	s.engine.AdoptSession(sess)
	if _, err := s.engine.RunTurn(s.ctx, userText, callbacks); err != nil {
		s.trace(fmt.Sprintf("handleSessionPrompt: turn error: %v", err))
		_ = s.writeResponseError(req.ID, -32603, "Internal error", fmt.Sprintf("error processing user input: %v", err))
		return
	}

	respBytes, err := json.Marshal(map[string]any{"stopReason": "end_turn"})
	if err != nil {
		s.trace(fmt.Sprintf("handleSessionPrompt: marshal error: %v", err))
	}
	s.trace(fmt.Sprintf("handleSessionPrompt: sending response: %s", string(respBytes)))
	_ = s.writeResponseOK(req.ID, json.RawMessage(respBytes))
}

// sendToolCallNotification emits a session/update notification for a tool call.
// This informs the client that the agent wants to execute a tool with specific arguments.
func (s *acpServer) sendToolCallNotification(sessionID, toolCallID, name string, input json.RawMessage) error {
	s.trace(fmt.Sprintf("sendToolCallNotification: session=%s, tool=%s", sessionID, name))
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	notification := map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "tool_call",
			"toolCall": map[string]any{
				"id":   toolCallID,
				"name": name,
				"args": input,
			},
		},
	}
	return s.writeNotification("session/update", notification)
}

// sendToolResultNotification emits a session/update notification for a tool result.
// This informs the client of the result from executing a tool call.
func (s *acpServer) sendToolResultNotification(sessionID, toolCallID, result string, isError bool) error {
	s.trace(fmt.Sprintf("sendToolResultNotification: session=%s, toolCallID=%s", sessionID, toolCallID))
	notification := map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "tool_result",
			"toolResult": map[string]any{
				"toolCallId": toolCallID,
				"result":     result,
				"isError":    isError,
			},
		},
	}
	return s.writeNotification("session/update", notification)
}

// sendAgentMessageChunk emits a session/update notification with an agent message chunk.
// This streams text content from the agent to the client as it's generated.
func (s *acpServer) sendAgentMessageChunk(sessionID, text string) error {
	notification := map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content": map[string]any{
				"type": "text",
				"text": text,
			},
		},
	}
	return s.writeNotification("session/update", notification)
}

// nextSessionID generates a unique session ID
func (s *acpServer) nextSessionID() string {
	id := "sess_" + uuid.NewString()
	s.trace(fmt.Sprintf("nextSessionID: generated %s", id))
	return id
}

// readFileFromURI attempts to read file contents from a file:// URI
func readFileFromURI(uri string) (string, error) {
	parsedURL, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid URI: %v", err)
	}

	if parsedURL.Scheme != "file" {
		return "", fmt.Errorf("unsupported URI scheme: %s", parsedURL.Scheme)
	}

	content, err := os.ReadFile(parsedURL.Path)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %v", err)
	}

	return string(content), nil
}

// extractUserText creates a single prompt string from all content blocks.
// Text blocks pass through; resource_link blocks expand into a framed
// resource section, inlining file:// contents up to a size cap.
func extractUserText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource_link":
			resourceInfo := fmt.Sprintf("=== Resource: %s ===\n", b.Name)

			if b.Title != "" {
				resourceInfo += fmt.Sprintf("Title: %s\n", b.Title)
			}
			if b.Description != "" {
				resourceInfo += fmt.Sprintf("Description: %s\n", b.Description)
			}
			resourceInfo += fmt.Sprintf("URI: %s\n", b.URI)
			if b.MimeType != "" {
				resourceInfo += fmt.Sprintf("Type: %s\n", b.MimeType)
			}
			if b.Size != nil {
				resourceInfo += fmt.Sprintf("Size: %d bytes\n", *b.Size)
			}

			if strings.HasPrefix(b.URI, "file://") {
				content, err := readFileFromURI(b.URI)
				if err != nil {
					resourceInfo += fmt.Sprintf("\n[Error reading file: %v]\n", err)
				} else {
					// Limit content size for very large files
					const maxContentSize = 50000 // 50KB limit for inline content
					if len(content) > maxContentSize {
						content = content[:maxContentSize] + "\n\n[... truncated to 50KB ...]"
					}
					resourceInfo += fmt.Sprintf("\n--- File Contents ---\n%s\n--- End of File ---\n", content)
				}
			} else {
				resourceInfo += "\n[External resource - content not available]\n"
			}

			resourceInfo += "=== End Resource ===\n"
			parts = append(parts, resourceInfo)
		}
	}
	return strings.Join(parts, "\n")
}
