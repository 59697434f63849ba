package mcp

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"

	sdkschema "github.com/modelcontextprotocol/go-sdk/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"github.com/m4xw311/parley/errors"
)

// Client manages the connection to a single MCP server subprocess and the
// tools it exports.
type Client struct {
	name   string
	cmd    *exec.Cmd
	conn   *mcpsdk.ClientSession
	tools  map[string]*Tool
	order  []string
	logger zerolog.Logger
}

// NewClient starts the MCP server subprocess, connects over stdio, and
// discovers the tools provided by the server.
func NewClient(name, command string, args []string, logger zerolog.Logger) (*Client, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr
	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "parley", Version: "v0.1.0"}, nil)
	ctx := context.Background()
	conn, err := mcpClient.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		cmd.Process.Kill()
		return nil, errors.Wrapf(err, "failed to connect to MCP server '%s'", name)
	}
	client := &Client{
		name:   name,
		cmd:    cmd,
		conn:   conn,
		tools:  make(map[string]*Tool),
		logger: logger,
	}
	params := &mcpsdk.ListToolsParams{}
	for {
		list, err := conn.ListTools(ctx, params)
		if err != nil {
			// Attempt to stop the process we just started.
			cmd.Process.Kill()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server '%s'", name)
		}

		for _, t := range list.Tools {
			if _, exists := client.tools[t.Name]; !exists {
				client.order = append(client.order, t.Name)
			}
			client.tools[t.Name] = &Tool{
				server:      name,
				name:        t.Name,
				description: t.Description,
				schema:      schemaToMap(t.InputSchema),
				client:      client,
			}
		}

		if list.NextCursor == "" {
			break
		}
		params.Cursor = list.NextCursor
	}
	logger.Debug().Str("server", name).Int("tools", len(client.tools)).Msg("mcp client connected")
	return client, nil
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// Tools returns the discovered tools in listing order.
func (c *Client) Tools() []*Tool {
	out := make([]*Tool, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.tools[name])
	}
	return out
}

// GetTool returns a specific tool provided by this MCP server by its short name.
func (c *Client) GetTool(name string) (*Tool, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Stop terminates the MCP server subprocess.
func (c *Client) Stop() error {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.logger.Debug().Str("server", c.name).Msg("terminating mcp server")
		return c.cmd.Process.Kill()
	}
	return nil
}

// schemaToMap converts the SDK's schema into the plain object form declared
// to the model. A missing or unconvertible schema degrades to an
// accept-anything object schema.
func schemaToMap(s *sdkschema.Schema) map[string]any {
	fallback := map[string]any{"type": "object", "properties": map[string]any{}}
	if s == nil {
		return fallback
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fallback
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fallback
	}
	return m
}

// Tool represents a tool available from an external MCP server. It is
// designed to satisfy the `tools.Tool` interface from the parent package.
type Tool struct {
	server      string
	name        string
	description string
	schema      map[string]any
	client      *Client
}

// Name returns the tool's short name as exported by the server.
// Server-qualified names broke at least one provider's tool-name rules, so
// the short name is the registry key; toolsets can still select by
// "<server>:<tool>".
func (t *Tool) Name() string {
	return t.name
}

// Description returns the tool's description, provided by the MCP server.
func (t *Tool) Description() string {
	return t.description
}

// Schema returns the input schema published by the server.
func (t *Tool) Schema() map[string]any {
	return t.schema
}

// Execute sends the call to the MCP server and concatenates the text parts
// of the result.
func (t *Tool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	result, err := t.client.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.name,
		Arguments: input,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to call tool '%s' on server '%s'", t.name, t.server)
	}
	var out strings.Builder
	for _, content := range result.Content {
		if text, ok := content.(*mcpsdk.TextContent); ok {
			out.WriteString(text.Text)
		}
	}
	if result.IsError {
		return "", errors.New("tool '%s' reported an error: %s", t.name, out.String())
	}
	return out.String(), nil
}
