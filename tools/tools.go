package tools

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/tools/mcp"
)

// Tool defines the interface for any action the agent can take.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON-schema object describing the tool's input.
	Schema() map[string]any
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// Declaration is the wire form of a tool as offered to the model.
type Declaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Registry holds the tools available to an agent. Declarations preserve
// registration order; registering a name twice replaces the earlier tool.
type Registry struct {
	tools   map[string]Tool
	order   []string
	clients []*mcp.Client
	schemas sync.Map // tool name -> *jsonschema.Schema
	logger  zerolog.Logger
}

// NewRegistry builds a registry with the built-in tools plus every tool
// exported by the configured MCP servers. The caller owns the registry and
// must Close it to stop the server subprocesses.
func NewRegistry(cfg *config.Config, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool), logger: logger}

	r.Register(&ReadFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&WriteFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&ExecuteCommandTool{allowedCommands: cfg.AllowedCommands})

	for _, server := range cfg.AdditionalMCPServers {
		client, err := mcp.NewClient(server.Name, server.Command, server.Args, logger)
		if err != nil {
			r.Close()
			return nil, errors.Wrapf(err, "starting MCP server '%s'", server.Name)
		}
		r.clients = append(r.clients, client)
		for _, t := range client.Tools() {
			r.Register(t)
		}
		logger.Info().Str("server", server.Name).Int("tools", len(client.Tools())).Msg("mcp server ready")
	}
	return r, nil
}

// Register adds a tool. A tool with an already registered name replaces the
// earlier one and keeps its original position in the declaration order.
func (r *Registry) Register(t Tool) {
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
	r.schemas.Delete(name)
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, errors.WithKind(errors.New("no tool registered as '%s'", name), errors.ErrToolNotFound)
	}
	return t, nil
}

// Declarations returns the wire declarations in registration order.
func (r *Registry) Declarations() []Declaration {
	decls := make([]Declaration, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		decls = append(decls, Declaration{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	return decls
}

// Execute looks the tool up, validates the input against the tool's schema,
// and runs it. Errors come back classified so callers can tell a missing
// tool from bad input from a failed run.
func (r *Registry) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	t, err := r.Get(name)
	if err != nil {
		return "", err
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := r.validateInput(t, input); err != nil {
		return "", err
	}
	output, err := t.Execute(ctx, input)
	if err != nil {
		return "", errors.WithKind(errors.Wrapf(err, "tool '%s' failed", name), errors.ErrToolExecution)
	}
	return output, nil
}

// Select returns a registry restricted to the toolset's entries. An entry
// names a registered tool, one MCP tool as "<server>:<tool>", or every tool
// of one server as "<server>.*". The returned registry shares the parent's
// tool instances and does not own the MCP subprocesses.
func (r *Registry) Select(ts *config.Toolset) (*Registry, error) {
	out := &Registry{tools: make(map[string]Tool), logger: r.logger}
	for _, entry := range ts.Tools {
		switch {
		case strings.HasSuffix(entry, ".*"):
			server := strings.TrimSuffix(entry, ".*")
			client := r.clientByName(server)
			if client == nil {
				return nil, errors.New("toolset '%s' references unknown MCP server '%s'", ts.Name, server)
			}
			for _, t := range client.Tools() {
				out.Register(t)
			}
		case strings.Contains(entry, ":"):
			parts := strings.SplitN(entry, ":", 2)
			client := r.clientByName(parts[0])
			if client == nil {
				return nil, errors.New("toolset '%s' references unknown MCP server '%s'", ts.Name, parts[0])
			}
			t, ok := client.GetTool(parts[1])
			if !ok {
				return nil, errors.New("MCP server '%s' does not provide tool '%s'", parts[0], parts[1])
			}
			out.Register(t)
		default:
			t, err := r.Get(entry)
			if err != nil {
				return nil, errors.Wrapf(err, "toolset '%s'", ts.Name)
			}
			out.Register(t)
		}
	}
	return out, nil
}

// Close stops the MCP server subprocesses this registry started.
func (r *Registry) Close() {
	for _, client := range r.clients {
		if err := client.Stop(); err != nil {
			r.logger.Warn().Err(err).Str("server", client.Name()).Msg("mcp server did not stop cleanly")
		}
	}
}

func (r *Registry) clientByName(name string) *mcp.Client {
	for _, client := range r.clients {
		if client.Name() == name {
			return client
		}
	}
	return nil
}

func (r *Registry) validateInput(t Tool, input json.RawMessage) error {
	schema, err := r.compiledSchema(t)
	if err != nil {
		// A schema that won't compile is the tool author's bug, not the
		// model's; run the tool and let it reject the input itself.
		r.logger.Warn().Err(err).Str("tool", t.Name()).Msg("unusable tool schema, skipping validation")
		return nil
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return errors.WithKind(errors.Wrapf(err, "input for tool '%s' is not valid JSON", t.Name()), errors.ErrMalformedInput)
	}
	if err := schema.Validate(decoded); err != nil {
		return errors.WithKind(errors.Wrapf(err, "input for tool '%s' rejected by schema", t.Name()), errors.ErrMalformedInput)
	}
	return nil
}

func (r *Registry) compiledSchema(t Tool) (*jsonschema.Schema, error) {
	name := t.Name()
	if cached, ok := r.schemas.Load(name); ok {
		return cached.(*jsonschema.Schema), nil
	}
	raw, err := json.Marshal(t.Schema())
	if err != nil {
		return nil, err
	}
	schema, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	r.schemas.Store(name, schema)
	return schema, nil
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex
// support). A pattern that fails to compile is matched literally instead.
func isCommandAllowed(command string, allowed []string) (bool, error) {
	cmdParts := strings.Fields(command)
	if len(cmdParts) == 0 {
		return false, nil
	}

	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			if command == pattern {
				return true, nil
			}
			continue
		}
		if re.MatchString(command) {
			return true, nil
		}
	}
	return false, nil
}
