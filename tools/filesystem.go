package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/errors"
)

// ReadFileTool implements the tool for reading a file.
type ReadFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Reads the entire content of a file."
}

func (t *ReadFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path of the file to read.",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", errors.Wrapf(err, "decoding read_file input")
	}
	if args.Path == "" {
		return "", errors.New("missing 'path' argument")
	}

	hidden, err := isPathRestricted(args.Path, t.fsAccess.Hidden)
	if err != nil {
		return "", err
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", args.Path)
	}

	content, err := os.ReadFile(args.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read file '%s'", args.Path)
	}
	return string(content), nil
}

// WriteFileTool implements the tool for writing to a file.
type WriteFileTool struct {
	fsAccess *config.FilesystemAccess
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Writes content to a file, replacing it entirely."
}

func (t *WriteFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path of the file to write.",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full content to write.",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var args struct {
		Path    string  `json:"path"`
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", errors.Wrapf(err, "decoding write_file input")
	}
	if args.Path == "" || args.Content == nil {
		return "", errors.New("missing 'path' or 'content' arguments")
	}

	hidden, err := isPathRestricted(args.Path, t.fsAccess.Hidden)
	if err != nil {
		return "", err
	}
	if hidden {
		return "", errors.New("access denied: path '%s' is hidden", args.Path)
	}

	readOnly, err := isPathRestricted(args.Path, t.fsAccess.ReadOnly)
	if err != nil {
		return "", err
	}
	if readOnly {
		return "", errors.New("access denied: path '%s' is read-only", args.Path)
	}

	if err := os.WriteFile(args.Path, []byte(*args.Content), 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write to file '%s'", args.Path)
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(*args.Content), args.Path), nil
}
