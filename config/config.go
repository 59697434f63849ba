package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/m4xw311/parley/errors"
	"gopkg.in/yaml.v3"
)

// Defaults applied when the config files leave a field unset.
const (
	DefaultMaxTokens      = 4096
	DefaultTimeoutSeconds = 60
	DefaultRefreshLeeway  = 120

	DefaultMaxMessages        = 40
	DefaultMaxEstimatedTokens = 32000
	DefaultSummarizeThreshold = 0.8
	DefaultKeepRecent         = 10
)

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

// OAuth configures the PKCE login flow and credential storage for providers
// authenticated with OAuth instead of a static API key.
type OAuth struct {
	ClientID             string   `yaml:"client_id"`
	AuthURL              string   `yaml:"auth_url"`
	TokenURL             string   `yaml:"token_url"`
	RedirectURL          string   `yaml:"redirect_url"`
	Scopes               []string `yaml:"scopes"`
	CredentialsFile      string   `yaml:"credentials_file"`
	RefreshLeewaySeconds int      `yaml:"refresh_leeway_seconds"`
}

// RefreshLeeway returns the refresh window as a duration.
func (o OAuth) RefreshLeeway() time.Duration {
	return time.Duration(o.RefreshLeewaySeconds) * time.Second
}

// Context bounds the conversation history sent to the model.
type Context struct {
	MaxMessages        int     `yaml:"max_messages"`
	MaxEstimatedTokens int     `yaml:"max_estimated_tokens"`
	SummarizeThreshold float64 `yaml:"summarize_threshold"`
	KeepRecent         int     `yaml:"keep_recent"`
	SummarizeTool      string  `yaml:"summarize_tool"`
}

type Config struct {
	LLMClient            string           `yaml:"llm"`
	Model                string           `yaml:"model"`
	BaseURL              string           `yaml:"base_url"`
	MaxTokens            int              `yaml:"max_tokens"`
	Stream               *bool            `yaml:"stream"`
	StrictStream         bool             `yaml:"strict_stream"`
	TimeoutSeconds       int              `yaml:"timeout_seconds"`
	SystemPrompt         string           `yaml:"system_prompt"`
	LogLevel             string           `yaml:"log_level"`
	OAuth                OAuth            `yaml:"oauth"`
	Context              Context          `yaml:"context"`
	Toolsets             []Toolset        `yaml:"toolsets"`
	AdditionalMCPServers []MCPServer      `yaml:"additional_mcp_servers"`
	AllowedCommands      []string         `yaml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess `yaml:"filesystem_access"`
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	// The agent's own dot directory stays invisible to its tools.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, ".parley", ".parley/**")

	// Load user-level config first
	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".parley", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	// Load project-level config, overriding user-level
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".parley", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Note: Unmarshal will overwrite fields present in the YAML. This provides
	// a simple merge where project-level config replaces user-level.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.OAuth.RefreshLeewaySeconds <= 0 {
		c.OAuth.RefreshLeewaySeconds = DefaultRefreshLeeway
	}
	if c.Context.MaxMessages <= 0 {
		c.Context.MaxMessages = DefaultMaxMessages
	}
	if c.Context.MaxEstimatedTokens <= 0 {
		c.Context.MaxEstimatedTokens = DefaultMaxEstimatedTokens
	}
	if c.Context.SummarizeThreshold <= 0 || c.Context.SummarizeThreshold > 1 {
		c.Context.SummarizeThreshold = DefaultSummarizeThreshold
	}
	if c.Context.KeepRecent <= 0 {
		c.Context.KeepRecent = DefaultKeepRecent
	}
}

// Streaming reports whether responses should be streamed. Unset means on.
func (c *Config) Streaming() bool {
	return c.Stream == nil || *c.Stream
}

// Timeout returns the per-request timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = "default"
	}
	for _, ts := range c.Toolsets {
		if ts.Name == name {
			return &ts, nil
		}
	}
	if name == "default" {
		return nil, errors.New("mandatory 'default' toolset not found in configuration")
	}
	// Fallback to default if a specific toolset was requested but not found
	return c.GetToolset("default")
}
