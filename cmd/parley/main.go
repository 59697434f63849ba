package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/m4xw311/parley/agent"
	"github.com/m4xw311/parley/agent/acp"
	"github.com/m4xw311/parley/agent/terminal"
	"github.com/m4xw311/parley/auth"
	"github.com/m4xw311/parley/config"
	"github.com/m4xw311/parley/errors"
	"github.com/m4xw311/parley/llm"
	"github.com/m4xw311/parley/session"
)

func main() {
	// Define flags
	modeFlag := flag.String("m", "", "Execution mode: 'auto' or 'prompt'")
	sessionFlag := flag.String("s", "", "Session name to create or use")
	toolsetFlag := flag.String("t", "", "Toolset to use (defaults to 'default')")
	resumeFlag := flag.String("r", "", "Resume a session by name")
	toolVerbosityFlag := flag.String("tool-verbosity", "", "Tool verbosity level: 'none', 'info', or 'all'")
	acpFlag := flag.Bool("acp", false, "Enable Agent Client Protocol support")
	traceFlag := flag.Bool("trace", false, "Enable execution tracing to troubleshoot issues")
	loginFlag := flag.Bool("login", false, "Run the OAuth authorization flow, store credentials, and exit")
	logoutFlag := flag.Bool("logout", false, "Delete stored OAuth credentials and exit")
	logLevelFlag := flag.String("log-level", "", "Log level: trace, debug, info, warn, or error (overrides config)")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg, *logLevelFlag)

	// Credential commands run and exit before any session is touched.
	if *loginFlag {
		if err := runLogin(context.Background(), cfg, logger); err != nil {
			fmt.Fprintf(os.Stderr, "Login failed: %+v\n", err)
			os.Exit(1)
		}
		return
	}
	if *logoutFlag {
		if err := runLogout(cfg, logger); err != nil {
			fmt.Fprintf(os.Stderr, "Logout failed: %+v\n", err)
			os.Exit(1)
		}
		return
	}

	var sess *session.Session
	sessionName := *sessionFlag

	if *resumeFlag != "" {
		// Resume session
		sessionName = *resumeFlag
		sess, err = session.Load(sessionName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resuming session '%s': %+v\n", sessionName, err)
			os.Exit(1)
		}
		logger.Info().Str("session", sessionName).Msg("resuming session")
		// Apply session flags if not explicitly overridden by user
		if *modeFlag == "" && sess.Mode != "" {
			*modeFlag = sess.Mode
		}
		if *toolsetFlag == "" && sess.Toolset != "" {
			*toolsetFlag = sess.Toolset
		}
		if *toolVerbosityFlag == "" && sess.ToolVerbosity != "" {
			*toolVerbosityFlag = sess.ToolVerbosity
		}
	} else {
		// Start new session
		if sessionName == "" {
			sessionName = defaultSessionName()
		}
		sess, err = session.New(sessionName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating session '%s': %+v\n", sessionName, err)
			os.Exit(1)
		}
		logger.Info().Str("session", sessionName).Msg("starting new session")
	}

	if *modeFlag == "" {
		*modeFlag = "prompt"
	}
	if *toolsetFlag == "" {
		*toolsetFlag = "default"
	}
	if *toolVerbosityFlag == "" {
		*toolVerbosityFlag = "none"
	}

	// Update session with current flag values and save
	sess.Mode = *modeFlag
	sess.Toolset = *toolsetFlag
	sess.ToolVerbosity = *toolVerbosityFlag
	if err := sess.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving session '%s': %+v\n", sessionName, err)
		os.Exit(1)
	}

	// Validate mode
	var opMode agent.Mode
	switch *modeFlag {
	case "auto":
		opMode = agent.ModeAuto
	case "prompt":
		opMode = agent.ModePrompt
	default:
		fmt.Fprintf(os.Stderr, "Invalid mode '%s'. Must be 'auto' or 'prompt'.\n", *modeFlag)
		os.Exit(1)
	}

	// Validate tool verbosity
	var verbosity agent.ToolVerbosity
	switch *toolVerbosityFlag {
	case "none":
		verbosity = agent.ToolVerbosityNone
	case "info":
		verbosity = agent.ToolVerbosityInfo
	case "all":
		verbosity = agent.ToolVerbosityAll
	default:
		fmt.Fprintf(os.Stderr, "Invalid tool verbosity '%s'. Must be 'none', 'info', or 'all'.\n", *toolVerbosityFlag)
		os.Exit(1)
	}

	// Initialize LLM client
	client, err := buildClient(context.Background(), cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing LLM client: %+v\n", err)
		os.Exit(1)
	}

	// Create the engine
	engine, err := agent.New(cfg, sess, *toolsetFlag, opMode, client, verbosity, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing agent: %+v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	if *acpFlag {
		// In ACP mode stdout carries only JSON-RPC messages.
		logger.Info().Msg("starting in ACP mode")
		in := bufio.NewReader(os.Stdin)
		out := bufio.NewWriter(os.Stdout)
		if err := acp.Run(context.Background(), engine, in, out, *traceFlag); err != nil {
			fmt.Fprintf(os.Stderr, "ACP mode failed: %+v\n", err)
			os.Exit(1)
		}
	} else {
		// Get initial prompt from remaining arguments
		initialPrompt := strings.Join(flag.Args(), " ")

		fmt.Println("Parley is ready. Type your prompt.")
		term := terminal.New(engine)
		if err := term.Run(context.Background(), initialPrompt); err != nil {
			fmt.Fprintf(os.Stderr, "Agent stopped with an error: %+v\n", err)
			os.Exit(1)
		}
	}
}

// newLogger builds the process logger: console output on stderr, level from
// the flag when set, else the config, else info. Stdout stays reserved for
// conversation and protocol traffic.
func newLogger(cfg *config.Config, override string) zerolog.Logger {
	level := cfg.LogLevel
	if override != "" {
		level = override
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// buildClient picks the provider from the config. Anthropic is the default
// and the only provider wired for OAuth credentials.
func buildClient(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (llm.Client, error) {
	switch cfg.LLMClient {
	case "", "anthropic":
		return buildAnthropicClient(cfg, logger)
	case "gemini":
		return llm.NewGeminiClient(ctx, cfg.Model, logger)
	case "openai":
		return llm.NewOpenAIClient(cfg.Model, logger)
	case "bedrock":
		return llm.NewBedrockClient(ctx, cfg.Model, cfg.MaxTokens, logger)
	case "mock":
		return &llm.MockClient{}, nil
	default:
		return nil, errors.New("unknown llm client '%s' (expected anthropic, openai, gemini, bedrock, or mock)", cfg.LLMClient)
	}
}

// buildAnthropicClient prefers stored OAuth credentials and falls back to
// the API key environment variable.
func buildAnthropicClient(cfg *config.Config, logger zerolog.Logger) (llm.Client, error) {
	opts := llm.AnthropicOptions{
		Model:     cfg.Model,
		BaseURL:   cfg.BaseURL,
		MaxTokens: cfg.MaxTokens,
		Streaming: cfg.Streaming(),
		Strict:    cfg.StrictStream,
		Timeout:   cfg.Timeout(),
		Logger:    logger,
	}

	manager, err := credentialManager(cfg, logger)
	if err != nil {
		return nil, err
	}
	loaded, err := manager.Load()
	if err != nil {
		logger.Warn().Err(err).Msg("could not read stored credentials, falling back to API key")
	} else if loaded {
		opts.Tokens = manager
	}

	return llm.NewAnthropicClient(opts)
}

func credentialManager(cfg *config.Config, logger zerolog.Logger) (*auth.Manager, error) {
	path := cfg.OAuth.CredentialsFile
	if path == "" {
		var err error
		path, err = auth.DefaultStorePath()
		if err != nil {
			return nil, err
		}
	}
	opts := auth.Options{
		ClientID:    cfg.OAuth.ClientID,
		AuthURL:     cfg.OAuth.AuthURL,
		TokenURL:    cfg.OAuth.TokenURL,
		RedirectURL: cfg.OAuth.RedirectURL,
		Scopes:      cfg.OAuth.Scopes,
		Leeway:      cfg.OAuth.RefreshLeeway(),
		Logger:      logger,
	}
	return auth.NewManager(opts, auth.NewFileStore(path)), nil
}

// runLogin walks the paste-code PKCE flow: print the authorization URL, read
// the code back, verify state, exchange it, and persist the credentials.
func runLogin(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if cfg.OAuth.ClientID == "" {
		return errors.New("oauth.client_id is not configured")
	}
	manager, err := credentialManager(cfg, logger)
	if err != nil {
		return err
	}
	authz, err := manager.BeginAuthorization()
	if err != nil {
		return err
	}

	fmt.Println("Open this URL in your browser and authorize access:")
	fmt.Println()
	fmt.Println("  " + authz.URL)
	fmt.Println()
	fmt.Print("Paste the code shown after approval: ")

	raw, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return errors.Wrapf(err, "reading authorization code")
	}
	code, state := splitAuthorizationCode(strings.TrimSpace(raw))
	if code == "" {
		return errors.New("empty authorization code")
	}
	if state != "" && state != authz.State {
		return errors.WithKind(errors.New("authorization state mismatch, restart the login flow"), errors.ErrAuth)
	}

	creds, err := manager.ExchangeCode(ctx, code, authz.Verifier)
	if err != nil {
		return err
	}
	fmt.Printf("Logged in. Access token expires at %s.\n", creds.ExpiresAt.Format(time.RFC3339))
	return nil
}

func runLogout(cfg *config.Config, logger zerolog.Logger) error {
	manager, err := credentialManager(cfg, logger)
	if err != nil {
		return err
	}
	if err := manager.Logout(); err != nil {
		return err
	}
	fmt.Println("Logged out.")
	return nil
}

// splitAuthorizationCode splits the provider's paste format, where the code
// may carry the state after a '#'.
func splitAuthorizationCode(raw string) (code, state string) {
	parts := strings.SplitN(raw, "#", 2)
	code = parts[0]
	if len(parts) == 2 {
		state = parts[1]
	}
	return code, state
}

func defaultSessionName() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "parley"
	}
	dirName := filepath.Base(wd)
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	return fmt.Sprintf("%s_%s", dirName, timestamp)
}
