package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m4xw311/parley/errors"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// Anthropic's public OAuth endpoints, used when the config leaves them
// unset.
const (
	DefaultAuthURL     = "https://claude.ai/oauth/authorize"
	DefaultTokenURL    = "https://console.anthropic.com/v1/oauth/token"
	DefaultRedirectURL = "https://console.anthropic.com/oauth/code/callback"
)

// DefaultScopes requested during authorization.
var DefaultScopes = []string{"org:create_api_key", "user:profile", "user:inference"}

// Options configure a Manager.
type Options struct {
	ClientID    string
	AuthURL     string
	TokenURL    string
	RedirectURL string
	Scopes      []string

	// Leeway is how early before expiry a token is considered stale.
	Leeway time.Duration

	// HTTPClient serves the token endpoint calls; nil means the default
	// client.
	HTTPClient *http.Client

	Logger zerolog.Logger
}

// Manager owns the OAuth credential lifecycle: authorization, code exchange,
// expiry-driven refresh, and persistence. At most one network refresh is in
// flight per Manager; concurrent callers share its result.
type Manager struct {
	oauth  oauth2.Config
	store  Store
	leeway time.Duration
	client *http.Client
	logger zerolog.Logger

	mu    sync.Mutex
	creds *Credentials

	flight     singleflight.Group
	refreshing atomic.Bool
}

// NewManager builds a Manager over the given store, filling unset endpoints
// with the Anthropic defaults.
func NewManager(opts Options, store Store) *Manager {
	if opts.AuthURL == "" {
		opts.AuthURL = DefaultAuthURL
	}
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
	if opts.RedirectURL == "" {
		opts.RedirectURL = DefaultRedirectURL
	}
	if len(opts.Scopes) == 0 {
		opts.Scopes = DefaultScopes
	}
	return &Manager{
		oauth: oauth2.Config{
			ClientID:    opts.ClientID,
			RedirectURL: opts.RedirectURL,
			Scopes:      opts.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  opts.AuthURL,
				TokenURL: opts.TokenURL,
			},
		},
		store:  store,
		leeway: opts.Leeway,
		client: opts.HTTPClient,
		logger: opts.Logger,
	}
}

// Authorization is everything the caller needs to complete a login.
type Authorization struct {
	URL      string
	Verifier string
	State    string
}

// BeginAuthorization generates a fresh PKCE verifier and state and builds
// the provider authorization URL. No side effects beyond randomness.
func (m *Manager) BeginAuthorization() (*Authorization, error) {
	state, err := randomState()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()
	url := m.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	return &Authorization{URL: url, Verifier: verifier, State: state}, nil
}

// ExchangeCode trades an authorization code for credentials, swaps them into
// memory, and persists them best-effort.
func (m *Manager) ExchangeCode(ctx context.Context, code, verifier string) (*Credentials, error) {
	tok, err := m.oauth.Exchange(m.httpContext(ctx), code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, classifyTokenError(err, "exchanging authorization code")
	}
	creds := credentialsFromToken(tok, "")
	if creds.AccessToken == "" {
		return nil, errors.WithKind(errors.New("token endpoint returned no access token"), errors.ErrAuth)
	}
	m.setCredentials(creds)
	m.persist(creds)
	return creds, nil
}

// Load pulls persisted credentials into memory. It reports false when the
// store holds none.
func (m *Manager) Load() (bool, error) {
	if !m.store.Exists() {
		return false, nil
	}
	creds, err := m.store.Load()
	if err != nil {
		return false, err
	}
	m.setCredentials(creds)
	return true, nil
}

// Credentials returns a copy of the current credentials, or nil when logged
// out.
func (m *Manager) Credentials() *Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return nil
	}
	c := *m.creds
	return &c
}

// RefreshIfNeeded returns valid credentials, refreshing first when they
// expire within the leeway window. Concurrent callers share one network
// refresh and observe the same result.
func (m *Manager) RefreshIfNeeded(ctx context.Context) (*Credentials, error) {
	cur := m.Credentials()
	if cur == nil {
		return nil, errNotLoggedIn()
	}
	if !cur.ExpiresWithin(m.leeway) {
		return cur, nil
	}
	return m.refresh(ctx, false)
}

// TryRefreshIfNeeded is the fail-fast variant of RefreshIfNeeded: when
// another goroutine already holds the refresh flight it returns
// ErrRefreshInProgress instead of waiting.
func (m *Manager) TryRefreshIfNeeded(ctx context.Context) (*Credentials, error) {
	cur := m.Credentials()
	if cur == nil {
		return nil, errNotLoggedIn()
	}
	if !cur.ExpiresWithin(m.leeway) {
		return cur, nil
	}
	if m.refreshing.Load() {
		return nil, errors.WithKind(errors.New("token refresh already running"), errors.ErrRefreshInProgress)
	}
	return m.refresh(ctx, false)
}

// ForceRefresh refreshes unconditionally (still single-flighted). The
// retry-on-401 policy calls this before its one retry.
func (m *Manager) ForceRefresh(ctx context.Context) (*Credentials, error) {
	if m.Credentials() == nil {
		return nil, errNotLoggedIn()
	}
	return m.refresh(ctx, true)
}

// Token returns a valid bearer access token, refreshing first when needed.
// It satisfies the token source seam the provider clients authenticate
// through.
func (m *Manager) Token(ctx context.Context) (string, error) {
	creds, err := m.RefreshIfNeeded(ctx)
	if err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

// Invalidate forces a refresh and returns the fresh access token. Provider
// clients call it after an unauthorized response, before their single retry.
func (m *Manager) Invalidate(ctx context.Context) (string, error) {
	creds, err := m.ForceRefresh(ctx)
	if err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

// Logout forgets the in-memory credentials and deletes the store.
func (m *Manager) Logout() error {
	m.setCredentials(nil)
	return m.store.Delete()
}

func (m *Manager) refresh(ctx context.Context, force bool) (*Credentials, error) {
	v, err, _ := m.flight.Do("refresh", func() (interface{}, error) {
		m.refreshing.Store(true)
		defer m.refreshing.Store(false)

		cur := m.Credentials()
		if cur == nil {
			return nil, errNotLoggedIn()
		}
		// Double-check expiry: a caller that raced in behind a completed
		// refresh must not trigger a second network call.
		if !force && !cur.ExpiresWithin(m.leeway) {
			return cur, nil
		}
		if cur.RefreshToken == "" {
			return nil, errors.WithKind(errors.New("no refresh token stored; run the authorization flow again"), errors.ErrTokenExpired)
		}

		m.logger.Debug().Time("expires_at", cur.ExpiresAt).Msg("refreshing access token")
		src := m.oauth.TokenSource(m.httpContext(ctx), &oauth2.Token{RefreshToken: cur.RefreshToken})
		tok, err := src.Token()
		if err != nil {
			return nil, classifyTokenError(err, "refreshing access token")
		}
		next := credentialsFromToken(tok, cur.RefreshToken)
		if next.AccessToken == "" {
			return nil, errors.WithKind(errors.New("refresh returned no access token"), errors.ErrAuth)
		}
		m.setCredentials(next)
		m.persist(next)
		m.logger.Debug().Time("expires_at", next.ExpiresAt).Msg("access token refreshed")
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credentials), nil
}

func (m *Manager) setCredentials(creds *Credentials) {
	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()
}

// persist saves best-effort: a failed write is logged and the in-memory
// credentials stay authoritative for this process.
func (m *Manager) persist(creds *Credentials) {
	if err := m.store.Save(creds); err != nil {
		m.logger.Warn().Err(err).Str("path", m.store.Path()).Msg("could not persist credentials; continuing with in-memory tokens")
	}
}

// httpContext routes oauth2's token endpoint calls through the configured
// HTTP client.
func (m *Manager) httpContext(ctx context.Context) context.Context {
	if m.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

func errNotLoggedIn() error {
	return errors.WithKind(errors.New("not logged in; run the authorization flow first"), errors.ErrAuth)
}

// classifyTokenError separates a grant the server rejected from a transport
// failure that never reached it.
func classifyTokenError(err error, doing string) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return errors.WithKind(errors.Wrapf(err, "%s: grant rejected", doing), errors.ErrAuth)
	}
	return errors.WithKind(errors.Wrapf(err, "%s", doing), errors.ErrNetwork)
}

func credentialsFromToken(tok *oauth2.Token, previousRefresh string) *Credentials {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &Credentials{
		TokenType:    tokenType,
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		ExpiresAt:    tok.Expiry,
	}
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrapf(err, "generating authorization state")
	}
	return hex.EncodeToString(buf), nil
}
