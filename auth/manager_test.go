package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m4xw311/parley/errors"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
}

func writeToken(w http.ResponseWriter, resp tokenResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestManager(t *testing.T, handler http.HandlerFunc) (*Manager, *FileStore) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := NewFileStore(filepath.Join(t.TempDir(), "credentials.json"))
	mgr := NewManager(Options{
		ClientID: "client-1",
		AuthURL:  srv.URL + "/authorize",
		TokenURL: srv.URL + "/token",
		Leeway:   time.Minute,
		Logger:   zerolog.Nop(),
	}, store)
	return mgr, store
}

func TestBeginAuthorization(t *testing.T) {
	mgr, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {})

	first, err := mgr.BeginAuthorization()
	require.NoError(t, err)
	require.NotEmpty(t, first.Verifier)
	require.NotEmpty(t, first.State)

	u, err := url.Parse(first.URL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, first.State, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))
	assert.NotContains(t, first.URL, first.Verifier, "the verifier itself never rides in the URL")

	second, err := mgr.BeginAuthorization()
	require.NoError(t, err)
	assert.NotEqual(t, first.Verifier, second.Verifier)
	assert.NotEqual(t, first.State, second.State)
}

func TestExchangeCode(t *testing.T) {
	var gotGrant, gotCode, gotVerifier string
	mgr, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotGrant = r.Form.Get("grant_type")
		gotCode = r.Form.Get("code")
		gotVerifier = r.Form.Get("code_verifier")
		writeToken(w, tokenResponse{AccessToken: "at-1", TokenType: "Bearer", RefreshToken: "rt-1", ExpiresIn: 3600})
	})

	creds, err := mgr.ExchangeCode(context.Background(), "auth-code", "the-verifier")
	require.NoError(t, err)

	assert.Equal(t, "authorization_code", gotGrant)
	assert.Equal(t, "auth-code", gotCode)
	assert.Equal(t, "the-verifier", gotVerifier)

	assert.Equal(t, "at-1", creds.AccessToken)
	assert.Equal(t, "rt-1", creds.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), creds.ExpiresAt, time.Minute)

	assert.True(t, store.Exists(), "exchange persists the credentials")
	persisted, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "at-1", persisted.AccessToken)
}

func TestExchangeCodeRejectedGrant(t *testing.T) {
	mgr, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	})

	_, err := mgr.ExchangeCode(context.Background(), "bad-code", "v")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAuth))
	assert.False(t, errors.Is(err, errors.ErrNetwork))
	assert.False(t, store.Exists())
}

func TestExchangeCodeNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	store := NewFileStore(filepath.Join(t.TempDir(), "credentials.json"))
	mgr := NewManager(Options{
		ClientID: "client-1",
		TokenURL: srv.URL + "/token",
		Logger:   zerolog.Nop(),
	}, store)

	_, err := mgr.ExchangeCode(context.Background(), "code", "v")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNetwork))
	assert.False(t, errors.Is(err, errors.ErrAuth))
}

func TestRefreshIfNeededFreshTokenIsNoOp(t *testing.T) {
	var calls atomic.Int32
	mgr, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeToken(w, tokenResponse{AccessToken: "never", TokenType: "Bearer", ExpiresIn: 3600})
	})
	mgr.setCredentials(&Credentials{
		AccessToken:  "still-good",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	creds, err := mgr.RefreshIfNeeded(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "still-good", creds.AccessToken)
	assert.Zero(t, calls.Load())
}

func TestSingleFlightRefresh(t *testing.T) {
	var calls atomic.Int32
	mgr, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-old", r.Form.Get("refresh_token"))
		writeToken(w, tokenResponse{AccessToken: "at-new", TokenType: "Bearer", RefreshToken: "rt-new", ExpiresIn: 3600})
	})
	mgr.setCredentials(&Credentials{
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	const n = 8
	results := make([]*Credentials, n)
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = mgr.RefreshIfNeeded(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "exactly one network refresh for all concurrent callers")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "at-new", results[i].AccessToken)
		assert.Equal(t, "rt-new", results[i].RefreshToken)
	}

	persisted, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "at-new", persisted.AccessToken)
}

func TestTryRefreshFailsFastWhileRefreshRuns(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	mgr, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		writeToken(w, tokenResponse{AccessToken: "at-new", TokenType: "Bearer", ExpiresIn: 3600})
	})
	mgr.setCredentials(&Credentials{
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := mgr.RefreshIfNeeded(context.Background())
		assert.NoError(t, err)
	}()

	<-entered
	_, err := mgr.TryRefreshIfNeeded(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRefreshInProgress))

	close(release)
	<-done

	creds, err := mgr.TryRefreshIfNeeded(context.Background())
	require.NoError(t, err, "after the flight lands the fast path sees fresh credentials")
	assert.Equal(t, "at-new", creds.AccessToken)
}

func TestRefreshKeepsOldRefreshTokenWhenServerOmitsIt(t *testing.T) {
	mgr, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, tokenResponse{AccessToken: "at-new", TokenType: "Bearer", ExpiresIn: 3600})
	})
	mgr.setCredentials(&Credentials{
		AccessToken:  "at-old",
		RefreshToken: "rt-keep",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	creds, err := mgr.RefreshIfNeeded(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rt-keep", creds.RefreshToken)
}

func TestForceRefreshIgnoresExpiry(t *testing.T) {
	var calls atomic.Int32
	mgr, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeToken(w, tokenResponse{AccessToken: "at-forced", TokenType: "Bearer", ExpiresIn: 3600})
	})
	mgr.setCredentials(&Credentials{
		AccessToken:  "at-fine",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	token, err := mgr.Invalidate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-forced", token)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRefreshWithoutRefreshTokenFails(t *testing.T) {
	mgr, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint must not be called without a refresh token")
	})
	mgr.setCredentials(&Credentials{
		AccessToken: "at-old",
		ExpiresAt:   time.Now().Add(-time.Minute),
	})

	_, err := mgr.RefreshIfNeeded(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTokenExpired))
}

type brokenStore struct{ Store }

func (b brokenStore) Save(*Credentials) error { return errors.New("disk full") }

func TestPersistFailureIsNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, tokenResponse{AccessToken: "at-new", TokenType: "Bearer", ExpiresIn: 3600})
	}))
	t.Cleanup(srv.Close)

	store := brokenStore{NewFileStore(filepath.Join(t.TempDir(), "credentials.json"))}
	mgr := NewManager(Options{
		ClientID: "client-1",
		TokenURL: srv.URL + "/token",
		Leeway:   time.Minute,
		Logger:   zerolog.Nop(),
	}, store)
	mgr.setCredentials(&Credentials{
		AccessToken:  "at-old",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	creds, err := mgr.RefreshIfNeeded(context.Background())
	require.NoError(t, err, "a failed persist keeps the in-memory refresh result")
	assert.Equal(t, "at-new", creds.AccessToken)
}

func TestLogout(t *testing.T) {
	mgr, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		writeToken(w, tokenResponse{AccessToken: "at", TokenType: "Bearer", RefreshToken: "rt", ExpiresIn: 3600})
	})
	_, err := mgr.ExchangeCode(context.Background(), "code", "v")
	require.NoError(t, err)
	require.True(t, store.Exists())

	require.NoError(t, mgr.Logout())
	assert.False(t, store.Exists())
	assert.Nil(t, mgr.Credentials())

	_, err = mgr.Token(context.Background())
	assert.True(t, errors.Is(err, errors.ErrAuth))
}

func TestManagerLoadFromStore(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "credentials.json"))
	require.NoError(t, store.Save(&Credentials{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)}))

	mgr := NewManager(Options{ClientID: "c", Logger: zerolog.Nop()}, store)
	found, err := mgr.Load()
	require.NoError(t, err)
	assert.True(t, found)
	require.NotNil(t, mgr.Credentials())
	assert.Equal(t, "at", mgr.Credentials().AccessToken)

	empty := NewManager(Options{ClientID: "c", Logger: zerolog.Nop()}, NewFileStore(filepath.Join(t.TempDir(), "none.json")))
	found, err = empty.Load()
	require.NoError(t, err)
	assert.False(t, found)
}
