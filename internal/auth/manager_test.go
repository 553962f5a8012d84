package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boxkit/box-go/internal/credfile"
)

// tokenEndpoint is a fake OAuth2 token endpoint. It counts exchanges per
// grant type and can reject refresh grants with HTTP 400.
type tokenEndpoint struct {
	srv *httptest.Server

	refreshCalls  atomic.Int32
	exchangeCalls atomic.Int32

	rejectRefresh bool
	delay         time.Duration

	mu        sync.Mutex
	nextToken int
}

func newTokenEndpoint(t *testing.T) *tokenEndpoint {
	t.Helper()

	te := &tokenEndpoint{}
	te.srv = httptest.NewServer(http.HandlerFunc(te.handle))
	t.Cleanup(te.srv.Close)

	return te
}

func (te *tokenEndpoint) handle(w http.ResponseWriter, r *http.Request) {
	if te.delay > 0 {
		time.Sleep(te.delay)
	}

	_ = r.ParseForm() //nolint:errcheck // test handler

	switch r.PostFormValue("grant_type") {
	case "refresh_token":
		te.refreshCalls.Add(1)

		if te.rejectRefresh {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error": "invalid_grant", "error_description": "Refresh token has expired"}`))

			return
		}
	case "authorization_code":
		te.exchangeCalls.Add(1)
	}

	te.mu.Lock()
	te.nextToken++
	n := te.nextToken
	te.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{
		"access_token": "access-%d",
		"refresh_token": "refresh-%d",
		"token_type": "bearer",
		"expires_in": 3600
	}`, n, n)
}

// newTestManager builds a Manager against the fake endpoint with the given
// initial record and temp-dir persistence.
func newTestManager(t *testing.T, te *tokenEndpoint, rec *credfile.Record, provider CodeProvider) (*Manager, string) {
	t.Helper()

	credPath := filepath.Join(t.TempDir(), "credentials.json")

	m := NewManager(Config{
		ClientID:       "cid",
		ClientSecret:   "secret",
		TokenURL:       te.srv.URL,
		AuthURL:        te.srv.URL + "/authorize",
		CredentialPath: credPath,
		Provider:       provider,
		InitialRecord:  rec,
	}, nil)

	return m, credPath
}

func expiredRecord() *credfile.Record {
	return &credfile.Record{
		AccessToken:  "stale-access",
		RefreshToken: "stale-refresh",
		ExpiresAt:    time.Now().Add(-time.Hour),
	}
}

func TestEnsureValid_RefreshesExpiredToken(t *testing.T) {
	te := newTokenEndpoint(t)
	m, credPath := newTestManager(t, te, expiredRecord(), nil)

	tok, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, int32(1), te.refreshCalls.Load(), "exactly one refresh exchange")

	// The refreshed record is persisted.
	saved, err := credfile.Load(credPath)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "access-1", saved.AccessToken)
	assert.Equal(t, "refresh-1", saved.RefreshToken)
	assert.True(t, saved.ExpiresAt.After(time.Now()), "expiry advances on refresh")
}

func TestEnsureValid_ValidTokenSkipsRefresh(t *testing.T) {
	te := newTokenEndpoint(t)
	m, _ := newTestManager(t, te, &credfile.Record{
		AccessToken:  "fresh",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil)

	tok, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok)
	assert.Equal(t, int32(0), te.refreshCalls.Load())
}

func TestEnsureValid_SingleFlight(t *testing.T) {
	te := newTokenEndpoint(t)
	te.delay = 50 * time.Millisecond

	m, _ := newTestManager(t, te, expiredRecord(), nil)

	const callers = 10

	var wg sync.WaitGroup

	tokens := make([]string, callers)
	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			tokens[i], errs[i] = m.EnsureValid(context.Background())
		}()
	}

	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0], tokens[i])
	}

	assert.Equal(t, int32(1), te.refreshCalls.Load(), "concurrent callers share one refresh")
}

func TestNewManager_CopiesInitialRecord(t *testing.T) {
	te := newTokenEndpoint(t)

	caller := expiredRecord()
	m, _ := newTestManager(t, te, caller, nil)

	tok, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)

	// The refresh must not write back into the caller's struct.
	assert.Equal(t, "stale-access", caller.AccessToken)
	assert.Equal(t, "stale-refresh", caller.RefreshToken)
}

func TestEnsureValid_CanceledCallerDoesNotPoisonFlight(t *testing.T) {
	te := newTokenEndpoint(t)
	te.delay = 100 * time.Millisecond

	m, _ := newTestManager(t, te, expiredRecord(), nil)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup

	var errB error

	wg.Add(2)

	go func() {
		defer wg.Done()
		_, _ = m.EnsureValid(ctx) //nolint:errcheck // this caller cancels itself
	}()

	go func() {
		defer wg.Done()
		_, errB = m.EnsureValid(context.Background())
	}()

	// Cancel the first caller while the exchange is still in flight. The
	// shared refresh must complete for the caller that did not cancel.
	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()

	require.NoError(t, errB, "refresh outlives the canceling caller")
	assert.Equal(t, int32(1), te.refreshCalls.Load())

	// The token it produced is installed and reused.
	tok, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, int32(1), te.refreshCalls.Load())
}

func TestEnsureValid_RejectedRefreshFallsBackToProvider(t *testing.T) {
	te := newTokenEndpoint(t)
	te.rejectRefresh = true

	var providerCalls atomic.Int32

	provider := func(_ context.Context, authURL string) (string, error) {
		providerCalls.Add(1)
		assert.Contains(t, authURL, "/authorize")
		assert.Contains(t, authURL, "client_id=cid")

		return "auth-code", nil
	}

	m, credPath := newTestManager(t, te, expiredRecord(), provider)

	tok, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
	assert.Equal(t, int32(1), te.refreshCalls.Load())
	assert.Equal(t, int32(1), te.exchangeCalls.Load())
	assert.Equal(t, int32(1), providerCalls.Load())

	saved, err := credfile.Load(credPath)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "cid", saved.ClientID)
}

func TestEnsureValid_NoRefreshTokenUsesProvider(t *testing.T) {
	te := newTokenEndpoint(t)

	provider := func(_ context.Context, _ string) (string, error) {
		return "auth-code", nil
	}

	m, _ := newTestManager(t, te, nil, provider)

	tok, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
	assert.Equal(t, int32(0), te.refreshCalls.Load())
	assert.Equal(t, int32(1), te.exchangeCalls.Load())
}

func TestEnsureValid_NoCredentialsNoProvider(t *testing.T) {
	te := newTokenEndpoint(t)
	m, _ := newTestManager(t, te, nil, nil)

	_, err := m.EnsureValid(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCredentialsMissing)
}

func TestEnsureValid_WaitsForAsyncLoad(t *testing.T) {
	te := newTokenEndpoint(t)

	// A stored record on disk, discovered by the async load.
	credPath := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, credfile.Save(credPath, &credfile.Record{
		AccessToken: "stored-access",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))

	m := NewManager(Config{
		ClientID:       "cid",
		TokenURL:       te.srv.URL,
		CredentialPath: credPath,
	}, nil)

	// Immediately asking for a token must observe the stored record rather
	// than racing past the disk read into a fresh acquisition.
	tok, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stored-access", tok)
	assert.Equal(t, int32(0), te.refreshCalls.Load())
}

func TestRecover_DiscardsAccessTokenAndRefreshes(t *testing.T) {
	te := newTokenEndpoint(t)

	// Unexpired record, but the server rejected it, so Recover must force
	// a refresh anyway.
	m, _ := newTestManager(t, te, &credfile.Record{
		AccessToken:  "rejected-access",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(time.Hour),
	}, nil)

	require.NoError(t, m.Recover(context.Background()))
	assert.Equal(t, int32(1), te.refreshCalls.Load())

	tok, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, int32(1), te.refreshCalls.Load(), "recovered token is reused")
}

func TestStaticTokenManager(t *testing.T) {
	m := NewStaticTokenManager("manual-token", nil)

	tok, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "manual-token", tok)

	// Manual tokens cannot be refreshed.
	require.Error(t, m.Recover(context.Background()))
}

func TestEnsureValid_ExpirySkew(t *testing.T) {
	te := newTokenEndpoint(t)

	// Expires within the skew window, so treated as expired.
	m, _ := newTestManager(t, te, &credfile.Record{
		AccessToken:  "almost-expired",
		RefreshToken: "r",
		ExpiresAt:    time.Now().Add(30 * time.Second),
	}, nil)

	tok, err := m.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, int32(1), te.refreshCalls.Load())
}
