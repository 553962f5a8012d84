// Package auth owns the credential lifecycle: loading a persisted record,
// judging access-token validity, serializing refresh exchanges, and falling
// back to provider-based re-authorization when the refresh token is rejected.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/boxkit/box-go/internal/credfile"
)

// Box OAuth2 endpoints.
const (
	DefaultAuthURL  = "https://account.box.com/api/oauth2/authorize"
	DefaultTokenURL = "https://api.box.com/oauth2/token"
)

// expirySkew is subtracted from the recorded expiry when judging validity, so
// a token that would expire mid-request is refreshed up front.
const expirySkew = 60 * time.Second

// stateTokenBytes is the number of random bytes for the OAuth2 state parameter.
const stateTokenBytes = 16

// ErrCredentialsMissing is returned when no refresh token exists and no
// authorization provider is configured to obtain one.
var ErrCredentialsMissing = errors.New("auth: no credentials and no authorization provider configured")

// CodeProvider is the caller-supplied authorization callback. It receives the
// authorization URL and returns the authorization code the user obtained
// there. Invoked only when no valid refresh token exists.
type CodeProvider func(ctx context.Context, authURL string) (string, error)

// Config configures a Manager.
type Config struct {
	ClientID     string
	ClientSecret string

	// AuthURL and TokenURL default to the Box endpoints. Tests point them at
	// an httptest server.
	AuthURL  string
	TokenURL string

	// CredentialPath is where the credential record is persisted. Empty
	// disables persistence.
	CredentialPath string

	// Provider handles re-authorization when no valid refresh token exists.
	// Nil means expiry without a refresh token is fatal.
	Provider CodeProvider

	// InitialRecord supplies caller-provided credentials. When set, the
	// persisted record on disk is ignored.
	InitialRecord *credfile.Record
}

// Manager owns the current credential record and mediates between stored,
// caller-provided, and freshly re-authorized credentials. All mutation happens
// inside the single in-flight refresh operation; concurrent callers share its
// result via single-flight.
type Manager struct {
	oauth    *oauth2.Config
	credPath string
	provider CodeProvider
	logger   *slog.Logger

	// now is a test hook for validity decisions.
	now func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	rec    *credfile.Record
	static bool

	// loadDone is closed once the asynchronous disk load has completed.
	// Every validity decision waits on it so a slow disk read never races a
	// redundant provider-based acquisition.
	loadDone chan struct{}
}

// NewManager creates a Manager and starts the asynchronous credential load.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = DefaultAuthURL
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	m := &Manager{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  authURL,
				TokenURL: tokenURL,
				// Box expects client credentials in the request body.
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		credPath: cfg.CredentialPath,
		provider: cfg.Provider,
		logger:   logger,
		now:      time.Now,
		loadDone: make(chan struct{}),
	}

	if cfg.InitialRecord != nil {
		// Copy so refreshes never mutate the caller's record through a
		// shared pointer.
		rec := *cfg.InitialRecord
		m.rec = &rec

		close(m.loadDone)

		return m
	}

	go m.loadStored()

	return m
}

// NewStaticTokenManager creates a Manager for a manually supplied access
// token with no refresh token and no provider. The token is assumed valid for
// the manager's lifetime, an explicit narrower contract for short-lived
// manual tokens.
func NewStaticTokenManager(accessToken string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		rec:      &credfile.Record{AccessToken: accessToken},
		static:   true,
		logger:   logger,
		now:      time.Now,
		loadDone: make(chan struct{}),
	}

	close(m.loadDone)

	return m
}

// loadStored reads the persisted credential record. Runs once, in the
// background, started by NewManager.
func (m *Manager) loadStored() {
	defer close(m.loadDone)

	if m.credPath == "" {
		return
	}

	rec, err := credfile.Load(m.credPath)
	if err != nil {
		m.logger.Warn("failed to load stored credentials",
			slog.String("path", m.credPath),
			slog.String("error", err.Error()),
		)

		return
	}

	if rec == nil {
		m.logger.Debug("no stored credentials", slog.String("path", m.credPath))

		return
	}

	m.mu.Lock()
	m.rec = rec
	m.mu.Unlock()

	m.logger.Info("loaded stored credentials",
		slog.String("path", m.credPath),
		slog.Time("expires_at", rec.ExpiresAt),
	)
}

// EnsureValid guarantees that on return either a usable access token is
// present or an error is raised. Expired or missing access tokens trigger a
// refresh exchange (or provider re-authorization); only one refresh is ever
// in flight, with concurrent callers awaiting its single result.
func (m *Manager) EnsureValid(ctx context.Context) (string, error) {
	select {
	case <-m.loadDone:
	case <-ctx.Done():
		return "", fmt.Errorf("auth: waiting for credential load: %w", ctx.Err())
	}

	if tok, ok := m.currentValid(); ok {
		return tok, nil
	}

	result, err, _ := m.group.Do("refresh", func() (any, error) {
		// Re-check under the flight: a refresh that completed between our
		// validity check and joining the group already did the work.
		if tok, ok := m.currentValid(); ok {
			return tok, nil
		}

		// The flight's result is shared by every concurrent caller, so it
		// must not die with whichever caller happened to start it.
		return m.renew(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}

	tok, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("auth: unexpected refresh result type %T", result)
	}

	return tok, nil
}

// Token implements the API client's TokenSource.
func (m *Manager) Token(ctx context.Context) (string, error) {
	return m.EnsureValid(ctx)
}

// Recover implements the API client's AuthRecoverer: the server rejected the
// current access token, so discard it and acquire a fresh one.
func (m *Manager) Recover(ctx context.Context) error {
	if m.static {
		return errors.New("auth: manual access token rejected and cannot be refreshed")
	}

	m.invalidate()

	_, err := m.EnsureValid(ctx)

	return err
}

// invalidate discards the current access token, forcing the next EnsureValid
// through the refresh path. The refresh token is kept.
func (m *Manager) invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rec != nil {
		m.rec.AccessToken = ""
		m.rec.ExpiresAt = time.Time{}
	}
}

// currentValid returns the access token if one is present and not expired.
func (m *Manager) currentValid() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rec == nil || m.rec.AccessToken == "" {
		return "", false
	}

	if m.static {
		return m.rec.AccessToken, true
	}

	if m.now().After(m.rec.ExpiresAt.Add(-expirySkew)) {
		return "", false
	}

	return m.rec.AccessToken, true
}

// renew runs inside the single-flight group. It exchanges the refresh token
// for new tokens, falling back to provider re-authorization when no refresh
// token exists or the token endpoint rejects it.
func (m *Manager) renew(ctx context.Context) (string, error) {
	m.mu.Lock()
	refreshToken := ""
	if m.rec != nil {
		refreshToken = m.rec.RefreshToken
	}
	m.mu.Unlock()

	if refreshToken == "" {
		return m.providerAuth(ctx)
	}

	m.logger.Info("refreshing access token")

	tok, err := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		if !isAuthRejection(err) {
			return "", fmt.Errorf("auth: refresh exchange failed: %w", err)
		}

		// Refresh token revoked or expired. Discard it and run a fresh
		// authorization cycle.
		m.logger.Warn("refresh token rejected, re-authorizing",
			slog.String("error", err.Error()),
		)

		m.mu.Lock()
		if m.rec != nil {
			m.rec.RefreshToken = ""
		}
		m.mu.Unlock()

		return m.providerAuth(ctx)
	}

	return m.storeToken(tok), nil
}

// providerAuth runs a full authorization cycle through the caller-supplied
// provider callback: authorization URL out, authorization code in, code
// exchanged for tokens.
func (m *Manager) providerAuth(ctx context.Context) (string, error) {
	if m.provider == nil {
		return "", ErrCredentialsMissing
	}

	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("auth: generating state token: %w", err)
	}

	authURL := m.oauth.AuthCodeURL(state)

	m.logger.Info("starting provider authorization cycle")

	code, err := m.provider(ctx, authURL)
	if err != nil {
		return "", fmt.Errorf("auth: authorization provider failed: %w", err)
	}

	tok, err := m.oauth.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("auth: authorization code exchange failed: %w", err)
	}

	m.logger.Info("provider authorization succeeded",
		slog.Time("expires_at", tok.Expiry),
	)

	return m.storeToken(tok), nil
}

// storeToken installs freshly acquired tokens as the current record and
// persists them. Persist failures are logged, never fatal: losing the file
// only degrades to re-authorization on next startup.
func (m *Manager) storeToken(tok *oauth2.Token) string {
	m.mu.Lock()

	if m.rec == nil {
		m.rec = &credfile.Record{}
	}

	m.rec.AccessToken = tok.AccessToken
	m.rec.ExpiresAt = tok.Expiry
	m.rec.ClientID = m.oauth.ClientID

	if tok.RefreshToken != "" {
		m.rec.RefreshToken = tok.RefreshToken
	}

	snapshot := *m.rec
	m.mu.Unlock()

	m.logger.Info("access token updated", slog.Time("expires_at", tok.Expiry))

	if m.credPath != "" {
		if err := credfile.Save(m.credPath, &snapshot); err != nil {
			m.logger.Warn("failed to persist credentials",
				slog.String("path", m.credPath),
				slog.String("error", err.Error()),
			)
		}
	}

	return tok.AccessToken
}

// isAuthRejection reports whether a token-endpoint error is an authentication
// rejection (invalid or revoked refresh token) rather than a transient
// failure. Box signals an invalid refresh token with HTTP 400.
func isAuthRejection(err error) bool {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return false
	}

	if rerr.Response == nil {
		return false
	}

	return rerr.Response.StatusCode == http.StatusBadRequest ||
		rerr.Response.StatusCode == http.StatusUnauthorized
}

// generateState produces a cryptographically random hex string for the OAuth2
// state parameter.
func generateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
