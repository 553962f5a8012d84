// Package boxgo is a client library bridging the Box content API and the
// local folder mirror maintained by the Box Drive desktop agent. It owns the
// credential lifecycle, wraps every outbound call in retry and authorization
// recovery, streams large files through chunked upload sessions, and verifies
// when remote items have materialized in the local mirror.
//
// It is not a sync engine: it never copies remote content to disk itself, it
// only detects and waits on sync performed by the external agent.
package boxgo

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/boxkit/box-go/internal/auth"
	"github.com/boxkit/box-go/internal/boxapi"
	"github.com/boxkit/box-go/internal/config"
	"github.com/boxkit/box-go/internal/credfile"
	"github.com/boxkit/box-go/internal/mirror"
	"github.com/boxkit/box-go/internal/transfer"
)

// Re-exported types so callers only import this package.
type (
	// Item is a normalized Box file or folder.
	Item = boxapi.Item

	// SyncStatus is the result of one local-sync verification.
	SyncStatus = mirror.SyncStatus

	// Strategy selects how WaitForSync decides an item has synced.
	Strategy = mirror.Strategy

	// WaitOptions configures a WaitForSync call.
	WaitOptions = mirror.WaitOptions

	// CodeProvider is the caller-supplied authorization callback.
	CodeProvider = auth.CodeProvider

	// CredentialRecord is a caller-provided credential set.
	CredentialRecord = credfile.Record
)

// Wait strategies.
const (
	StrategyPoll  = mirror.StrategyPoll
	StrategySmart = mirror.StrategySmart
	StrategyForce = mirror.StrategyForce
)

// Item kinds.
const (
	KindFile   = boxapi.KindFile
	KindFolder = boxapi.KindFolder
)

// Wait defaults, applied when WaitOptions fields are zero.
const (
	DefaultWaitTimeout  = mirror.DefaultTimeout
	DefaultPollInterval = mirror.DefaultPollInterval
)

// Options configures a Client. Zero values select defaults; the only
// mandatory choice is between OAuth app credentials (ClientID/ClientSecret,
// usually with a Provider) and a manual AccessToken.
type Options struct {
	// OAuth application credentials.
	ClientID     string
	ClientSecret string

	// AccessToken selects manual access-token-only mode: the token is
	// assumed valid for the client's lifetime, with no refresh and no
	// provider re-authorization.
	AccessToken string

	// Provider is invoked with an authorization URL when no valid refresh
	// token exists. Nil means expiry without a refresh token is fatal.
	Provider CodeProvider

	// Credentials supplies caller-provided tokens, taking precedence over
	// the persisted record.
	Credentials *CredentialRecord

	// CredentialPath overrides where the credential record is persisted.
	// Empty uses the platform default; persistence cannot be disabled except
	// through manual AccessToken mode.
	CredentialPath string

	// MirrorRoot overrides Box Drive mirror root auto-detection.
	MirrorRoot string

	// Endpoint overrides, used mainly by tests.
	BaseURL   string
	UploadURL string
	TokenURL  string
	AuthURL   string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is the façade over the library's core: token lifecycle, resilient
// request execution, chunked upload, and local sync verification.
type Client struct {
	api      *boxapi.Client
	auth     *auth.Manager
	uploader *transfer.Uploader
	verifier *mirror.Verifier
	logger   *slog.Logger
}

// New creates a Client. The credential store load happens asynchronously; the
// first operation waits for it before judging token validity.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var manager *auth.Manager

	if opts.AccessToken != "" {
		manager = auth.NewStaticTokenManager(opts.AccessToken, logger)
	} else {
		credPath := opts.CredentialPath
		if credPath == "" {
			credPath = config.DefaultCredentialPath()
		}

		manager = auth.NewManager(auth.Config{
			ClientID:       opts.ClientID,
			ClientSecret:   opts.ClientSecret,
			AuthURL:        opts.AuthURL,
			TokenURL:       opts.TokenURL,
			CredentialPath: credPath,
			Provider:       opts.Provider,
			InitialRecord:  opts.Credentials,
		}, logger)
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = boxapi.DefaultBaseURL
	}

	uploadURL := opts.UploadURL
	if uploadURL == "" {
		uploadURL = boxapi.DefaultUploadURL
	}

	// Manual tokens cannot be refreshed, so the API client gets no recoverer
	// and 401 responses surface directly.
	var recoverer boxapi.AuthRecoverer
	if opts.AccessToken == "" {
		recoverer = manager
	}

	api := boxapi.NewClient(baseURL, uploadURL, opts.HTTPClient, manager, recoverer, logger)

	return &Client{
		api:      api,
		auth:     manager,
		uploader: transfer.NewUploader(api, logger),
		verifier: mirror.NewVerifier(api, opts.MirrorRoot, logger),
		logger:   logger,
	}
}

// NewFromConfig creates a Client from a loaded configuration file.
func NewFromConfig(cfg *config.Config, provider CodeProvider, logger *slog.Logger) *Client {
	return New(Options{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		AccessToken:  cfg.Auth.AccessToken,
		Provider:     provider,
		MirrorRoot:   cfg.MirrorRoot,
		BaseURL:      cfg.Network.APIURL,
		UploadURL:    cfg.Network.UploadURL,
		TokenURL:     cfg.Network.TokenURL,
		AuthURL:      cfg.Network.AuthURL,
		Logger:       logger,
	})
}

// EnsureValid guarantees a usable access token is present, refreshing or
// re-authorizing as needed. Operations call this implicitly; it is exposed
// for callers that want to fail fast before starting a long workflow.
func (c *Client) EnsureValid(ctx context.Context) error {
	_, err := c.auth.EnsureValid(ctx)

	return err
}

// Execute performs one authenticated API request with retry and authorization
// recovery. The path is relative to the API base URL. The caller closes the
// response body on success.
func (c *Client) Execute(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	return c.api.Do(ctx, method, path, body)
}

// GetFile fetches file metadata.
func (c *Client) GetFile(ctx context.Context, fileID string) (*Item, error) {
	return c.api.GetFile(ctx, fileID)
}

// GetFolder fetches folder metadata.
func (c *Client) GetFolder(ctx context.Context, folderID string) (*Item, error) {
	return c.api.GetFolder(ctx, folderID)
}

// CreateFolder creates a folder under the given parent.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (*Item, error) {
	return c.api.CreateFolder(ctx, parentID, name)
}

// ListFolderItems lists the direct children of a folder.
func (c *Client) ListFolderItems(ctx context.Context, folderID string) ([]Item, error) {
	return c.api.ListFolderItems(ctx, folderID)
}

// DeleteFile deletes a file by ID.
func (c *Client) DeleteFile(ctx context.Context, fileID string) error {
	return c.api.DeleteFile(ctx, fileID)
}

// Upload uploads a local file into the given folder, choosing the simple or
// chunked path based on size.
func (c *Client) Upload(ctx context.Context, folderID, localPath string) (*Item, error) {
	return c.uploader.UploadFile(ctx, folderID, localPath)
}

// UploadLarge uploads a payload of known size through a chunked upload
// session regardless of the threshold.
func (c *Client) UploadLarge(ctx context.Context, folderID, name string, content io.Reader, size int64) (*Item, error) {
	return c.uploader.UploadLarge(ctx, folderID, name, content, size)
}

// LocalPath resolves a remote identifier to its expected path in the local
// mirror. The item does not need to exist locally yet.
func (c *Client) LocalPath(ctx context.Context, id, kind string) (string, error) {
	return c.verifier.LocalPath(ctx, id, kind)
}

// WaitForSync waits until the local mirror reflects the remote item or the
// timeout elapses. Timing out is a normal SyncStatus result, not an error.
func (c *Client) WaitForSync(ctx context.Context, id, kind string, opts WaitOptions) (SyncStatus, error) {
	return c.verifier.WaitForSync(ctx, id, kind, opts)
}
