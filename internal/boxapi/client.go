package boxapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// errTokenSource marks a failure to obtain a bearer token. Never retried: the
// token source performs its own refresh and recovery internally, so a failure
// here is permanent for this call.
var errTokenSource = errors.New("boxapi: obtaining token")

// Retry and backoff constants.
const (
	maxRetries    = 5
	baseBackoff   = 1 * time.Second
	maxBackoff    = 60 * time.Second
	backoffFactor = 2.0
	userAgent     = "box-go/0.1"
)

// Default Box API endpoints.
const (
	DefaultBaseURL   = "https://api.box.com/2.0"
	DefaultUploadURL = "https://upload.box.com/api/2.0"
)

// TokenSource provides bearer tokens for outbound requests. Defined at the
// consumer per Go convention "accept interfaces, return structs".
// The auth package provides the real implementation.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// AuthRecoverer coordinates recovery from a 401 response: discard the current
// access token, refresh it (or re-authorize via the provider), so the original
// request can be retried. Implemented by the auth manager. A nil recoverer
// disables recovery and 401 responses surface directly.
type AuthRecoverer interface {
	Recover(ctx context.Context) error
}

// Client is an HTTP client for the Box API. It handles request construction,
// authentication, retry with exponential backoff for transient failures, and
// a single coordinated recovery cycle for authorization failures.
type Client struct {
	baseURL    string
	uploadURL  string
	httpClient *http.Client
	token      TokenSource
	recoverer  AuthRecoverer
	logger     *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Box API client. baseURL and uploadURL are typically
// DefaultBaseURL and DefaultUploadURL. recoverer may be nil for token sources
// that cannot refresh (manual access-token-only mode).
func NewClient(baseURL, uploadURL string, httpClient *http.Client, token TokenSource, recoverer AuthRecoverer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		uploadURL:  uploadURL,
		httpClient: httpClient,
		token:      token,
		recoverer:  recoverer,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// Do executes an HTTP request against the Box API.
// The path is appended to the client's base URL.
// For non-nil bodies, Content-Type is set to application/json.
// The caller is responsible for closing the response body on success.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	contentType := ""
	if body != nil {
		contentType = "application/json"
	}

	return c.roundTrip(ctx, method, c.baseURL+path, contentType, nil, body)
}

// roundTrip is the shared request loop: transient failures retry with
// exponential backoff, a 401 triggers at most one recovery cycle, everything
// else classifies and returns. The per-call request ID correlates retries and
// recovery in logs and on the wire.
func (c *Client) roundTrip(ctx context.Context, method, url, contentType string, header http.Header, body io.Reader) (*http.Response, error) {
	reqID := uuid.NewString()
	logger := c.logger.With(
		slog.String("method", method),
		slog.String("url", url),
		slog.String("request_id", reqID),
	)

	var attempt int

	var recovered bool

	for {
		if err := rewindBody(body); err != nil {
			return nil, fmt.Errorf("boxapi: rewinding request body: %w", err)
		}

		resp, err := c.doOnce(ctx, method, url, contentType, header, reqID, body)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("boxapi: request canceled: %w", ctx.Err())
			}

			// Token acquisition failure is not retryable either; retrying
			// would re-run a whole refresh or authorization cycle per attempt.
			if errors.Is(err, errTokenSource) {
				return nil, err
			}

			// Network errors are retryable.
			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				logger.Warn("retrying after network error",
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("boxapi: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("boxapi: %s %s failed after %d retries: %w", method, url, maxRetries, err)
		}

		// 2xx is success.
		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			logger.Debug("request succeeded", slog.Int("status", resp.StatusCode))

			return resp, nil
		}

		// Read and close body for error responses.
		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		// Authorization failure: one invalidate→refresh→retry cycle per
		// logical call. The recovered flag is the reentrancy guard: a second
		// 401 on the retried request surfaces to the caller.
		if resp.StatusCode == http.StatusUnauthorized && c.recoverer != nil && !recovered {
			logger.Warn("authorization failure, attempting recovery")

			if recErr := c.recoverer.Recover(ctx); recErr != nil {
				return nil, fmt.Errorf("boxapi: authorization recovery failed: %w", recErr)
			}

			recovered = true

			continue
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			logger.Warn("retrying after HTTP error",
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("boxapi: request canceled: %w", err)
			}

			attempt++

			continue
		}

		apiErr := newAPIError(resp.StatusCode, errBody)

		if attempt > 0 {
			logger.Error("request failed after retries",
				slog.Int("status", resp.StatusCode),
				slog.Int("attempts", attempt+1),
			)
		}

		return nil, apiErr
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, method, url, contentType string, header http.Header, reqID string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	tok, err := c.token.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errTokenSource, err)
	}

	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-Id", reqID)

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.httpClient.Do(req)
}

// rewindBody seeks a request body back to the start before a retry.
// Non-seekable bodies pass through on the first attempt; call sites that
// expect retries pass bytes.NewReader or an *os.File section.
func rewindBody(body io.Reader) error {
	seeker, ok := body.(io.Seeker)
	if !ok {
		return nil
	}

	_, err := seeker.Seek(0, io.SeekStart)

	return err
}

// retryBackoff returns the backoff duration for a retryable response.
// For 429 responses with a Retry-After header, that value is used.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff: baseBackoff × 2^attempt, capped.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
