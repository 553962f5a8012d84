package mirror

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/boxkit/box-go/internal/boxapi"
)

// Strategy selects how a wait decides an item has synced locally.
type Strategy string

const (
	// StrategyPoll checks local-path existence only.
	StrategyPoll Strategy = "poll"

	// StrategySmart additionally requires the local file size to match the
	// remote size exactly, guarding against observing a partially-written
	// file. Folders require only existence. This is the default.
	StrategySmart Strategy = "smart"

	// StrategyForce verifies the sync agent process is running, nudges it by
	// touching the parent directory, then behaves like StrategySmart.
	StrategyForce Strategy = "force"
)

// Wait defaults.
const (
	DefaultTimeout      = 2 * time.Minute
	DefaultPollInterval = 1 * time.Second
)

// SyncStatus is the result of one verification call. Ephemeral, never
// persisted. A timeout is reported here as Synced=false with Error set, never
// as a Go error, so callers can choose to proceed without a local path.
type SyncStatus struct {
	Synced    bool      `json:"synced"`
	LocalPath string    `json:"local_path"`
	Error     string    `json:"error,omitempty"`
	ModTime   time.Time `json:"last_modified,omitzero"`
	Size      int64     `json:"size,omitempty"`
}

// WaitOptions configures a WaitForSync call. Zero values select the defaults.
type WaitOptions struct {
	Strategy     Strategy
	Timeout      time.Duration
	PollInterval time.Duration
}

// Verifier bridges the eventual consistency gap between remote state and the
// local disk mirror maintained by the external sync agent.
type Verifier struct {
	api    MetadataSource
	logger *slog.Logger

	// root returns the mirror root, computed once on first local-path use.
	// Both the result and any failure are cached.
	root func() (string, error)

	// agentRunning is a test hook over the platform process check.
	agentRunning func() bool
}

// NewVerifier creates a Verifier. configuredRoot overrides platform root
// detection when non-empty; detection is lazy either way.
func NewVerifier(api MetadataSource, configuredRoot string, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &Verifier{
		api:          api,
		logger:       logger,
		root:         sync.OnceValues(func() (string, error) { return detectRoot(configuredRoot) }),
		agentRunning: agentProcessRunning,
	}
}

// WaitForSync resolves the remote item to its expected local path and waits,
// with the selected strategy, until the local mirror reflects it or the
// timeout elapses. Only resolution failures (metadata fetch, root detection,
// agent-not-running under force) return an error; timing out is a normal
// SyncStatus result.
func (v *Verifier) WaitForSync(ctx context.Context, id, kind string, opts WaitOptions) (SyncStatus, error) {
	if opts.Strategy == "" {
		opts.Strategy = StrategySmart
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	item, err := v.api.GetItem(ctx, id, kind)
	if err != nil {
		return SyncStatus{}, err
	}

	localPath, err := v.localPathFor(item)
	if err != nil {
		return SyncStatus{}, err
	}

	if opts.Strategy == StrategyForce {
		if !v.agentRunning() {
			return SyncStatus{}, errors.New("mirror: sync agent is not running, start Box Drive and retry")
		}

		v.nudge(localPath)

		opts.Strategy = StrategySmart
	}

	v.logger.Debug("waiting for local sync",
		slog.String("item_id", id),
		slog.String("local_path", localPath),
		slog.String("strategy", string(opts.Strategy)),
		slog.Duration("timeout", opts.Timeout),
	)

	return v.waitLoop(ctx, item, localPath, opts)
}

// waitLoop is the shared loop shape across strategies: fixed-interval checks,
// a hard wall-clock deadline, and tolerant handling of not-found stat errors.
// An fsnotify watch on the parent directory wakes the loop early when the
// agent materializes entries; when the watch cannot be established the loop
// degrades to pure polling.
func (v *Verifier) waitLoop(ctx context.Context, item *boxapi.Item, localPath string, opts WaitOptions) (SyncStatus, error) {
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	var events <-chan fsnotify.Event

	if watcher := v.watchParent(localPath); watcher != nil {
		defer watcher.Close()

		events = watcher.Events
	}

	for {
		if status, ok := v.check(item, localPath, opts.Strategy); ok {
			return status, nil
		}

		select {
		case <-ctx.Done():
			return SyncStatus{}, fmt.Errorf("mirror: wait canceled: %w", ctx.Err())
		case <-deadline.C:
			v.logger.Info("local sync wait timed out",
				slog.String("item_id", item.ID),
				slog.String("local_path", localPath),
			)

			return SyncStatus{
				Synced:    false,
				LocalPath: localPath,
				Error:     fmt.Sprintf("Timeout: %s did not sync within %s", localPath, opts.Timeout),
			}, nil
		case <-ticker.C:
		case <-events:
			// Parent directory changed, re-check immediately.
		}
	}
}

// check inspects the local path once. The second return value reports whether
// the wait is satisfied. Not-found errors are the normal not-yet-synced case;
// anything else unexpected is logged and tolerated, never treated as failure.
func (v *Verifier) check(item *boxapi.Item, localPath string, strategy Strategy) (SyncStatus, bool) {
	info, err := os.Stat(localPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			v.logger.Warn("unexpected stat error while waiting for sync",
				slog.String("local_path", localPath),
				slog.String("error", err.Error()),
			)
		}

		return SyncStatus{}, false
	}

	if !item.IsFolder() && strategy == StrategySmart && info.Size() != item.Size {
		v.logger.Debug("local file size mismatch, still syncing",
			slog.String("local_path", localPath),
			slog.Int64("local_size", info.Size()),
			slog.Int64("remote_size", item.Size),
		)

		return SyncStatus{}, false
	}

	return SyncStatus{
		Synced:    true,
		LocalPath: localPath,
		ModTime:   info.ModTime(),
		Size:      info.Size(),
	}, true
}

// watchParent tries to establish an fsnotify watch on the nearest existing
// ancestor of localPath, walking upward until one can be watched. Returns nil
// when watching is unavailable; the wait then degrades to pure polling.
func (v *Verifier) watchParent(localPath string) *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		v.logger.Debug("fsnotify unavailable, falling back to interval polling",
			slog.String("error", err.Error()),
		)

		return nil
	}

	dir := filepath.Dir(localPath)
	for dir != filepath.Dir(dir) {
		if addErr := watcher.Add(dir); addErr == nil {
			return watcher
		}

		dir = filepath.Dir(dir)
	}

	watcher.Close()

	return nil
}

// nudge performs a best-effort touch of the parent directory so the agent's
// own watcher notices activity. Failures are expected when the parent has not
// synced yet and are only logged.
func (v *Verifier) nudge(localPath string) {
	parent := filepath.Dir(localPath)
	now := time.Now()

	if err := os.Chtimes(parent, now, now); err != nil {
		v.logger.Debug("mirror nudge skipped",
			slog.String("parent", parent),
			slog.String("error", err.Error()),
		)
	}
}
