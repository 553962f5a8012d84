// Package mirror resolves remote items to their expected paths inside the
// local folder tree maintained by the Box Drive desktop agent, and waits for
// that tree to catch up with remote state.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/text/unicode/norm"

	"github.com/boxkit/box-go/internal/boxapi"
)

// MetadataSource provides the remote metadata a path resolution needs.
// Implemented by the API client.
type MetadataSource interface {
	GetItem(ctx context.Context, id, kind string) (*boxapi.Item, error)
}

// detectRoot finds the local mirror root. The configured override wins;
// otherwise platform-specific candidate directories are probed. Called once
// per Verifier via sync.OnceValues so both the result and the failure are
// cached; purely cloud-side operations never trigger detection at all.
func detectRoot(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("mirror: configured root %s: %w", configured, err)
		}

		return configured, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("mirror: resolving home directory: %w", err)
	}

	for _, candidate := range rootCandidates(home) {
		if info, statErr := os.Stat(candidate); statErr == nil && info.IsDir() {
			return candidate, nil
		}
	}

	return "", errors.New("mirror: no local mirror root found, is the sync agent installed? (set mirror_root in the config file to override)")
}

// rootCandidates lists the default Box Drive mount points per platform.
func rootCandidates(home string) []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{
			filepath.Join(home, "Library", "CloudStorage", "Box-Box"),
			filepath.Join(home, "Box"),
		}
	case "windows":
		return []string{filepath.Join(home, "Box")}
	default:
		return []string{filepath.Join(home, "Box")}
	}
}

// LocalPath resolves a remote identifier to its expected path in the local
// mirror: ancestor folder names plus the item name, NFC-normalized, joined
// under the mirror root. The item does not need to exist locally yet.
func (v *Verifier) LocalPath(ctx context.Context, id, kind string) (string, error) {
	item, err := v.api.GetItem(ctx, id, kind)
	if err != nil {
		return "", err
	}

	return v.localPathFor(item)
}

// localPathFor joins an already-fetched item's path segments under the root.
func (v *Verifier) localPathFor(item *boxapi.Item) (string, error) {
	root, err := v.root()
	if err != nil {
		return "", err
	}

	segments := make([]string, 0, len(item.PathNames)+2)
	segments = append(segments, root)

	// macOS stores names NFD on disk while the API returns NFC (and the
	// agent normalizes back); NFC is the canonical form for comparison.
	for _, name := range item.PathNames {
		segments = append(segments, norm.NFC.String(name))
	}

	segments = append(segments, norm.NFC.String(item.Name))

	return filepath.Join(segments...), nil
}
