// Package config implements TOML configuration loading and platform-specific
// path resolution for box-go. Configuration is optional; every field has a
// usable default.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	// MirrorRoot overrides Box Drive mirror root auto-detection.
	MirrorRoot string `toml:"mirror_root"`

	Auth    AuthConfig    `toml:"auth"`
	Network NetworkConfig `toml:"network"`
}

// AuthConfig carries the OAuth2 application credentials. AccessToken selects
// manual access-token-only mode: no refresh, no provider re-authorization.
type AuthConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	AccessToken  string `toml:"access_token"`
}

// NetworkConfig overrides the API endpoints. Used mainly for testing against
// a fake server.
type NetworkConfig struct {
	APIURL    string `toml:"api_url"`
	UploadURL string `toml:"upload_url"`
	TokenURL  string `toml:"token_url"`
	AuthURL   string `toml:"auth_url"`
}

// Load reads a TOML config file. A missing file is not an error; defaults
// apply. Unknown keys are rejected so typos surface instead of silently
// doing nothing.
func Load(path string) (*Config, error) {
	var cfg Config

	if path == "" {
		path = DefaultConfigPath()
	}

	if path == "" {
		return &cfg, nil
	}

	meta, err := toml.DecodeFile(path, &cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return &cfg, nil
	}

	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: %s contains unknown key %q", path, undecoded[0].String())
	}

	if cfg.MirrorRoot != "" {
		expanded, expandErr := expandHome(cfg.MirrorRoot)
		if expandErr != nil {
			return nil, expandErr
		}

		cfg.MirrorRoot = expanded
	}

	return &cfg, nil
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(path string) (string, error) {
	if len(path) < 2 || path[0] != '~' || path[1] != '/' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: expanding %s: %w", path, err)
	}

	return home + path[1:], nil
}
