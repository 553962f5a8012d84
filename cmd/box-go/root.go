package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	boxgo "github.com/boxkit/box-go"
	"github.com/boxkit/box-go/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "box-go",
		Short:   "Box client with local mirror verification",
		Long:    "A Box client that uploads through the Box API and verifies items against the Box Drive local mirror.",
		Version: version,
		// Silence Cobra's default error/usage printing, we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	// Register subcommands.
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newUploadCmd())
	cmd.AddCommand(newWaitCmd())
	cmd.AddCommand(newPathCmd())

	return cmd
}

// buildLogger constructs the slog logger per verbosity flags.
// Logs go to stderr; stdout is reserved for command output.
func buildLogger() *slog.Logger {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildClient loads configuration and assembles the library client with a
// terminal authorization provider.
func buildClient(logger *slog.Logger) (*boxgo.Client, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, err
	}

	if cfg.Auth.AccessToken == "" && cfg.Auth.ClientID == "" {
		return nil, fmt.Errorf("no auth configured: set auth.client_id (or auth.access_token) in %s", config.DefaultConfigPath())
	}

	return boxgo.NewFromConfig(cfg, terminalProvider, logger), nil
}

// terminalProvider is the CLI's authorization callback: it prints the
// authorization URL and reads the resulting code from stdin.
func terminalProvider(ctx context.Context, authURL string) (string, error) {
	// Authorization prompts must always be visible, never suppressed by --quiet.
	fmt.Fprintf(os.Stderr, "To authorize, visit:\n%s\n\nPaste the authorization code: ", authURL)

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			errCh <- err
			return
		}

		codeCh <- strings.TrimSpace(line)
	}()

	select {
	case code := <-codeCh:
		if code == "" {
			return "", fmt.Errorf("empty authorization code")
		}

		return code, nil
	case err := <-errCh:
		return "", fmt.Errorf("reading authorization code: %w", err)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// statusf prints a status message to stderr unless quiet mode is set or
// stderr is not a terminal (piped output stays clean).
func statusf(format string, args ...any) {
	if flagQuiet || !isatty.IsTerminal(os.Stderr.Fd()) {
		return
	}

	fmt.Fprintf(os.Stderr, format, args...)
}

// Size unit constants for human-readable formatting.
const (
	sizeKB = 1024
	sizeMB = 1024 * 1024
	sizeGB = 1024 * 1024 * 1024
)

// formatSize returns a human-readable size string (e.g. "1.2 MB").
func formatSize(bytes int64) string {
	switch {
	case bytes >= sizeGB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(sizeGB))
	case bytes >= sizeMB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(sizeMB))
	case bytes >= sizeKB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(sizeKB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
