// Package cmd implements the cipherhub command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/cipherhub/internal/observability"
	"github.com/3leaps/cipherhub/internal/server/handlers"
	"github.com/3leaps/cipherhub/pkg/client"
)

// exitFailure is the generic non-zero exit code.
const exitFailure = 1

// DefaultServerURL is used when neither --server nor CIPHERHUB_SERVER_URL is set.
const DefaultServerURL = "http://localhost:8080"

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	serverURL string
	logLevel  string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "cipherhub",
	Short: "Job status coordination and node telemetry for the image cipher pipeline",
	Long: `cipherhub tracks image encryption/decryption jobs from submission to
completion, serves finished artifacts, and aggregates node health telemetry.

Run 'cipherhub serve' to start the service. The other commands are clients
of a running service (see --server).`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initCLI,
}

func init() {
	defaultURL := os.Getenv("CIPHERHUB_SERVER_URL")
	if defaultURL == "" {
		defaultURL = DefaultServerURL
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "Base URL of the cipherhub service")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "CLI log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func initCLI(cmd *cobra.Command, _ []string) error {
	if err := observability.InitCLILogger("cipherhub", logLevel, verbose); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --log-level", err)
	}
	return nil
}

// SetVersionInfo records build metadata for the version command and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer observability.Sync()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		return exitCode(err)
	}
	return 0
}

// cliError carries the exit code a failed command should produce.
type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	if e.err == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.err)
}

func (e *cliError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &cliError{code: code, message: message, err: err}
}

func exitCode(err error) int {
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	// cobra usage errors (unknown flag, wrong arg count)
	if strings.Contains(err.Error(), "unknown flag") || strings.Contains(err.Error(), "accepts ") {
		return foundry.ExitInvalidArgument
	}
	return exitFailure
}

// clientExitError classifies a failed API call.
func clientExitError(message string, err error) error {
	var apiErr *client.APIError
	switch {
	case errors.Is(err, context.Canceled):
		return exitError(foundry.ExitSignalInt, message+" (cancelled)", err)
	case errors.As(err, &apiErr) && !apiErr.Temporary():
		return exitError(foundry.ExitInvalidArgument, message, err)
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, message, err)
	}
}

func newClient() (*client.Client, error) {
	c, err := client.New(serverURL)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --server", err)
	}
	return c, nil
}
