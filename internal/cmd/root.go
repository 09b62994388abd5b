// Package cmd implements the fanoutd command line interface.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fanout-labs/fanoutd/internal/config"
	"github.com/fanout-labs/fanoutd/internal/observability"
	"github.com/fanout-labs/fanoutd/internal/server/handlers"
)

// versionInfo holds build metadata injected at link time via main.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata before Execute runs.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = version
}

var (
	rootLogLevel   string
	rootLogProfile string
)

var rootCmd = &cobra.Command{
	Use:   "fanoutd",
	Short: "Durable fan-out dispatch orchestrator",
	Long: `fanoutd accepts signed job submissions, dispatches each entity to a
remote worker, polls until completion and records a summary of the run.

Jobs survive restarts: all state lives in the job store and every tick
resumes from the last durably committed record.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		overrides := map[string]any{}
		logging := map[string]any{}
		if cmd.Flags().Changed("log-level") {
			logging["level"] = rootLogLevel
		}
		if cmd.Flags().Changed("log-profile") {
			logging["profile"] = rootLogProfile
		}
		if len(logging) > 0 {
			overrides["logging"] = logging
		}

		cfg, err := config.Load(cmd.Context(), overrides)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
		}
		if err := observability.Init(cfg.Logging); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
		}

		handlers.SetVersionInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
		return nil
	},
}

func init() {
	rootCmd.Version = versionInfo.Version
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&rootLogProfile, "log-profile", "", "Log profile (structured|console)")

	setDefaults()
}

// setDefaults seeds the global viper with the same defaults the config
// loader uses, so commands that read settings directly see them.
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")

	viper.SetDefault("health.enabled", true)

	viper.SetDefault("debug.enabled", false)
	viper.SetDefault("debug.pprof_enabled", false)

	viper.SetDefault("workers", 4)
}

// codedError carries a process exit code alongside the cause.
type codedError struct {
	code    int
	message string
	err     error
}

func (e *codedError) Error() string {
	if e.err == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.err)
}

func (e *codedError) Unwrap() error { return e.err }

// exitError creates an error that causes the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &codedError{code: code, message: message, err: err}
}

// Execute runs the root command and exits with the embedded code on
// failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		observability.CLILogger.Error(err.Error())
		observability.Sync()

		var coded *codedError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		os.Exit(1)
	}
	observability.Sync()
}
