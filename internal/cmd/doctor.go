package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fanout-labs/fanoutd/internal/config"
	"github.com/fanout-labs/fanoutd/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment and configuration.

Examples:
  fanoutd doctor                                  # Basic environment checks
  FANOUTD_REDIS_ADDR=localhost:6379 fanoutd doctor  # Include Redis connectivity`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) {
	observability.CLILogger.Info("=== fanoutd doctor ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	cfg := config.GetConfig()
	allChecks := true
	checkNum := 1
	totalChecks := 4
	if cfg != nil && cfg.Redis.Addr != "" {
		totalChecks++
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Configuration
	if cfg != nil {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ loaded", checkNum, totalChecks),
			zap.String("sink", cfg.Sink.Kind),
			zap.Int("port", cfg.Server.Port))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ not loaded", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 3: Record sink
	if cfg != nil && cfg.Sink.Kind == "file" {
		if err := checkSinkDir(cfg.Sink.Dir); err != nil {
			observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking record directory... ❌ %s not writable", checkNum, totalChecks, cfg.Sink.Dir),
				zap.Error(err))
			allChecks = false
		} else {
			observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking record directory... ✅ %s", checkNum, totalChecks, cfg.Sink.Dir),
				zap.String("dir", cfg.Sink.Dir))
		}
	} else {
		kind := "s3"
		if cfg != nil {
			kind = cfg.Sink.Kind
		}
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking record sink... ✅ kind=%s (checked at startup)", checkNum, totalChecks, kind))
	}
	checkNum++

	// Check 4: Environment
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	// Check 5: Redis connectivity (only when configured)
	if cfg != nil && cfg.Redis.Addr != "" {
		if err := checkRedis(cmd.Context(), cfg); err != nil {
			observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Redis... ❌ %s unreachable", checkNum, totalChecks, cfg.Redis.Addr),
				zap.Error(err))
			printRedisHelp()
			allChecks = false
		} else {
			observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Redis... ✅ %s", checkNum, totalChecks, cfg.Redis.Addr),
				zap.String("addr", cfg.Redis.Addr))
		}
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info("✅ All checks passed! Your fanoutd installation is healthy.")
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// checkSinkDir verifies the record directory exists and accepts writes.
func checkSinkDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

// checkRedis pings the configured Redis with a short timeout.
func checkRedis(ctx context.Context, cfg *config.Config) error {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = client.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return client.Ping(pingCtx).Err()
}

// printRedisHelp prints help for configuring the job store connection.
func printRedisHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure the job store connection:")
	observability.CLILogger.Info("  1. Set FANOUTD_REDIS_ADDR (host:port), or")
	observability.CLILogger.Info("  2. Set redis.addr in the config file named by FANOUTD_CONFIG")
	observability.CLILogger.Info("")
}
