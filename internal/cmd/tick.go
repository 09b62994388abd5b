package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fanout-labs/fanoutd/internal/config"
	"github.com/fanout-labs/fanoutd/internal/observability"
	"github.com/fanout-labs/fanoutd/pkg/controller"
	"github.com/fanout-labs/fanoutd/pkg/jobstore"
	"github.com/fanout-labs/fanoutd/pkg/remote"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Drive one tick for a job",
	Long: `Run a single orchestration tick for one job and print the result.

Intended for debugging a stuck job while the service is stopped. The
tick uses the same controller as the service, so transitions are
persisted exactly as they would be in normal operation.

Example:
  FANOUTD_REDIS_ADDR=localhost:6379 fanoutd tick --job deploy-2316`,
	RunE: runTick,
}

var tickJobID string

func init() {
	rootCmd.AddCommand(tickCmd)

	tickCmd.Flags().StringVar(&tickJobID, "job", "", "Job id to tick (required)")
	_ = tickCmd.MarkFlagRequired("job")
}

func runTick(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := config.GetConfig()
	logger := observability.Logger

	if cfg.Redis.Addr == "" {
		return exitError(foundry.ExitInvalidArgument, "tick requires a persistent job store",
			fmt.Errorf("set redis.addr or FANOUTD_REDIS_ADDR"))
	}

	store, redisClient, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	rec, err := buildRecorder(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}

	ctrl := controller.New(store, remote.NewClient(),
		controller.WithRecorder(rec),
		controller.WithLogger(logger))

	result, err := ctrl.Tick(ctx, tickJobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return exitError(foundry.ExitInvalidArgument, "Unknown job", fmt.Errorf("no record for job %q", tickJobID))
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Tick failed", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write result", err)
	}

	observability.CLILogger.Info(fmt.Sprintf("tick complete: dispatched=%d polled=%d terminal=%v",
		result.Dispatched, result.Polled, result.Terminal),
		zap.String("job_id", tickJobID))
	return nil
}
