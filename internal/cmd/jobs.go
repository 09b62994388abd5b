package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fanout-labs/fanoutd/internal/config"
	"github.com/fanout-labs/fanoutd/internal/observability"
	"github.com/fanout-labs/fanoutd/pkg/jobstore"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect stored jobs",
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Print the stored record for a job",
	Long: `Print the full persisted record for a job as JSON.

Example:
  FANOUTD_REDIS_ADDR=localhost:6379 fanoutd jobs get deploy-2316`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsGet,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs with a scheduled tick",
	Long: `List every job currently queued for a tick, earliest due first.

Terminal jobs leave the tick queue, so this shows the active set.`,
	RunE: runJobsList,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job record and its scheduled tick",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsDeleteCmd)
}

// jobsStore opens the persistent store for inspection commands.
func jobsStore(cmd *cobra.Command) (jobstore.Store, func(), error) {
	cfg := config.GetConfig()
	if cfg.Redis.Addr == "" {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "jobs commands require a persistent job store",
			fmt.Errorf("set redis.addr or FANOUTD_REDIS_ADDR"))
	}
	store, client, err := buildStore(cmd.Context(), cfg, observability.Logger)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = client.Close() }, nil
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	store, closeStore, err := jobsStore(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	j, err := store.GetJob(cmd.Context(), args[0])
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return exitError(foundry.ExitInvalidArgument, "Unknown job", fmt.Errorf("no record for job %q", args[0]))
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Job store read failed", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(j); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write record", err)
	}
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	store, closeStore, err := jobsStore(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	// The tick queue holds every non-terminal job, including those whose
	// next tick is still in the future.
	horizon := time.Now().Add(24 * time.Hour)
	ids, err := store.DueJobs(cmd.Context(), horizon, 0)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Job store read failed", err)
	}

	if len(ids) == 0 {
		observability.CLILogger.Info("no active jobs")
		return nil
	}
	for _, id := range ids {
		j, err := store.GetJob(cmd.Context(), id)
		if err != nil {
			observability.CLILogger.Warn(fmt.Sprintf("%s  <record missing>", id))
			continue
		}
		fmt.Printf("%s  status=%s  done=%d/%d  error=%d\n",
			j.JobID, j.Status, j.Progress.Done, j.Progress.Total, j.Progress.Error)
	}
	return nil
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	store, closeStore, err := jobsStore(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.DeleteJob(cmd.Context(), args[0]); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Job store delete failed", err)
	}
	observability.CLILogger.Info("job deleted", zap.String("job_id", args[0]))
	return nil
}
