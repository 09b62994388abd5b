package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fanout-labs/fanoutd/internal/config"
	"github.com/fanout-labs/fanoutd/internal/observability"
	"github.com/fanout-labs/fanoutd/internal/server"
	"github.com/fanout-labs/fanoutd/internal/server/handlers"
	"github.com/fanout-labs/fanoutd/pkg/controller"
	"github.com/fanout-labs/fanoutd/pkg/discovery"
	"github.com/fanout-labs/fanoutd/pkg/jobstore"
	"github.com/fanout-labs/fanoutd/pkg/recorder"
	"github.com/fanout-labs/fanoutd/pkg/remote"
	"github.com/fanout-labs/fanoutd/pkg/signature"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator service",
	Long: `Run the fanoutd service: the intake and status HTTP endpoints plus the
tick runner that drives jobs to completion.

Examples:
  fanoutd serve
  fanoutd serve --port 9000
  FANOUTD_REDIS_ADDR=localhost:6379 fanoutd serve`,
	RunE: runServe,
}

var (
	serveHost     string
	servePort     int
	serveNoVerify bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoVerify, "no-verify", false, "Accept unsigned intake requests (development only)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.GetConfig()
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	logger := observability.Logger

	store, redisClient, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
	}()

	rec, err := buildRecorder(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}

	ctrl := controller.New(store, remote.NewClient(),
		controller.WithRecorder(rec),
		controller.WithLogger(logger))
	runner := controller.NewRunner(store, ctrl,
		controller.WithScanInterval(cfg.Runner.ScanInterval),
		controller.WithLeaseTTL(cfg.Runner.LeaseTTL),
		controller.WithBatchSize(cfg.Runner.BatchSize),
		controller.WithWorkers(cfg.Workers),
		controller.WithRunnerLogger(logger))

	jobsOpts := []handlers.JobsOption{
		handlers.WithLogger(logger),
		handlers.WithLister(discovery.NewClient()),
	}
	if cfg.Intake.RequireSignature && !serveNoVerify {
		jobsOpts = append(jobsOpts,
			handlers.WithVerifier(signature.NewVerifier(signature.NewHTTPKeyProvider())))
	} else {
		logger.Warn("intake signature verification disabled")
	}
	jobsHandler := handlers.NewJobsHandler(store, jobsOpts...)

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("signals", signalHealthChecker{})
	hm.RegisterChecker("config", configHealthChecker{})
	if redisClient != nil {
		hm.RegisterChecker("redis", redisHealthChecker{client: redisClient})
	}

	srvOpts := []server.Option{
		server.WithLogger(logger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithJobsHandler(jobsHandler),
		server.WithHealthEnabled(cfg.Health.Enabled),
	}
	if cfg.Debug.PprofEnabled {
		logger.Warn("pprof endpoints enabled under /debug")
		srvOpts = append(srvOpts, server.WithPprof())
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, srvOpts...)

	runner.Start(ctx)
	defer runner.Stop()

	logger.Info("fanoutd starting",
		zap.String("version", versionInfo.Version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("sink", cfg.Sink.Kind))

	if err := srv.Start(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
	}
	logger.Info("fanoutd stopped")
	return nil
}

// buildStore selects the job store. Without a Redis address jobs live
// in process memory and do not survive a restart.
func buildStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (jobstore.Store, goredis.UniversalClient, error) {
	if cfg.Redis.Addr == "" {
		logger.Warn("redis.addr not set, using in-memory job store")
		return jobstore.NewMemoryStore(), nil, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, exitError(foundry.ExitExternalServiceUnavailable, "Cannot reach Redis", err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr), zap.Int("db", cfg.Redis.DB))
	return jobstore.NewRedisStore(client), client, nil
}

// buildRecorder assembles the summary sink and rollup store.
func buildRecorder(ctx context.Context, cfg *config.Config, redisClient goredis.UniversalClient, logger *zap.Logger) (*recorder.Recorder, error) {
	var sink recorder.Sink
	switch cfg.Sink.Kind {
	case "file":
		fs, err := recorder.NewFileSink(cfg.Sink.Dir)
		if err != nil {
			return nil, exitError(foundry.ExitFileWriteError, "Cannot create record directory", err)
		}
		sink = fs
	case "s3":
		s3Cfg := recorder.S3Config{
			Bucket:         cfg.Sink.Bucket,
			Prefix:         cfg.Sink.Prefix,
			Region:         cfg.Sink.Region,
			Endpoint:       cfg.Sink.Endpoint,
			ForcePathStyle: cfg.Sink.ForcePathStyle || cfg.Sink.Endpoint != "",
		}
		s3Sink, err := recorder.NewS3Sink(ctx, s3Cfg)
		if err != nil {
			return nil, exitError(foundry.ExitExternalServiceUnavailable, "Cannot connect to S3 sink", err)
		}
		sink = s3Sink
	default:
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid sink.kind",
			fmt.Errorf("unsupported sink kind %q (expected file or s3)", cfg.Sink.Kind))
	}

	var rollups recorder.RollupStore
	if redisClient != nil {
		rollups = recorder.NewRedisRollupStore(redisClient)
	} else {
		rollups = recorder.NewMemoryRollupStore()
	}
	return recorder.New(sink, rollups, recorder.WithLogger(logger)), nil
}

// signalHealthChecker reports that signal handling is wired.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

// configHealthChecker fails when no configuration has been loaded.
type configHealthChecker struct{}

func (configHealthChecker) CheckHealth(context.Context) error {
	if config.GetConfig() == nil {
		return fmt.Errorf("configuration not loaded")
	}
	return nil
}

// redisHealthChecker pings the job store connection.
type redisHealthChecker struct {
	client goredis.UniversalClient
}

func (c redisHealthChecker) CheckHealth(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("redis client not initialized")
	}
	return c.client.Ping(ctx).Err()
}
