package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/markocupic/filepond-server/internal/api"
	"github.com/markocupic/filepond-server/internal/chunk"
	"github.com/markocupic/filepond-server/internal/config"
	"github.com/markocupic/filepond-server/internal/logging"
	"github.com/markocupic/filepond-server/internal/queue"
	"github.com/markocupic/filepond-server/internal/registry"
	"github.com/markocupic/filepond-server/internal/s3storage"
	"github.com/markocupic/filepond-server/internal/templife"
	"github.com/markocupic/filepond-server/internal/transferkey"
	"github.com/markocupic/filepond-server/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A .env file is optional; environment variables win either way.
	_ = godotenv.Load()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "filepondd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "filepondd",
		Short:        "Resumable chunked file upload server",
		Long:         "filepondd ingests chunked and direct file uploads, buffers chunks on disk,\nreassembles and validates them, and manages transfer-key temp directories.",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newPurgeCmd(),
	)
	return cmd
}

// core bundles the dependencies shared by every subcommand.
type core struct {
	cfg    *config.Config
	logger *log.Logger
	temps  *templife.Manager
	chunks *chunk.Store
}

func buildCore() (*core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.Debug)
	temps, err := templife.NewManager(cfg.TempDir, logger)
	if err != nil {
		return nil, err
	}
	chunks, err := chunk.NewStore(cfg.TempDir, cfg.MaxChunksPerSession, logger)
	if err != nil {
		return nil, err
	}
	return &core{cfg: cfg, logger: logger, temps: temps, chunks: chunks}, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the upload HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := buildCore()
			if err != nil {
				return err
			}
			keys := transferkey.New(c.cfg.Secret)

			var reg *registry.Registry
			if c.cfg.DatabaseURL != "" {
				pool, err := registry.Connect(ctx, c.cfg.DatabaseURL)
				if err != nil {
					return fmt.Errorf("connect database: %w", err)
				}
				defer pool.Close()
				if err := registry.EnsureSchema(ctx, pool); err != nil {
					return err
				}
				reg = registry.New(pool)
			}

			var store *s3storage.Storage
			if c.cfg.S3Endpoint != "" {
				store, err = s3storage.New(c.cfg.S3Endpoint, c.cfg.S3AccessKey, c.cfg.S3SecretKey, c.cfg.S3Bucket, c.cfg.S3Region, c.cfg.S3UseSSL)
				if err != nil {
					return fmt.Errorf("init storage: %w", err)
				}
				if err := store.EnsureBucket(ctx); err != nil {
					return err
				}
			}

			var queueClient *asynq.Client
			if c.cfg.RedisAddr != "" {
				queueClient = asynq.NewClient(redisOpt(c.cfg))
				defer queueClient.Close()
			}

			srv := api.New(c.cfg, keys, c.chunks, c.temps, reg, store, queueClient, c.logger)
			return srv.Run(ctx)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the background worker and purge scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := buildCore()
			if err != nil {
				return err
			}
			if c.cfg.RedisAddr == "" {
				return fmt.Errorf("the worker requires FILEPOND_REDIS_ADDR")
			}

			var reg *registry.Registry
			if c.cfg.DatabaseURL != "" {
				pool, err := registry.Connect(ctx, c.cfg.DatabaseURL)
				if err != nil {
					return fmt.Errorf("connect database: %w", err)
				}
				defer pool.Close()
				if err := registry.EnsureSchema(ctx, pool); err != nil {
					return err
				}
				reg = registry.New(pool)
			}

			var store *s3storage.Storage
			if c.cfg.S3Endpoint != "" {
				store, err = s3storage.New(c.cfg.S3Endpoint, c.cfg.S3AccessKey, c.cfg.S3SecretKey, c.cfg.S3Bucket, c.cfg.S3Region, c.cfg.S3UseSSL)
				if err != nil {
					return fmt.Errorf("init storage: %w", err)
				}
				if err := store.EnsureBucket(ctx); err != nil {
					return err
				}
			}

			opt := redisOpt(c.cfg)
			server := asynq.NewServer(opt, asynq.Config{Concurrency: c.cfg.WorkerCount})
			processor := worker.NewProcessor(c.chunks, c.temps, reg, store, c.cfg.RetentionAge, c.logger)

			scheduler := asynq.NewScheduler(opt, nil)
			if _, err := scheduler.Register(c.cfg.PurgeCron, queue.NewPurgeTask()); err != nil {
				return fmt.Errorf("register purge schedule: %w", err)
			}
			go func() {
				if err := scheduler.Run(); err != nil {
					c.logger.Error("scheduler stopped", "err", err)
				}
			}()

			go func() {
				<-ctx.Done()
				scheduler.Shutdown()
				server.Shutdown()
			}()

			c.logger.Info("worker running", "concurrency", c.cfg.WorkerCount, "purgeCron", c.cfg.PurgeCron)
			return server.Run(processor.Handler())
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Remove orphaned temp directories older than the retention age",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := buildCore()
			if err != nil {
				return err
			}
			chunkDirs, err := c.chunks.CleanupOrphaned(c.cfg.RetentionAge)
			if err != nil {
				return err
			}
			tempDirs, err := c.temps.Purge(c.cfg.RetentionAge)
			if err != nil {
				return err
			}
			c.logger.Info("purge finished", "chunkSessions", chunkDirs, "tempEntries", tempDirs, "retention", c.cfg.RetentionAge)
			return nil
		},
	}
}

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}
