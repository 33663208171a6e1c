// Package run contains the command to run a Recollect enrichment server.
package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/recollect/recollect/internal/build"
	"github.com/recollect/recollect/internal/coordinator"
	"github.com/recollect/recollect/internal/dispatch"
	"github.com/recollect/recollect/internal/idempotency"
	"github.com/recollect/recollect/pkg/logger"
	"github.com/recollect/recollect/pkg/server"
	serverconfig "github.com/recollect/recollect/pkg/server/config"
	"github.com/recollect/recollect/pkg/storage"
	"github.com/recollect/recollect/pkg/storage/memory"
	"github.com/recollect/recollect/pkg/storage/postgres"
	"github.com/recollect/recollect/pkg/storage/sqlcommon"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Recollect enrichment server",
		Long:  "Run the Recollect enrichment server: the worker result consumer, the workflow coordinator, and the recovery sweeps.",
		RunE:  run,
		Args:  cobra.NoArgs,
	}

	defaultConfig := serverconfig.DefaultConfig()
	flags := cmd.Flags()

	flags.String(environmentFlag, defaultConfig.Environment, "deployment environment name, used to scope idempotency keys")

	flags.String(datastoreEngineFlag, defaultConfig.Datastore.Engine, "the datastore engine that will be used for persistence ('memory' or 'postgres')")
	flags.String(datastoreURIFlag, defaultConfig.Datastore.URI, "the connection uri to use to connect to the datastore (for any engine other than 'memory')")
	flags.String(datastoreUsernameFlag, defaultConfig.Datastore.Username, "the connection username to connect to the datastore (overwrites any username provided in the connection uri)")
	flags.String(datastorePasswordFlag, defaultConfig.Datastore.Password, "the connection password to connect to the datastore (overwrites any password provided in the connection uri)")
	flags.Int(datastoreMaxOpenConnsFlag, defaultConfig.Datastore.MaxOpenConns, "the maximum number of open connections to the datastore")
	flags.Int(datastoreMaxIdleConnsFlag, defaultConfig.Datastore.MaxIdleConns, "the maximum number of connections to the datastore in the idle connection pool")
	flags.Duration(datastoreConnMaxIdleTimeFlag, defaultConfig.Datastore.ConnMaxIdleTime, "the maximum amount of time a connection to the datastore may be idle")
	flags.Duration(datastoreConnMaxLifetimeFlag, defaultConfig.Datastore.ConnMaxLifetime, "the maximum amount of time a connection to the datastore may be reused")
	flags.Bool(datastoreMetricsFlag, defaultConfig.Datastore.Metrics, "enable datastore connection pool metrics")

	flags.String(redisAddrFlag, defaultConfig.Redis.Addr, "the host:port address of the Redis instance backing the idempotency guard")
	flags.String(redisPasswordFlag, defaultConfig.Redis.Password, "the password of the Redis instance")
	flags.Int(redisDBFlag, defaultConfig.Redis.DB, "the Redis database number")
	flags.Duration(redisRecordTTLFlag, defaultConfig.Redis.RecordTTL, "how long a completed idempotent response stays replayable")
	flags.Duration(redisProcessingTimeoutFlag, defaultConfig.Redis.ProcessingTimeout, "how long an idempotency reservation may sit unfinished before a retry takes it over")

	flags.String(queueURLFlag, defaultConfig.Queue.URL, "the AMQP connection string of the task broker")
	flags.String(queueTaskPrefixFlag, defaultConfig.Queue.TaskQueuePrefix, "the prefix of the per-stage task queue names")
	flags.String(queueResultQueueFlag, defaultConfig.Queue.ResultQueue, "the queue worker results arrive on")

	flags.Int(enrichmentShardsFlag, defaultConfig.Enrichment.Shards, "the number of serial workflow advancement lanes")
	flags.Duration(enrichmentStaleTimeoutFlag, defaultConfig.Enrichment.StaleTimeout, "how long an active stage may run before its worker is considered lost")
	flags.Duration(enrichmentSweepIntervalFlag, defaultConfig.Enrichment.SweepInterval, "the period of the stale and ready sweeps")
	flags.Int(enrichmentSweepBatchSizeFlag, defaultConfig.Enrichment.SweepBatchSize, "the maximum number of shares one sweep pass touches")
	flags.String(enrichmentStalePolicyFlag, defaultConfig.Enrichment.StalePolicy, "what to do with stale shares: 'fail' or 'requeue'")

	flags.String(logFormatFlag, defaultConfig.Log.Format, "the log format to output logs in ('text' or 'json')")
	flags.String(logLevelFlag, defaultConfig.Log.Level, "the log level to set")

	flags.Bool(metricsEnabledFlag, defaultConfig.Metrics.Enabled, "enable/disable the prometheus metrics endpoint")
	flags.String(metricsAddrFlag, defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics endpoint on")

	cmd.PreRun = bindRunFlagsFunc(flags)

	return cmd
}

func run(cmd *cobra.Command, _ []string) error {
	cfg := readConfig()
	if err := cfg.Verify(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return RunServer(ctx, cfg)
}

func readConfig() *serverconfig.Config {
	cfg := serverconfig.DefaultConfig()

	cfg.Environment = viper.GetString(environmentFlag)

	cfg.Datastore.Engine = viper.GetString(datastoreEngineFlag)
	cfg.Datastore.URI = viper.GetString(datastoreURIFlag)
	cfg.Datastore.Username = viper.GetString(datastoreUsernameFlag)
	cfg.Datastore.Password = viper.GetString(datastorePasswordFlag)
	cfg.Datastore.MaxOpenConns = viper.GetInt(datastoreMaxOpenConnsFlag)
	cfg.Datastore.MaxIdleConns = viper.GetInt(datastoreMaxIdleConnsFlag)
	cfg.Datastore.ConnMaxIdleTime = viper.GetDuration(datastoreConnMaxIdleTimeFlag)
	cfg.Datastore.ConnMaxLifetime = viper.GetDuration(datastoreConnMaxLifetimeFlag)
	cfg.Datastore.Metrics = viper.GetBool(datastoreMetricsFlag)

	cfg.Redis.Addr = viper.GetString(redisAddrFlag)
	cfg.Redis.Password = viper.GetString(redisPasswordFlag)
	cfg.Redis.DB = viper.GetInt(redisDBFlag)
	cfg.Redis.RecordTTL = viper.GetDuration(redisRecordTTLFlag)
	cfg.Redis.ProcessingTimeout = viper.GetDuration(redisProcessingTimeoutFlag)

	cfg.Queue.URL = viper.GetString(queueURLFlag)
	cfg.Queue.TaskQueuePrefix = viper.GetString(queueTaskPrefixFlag)
	cfg.Queue.ResultQueue = viper.GetString(queueResultQueueFlag)

	cfg.Enrichment.Shards = viper.GetInt(enrichmentShardsFlag)
	cfg.Enrichment.StaleTimeout = viper.GetDuration(enrichmentStaleTimeoutFlag)
	cfg.Enrichment.SweepInterval = viper.GetDuration(enrichmentSweepIntervalFlag)
	cfg.Enrichment.SweepBatchSize = viper.GetInt(enrichmentSweepBatchSizeFlag)
	cfg.Enrichment.StalePolicy = viper.GetString(enrichmentStalePolicyFlag)

	cfg.Log.Format = viper.GetString(logFormatFlag)
	cfg.Log.Level = viper.GetString(logLevelFlag)

	cfg.Metrics.Enabled = viper.GetBool(metricsEnabledFlag)
	cfg.Metrics.Addr = viper.GetString(metricsAddrFlag)

	return cfg
}

// RunServer wires the datastore, the idempotency guard, the task broker, and
// the coordinator together and blocks until ctx is cancelled.
func RunServer(ctx context.Context, cfg *serverconfig.Config) error {
	log, err := logger.NewLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}

	log.Info("starting recollect server",
		zap.String("version", build.Version),
		zap.String("commit", build.Commit),
		zap.String("datastore_engine", cfg.Datastore.Engine),
	)

	ds, err := openDatastore(cfg, log)
	if err != nil {
		return err
	}
	defer ds.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	if err := backoff.Retry(func() error {
		return rdb.Ping(ctx).Err()
	}, policy); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	guard := idempotency.NewGuard(rdb,
		idempotency.WithEnvironment(cfg.Environment),
		idempotency.WithRecordTTL(cfg.Redis.RecordTTL),
		idempotency.WithProcessingTimeout(cfg.Redis.ProcessingTimeout),
		idempotency.WithLogger(log),
	)

	queue, err := dispatch.NewAMQPTaskQueue(dispatch.AMQPConfig{
		URL:             cfg.Queue.URL,
		TaskQueuePrefix: cfg.Queue.TaskQueuePrefix,
		ResultQueue:     cfg.Queue.ResultQueue,
		Logger:          log,
	})
	if err != nil {
		return fmt.Errorf("initialize task queue: %w", err)
	}
	defer queue.Close()

	srv := server.New(server.Dependencies{
		Datastore: ds,
		Guard:     guard,
		Queue:     queue,
		Logger:    log,
	}, coordinator.Config{
		Shards:         cfg.Enrichment.Shards,
		StaleTimeout:   cfg.Enrichment.StaleTimeout,
		SweepInterval:  cfg.Enrichment.SweepInterval,
		SweepBatchSize: cfg.Enrichment.SweepBatchSize,
		StalePolicy:    coordinator.StalePolicy(cfg.Enrichment.StalePolicy),
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(ctx)
	})

	g.Go(func() error {
		return queue.ConsumeResults(ctx, srv.HandleResult)
	})

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}

		g.Go(func() error {
			log.Info("metrics endpoint listening", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("recollect server shut down gracefully")
	return nil
}

func openDatastore(cfg *serverconfig.Config, log logger.Logger) (storage.RecollectDatastore, error) {
	switch cfg.Datastore.Engine {
	case "memory":
		return memory.New(), nil
	case "postgres":
		opts := []sqlcommon.DatastoreOption{
			sqlcommon.WithUsername(cfg.Datastore.Username),
			sqlcommon.WithPassword(cfg.Datastore.Password),
			sqlcommon.WithLogger(log),
			sqlcommon.WithMaxOpenConns(cfg.Datastore.MaxOpenConns),
			sqlcommon.WithMaxIdleConns(cfg.Datastore.MaxIdleConns),
			sqlcommon.WithConnMaxIdleTime(cfg.Datastore.ConnMaxIdleTime),
			sqlcommon.WithConnMaxLifetime(cfg.Datastore.ConnMaxLifetime),
		}
		if cfg.Datastore.Metrics {
			opts = append(opts, sqlcommon.WithMetrics())
		}
		ds, err := postgres.New(cfg.Datastore.URI, sqlcommon.NewConfig(opts...))
		if err != nil {
			return nil, fmt.Errorf("initialize postgres datastore: %w", err)
		}
		return ds, nil
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", cfg.Datastore.Engine)
	}
}
