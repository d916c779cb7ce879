// Command worker drains the Redis job queue: blob cleanup for deleted
// packages and droplets, and any ingest work routed through the generic
// queue. It exposes its own health and metrics endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"cargoport/internal/blobstore"
	"cargoport/internal/jobs"
	"cargoport/internal/observability/logging"
	"cargoport/internal/observability/metrics"
	"cargoport/internal/serverutil"
	"cargoport/internal/storage"
)

func main() {
	metricsAddr := flag.String("metrics-addr", "", "listen address for health and metrics endpoints")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	blobDriver := flag.String("blobstore-driver", "", "blobstore driver (filesystem or s3)")
	blobRoot := flag.String("blobstore-root", "", "root directory for the filesystem blobstore")
	s3Endpoint := flag.String("s3-endpoint", "", "S3 endpoint for the blobstore")
	s3Bucket := flag.String("s3-bucket", "", "S3 bucket name for the blobstore")
	s3Region := flag.String("s3-region", "", "S3 region for the blobstore")
	s3AccessKey := flag.String("s3-access-key", "", "S3 access key for the blobstore")
	s3SecretKey := flag.String("s3-secret-key", "", "S3 secret key for the blobstore")
	s3UseSSL := flag.Bool("s3-use-ssl", false, "enable TLS for blobstore requests")
	s3Timeout := flag.Duration("s3-timeout", 0, "per-request timeout for blobstore operations")
	redisAddr := flag.String("queue-redis-addr", "", "Redis address for the job queue")
	redisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the job queue")
	redisUsername := flag.String("queue-redis-username", "", "Redis username for the job queue")
	redisPassword := flag.String("queue-redis-password", "", "Redis password for the job queue")
	redisStream := flag.String("queue-redis-stream", "", "Redis stream key for queued jobs")
	redisGroup := flag.String("queue-redis-group", "", "Redis consumer group for queued jobs")
	redisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the job queue")
	redisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the job queue")
	redisBlockTimeout := flag.Duration("queue-redis-block-timeout", 0, "how long a read blocks waiting for new jobs")
	redisTLSCA := flag.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate for the job queue")
	redisTLSCert := flag.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate for the job queue")
	redisTLSKey := flag.String("queue-redis-tls-key", "", "path to Redis TLS client key for the job queue")
	redisTLSServerName := flag.String("queue-redis-tls-server-name", "", "override Redis TLS server name for the job queue")
	redisTLSSkipVerify := flag.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification for the job queue")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CARGOPORT_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("CARGOPORT_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	resolvedDSN := strings.TrimSpace(firstNonEmpty(*postgresDSN, os.Getenv("CARGOPORT_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
	driver := strings.ToLower(strings.TrimSpace(firstNonEmpty(*storageDriver, os.Getenv("CARGOPORT_STORAGE_DRIVER"))))
	if driver == "" {
		if resolvedDSN != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}

	var store storage.Repository
	var err error
	switch driver {
	case "postgres":
		if resolvedDSN == "" {
			logger.Error("postgres storage selected without DSN", "hint", "set --postgres-dsn, CARGOPORT_POSTGRES_DSN, or DATABASE_URL")
			os.Exit(1)
		}
		store, err = storage.NewPostgresRepository(resolvedDSN,
			storage.WithPostgresApplicationName(firstNonEmpty(*postgresAppName, os.Getenv("CARGOPORT_POSTGRES_APP_NAME"), "cargoport-worker")))
	case "json":
		store, err = storage.NewJSONRepository(firstNonEmpty(*dataPath, os.Getenv("CARGOPORT_DATA_PATH"), "data/store.json"))
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "driver", driver, "error", err)
		os.Exit(1)
	}

	blobs, err := openBlobstore(
		firstNonEmpty(*blobDriver, os.Getenv("CARGOPORT_BLOBSTORE_DRIVER")),
		firstNonEmpty(*blobRoot, os.Getenv("CARGOPORT_BLOBSTORE_ROOT")),
		blobstore.S3Config{
			Endpoint:       firstNonEmpty(*s3Endpoint, os.Getenv("CARGOPORT_S3_ENDPOINT")),
			Bucket:         firstNonEmpty(*s3Bucket, os.Getenv("CARGOPORT_S3_BUCKET")),
			Region:         firstNonEmpty(*s3Region, os.Getenv("CARGOPORT_S3_REGION")),
			AccessKey:      firstNonEmpty(*s3AccessKey, os.Getenv("CARGOPORT_S3_ACCESS_KEY")),
			SecretKey:      firstNonEmpty(*s3SecretKey, os.Getenv("CARGOPORT_S3_SECRET_KEY")),
			UseSSL:         resolveBool(*s3UseSSL, "CARGOPORT_S3_USE_SSL"),
			RequestTimeout: resolveDuration(*s3Timeout, "CARGOPORT_S3_TIMEOUT"),
		})
	if err != nil {
		logger.Error("failed to configure blobstore", "error", err)
		os.Exit(1)
	}

	queue, err := jobs.NewRedisQueue(jobs.RedisQueueConfig{
		Addr:         firstNonEmpty(*redisAddr, os.Getenv("CARGOPORT_QUEUE_REDIS_ADDR")),
		Addrs:        splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("CARGOPORT_QUEUE_REDIS_ADDRS"))),
		Username:     firstNonEmpty(*redisUsername, os.Getenv("CARGOPORT_QUEUE_REDIS_USERNAME")),
		Password:     firstNonEmpty(*redisPassword, os.Getenv("CARGOPORT_QUEUE_REDIS_PASSWORD")),
		Stream:       firstNonEmpty(*redisStream, os.Getenv("CARGOPORT_QUEUE_REDIS_STREAM")),
		Group:        firstNonEmpty(*redisGroup, os.Getenv("CARGOPORT_QUEUE_REDIS_GROUP")),
		MasterName:   firstNonEmpty(*redisMasterName, os.Getenv("CARGOPORT_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:     resolveInt(*redisPoolSize, "CARGOPORT_QUEUE_REDIS_POOL_SIZE"),
		BlockTimeout: resolveDuration(*redisBlockTimeout, "CARGOPORT_QUEUE_REDIS_BLOCK_TIMEOUT"),
		Logger:       logging.WithComponent(logger, "job-queue"),
		TLS: jobs.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("CARGOPORT_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("CARGOPORT_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("CARGOPORT_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("CARGOPORT_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "CARGOPORT_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
	})
	if err != nil {
		logger.Error("failed to connect job queue", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	executor := &jobs.Executor{
		Store:   store,
		Blobs:   blobs,
		Logger:  logging.WithComponent(logger, "jobs"),
		Metrics: recorder,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bind := firstNonEmpty(*metricsAddr, os.Getenv("CARGOPORT_WORKER_METRICS_ADDR"), ":9090")
	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			http.Error(w, "datastore unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	sidecar := &http.Server{
		Addr:              bind,
		Handler:           logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sidecarErrs := make(chan error, 1)
	go func() {
		logger.Info("worker metrics listening", "addr", bind)
		sidecarErrs <- serverutil.Run(ctx, serverutil.Config{Server: sidecar, ShutdownTimeout: 10 * time.Second})
	}()

	logger.Info("worker consuming jobs", "stream", firstNonEmpty(*redisStream, os.Getenv("CARGOPORT_QUEUE_REDIS_STREAM"), "cargoport:jobs"))
	consumeErr := queue.Consume(ctx, executor.Execute)
	if consumeErr != nil && !errors.Is(consumeErr, context.Canceled) {
		logger.Error("job consumption stopped", "error", consumeErr)
	}
	stop()

	if err := <-sidecarErrs; err != nil {
		logger.Warn("metrics server error", "error", err)
	}
	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := closer.Close(closeCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}
	logger.Info("worker stopped")
}

func openBlobstore(driver, root string, cfg blobstore.S3Config) (blobstore.Store, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		if cfg.Endpoint != "" || cfg.Bucket != "" {
			driver = "s3"
		} else {
			driver = "filesystem"
		}
	}
	switch driver {
	case "s3":
		return blobstore.NewS3Store(cfg)
	case "filesystem":
		if root == "" {
			root = "data/blobs"
		}
		return blobstore.NewFilesystemStore(root)
	default:
		return nil, fmt.Errorf("unsupported blobstore driver %q", driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
