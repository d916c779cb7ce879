// Command server starts the Cargoport control-plane HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"cargoport/internal/api"
	"cargoport/internal/auth"
	"cargoport/internal/blobstore"
	"cargoport/internal/droplets"
	"cargoport/internal/jobs"
	"cargoport/internal/observability/logging"
	"cargoport/internal/observability/metrics"
	"cargoport/internal/packages"
	"cargoport/internal/queries"
	"cargoport/internal/server"
	"cargoport/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	tokenSecret := flag.String("token-secret", "", "shared secret used to mint and verify bearer tokens")
	tokenTTL := flag.Duration("token-ttl", 0, "lifetime of minted bearer tokens")
	bulkUser := flag.String("bulk-api-user", "", "basic-auth user for the bulk API")
	bulkSecret := flag.String("bulk-api-secret", "", "basic-auth secret for the bulk API")
	bitsDir := flag.String("bits-dir", "", "directory where package uploads are staged before ingest")
	blobDriver := flag.String("blobstore-driver", "", "blobstore driver (filesystem or s3)")
	blobRoot := flag.String("blobstore-root", "", "root directory for the filesystem blobstore")
	s3Endpoint := flag.String("s3-endpoint", "", "S3 endpoint for the blobstore (e.g. http://127.0.0.1:9000)")
	s3Bucket := flag.String("s3-bucket", "", "S3 bucket name for the blobstore")
	s3Region := flag.String("s3-region", "", "S3 region for the blobstore")
	s3AccessKey := flag.String("s3-access-key", "", "S3 access key for the blobstore")
	s3SecretKey := flag.String("s3-secret-key", "", "S3 secret key for the blobstore")
	s3UseSSL := flag.Bool("s3-use-ssl", false, "enable TLS for blobstore requests")
	s3Timeout := flag.Duration("s3-timeout", 0, "per-request timeout for blobstore operations")
	jobWorkers := flag.Int("job-workers", 0, "number of in-process workers for upload ingest jobs")
	queueDriver := flag.String("queue-driver", "", "deferred job queue driver (memory or redis)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the job queue")
	queueRedisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the job queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the job queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the job queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for queued jobs")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for queued jobs")
	queueRedisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the job queue")
	queueRedisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the job queue")
	queueRedisTLSCA := flag.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate for the job queue")
	queueRedisTLSCert := flag.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate for the job queue")
	queueRedisTLSKey := flag.String("queue-redis-tls-key", "", "path to Redis TLS client key for the job queue")
	queueRedisTLSServerName := flag.String("queue-redis-tls-server-name", "", "override Redis TLS server name for the job queue")
	queueRedisTLSSkipVerify := flag.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification for the job queue")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	uploadLimit := flag.Int("rate-upload-limit", 0, "maximum package uploads per window for a single IP")
	uploadWindow := flag.Duration("rate-upload-window", 0, "window for counting package uploads")
	trustForwarded := flag.Bool("rate-trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	trustedProxies := flag.String("rate-trusted-proxies", "", "comma separated CIDR blocks or IPs of trusted proxies")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed upload throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed upload throttling")
	rateRedisDB := flag.Int("rate-redis-db", 0, "Redis database index for distributed upload throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate-limit operations")
	corsOrigins := flag.String("cors-allowed-origins", "", "comma separated origins allowed to call the API from a browser")
	contentSecurityPolicy := flag.String("content-security-policy", "", "override the Content-Security-Policy response header")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CARGOPORT_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("CARGOPORT_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("CARGOPORT_ADDR"), ":8080")
	tlsCertPath := firstNonEmpty(*tlsCert, os.Getenv("CARGOPORT_TLS_CERT"))
	tlsKeyPath := firstNonEmpty(*tlsKey, os.Getenv("CARGOPORT_TLS_KEY"))

	resolvedDSN := strings.TrimSpace(firstNonEmpty(*postgresDSN, os.Getenv("CARGOPORT_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
	driver := resolveStorageDriver(*storageDriver, os.Getenv("CARGOPORT_STORAGE_DRIVER"), resolvedDSN)

	var store storage.Repository
	var err error
	switch driver {
	case "postgres":
		if resolvedDSN == "" {
			logger.Error("postgres storage selected without DSN", "hint", "set --postgres-dsn, CARGOPORT_POSTGRES_DSN, or DATABASE_URL")
			os.Exit(1)
		}
		pgOptions := []storage.PostgresOption{
			storage.WithPostgresPoolLimits(int32(resolveInt(*postgresMaxConns, "CARGOPORT_POSTGRES_MAX_CONNS")), int32(resolveInt(*postgresMinConns, "CARGOPORT_POSTGRES_MIN_CONNS"))),
			storage.WithPostgresPoolDurations(
				resolveDuration(*postgresMaxConnLifetime, "CARGOPORT_POSTGRES_MAX_CONN_LIFETIME", 0),
				resolveDuration(*postgresMaxConnIdle, "CARGOPORT_POSTGRES_MAX_CONN_IDLE", 0),
				resolveDuration(*postgresHealthInterval, "CARGOPORT_POSTGRES_HEALTH_INTERVAL", 0),
			),
			storage.WithPostgresAcquireTimeout(resolveDuration(*postgresAcquireTimeout, "CARGOPORT_POSTGRES_ACQUIRE_TIMEOUT", 0)),
			storage.WithPostgresApplicationName(firstNonEmpty(*postgresAppName, os.Getenv("CARGOPORT_POSTGRES_APP_NAME"), "cargoport-server")),
		}
		store, err = storage.NewPostgresRepository(resolvedDSN, pgOptions...)
	case "json":
		store, err = storage.NewJSONRepository(resolveDataPath(*dataPath, os.Getenv("CARGOPORT_DATA_PATH")))
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "driver", driver, "error", err)
		os.Exit(1)
	}

	blobs, err := configureBlobstore(blobstoreSettings{
		Driver:    firstNonEmpty(*blobDriver, os.Getenv("CARGOPORT_BLOBSTORE_DRIVER")),
		Root:      firstNonEmpty(*blobRoot, os.Getenv("CARGOPORT_BLOBSTORE_ROOT")),
		Endpoint:  firstNonEmpty(*s3Endpoint, os.Getenv("CARGOPORT_S3_ENDPOINT")),
		Bucket:    firstNonEmpty(*s3Bucket, os.Getenv("CARGOPORT_S3_BUCKET")),
		Region:    firstNonEmpty(*s3Region, os.Getenv("CARGOPORT_S3_REGION")),
		AccessKey: firstNonEmpty(*s3AccessKey, os.Getenv("CARGOPORT_S3_ACCESS_KEY")),
		SecretKey: firstNonEmpty(*s3SecretKey, os.Getenv("CARGOPORT_S3_SECRET_KEY")),
		UseSSL:    resolveBool(*s3UseSSL, "CARGOPORT_S3_USE_SSL"),
		Timeout:   resolveDuration(*s3Timeout, "CARGOPORT_S3_TIMEOUT", 0),
	})
	if err != nil {
		logger.Error("failed to configure blobstore", "error", err)
		os.Exit(1)
	}

	executor := &jobs.Executor{
		Store:  store,
		Blobs:  blobs,
		Logger: logging.WithComponent(logger, "jobs"),
	}

	// Upload ingest runs in-process so staged bits never cross a network
	// boundary; only deferred blobstore deletes go through the generic queue.
	localQueue := jobs.NewMemoryQueue(64)
	runner := jobs.NewRunner(jobs.RunnerConfig{
		Queue:    localQueue,
		Executor: executor,
		Workers:  resolveInt(*jobWorkers, "CARGOPORT_JOB_WORKERS"),
		Logger:   logging.WithComponent(logger, "job-runner"),
	})
	runner.Start()

	genericQueue, genericClose, err := configureGenericQueue(
		firstNonEmpty(*queueDriver, os.Getenv("CARGOPORT_QUEUE_DRIVER")),
		jobs.RedisQueueConfig{
			Addr:       firstNonEmpty(*queueRedisAddr, os.Getenv("CARGOPORT_QUEUE_REDIS_ADDR")),
			Addrs:      splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("CARGOPORT_QUEUE_REDIS_ADDRS"))),
			Username:   firstNonEmpty(*queueRedisUsername, os.Getenv("CARGOPORT_QUEUE_REDIS_USERNAME")),
			Password:   firstNonEmpty(*queueRedisPassword, os.Getenv("CARGOPORT_QUEUE_REDIS_PASSWORD")),
			Stream:     firstNonEmpty(*queueRedisStream, os.Getenv("CARGOPORT_QUEUE_REDIS_STREAM")),
			Group:      firstNonEmpty(*queueRedisGroup, os.Getenv("CARGOPORT_QUEUE_REDIS_GROUP")),
			MasterName: firstNonEmpty(*queueRedisMasterName, os.Getenv("CARGOPORT_QUEUE_REDIS_SENTINEL_MASTER")),
			PoolSize:   resolveInt(*queueRedisPoolSize, "CARGOPORT_QUEUE_REDIS_POOL_SIZE"),
			TLS: jobs.RedisTLSConfig{
				CAFile:             firstNonEmpty(*queueRedisTLSCA, os.Getenv("CARGOPORT_QUEUE_REDIS_TLS_CA")),
				CertFile:           firstNonEmpty(*queueRedisTLSCert, os.Getenv("CARGOPORT_QUEUE_REDIS_TLS_CERT")),
				KeyFile:            firstNonEmpty(*queueRedisTLSKey, os.Getenv("CARGOPORT_QUEUE_REDIS_TLS_KEY")),
				ServerName:         firstNonEmpty(*queueRedisTLSServerName, os.Getenv("CARGOPORT_QUEUE_REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*queueRedisTLSSkipVerify, "CARGOPORT_QUEUE_REDIS_TLS_SKIP_VERIFY"),
			},
		},
		localQueue,
		logger,
	)
	if err != nil {
		logger.Error("failed to configure job queue", "error", err)
		os.Exit(1)
	}

	tokenCodec, err := auth.NewTokenCodec(
		firstNonEmpty(*tokenSecret, os.Getenv("CARGOPORT_TOKEN_SECRET")),
		resolveDuration(*tokenTTL, "CARGOPORT_TOKEN_TTL", 24*time.Hour),
	)
	if err != nil {
		logger.Error("failed to configure token codec", "error", err)
		os.Exit(1)
	}
	bulkCredential, err := auth.NewBulkCredential(
		firstNonEmpty(*bulkUser, os.Getenv("CARGOPORT_BULK_API_USER")),
		firstNonEmpty(*bulkSecret, os.Getenv("CARGOPORT_BULK_API_SECRET")),
	)
	if err != nil {
		logger.Error("failed to configure bulk API credential", "error", err)
		os.Exit(1)
	}

	stagingDir := firstNonEmpty(*bitsDir, os.Getenv("CARGOPORT_BITS_DIR"), "data/bits")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		logger.Error("failed to create bits staging directory", "path", stagingDir, "error", err)
		os.Exit(1)
	}

	policy := auth.Policy{}
	handler := &api.Handler{
		Store:    store,
		Packages: packages.NewHandler(store, policy, localQueue, genericQueue, logging.WithComponent(logger, "packages")),
		Droplets: droplets.NewDeleter(store, genericQueue, logging.WithComponent(logger, "droplets")),
		Apps:     queries.NewAppFetcher(store),
		Policy:   policy,
		Tokens:   tokenCodec,
		Bulk:     bulkCredential,
		BitsDir:  stagingDir,
		Logger:   logging.WithComponent(logger, "api"),
	}

	probeCtx, probeCancel := context.WithCancel(context.Background())
	defer probeCancel()
	probeStop := startHealthProbe(probeCtx, logging.WithComponent(logger, "health-probe"), store, recorder, 30*time.Second)
	defer probeStop()

	rateCfg := server.RateLimitConfig{
		GlobalRPS:             resolveFloat(*globalRPS, "CARGOPORT_RATE_GLOBAL_RPS"),
		GlobalBurst:           resolveInt(*globalBurst, "CARGOPORT_RATE_GLOBAL_BURST"),
		UploadLimit:           resolveInt(*uploadLimit, "CARGOPORT_RATE_UPLOAD_LIMIT"),
		UploadWindow:          resolveDuration(*uploadWindow, "CARGOPORT_RATE_UPLOAD_WINDOW", time.Minute),
		TrustForwardedHeaders: resolveBool(*trustForwarded, "CARGOPORT_RATE_TRUST_FORWARDED_HEADERS"),
		TrustedProxies:        splitAndTrim(firstNonEmpty(*trustedProxies, os.Getenv("CARGOPORT_RATE_TRUSTED_PROXIES"))),
		RedisAddr:             firstNonEmpty(*rateRedisAddr, os.Getenv("CARGOPORT_RATE_REDIS_ADDR")),
		RedisPassword:         firstNonEmpty(*rateRedisPassword, os.Getenv("CARGOPORT_RATE_REDIS_PASSWORD")),
		RedisDB:               resolveInt(*rateRedisDB, "CARGOPORT_RATE_REDIS_DB"),
		RedisTimeout:          resolveDuration(*rateRedisTimeout, "CARGOPORT_RATE_REDIS_TIMEOUT", 2*time.Second),
	}

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: tlsCertPath,
			KeyFile:  tlsKeyPath,
		},
		RateLimit: rateCfg,
		Security: server.SecurityConfig{
			ContentSecurityPolicy: firstNonEmpty(*contentSecurityPolicy, os.Getenv("CARGOPORT_CONTENT_SECURITY_POLICY")),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("CARGOPORT_CORS_ALLOWED_ORIGINS"))),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("Cargoport API listening", "addr", listenAddr, "storage_driver", driver)
		if tlsCertPath != "" && tlsKeyPath != "" {
			logger.Info("TLS enabled", "cert_file", tlsCertPath)
		}
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	probeCancel()
	probeStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := runner.Shutdown(ctx); err != nil {
		logger.Warn("failed to stop job runner", "error", err)
	}
	if genericClose != nil {
		if err := genericClose(); err != nil {
			logger.Warn("failed to close job queue", "error", err)
		}
	}
	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}

	logger.Info("server stopped")
}

type blobstoreSettings struct {
	Driver    string
	Root      string
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Timeout   time.Duration
}

func configureBlobstore(settings blobstoreSettings) (blobstore.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.Driver))
	if driver == "" {
		if settings.Endpoint != "" || settings.Bucket != "" {
			driver = "s3"
		} else {
			driver = "filesystem"
		}
	}
	switch driver {
	case "s3":
		return blobstore.NewS3Store(blobstore.S3Config{
			Endpoint:       settings.Endpoint,
			Bucket:         settings.Bucket,
			Region:         settings.Region,
			AccessKey:      settings.AccessKey,
			SecretKey:      settings.SecretKey,
			UseSSL:         settings.UseSSL,
			RequestTimeout: settings.Timeout,
		})
	case "filesystem":
		root := settings.Root
		if root == "" {
			root = "data/blobs"
		}
		return blobstore.NewFilesystemStore(root)
	default:
		return nil, fmt.Errorf("unsupported blobstore driver %q", driver)
	}
}

func configureGenericQueue(driver string, cfg jobs.RedisQueueConfig, fallback *jobs.MemoryQueue, logger *slog.Logger) (jobs.Enqueuer, func() error, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, nil, fmt.Errorf("redis addr is required for the job queue")
		}
		cfg.Logger = logging.WithComponent(logger, "job-queue")
		queue, err := jobs.NewRedisQueue(cfg)
		if err != nil {
			return nil, nil, err
		}
		return queue, queue.Close, nil
	case "", "memory":
		// Deferred jobs share the in-process pool when no broker is
		// configured, so single-node deployments need no Redis.
		return fallback, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported job queue driver %q", driver)
	}
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) string {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres"
	}
	return "json"
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
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

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
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

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
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
