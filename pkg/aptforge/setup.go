package aptforge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/attribute"

	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"

	"github.com/aptforge/aptforge/pkg/database"
	"github.com/aptforge/aptforge/pkg/lock"
	lockfile "github.com/aptforge/aptforge/pkg/lock/file"
	locklocal "github.com/aptforge/aptforge/pkg/lock/local"
	lockredis "github.com/aptforge/aptforge/pkg/lock/redis"
	"github.com/aptforge/aptforge/pkg/metacache"
	cachememory "github.com/aptforge/aptforge/pkg/metacache/memory"
	cacheredis "github.com/aptforge/aptforge/pkg/metacache/redis"
	"github.com/aptforge/aptforge/pkg/otel"
	"github.com/aptforge/aptforge/pkg/repo"
	"github.com/aptforge/aptforge/pkg/signing"
	"github.com/aptforge/aptforge/pkg/storage"
	storagelocal "github.com/aptforge/aptforge/pkg/storage/local"
	storages3 "github.com/aptforge/aptforge/pkg/storage/s3"
)

var (
	// ErrStorageConfigRequired is returned if neither local nor S3 storage is configured.
	ErrStorageConfigRequired = errors.New("either --repo-storage-local or --repo-storage-s3-bucket is required")

	// ErrStorageConflict is returned if both local and S3 storage are configured.
	ErrStorageConflict = errors.New("cannot use both --repo-storage-local and --repo-storage-s3-bucket")

	ErrS3ConfigIncomplete = errors.New(
		"S3 requires --repo-storage-s3-endpoint, --repo-storage-s3-access-key-id, and --repo-storage-s3-secret-access-key",
	)

	// ErrRedisAddrRequired is returned when a Redis backend is selected but no address is provided.
	ErrRedisAddrRequired = errors.New("--repo-redis-addr is required for the redis backend")

	// ErrLockDirRequired is returned when the file lock backend is selected without a directory.
	ErrLockDirRequired = errors.New("--repo-lock-dir is required when --repo-lock-backend=file")

	// ErrUnknownLockBackend is returned when an unknown lock backend is specified.
	ErrUnknownLockBackend = errors.New("unknown lock backend")

	// ErrUnknownCacheBackend is returned when an unknown metadata cache backend is specified.
	ErrUnknownCacheBackend = errors.New("unknown metadata cache backend")
)

const (
	lockBackendLocal = "local"
	lockBackendFile  = "file"
	lockBackendRedis = "redis"

	cacheBackendMemory = "memory"
	cacheBackendRedis  = "redis"
)

// environment bundles the collaborators every repository command needs.
type environment struct {
	db    *database.DB
	repo  *repo.Repository
	actor repo.Actor
}

// databaseFlags returns the flags needed to reach the database alone,
// used by commands that do not build the full engine.
func databaseFlags(flagSources flagSourcesFn) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "repo-database-url",
			Usage:    "The URL of the database",
			Sources:  flagSources("repo.database-url", "REPO_DATABASE_URL"),
			Required: true,
		},
		&cli.IntFlag{
			Name:    "repo-database-pool-max-open-conns",
			Usage:   "Maximum number of open connections to the database (0 = use database-specific defaults)",
			Sources: flagSources("repo.database.pool.max-open-conns", "REPO_DATABASE_POOL_MAX_OPEN_CONNS"),
		},
		&cli.IntFlag{
			Name:    "repo-database-pool-max-idle-conns",
			Usage:   "Maximum number of idle connections in the pool (0 = use database-specific defaults)",
			Sources: flagSources("repo.database.pool.max-idle-conns", "REPO_DATABASE_POOL_MAX_IDLE_CONNS"),
		},
	}
}

// repoFlags returns the flags shared by all commands that operate on a
// repository.
func repoFlags(flagSources flagSourcesFn) []cli.Flag {
	return append(databaseFlags(flagSources),
		&cli.StringFlag{
			Name:    "repo-storage-local",
			Usage:   "The local data path used for package storage (use this OR S3 storage)",
			Sources: flagSources("repo.storage.local", "REPO_STORAGE_LOCAL"),
		},
		&cli.StringFlag{
			Name:    "repo-storage-s3-bucket",
			Usage:   "S3 bucket name for storage (use this OR --repo-storage-local for local storage)",
			Sources: flagSources("repo.storage.s3.bucket", "REPO_STORAGE_S3_BUCKET"),
		},
		&cli.StringFlag{
			Name:    "repo-storage-s3-endpoint",
			Usage:   "S3-compatible endpoint URL with scheme (e.g., https://s3.amazonaws.com or http://minio.example.com:9000)",
			Sources: flagSources("repo.storage.s3.endpoint", "REPO_STORAGE_S3_ENDPOINT"),
		},
		&cli.StringFlag{
			Name:    "repo-storage-s3-region",
			Usage:   "S3 region (optional)",
			Sources: flagSources("repo.storage.s3.region", "REPO_STORAGE_S3_REGION"),
		},
		&cli.StringFlag{
			Name:    "repo-storage-s3-access-key-id",
			Usage:   "S3 access key ID",
			Sources: flagSources("repo.storage.s3.access-key-id", "REPO_STORAGE_S3_ACCESS_KEY_ID"),
		},
		&cli.StringFlag{
			Name:    "repo-storage-s3-secret-access-key",
			Usage:   "S3 secret access key",
			Sources: flagSources("repo.storage.s3.secret-access-key", "REPO_STORAGE_S3_SECRET_ACCESS_KEY"),
		},
		&cli.BoolFlag{
			Name:    "repo-storage-s3-force-path-style",
			Usage:   "Force path-style S3 addressing (bucket/key vs key.bucket) - required for MinIO, optional for AWS S3",
			Sources: flagSources("repo.storage.s3.force-path-style", "REPO_STORAGE_S3_FORCE_PATH_STYLE"),
		},
		&cli.StringFlag{
			Name:     "repo-signing-key-path",
			Usage:    "The path to the armored GPG private key used for signing Release files",
			Sources:  flagSources("repo.signing-key-path", "REPO_SIGNING_KEY_PATH"),
			Required: true,
		},
		&cli.StringFlag{
			Name:    "repo-cache-backend",
			Usage:   "Metadata cache backend to use: 'memory' (single instance) or 'redis' (shared)",
			Sources: flagSources("repo.cache.backend", "REPO_CACHE_BACKEND"),
			Value:   cacheBackendMemory,
		},
		&cli.StringFlag{
			Name:    "repo-cache-redis-key-prefix",
			Usage:   "Prefix for all Redis metadata cache keys (only used when Redis is configured)",
			Sources: flagSources("repo.cache.redis.key-prefix", "REPO_CACHE_REDIS_KEY_PREFIX"),
			Value:   "aptforge:meta:",
		},
		&cli.StringFlag{
			Name: "repo-lock-backend",
			Usage: "Lock backend to use: 'local' (single process), 'file' (multiple processes, one host), " +
				"or 'redis' (distributed)",
			Sources: flagSources("repo.lock.backend", "REPO_LOCK_BACKEND"),
			Value:   lockBackendLocal,
		},
		&cli.StringFlag{
			Name:    "repo-lock-dir",
			Usage:   "Directory holding the lock files (only used when the file backend is configured)",
			Sources: flagSources("repo.lock.dir", "REPO_LOCK_DIR"),
		},
		&cli.StringFlag{
			Name:    "repo-lock-redis-key-prefix",
			Usage:   "Prefix for all Redis lock keys (only used when Redis is configured)",
			Sources: flagSources("repo.lock.redis.key-prefix", "REPO_LOCK_REDIS_KEY_PREFIX"),
			Value:   "aptforge:lock:",
		},
		&cli.DurationFlag{
			Name:    "repo-lock-ttl",
			Usage:   "TTL for the per-distribution metadata lock",
			Sources: flagSources("repo.lock.ttl", "REPO_LOCK_TTL"),
			Value:   5 * time.Minute,
		},
		&cli.IntFlag{
			Name:    "repo-lock-retry-max-attempts",
			Usage:   "Maximum number of retry attempts for distributed locks",
			Sources: flagSources("repo.lock.retry.max-attempts", "REPO_LOCK_RETRY_MAX_ATTEMPTS"),
			Value:   3,
		},
		&cli.DurationFlag{
			Name:    "repo-lock-retry-initial-delay",
			Usage:   "Initial retry delay for distributed locks",
			Sources: flagSources("repo.lock.retry.initial-delay", "REPO_LOCK_RETRY_INITIAL_DELAY"),
			Value:   100 * time.Millisecond,
		},
		&cli.DurationFlag{
			Name:    "repo-lock-retry-max-delay",
			Usage:   "Maximum retry delay for distributed locks (exponential backoff caps at this)",
			Sources: flagSources("repo.lock.retry.max-delay", "REPO_LOCK_RETRY_MAX_DELAY"),
			Value:   2 * time.Second,
		},
		&cli.BoolFlag{
			Name:    "repo-lock-retry-jitter",
			Usage:   "Enable jitter in retry delays to prevent thundering herd",
			Sources: flagSources("repo.lock.retry.jitter", "REPO_LOCK_RETRY_JITTER"),
			Value:   true,
		},
		&cli.StringFlag{
			Name:    "repo-redis-addr",
			Usage:   "Redis server address (e.g., localhost:6379) used by the redis cache and lock backends",
			Sources: flagSources("repo.redis.addr", "REPO_REDIS_ADDR"),
		},
		&cli.StringFlag{
			Name:    "repo-redis-username",
			Usage:   "Redis username for authentication (for Redis ACL)",
			Sources: flagSources("repo.redis.username", "REPO_REDIS_USERNAME"),
		},
		&cli.StringFlag{
			Name:    "repo-redis-password",
			Usage:   "Redis password for authentication",
			Sources: flagSources("repo.redis.password", "REPO_REDIS_PASSWORD"),
		},
		&cli.IntFlag{
			Name:    "repo-redis-db",
			Usage:   "Redis database number (0-15)",
			Sources: flagSources("repo.redis.db", "REPO_REDIS_DB"),
			Value:   0,
		},
		&cli.StringFlag{
			Name:    "actor",
			Usage:   "The name recorded on audit actions; omit to act as the system",
			Sources: flagSources("repo.actor", "REPO_ACTOR"),
		},
		&cli.StringSliceFlag{
			Name:    "actor-group",
			Usage:   "A group the actor belongs to; may be repeated",
			Sources: flagSources("repo.actor-groups", "REPO_ACTOR_GROUPS"),
		},
	)
}

// newEnvironment builds the repository engine and its collaborators from
// the command flags, wiring telemetry and registering all shutdown
// functions along the way.
func newEnvironment(
	ctx context.Context,
	cmd *cli.Command,
	registerShutdown registerShutdownFn,
) (context.Context, *environment, error) {
	ctx, err := setupTelemetry(ctx, cmd, registerShutdown)
	if err != nil {
		return ctx, nil, err
	}

	db, err := openDatabase(cmd)
	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error opening the database")

		return ctx, nil, err
	}

	registerShutdown("database", func(context.Context) error { return db.Close() })

	store, err := getStore(ctx, cmd)
	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error creating the content store")

		return ctx, nil, err
	}

	cache, err := getMetadataCache(ctx, cmd, registerShutdown)
	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error creating the metadata cache")

		return ctx, nil, err
	}

	locker, err := getLocker(ctx, cmd, registerShutdown)
	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error creating the locker")

		return ctx, nil, err
	}

	signer, err := signing.NewFromFile(cmd.String("repo-signing-key-path"))
	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error loading the signing key")

		return ctx, nil, err
	}

	r, err := repo.New(
		db,
		store,
		cache,
		locker,
		signer,
		repo.WithLockTTL(cmd.Duration("repo-lock-ttl")),
	)
	if err != nil {
		return ctx, nil, fmt.Errorf("error creating the repository engine: %w", err)
	}

	return ctx, &environment{
		db:    db,
		repo:  r,
		actor: getActor(cmd),
	}, nil
}

func setupTelemetry(ctx context.Context, cmd *cli.Command, registerShutdown registerShutdownFn) (context.Context, error) {
	extraResourceAttrs, err := detectExtraResourceAttrs(cmd)
	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error detecting extra resource attributes")

		return ctx, err
	}

	otelResource, err := otel.NewResource(
		ctx,
		cmd.Root().Name,
		Version,
		semconv.SchemaURL,
		extraResourceAttrs...,
	)
	if err != nil {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("error creating a new otel resource")

		return ctx, err
	}

	otelShutdown, err := otel.SetupOTelSDK(
		ctx,
		cmd.Root().Bool("otel-enabled"),
		cmd.Root().String("otel-grpc-url"),
		otelResource,
	)
	if err != nil {
		return ctx, err
	}

	registerShutdown("open telemetry", otelShutdown)

	return ctx, nil
}

func detectExtraResourceAttrs(cmd *cli.Command) ([]attribute.KeyValue, error) {
	var attrs []attribute.KeyValue

	dbURL := cmd.String("repo-database-url")

	dbType, err := database.DetectFromDatabaseURL(dbURL)
	if err != nil {
		return nil, fmt.Errorf("error detecting the database type: %w", err)
	}

	attrs = append(attrs,
		attribute.String("aptforge.db_type", dbType.String()),
		attribute.String("aptforge.lock_type", cmd.String("repo-lock-backend")),
		semconv.ServiceInstanceID(uuid.New().String()),
	)

	return attrs, nil
}

func openDatabase(cmd *cli.Command) (*database.DB, error) {
	dbURL := cmd.String("repo-database-url")

	// Build pool configuration from flags
	var poolCfg *database.PoolConfig

	maxOpen := cmd.Int("repo-database-pool-max-open-conns")

	maxIdle := cmd.Int("repo-database-pool-max-idle-conns")
	if maxOpen > 0 || maxIdle > 0 {
		poolCfg = &database.PoolConfig{
			MaxOpenConns: maxOpen,
			MaxIdleConns: maxIdle,
		}
	}

	db, err := database.Open(dbURL, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("error opening the database %q: %w", dbURL, err)
	}

	return db, nil
}

func getStore(ctx context.Context, cmd *cli.Command) (storage.Store, error) {
	localDataPath := cmd.String("repo-storage-local")
	s3Bucket := cmd.String("repo-storage-s3-bucket")

	if localDataPath != "" && s3Bucket != "" {
		return nil, ErrStorageConflict
	}

	if localDataPath == "" && s3Bucket == "" {
		return nil, ErrStorageConfigRequired
	}

	if localDataPath != "" {
		localStore, err := storagelocal.New(ctx, localDataPath)
		if err != nil {
			return nil, fmt.Errorf("error creating a new local store at %q: %w", localDataPath, err)
		}

		zerolog.Ctx(ctx).Info().Str("path", localDataPath).Msg("using local storage")

		return localStore, nil
	}

	s3Cfg := storages3.Config{
		Bucket:          s3Bucket,
		Region:          cmd.String("repo-storage-s3-region"),
		Endpoint:        cmd.String("repo-storage-s3-endpoint"),
		AccessKeyID:     cmd.String("repo-storage-s3-access-key-id"),
		SecretAccessKey: cmd.String("repo-storage-s3-secret-access-key"),
		ForcePathStyle:  cmd.Bool("repo-storage-s3-force-path-style"),
	}

	if s3Cfg.Endpoint == "" || s3Cfg.AccessKeyID == "" || s3Cfg.SecretAccessKey == "" {
		return nil, ErrS3ConfigIncomplete
	}

	ctx = zerolog.Ctx(ctx).
		With().
		Str("bucket", s3Cfg.Bucket).
		Str("endpoint", s3Cfg.Endpoint).
		Bool("force_path_style", s3Cfg.ForcePathStyle).
		Logger().
		WithContext(ctx)

	s3Store, err := storages3.New(ctx, s3Cfg)
	if err != nil {
		return nil, fmt.Errorf("error creating a new S3 store: %w", err)
	}

	zerolog.Ctx(ctx).Info().Msg("using S3 storage")

	return s3Store, nil
}

func getMetadataCache(
	ctx context.Context,
	cmd *cli.Command,
	registerShutdown registerShutdownFn,
) (metacache.Cache, error) {
	switch backend := cmd.String("repo-cache-backend"); backend {
	case cacheBackendMemory:
		return cachememory.New(), nil

	case cacheBackendRedis:
		addr := cmd.String("repo-redis-addr")
		if addr == "" {
			return nil, ErrRedisAddrRequired
		}

		c, err := cacheredis.New(ctx, cacheredis.Config{
			Addr:      addr,
			Username:  cmd.String("repo-redis-username"),
			Password:  cmd.String("repo-redis-password"),
			DB:        cmd.Int("repo-redis-db"),
			KeyPrefix: cmd.String("repo-cache-redis-key-prefix"),
		})
		if err != nil {
			return nil, fmt.Errorf("error creating the Redis metadata cache: %w", err)
		}

		registerShutdown("redis metadata cache", func(context.Context) error { return c.Close() })

		zerolog.Ctx(ctx).Info().Str("addr", addr).Msg("shared metadata cache enabled with Redis")

		return c, nil

	default:
		return nil, fmt.Errorf("%w: %s (must be 'memory' or 'redis')", ErrUnknownCacheBackend, backend)
	}
}

func getLocker(
	ctx context.Context,
	cmd *cli.Command,
	registerShutdown registerShutdownFn,
) (lock.Locker, error) {
	retryCfg := lock.RetryConfig{
		MaxAttempts:  cmd.Int("repo-lock-retry-max-attempts"),
		InitialDelay: cmd.Duration("repo-lock-retry-initial-delay"),
		MaxDelay:     cmd.Duration("repo-lock-retry-max-delay"),
		Jitter:       cmd.Bool("repo-lock-retry-jitter"),
	}

	switch backend := cmd.String("repo-lock-backend"); backend {
	case lockBackendLocal:
		zerolog.Ctx(ctx).
			Info().
			Msg("using local locks (single-process mode)")

		return locklocal.NewLocker(), nil

	case lockBackendFile:
		dir := cmd.String("repo-lock-dir")
		if dir == "" {
			return nil, ErrLockDirRequired
		}

		locker, err := lockfile.NewLocker(dir, retryCfg)
		if err != nil {
			return nil, fmt.Errorf("error creating the file locker: %w", err)
		}

		zerolog.Ctx(ctx).Info().Str("dir", dir).Msg("file locking enabled")

		return locker, nil

	case lockBackendRedis:
		addr := cmd.String("repo-redis-addr")
		if addr == "" {
			return nil, ErrRedisAddrRequired
		}

		locker, err := lockredis.NewLocker(ctx, lockredis.Config{
			Addr:      addr,
			Username:  cmd.String("repo-redis-username"),
			Password:  cmd.String("repo-redis-password"),
			DB:        cmd.Int("repo-redis-db"),
			KeyPrefix: cmd.String("repo-lock-redis-key-prefix"),
		}, retryCfg)
		if err != nil {
			return nil, fmt.Errorf("error creating Redis locker: %w", err)
		}

		registerShutdown("redis locker", func(context.Context) error { return locker.Close() })

		zerolog.Ctx(ctx).Info().Str("addr", addr).Msg("distributed locking enabled with Redis")

		return locker, nil

	default:
		return nil, fmt.Errorf("%w: %s (must be 'local', 'file', or 'redis')", ErrUnknownLockBackend, backend)
	}
}

func getActor(cmd *cli.Command) repo.Actor {
	name := cmd.String("actor")
	if name == "" {
		return repo.SystemActor
	}

	return repo.Actor{
		Name:   name,
		Groups: cmd.StringSlice("actor-group"),
	}
}
