package orchestrator

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/audit"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/config"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/entropy"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/eventstore"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/intake"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/interfaces"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/keymanager"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/kms"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/kms/credentials"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/kms/credentials/symmetric"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/metrics"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/scheduler"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/store"
	"github.com/root-sector-ltd-and-co-kg/key-lifecycle-module/types"
)

// factoryOptions holds the collaborators NewFromConfig would otherwise build itself
type factoryOptions struct {
	logger      *zerolog.Logger
	registerer  prometheus.Registerer
	source      interfaces.EntropySource
	redisClient redis.Cmdable
	mongoDB     *mongo.Database
}

// FactoryOption overrides a collaborator built by NewFromConfig
type FactoryOption func(*factoryOptions)

// WithLogger replaces the logger built from the configuration
func WithLogger(l zerolog.Logger) FactoryOption {
	return func(o *factoryOptions) { o.logger = &l }
}

// WithRegisterer registers metrics on reg instead of the default registry
func WithRegisterer(reg prometheus.Registerer) FactoryOption {
	return func(o *factoryOptions) { o.registerer = reg }
}

// WithEntropySource replaces the crypto/rand source
func WithEntropySource(s interfaces.EntropySource) FactoryOption {
	return func(o *factoryOptions) { o.source = s }
}

// WithRedisClient uses an existing client for the event stream.
// The caller keeps ownership and closes it.
func WithRedisClient(c redis.Cmdable) FactoryOption {
	return func(o *factoryOptions) { o.redisClient = c }
}

// WithMongoDatabase uses an existing database for rotation history.
// The caller keeps ownership of the client.
func WithMongoDatabase(db *mongo.Database) FactoryOption {
	return func(o *factoryOptions) { o.mongoDB = db }
}

// NewFromConfig builds the complete stack described by cfg around oracle
func NewFromConfig(ctx context.Context, cfg *config.Config, oracle interfaces.RiskOracle, opts ...FactoryOption) (core *Core, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if oracle == nil {
		return nil, fmt.Errorf("risk oracle is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &factoryOptions{}
	for _, opt := range opts {
		opt(o)
	}

	logger := config.NewLogger(cfg)
	if o.logger != nil {
		logger = *o.logger
	}

	var closers []func(context.Context) error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				if cerr := closers[i](ctx); cerr != nil {
					logger.Warn().Err(cerr).Msg("Failed to release resource after setup error")
				}
			}
		}
	}()

	mt := metrics.New(o.registerer)
	auditLogger := audit.NewStdoutAuditLogger(logger)

	provider, err := createKMSProvider(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	rotationStore, closeStore, err := createRotationStore(ctx, cfg, o.mongoDB, logger)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		closers = append(closers, closeStore)
	}

	source := o.source
	if source == nil {
		source = entropy.NewSource()
	}

	kmOpts := []keymanager.Option{
		keymanager.WithKeySize(cfg.KeySize),
		keymanager.WithRotationTimeout(cfg.RotationTimeout),
		keymanager.WithHistoryLimit(cfg.HistoryLimit),
		keymanager.WithRotateAfter(cfg.RotateAfter),
		keymanager.WithStore(rotationStore),
		keymanager.WithAuditLogger(auditLogger),
		keymanager.WithMetrics(mt),
		keymanager.WithLogger(logger),
	}
	if provider != nil {
		kmOpts = append(kmOpts, keymanager.WithSealer(provider))
	}
	km, err := keymanager.New(ctx, source, kmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create key manager: %w", err)
	}

	sink, closeSink, err := createEventSink(ctx, cfg, oracle, o.redisClient, logger)
	if err != nil {
		return nil, err
	}
	if closeSink != nil {
		closers = append(closers, closeSink)
	}

	in, err := intake.New(sink, km,
		intake.WithThreshold(cfg.SeverityThreshold),
		intake.WithLogger(logger),
		intake.WithMetrics(mt),
		intake.WithAuditLogger(auditLogger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create intake: %w", err)
	}

	core, err = New(oracle, km, in)
	if err != nil {
		return nil, err
	}
	core.logger = logger.With().Str("component", "orchestrator").Logger()

	if cfg.RotateAfter > 0 {
		core.scheduler, err = scheduler.New(km, cfg.SchedulerInterval, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create scheduler: %w", err)
		}
	}
	core.closers = closers

	logger.Info().
		Str("kmsProvider", cfg.KMS.Provider).
		Bool("mongo", cfg.MongoURI != "" || o.mongoDB != nil).
		Bool("redis", cfg.RedisAddr != "" || o.redisClient != nil).
		Bool("scheduler", core.scheduler != nil).
		Float64("threshold", cfg.SeverityThreshold).
		Msg("Key lifecycle core created")
	return core, nil
}

// createKMSProvider builds the sealing provider, decrypting ENC[...] credentials first
func createKMSProvider(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (kms.Provider, error) {
	settings := cfg.KMSSettings()
	if settings == nil {
		return nil, nil
	}

	if settings.Credentials != nil {
		if cfg.CredentialsKey != "" {
			key, err := cfg.CredentialsKeyBytes()
			if err != nil {
				return nil, err
			}
			manager, err := credentials.NewManager(key)
			if err != nil {
				return nil, fmt.Errorf("failed to create credentials manager: %w", err)
			}
			if err := manager.DecryptCredentials(settings); err != nil {
				return nil, fmt.Errorf("failed to decrypt KMS credentials: %w", err)
			}
		} else if hasEncrypted(settings.Credentials) {
			return nil, fmt.Errorf("KMS credentials are encrypted but QNSF_CREDENTIALS_KEY is not set")
		}
	}

	provider, err := kms.NewProvider(ctx, kms.ToConfig(settings), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create KMS provider: %w", err)
	}
	if err := provider.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("KMS provider health check failed: %w", err)
	}
	return provider, nil
}

func hasEncrypted(c *types.KMSCredentials) bool {
	for _, v := range []string{
		c.AccessKeyID, c.SecretAccessKey, c.SessionToken,
		c.TenantID, c.ClientID, c.ClientSecret,
		c.CredentialsJSON, c.Token,
	} {
		if symmetric.IsEncrypted(v) {
			return true
		}
	}
	return false
}

// createRotationStore picks MongoDB when configured and the in-memory store otherwise
func createRotationStore(ctx context.Context, cfg *config.Config, db *mongo.Database, logger zerolog.Logger) (interfaces.RotationStore, func(context.Context) error, error) {
	var closeFn func(context.Context) error

	if db == nil && cfg.MongoURI != "" {
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		closeFn = func(ctx context.Context) error {
			if err := client.Disconnect(ctx); err != nil {
				return fmt.Errorf("failed to disconnect from MongoDB: %w", err)
			}
			return nil
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = closeFn(ctx)
			return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
		}
		db = client.Database(cfg.MongoDatabase)
	}

	if db == nil {
		return store.NewMemoryStore(cfg.MemoryStoreSize), nil, nil
	}

	mongoStore := store.NewMongoDBStore(db, cfg.MongoCollection, logger)
	if err := mongoStore.EnsureIndexes(ctx); err != nil {
		if closeFn != nil {
			_ = closeFn(ctx)
		}
		return nil, nil, err
	}
	return mongoStore, closeFn, nil
}

// createEventSink forwards events to the oracle and, when configured, a Redis stream
func createEventSink(ctx context.Context, cfg *config.Config, oracle interfaces.RiskOracle, client redis.Cmdable, logger zerolog.Logger) (interfaces.EventStore, func(context.Context) error, error) {
	var closeFn func(context.Context) error

	if client == nil && cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		closeFn = func(context.Context) error {
			if err := rc.Close(); err != nil {
				return fmt.Errorf("failed to close redis client: %w", err)
			}
			return nil
		}
		client = rc
	}

	if client == nil {
		return oracle, nil, nil
	}

	stream, err := eventstore.NewRedisStream(client,
		eventstore.WithStream(cfg.RedisStream),
		eventstore.WithMaxLen(cfg.RedisStreamMax),
		eventstore.WithLogger(logger),
	)
	if err == nil && closeFn != nil {
		err = stream.Ping(ctx)
	}
	if err != nil {
		if closeFn != nil {
			_ = closeFn(ctx)
		}
		return nil, nil, fmt.Errorf("failed to create redis event stream: %w", err)
	}

	return eventstore.NewFanout(oracle, stream), closeFn, nil
}
