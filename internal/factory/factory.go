package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"auth-core/internal/audit"
	"auth-core/internal/bucketing"
	"auth-core/internal/client"
	"auth-core/internal/config"
	"auth-core/internal/encryption"
	"auth-core/internal/handler"
	"auth-core/internal/hashing"
	"auth-core/internal/repository"
	"auth-core/internal/repository/memory"
	"auth-core/internal/repository/postgres"
	sessionstore "auth-core/internal/repository/redis"
	"auth-core/internal/repository/scylla"
	"auth-core/internal/service"
	"auth-core/internal/tls"
	"auth-core/internal/totp"
	"auth-core/internal/util"
)

const initTimeout = 30 * time.Second

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	tlsManager *tls.TLSManager

	// Stores
	pgPool      *pgxpool.Pool
	store       repository.CredentialStore
	redisClient *client.RedisClient

	// Audit destinations
	scyllaClient     *scylla.ScyllaClient
	securityEvents   *scylla.SecurityEventRepository
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	totpEngine        *totp.Engine

	recorder       *audit.Recorder
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
}

// NewFactory loads configuration and initializes every dependency. Postgres
// and Redis are required; the audit sinks are optional outside production.
func NewFactory(ctx context.Context) (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	f := &Factory{
		config: cfg,
		logger: util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format),
	}

	ctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	if cfg.Server.EnableTLS {
		if f.tlsManager, err = tls.NewTLSManager(cfg.Server, cfg.IsDevelopment()); err != nil {
			return nil, fmt.Errorf("failed to initialize TLS: %w", err)
		}
	}

	if err := f.initializeStores(ctx); err != nil {
		f.closeClients()
		return nil, fmt.Errorf("failed to initialize stores: %w", err)
	}

	if err := f.initializeManagers(ctx); err != nil {
		f.closeClients()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	sinks, err := f.initializeAuditSinks(ctx)
	if err != nil {
		f.closeClients()
		return nil, fmt.Errorf("failed to initialize audit sinks: %w", err)
	}
	f.recorder = audit.NewRecorder(f.store, f.logger, cfg.Audit.PersistTimeout, sinks...)

	if !cfg.Features.TwoFactorEnabled {
		util.Warn("FEATURE_2FA_ENABLED is off: logins will not ask for a second factor and the /auth/2fa routes are not mounted")
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("two_factor_enabled", cfg.Features.TwoFactorEnabled),
		util.Int("audit_sinks", len(sinks)),
	)
	return f, nil
}

// initializeStores connects the credential store and the session Redis.
func (f *Factory) initializeStores(ctx context.Context) error {
	if f.config.Postgres.DSN != "" {
		pool, err := client.NewPostgresPool(ctx, f.config.Postgres)
		if err != nil {
			return err
		}
		f.pgPool = pool
		if f.config.Postgres.RunMigrations {
			if err := postgres.RunMigrations(ctx, pool); err != nil {
				return err
			}
			util.Info("Database migrations applied")
		}
		f.store = postgres.NewCredentialStore(pool)
	} else {
		// Validate already refuses this in production.
		util.Warn("DATABASE_URL not set: using the in-memory credential store, nothing will survive a restart")
		f.store = memory.NewCredentialStore()
	}

	redisClient, err := client.NewRedisClient(ctx, f.config.Redis)
	if err != nil {
		return err
	}
	f.redisClient = redisClient
	return nil
}

// initializeManagers initializes hashing, encryption, bucketing and TOTP
func (f *Factory) initializeManagers(ctx context.Context) error {
	var err error
	if f.hasher, err = hashing.NewHasher(f.config.Hashing); err != nil {
		return err
	}

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}
	if f.encryptionManager, err = encryption.NewEncryptionManager(f.config.KMS, kmsClient); err != nil {
		return err
	}

	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing)
	f.totpEngine = totp.NewEngine(f.config.TOTP.Issuer)

	util.Info("Managers initialized successfully",
		util.Any("argon2", f.hasher.Params()),
		util.Int("event_buckets", f.bucketingManager.EventBuckets()),
	)
	return nil
}

// initializeAuditSinks connects every enabled secondary audit destination. A
// failing sink aborts startup in production and is skipped elsewhere.
func (f *Factory) initializeAuditSinks(ctx context.Context) ([]audit.Sink, error) {
	var (
		sinks      []audit.Sink
		initErrors []error
	)
	isDev := f.config.IsDevelopment()

	if f.config.Scylla.Enabled {
		if c, err := scylla.NewScyllaClient(f.config.Scylla, isDev); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = c
			f.securityEvents = scylla.NewSecurityEventRepository(c, f.bucketingManager)
			sinks = append(sinks, f.securityEvents)
		}
	}

	if f.config.Kafka.Enabled {
		if p, err := client.NewKafkaProducer(f.config.Kafka); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else if err := p.HealthCheck(ctx); err != nil {
			_ = p.Close()
			initErrors = append(initErrors, fmt.Errorf("kafka health check: %w", err))
		} else {
			f.kafkaProducer = p
			sinks = append(sinks, audit.NewStreamSink(p, f.config.Kafka.AuditTopic))
		}
	}

	if f.config.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(ctx, f.config.Elasticsearch, isDev); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			sinks = append(sinks, audit.NewSearchSink(c, f.config.Elasticsearch.AuditIndex))
		}
	}

	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(ctx, f.config.Clickhouse, f.config.IsProduction()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
			sinks = append(sinks, audit.NewAnalyticsSink(c))
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return nil, errors.Join(initErrors...)
		}
		for _, err := range initErrors {
			util.Warn("Audit sink disabled", util.ErrorField(err))
		}
	}
	return sinks, nil
}

// ==============================
// Service Factory
// ==============================

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.store,
			sessionstore.NewSessionCache(f.redisClient, f.config.Session.MaxAge),
			f.hasher,
			f.totpEngine,
			f.encryptionManager,
			f.recorder,
			f.logger,
		)
		if f.securityEvents != nil {
			f.serviceFactory.WithAuditArchive(f.securityEvents)
		}
	}
	return f.serviceFactory
}

// Router wires the handlers onto the chi router.
func (f *Factory) Router() http.Handler {
	services := f.ServiceFactory()
	logger := f.logger

	authn := handler.NewAuthenticator(services.SessionManager(), f.config.Session.CookieName, f.config.CSRF.HMACKey, logger)
	handlers := handler.Handlers{
		Auth:   handler.NewAuthHandler(services.AuthService(), services.SessionManager(), authn, f.config.Session, logger),
		Admin:  handler.NewAdminHandler(services.AuditQueryService(), authn, logger),
		Health: handler.NewHealthHandler(f.HealthChecks()),
	}
	if f.config.Features.TwoFactorEnabled {
		handlers.TwoFactor = handler.NewTwoFactorHandler(services.TOTPService(), authn, logger)
	}

	return handler.NewRouter(f.config, handlers, sessionstore.NewRateLimitCache(f.redisClient), logger)
}

// ==============================
// Health Checks
// ==============================

// HealthChecks lists a check per connected dependency.
func (f *Factory) HealthChecks() map[string]handler.HealthCheck {
	checks := map[string]handler.HealthCheck{
		"credential_store": f.store.HealthCheck,
		"redis":            f.redisClient.HealthCheck,
	}
	if f.scyllaClient != nil {
		checks["scylla"] = f.scyllaClient.HealthCheck
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}
	return checks
}

// Close drains pending audit writes, then closes every client. It is safe to
// call more than once.
func (f *Factory) Close(ctx context.Context) error {
	var drainErr error
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")

		if f.recorder != nil {
			if drainErr = f.recorder.Close(ctx); drainErr != nil {
				util.Error("Audit events were still pending at shutdown", util.ErrorField(drainErr))
			}
		}

		f.closeClients()

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})
	return drainErr
}

func (f *Factory) closeClients() {
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.Close(); err != nil {
			util.Error("Failed to close ClickHouse client", util.ErrorField(err))
		}
	}
	if f.esClient != nil {
		f.esClient.Close()
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.Close(); err != nil {
			util.Error("Failed to close Kafka producer", util.ErrorField(err))
		}
	}
	if f.scyllaClient != nil {
		f.scyllaClient.Close()
	}
	if f.redisClient != nil {
		_ = f.redisClient.Close()
	}
	if f.pgPool != nil {
		f.pgPool.Close()
		util.Info("Postgres pool closed")
	}
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}
