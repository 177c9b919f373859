package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is built once at startup and handed to every constructor.
type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Postgres      PostgresConfig
	Redis         RedisConfig
	Scylla        ScyllaConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	KMS           KMSConfig
	Hashing       HashingConfig
	Lockout       LockoutConfig
	Session       SessionConfig
	TOTP          TOTPConfig
	Audit         AuditConfig
	Bucketing     BucketingConfig
	Features      FeatureFlags
	RateLimit     RateLimitConfig
	CSRF          CSRFConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	TLSPort      string
	EnableTLS    bool
	RequireHTTPS bool
	TrustProxy   bool
	AutoCert     bool
	Domain       string
	Email        string
	AutoCertDir  string
	CertFile     string
	KeyFile      string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// RequestTimeout bounds a single handler, ShutdownTimeout bounds graceful stop.
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	RunMigrations   bool
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Enabled  bool
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    []string
	AuditTopic string
}

type ElasticsearchConfig struct {
	Enabled    bool
	URL        string
	Username   string
	Password   string
	AuditIndex string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
}

// KMSConfig selects how TOTP secrets are wrapped at rest. With KMS disabled a
// local master key is used instead.
type KMSConfig struct {
	Enabled   bool
	KeyID     string
	Region    string
	MasterKey []byte
}

type HashingConfig struct {
	Argon2MemoryCost  uint32 // KiB
	Argon2TimeCost    uint32
	Argon2Parallelism uint8
	Argon2SaltLength  uint32
	Argon2KeyLength   uint32
}

type LockoutConfig struct {
	Threshold       int
	DefaultDuration time.Duration
}

type SessionConfig struct {
	CookieName string
	MaxAge     time.Duration
	Secure     bool
}

type TOTPConfig struct {
	Issuer            string
	RecoveryCodeCount int
}

type AuditConfig struct {
	PersistTimeout time.Duration
}

type BucketingConfig struct {
	EventBuckets int
}

type FeatureFlags struct {
	TwoFactorEnabled bool
}

type RateLimitConfig struct {
	AuthMax    int
	AuthWindow time.Duration
}

type CSRFConfig struct {
	HMACKey []byte
}

// LoadConfig reads configuration from the environment, loading a .env file first when present.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("APP_ENV", getEnv("NODE_ENV", "development"))
	isProd := env == "production"

	masterKey, err := getEnvAsBase64("TOTP_ENCRYPTION_KEY")
	if err != nil {
		return nil, fmt.Errorf("failed to parse TOTP_ENCRYPTION_KEY: %w", err)
	}

	cfg := &Config{
		Environment: env,
		Server: ServerConfig{
			Host:            getEnv("HOST", "0.0.0.0"),
			Port:            getEnv("PORT", "3000"),
			TLSPort:         getEnv("TLS_PORT", "443"),
			EnableTLS:       getEnvAsBool("ENABLE_TLS", false),
			RequireHTTPS:    getEnvAsBool("REQUIRE_HTTPS", false),
			TrustProxy:      getEnvAsBool("TRUST_PROXY", false),
			AutoCert:        getEnvAsBool("AUTO_CERT", false),
			Domain:          getEnv("DOMAIN", ""),
			Email:           getEnv("ACME_EMAIL", ""),
			AutoCertDir:     getEnv("AUTO_CERT_DIR", "./certs"),
			CertFile:        getEnv("TLS_CERT_FILE", ""),
			KeyFile:         getEnv("TLS_KEY_FILE", ""),
			CORSOrigins:     getEnvAsSlice("CORS_ORIGIN", []string{"http://localhost:5173"}),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout:  getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", defaultLogFormat(isProd)),
		},
		Postgres: PostgresConfig{
			DSN:             getEnv("DATABASE_URL", ""),
			MaxConns:        int32(getEnvAsInt("DATABASE_MAX_CONNS", 20)),
			MinConns:        int32(getEnvAsInt("DATABASE_MIN_CONNS", 2)),
			MaxConnLifetime: getEnvAsDuration("DATABASE_MAX_CONN_LIFETIME", time.Hour),
			RunMigrations:   getEnvAsBool("DATABASE_RUN_MIGRATIONS", true),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 20),
		},
		Scylla: ScyllaConfig{
			Enabled:  getEnvAsBool("SCYLLA_ENABLED", false),
			Nodes:    getEnvAsSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "auth_audit"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled:    getEnvAsBool("KAFKA_ENABLED", false),
			Brokers:    getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			AuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "security.audit"),
		},
		Elasticsearch: ElasticsearchConfig{
			Enabled:    getEnvAsBool("ELASTICSEARCH_ENABLED", false),
			URL:        getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:   getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:   getEnv("ELASTICSEARCH_PASSWORD", ""),
			AuditIndex: getEnv("ELASTICSEARCH_AUDIT_INDEX", "security-audit"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "auth_analytics"),
		},
		KMS: KMSConfig{
			Enabled:   getEnvAsBool("KMS_ENABLED", false),
			KeyID:     getEnv("KMS_KEY_ID", ""),
			Region:    getEnv("AWS_REGION", "us-east-1"),
			MasterKey: masterKey,
		},
		Hashing: HashingConfig{
			Argon2MemoryCost:  uint32(getEnvAsInt("ARGON2_MEMORY_COST", 65536)),
			Argon2TimeCost:    uint32(getEnvAsInt("ARGON2_TIME_COST", 3)),
			Argon2Parallelism: uint8(getEnvAsInt("ARGON2_PARALLELISM", 4)),
			Argon2SaltLength:  16,
			Argon2KeyLength:   32,
		},
		Lockout: LockoutConfig{
			Threshold:       getEnvAsInt("LOCKOUT_THRESHOLD", 5),
			DefaultDuration: time.Duration(getEnvAsInt("LOCKOUT_DURATION_MINUTES", 15)) * time.Minute,
		},
		Session: SessionConfig{
			CookieName: getEnv("SESSION_NAME", "sid"),
			MaxAge:     time.Duration(getEnvAsInt("SESSION_MAX_AGE", 86400000)) * time.Millisecond,
			Secure:     isProd,
		},
		TOTP: TOTPConfig{
			Issuer:            getEnv("TOTP_ISSUER", "AppTemplate"),
			RecoveryCodeCount: getEnvAsInt("RECOVERY_CODE_COUNT", 10),
		},
		Audit: AuditConfig{
			PersistTimeout: getEnvAsDuration("AUDIT_PERSIST_TIMEOUT", 5*time.Second),
		},
		Bucketing: BucketingConfig{
			EventBuckets: getEnvAsInt("EVENT_BUCKETS", 64),
		},
		Features: FeatureFlags{
			TwoFactorEnabled: getEnvAsBool("FEATURE_2FA_ENABLED", false),
		},
		RateLimit: RateLimitConfig{
			AuthMax:    getEnvAsInt("RATE_LIMIT_AUTH_MAX", 5),
			AuthWindow: getEnvAsDuration("RATE_LIMIT_AUTH_WINDOW", 15*time.Minute),
		},
		CSRF: CSRFConfig{
			HMACKey: []byte(getEnv("CSRF_HMAC_KEY", "")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run safely with.
func (c *Config) Validate() error {
	var errs []error

	if c.Lockout.Threshold < 1 {
		errs = append(errs, errors.New("LOCKOUT_THRESHOLD must be at least 1"))
	}
	if c.Lockout.DefaultDuration <= 0 {
		errs = append(errs, errors.New("LOCKOUT_DURATION_MINUTES must be positive"))
	}
	if c.Hashing.Argon2MemoryCost < 8*1024 {
		errs = append(errs, errors.New("ARGON2_MEMORY_COST must be at least 8192 KiB"))
	}
	if c.Hashing.Argon2TimeCost < 1 || c.Hashing.Argon2Parallelism < 1 {
		errs = append(errs, errors.New("ARGON2_TIME_COST and ARGON2_PARALLELISM must be at least 1"))
	}
	if c.Session.MaxAge <= 0 {
		errs = append(errs, errors.New("SESSION_MAX_AGE must be positive"))
	}
	if c.TOTP.RecoveryCodeCount < 1 {
		errs = append(errs, errors.New("RECOVERY_CODE_COUNT must be at least 1"))
	}
	if len(c.KMS.MasterKey) != 0 && len(c.KMS.MasterKey) != 32 {
		errs = append(errs, errors.New("TOTP_ENCRYPTION_KEY must decode to 32 bytes"))
	}

	if c.IsProduction() {
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
		if len(c.CSRF.HMACKey) < 32 {
			errs = append(errs, errors.New("CSRF_HMAC_KEY must be at least 32 bytes in production"))
		}
		if !c.KMS.Enabled && len(c.KMS.MasterKey) == 0 {
			errs = append(errs, errors.New("TOTP_ENCRYPTION_KEY or KMS_ENABLED is required in production"))
		}
		if c.KMS.Enabled && c.KMS.KeyID == "" {
			errs = append(errs, errors.New("KMS_KEY_ID is required when KMS_ENABLED is set"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// GetServerAddress returns the plain HTTP listen address.
func (c *Config) GetServerAddress() string {
	return c.Server.Host + ":" + c.Server.Port
}

func defaultLogFormat(isProd bool) string {
	if isProd {
		return "json"
	}
	return "console"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsSlice(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsBase64(key string) ([]byte, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(raw)
}
