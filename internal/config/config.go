package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	RateLimit    RateLimitConfig
	Orchestrator OrchestratorConfig
	R2           R2Config
	Zitadel      ZitadelConfig
	Reconcile    ReconcileConfig
	Relay        RelayConfig
	Gateway      GatewayConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type DatabaseConfig struct {
	DSN string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	DispatchPerHour int
	ContentPerMin   int
}

type OrchestratorConfig struct {
	BaseURL       string
	CallbackToken string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

// ReconcileConfig tunes the reconciliation loop. All durations are seconds.
type ReconcileConfig struct {
	BatchSize       int
	MinAgeSec       int
	StalenessSec    int
	FetchTimeoutSec int
	IntervalSec     int
}

// RelayConfig tunes the live status relay.
type RelayConfig struct {
	KeepAliveSec int
	MaxJobIDs    int
}

type GatewayConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_DSN")
	readSecret("ORCHESTRATOR_CALLBACK_TOKEN")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("database.dsn", "DATABASE_DSN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("orchestrator.base_url", "ORCHESTRATOR_BASE_URL")
	_ = viper.BindEnv("orchestrator.callback_token", "ORCHESTRATOR_CALLBACK_TOKEN")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = viper.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = viper.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = viper.BindEnv("reconcile.batch_size", "RECONCILE_BATCH_SIZE")
	_ = viper.BindEnv("reconcile.min_age_sec", "RECONCILE_MIN_AGE_SEC")
	_ = viper.BindEnv("reconcile.staleness_sec", "RECONCILE_STALENESS_SEC")
	_ = viper.BindEnv("reconcile.fetch_timeout_sec", "RECONCILE_FETCH_TIMEOUT_SEC")
	_ = viper.BindEnv("reconcile.interval_sec", "RECONCILE_INTERVAL_SEC")
	_ = viper.BindEnv("relay.keepalive_sec", "RELAY_KEEPALIVE_SEC")
	_ = viper.BindEnv("relay.max_job_ids", "RELAY_MAX_JOB_IDS")
	_ = viper.BindEnv("ratelimit.dispatch_per_hour", "RATELIMIT_DISPATCH_PER_HOUR")
	_ = viper.BindEnv("ratelimit.content_per_min", "RATELIMIT_CONTENT_PER_MIN")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("database.dsn", "host=localhost user=clipforge password=clipforge dbname=clipforge port=5432 sslmode=disable")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.dispatch_per_hour", 30)
	viper.SetDefault("ratelimit.content_per_min", 120)

	// Reconciliation defaults
	viper.SetDefault("reconcile.batch_size", 25)
	viper.SetDefault("reconcile.min_age_sec", 60)
	viper.SetDefault("reconcile.staleness_sec", 30)
	viper.SetDefault("reconcile.fetch_timeout_sec", 15)
	viper.SetDefault("reconcile.interval_sec", 30)

	// Relay defaults
	viper.SetDefault("relay.keepalive_sec", 20)
	viper.SetDefault("relay.max_job_ids", 50)

	// Gateway defaults
	viper.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Database: DatabaseConfig{
			DSN: viper.GetString("database.dsn"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			DispatchPerHour: viper.GetInt("ratelimit.dispatch_per_hour"),
			ContentPerMin:   viper.GetInt("ratelimit.content_per_min"),
		},
		Orchestrator: OrchestratorConfig{
			BaseURL:       viper.GetString("orchestrator.base_url"),
			CallbackToken: viper.GetString("orchestrator.callback_token"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Zitadel: ZitadelConfig{
			Domain:   viper.GetString("zitadel.domain"),
			ClientID: viper.GetString("zitadel.client_id"),
			Issuer:   viper.GetString("zitadel.issuer"),
		},
		Reconcile: ReconcileConfig{
			BatchSize:       viper.GetInt("reconcile.batch_size"),
			MinAgeSec:       viper.GetInt("reconcile.min_age_sec"),
			StalenessSec:    viper.GetInt("reconcile.staleness_sec"),
			FetchTimeoutSec: viper.GetInt("reconcile.fetch_timeout_sec"),
			IntervalSec:     viper.GetInt("reconcile.interval_sec"),
		},
		Relay: RelayConfig{
			KeepAliveSec: viper.GetInt("relay.keepalive_sec"),
			MaxJobIDs:    viper.GetInt("relay.max_job_ids"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
	}

	return cfg, nil
}
