package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Environment string
	LogLevel    string
	Server      struct {
		Port           string
		AllowedOrigins []string
		RateLimitRPS     int
		TriggerPerMinute int
	}
	Database struct {
		URL string
	}
	Redis struct {
		URL string
	}
	Store struct {
		Driver string // postgres | memory
	}
	Dispatch struct {
		TriggerTimeout       time.Duration
		RuleConcurrency      int
		RecipientConcurrency int
		BroadcastPageSize    int
		RetryBackoff         time.Duration
	}
	Directory struct {
		CacheTTL time.Duration
	}
	Retention struct {
		SweepInterval time.Duration
		BatchSize     int
	}
	Announcements struct {
		PublishInterval time.Duration
		BatchSize       int
	}
	Archive struct {
		Enabled   bool
		Endpoint  string
		AccessKey string
		SecretKey string
		UseSSL    bool
		Bucket    string
	}
	JWT struct {
		Secret    string
		AccessTTL time.Duration
	}
}

var AppConfig *Config

func Load() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg := &Config{}

	cfg.Environment = getEnv("APP_ENV", "development")
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	// Server
	cfg.Server.Port = getEnv("PORT", "8080")
	cfg.Server.AllowedOrigins = getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"})
	cfg.Server.RateLimitRPS = getEnvInt("RATE_LIMIT_RPS", 50)
	cfg.Server.TriggerPerMinute = getEnvInt("TRIGGER_RATE_LIMIT_PER_MINUTE", 600)

	// Database
	postgresUser := getEnv("POSTGRES_USER", "beacon")
	postgresPass := getEnv("POSTGRES_PASSWORD", "beacon_secure_password")
	postgresHost := getEnv("POSTGRES_HOST", "localhost")
	postgresPort := getEnv("POSTGRES_PORT", "5432")
	postgresDB := getEnv("POSTGRES_DB", "beacon")
	postgresSSL := getEnv("POSTGRES_SSLMODE", "disable")
	cfg.Database.URL = getEnv("DATABASE_URL", "postgres://"+postgresUser+":"+postgresPass+"@"+postgresHost+":"+postgresPort+"/"+postgresDB+"?sslmode="+postgresSSL)

	// Redis
	redisHost := getEnv("REDIS_HOST", "localhost")
	redisPort := getEnv("REDIS_PORT", "6379")
	cfg.Redis.URL = getEnv("REDIS_URL", "redis://"+redisHost+":"+redisPort)

	cfg.Store.Driver = getEnv("STORE_DRIVER", "postgres")

	// Dispatch
	cfg.Dispatch.TriggerTimeout = getEnvDuration("DISPATCH_TRIGGER_TIMEOUT", 10*time.Second)
	cfg.Dispatch.RuleConcurrency = getEnvInt("DISPATCH_RULE_CONCURRENCY", 4)
	cfg.Dispatch.RecipientConcurrency = getEnvInt("DISPATCH_RECIPIENT_CONCURRENCY", 16)
	cfg.Dispatch.BroadcastPageSize = getEnvInt("DISPATCH_BROADCAST_PAGE_SIZE", 500)
	cfg.Dispatch.RetryBackoff = getEnvDuration("DISPATCH_RETRY_BACKOFF", 50*time.Millisecond)

	cfg.Directory.CacheTTL = getEnvDuration("DIRECTORY_CACHE_TTL", 30*time.Second)

	// Retention
	cfg.Retention.SweepInterval = getEnvDuration("RETENTION_SWEEP_INTERVAL", 24*time.Hour)
	cfg.Retention.BatchSize = getEnvInt("RETENTION_BATCH_SIZE", 1000)

	// Scheduled announcements
	cfg.Announcements.PublishInterval = getEnvDuration("ANNOUNCEMENT_PUBLISH_INTERVAL", 30*time.Second)
	cfg.Announcements.BatchSize = getEnvInt("ANNOUNCEMENT_BATCH_SIZE", 50)

	// Archive (MinIO)
	cfg.Archive.Enabled = getEnvBool("ARCHIVE_ENABLED", false)
	cfg.Archive.Endpoint = getEnv("MINIO_ENDPOINT", "localhost:9000")
	cfg.Archive.AccessKey = getEnv("MINIO_ACCESS_KEY", "beacon_minio")
	cfg.Archive.SecretKey = getEnv("MINIO_SECRET_KEY", "beacon_minio_secret")
	cfg.Archive.UseSSL = getEnvBool("MINIO_USE_SSL", false)
	cfg.Archive.Bucket = getEnv("ARCHIVE_BUCKET", "event-log-archive")

	// JWT
	cfg.JWT.Secret = getEnv("JWT_SECRET", "your-super-secret-jwt-key-change-in-production")
	cfg.JWT.AccessTTL = getEnvDuration("JWT_ACCESS_TOKEN_EXPIRY", 15*time.Minute)

	AppConfig = cfg
	return cfg, nil
}

// UsesPostgres reports whether durable state lives in Postgres rather than
// process memory.
func (c *Config) UsesPostgres() bool {
	return c.Store.Driver != "memory"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var result []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			result = append(result, v)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
