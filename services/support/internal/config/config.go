package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	StoreDriver string `yaml:"storeDriver"`
	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	LogLevel string `yaml:"logLevel"`
	LogDir   string `yaml:"logDir"`

	JWTSecret   string `yaml:"jwtSecret"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`
	SessionTTL  string `yaml:"sessionTTL"`

	KnowledgeCacheTTL string `yaml:"knowledgeCacheTTL"`

	ChatRateLimitPerMinute   int `yaml:"chatRateLimitPerMinute"`
	LoginRateLimitPerMinute  int `yaml:"loginRateLimitPerMinute"`
	SignupRateLimitPerMinute int `yaml:"signupRateLimitPerMinute"`

	CORSAllowedOrigins []string `yaml:"corsAllowedOrigins"`
	TrustedProxies     []string `yaml:"trustedProxies"`

	MinIO  MinIOConfig  `yaml:"minio"`
	Events EventsConfig `yaml:"events"`

	ShutdownTimeout string `yaml:"shutdownTimeout"`
}

// MinIOConfig configures transcript export storage. An empty endpoint
// disables exports.
type MinIOConfig struct {
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"accessKey"`
	SecretKey    string `yaml:"secretKey"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Prefix       string `yaml:"prefix"`
	UseSSL       bool   `yaml:"useSSL"`
	ExportURLTTL string `yaml:"exportURLTTL"`
}

// EventsConfig selects the event sink: "amqp", "redis" or "none".
type EventsConfig struct {
	Driver   string `yaml:"driver"`
	AMQPURL  string `yaml:"amqpURL"`
	Exchange string `yaml:"exchange"`
	Stream   string `yaml:"stream"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setString(&cfg.Port, "SUPPORT_PORT")
	setString(&cfg.StoreDriver, "SUPPORT_STORE_DRIVER")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogDir, "SUPPORT_LOG_DIR")
	setString(&cfg.JWTSecret, "SUPPORT_JWT_SECRET")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.JWTAudience, "JWT_AUDIENCE")
	setString(&cfg.JWTLeeway, "JWT_LEEWAY")
	setString(&cfg.SessionTTL, "SUPPORT_SESSION_TTL")
	setString(&cfg.KnowledgeCacheTTL, "SUPPORT_KNOWLEDGE_CACHE_TTL")
	setInt(&cfg.ChatRateLimitPerMinute, "SUPPORT_CHAT_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.LoginRateLimitPerMinute, "SUPPORT_LOGIN_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.SignupRateLimitPerMinute, "SUPPORT_SIGNUP_RATE_LIMIT_PER_MINUTE")
	if v := os.Getenv("SUPPORT_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitList(v)
	}
	if v := os.Getenv("SUPPORT_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitList(v)
	}
	setString(&cfg.MinIO.Endpoint, "SUPPORT_MINIO_ENDPOINT")
	setString(&cfg.MinIO.AccessKey, "SUPPORT_MINIO_ACCESS_KEY")
	setString(&cfg.MinIO.SecretKey, "SUPPORT_MINIO_SECRET_KEY")
	setString(&cfg.MinIO.Bucket, "SUPPORT_MINIO_BUCKET")
	setString(&cfg.MinIO.Region, "SUPPORT_MINIO_REGION")
	if v := os.Getenv("SUPPORT_MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinIO.UseSSL = b
		}
	}
	setString(&cfg.Events.Driver, "SUPPORT_EVENTS_DRIVER")
	setString(&cfg.Events.AMQPURL, "SUPPORT_AMQP_URL")
}

func applyDefaults(cfg *FileConfig) {
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = StoreDriverPostgres
	}
	cfg.Events.Driver = strings.ToLower(strings.TrimSpace(cfg.Events.Driver))
	if cfg.Events.Driver == "" {
		cfg.Events.Driver = "none"
	}
	if cfg.SessionTTL == "" {
		cfg.SessionTTL = "24h"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for the postgres store (set DATABASE_URL)")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("config: unknown storeDriver %q", cfg.StoreDriver)
	}
	if len(strings.TrimSpace(cfg.JWTSecret)) < 32 {
		return errors.New("config: jwtSecret must be at least 32 bytes (set SUPPORT_JWT_SECRET)")
	}
	if cfg.ChatRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 || cfg.SignupRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	durations := map[string]string{
		"sessionTTL":         cfg.SessionTTL,
		"jwtLeeway":          cfg.JWTLeeway,
		"knowledgeCacheTTL":  cfg.KnowledgeCacheTTL,
		"minio.exportURLTTL": cfg.MinIO.ExportURLTTL,
		"shutdownTimeout":    cfg.ShutdownTimeout,
	}
	for field, raw := range durations {
		if _, err := ParseDuration(field, raw); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if cfg.MinIO.Endpoint != "" && cfg.MinIO.Bucket == "" {
		return errors.New("config: minio.bucket is required when minio.endpoint is set")
	}
	switch cfg.Events.Driver {
	case "none":
	case "amqp":
		if cfg.Events.AMQPURL == "" {
			return errors.New("config: events.amqpURL is required for the amqp driver (set SUPPORT_AMQP_URL)")
		}
	case "redis":
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return errors.New("config: redisAddr is required for the redis events driver")
		}
	default:
		return fmt.Errorf("config: unknown events.driver %q", cfg.Events.Driver)
	}
	return nil
}

// ParseDuration parses an optional duration field; empty means zero.
func ParseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", field, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must not be negative", field)
	}
	return dur, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
