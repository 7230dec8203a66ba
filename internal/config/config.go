// Package config loads runtime settings for the ledger service.
// Order of precedence: built-in defaults, then the optional YAML file named by
// LEDGER_CONFIG_FILE, then environment variables (a .env file is loaded into the
// environment first when present).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config captures runtime settings for the ledger service.
type Config struct {
	Addr             string
	Environment      string
	ServiceName      string
	Version          string
	LogLevel         string
	DatabaseURL      string
	AllowMemoryStore bool
	RequestTimeout   time.Duration
	// SeedAgents are "id:code[:rate]" entries loaded into the memory store.
	SeedAgents []string

	// Attribution markers are EdDSA tokens signed with this key.
	SignerKeyB64   string
	SignerID       string
	AttributionTTL time.Duration
	CookieName     string
	CookieSecure   bool

	// Caller tokens are issued by the external auth subsystem.
	AuthJWTSecret string
	AuthIssuer    string
	AuthAudience  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers   []string
	KafkaTopic     string
	RelayInterval  time.Duration
	RelayBatchSize int

	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
}

const (
	defaultAddr           = ":8060"
	defaultServiceName    = "commission-ledger"
	defaultAttributionTTL = 30 * 24 * time.Hour
	defaultCookieName     = "affiliate_ref"
	defaultRequestTimeout = 15 * time.Second
	defaultRelayInterval  = 5 * time.Second
	defaultRelayBatchSize = 100
	defaultKafkaTopic     = "ledger.events"
)

type fileConfig struct {
	Service struct {
		Addr        string `yaml:"addr"`
		Environment string `yaml:"environment"`
		Name        string `yaml:"name"`
		Version     string `yaml:"version"`
		LogLevel    string `yaml:"log_level"`
	} `yaml:"service"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Attribution struct {
		TTLHours     int    `yaml:"ttl_hours"`
		CookieName   string `yaml:"cookie_name"`
		CookieSecure *bool  `yaml:"cookie_secure"`
		SignerID     string `yaml:"signer_id"`
	} `yaml:"attribution"`
	Auth struct {
		Issuer   string `yaml:"issuer"`
		Audience string `yaml:"audience"`
	} `yaml:"auth"`
	Redis struct {
		Addr string `yaml:"addr"`
		DB   int    `yaml:"db"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	Relay struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		BatchSize       int `yaml:"batch_size"`
	} `yaml:"relay"`
	S3 struct {
		Bucket   string `yaml:"bucket"`
		Prefix   string `yaml:"prefix"`
		Region   string `yaml:"region"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"s3"`
}

// Load reads the optional .env and YAML files, applies environment overrides and validates.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path := os.Getenv("LEDGER_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Addr:           defaultAddr,
		Environment:    "development",
		ServiceName:    defaultServiceName,
		Version:        "dev",
		LogLevel:       "info",
		RequestTimeout: defaultRequestTimeout,
		SignerID:       "ledger-dev",
		AttributionTTL: defaultAttributionTTL,
		CookieName:     defaultCookieName,
		AuthIssuer:     "agent-system",
		AuthAudience:   "agent-dashboard",
		KafkaTopic:     defaultKafkaTopic,
		RelayInterval:  defaultRelayInterval,
		RelayBatchSize: defaultRelayBatchSize,
		S3Prefix:       "ledger-events",
	}
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&cfg.Addr, f.Service.Addr)
	setString(&cfg.Environment, f.Service.Environment)
	setString(&cfg.ServiceName, f.Service.Name)
	setString(&cfg.Version, f.Service.Version)
	setString(&cfg.LogLevel, f.Service.LogLevel)
	setString(&cfg.DatabaseURL, f.Database.URL)
	if f.Attribution.TTLHours > 0 {
		cfg.AttributionTTL = time.Duration(f.Attribution.TTLHours) * time.Hour
	}
	setString(&cfg.CookieName, f.Attribution.CookieName)
	if f.Attribution.CookieSecure != nil {
		cfg.CookieSecure = *f.Attribution.CookieSecure
	}
	setString(&cfg.SignerID, f.Attribution.SignerID)
	setString(&cfg.AuthIssuer, f.Auth.Issuer)
	setString(&cfg.AuthAudience, f.Auth.Audience)
	setString(&cfg.RedisAddr, f.Redis.Addr)
	if f.Redis.DB > 0 {
		cfg.RedisDB = f.Redis.DB
	}
	if len(f.Kafka.Brokers) > 0 {
		cfg.KafkaBrokers = f.Kafka.Brokers
	}
	setString(&cfg.KafkaTopic, f.Kafka.Topic)
	if f.Relay.IntervalSeconds > 0 {
		cfg.RelayInterval = time.Duration(f.Relay.IntervalSeconds) * time.Second
	}
	if f.Relay.BatchSize > 0 {
		cfg.RelayBatchSize = f.Relay.BatchSize
	}
	setString(&cfg.S3Bucket, f.S3.Bucket)
	setString(&cfg.S3Prefix, f.S3.Prefix)
	setString(&cfg.S3Region, f.S3.Region)
	setString(&cfg.S3Endpoint, f.S3.Endpoint)
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = getEnv("LEDGER_ADDR", cfg.Addr)
	cfg.Environment = getEnv("LEDGER_ENV", cfg.Environment)
	cfg.ServiceName = getEnv("LEDGER_SERVICE_NAME", cfg.ServiceName)
	cfg.Version = getEnv("LEDGER_VERSION", cfg.Version)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("LEDGER_DATABASE_URL"), os.Getenv("DATABASE_URL"), cfg.DatabaseURL)
	cfg.AllowMemoryStore = getBool("LEDGER_ALLOW_MEMORY_STORE", cfg.AllowMemoryStore)
	cfg.RequestTimeout = getDuration("LEDGER_REQUEST_TIMEOUT", cfg.RequestTimeout)
	if seeds := os.Getenv("LEDGER_SEED_AGENTS"); seeds != "" {
		cfg.SeedAgents = splitList(seeds)
	}

	cfg.SignerKeyB64 = getEnv("LEDGER_SIGNER_KEY_B64", cfg.SignerKeyB64)
	cfg.SignerID = getEnv("LEDGER_SIGNER_ID", cfg.SignerID)
	cfg.AttributionTTL = getDuration("LEDGER_ATTRIBUTION_TTL", cfg.AttributionTTL)
	cfg.CookieName = getEnv("LEDGER_COOKIE_NAME", cfg.CookieName)
	cfg.CookieSecure = getBool("LEDGER_COOKIE_SECURE", cfg.CookieSecure)

	cfg.AuthJWTSecret = firstNonEmpty(os.Getenv("LEDGER_AUTH_JWT_SECRET"), os.Getenv("JWT_SECRET"), cfg.AuthJWTSecret)
	cfg.AuthIssuer = getEnv("LEDGER_AUTH_ISSUER", cfg.AuthIssuer)
	cfg.AuthAudience = getEnv("LEDGER_AUTH_AUDIENCE", cfg.AuthAudience)

	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = getInt("REDIS_DB", cfg.RedisDB)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitList(brokers)
	}
	cfg.KafkaTopic = getEnv("LEDGER_KAFKA_TOPIC", cfg.KafkaTopic)
	cfg.RelayInterval = getDuration("LEDGER_RELAY_INTERVAL", cfg.RelayInterval)
	cfg.RelayBatchSize = getInt("LEDGER_RELAY_BATCH_SIZE", cfg.RelayBatchSize)

	cfg.S3Bucket = getEnv("LEDGER_S3_BUCKET", cfg.S3Bucket)
	cfg.S3Prefix = getEnv("LEDGER_S3_PREFIX", cfg.S3Prefix)
	cfg.S3Region = firstNonEmpty(os.Getenv("LEDGER_S3_REGION"), os.Getenv("AWS_REGION"), cfg.S3Region)
	cfg.S3Endpoint = getEnv("LEDGER_S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3AccessKey = getEnv("LEDGER_S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = getEnv("LEDGER_S3_SECRET_KEY", cfg.S3SecretKey)
}

// Validate enforces the settings the service cannot start without.
func (c Config) Validate() error {
	if c.DatabaseURL == "" && !c.AllowMemoryStore {
		return fmt.Errorf("DATABASE_URL or LEDGER_DATABASE_URL is required (set LEDGER_ALLOW_MEMORY_STORE=true for local runs)")
	}
	if c.IsProduction() {
		if c.SignerKeyB64 == "" {
			return fmt.Errorf("LEDGER_SIGNER_KEY_B64 is required in production")
		}
		if c.AuthJWTSecret == "" {
			return fmt.Errorf("LEDGER_AUTH_JWT_SECRET is required in production")
		}
		if c.AllowMemoryStore {
			return fmt.Errorf("LEDGER_ALLOW_MEMORY_STORE is not permitted in production")
		}
	}
	if c.AttributionTTL <= 0 {
		return fmt.Errorf("attribution ttl must be positive")
	}
	if c.RelayBatchSize <= 0 {
		return fmt.Errorf("relay batch size must be positive")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// KafkaEnabled reports whether the outbox relay should run.
func (c Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		ok, err := strconv.ParseBool(v)
		if err == nil {
			return ok
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
