// Package config loads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config holds every setting of the board server.
type Config struct {
	ListenAddr    string   `env:"LISTEN_ADDR" env-default:":5000"`
	PublicBaseURL string   `env:"PUBLIC_BASE_URL" env-default:"http://localhost:5000"`
	CORSOrigins   []string `env:"CORS_ORIGINS" env-default:"*" env-separator:","`

	StorageDriver    string `env:"STORAGE_DRIVER" env-default:"sqlite"`
	SQLitePath       string `env:"SQLITE_PATH" env-default:"data/board.db"`
	DatabaseURL      string `env:"DATABASE_URL"`
	ConnectionString string `env:"STORAGE_CONNECTION_STRING"`
	TasksTable       string `env:"TASKS_TABLE" env-default:"Tasks"`
	AccountsTable    string `env:"ACCOUNTS_TABLE" env-default:"Accounts"`

	RedisURL     string        `env:"REDIS_URL"`
	RedisChannel string        `env:"REDIS_CHANNEL" env-default:"board-changes"`
	CacheTTL     time.Duration `env:"CACHE_TTL" env-default:"5m"`
	DeduperTTL   time.Duration `env:"DEDUPER_TTL" env-default:"24h"`
	WSRateLimit  int           `env:"WS_RATE_LIMIT" env-default:"0"`

	JWTSecret         string        `env:"JWT_SECRET" env-required:"true"`
	JWTExpiresIn      time.Duration `env:"JWT_EXPIRES_IN" env-default:"168h"`
	JWTIssuer         string        `env:"JWT_ISSUER"`
	JWTAudience       string        `env:"JWT_AUDIENCE"`
	JWKSURL           string        `env:"JWKS_URL"`
	JWKSCacheTTL      time.Duration `env:"JWKS_CACHE_TTL" env-default:"15m"`
	AuthLookupTimeout time.Duration `env:"AUTH_LOOKUP_TIMEOUT" env-default:"3s"`

	WSHandshakeTimeout time.Duration `env:"WS_HANDSHAKE_TIMEOUT" env-default:"10s"`
	WSSendBuffer       int           `env:"WS_SEND_BUFFER" env-default:"64"`
	WSWriteTimeout     time.Duration `env:"WS_WRITE_TIMEOUT" env-default:"10s"`

	UploadDir     string        `env:"UPLOAD_DIR" env-default:"uploads"`
	UploadTimeout time.Duration `env:"UPLOAD_TIMEOUT" env-default:"30s"`

	JournalDriver  string   `env:"JOURNAL_DRIVER"`
	JournalQueue   string   `env:"JOURNAL_QUEUE" env-default:"board-changes"`
	KafkaBrokers   []string `env:"KAFKA_BROKERS" env-separator:","`
	KafkaTopic     string   `env:"KAFKA_TOPIC" env-default:"board-changes"`
	JournalWorkers int      `env:"JOURNAL_WORKERS" env-default:"4"`
	JournalBuffer  int      `env:"JOURNAL_BUFFER" env-default:"4096"`

	Debug     bool   `env:"DEBUG" env-default:"false"`
	LogFormat string `env:"LOG_FORMAT" env-default:"text"`
	LogFile   string `env:"LOG_FILE"`
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read .env: %w", err)
	}
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks combinations the struct tags cannot express.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	c.StorageDriver = strings.ToLower(c.StorageDriver)
	switch c.StorageDriver {
	case "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORAGE_DRIVER=postgres")
		}
	case "tables":
		if c.ConnectionString == "" {
			return errors.New("STORAGE_CONNECTION_STRING is required when STORAGE_DRIVER=tables")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER %q", c.StorageDriver)
	}

	c.JournalDriver = strings.ToLower(c.JournalDriver)
	switch c.JournalDriver {
	case "":
	case "azqueue":
		if c.ConnectionString == "" {
			return errors.New("STORAGE_CONNECTION_STRING is required when JOURNAL_DRIVER=azqueue")
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required when JOURNAL_DRIVER=kafka")
		}
	default:
		return fmt.Errorf("unsupported JOURNAL_DRIVER %q", c.JournalDriver)
	}

	if c.WSSendBuffer <= 0 {
		return errors.New("WS_SEND_BUFFER must be greater than zero")
	}
	if c.WSRateLimit < 0 {
		return errors.New("WS_RATE_LIMIT must not be negative")
	}
	if c.JWTExpiresIn <= 0 {
		return errors.New("JWT_EXPIRES_IN must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported LOG_FORMAT %q", c.LogFormat)
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
	return nil
}
