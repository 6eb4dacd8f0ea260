// Package config loads cashsync settings from the environment and optional
// .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Log struct {
		Level  string `envconfig:"CASHSYNC_LOG_LEVEL" default:"info"`
		Format string `envconfig:"CASHSYNC_LOG_FORMAT" default:"text"`
	}

	Client struct {
		UserID         string        `envconfig:"CASHSYNC_USER_ID"`
		Admin          bool          `envconfig:"CASHSYNC_ADMIN" default:"false"`
		RelayURL       string        `envconfig:"CASHSYNC_RELAY_URL" default:"http://127.0.0.1:8080"`
		Token          string        `envconfig:"CASHSYNC_TOKEN"`
		LocalDSN       string        `envconfig:"CASHSYNC_LOCAL_DSN" default:"file://.cashsync"`
		Timeout        time.Duration `envconfig:"CASHSYNC_TIMEOUT" default:"20s"`
		Retries        int           `envconfig:"CASHSYNC_RETRIES" default:"3"`
		RetryDelay     time.Duration `envconfig:"CASHSYNC_RETRY_DELAY" default:"500ms"`
		RetryMaxDelay  time.Duration `envconfig:"CASHSYNC_RETRY_MAX_DELAY" default:"8s"`
		QueueCapacity  int           `envconfig:"CASHSYNC_QUEUE_CAPACITY" default:"0"`
		Interval       time.Duration `envconfig:"CASHSYNC_INTERVAL" default:"30s"`
		IntervalJitter float64       `envconfig:"CASHSYNC_INTERVAL_JITTER" default:"0.2"`
	}

	Relay struct {
		Addr            string        `envconfig:"CASHSYNC_RELAY_ADDR" default:":8080"`
		StoreDSN        string        `envconfig:"CASHSYNC_RELAY_STORE_DSN" default:"memory://"`
		TablePrefix     string        `envconfig:"CASHSYNC_RELAY_TABLE_PREFIX" default:"cashsync"`
		JWTSecret       string        `envconfig:"CASHSYNC_JWT_SECRET"`
		RateLimitMax    int           `envconfig:"CASHSYNC_RATE_LIMIT_MAX" default:"0"`
		RateLimitWindow time.Duration `envconfig:"CASHSYNC_RATE_LIMIT_WINDOW" default:"1m"`
		MaxBodyBytes    int64         `envconfig:"CASHSYNC_MAX_BODY_BYTES" default:"4194304"`
		AllowedOrigins  []string      `envconfig:"CASHSYNC_ALLOWED_ORIGINS" default:"*"`
		ShutdownTimeout time.Duration `envconfig:"CASHSYNC_SHUTDOWN_TIMEOUT" default:"10s"`
	}
}

// Load reads envFiles (missing files are skipped) and then the process
// environment. Variables already set win over .env values.
func Load(envFiles ...string) (*Config, error) {
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q", c.Log.Format)
	}
	if c.Client.Retries < 0 {
		return fmt.Errorf("CASHSYNC_RETRIES must not be negative")
	}
	if c.Client.IntervalJitter < 0 || c.Client.IntervalJitter > 1 {
		return fmt.Errorf("CASHSYNC_INTERVAL_JITTER must be within 0..1")
	}
	return nil
}
