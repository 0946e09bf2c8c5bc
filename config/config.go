// Package config loads relay settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/cyberinferno/wsrelay/idgenerator"
	"github.com/cyberinferno/wsrelay/logger"
)

// Config holds every relay setting. Load fills it from the environment;
// Default gives the values used for unset variables.
type Config struct {
	// Listener
	Addr            string
	WSPath          string
	ShutdownTimeout time.Duration
	// Origins accepted on upgrade; empty accepts every origin
	AllowedOrigins []string

	// Transport
	MaxMessageSize int64
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration

	// Dispatch
	MaxConcurrentWrites int

	// Per-session inbound limit; 0 disables it
	RateLimit float64
	RateBurst int

	// Replay of the last broadcast to newly connected sessions
	ReplayLast bool
	ReplayTTL  time.Duration

	IDStrategy string
	Metrics    bool

	// Logging
	LogLevel    string
	LogDir      string
	ServiceName string
}

// Default returns the configuration used when no variable is set.
func Default() *Config {
	return &Config{
		Addr:                ":8080",
		WSPath:              "/ws",
		ShutdownTimeout:     5 * time.Second,
		MaxMessageSize:      64 * 1024,
		WriteTimeout:        10 * time.Second,
		MaxConcurrentWrites: 64,
		RateBurst:           20,
		ReplayTTL:           5 * time.Minute,
		IDStrategy:          idgenerator.StrategyCounter,
		Metrics:             true,
		LogLevel:            "info",
		ServiceName:         "wsrelay",
	}
}

// Load reads the given .env files (".env" when none are named), then the
// environment, and validates the result. Missing .env files are not an error;
// variables already set in the environment win over the files.
//
// Parameters:
//   - files: Optional .env paths
//
// Returns:
//   - The validated configuration, or the first parse or validation error
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	d := Default()
	c := &Config{}

	loadEnvString(&c.Addr, "WSRELAY_ADDR", d.Addr)
	loadEnvString(&c.WSPath, "WSRELAY_WS_PATH", d.WSPath)
	loadEnvString(&c.IDStrategy, "WSRELAY_ID_STRATEGY", d.IDStrategy)
	loadEnvString(&c.LogLevel, "LOG_LEVEL", d.LogLevel)
	loadEnvString(&c.LogDir, "LOG_DIR", d.LogDir)
	loadEnvString(&c.ServiceName, "SERVICE_NAME", d.ServiceName)
	loadEnvStringSlice(&c.AllowedOrigins, "WSRELAY_ALLOWED_ORIGINS", d.AllowedOrigins)

	if err := loadEnvDuration(&c.ShutdownTimeout, "WSRELAY_SHUTDOWN_TIMEOUT", d.ShutdownTimeout); err != nil {
		return nil, err
	}

	if err := loadEnvInt64(&c.MaxMessageSize, "WSRELAY_MAX_MESSAGE_SIZE", d.MaxMessageSize); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&c.WriteTimeout, "WSRELAY_WRITE_TIMEOUT", d.WriteTimeout); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&c.IdleTimeout, "WSRELAY_IDLE_TIMEOUT", d.IdleTimeout); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&c.MaxConcurrentWrites, "WSRELAY_MAX_CONCURRENT_WRITES", d.MaxConcurrentWrites); err != nil {
		return nil, err
	}
	if err := loadEnvFloat(&c.RateLimit, "WSRELAY_RATE_LIMIT", d.RateLimit); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&c.RateBurst, "WSRELAY_RATE_BURST", d.RateBurst); err != nil {
		return nil, err
	}
	if err := loadEnvBool(&c.ReplayLast, "WSRELAY_REPLAY_LAST", d.ReplayLast); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&c.ReplayTTL, "WSRELAY_REPLAY_TTL", d.ReplayTTL); err != nil {
		return nil, err
	}
	if err := loadEnvBool(&c.Metrics, "WSRELAY_METRICS", d.Metrics); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Validate checks that the configuration can start a relay.
func (c *Config) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, errors.New("listen address must not be empty"))
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		errs = append(errs, fmt.Errorf("ws path %q must start with /", c.WSPath))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("max message size must be positive, got %d", c.MaxMessageSize))
	}
	if c.WriteTimeout < 0 || c.IdleTimeout < 0 || c.ReplayTTL < 0 || c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if c.MaxConcurrentWrites < 1 {
		errs = append(errs, fmt.Errorf("max concurrent writes must be at least 1, got %d", c.MaxConcurrentWrites))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative, got %g", c.RateLimit))
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		errs = append(errs, fmt.Errorf("rate burst must be at least 1 when limiting, got %d", c.RateBurst))
	}
	if _, err := idgenerator.New(c.IDStrategy); err != nil {
		errs = append(errs, err)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

func loadEnvString(target *string, key, defaultValue string) {
	if value := os.Getenv(key); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
}

// loadEnvStringSlice splits a comma-separated value, dropping empty entries.
func loadEnvStringSlice(target *[]string, key string, defaultValue []string) {
	value := os.Getenv(key)
	if value == "" {
		*target = defaultValue
		return
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*target = out
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	value := os.Getenv(key)
	if value == "" {
		*target = defaultValue
		return nil
	}

	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	*target = n

	return nil
}

func loadEnvInt64(target *int64, key string, defaultValue int64) error {
	value := os.Getenv(key)
	if value == "" {
		*target = defaultValue
		return nil
	}

	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	*target = n

	return nil
}

func loadEnvFloat(target *float64, key string, defaultValue float64) error {
	value := os.Getenv(key)
	if value == "" {
		*target = defaultValue
		return nil
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid number for %s: %w", key, err)
	}
	*target = f

	return nil
}

func loadEnvBool(target *bool, key string, defaultValue bool) error {
	value := os.Getenv(key)
	if value == "" {
		*target = defaultValue
		return nil
	}

	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid boolean for %s: %w", key, err)
	}
	*target = b

	return nil
}

// loadEnvDuration accepts Go durations ("10s") and bare seconds ("10").
func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		*target = defaultValue
		return nil
	}

	if secs, err := strconv.Atoi(value); err == nil {
		*target = time.Duration(secs) * time.Second
		return nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	*target = d

	return nil
}
