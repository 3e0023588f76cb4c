package ttc

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jusunglee/ttc-go/internal/feed"
)

// Config holds configuration for the TTC client and server
type Config struct {
	Port             string        `yaml:"port" validate:"required,numeric"`
	DatabasePath     string        `yaml:"database" validate:"required"`
	FeedURL          string        `yaml:"feed_url" validate:"required,url"`
	Agency           string        `yaml:"agency" validate:"required"`
	HTTPTimeout      time.Duration `yaml:"http_timeout" validate:"gt=0"`
	MaxRetries       int           `yaml:"max_retries" validate:"gte=0,lte=10"`
	FetchConcurrency int           `yaml:"fetch_concurrency" validate:"gte=1,lte=32"`
	NearestDefault   int           `yaml:"nearest_default" validate:"gte=1"`
	AllowedOrigins   []string      `yaml:"allowed_origins" validate:"dive,required"`
	LogLevel         string        `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Port:             "5000",
		DatabasePath:     "transportation.db",
		FeedURL:          feed.DefaultBaseURL,
		Agency:           "ttc",
		HTTPTimeout:      30 * time.Second,
		MaxRetries:       2,
		FetchConcurrency: 4,
		NearestDefault:   5,
		AllowedOrigins:   []string{"*"},
		LogLevel:         "info",
	}
}

// LoadConfig builds a Config from defaults, then the YAML file at path (if
// path is non-empty), then a .env file in the working directory (if present),
// then environment variables. The result is validated.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// LoadFile overlays the YAML file at path onto c
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays TTC_* environment variables onto c. PORT is honoured
// when TTC_PORT is unset, for platforms that inject it.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("TTC_PORT"); ok {
		c.Port = v
	} else if v, ok := lookup("PORT"); ok {
		c.Port = v
	}
	if v, ok := lookup("TTC_DATABASE"); ok {
		c.DatabasePath = v
	}
	if v, ok := lookup("TTC_FEED_URL"); ok {
		c.FeedURL = v
	}
	if v, ok := lookup("TTC_AGENCY"); ok {
		c.Agency = v
	}
	if v, ok := lookup("TTC_HTTP_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid TTC_HTTP_TIMEOUT %q: %w", v, err)
		}
		c.HTTPTimeout = d
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{"TTC_MAX_RETRIES", &c.MaxRetries},
		{"TTC_FETCH_CONCURRENCY", &c.FetchConcurrency},
		{"TTC_NEAREST_DEFAULT", &c.NearestDefault},
	}
	for _, e := range ints {
		v, ok := lookup(e.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", e.name, v, err)
		}
		*e.dst = n
	}
	if v, ok := lookup("TTC_ALLOWED_ORIGINS"); ok {
		c.AllowedOrigins = splitList(v)
	}
	if v, ok := lookup("TTC_LOG_LEVEL"); ok {
		c.LogLevel = strings.ToLower(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks c against its struct tags
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SlogLevel maps LogLevel to a slog.Level
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// FeedOptions derives feed client options from c
func (c Config) FeedOptions() feed.Options {
	return feed.Options{
		BaseURL:     c.FeedURL,
		Agency:      c.Agency,
		Timeout:     c.HTTPTimeout,
		MaxRetries:  c.MaxRetries,
		Concurrency: c.FetchConcurrency,
	}
}
