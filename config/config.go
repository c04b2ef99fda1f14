package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App struct {
		Environment string
		LogLevel    string
		LogDir      string
		Symbols     []string
		HTTPAddr    string
	}

	Store struct {
		Path           string
		SyncWrites     bool
		BlockCacheSize int64
	}

	Codec struct {
		Compressor string
	}

	Aggregation struct {
		Version          int64
		Location         *time.Location
		StaleToleranceMs int64
	}

	Fetcher struct {
		Mode            string // rest | stream
		BaseURL         string
		StreamURL       string
		PollInterval    time.Duration
		Limit           int
		InitialLoadDays int
		RequestTimeout  time.Duration
	}

	Cache struct {
		MaxWindows int
	}
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	cfg := &Config{}

	// App settings
	cfg.App.Environment = getEnvOrDefault("APP_ENV", "production")
	cfg.App.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.App.LogDir = getEnvOrDefault("LOG_DIR", "logs")
	cfg.App.Symbols = splitList(getEnvOrDefault("SYMBOLS", "BTCUSDT"))
	cfg.App.HTTPAddr = getEnvOrDefault("HTTP_ADDR", ":8080")

	// Store settings
	cfg.Store.Path = getEnvOrDefault("STORE_PATH", "ohlcv_db")
	cfg.Store.SyncWrites = getEnvAsBoolOrDefault("STORE_SYNC_WRITES", true)
	cfg.Store.BlockCacheSize = int64(getEnvAsIntOrDefault("STORE_BLOCK_CACHE_MB", 4)) << 20

	cfg.Codec.Compressor = getEnvOrDefault("COMPRESSOR", "zstd")

	// Aggregation settings
	cfg.Aggregation.Version = int64(getEnvAsIntOrDefault("AGGREGATION_VERSION", 1))
	cfg.Aggregation.StaleToleranceMs = int64(getEnvAsIntOrDefault("STALE_TOLERANCE_MS", 0))
	loc, err := loadLocation(getEnvOrDefault("AGGREGATION_TZ", "Local"))
	if err != nil {
		return nil, err
	}
	cfg.Aggregation.Location = loc

	// Fetcher settings
	cfg.Fetcher.Mode = strings.ToLower(getEnvOrDefault("FETCH_MODE", "rest"))
	cfg.Fetcher.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", "https://api.binance.com")
	cfg.Fetcher.StreamURL = getEnvOrDefault("BINANCE_STREAM_URL", "wss://stream.binance.com:9443/ws")
	cfg.Fetcher.PollInterval = time.Duration(getEnvAsIntOrDefault("POLL_INTERVAL_SECS", 300)) * time.Second
	cfg.Fetcher.Limit = getEnvAsIntOrDefault("FETCH_LIMIT", 1000)
	cfg.Fetcher.InitialLoadDays = getEnvAsIntOrDefault("INITIAL_LOAD_DAYS", 15)
	cfg.Fetcher.RequestTimeout = time.Duration(getEnvAsIntOrDefault("REQUEST_TIMEOUT_SECS", 10)) * time.Second

	cfg.Cache.MaxWindows = getEnvAsIntOrDefault("WINDOW_CACHE_SIZE", 64)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.App.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS must name at least one symbol")
	}
	if c.Aggregation.Version <= 0 {
		return fmt.Errorf("AGGREGATION_VERSION must be positive, got %d", c.Aggregation.Version)
	}
	if c.Aggregation.StaleToleranceMs < 0 || c.Aggregation.StaleToleranceMs >= int64(time.Hour/time.Millisecond) {
		return fmt.Errorf("STALE_TOLERANCE_MS must be in [0, 3600000), got %d", c.Aggregation.StaleToleranceMs)
	}
	switch c.Fetcher.Mode {
	case "rest", "stream":
	default:
		return fmt.Errorf("FETCH_MODE must be rest or stream, got %q", c.Fetcher.Mode)
	}
	if c.Fetcher.Limit <= 0 || c.Fetcher.Limit > 1000 {
		return fmt.Errorf("FETCH_LIMIT must be in [1, 1000], got %d", c.Fetcher.Limit)
	}
	return nil
}

func loadLocation(name string) (*time.Location, error) {
	if strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("AGGREGATION_TZ %q: %w", name, err)
	}
	return loc, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToUpper(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
