package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/execgateway/internal/domain"
)

// Broker modes.
const (
	BrokerModePaper = "paper"
	BrokerModeHTTP  = "http"
)

// Config holds all runtime configuration for the execution gateway.
type Config struct {
	Port            int
	LogLevel        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// DatabaseURL selects PostgreSQL; empty keeps state in memory.
	DatabaseURL string
	// RedisAddr selects Redis for reservations and halt flags; empty keeps
	// them in memory.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	BrokerMode      string
	BrokerURL       string
	BrokerAPIKey    string
	BrokerAPISecret string
	BrokerTimeout   time.Duration
	BrokerStreamURL string

	// WebhookSecret enables POST /webhooks/broker when set.
	WebhookSecret    string
	WebhookTolerance time.Duration

	APIKeys        map[string]string // key -> owner
	AdminAPIKeys   []string
	RateLimitRPS   float64
	RateLimitBurst int

	DefaultPositionLimit int64
	PositionLimits       map[string]int64
	ReservationTTL       time.Duration
	MaxOrderQuantity     int64
	MaxOrderNotional     decimal.Decimal

	ReconInterval               time.Duration
	ReconTimeout                time.Duration
	ReconConcurrency            int
	ReconNotReadyPolicy         string
	ReconPositionSyncGatesReady bool
	ReconOscillationThreshold   int
	ReconFillLookback           time.Duration

	WorkerPoolSize int
}

// Load reads configuration from a .env file, if present, and environment
// variables, applies defaults, and validates values. It returns an error
// for any invalid value.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	var err error

	if cfg.Port, err = getInt("PORT", 8080); err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	cfg.LogLevel = getStr("LOG_LEVEL", "info")
	if !isValidLogLevel(cfg.LogLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", cfg.LogLevel)
	}

	if cfg.ReadTimeout, err = getDuration("READ_TIMEOUT", 5*time.Second); err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}
	if cfg.WriteTimeout, err = getDuration("WRITE_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}
	if cfg.IdleTimeout, err = getDuration("IDLE_TIMEOUT", 60*time.Second); err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}
	if cfg.ShutdownTimeout, err = getDuration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	cfg.DatabaseURL = getStr("DATABASE_URL", "")
	cfg.RedisAddr = getStr("REDIS_ADDR", "")
	cfg.RedisPassword = getStr("REDIS_PASSWORD", "")
	if cfg.RedisDB, err = getInt("REDIS_DB", 0); err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	if err := loadBroker(cfg); err != nil {
		return nil, err
	}
	if err := loadAccess(cfg); err != nil {
		return nil, err
	}
	if err := loadRisk(cfg); err != nil {
		return nil, err
	}
	if err := loadRecon(cfg); err != nil {
		return nil, err
	}

	if cfg.WorkerPoolSize, err = getInt("WORKER_POOL_SIZE", runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("invalid WORKER_POOL_SIZE: %w", err)
	}
	if cfg.WorkerPoolSize < 1 {
		return nil, fmt.Errorf("invalid WORKER_POOL_SIZE: %d, must be at least 1", cfg.WorkerPoolSize)
	}

	return cfg, nil
}

func loadBroker(cfg *Config) error {
	var err error
	cfg.BrokerMode = getStr("BROKER_MODE", BrokerModePaper)
	switch cfg.BrokerMode {
	case BrokerModePaper:
	case BrokerModeHTTP:
		if os.Getenv("BROKER_URL") == "" {
			return errors.New("invalid BROKER_URL: required when BROKER_MODE=http")
		}
	default:
		return fmt.Errorf("invalid BROKER_MODE: %q, must be one of: paper, http", cfg.BrokerMode)
	}
	cfg.BrokerURL = getStr("BROKER_URL", "")
	cfg.BrokerAPIKey = getStr("BROKER_API_KEY", "")
	cfg.BrokerAPISecret = getStr("BROKER_API_SECRET", "")
	cfg.BrokerStreamURL = getStr("BROKER_STREAM_URL", "")
	if cfg.BrokerTimeout, err = getDuration("BROKER_TIMEOUT", 3*time.Second); err != nil {
		return fmt.Errorf("invalid BROKER_TIMEOUT: %w", err)
	}
	if cfg.BrokerTimeout <= 0 {
		return fmt.Errorf("invalid BROKER_TIMEOUT: %s, must be positive", cfg.BrokerTimeout)
	}

	cfg.WebhookSecret = getStr("WEBHOOK_SECRET", "")
	if cfg.WebhookTolerance, err = getDuration("WEBHOOK_TOLERANCE", 5*time.Minute); err != nil {
		return fmt.Errorf("invalid WEBHOOK_TOLERANCE: %w", err)
	}
	// Stream frames carry the same signature as webhooks.
	if cfg.BrokerStreamURL != "" && cfg.WebhookSecret == "" {
		return fmt.Errorf("invalid BROKER_STREAM_URL: WEBHOOK_SECRET is required to verify stream frames")
	}
	return nil
}

func loadAccess(cfg *Config) error {
	var err error
	if cfg.APIKeys, err = parseAPIKeys(getStr("API_KEYS", "")); err != nil {
		return fmt.Errorf("invalid API_KEYS: %w", err)
	}
	cfg.AdminAPIKeys = splitList(getStr("ADMIN_API_KEYS", ""))

	if cfg.RateLimitRPS, err = getFloat("RATE_LIMIT_RPS", 50); err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_RPS: %w", err)
	}
	if cfg.RateLimitRPS <= 0 {
		return fmt.Errorf("invalid RATE_LIMIT_RPS: %v, must be positive", cfg.RateLimitRPS)
	}
	if cfg.RateLimitBurst, err = getInt("RATE_LIMIT_BURST", 100); err != nil {
		return fmt.Errorf("invalid RATE_LIMIT_BURST: %w", err)
	}
	if cfg.RateLimitBurst < 1 {
		return fmt.Errorf("invalid RATE_LIMIT_BURST: %d, must be at least 1", cfg.RateLimitBurst)
	}
	return nil
}

func loadRisk(cfg *Config) error {
	var err error
	if cfg.DefaultPositionLimit, err = getInt64("DEFAULT_POSITION_LIMIT", 10000); err != nil {
		return fmt.Errorf("invalid DEFAULT_POSITION_LIMIT: %w", err)
	}
	if cfg.DefaultPositionLimit < 0 {
		return fmt.Errorf("invalid DEFAULT_POSITION_LIMIT: %d, must not be negative", cfg.DefaultPositionLimit)
	}
	if cfg.PositionLimits, err = parsePositionLimits(getStr("POSITION_LIMITS", "")); err != nil {
		return fmt.Errorf("invalid POSITION_LIMITS: %w", err)
	}
	if cfg.ReservationTTL, err = getDuration("RESERVATION_TTL", 30*time.Second); err != nil {
		return fmt.Errorf("invalid RESERVATION_TTL: %w", err)
	}
	if cfg.ReservationTTL <= cfg.BrokerTimeout {
		return fmt.Errorf("invalid RESERVATION_TTL: %s, must exceed BROKER_TIMEOUT (%s)", cfg.ReservationTTL, cfg.BrokerTimeout)
	}
	if cfg.MaxOrderQuantity, err = getInt64("MAX_ORDER_QUANTITY", 0); err != nil {
		return fmt.Errorf("invalid MAX_ORDER_QUANTITY: %w", err)
	}
	if cfg.MaxOrderQuantity < 0 {
		return fmt.Errorf("invalid MAX_ORDER_QUANTITY: %d, must not be negative", cfg.MaxOrderQuantity)
	}
	cfg.MaxOrderNotional = decimal.Zero
	if v := os.Getenv("MAX_ORDER_NOTIONAL"); v != "" {
		if cfg.MaxOrderNotional, err = decimal.NewFromString(v); err != nil {
			return fmt.Errorf("invalid MAX_ORDER_NOTIONAL: %w", err)
		}
		if cfg.MaxOrderNotional.IsNegative() {
			return fmt.Errorf("invalid MAX_ORDER_NOTIONAL: %s, must not be negative", v)
		}
	}
	return nil
}

func loadRecon(cfg *Config) error {
	var err error
	if cfg.ReconInterval, err = getDuration("RECON_INTERVAL", 30*time.Second); err != nil {
		return fmt.Errorf("invalid RECON_INTERVAL: %w", err)
	}
	if cfg.ReconInterval <= 0 {
		return fmt.Errorf("invalid RECON_INTERVAL: %s, must be positive", cfg.ReconInterval)
	}
	if cfg.ReconTimeout, err = getDuration("RECON_TIMEOUT", 2*time.Minute); err != nil {
		return fmt.Errorf("invalid RECON_TIMEOUT: %w", err)
	}
	if cfg.ReconConcurrency, err = getInt("RECON_CONCURRENCY", 8); err != nil {
		return fmt.Errorf("invalid RECON_CONCURRENCY: %w", err)
	}
	if cfg.ReconConcurrency < 1 {
		return fmt.Errorf("invalid RECON_CONCURRENCY: %d, must be at least 1", cfg.ReconConcurrency)
	}

	cfg.ReconNotReadyPolicy = getStr("RECON_NOT_READY_POLICY", "block")
	switch cfg.ReconNotReadyPolicy {
	case "block", "reduce_only":
	default:
		return fmt.Errorf("invalid RECON_NOT_READY_POLICY: %q, must be one of: block, reduce_only", cfg.ReconNotReadyPolicy)
	}

	if cfg.ReconPositionSyncGatesReady, err = getBool("RECON_POSITION_SYNC_GATES_READY", false); err != nil {
		return fmt.Errorf("invalid RECON_POSITION_SYNC_GATES_READY: %w", err)
	}
	if cfg.ReconOscillationThreshold, err = getInt("RECON_OSCILLATION_THRESHOLD", 4); err != nil {
		return fmt.Errorf("invalid RECON_OSCILLATION_THRESHOLD: %w", err)
	}
	if cfg.ReconOscillationThreshold < 1 {
		return fmt.Errorf("invalid RECON_OSCILLATION_THRESHOLD: %d, must be at least 1", cfg.ReconOscillationThreshold)
	}
	if cfg.ReconFillLookback, err = getDuration("RECON_FILL_LOOKBACK", 24*time.Hour); err != nil {
		return fmt.Errorf("invalid RECON_FILL_LOOKBACK: %w", err)
	}
	return nil
}

// parseAPIKeys parses "key:owner,key:owner".
func parseAPIKeys(s string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, entry := range splitList(s) {
		key, owner, ok := strings.Cut(entry, ":")
		key, owner = strings.TrimSpace(key), strings.TrimSpace(owner)
		if !ok || key == "" || owner == "" {
			return nil, fmt.Errorf("entry %q, want key:owner", entry)
		}
		if _, dup := keys[key]; dup {
			return nil, fmt.Errorf("key listed twice for owner %q", owner)
		}
		keys[key] = owner
	}
	return keys, nil
}

// parsePositionLimits parses "SYM=limit,SYM=limit".
func parsePositionLimits(s string) (map[string]int64, error) {
	limits := make(map[string]int64)
	for _, entry := range splitList(s) {
		sym, v, ok := strings.Cut(entry, "=")
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if !ok || !domain.ValidSymbol(sym) {
			return nil, fmt.Errorf("entry %q, want SYMBOL=limit", entry)
		}
		limit, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || limit < 0 {
			return nil, fmt.Errorf("entry %q: limit must be a non-negative integer", entry)
		}
		limits[sym] = limit
	}
	return limits, nil
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

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getInt64(key string, defaultVal int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseFloat(v, 64)
}

func getBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.ParseBool(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
