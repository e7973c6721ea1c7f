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
	DBSource string
	Port     string
	Env      string
	LogLevel string

	Currency       string
	TopupMinMinor  int64
	TopupMaxMinor  int64
	SettlementHold time.Duration
	// SettlementInterval of zero disables the settlement worker.
	SettlementInterval time.Duration

	IdempotencyLeaseTTL        time.Duration
	IdempotencyWait            time.Duration
	IdempotencyRetention       time.Duration
	IdempotencyCleanupInterval time.Duration

	LockTimeout    time.Duration
	RetryMax       int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	RedisAddress string
	KafkaBrokers []string
	KafkaTopic   string
}

// Load reads .env files when present and then the process environment.
func Load() (*Config, error) {
	LoadEnvFiles(".env", ".env.dev")

	l := loader{}
	cfg := &Config{
		DBSource: os.Getenv("DB_SOURCE"),
		Port:     getEnv("SERVER_PORT", "8080"),
		Env:      getEnv("ENVIRONMENT", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		Currency:           strings.ToUpper(getEnv("LEDGER_CURRENCY", "INR")),
		TopupMinMinor:      l.int64("TOPUP_MIN_MINOR", 100),
		TopupMaxMinor:      l.int64("TOPUP_MAX_MINOR", 10_000_000),
		SettlementHold:     l.duration("SETTLEMENT_HOLD", 72*time.Hour),
		SettlementInterval: l.duration("SETTLEMENT_INTERVAL", 5*time.Minute),

		IdempotencyLeaseTTL:        l.duration("IDEMPOTENCY_LEASE_TTL", 30*time.Second),
		IdempotencyWait:            l.duration("IDEMPOTENCY_WAIT", 2*time.Second),
		IdempotencyRetention:       l.duration("IDEMPOTENCY_RETENTION", 30*24*time.Hour),
		IdempotencyCleanupInterval: l.duration("IDEMPOTENCY_CLEANUP_INTERVAL", time.Hour),

		LockTimeout:    l.duration("LOCK_TIMEOUT", 2*time.Second),
		RetryMax:       int(l.int64("RETRY_MAX", 3)),
		RetryBaseDelay: l.duration("RETRY_BASE_DELAY", 20*time.Millisecond),
		RetryMaxDelay:  l.duration("RETRY_MAX_DELAY", 500*time.Millisecond),

		RedisAddress: os.Getenv("REDIS_ADDRESS"),
		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "ledger_transactions"),
	}
	if l.err != nil {
		return nil, l.err
	}
	if cfg.TopupMinMinor <= 0 || cfg.TopupMaxMinor < cfg.TopupMinMinor {
		return nil, fmt.Errorf("topup bounds invalid: min=%d max=%d", cfg.TopupMinMinor, cfg.TopupMaxMinor)
	}
	if cfg.RetryMax < 0 {
		return nil, fmt.Errorf("RETRY_MAX must not be negative")
	}
	return cfg, nil
}

// LoadEnvFiles overlays variables from the given files when they exist.
func LoadEnvFiles(files ...string) []string {
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			continue
		}
		loaded = append(loaded, file)
	}
	return loaded
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loader keeps the first parse error so Load can report it once.
type loader struct {
	err error
}

func (l *loader) int64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil && l.err == nil {
		l.err = fmt.Errorf("%s: %w", key, err)
	}
	return n
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil && l.err == nil {
		l.err = fmt.Errorf("%s: %w", key, err)
	}
	return d
}
