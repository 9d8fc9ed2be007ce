// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// HTTP server, logging, storage, pricing, reservation timers, the ledger and
// chat collaborators, the operator channel, and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrConfiguration marks a configuration that cannot be used to start the
// process. It is fatal and reported before any event loop starts.
var ErrConfiguration = errors.New("configuration error")

// PriceThreshold is one row of the pricing table: identifiers of at least
// MinLength runes cost Amount.
type PriceThreshold struct {
	MinLength int
	Amount    int64
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// SMTPConfig holds the operator mail relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

// RedisConfig enables the cross-instance lock lease when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	LeaseTTL time.Duration
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	GinMode      string // debug|release|test
	APIBasePath  string

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool

	// Storage
	DBDriver string // sqlite|postgres|mysql
	DBDSN    string

	// Pricing and reservation timers
	PriceTable         []PriceThreshold
	PriceTimeout       time.Duration
	ReminderTimeout    time.Duration
	MaxPerRequester    int
	BounceFee          int64
	MinBounceAmount    int64
	ProfileSalt        string
	PostTimestamp      bool
	Languages          []string
	AttestorAddress    string // issued from the ledger when empty
	AccumulationAddr   string // issued from the ledger when empty
	PayoutAddress      string // payouts disabled when empty
	RetryInterval      time.Duration
	ExpiryInterval     time.Duration
	ConsolidateEvery   time.Duration
	PayoutEvery        time.Duration
	MaxAuthorsPerUnit  int

	// Collaborators
	LedgerURL       string
	LedgerTimeout   time.Duration
	AMQPURL         string
	Redis           RedisConfig
	EventsJWTSecret string

	// Operator channel
	AdminEmail string
	FromEmail  string
	SMTP       SMTPConfig

	// HTTP rate limiting (per caller)
	RateRPS   float64
	RateBurst int

	// Observability
	OTEL OTELConfig
}

// MultiLingual reports whether requesters are asked to pick a language.
func (c Config) MultiLingual() bool { return len(c.Languages) > 1 }

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables, applies defaults,
// normalizes values, and validates the result.
func Load() (Config, error) {
	bounceFee := getint64("BOUNCE_FEE", 10000)
	cfg := Config{
		Port:         getenv("PORT", "8080"),
		ReadTimeout:  getdur("READ_TIMEOUT", 15*time.Second),
		WriteTimeout: getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:  getdur("IDLE_TIMEOUT", 60*time.Second),
		GinMode:      strings.ToLower(getenv("GIN_MODE", "release")),
		APIBasePath:  normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		DBDriver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBDSN:    getenv("DB_DSN", "attestor.db"),

		PriceTimeout:      getdur("PRICE_TIMEOUT", time.Hour),
		ReminderTimeout:   getdur("REMINDER_TIMEOUT", 2*time.Minute),
		MaxPerRequester:   getint("MAX_IDENTIFIERS_PER_REQUESTER", 5),
		BounceFee:         bounceFee,
		MinBounceAmount:   getint64("MIN_BOUNCE_AMOUNT", bounceFee+1000),
		ProfileSalt:       os.Getenv("PROFILE_SALT"),
		PostTimestamp:     getbool("POST_TIMESTAMP", false),
		Languages:         splitCSV(getenv("LANGUAGES", "en")),
		AttestorAddress:   os.Getenv("ATTESTOR_ADDRESS"),
		AccumulationAddr:  os.Getenv("ACCUMULATION_ADDRESS"),
		PayoutAddress:     os.Getenv("PAYOUT_ADDRESS"),
		RetryInterval:     getdur("RETRY_INTERVAL", 10*time.Second),
		ExpiryInterval:    getdur("EXPIRY_INTERVAL", time.Minute),
		ConsolidateEvery:  getdur("CONSOLIDATE_INTERVAL", time.Hour),
		PayoutEvery:       getdur("PAYOUT_INTERVAL", 7*24*time.Hour),
		MaxAuthorsPerUnit: getint("MAX_AUTHORS_PER_UNIT", 16),

		LedgerURL:     strings.TrimRight(getenv("LEDGER_URL", "http://localhost:6611"), "/"),
		LedgerTimeout: getdur("LEDGER_TIMEOUT", 10*time.Second),
		AMQPURL:       os.Getenv("AMQP_URL"),
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getint("REDIS_DB", 0),
			LeaseTTL: getdur("LOCK_LEASE_TTL", 30*time.Second),
		},
		EventsJWTSecret: os.Getenv("EVENTS_JWT_SECRET"),

		AdminEmail: os.Getenv("ADMIN_EMAIL"),
		FromEmail:  os.Getenv("FROM_EMAIL"),
		SMTP: SMTPConfig{
			Host:     getenv("SMTP_HOST", "localhost"),
			Port:     getint("SMTP_PORT", 25),
			User:     os.Getenv("SMTP_USER"),
			Password: os.Getenv("SMTP_PASSWORD"),
		},

		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "username-attestor"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	table, err := ParsePriceTable(getenv("PRICE_TABLE", "3:0,4:2050,5:1750,7:1450"))
	if err != nil {
		return cfg, err
	}
	cfg.PriceTable = table

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"en"}
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	switch cfg.DBDriver {
	case "sqlite", "postgres", "mysql":
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres, mysql")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if strings.TrimSpace(cfg.DBDSN) == "" {
		return cfg, errors.New("DB_DSN must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.PriceTimeout <= 0 || cfg.ReminderTimeout <= 0 {
		return cfg, errors.New("PRICE_TIMEOUT and REMINDER_TIMEOUT must be > 0")
	}
	if cfg.ReminderTimeout >= cfg.PriceTimeout {
		return cfg, errors.New("REMINDER_TIMEOUT must be shorter than PRICE_TIMEOUT")
	}
	if cfg.RetryInterval <= 0 || cfg.ExpiryInterval <= 0 || cfg.ConsolidateEvery <= 0 || cfg.PayoutEvery <= 0 {
		return cfg, errors.New("sweep intervals must be positive durations")
	}
	if cfg.MaxPerRequester < 1 {
		return cfg, errors.New("MAX_IDENTIFIERS_PER_REQUESTER must be >= 1")
	}
	if cfg.BounceFee < 0 || cfg.MinBounceAmount <= cfg.BounceFee {
		return cfg, errors.New("MIN_BOUNCE_AMOUNT must exceed BOUNCE_FEE")
	}
	if cfg.MaxAuthorsPerUnit < 1 {
		return cfg, errors.New("MAX_AUTHORS_PER_UNIT must be >= 1")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	if strings.TrimSpace(cfg.ProfileSalt) == "" {
		return cfg, fmt.Errorf("%w: PROFILE_SALT must be set", ErrConfiguration)
	}
	if cfg.AdminEmail == "" || cfg.FromEmail == "" {
		return cfg, fmt.Errorf("%w: ADMIN_EMAIL and FROM_EMAIL must be set", ErrConfiguration)
	}

	return cfg, nil
}

// ParsePriceTable parses "minLength:amount" pairs separated by commas. The
// result is sorted ascending by MinLength; duplicate lengths are rejected.
func ParsePriceTable(s string) ([]PriceThreshold, error) {
	parts := splitCSV(s)
	if len(parts) == 0 {
		return nil, errors.New("PRICE_TABLE must not be empty")
	}
	out := make([]PriceThreshold, 0, len(parts))
	seen := make(map[int]struct{}, len(parts))
	for _, p := range parts {
		k, v, ok := strings.Cut(p, ":")
		if !ok {
			return nil, fmt.Errorf("PRICE_TABLE entry %q must be minLength:amount", p)
		}
		n, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("PRICE_TABLE entry %q has invalid length", p)
		}
		amt, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || amt < 0 {
			return nil, fmt.Errorf("PRICE_TABLE entry %q has invalid amount", p)
		}
		if _, dup := seen[n]; dup {
			return nil, fmt.Errorf("PRICE_TABLE has duplicate length %d", n)
		}
		seen[n] = struct{}{}
		out = append(out, PriceThreshold{MinLength: n, Amount: amt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinLength < out[j].MinLength })
	return out, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
