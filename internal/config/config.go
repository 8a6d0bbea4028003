package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/example/campus-rides/internal/storage"
)

// Config captures all tunable parameters shared by the API, agent and
// scheduler processes. Values are primarily loaded from environment
// variables with sane defaults so the binaries can run locally without
// excessive setup.
type Config struct {
	HTTPAddr        string
	MetricsAddr     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	StoreBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	PGDSN         string
	RunMigrations bool

	TxMaxAttempts int
	TxBaseBackoff time.Duration
	TxMaxBackoff  time.Duration

	KafkaBrokers     []string
	KafkaEventsTopic string
	KafkaAgentTopic  string
	KafkaGroup       string

	Timezone       string
	Location       *time.Location
	CollegeAddress string
	CollegeLat     float64
	CollegeLng     float64

	TokenCounterName string
	AgentCounterName string
	AgentGateHour    int
	DemoAccounts     []string

	StripeAPIKey     string
	CreditPriceMinor int64
	CreditCurrency   string

	OSRMURL        string
	DriverSpeedMps float64
	ETACacheTTL    time.Duration
	TokenWeight    float64

	LogLevel string
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:         ":8080",
		MetricsAddr:      ":2112",
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     10 * time.Second,
		IdleTimeout:      120 * time.Second,
		ShutdownTimeout:  15 * time.Second,
		StoreBackend:     "memory",
		RedisPrefix:      "campus",
		TxMaxAttempts:    10,
		TxBaseBackoff:    5 * time.Millisecond,
		TxMaxBackoff:     250 * time.Millisecond,
		KafkaEventsTopic: "ride-events",
		KafkaAgentTopic:  "agent-runs",
		KafkaGroup:       "campus-rides-agent",
		Timezone:         "Asia/Kolkata",
		CollegeAddress:   "Main Campus Gate",
		TokenCounterName: "daily_tokens",
		AgentCounterName: "global_tokens",
		AgentGateHour:    20,
		CreditPriceMinor: 1000,
		CreditCurrency:   "inr",
		DriverSpeedMps:   8.33,
		ETACacheTTL:      5 * time.Minute,
		TokenWeight:      30,
		LogLevel:         "info",
	}
}

func Load() (Config, error) {
	cfg := defaultConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.StoreBackend = strings.ToLower(strings.TrimSpace(v))
	}
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setIntFromEnv(&cfg.RedisDB, "REDIS_DB", &errs)
	setStringFromEnv(&cfg.RedisPrefix, "REDIS_PREFIX")
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setIntFromEnv(&cfg.TxMaxAttempts, "TX_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.TxBaseBackoff, "TX_BASE_BACKOFF", &errs)
	setDurationFromEnv(&cfg.TxMaxBackoff, "TX_MAX_BACKOFF", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaAgentTopic, "KAFKA_AGENT_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	setStringFromEnv(&cfg.Timezone, "TIMEZONE")
	setStringFromEnv(&cfg.CollegeAddress, "COLLEGE_ADDRESS")
	setFloatFromEnv(&cfg.CollegeLat, "COLLEGE_LAT", &errs)
	setFloatFromEnv(&cfg.CollegeLng, "COLLEGE_LNG", &errs)

	setStringFromEnv(&cfg.TokenCounterName, "TOKEN_COUNTER_NAME")
	setStringFromEnv(&cfg.AgentCounterName, "AGENT_COUNTER_NAME")
	setIntFromEnv(&cfg.AgentGateHour, "AGENT_GATE_HOUR", &errs)
	if v := os.Getenv("AGENT_DEMO_ACCOUNTS"); v != "" {
		cfg.DemoAccounts = splitAndTrim(v)
	}

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setInt64FromEnv(&cfg.CreditPriceMinor, "CREDIT_PRICE_MINOR", &errs)
	setStringFromEnv(&cfg.CreditCurrency, "CREDIT_CURRENCY")

	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setFloatFromEnv(&cfg.DriverSpeedMps, "DRIVER_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.TokenWeight, "MATCH_TOKEN_WEIGHT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid TIMEZONE: %w", err))
		loc = time.UTC
	}
	cfg.Location = loc

	switch cfg.StoreBackend {
	case "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("REDIS_ADDR is required for the redis backend"))
		}
	case "postgres":
		if cfg.PGDSN == "" {
			errs = append(errs, fmt.Errorf("PG_DSN is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be memory, redis or postgres"))
	}
	if cfg.TxMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("TX_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.AgentGateHour < 0 || cfg.AgentGateHour > 23 {
		errs = append(errs, fmt.Errorf("AGENT_GATE_HOUR must be within 0..23"))
	}
	if cfg.DriverSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("DRIVER_SPEED_MPS must be > 0"))
	}
	if cfg.CreditPriceMinor <= 0 {
		errs = append(errs, fmt.Errorf("CREDIT_PRICE_MINOR must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// StoreOptions maps the persistence settings onto storage.Open.
func (c Config) StoreOptions() storage.Options {
	return storage.Options{
		Backend:       c.StoreBackend,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		RedisPrefix:   c.RedisPrefix,
		PGDSN:         c.PGDSN,
		Migrate:       c.RunMigrations,
		Retry: storage.RetryPolicy{
			MaxAttempts: c.TxMaxAttempts,
			BaseBackoff: c.TxBaseBackoff,
			MaxBackoff:  c.TxMaxBackoff,
		},
	}
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
