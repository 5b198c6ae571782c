package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the assistant service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         slog.Level

	// StateTable is optional; without it all resilience state stays in process.
	StateTable   string
	StoreTimeout time.Duration
	EventLog     bool
	LogBuffer    int

	// ParamPrefix is optional; without it the model fallback answers 503.
	ParamPrefix     string
	ModelName       string
	ModelBaseURL    string
	ModelTimeout    time.Duration
	ModelMaxRetries int
	ModelMaxTokens  int
	Moderation      bool
	Streaming       bool

	KBPath             string
	IntentPatternsPath string

	MaxQuestionLength int
	MaxHistory        int
	MaxHistoryContent int
	MaxBodyBytes      int

	CacheCapacity int
	ResponseTTL   time.Duration
	KBCacheTTL    time.Duration
	EvictEvery    int

	RateLimit  int
	RateWindow time.Duration

	BudgetPerSession int
	BudgetPerDay     int
	BudgetGlobal     int

	BreakerFailures  int
	BreakerWindow    time.Duration
	BreakerBaseBlock time.Duration
	BreakerMaxBlock  time.Duration

	SweepEvery    int
	SweepInterval time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("METRICS_NAMESPACE", "dvai"),
		StateTable:         stringsTrimSpace("STATE_TABLE"),
		ParamPrefix:        strings.TrimRight(stringsTrimSpace("PARAM_PREFIX"), "/"),
		ModelName:          envOrDefault("MODEL_NAME", "gpt-4o-mini"),
		ModelBaseURL:       stringsTrimSpace("MODEL_BASE_URL"),
		KBPath:             stringsTrimSpace("KB_PATH"),
		IntentPatternsPath: stringsTrimSpace("INTENT_PATTERNS_PATH"),
	}

	p := &parser{}
	cfg.LogLevel = p.level("LOG_LEVEL", slog.LevelInfo)
	cfg.ShutdownTimeout = p.duration("SHUTDOWN_TIMEOUT", 15*time.Second)
	cfg.StoreTimeout = p.duration("STORE_TIMEOUT", 2*time.Second)
	cfg.EventLog = p.boolean("EVENT_LOG_ENABLED", true)
	cfg.LogBuffer = p.integer("LOG_BUFFER", 256)
	cfg.ModelTimeout = p.duration("MODEL_TIMEOUT", 15*time.Second)
	cfg.ModelMaxRetries = p.integer("MODEL_MAX_RETRIES", 2)
	cfg.ModelMaxTokens = p.integer("MODEL_MAX_TOKENS", 400)
	cfg.Moderation = p.boolean("MODERATION_ENABLED", false)
	cfg.Streaming = p.boolean("STREAMING_ENABLED", true)
	cfg.MaxQuestionLength = p.integer("MAX_QUESTION_LENGTH", 300)
	cfg.MaxHistory = p.integer("MAX_HISTORY", 10)
	cfg.MaxHistoryContent = p.integer("MAX_HISTORY_CONTENT", 200)
	cfg.MaxBodyBytes = p.integer("MAX_BODY_BYTES", 16<<10)
	cfg.CacheCapacity = p.integer("CACHE_CAPACITY", 1000)
	cfg.ResponseTTL = p.duration("RESPONSE_CACHE_TTL", time.Hour)
	cfg.KBCacheTTL = p.duration("KB_CACHE_TTL", time.Hour)
	cfg.EvictEvery = p.integer("CACHE_EVICT_EVERY", 100)
	cfg.RateLimit = p.integer("RATE_LIMIT", 30)
	cfg.RateWindow = p.duration("RATE_WINDOW", time.Hour)
	cfg.BudgetPerSession = p.integer("BUDGET_PER_SESSION", 20)
	cfg.BudgetPerDay = p.integer("BUDGET_PER_DAY", 100)
	cfg.BudgetGlobal = p.integer("BUDGET_GLOBAL", 5000)
	cfg.BreakerFailures = p.integer("BREAKER_FAILURES", 5)
	cfg.BreakerWindow = p.duration("BREAKER_WINDOW", time.Minute)
	cfg.BreakerBaseBlock = p.duration("BREAKER_BASE_BLOCK", 30*time.Second)
	cfg.BreakerMaxBlock = p.duration("BREAKER_MAX_BLOCK", 30*time.Minute)
	cfg.SweepEvery = p.integer("SWEEP_EVERY", 100)
	cfg.SweepInterval = p.duration("SWEEP_INTERVAL", time.Minute)
	if p.err != nil {
		return Config{}, p.err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	positive := []struct {
		key string
		v   int
	}{
		{"MAX_QUESTION_LENGTH", c.MaxQuestionLength},
		{"MAX_HISTORY", c.MaxHistory},
		{"MAX_HISTORY_CONTENT", c.MaxHistoryContent},
		{"MAX_BODY_BYTES", c.MaxBodyBytes},
		{"CACHE_CAPACITY", c.CacheCapacity},
		{"CACHE_EVICT_EVERY", c.EvictEvery},
		{"LOG_BUFFER", c.LogBuffer},
		{"BREAKER_FAILURES", c.BreakerFailures},
		{"SWEEP_EVERY", c.SweepEvery},
	}
	for _, p := range positive {
		if p.v <= 0 {
			return fmt.Errorf("%s must be positive", p.key)
		}
	}
	if c.ModelMaxRetries < 0 {
		return fmt.Errorf("MODEL_MAX_RETRIES must be >= 0")
	}
	if c.MaxBodyBytes < c.MaxQuestionLength {
		return fmt.Errorf("MAX_BODY_BYTES must be at least MAX_QUESTION_LENGTH")
	}
	if c.StoreTimeout <= 0 || c.ModelTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT and MODEL_TIMEOUT must be positive")
	}
	if c.RateWindow < time.Second {
		return fmt.Errorf("RATE_WINDOW must be at least 1s")
	}
	if c.BreakerBaseBlock <= 0 || c.BreakerMaxBlock < c.BreakerBaseBlock {
		return fmt.Errorf("BREAKER_MAX_BLOCK must be >= BREAKER_BASE_BLOCK > 0")
	}
	return nil
}

// ModelConfigured reports whether the external model fallback can be built.
func (c Config) ModelConfigured() bool { return c.ParamPrefix != "" }

// ModelParameterName is the SSM parameter that may override ModelName.
func (c Config) ModelParameterName() string { return c.ParamPrefix + "/model-name" }

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// parser keeps the first parse error so Load can read every key in sequence.
type parser struct {
	err error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s parse error: %w", key, err)
	}
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return d
}

func (p *parser) integer(key string, fallback int) int {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return fallback
	}
	return n
}

func (p *parser) boolean(key string, fallback bool) bool {
	v := strings.ToLower(stringsTrimSpace(key))
	switch v {
	case "":
		return fallback
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		p.fail(key, fmt.Errorf("expected bool, got %q", v))
		return fallback
	}
}

func (p *parser) level(key string, fallback slog.Level) slog.Level {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		p.fail(key, err)
		return fallback
	}
	return l
}
