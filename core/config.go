package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every recognized configuration option, using the module's
// three-layer precedence: defaults, then environment variables, then
// functional options passed to NewConfig.
type Config struct {
	// Identity, used for log/metric labeling and as the HTTP server name.
	ServiceName string `json:"service_name"`
	Port        int    `json:"port"`

	// Step Executor / Health Monitor defaults.
	DefaultStepTimeout          time.Duration `json:"default_step_timeout"`
	DefaultRetryCount           int           `json:"default_retry_count"`
	MaxBackoff                  time.Duration `json:"max_backoff"`
	CircuitBreakerFailureThresh int           `json:"circuit_breaker_failure_threshold"`
	CircuitBreakerOpenCooldown  time.Duration `json:"circuit_breaker_open_cooldown"`
	CircuitBreakerCooldownCap   time.Duration `json:"circuit_breaker_cooldown_cap"`
	HealthProbeInterval         time.Duration `json:"health_probe_interval"`

	// Event Bus.
	EventQueueCapacity int `json:"event_queue_capacity"`

	// Workflow Engine.
	CompletedExecutionsBufferSize int `json:"completed_executions_buffer_size"`

	// Transaction Coordinator.
	PrepareTimeout          time.Duration `json:"prepare_timeout"`
	CommitTimeout           time.Duration `json:"commit_timeout"`
	TransactionDefaultTimeout time.Duration `json:"transaction_default_timeout"`

	// Domain-stack wiring: Redis backs the service registry, the event
	// bus's durable sink, and the workflow execution store.
	// Empty means "use the in-memory implementation".
	RedisURL string `json:"redis_url"`

	Logging     LoggingConfig     `json:"logging"`
	Development DevelopmentConfig `json:"development"`

	logger Logger `json:"-"`
}

// LoggingConfig controls the production logger's output shape.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
	Output string `json:"output"` // stdout, stderr
}

// DevelopmentConfig enables verbose local-dev behaviors.
type DevelopmentConfig struct {
	DebugLogging bool `json:"debug_logging"`
}

// Option mutates a Config during NewConfig; applied after defaults and
// environment variables, so options take final precedence.
type Option func(*Config) error

// DefaultConfig returns the configuration with every built-in default applied.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:                   "choreo",
		Port:                          8080,
		DefaultStepTimeout:            DefaultStepTimeout,
		DefaultRetryCount:             DefaultRetryCount,
		MaxBackoff:                    DefaultMaxBackoff,
		CircuitBreakerFailureThresh:   DefaultBreakerFailureThresh,
		CircuitBreakerOpenCooldown:    DefaultBreakerOpenCooldown,
		CircuitBreakerCooldownCap:     DefaultBreakerCooldownCap,
		HealthProbeInterval:           DefaultHealthProbeInterval,
		EventQueueCapacity:            DefaultEventQueueCapacity,
		CompletedExecutionsBufferSize: DefaultCompletedExecBufSize,
		PrepareTimeout:                DefaultPrepareTimeout,
		CommitTimeout:                 DefaultCommitTimeout,
		TransactionDefaultTimeout:     DefaultTransactionTimeout,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// NewConfig builds a Config from defaults, then environment, then options,
// and validates the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	if cfg.logger == nil {
		cfg.logger = NewProductionLogger(cfg.Logging, cfg.Development, cfg.ServiceName)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Logger returns the configured logger, or a no-op logger if NewConfig
// has not run (e.g. a Config built directly for tests).
func (c *Config) Logger() Logger {
	if c.logger == nil {
		return &NoOpLogger{}
	}
	return c.logger
}

func parseMillisEnv(name string, into *time.Duration, loaded *int) {
	if v := os.Getenv(name); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*into = time.Duration(ms) * time.Millisecond
			*loaded++
		}
	}
}

func parseIntEnv(name string, into *int, loaded *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*into = n
			*loaded++
		}
	}
}

// LoadFromEnv overlays recognized environment variables onto the Config,
// one variable per option.
func (c *Config) LoadFromEnv() error {
	loaded := 0

	if v := os.Getenv(EnvServiceName); v != "" {
		c.ServiceName = v
		loaded++
	}
	parseIntEnv(EnvPort, &c.Port, &loaded)

	parseMillisEnv(EnvStepTimeoutMS, &c.DefaultStepTimeout, &loaded)
	parseIntEnv(EnvRetryCount, &c.DefaultRetryCount, &loaded)
	parseMillisEnv(EnvMaxBackoffMS, &c.MaxBackoff, &loaded)
	parseIntEnv(EnvBreakerFailureThreshold, &c.CircuitBreakerFailureThresh, &loaded)
	parseMillisEnv(EnvBreakerOpenCooldownMS, &c.CircuitBreakerOpenCooldown, &loaded)
	parseMillisEnv(EnvBreakerCooldownCapMS, &c.CircuitBreakerCooldownCap, &loaded)
	parseMillisEnv(EnvHealthProbeIntervalMS, &c.HealthProbeInterval, &loaded)
	parseIntEnv(EnvEventQueueCapacity, &c.EventQueueCapacity, &loaded)
	parseIntEnv(EnvCompletedExecBufferSize, &c.CompletedExecutionsBufferSize, &loaded)
	parseMillisEnv(EnvPrepareTimeoutMS, &c.PrepareTimeout, &loaded)
	parseMillisEnv(EnvCommitTimeoutMS, &c.CommitTimeout, &loaded)
	parseMillisEnv(EnvTransactionDefaultTOMS, &c.TransactionDefaultTimeout, &loaded)

	if v := os.Getenv(EnvRedisURL); v != "" {
		c.RedisURL = v
		loaded++
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
		loaded++
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Logging.Format = v
		loaded++
	}
	if v := os.Getenv(EnvDevMode); v != "" {
		c.Development.DebugLogging = parseBool(v)
		loaded++
	}

	return nil
}

// Validate enforces the basic sanity invariants configuration must
// satisfy: a non-negative retry count and a positive step timeout, breaker
// failure threshold, event queue capacity and completed-executions buffer.
func (c *Config) Validate() error {
	if c.DefaultRetryCount < 0 {
		return NewFrameworkError("core.Config.Validate", "config", fmt.Errorf("%w: default_retry_count must be >= 0", ErrInvalidConfig))
	}
	if c.DefaultStepTimeout <= 0 {
		return NewFrameworkError("core.Config.Validate", "config", fmt.Errorf("%w: default_step_timeout must be > 0", ErrInvalidConfig))
	}
	if c.CircuitBreakerFailureThresh <= 0 {
		return NewFrameworkError("core.Config.Validate", "config", fmt.Errorf("%w: circuit_breaker_failure_threshold must be > 0", ErrInvalidConfig))
	}
	if c.EventQueueCapacity <= 0 {
		return NewFrameworkError("core.Config.Validate", "config", fmt.Errorf("%w: event_queue_capacity must be > 0", ErrInvalidConfig))
	}
	if c.CompletedExecutionsBufferSize <= 0 {
		return NewFrameworkError("core.Config.Validate", "config", fmt.Errorf("%w: completed_executions_buffer_size must be > 0", ErrInvalidConfig))
	}
	return nil
}

func parseBool(v string) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

// Functional options, highest-precedence layer of NewConfig.

func WithServiceName(name string) Option {
	return func(c *Config) error { c.ServiceName = name; return nil }
}

func WithPort(port int) Option {
	return func(c *Config) error { c.Port = port; return nil }
}

func WithRedisURL(url string) Option {
	return func(c *Config) error { c.RedisURL = url; return nil }
}

func WithDefaultStepTimeout(d time.Duration) Option {
	return func(c *Config) error { c.DefaultStepTimeout = d; return nil }
}

func WithDefaultRetryCount(n int) Option {
	return func(c *Config) error { c.DefaultRetryCount = n; return nil }
}

func WithCircuitBreaker(failureThreshold int, openCooldown, cooldownCap time.Duration) Option {
	return func(c *Config) error {
		c.CircuitBreakerFailureThresh = failureThreshold
		c.CircuitBreakerOpenCooldown = openCooldown
		c.CircuitBreakerCooldownCap = cooldownCap
		return nil
	}
}

func WithLogLevel(level string) Option {
	return func(c *Config) error { c.Logging.Level = level; return nil }
}

func WithLogFormat(format string) Option {
	return func(c *Config) error { c.Logging.Format = format; return nil }
}

func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error { c.Development.DebugLogging = enabled; return nil }
}

func WithLogger(logger Logger) Option {
	return func(c *Config) error { c.logger = logger; return nil }
}

// ============================================================================
// ProductionLogger - structured JSON-or-text logging with level filtering.
// ============================================================================

// ProductionLogger is the default Logger implementation: JSON or plain-text
// structured output to stdout/stderr, gated by configured level.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer
}

// NewProductionLogger builds a Logger from LoggingConfig/DevelopmentConfig.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}
	return &ProductionLogger{
		level:       strings.ToLower(logging.Level),
		debug:       dev.DebugLogging || logging.Level == "debug",
		serviceName: serviceName,
		format:      logging.Format,
		output:      output,
	}
}

func (p *ProductionLogger) Info(msg string, fields map[string]interface{})  { p.logEvent("INFO", msg, fields) }
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) { p.logEvent("ERROR", msg, fields) }
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{})  { p.logEvent("WARN", msg, fields) }
func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields)
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields)
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields)
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"message":   msg,
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
		return
	}

	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		for k, v := range fields {
			fieldStr.WriteString(fmt.Sprintf("%s=%v ", k, v))
		}
	}
	fmt.Fprintf(p.output, "%s [%s] [%s] %s%s\n", timestamp, level, p.serviceName, msg, fieldStr.String())
}
