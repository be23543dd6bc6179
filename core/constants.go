package core

import "time"

// Environment variable names recognized by Config.LoadFromEnv, one per
// configuration option.
const (
	EnvStepTimeoutMS           = "CHOREO_DEFAULT_STEP_TIMEOUT_MS"
	EnvRetryCount              = "CHOREO_DEFAULT_RETRY_COUNT"
	EnvMaxBackoffMS            = "CHOREO_MAX_BACKOFF_MS"
	EnvBreakerFailureThreshold = "CHOREO_CIRCUIT_BREAKER_FAILURE_THRESHOLD"
	EnvBreakerOpenCooldownMS   = "CHOREO_CIRCUIT_BREAKER_OPEN_COOLDOWN_MS"
	EnvBreakerCooldownCapMS    = "CHOREO_CIRCUIT_BREAKER_COOLDOWN_CAP_MS"
	EnvEventQueueCapacity      = "CHOREO_EVENT_QUEUE_CAPACITY"
	EnvCompletedExecBufferSize = "CHOREO_COMPLETED_EXECUTIONS_BUFFER_SIZE"
	EnvHealthProbeIntervalMS   = "CHOREO_HEALTH_PROBE_INTERVAL_MS"
	EnvPrepareTimeoutMS        = "CHOREO_PREPARE_TIMEOUT_MS"
	EnvCommitTimeoutMS         = "CHOREO_COMMIT_TIMEOUT_MS"
	EnvTransactionDefaultTOMS  = "CHOREO_TRANSACTION_DEFAULT_TIMEOUT_MS"
	EnvRedisURL                = "CHOREO_REDIS_URL"
	EnvLogLevel                = "CHOREO_LOG_LEVEL"
	EnvLogFormat               = "CHOREO_LOG_FORMAT"
	EnvServiceName             = "CHOREO_SERVICE_NAME"
	EnvPort                    = "CHOREO_PORT"
	EnvDevMode                 = "CHOREO_DEV_MODE"
)

// Default values applied when neither an environment variable nor a
// functional option overrides them.
const (
	DefaultStepTimeout          = 30 * time.Second
	DefaultRetryCount           = 3
	DefaultMaxBackoff           = 10 * time.Second
	DefaultBreakerFailureThresh = 3
	DefaultBreakerOpenCooldown  = 30 * time.Second
	DefaultBreakerCooldownCap   = 300 * time.Second
	DefaultEventQueueCapacity   = 1024
	DefaultCompletedExecBufSize = 1000
	DefaultHealthProbeInterval  = 30 * time.Second
	DefaultPrepareTimeout       = 10 * time.Second
	DefaultCommitTimeout        = 15 * time.Second
	DefaultTransactionTimeout   = 60 * time.Second
)
