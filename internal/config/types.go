package config

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Queue    QueueConfig    `json:"queue"`
	Platform PlatformConfig `json:"platform"`

	// Dispatch controls the delivery pipeline: worker pool, per-account
	// rate limiting, circuit breaking and retry policy.
	Dispatch DispatchConfig `json:"dispatch"`

	// Fallback controls the persistent store used when the queue is
	// unavailable or a message exhausts its delivery attempts.
	// If omitted, degraded enqueue is rejected instead of stored.
	Fallback *FallbackConfig `json:"fallback,omitempty"`

	Report    *ReportConfig    `json:"report,omitempty"`
	Redeliver *RedeliverConfig `json:"redeliver,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QueueConfig selects the work queue backend.
//
// Driver is "nats" (durable JetStream work queue) or "memory"
// (in-process, for tests and single-node setups).
type QueueConfig struct {
	Driver string `json:"driver"`

	// PollTimeout bounds a single consumer pull; Go duration string,
	// default "2s". BatchSize is the max messages per pull, default 10.
	PollTimeout string `json:"poll_timeout,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`

	NATS NATSQueueConfig `json:"nats,omitempty"`
}

type NATSQueueConfig struct {
	URL     string `json:"url"`
	Stream  string `json:"stream,omitempty"`
	Subject string `json:"subject,omitempty"`
	Durable string `json:"durable,omitempty"`
}

type PlatformConfig struct {
	BaseURL   string `json:"base_url"`
	AuthToken string `json:"auth_token,omitempty"` // do not log
	// Timeout is a Go duration string (e.g. "5s").
	Timeout string `json:"timeout,omitempty"`
}

// DispatchConfig controls message delivery.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// CountFailedSends is a pointer so we can distinguish "omitted"
// (defaults to true) from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - rate_limit: 10 per rate_window
//   - rate_window: "1m"
//   - max_attempts: 3
//   - dispatch_timeout: "5s"
//   - retry_base: "500ms"
//   - retry_max_delay: "30s"
//   - max_content_length: 4096
//   - count_failed_sends: true
//   - dedup_window: "10m"
type DispatchConfig struct {
	Enabled bool `json:"enabled"`
	Workers int  `json:"workers,omitempty"`

	RateLimit  int    `json:"rate_limit,omitempty"`
	RateWindow string `json:"rate_window,omitempty"`

	Breaker BreakerConfig `json:"breaker,omitempty"`

	MaxAttempts     int    `json:"max_attempts,omitempty"`
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`

	MaxContentLength int `json:"max_content_length,omitempty"`

	CountFailedSends *bool `json:"count_failed_sends,omitempty"`

	// GlobalRatePerSec paces outbound sends across all accounts.
	// Zero disables global pacing.
	GlobalRatePerSec int `json:"global_rate_per_sec,omitempty"`

	DedupWindow string `json:"dedup_window,omitempty"`
}

type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	Cooldown         string `json:"cooldown,omitempty"`
	MaxCooldown      string `json:"max_cooldown,omitempty"`
	ResetAfter       string `json:"reset_after,omitempty"`
}

// FallbackConfig controls the persistent fallback store.
//
// Example:
//
//	"fallback": { "driver": "sqlite", "path": "./sendgate_fallback" }
type FallbackConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ReportConfig controls the optional status HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8690").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type ReportConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8686"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// RedeliverConfig controls the sweeper that re-enqueues fallback
// records once the queue is reachable again.
type RedeliverConfig struct {
	Enabled bool `json:"enabled"`
	// Schedule is a cron expression; default "@every 1m".
	Schedule  string `json:"schedule,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`
}
