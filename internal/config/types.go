package config

import (
	"net"
	"time"
)

// Config holds all configuration for the LunaRoute proxy.
type Config struct {
	Logging  LoggingConfig    `yaml:"logging"`
	Server   ServerConfig     `yaml:"server"`
	Providers []ProviderConfig `yaml:"providers"`
	Rules    []RuleConfig     `yaml:"rules"`
	Circuit  CircuitConfig    `yaml:"circuit"`
	Recorder RecorderConfig   `yaml:"recorder"`
	Pii      PiiConfig        `yaml:"pii"`
	Notification NotificationConfig `yaml:"notification"`
}

// NotificationConfig controls the optional provider-switch notice
// prepended to a request's messages on fallback (component E).
type NotificationConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Template string `yaml:"template"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string              `yaml:"host"`
	Port            int                 `yaml:"port"`
	ReadTimeout     time.Duration       `yaml:"read_timeout"`
	WriteTimeout    time.Duration       `yaml:"write_timeout"`
	ShutdownTimeout time.Duration       `yaml:"shutdown_timeout"`
	RequestLimits   ServerRequestLimits `yaml:"request_limits"`
	RateLimits      ServerRateLimits    `yaml:"rate_limits"`
	CORS            CORSConfig          `yaml:"cors"`
}

// CORSConfig controls the ingress handlers' CORS headers (
// "CORS defaults to localhost-only").
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ServerRequestLimits defines request size and validation limits
type ServerRequestLimits struct {
	MaxBodySize   int64 `yaml:"max_body_size"`
	MaxHeaderSize int64 `yaml:"max_header_size"`
}

// ServerRateLimits defines ingress rate limiting, enforced with
// golang.org/x/time/rate token buckets ahead of the dialect handlers.
type ServerRateLimits struct {
	GlobalRequestsPerMinute int           `yaml:"global_requests_per_minute"`
	PerIPRequestsPerMinute  int           `yaml:"per_ip_requests_per_minute"`
	HealthRequestsPerMinute int           `yaml:"health_requests_per_minute"`
	BurstSize               int           `yaml:"burst_size"`
	CleanupInterval         time.Duration `yaml:"cleanup_interval"`
	TrustProxyHeaders       bool          `yaml:"trust_proxy_headers"`
	TrustedProxyCIDRs       []string      `yaml:"trusted_proxy_cidrs"`
	TrustedProxyCIDRsParsed []*net.IPNet  `yaml:"-"`
}

// ProviderConfig describes one upstream LLM provider target.
type ProviderConfig struct {
	Name              string            `yaml:"name"`
	Dialect           string            `yaml:"dialect"` // "openai" | "anthropic"
	BaseURL           string            `yaml:"base_url"`
	APIKeyEnv         string            `yaml:"api_key_env"`
	ConnectionTimeout time.Duration     `yaml:"connection_timeout"`
	ResponseTimeout   time.Duration     `yaml:"response_timeout"`
	ReadTimeout       time.Duration     `yaml:"read_timeout"`
	MaxRetries        int               `yaml:"max_retries"`
	RetryBackoff      time.Duration     `yaml:"retry_backoff"`
	Headers           map[string]string `yaml:"headers"`
	BodyOverrides     map[string]string `yaml:"body_overrides"`
	NotificationTemplate string         `yaml:"notification_template"`
	MetadataPaths     map[string]string `yaml:"metadata_paths"` // field -> JSONPath, evaluated against the raw response body

	// Capabilities: consulted by the router to fail fast,
	// before any network call, when a request needs something this
	// provider cannot do. Unset SupportsStreaming/SupportsTools default to
	// true in BuildProviders so existing configs don't need to opt in.
	SupportsStreaming *bool `yaml:"supports_streaming"`
	SupportsTools     *bool `yaml:"supports_tools"`
	SupportsVision    bool  `yaml:"supports_vision"`
	MaxContext        int   `yaml:"max_context"`
}

// RuleConfig matches incoming requests to an ordered fallback chain of
// providers. At most one matcher field may be set; a rule with none
// matches every request.
type RuleConfig struct {
	Name             string   `yaml:"name"`
	Priority         int      `yaml:"priority"`
	MatchModel       string   `yaml:"match_model"`    // regex against the requested model
	MatchListener    string   `yaml:"match_listener"` // "openai" | "anthropic"
	MatchHeaderName  string   `yaml:"match_header_name"`
	MatchHeaderValue string   `yaml:"match_header_value"`
	Providers        []string `yaml:"providers"` // fallback chain, by ProviderConfig.Name

	// Strategy selects how the chain is composed: "single"/"fallback"
	// (inferred from Providers when empty) or "limits_alternative", where
	// Providers are the primaries and AlternativeProviders take over while
	// a rate-limited primary sits out its exponential cooldown.
	Strategy             string   `yaml:"strategy"`
	AlternativeProviders []string `yaml:"alternative_providers"`
	BackoffBaseSecs      float64  `yaml:"backoff_base_secs"`
}

// CircuitConfig tunes the shared circuit breaker / health monitor (D).
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	OpenDuration     time.Duration `yaml:"open_duration"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
	HealthWindow     time.Duration `yaml:"health_window"`
	HealthMinSamples int           `yaml:"health_min_samples"`
}

// RecorderConfig configures the async session recorder (G).
type RecorderConfig struct {
	Enabled    bool               `yaml:"enabled"`
	QueueSize  int                `yaml:"queue_size"`
	BatchSize  int                `yaml:"batch_size"`
	FlushEvery time.Duration      `yaml:"flush_every"`
	Jsonl      JsonlWriterConfig  `yaml:"jsonl"`
	Sqlite     SqliteWriterConfig `yaml:"sqlite"`
}

// JsonlWriterConfig configures the dated-directory JSONL session writer.
type JsonlWriterConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Directory    string  `yaml:"directory"`
	Compress     bool    `yaml:"compress"`
	RetainDays   int     `yaml:"retain_days"`
	MaxOpenFiles int     `yaml:"max_open_files"`
	MaxTotalGB   float64 `yaml:"max_total_gb"`
}

// SqliteWriterConfig configures the SQLite session writer.
type SqliteWriterConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// PiiConfig configures the redaction pipeline (I).
type PiiConfig struct {
	Mode           string `yaml:"mode"` // "off" | "remove" | "tokenize" | "partial_mask"
	TokenSecretEnv string `yaml:"token_secret_env"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	FileOutput bool   `yaml:"file_output"`
	LogDir     string `yaml:"log_dir"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Theme      string `yaml:"theme"`
	PrettyLogs bool   `yaml:"pretty_logs"`
}
