package constants

// Ingress route paths, per dialect.
const (
	RouteOpenAIChatCompletions = "/v1/chat/completions"
	RouteAnthropicMessages     = "/v1/messages"
	RouteHealthz               = "/healthz"
	RouteReadyz                = "/readyz"
	RouteMetrics               = "/metrics"

	// DefaultHealthCheckEndpoint is consulted by the rate limiter to apply
	// the relaxed health-check bucket instead of the per-IP API bucket.
	DefaultHealthCheckEndpoint = RouteHealthz
)

// HeaderRouteOverride lets a caller force a specific provider, bypassing
// rule matching entirely.
const HeaderRouteOverride = "X-Luna-Route"

// NotificationImportantPrefix marks a provider-switch notice already
// prepended to a request, so cascading failovers never stack duplicates.
const NotificationImportantPrefix = "IMPORTANT:"

// Security violation type labels recorded by the security chain's metrics
// service (ports.SecurityMetricsService).
const (
	ViolationRateLimit = "rate_limit"
	ViolationSize      = "size_limit"
)

// Default timing and sizing constants; the validated
// config overrides these where configured.
const (
	DefaultConnectTimeoutSecs      = 10
	DefaultRequestTimeoutSecs      = 600
	DefaultIdleConnTimeoutSecs     = 90
	DefaultTCPKeepAliveSecs        = 60
	DefaultPoolMaxIdlePerHost      = 32
	DefaultRecorderBatchSize       = 100
	DefaultRecorderBatchTimeoutMs  = 100
	DefaultRecorderChannelCapacity = 10_000
	DefaultMaxChunkLatencies       = 10_000
	DefaultMaxAccumulatedTextBytes = 1_000_000
)
