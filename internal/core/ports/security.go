package ports

import (
	"context"
	"time"
)

// SecurityRequest is the slice of an inbound HTTP request the ingress
// validators (rate limit, size limit) judge before the body is parsed.
type SecurityRequest struct {
	ClientID      string
	Endpoint      string
	Method        string
	BodySize      int64
	HeaderSize    int64
	Headers       map[string][]string
	IsHealthCheck bool
}

// SecurityResult is a validator's verdict. RetryAfter and the rate-limit
// fields are only meaningful on a rate-limit rejection, where they feed the
// response headers.
type SecurityResult struct {
	Allowed    bool
	Reason     string
	RetryAfter int
	RateLimit  int
	Remaining  int
	ResetTime  time.Time
}

// SecurityViolation records one rejected request for the metrics service.
type SecurityViolation struct {
	ClientID      string
	ViolationType string
	Endpoint      string
	Size          int64
	Timestamp     time.Time
}

type SecurityMetrics struct {
	RateLimitViolations  int64
	SizeLimitViolations  int64
	UniqueRateLimitedIPs int
}

// SecurityValidator is implemented by each ingress guard; validators run
// ahead of the dialect handlers and must not read the request body.
type SecurityValidator interface {
	Validate(ctx context.Context, req SecurityRequest) (SecurityResult, error)
	Name() string
}

// SecurityMetricsService aggregates violations across validators.
type SecurityMetricsService interface {
	RecordViolation(ctx context.Context, violation SecurityViolation) error
	GetMetrics(ctx context.Context) (SecurityMetrics, error)
}
