package egress

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/lunaroute/lunaroute/internal/core/domain"
)

// maxRetryAttempts and the backoff schedule:
// 100ms base, doubling, capped at 3 attempts total.
const (
	maxRetryAttempts  = 3
	retryBaseDelay    = 100 * time.Millisecond
	retryMaxDelay     = 10 * time.Second
	retryJitterFactor = 0.1
)

// classifyHTTPStatus maps an upstream status code to the ErrorKind the
// router's fallback logic branches on. 429 and 5xx are retryable; any
// other 4xx is terminal.
func classifyHTTPStatus(status int) domain.ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.KindAuthenticationFailed
	case status >= 500:
		return domain.KindUpstreamTransient
	case status >= 400:
		return domain.KindUpstreamPermanent
	default:
		return domain.KindInternal
	}
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// IsConnectionError reports whether err represents a transport-level
// failure (reset, refused, timeout, DNS) rather than an application-level
// HTTP error, so the retry loop can apply the same backoff schedule to
// connection failures it applies to 5xx responses.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.EPIPE:
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"connection refused", "connection reset", "broken pipe",
		"no such host", "i/o timeout", "eof", "tls handshake timeout",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// backoffDelay returns the delay before retry attempt n (1-indexed),
// doubling from retryBaseDelay and capped at retryMaxDelay.
func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > retryMaxDelay {
			return retryMaxDelay
		}
	}
	return delay
}
