package egress

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/lunaroute/lunaroute/internal/core/domain"
)

func TestClassifyHTTPStatus(t *testing.T) {
	cases := map[int]domain.ErrorKind{
		429: domain.KindRateLimited,
		401: domain.KindAuthenticationFailed,
		403: domain.KindAuthenticationFailed,
		500: domain.KindUpstreamTransient,
		503: domain.KindUpstreamTransient,
		400: domain.KindUpstreamPermanent,
		200: domain.KindInternal,
	}
	for status, want := range cases {
		if got := classifyHTTPStatus(status); got != want {
			t.Errorf("status %d: got %v, want %v", status, got, want)
		}
	}
}

func TestRetryableStatus(t *testing.T) {
	if !retryableStatus(http.StatusTooManyRequests) {
		t.Error("429 should be retryable")
	}
	if !retryableStatus(http.StatusBadGateway) {
		t.Error("502 should be retryable")
	}
	if retryableStatus(http.StatusBadRequest) {
		t.Error("400 should not be retryable")
	}
}

func TestIsConnectionError(t *testing.T) {
	if IsConnectionError(nil) {
		t.Error("nil should not be a connection error")
	}
	if !IsConnectionError(fmt.Errorf("dial tcp: connection refused")) {
		t.Error("connection refused string should match")
	}
	if !IsConnectionError(&net.OpError{Op: "dial", Err: errors.New("boom")}) {
		t.Error("net.Error should match")
	}
	if IsConnectionError(errors.New("invalid request body")) {
		t.Error("unrelated error should not match")
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	if backoffDelay(1) != retryBaseDelay {
		t.Errorf("attempt 1: got %v", backoffDelay(1))
	}
	if backoffDelay(2) != retryBaseDelay*2 {
		t.Errorf("attempt 2: got %v", backoffDelay(2))
	}
	if backoffDelay(3) != retryBaseDelay*4 {
		t.Errorf("attempt 3: got %v", backoffDelay(3))
	}
	huge := backoffDelay(30)
	if huge > retryMaxDelay {
		t.Errorf("expected backoff capped at %v, got %v", retryMaxDelay, huge)
	}
}

func TestBackoffDelayNeverExceedsMax(t *testing.T) {
	if backoffDelay(10) != retryMaxDelay {
		t.Errorf("expected cap at attempt 10, got %v", backoffDelay(10))
	}
}
