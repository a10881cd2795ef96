// Package egress implements the outbound HTTP client that carries a
// NormalizedRequest to a configured provider and translates the raw
// response back to NormalizedResponse/NormalizedStreamEvent. Each provider
// gets its own pooled transport, tuned for long-lived streaming bodies
// (TCP keepalive, Nagle disabled, bounded idle pool).
package egress

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/tidwall/sjson"

	"github.com/lunaroute/lunaroute/internal/adapter/metrics"
	"github.com/lunaroute/lunaroute/internal/adapter/translator"
	"github.com/lunaroute/lunaroute/internal/config"
	"github.com/lunaroute/lunaroute/internal/core/domain"
	"github.com/lunaroute/lunaroute/internal/core/ports"
	"github.com/lunaroute/lunaroute/internal/logger"
)

// Pool defaults shared by every provider transport; a provider's own
// timeouts in config override the response/connect timeouts but the pool
// shape is common. IdleConnTimeout must stay set: upstreams close idle
// connections silently and an unbounded pool turns that into hangs.
const (
	defaultMaxIdleConnsPerHost = 32
	defaultIdleConnTimeout     = 90 * time.Second
	defaultKeepAlive           = 60 * time.Second
	defaultConnectTimeout      = 10 * time.Second
	defaultResponseTimeout     = 600 * time.Second
	defaultTLSHandshakeTimeout = 10 * time.Second
)

// settings is the subset of config.ProviderConfig the client needs that
// domain.ProviderTarget doesn't carry (headers/body overrides/timeouts are
// operator configuration, not routing state).
type settings struct {
	connectTimeout  time.Duration
	responseTimeout time.Duration
	headers         map[string]string
	bodyOverrides   map[string]string
	metadataPaths   map[string]string
}

// Client implements ports.ProviderClient against real upstream providers,
// with a lazily-built pooled *http.Client per provider ID.
type Client struct {
	clients    *xsync.Map[string, *http.Client]
	settings   map[string]settings
	translators *translator.Registry
	extractor  *metrics.Extractor
	log        *logger.StyledLogger
}

var _ ports.ProviderClient = (*Client)(nil)

func NewClient(cfgs []config.ProviderConfig, translators *translator.Registry, extractor *metrics.Extractor, log *logger.StyledLogger) *Client {
	settingsByName := make(map[string]settings, len(cfgs))
	for _, c := range cfgs {
		connectTimeout := c.ConnectionTimeout
		if connectTimeout <= 0 {
			connectTimeout = defaultConnectTimeout
		}
		responseTimeout := c.ResponseTimeout
		if responseTimeout <= 0 {
			responseTimeout = defaultResponseTimeout
		}
		settingsByName[c.Name] = settings{
			connectTimeout:  connectTimeout,
			responseTimeout: responseTimeout,
			headers:         c.Headers,
			bodyOverrides:   c.BodyOverrides,
			metadataPaths:   c.MetadataPaths,
		}
	}

	return &Client{
		clients:     xsync.NewMap[string, *http.Client](),
		settings:    settingsByName,
		translators: translators,
		extractor:   extractor,
		log:         log,
	}
}

func (c *Client) settingsFor(target *domain.ProviderTarget) settings {
	if s, ok := c.settings[target.Name]; ok {
		return s
	}
	return settings{connectTimeout: defaultConnectTimeout, responseTimeout: defaultResponseTimeout}
}

// httpClient returns the pooled client for target, building one on first use.
func (c *Client) httpClient(target *domain.ProviderTarget, s settings) *http.Client {
	client, _ := c.clients.LoadOrCompute(target.ID, func() (*http.Client, bool) {
		transport := &http.Transport{
			MaxIdleConns:        defaultMaxIdleConnsPerHost * 4,
			MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
			IdleConnTimeout:     defaultIdleConnTimeout,
			TLSHandshakeTimeout: defaultTLSHandshakeTimeout,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				dialer := &net.Dialer{Timeout: s.connectTimeout, KeepAlive: defaultKeepAlive}
				conn, err := dialer.DialContext(ctx, network, addr)
				if err != nil {
					return nil, err
				}
				if tcpConn, ok := conn.(*net.TCPConn); ok {
					_ = tcpConn.SetNoDelay(true)
				}
				return conn, nil
			},
		}
		return &http.Client{Transport: transport, Timeout: s.responseTimeout}, false
	})
	return client
}

// passthroughEligible reports whether the original wire bytes can be
// forwarded verbatim: the client spoke the same dialect the provider does
// and the body survived routing unmodified (a prepended switch notice
// clears Origin.RawBody).
func passthroughEligible(target *domain.ProviderTarget, req *domain.NormalizedRequest) bool {
	return len(req.Origin.RawBody) > 0 && req.Origin.Dialect == target.Dialect
}

// buildUpstreamRequest produces the wire body -- the original bytes when
// same-dialect passthrough applies, otherwise a fresh serialization via the
// provider's dialect adapter -- then applies configured body overrides and
// header templates and attaches authentication.
func (c *Client) buildUpstreamRequest(ctx context.Context, target *domain.ProviderTarget, req *domain.NormalizedRequest, s settings, vars TemplateVars) (*http.Request, *domain.LunaError) {
	var body []byte
	if passthroughEligible(target, req) {
		body = req.Origin.RawBody
	} else {
		adapter, gerr := c.translators.Get(target.Dialect)
		if gerr != nil {
			return nil, domain.NewLunaError(domain.KindInternal, "no dialect adapter for provider", gerr)
		}
		serialized, lerr := adapter.SerializeRequest(req)
		if lerr != nil {
			return nil, lerr
		}
		body = serialized
	}

	for field, tmpl := range s.bodyOverrides {
		rendered := renderTemplate(tmpl, vars)
		merged, err := sjson.SetBytes(body, field, rendered)
		if err != nil {
			c.log.Warn("skipping malformed body override", "provider", target.Name, "field", field, "error", err)
			continue
		}
		body = merged
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewLunaError(domain.KindInternal, "failed to build upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	applyAuth(httpReq, target, req)
	for name, tmpl := range s.headers {
		httpReq.Header.Set(name, renderTemplate(tmpl, vars))
	}
	return httpReq, nil
}

// applyAuth sets the dialect's native auth header from the provider's
// configured API key. A provider configured with an empty key runs in
// bring-your-own-key mode: the credential the client sent to ingress is
// forwarded unchanged instead.
func applyAuth(httpReq *http.Request, target *domain.ProviderTarget, req *domain.NormalizedRequest) {
	key := target.APIKey
	if key == "" {
		if req.Origin.Authorization != "" {
			switch target.Dialect {
			case domain.DialectAnthropic:
				httpReq.Header.Set("x-api-key", req.Origin.Authorization)
				httpReq.Header.Set("anthropic-version", "2023-06-01")
			default:
				httpReq.Header.Set("Authorization", req.Origin.Authorization)
			}
		}
		return
	}
	switch target.Dialect {
	case domain.DialectAnthropic:
		httpReq.Header.Set("x-api-key", key)
		httpReq.Header.Set("anthropic-version", "2023-06-01")
	default:
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}
}

// Send issues a non-streaming call, retrying on 429/5xx/connection errors
// per the backoff schedule in retry.go.
func (c *Client) Send(ctx context.Context, target *domain.ProviderTarget, req *domain.NormalizedRequest) (*domain.NormalizedResponse, *domain.LunaError) {
	s := c.settingsFor(target)
	client := c.httpClient(target, s)
	vars := TemplateVars{
		RequestID: req.Origin.RequestID,
		Provider:  target.Name,
		Model:     req.Model,
		SessionID: req.Origin.SessionID,
		ClientIP:  req.Origin.ClientIP,
	}

	var lastErr *domain.LunaError
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		httpReq, lerr := c.buildUpstreamRequest(ctx, target, req, s, vars)
		if lerr != nil {
			return nil, lerr
		}

		resp, err := client.Do(httpReq)
		if err != nil {
			lastErr = domain.NewLunaError(domain.KindUpstreamTransient, "upstream request failed", err)
			if !IsConnectionError(err) || attempt == maxRetryAttempts {
				return nil, lastErr
			}
			sleep(ctx, backoffDelay(attempt))
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = domain.NewLunaError(domain.KindUpstreamTransient, "failed reading upstream body", readErr)
			if attempt == maxRetryAttempts {
				return nil, lastErr
			}
			sleep(ctx, backoffDelay(attempt))
			continue
		}

		if resp.StatusCode >= 400 {
			lastErr = domain.NewLunaError(classifyHTTPStatus(resp.StatusCode), fmt.Sprintf("upstream returned %d", resp.StatusCode), nil).WithStatus(resp.StatusCode)
			if !retryableStatus(resp.StatusCode) || attempt == maxRetryAttempts {
				return nil, lastErr
			}
			sleep(ctx, backoffDelay(attempt))
			continue
		}

		adapter, gerr := c.translators.Get(target.Dialect)
		if gerr != nil {
			return nil, domain.NewLunaError(domain.KindInternal, "no dialect adapter for provider", gerr)
		}
		normalized, lerr := adapter.ParseResponse(body)
		if lerr != nil {
			return nil, lerr
		}
		if c.extractor != nil && len(s.metadataPaths) > 0 {
			normalized.Metadata = c.extractor.Extract(ctx, target.Name, body, s.metadataPaths)
		}
		return normalized, nil
	}
	return nil, lastErr
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
