// Package app is the composition root: it wires configuration, the dialect
// adapters, router, circuit breaker, health monitor, session recorder and
// HTTP routes into a running server.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/lunaroute/lunaroute/internal/adapter/egress"
	"github.com/lunaroute/lunaroute/internal/adapter/health"
	"github.com/lunaroute/lunaroute/internal/adapter/metrics"
	"github.com/lunaroute/lunaroute/internal/adapter/pii"
	"github.com/lunaroute/lunaroute/internal/adapter/recorder"
	"github.com/lunaroute/lunaroute/internal/adapter/security"
	"github.com/lunaroute/lunaroute/internal/adapter/translator"
	"github.com/lunaroute/lunaroute/internal/adapter/translator/anthropic"
	"github.com/lunaroute/lunaroute/internal/adapter/translator/openai"
	"github.com/lunaroute/lunaroute/internal/app/middleware"
	"github.com/lunaroute/lunaroute/internal/config"
	"github.com/lunaroute/lunaroute/internal/core/constants"
	"github.com/lunaroute/lunaroute/internal/core/domain"
	"github.com/lunaroute/lunaroute/internal/core/ports"
	"github.com/lunaroute/lunaroute/internal/ingress"
	"github.com/lunaroute/lunaroute/internal/logger"
	"github.com/lunaroute/lunaroute/internal/router"
)

// Application is the composition root: it owns the HTTP server and the
// long-lived adapters (circuit breaker, health monitor) that the ingress
// handlers consult on every request.
type Application struct {
	config    *config.Config
	server    *http.Server
	logger    *logger.StyledLogger
	registry  *router.RouteRegistry
	startTime time.Time

	breaker *health.CircuitBreaker
	monitor *health.Monitor
	engine  *router.Engine
	metrics *metrics.Registry

	recorder     ports.SessionRecorder
	rateLimiter  *security.RateLimitValidator
	sizeLimiter  *security.SizeValidator
	openaiIngress    *ingress.Handler
	anthropicIngress *ingress.Handler

	errCh chan error
}

// New loads configuration (with hot-reload watching) and assembles the
// application. It does not start listening; call Start for that.
func New(startTime time.Time, styledLogger *logger.StyledLogger) (*Application, error) {
	var app *Application

	cfg, err := config.Load(func() {
		if app != nil {
			styledLogger.Info("configuration reloaded")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	breaker := health.NewCircuitBreaker(
		cfg.Circuit.FailureThreshold,
		cfg.Circuit.SuccessThreshold,
		cfg.Circuit.OpenDuration,
		cfg.Circuit.HalfOpenMaxCalls,
	)
	monitor := health.NewMonitor(cfg.Circuit.HealthWindow, cfg.Circuit.HealthMinSamples)

	registry := router.NewRouteRegistry(styledLogger)

	providers, err := router.BuildProviders(cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("building providers: %w", err)
	}
	rules, err := router.BuildRules(cfg.Rules, providers)
	if err != nil {
		return nil, fmt.Errorf("building rules: %w", err)
	}

	translators := translator.NewRegistry(styledLogger)
	translators.Register(openai.NewAdapter(styledLogger))
	translators.Register(anthropic.NewAdapter(styledLogger))

	extractor := metrics.NewExtractor(styledLogger)
	client := egress.NewClient(cfg.Providers, translators, extractor, styledLogger)

	metricsRegistry := metrics.NewRegistry()

	notify := router.NotifyConfig{Enabled: cfg.Notification.Enabled, DefaultTemplate: cfg.Notification.Template, PerProvider: perProviderTemplates(cfg.Providers)}
	engine := router.NewEngine(rules, providers, client, breaker, monitor, notify, metricsRegistry, styledLogger)

	sessionRecorder, err := buildRecorder(cfg, styledLogger)
	if err != nil {
		return nil, fmt.Errorf("building session recorder: %w", err)
	}
	if rec, ok := sessionRecorder.(*recorder.Recorder); ok {
		rec.SetMetrics(metricsRegistry)
	}

	redactor, err := pii.New(pii.Mode(cfg.Pii.Mode), []byte(os.Getenv(cfg.Pii.TokenSecretEnv)), "default")
	if err != nil {
		return nil, fmt.Errorf("building pii redactor: %w", err)
	}

	rateLimiter := security.NewRateLimitValidator(cfg.Server.RateLimits, nil, *styledLogger)
	sizeLimiter := security.NewSizeValidator(cfg.Server.RequestLimits, styledLogger)

	openaiAdapter, err := translators.Get(domain.DialectOpenAI)
	if err != nil {
		return nil, fmt.Errorf("resolving openai adapter: %w", err)
	}
	anthropicAdapter, err := translators.Get(domain.DialectAnthropic)
	if err != nil {
		return nil, fmt.Errorf("resolving anthropic adapter: %w", err)
	}

	trustedCIDRs := cfg.Server.RateLimits.TrustedProxyCIDRsParsed
	trustProxyHeaders := cfg.Server.RateLimits.TrustProxyHeaders

	openaiIngress := ingress.New(openaiAdapter, engine, sessionRecorder, redactor, metricsRegistry, trustProxyHeaders, trustedCIDRs, styledLogger)
	anthropicIngress := ingress.New(anthropicAdapter, engine, sessionRecorder, redactor, metricsRegistry, trustProxyHeaders, trustedCIDRs, styledLogger)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	app = &Application{
		config:           cfg,
		server:           server,
		logger:           styledLogger,
		registry:         registry,
		startTime:        startTime,
		breaker:          breaker,
		monitor:          monitor,
		engine:           engine,
		metrics:          metricsRegistry,
		recorder:         sessionRecorder,
		rateLimiter:      rateLimiter,
		sizeLimiter:      sizeLimiter,
		openaiIngress:    openaiIngress,
		anthropicIngress: anthropicIngress,
		errCh:            make(chan error, 1),
	}
	return app, nil
}

// perProviderTemplates collects each provider's own notification_template
// override, keyed by provider name, for router.NotifyConfig.PerProvider.
func perProviderTemplates(cfgs []config.ProviderConfig) map[string]string {
	out := make(map[string]string, len(cfgs))
	for _, c := range cfgs {
		if c.NotificationTemplate != "" {
			out[c.Name] = c.NotificationTemplate
		}
	}
	return out
}

// buildRecorder wires the configured session writers (JSONL and/or SQLite)
// into a recorder.Recorder; an empty writer set still returns a working
// recorder that simply has nothing to flush to, since the core always
// publishes SessionEvents regardless of whether recording is enabled.
func buildRecorder(cfg *config.Config, log *logger.StyledLogger) (ports.SessionRecorder, error) {
	var writers []ports.SessionWriter

	if cfg.Recorder.Enabled && cfg.Recorder.Jsonl.Enabled {
		writers = append(writers, recorder.NewJsonlWriter(
			cfg.Recorder.Jsonl.Directory,
			cfg.Recorder.Jsonl.MaxOpenFiles,
			cfg.Recorder.Jsonl.RetainDays,
			cfg.Recorder.Jsonl.MaxTotalGB,
			cfg.Recorder.Jsonl.Compress,
			log,
		))
	}

	if cfg.Recorder.Enabled && cfg.Recorder.Sqlite.Enabled {
		sqliteWriter, err := recorder.NewSqliteWriter(cfg.Recorder.Sqlite.Path, cfg.Recorder.Sqlite.MaxOpenConns, log)
		if err != nil {
			return nil, fmt.Errorf("sqlite writer: %w", err)
		}
		writers = append(writers, sqliteWriter)
	}

	return recorder.New(recorder.Config{
		QueueSize:  cfg.Recorder.QueueSize,
		BatchSize:  cfg.Recorder.BatchSize,
		FlushEvery: cfg.Recorder.FlushEvery,
	}, writers, log), nil
}

// Start registers routes, begins serving, and returns once the listener is
// up; startup failures after that point arrive asynchronously on errCh.
func (a *Application) Start(ctx context.Context) error {
	go func() {
		select {
		case err := <-a.errCh:
			a.logger.Error("server startup error", "error", err)
		case <-ctx.Done():
			return
		}
	}()

	a.registerRoutes()

	mux := http.NewServeMux()
	a.registry.WireUp(mux)
	a.server.Handler = mux

	go func() {
		a.logger.Info("starting web server", "bind", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", "error", err)
			a.errCh <- err
		}
	}()

	a.logger.Info("LunaRoute started", "bind", a.server.Addr)
	return nil
}

// Stop gracefully shuts the HTTP server down within the configured
// shutdown timeout.
func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	// Only after the server has stopped producing events does the recorder
	// drain and flush; draining concurrently would race in-flight requests.
	if err := a.recorder.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("session recorder shutdown did not complete cleanly", "error", err)
	}
	return nil
}

func (a *Application) registerRoutes() {
	a.registry.Register(constants.RouteHealthz, a.healthzHandler, "Liveness probe")
	a.registry.Register(constants.RouteReadyz, a.readyzHandler, "Readiness probe")
	a.registry.Register(constants.RouteMetrics, a.metricsHandler, "Prometheus text exposition")

	a.registry.RegisterProxyRoute(constants.RouteOpenAIChatCompletions, a.wrapIngress(a.openaiIngress), "OpenAI chat completions", http.MethodPost)
	a.registry.RegisterProxyRoute(constants.RouteAnthropicMessages, a.wrapIngress(a.anthropicIngress), "Anthropic messages", http.MethodPost)
}

// wrapIngress applies the ambient per-request middleware chain (security
// headers/CORS, logging, size and rate limiting) around a dialect handler,
// innermost-last so size/rate limits run before the handler ever parses a
// body.
func (a *Application) wrapIngress(h *ingress.Handler) http.HandlerFunc {
	var handler http.Handler = h
	handler = a.sizeLimiter.CreateMiddleware(h.Adapter())(handler)
	handler = a.rateLimiter.CreateMiddleware(h.Adapter())(handler)
	handler = middleware.EnhancedLoggingMiddleware(a.logger)(handler)
	handler = middleware.SecurityHeadersMiddleware(a.config.Server.CORS.AllowedOrigins)(handler)
	return handler.ServeHTTP
}

// healthzHandler is a bare text/plain liveness probe; provider
// introspection is readyz's job.
func (a *Application) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeText)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// readyzHandler reports not-ready until at least one provider is
// configured, and otherwise includes every configured provider's breaker
// state and health status so an operator can tell readiness apart from
// full health.
func (a *Application) readyzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeJSON)
	if len(a.config.Providers) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "no providers configured"})
		return
	}

	type providerStatus struct {
		Provider string `json:"provider"`
		Breaker  string `json:"breaker_state"`
		Health   string `json:"health_status"`
	}
	statuses := make([]providerStatus, 0, len(a.config.Providers))
	for _, p := range a.config.Providers {
		statuses = append(statuses, providerStatus{
			Provider: p.Name,
			Breaker:  string(a.breaker.State(p.Name)),
			Health:   healthLabel(a.monitor.Status(p.Name)),
		})
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"status": "ready", "providers": statuses})
}

func (a *Application) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(constants.HeaderContentType, constants.ContentTypeText)

	breakers := make([]metrics.BreakerSnapshot, 0, len(a.config.Providers))
	healthSnaps := make([]metrics.HealthSnapshot, 0, len(a.config.Providers))
	for _, p := range a.config.Providers {
		breakers = append(breakers, metrics.BreakerSnapshot{ProviderID: p.Name, State: string(a.breaker.State(p.Name))})
		healthSnaps = append(healthSnaps, metrics.HealthSnapshot{ProviderID: p.Name, Status: healthLabel(a.monitor.Status(p.Name))})
	}

	a.metrics.Render(w, breakers, healthSnaps)
}

// healthLabel maps domain.ProviderHealthStatus onto the healthy/degraded/
// unhealthy/unknown gauge vocabulary; the monitor's ProviderBusy return
// value stands in for "Degraded" (see health.Monitor.Status).
func healthLabel(s domain.ProviderHealthStatus) string {
	if s == domain.ProviderBusy {
		return "degraded"
	}
	return string(s)
}
