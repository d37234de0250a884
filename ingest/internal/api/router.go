package api

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"moneyflow-events/shared/authx"
	"moneyflow-events/shared/config"
	"moneyflow-events/shared/httpx"
	"moneyflow-events/shared/logx"
	"moneyflow-events/shared/metricsx"
)

// APIPrefix is where the browser SDK posts; routes are also served unprefixed.
const APIPrefix = "/api/v1"

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

type RouterConfig struct {
	Config   config.Config
	Version  string
	Logger   logx.Logger
	Handler  *Handler
	Verifier authx.Verifier
	// Ready reports conditions that keep /readyz failing.
	Ready func(ctx context.Context) []config.Problem
}

func NewRouter(rc RouterConfig) http.Handler {
	cfg := rc.Config
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: rc.Version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		var problems []config.Problem
		if rc.Ready != nil {
			problems = rc.Ready(r.Context())
		}
		if len(problems) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, httpx.CodeFailedPrecondition,
				"service not ready", map[string]any{"problems": problems})
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: rc.Version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	rc.Handler.Register(mux, "")
	rc.Handler.Register(mux, APIPrefix)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, httpx.CodeNotFound, "route not found", nil)
	})

	infra := func(r *http.Request) bool {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			return true
		}
		return false
	}

	var handler http.Handler = httpx.WrapServeMux(mux, notFound)
	handler = OptionalAuthMiddleware{Verifier: rc.Verifier, Logger: rc.Logger, Skip: infra}.Wrap(handler)
	var limiter *IPRateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 2*time.Minute)
	}
	handler = RateLimitMiddleware{Limiter: limiter, Skip: infra}.Wrap(handler)
	handler = CORSMiddleware{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		MaxAge:         10 * time.Minute,
		Skip:           infra,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(rc.Logger, handler)
	handler = metricsx.InstrumentWith(func(r *http.Request) string {
		if _, pattern := mux.Handler(r); pattern != "" {
			return pattern
		}
		return "unmatched"
	}, handler)
	handler = httpx.WithRequestLog(rc.Logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}}, handler)
	return otelhttp.NewHandler(handler, "http")
}
