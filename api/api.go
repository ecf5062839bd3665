// Package api serves the conduit admin and enqueue HTTP API on a chi router.
//
// Routes:
//
//	GET    /healthz
//	GET    /v1/stats?tenant_id=
//	POST   /v1/jobs
//	GET    /v1/jobs/{jobID}
//	POST   /v1/jobs/{jobID}/retry
//	GET    /v1/tenants/{tenantID}/failed
//	POST   /v1/tenants/{tenantID}/failed/retry
//	DELETE /v1/tenants/{tenantID}/failed
//	GET    /v1/dlq?tenant_id=&limit=&offset=
//	POST   /v1/dlq/{entryID}/replay
//	GET    /v1/connections
//	POST   /v1/tenants/{tenantID}/reconnect
//	DELETE /v1/tenants/{tenantID}/connection
//
// Errors are JSON objects of the form {"error": "..."}; conduit sentinel
// errors map onto status codes in writeError.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/xraph/conduit"
	"github.com/xraph/conduit/engine"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// API wires the HTTP handlers to an Engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// Option configures the API.
type Option func(*API)

// WithLogger sets the request and error logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// New creates an API over eng.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{eng: eng, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the router with every route registered.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.Recoverer, a.requestLogger)
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the API onto an existing router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", a.health)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", a.stats)

		r.Post("/jobs", a.enqueueJob)
		r.Get("/jobs/{jobID}", a.getJob)
		r.Post("/jobs/{jobID}/retry", a.retryJob)

		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Get("/failed", a.listFailed)
			r.Post("/failed/retry", a.retryFailed)
			r.Delete("/failed", a.clearFailed)
			r.Post("/reconnect", a.reconnectTenant)
			r.Delete("/connection", a.disconnectTenant)
		})

		r.Get("/dlq", a.listDLQ)
		r.Post("/dlq/{entryID}/replay", a.replayDLQ)

		r.Get("/connections", a.listConnections)
	})
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps conduit sentinels onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, conduit.ErrJobNotFound),
		errors.Is(err, conduit.ErrDLQNotFound),
		errors.Is(err, conduit.ErrTenantNotFound):
		return http.StatusNotFound
	case errors.Is(err, conduit.ErrInvalidState),
		errors.Is(err, conduit.ErrJobAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, conduit.ErrInvalidJob),
		errors.Is(err, conduit.ErrUnknownKind):
		return http.StatusBadRequest
	case errors.Is(err, conduit.ErrNoCredentials):
		return http.StatusUnprocessableEntity
	case errors.Is(err, conduit.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("api request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// pagination reads limit and offset query parameters.
func pagination(r *http.Request) (limit, offset int, err error) {
	limit = defaultPageSize
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(limit, maxPageSize)
	}
	if v := q.Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
