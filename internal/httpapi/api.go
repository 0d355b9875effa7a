// Package httpapi exposes the gateway's REST surface: tenant session
// lifecycle, message dispatch and the delivery audit trail.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"wagate/internal/dispatch"
	"wagate/internal/metrics"
	"wagate/internal/session"
	"wagate/internal/storage"
	logx "wagate/pkg/logx"
)

type API struct {
	sessions   *session.Registry
	dispatcher *dispatch.Dispatcher
	store      storage.Store
	auth       *Authenticator
	log        logx.Logger

	uploadDir      string
	metricsEnabled bool
}

func New(sessions *session.Registry, dispatcher *dispatch.Dispatcher, store storage.Store, auth *Authenticator, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &API{
		sessions:   sessions,
		dispatcher: dispatcher,
		store:      store,
		auth:       auth,
		log:        log,
	}
}

// SetUploadDir enables multipart attachment uploads into dir.
func (a *API) SetUploadDir(dir string) { a.uploadDir = dir }

// EnableMetrics mounts the Prometheus handler on /metrics.
func (a *API) EnableMetrics() { a.metricsEnabled = true }

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)

	// Public
	r.Post("/auth/login", a.handleLogin)
	r.Get("/healthz", a.handleHealth)
	if a.metricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}

	// Secured
	r.Group(func(r chi.Router) {
		r.Use(a.auth.Middleware)

		r.Post("/tenants/{tenant}/login", a.handleTriggerLogin)
		r.Get("/tenants/{tenant}/status", a.handleStatus)
		r.Delete("/tenants/{tenant}/session", a.handleLogout)

		r.Post("/tenants/{tenant}/messages", a.handleSend)
		r.Post("/tenants/{tenant}/messages/bulk", a.handleSendBulk)
		r.Get("/tenants/{tenant}/deliveries", a.handleDeliveries)
	})

	return r
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}
