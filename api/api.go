// Package api is the certforge admin REST surface: CA lifecycle,
// certificate signing, renewal and revocation, and the public PEM
// downloads for roots, intermediates and the CRL. Handlers are thin;
// all CA logic lives in pki and store.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/certforge/pki"
	"github.com/jmcleod/certforge/store"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	store  *store.Store
	engine *pki.Engine
	audit  *auditLogger

	adminToken       string
	lifecycleEnabled bool
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAdminToken enables the bearer-token gate on mutating endpoints.
// An empty token leaves them open (local single-user deployments).
func WithAdminToken(token string) Option {
	return func(a *API) { a.adminToken = token }
}

// WithLifecycle enables the destructive CA lifecycle endpoints
// (init, destroy, rotate-keystore). Disabled they answer 403.
func WithLifecycle(enabled bool) Option {
	return func(a *API) { a.lifecycleEnabled = enabled }
}

// New creates a new API instance.
func New(st *store.Store, engine *pki.Engine, opts ...Option) *API {
	a := &API{store: st, engine: engine}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	// Public downloads: anyone trusting this CA needs these.
	r.Get("/ca/roots.pem", a.GetRoots)
	r.Get("/ca/intermediates.pem", a.GetIntermediates)
	r.Get("/ca/crl.pem", a.GetCRL)

	r.Group(func(r chi.Router) {
		r.Use(a.AuthMiddleware)

		r.With(a.lifecycleGate).Post("/ca/init", a.InitCA)
		r.With(a.lifecycleGate).Post("/ca/destroy", a.DestroyCA)
		r.With(a.lifecycleGate).Post("/ca/rotate-keystore", a.RotateKeystore)

		r.Post("/certs/sign", a.SignCert)
		r.Post("/certs/renew", a.RenewCert)
		r.Post("/certs/revoke", a.RevokeCert)
	})

	return r
}
