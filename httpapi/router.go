// Package httpapi exposes the entitlement engine over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xraph/entitle"
)

// API holds the handler dependencies.
type API struct {
	svc    *entitle.Service
	logger *slog.Logger
}

// New creates an API bound to svc.
func New(svc *entitle.Service, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{svc: svc, logger: logger}
}

// Router builds the HTTP routing table.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
	)

	r.Get("/v1/healthz", a.health)

	r.Route("/v1/entitlements", func(r chi.Router) {
		r.Get("/active", a.activeEntitlements)
		r.Post("/commit", a.commit)
		r.Post("/free", a.ensureFreeGrant)
		r.Route("/grants", func(r chi.Router) {
			r.Get("/", a.listGrants)
			r.Post("/", a.purchaseGrant)
			r.Patch("/{grantID}", a.adjustGrant)
			r.Delete("/{grantID}", a.deactivateGrant)
		})
	})

	r.Route("/v1/plans", func(r chi.Router) {
		r.Get("/", a.listPlans)
		r.Post("/", a.createPlan)
		r.Get("/{planID}", a.getPlan)
		r.Delete("/{planID}", a.archivePlan)
	})

	return r
}
