package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/grant"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
)

type errorResponse struct {
	Error string `json:"error"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (a *API) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the engine's error taxonomy to HTTP status codes.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve entitle.ValidationError

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, entitle.ErrUnauthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, entitle.ErrNoUsableEntitlement):
		status = http.StatusForbidden
	case errors.Is(err, entitle.ErrAlreadyExhausted),
		errors.Is(err, entitle.ErrGrantNotSelectable),
		errors.Is(err, entitle.ErrAlreadyExists),
		errors.Is(err, entitle.ErrPlanArchived):
		status = http.StatusConflict
	case entitle.IsNotFound(err):
		status = http.StatusNotFound
	case errors.As(err, &ve),
		errors.Is(err, entitle.ErrInvalidInput),
		errors.Is(err, entitle.ErrInvalidLimits):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		a.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	a.json(w, status, errorResponse{Error: err.Error()})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Ping(r.Context()); err != nil {
		a.json(w, http.StatusServiceUnavailable, errorResponse{Error: "storage unreachable"})
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==================== Entitlements ====================

func (a *API) activeEntitlements(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")

	report, err := a.svc.Report(r.Context(), userID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	if !report.HasUsableEntitlement {
		a.json(w, http.StatusOK, struct {
			HasUsableEntitlement bool   `json:"has_usable_entitlement"`
			Message              string `json:"message"`
			Report               any    `json:"report"`
		}{false, "no usable entitlement; purchase a plan to continue", report})
		return
	}

	a.json(w, http.StatusOK, report)
}

type commitRequest struct {
	UserID   string `json:"user_id"`
	Category string `json:"category"`
}

func (a *API) commit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.json(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	c, ok := plan.ParseCategory(req.Category)
	if !ok {
		a.json(w, http.StatusBadRequest, errorResponse{Error: "unknown category: " + req.Category})
		return
	}

	grantID, err := a.svc.ResolveAndCommit(r.Context(), req.UserID, c)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.json(w, http.StatusOK, struct {
		GrantID string `json:"grant_id"`
	}{grantID.String()})
}

type freeGrantRequest struct {
	UserID string `json:"user_id"`
}

func (a *API) ensureFreeGrant(w http.ResponseWriter, r *http.Request) {
	var req freeGrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.json(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	g, err := a.svc.EnsureFreeGrant(r.Context(), req.UserID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	// Idempotent: repeat calls return the same grant, so this is a read
	// as often as a create. 200 either way.
	a.json(w, http.StatusOK, g)
}

// ==================== Grants ====================

func (a *API) listGrants(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")

	grants, err := a.svc.ListGrants(r.Context(), userID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.json(w, http.StatusOK, struct {
		Grants []*grant.Grant `json:"grants"`
	}{grants})
}

type purchaseRequest struct {
	UserID string `json:"user_id"`
	PlanID string `json:"plan_id"`
}

func (a *API) purchaseGrant(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.json(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	planID, err := id.ParsePlanID(req.PlanID)
	if err != nil {
		a.json(w, http.StatusBadRequest, errorResponse{Error: "invalid plan id"})
		return
	}

	g, err := a.svc.PurchaseGrant(r.Context(), req.UserID, planID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.json(w, http.StatusCreated, g)
}

func (a *API) adjustGrant(w http.ResponseWriter, r *http.Request) {
	grantID, err := id.ParseGrantID(chi.URLParam(r, "grantID"))
	if err != nil {
		a.json(w, http.StatusBadRequest, errorResponse{Error: "invalid grant id"})
		return
	}

	var deltas grant.Deltas
	if err := json.NewDecoder(r.Body).Decode(&deltas); err != nil {
		a.json(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	g, err := a.svc.AdjustGrant(r.Context(), grantID, deltas)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	p, err := a.svc.GetPlan(r.Context(), g.PlanID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	now := time.Now().UTC()
	usage := make(map[plan.Category]entitlement.UsageView, 3)
	for _, c := range plan.Categories() {
		usage[c] = entitlement.NewUsageView(g.Balances.Get(c), p.Limits.Get(c), g.IsTimeValid(now))
	}

	a.json(w, http.StatusOK, struct {
		Grant *grant.Grant                            `json:"grant"`
		Usage map[plan.Category]entitlement.UsageView `json:"usage"`
	}{g, usage})
}

func (a *API) deactivateGrant(w http.ResponseWriter, r *http.Request) {
	grantID, err := id.ParseGrantID(chi.URLParam(r, "grantID"))
	if err != nil {
		a.json(w, http.StatusBadRequest, errorResponse{Error: "invalid grant id"})
		return
	}

	g, err := a.svc.DeactivateGrant(r.Context(), grantID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.json(w, http.StatusOK, struct {
		Message          string       `json:"message"`
		DeactivatedGrant *grant.Grant `json:"deactivated_grant"`
	}{"grant deactivated", g})
}

// ==================== Plans ====================

func (a *API) listPlans(w http.ResponseWriter, r *http.Request) {
	opts := plan.ListOpts{Status: plan.Status(r.URL.Query().Get("status"))}

	plans, err := a.svc.ListPlans(r.Context(), opts)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.json(w, http.StatusOK, struct {
		Plans []*plan.Plan `json:"plans"`
	}{plans})
}

func (a *API) createPlan(w http.ResponseWriter, r *http.Request) {
	var p plan.Plan
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		a.json(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	if err := a.svc.CreatePlan(r.Context(), &p); err != nil {
		a.writeError(w, r, err)
		return
	}

	a.json(w, http.StatusCreated, &p)
}

func (a *API) getPlan(w http.ResponseWriter, r *http.Request) {
	planID, err := id.ParsePlanID(chi.URLParam(r, "planID"))
	if err != nil {
		a.json(w, http.StatusBadRequest, errorResponse{Error: "invalid plan id"})
		return
	}

	p, err := a.svc.GetPlan(r.Context(), planID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.json(w, http.StatusOK, p)
}

func (a *API) archivePlan(w http.ResponseWriter, r *http.Request) {
	planID, err := id.ParsePlanID(chi.URLParam(r, "planID"))
	if err != nil {
		a.json(w, http.StatusBadRequest, errorResponse{Error: "invalid plan id"})
		return
	}

	if err := a.svc.ArchivePlan(r.Context(), planID); err != nil {
		a.writeError(w, r, err)
		return
	}

	a.json(w, http.StatusOK, messageResponse{Message: "plan archived"})
}
