package entitle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/grant"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/store"
)

// freeGrantValidity is the validity window of provisioned free grants.
// Paid grants take their window from the plan's ValidityDays instead.
const freeGrantValidity = 365 * 24 * time.Hour

// Service is the entitlement engine: it decides which grant pays for a
// billable action, decrements balances atomically, and demotes users from
// exhausted paid grants to the free tier.
type Service struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
}

// New creates a new Service instance.
func New(s store.Store, opts ...Option) *Service {
	svc := &Service{
		store:   s,
		plugins: plugin.NewRegistry(),
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc
}

// Option configures a Service instance.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
		s.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(s *Service) {
		_ = s.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// Start migrates the store and initializes plugins.
func (s *Service) Start(ctx context.Context) error {
	if err := s.store.Migrate(ctx); err != nil {
		return err
	}

	s.plugins.EmitInit(ctx, s)

	s.logger.Info("entitle started", "plugins", s.plugins.Count())
	return nil
}

// Stop shuts down the Service.
func (s *Service) Stop() error {
	s.plugins.EmitShutdown(context.Background())
	return s.store.Close()
}

// Ping checks storage connectivity.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ──────────────────────────────────────────────────
// Plan Catalog
// ──────────────────────────────────────────────────

// CreatePlan adds a new catalog plan. Plans are immutable once referenced
// by a live grant; a pricing change is a new plan plus an archival.
func (s *Service) CreatePlan(ctx context.Context, p *plan.Plan) error {
	if p.Name == "" {
		return ValidationError{Field: "name", Message: "must not be empty"}
	}
	if p.ValidityDays <= 0 {
		return ValidationError{Field: "validity_days", Message: "must be positive"}
	}
	if !p.Limits.Valid() {
		return ErrInvalidLimits
	}
	if p.Price.Amount < 0 {
		return ValidationError{Field: "price", Message: "must not be negative"}
	}

	if p.ID.IsNil() {
		p.ID = id.NewPlanID()
	}
	if p.Status == "" {
		p.Status = plan.StatusActive
	}
	p.Entity = NewEntity()

	if err := s.store.CreatePlan(ctx, p); err != nil {
		return err
	}

	s.plugins.EmitPlanCreated(ctx, p)
	return nil
}

// GetPlan retrieves a plan by ID.
func (s *Service) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	return s.store.GetPlan(ctx, planID)
}

// ListPlans lists catalog plans.
func (s *Service) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	return s.store.ListPlans(ctx, opts)
}

// ArchivePlan retires a plan from the catalog. Grants referencing it keep
// working until they expire or exhaust.
func (s *Service) ArchivePlan(ctx context.Context, planID id.PlanID) error {
	if err := s.store.ArchivePlan(ctx, planID); err != nil {
		return err
	}

	s.plugins.EmitPlanArchived(ctx, planID.String())
	return nil
}

// FreePlan returns the catalog's free-tier plan.
func (s *Service) FreePlan(ctx context.Context) (*plan.Plan, error) {
	return s.store.FindFreePlan(ctx)
}

// ──────────────────────────────────────────────────
// Provisioning
// ──────────────────────────────────────────────────

// EnsureFreeGrant guarantees the user holds an active, unexpired free-tier
// grant, creating one with full balances if needed. Idempotent: concurrent
// calls for the same user yield exactly one grant.
func (s *Service) EnsureFreeGrant(ctx context.Context, userID string) (*grant.Grant, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	freePlan, err := s.store.FindFreePlan(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	g := &grant.Grant{
		Entity:   NewEntity(),
		ID:       id.NewGrantID(),
		UserID:   userID,
		PlanID:   freePlan.ID,
		StartAt:  now,
		EndAt:    now.Add(freeGrantValidity),
		Active:   true,
		Balances: grant.FromLimits(freePlan.Limits),
	}

	ensured, created, err := s.store.EnsureGrant(ctx, g, now)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("free grant provisioned",
			"user_id", userID,
			"grant_id", ensured.ID.String(),
			"plan_id", freePlan.ID.String(),
		)
		s.plugins.EmitGrantCreated(ctx, ensured)
	}

	return ensured, nil
}

// PurchaseGrant creates a grant from a catalog plan on purchase
// confirmation. Balances start at the plan's limits; the validity window is
// the plan's ValidityDays from now.
func (s *Service) PurchaseGrant(ctx context.Context, userID string, planID id.PlanID) (*grant.Grant, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	p, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p.Status == plan.StatusArchived {
		return nil, ErrPlanArchived
	}

	now := time.Now().UTC()
	g := &grant.Grant{
		Entity:   NewEntity(),
		ID:       id.NewGrantID(),
		UserID:   userID,
		PlanID:   p.ID,
		StartAt:  now,
		EndAt:    now.AddDate(0, 0, p.ValidityDays),
		Active:   true,
		Balances: grant.FromLimits(p.Limits),
	}

	if err := s.store.CreateGrant(ctx, g); err != nil {
		return nil, err
	}

	s.logger.Info("grant purchased",
		"user_id", userID,
		"grant_id", g.ID.String(),
		"plan", p.Name,
	)
	s.plugins.EmitGrantCreated(ctx, g)

	return g, nil
}

// ──────────────────────────────────────────────────
// Entitlement Resolver
// ──────────────────────────────────────────────────

// Resolve selects the grant that should pay for an action in the given
// category: paid grants before free ones, newest first within each tier,
// and only grants with a positive balance. Expired and deactivated grants
// are never considered.
func (s *Service) Resolve(ctx context.Context, userID string, c plan.Category) (*grant.Grant, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	now := time.Now().UTC()
	grants, err := s.store.ListSelectableGrants(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	plans, err := s.plansFor(ctx, grants)
	if err != nil {
		return nil, err
	}

	// Paid tier first, free tier as the reserve. Newly purchased upgrades
	// outrank stale grants of the same tier because grants arrive newest
	// first from the store.
	for _, wantPaid := range []bool{true, false} {
		for _, g := range grants {
			p := plans[g.PlanID.String()]
			if p.IsPaid() != wantPaid {
				continue
			}
			if g.Balances.Get(c) > 0 {
				s.plugins.EmitEntitlementResolved(ctx, userID, string(c), g.ID.String())
				return g, nil
			}
		}
	}

	s.plugins.EmitEntitlementDenied(ctx, userID, string(c))
	return nil, DeniedError{UserID: userID, Category: string(c)}
}

// ──────────────────────────────────────────────────
// Consumption Coordinator
// ──────────────────────────────────────────────────

// Commit decrements the grant's balance for a completed billable action.
// The decrement is a store-level compare-and-decrement, so two racing
// commits for the last credit can never drive the balance below zero.
//
// Returns ErrAlreadyExhausted if the balance was spent by a concurrent
// commit, and ErrGrantNotSelectable if the grant expired or was deactivated
// between resolution and commit. Neither case re-resolves automatically:
// silently charging a different grant would mask a double-spend.
func (s *Service) Commit(ctx context.Context, grantID id.GrantID, c plan.Category) error {
	now := time.Now().UTC()

	updated, err := s.store.ConsumeCredit(ctx, grantID, c, now)
	switch {
	case errors.Is(err, ErrAlreadyExhausted):
		s.logger.Warn("overdraft prevented",
			"grant_id", grantID.String(),
			"category", string(c),
		)
		s.plugins.EmitOverdraftPrevented(ctx, grantID.String(), string(c))
		return err
	case errors.Is(err, ErrGrantNotSelectable):
		s.logger.Info("commit against stale grant",
			"grant_id", grantID.String(),
			"category", string(c),
		)
		return err
	case err != nil:
		return err
	}

	s.plugins.EmitCreditCommitted(ctx, grantID.String(), string(c), updated.Balances.Get(c))

	p, err := s.store.GetPlan(ctx, updated.PlanID)
	if err != nil {
		if errors.Is(err, ErrPlanNotFound) {
			s.logger.Error("grant references unknown plan",
				"grant_id", updated.ID.String(),
				"plan_id", updated.PlanID.String(),
			)
			return fmt.Errorf("%w: plan %s", ErrCatalogInconsistency, updated.PlanID.String())
		}
		return err
	}

	// A paid grant drained in every category is demoted so the user falls
	// back to free-tier limits instead of losing access entirely.
	if p.IsPaid() && updated.Balances.AllZero() {
		if _, err := s.fallbackFromExhaustedPaid(ctx, updated); err != nil {
			return err
		}
	}

	return nil
}

// ResolveAndCommit is the internal call used by feature completion
// handlers: pick the paying grant and spend one credit in a single step.
func (s *Service) ResolveAndCommit(ctx context.Context, userID string, c plan.Category) (id.GrantID, error) {
	g, err := s.Resolve(ctx, userID, c)
	if err != nil {
		return id.Nil, err
	}

	if err := s.Commit(ctx, g.ID, c); err != nil {
		return id.Nil, err
	}

	return g.ID, nil
}

// fallbackFromExhaustedPaid deactivates an exhausted paid grant and makes
// sure a free grant exists, so the user is never left entitlement-less.
// The paid grant's zero balances are kept for audit.
func (s *Service) fallbackFromExhaustedPaid(ctx context.Context, exhausted *grant.Grant) (*grant.Grant, error) {
	s.plugins.EmitGrantExhausted(ctx, exhausted)

	if _, err := s.store.DeactivateGrant(ctx, exhausted.ID); err != nil {
		return nil, err
	}
	s.plugins.EmitGrantDeactivated(ctx, exhausted.ID.String())

	free, err := s.EnsureFreeGrant(ctx, exhausted.UserID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("fallback to free tier",
		"user_id", exhausted.UserID,
		"exhausted_grant", exhausted.ID.String(),
		"free_grant", free.ID.String(),
	)
	s.plugins.EmitFallbackProvisioned(ctx, exhausted.UserID, free)

	return free, nil
}

// ──────────────────────────────────────────────────
// Grant administration
// ──────────────────────────────────────────────────

// GetGrant retrieves a grant by ID.
func (s *Service) GetGrant(ctx context.Context, grantID id.GrantID) (*grant.Grant, error) {
	return s.store.GetGrant(ctx, grantID)
}

// ListGrants returns the user's full grant history, newest first.
func (s *Service) ListGrants(ctx context.Context, userID string) ([]*grant.Grant, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	return s.store.ListGrants(ctx, userID)
}

// AdjustGrant applies an administrative balance correction. Each resulting
// balance is clamped to [0, plan limit] so the invariant holds through
// manual fixes too.
func (s *Service) AdjustGrant(ctx context.Context, grantID id.GrantID, d grant.Deltas) (*grant.Grant, error) {
	g, err := s.store.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}

	p, err := s.store.GetPlan(ctx, g.PlanID)
	if err != nil {
		if errors.Is(err, ErrPlanNotFound) {
			return nil, fmt.Errorf("%w: plan %s", ErrCatalogInconsistency, g.PlanID.String())
		}
		return nil, err
	}

	updated, err := s.store.AdjustBalances(ctx, grantID, d, p.Limits)
	if err != nil {
		return nil, err
	}

	s.logger.Info("grant balances adjusted", "grant_id", grantID.String())
	s.plugins.EmitBalanceAdjusted(ctx, updated)

	return updated, nil
}

// DeactivateGrant soft-deletes a grant. The row survives for audit; the
// grant just stops being selectable.
func (s *Service) DeactivateGrant(ctx context.Context, grantID id.GrantID) (*grant.Grant, error) {
	g, err := s.store.DeactivateGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}

	s.plugins.EmitGrantDeactivated(ctx, grantID.String())
	return g, nil
}

// ──────────────────────────────────────────────────
// Usage Reporting
// ──────────────────────────────────────────────────

// Report projects the user's usage, limits and remaining credits per
// category against the grant the resolver would pick next, so the figures
// match exactly what a new action would consume.
func (s *Service) Report(ctx context.Context, userID string) (*entitlement.Report, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}

	now := time.Now().UTC()
	all, err := s.store.ListGrants(ctx, userID)
	if err != nil {
		return nil, err
	}

	plans, err := s.plansFor(ctx, all)
	if err != nil {
		return nil, err
	}

	selectable := make([]*grant.Grant, 0, len(all))
	for _, g := range all {
		if g.Selectable(now) {
			selectable = append(selectable, g)
		}
	}

	report := &entitlement.Report{
		UserID:    userID,
		Usage:     make(map[plan.Category]entitlement.UsageView, 3),
		AllGrants: make([]entitlement.GrantSummary, 0, len(all)),
	}

	for _, c := range plan.Categories() {
		g := pickForCategory(selectable, plans, c)
		if g == nil {
			report.Usage[c] = entitlement.NewUsageView(0, 0, false)
			continue
		}
		p := plans[g.PlanID.String()]
		view := entitlement.NewUsageView(g.Balances.Get(c), p.Limits.Get(c), g.IsTimeValid(now))
		report.Usage[c] = view
		if view.CanUse {
			report.HasUsableEntitlement = true
		}
	}

	// The headline grant is the one a new action in any category would
	// draw from first.
	for _, wantPaid := range []bool{true, false} {
		for _, g := range selectable {
			if report.Selected != nil {
				break
			}
			p := plans[g.PlanID.String()]
			if p.IsPaid() != wantPaid {
				continue
			}
			if !g.Balances.AllZero() {
				summary := summarize(g, p)
				report.Selected = &summary
			}
		}
	}

	for _, g := range all {
		report.AllGrants = append(report.AllGrants, summarize(g, plans[g.PlanID.String()]))
	}

	return report, nil
}

// pickForCategory mirrors Resolve's priority rule over an already-fetched
// grant list. When every balance in the category is spent it falls back to
// the highest-priority selectable grant so the report still shows the
// user's current standing (with CanUse false).
func pickForCategory(selectable []*grant.Grant, plans map[string]*plan.Plan, c plan.Category) *grant.Grant {
	var drained *grant.Grant
	for _, wantPaid := range []bool{true, false} {
		for _, g := range selectable {
			if plans[g.PlanID.String()].IsPaid() != wantPaid {
				continue
			}
			if g.Balances.Get(c) > 0 {
				return g
			}
			if drained == nil {
				drained = g
			}
		}
	}
	return drained
}

func summarize(g *grant.Grant, p *plan.Plan) entitlement.GrantSummary {
	gt := entitlement.GrantPaid
	if p.IsFree() {
		gt = entitlement.GrantFree
	}
	return entitlement.GrantSummary{
		ID:       g.ID,
		PlanID:   g.PlanID,
		PlanName: p.Name,
		Type:     gt,
		StartAt:  g.StartAt,
		EndAt:    g.EndAt,
		Active:   g.Active,
	}
}

// plansFor loads the plan of every grant once. A grant referencing a plan
// missing from the catalog is a data-integrity bug and fails the whole
// request.
func (s *Service) plansFor(ctx context.Context, grants []*grant.Grant) (map[string]*plan.Plan, error) {
	plans := make(map[string]*plan.Plan, len(grants))
	for _, g := range grants {
		key := g.PlanID.String()
		if _, ok := plans[key]; ok {
			continue
		}
		p, err := s.store.GetPlan(ctx, g.PlanID)
		if err != nil {
			if errors.Is(err, ErrPlanNotFound) {
				s.logger.Error("grant references unknown plan",
					"grant_id", g.ID.String(),
					"plan_id", key,
				)
				return nil, fmt.Errorf("%w: plan %s", ErrCatalogInconsistency, key)
			}
			return nil, err
		}
		plans[key] = p
	}
	return plans, nil
}
