// Package plugin provides an extensible hook system for Entitle.
// Plugins can observe entitlement lifecycle events to extend functionality
// (audit trails, metrics, upgrade nudges) without touching the engine.
package plugin

import "context"

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the plugin is initialized.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine interface{}) error
}

// OnShutdown is called when the plugin is shutting down.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Plan catalog hooks
// ──────────────────────────────────────────────────

// OnPlanCreated is called when a new catalog plan is created.
type OnPlanCreated interface {
	Plugin
	OnPlanCreated(ctx context.Context, plan interface{}) error
}

// OnPlanArchived is called when a plan is archived.
type OnPlanArchived interface {
	Plugin
	OnPlanArchived(ctx context.Context, planID string) error
}

// ──────────────────────────────────────────────────
// Grant lifecycle hooks
// ──────────────────────────────────────────────────

// OnGrantCreated is called when a grant is provisioned or purchased.
type OnGrantCreated interface {
	Plugin
	OnGrantCreated(ctx context.Context, grant interface{}) error
}

// OnGrantExhausted is called when a paid grant's last credit is spent
// across every category, just before the fallback transition runs.
type OnGrantExhausted interface {
	Plugin
	OnGrantExhausted(ctx context.Context, grant interface{}) error
}

// OnGrantDeactivated is called when a grant is soft-deleted.
type OnGrantDeactivated interface {
	Plugin
	OnGrantDeactivated(ctx context.Context, grantID string) error
}

// OnFallbackProvisioned is called when an exhausted paid grant is demoted
// and a free grant takes over.
type OnFallbackProvisioned interface {
	Plugin
	OnFallbackProvisioned(ctx context.Context, userID string, freeGrant interface{}) error
}

// OnBalanceAdjusted is called after an administrative balance correction.
type OnBalanceAdjusted interface {
	Plugin
	OnBalanceAdjusted(ctx context.Context, grant interface{}) error
}

// ──────────────────────────────────────────────────
// Resolution and consumption hooks
// ──────────────────────────────────────────────────

// OnEntitlementResolved is called when the resolver picks a grant to pay
// for an action.
type OnEntitlementResolved interface {
	Plugin
	OnEntitlementResolved(ctx context.Context, userID, category, grantID string) error
}

// OnEntitlementDenied is called when no grant has usable balance in the
// requested category. A normal gate outcome, useful for upgrade funnels.
type OnEntitlementDenied interface {
	Plugin
	OnEntitlementDenied(ctx context.Context, userID, category string) error
}

// OnCreditCommitted is called after a successful balance decrement.
type OnCreditCommitted interface {
	Plugin
	OnCreditCommitted(ctx context.Context, grantID, category string, remaining int64) error
}

// OnOverdraftPrevented is called when a commit loses a decrement race and
// the conditional update refuses to drive the balance below zero.
type OnOverdraftPrevented interface {
	Plugin
	OnOverdraftPrevented(ctx context.Context, grantID, category string) error
}
