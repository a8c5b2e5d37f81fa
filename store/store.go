// Package store defines the unified storage interface for Entitle.
//
// The grant rows of a user are the only shared mutable state in the
// subsystem, so the store is the single place concurrency safety is
// enforced: ConsumeCredit must be a compare-and-decrement and EnsureGrant
// must be an idempotent create. Every backend implements both as atomic
// datastore operations, never as read-then-write sequences.
package store

import (
	"context"
	"time"

	"github.com/xraph/entitle/grant"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
)

// Store is the unified storage interface for all Entitle entities.
type Store interface {
	// Plan catalog methods. Plans are append-only: a pricing change creates
	// a new row and archives the old one.
	CreatePlan(ctx context.Context, p *plan.Plan) error
	GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error)
	GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error)
	// FindFreePlan returns the newest active free-tier plan.
	FindFreePlan(ctx context.Context) (*plan.Plan, error)
	ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error)
	ArchivePlan(ctx context.Context, planID id.PlanID) error

	// Grant methods. Grant rows are append-only except for the active flag
	// and the balance counters.
	CreateGrant(ctx context.Context, g *grant.Grant) error
	// EnsureGrant inserts g unless the user already holds an active,
	// unexpired grant for the same plan, in which case the existing grant is
	// returned. Safe under concurrent invocation for the same user: two
	// racing calls yield one row. The bool reports whether g was inserted.
	EnsureGrant(ctx context.Context, g *grant.Grant, now time.Time) (*grant.Grant, bool, error)
	GetGrant(ctx context.Context, grantID id.GrantID) (*grant.Grant, error)
	ListGrants(ctx context.Context, userID string) ([]*grant.Grant, error)
	// ListSelectableGrants returns the user's active grants whose validity
	// window contains now, newest first (created_at desc, id desc).
	ListSelectableGrants(ctx context.Context, userID string, now time.Time) ([]*grant.Grant, error)
	// ConsumeCredit atomically decrements the category balance by one,
	// conditioned on the grant being selectable and the balance being
	// positive at commit time. Returns the updated grant on success,
	// entitle.ErrAlreadyExhausted if the balance was already zero, and
	// entitle.ErrGrantNotSelectable if the grant is inactive or expired.
	ConsumeCredit(ctx context.Context, grantID id.GrantID, c plan.Category, now time.Time) (*grant.Grant, error)
	// AdjustBalances applies per-category deltas, clamping each result to
	// [0, limits] so the balance invariant holds through admin corrections.
	AdjustBalances(ctx context.Context, grantID id.GrantID, d grant.Deltas, limits plan.Limits) (*grant.Grant, error)
	// DeactivateGrant soft-deletes: the row and its balances survive for
	// audit, the grant just stops being selectable.
	DeactivateGrant(ctx context.Context, grantID id.GrantID) (*grant.Grant, error)

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
