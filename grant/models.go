package grant

import (
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/types"
)

// Balances holds the remaining credits of a grant, one counter per category.
// Each balance starts at the plan's corresponding limit and only decreases,
// except through administrative adjustment.
//
// The stored quantity is always the REMAINING credit, never the consumption
// count; "used" is derived as limit minus balance at read time.
type Balances struct {
	Interview      int64 `json:"interview"`
	Assessment     int64 `json:"assessment"`
	DocumentUpload int64 `json:"document_upload"`
}

// FromLimits initializes full balances from a plan's limits.
func FromLimits(l plan.Limits) Balances {
	return Balances{
		Interview:      l.Interview,
		Assessment:     l.Assessment,
		DocumentUpload: l.DocumentUpload,
	}
}

// Get returns the remaining balance for a category.
func (b Balances) Get(c plan.Category) int64 {
	switch c {
	case plan.CategoryInterview:
		return b.Interview
	case plan.CategoryAssessment:
		return b.Assessment
	case plan.CategoryDocumentUpload:
		return b.DocumentUpload
	}
	return 0
}

// Set returns a copy with the balance for a category replaced.
func (b Balances) Set(c plan.Category, v int64) Balances {
	switch c {
	case plan.CategoryInterview:
		b.Interview = v
	case plan.CategoryAssessment:
		b.Assessment = v
	case plan.CategoryDocumentUpload:
		b.DocumentUpload = v
	}
	return b
}

// AllZero reports whether every balance is exhausted. A paid grant in this
// state is demoted to the free tier.
func (b Balances) AllZero() bool {
	return b.Interview == 0 && b.Assessment == 0 && b.DocumentUpload == 0
}

// Deltas is a per-category signed adjustment applied by administrative
// balance corrections. Results are clamped to [0, plan limit].
type Deltas struct {
	Interview      int64 `json:"interview"`
	Assessment     int64 `json:"assessment"`
	DocumentUpload int64 `json:"document_upload"`
}

// Get returns the delta for a category.
func (d Deltas) Get(c plan.Category) int64 {
	switch c {
	case plan.CategoryInterview:
		return d.Interview
	case plan.CategoryAssessment:
		return d.Assessment
	case plan.CategoryDocumentUpload:
		return d.DocumentUpload
	}
	return 0
}

// State is the derived lifecycle state of a grant.
type State string

const (
	StateProvisioned       State = "provisioned"        // balances at plan limits
	StatePartiallyConsumed State = "partially_consumed" // some balance spent, some remaining
	StateExhausted         State = "exhausted"          // all balances zero
	StateDeactivated       State = "deactivated"        // soft-deleted, kept for audit
	StateExpired           State = "expired"            // end of validity window passed
)

// Grant is a user's concrete, time-bounded instance of a catalog plan with
// mutable remaining-credit balances. Grants are never hard-deleted: expiry is
// a read-time property and deactivation is a stored flag, so audit history
// survives both.
type Grant struct {
	types.Entity
	ID       id.GrantID        `json:"id"`
	UserID   string            `json:"user_id"`
	PlanID   id.PlanID         `json:"plan_id"`
	StartAt  time.Time         `json:"start_at"`
	EndAt    time.Time         `json:"end_at"`
	Active   bool              `json:"active"`
	Balances Balances          `json:"balances"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsTimeValid reports whether now falls inside the grant's validity window.
func (g *Grant) IsTimeValid(now time.Time) bool {
	return !now.Before(g.StartAt) && !g.EndAt.Before(now)
}

// Selectable reports whether the resolver may pick this grant at all:
// active and inside its validity window. Balance checks are per category
// and happen separately.
func (g *Grant) Selectable(now time.Time) bool {
	return g.Active && g.IsTimeValid(now)
}

// StateAt derives the lifecycle state of the grant at a point in time,
// given the plan limits the balances started from.
func (g *Grant) StateAt(now time.Time, limits plan.Limits) State {
	if !g.Active {
		return StateDeactivated
	}
	if g.EndAt.Before(now) {
		return StateExpired
	}
	if g.Balances.AllZero() {
		return StateExhausted
	}
	if g.Balances == FromLimits(limits) {
		return StateProvisioned
	}
	return StatePartiallyConsumed
}
