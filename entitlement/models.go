// Package entitlement defines the read-model types produced by resolution
// and usage reporting.
package entitlement

import (
	"fmt"
	"time"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
)

// GrantType distinguishes paid grants from free-tier grants in API responses.
type GrantType string

const (
	GrantPaid GrantType = "PAID"
	GrantFree GrantType = "FREE"
)

// UsageView is the human-facing projection of one category on one grant.
// Used is derived (limit minus balance); the stored quantity is always the
// remaining balance.
type UsageView struct {
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	CanUse    bool   `json:"can_use"`
	Display   string `json:"display"`
}

// NewUsageView builds a view from a balance and its plan limit.
func NewUsageView(balance, limit int64, timeValid bool) UsageView {
	used := limit - balance
	if used < 0 {
		used = 0
	}
	return UsageView{
		Used:      used,
		Limit:     limit,
		Remaining: balance,
		CanUse:    timeValid && balance > 0,
		Display:   fmt.Sprintf("%d/%d", used, limit),
	}
}

// GrantSummary is the API shape of a grant joined with its plan.
type GrantSummary struct {
	ID       id.GrantID `json:"id"`
	PlanID   id.PlanID  `json:"plan_id"`
	PlanName string     `json:"plan_name"`
	Type     GrantType  `json:"type"`
	StartAt  time.Time  `json:"start_at"`
	EndAt    time.Time  `json:"end_at"`
	Active   bool       `json:"active"`
}

// Report is the full usage/limit/remaining projection for a user, computed
// against the grant the resolver would pick next per category, so the UI
// reflects exactly what a new action would consume.
type Report struct {
	UserID               string                      `json:"user_id"`
	HasUsableEntitlement bool                        `json:"has_usable_entitlement"`
	Selected             *GrantSummary               `json:"selected_grant,omitempty"`
	Usage                map[plan.Category]UsageView `json:"usage"`
	AllGrants            []GrantSummary              `json:"all_grants"`
}
