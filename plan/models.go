package plan

import (
	"strings"

	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/types"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDraft    Status = "draft"
)

// Category is a billable feature class. Every plan carries a credit limit
// per category and every grant carries a remaining balance per category.
type Category string

const (
	CategoryInterview      Category = "interview"
	CategoryAssessment     Category = "assessment"
	CategoryDocumentUpload Category = "document_upload"
)

// Categories returns all billable categories in a stable order.
func Categories() []Category {
	return []Category{CategoryInterview, CategoryAssessment, CategoryDocumentUpload}
}

// ParseCategory validates a category string.
func ParseCategory(s string) (Category, bool) {
	switch Category(s) {
	case CategoryInterview, CategoryAssessment, CategoryDocumentUpload:
		return Category(s), true
	}
	return "", false
}

// Limits holds the per-category credit limits of a plan. A grant's balances
// are initialized from these at creation time.
type Limits struct {
	Interview      int64 `json:"interview"`
	Assessment     int64 `json:"assessment"`
	DocumentUpload int64 `json:"document_upload"`
}

// Get returns the limit for a category.
func (l Limits) Get(c Category) int64 {
	switch c {
	case CategoryInterview:
		return l.Interview
	case CategoryAssessment:
		return l.Assessment
	case CategoryDocumentUpload:
		return l.DocumentUpload
	}
	return 0
}

// Valid reports whether every limit is non-negative.
func (l Limits) Valid() bool {
	return l.Interview >= 0 && l.Assessment >= 0 && l.DocumentUpload >= 0
}

// Plan is an immutable catalog entry defining price, validity and per-category
// credit limits. A pricing change creates a new Plan version and archives the
// old one; plans referenced by live grants are never mutated.
type Plan struct {
	types.Entity
	ID           id.PlanID         `json:"id"`
	Name         string            `json:"name"`
	Slug         string            `json:"slug"`
	Description  string            `json:"description"`
	Price        types.Money       `json:"price"`
	FreeTier     bool              `json:"free_tier"`
	ValidityDays int               `json:"validity_days"`
	Limits       Limits            `json:"limits"`
	Status       Status            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// IsFree reports whether this plan is the free tier. The canonical signal is
// the FreeTier flag; a zero price or a name containing "free" is accepted as
// a fallback for catalog rows that predate the flag.
func (p *Plan) IsFree() bool {
	if p.FreeTier {
		return true
	}
	return p.Price.IsZero() || strings.Contains(strings.ToLower(p.Name), "free")
}

// IsPaid reports whether consuming this plan's last credit should trigger the
// fallback transition to the free tier.
func (p *Plan) IsPaid() bool { return !p.IsFree() }

// ListOpts filters plan listings.
type ListOpts struct {
	Status Status
	Limit  int
	Offset int
}
