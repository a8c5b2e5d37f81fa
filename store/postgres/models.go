package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/entitle/grant"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/types"
)

const planColumns = `id, name, slug, description, price_amount, price_currency,
free_tier, validity_days, interview_limit, assessment_limit, document_upload_limit,
status, metadata, created_at, updated_at`

const grantColumns = `id, user_id, plan_id, start_at, end_at, active,
interview_balance, assessment_balance, document_upload_balance,
metadata, created_at, updated_at`

// balanceColumn maps a category to its counter column. The category set is
// closed, so interpolating the identifier into SQL is safe.
func balanceColumn(c plan.Category) (string, error) {
	switch c {
	case plan.CategoryInterview:
		return "interview_balance", nil
	case plan.CategoryAssessment:
		return "assessment_balance", nil
	case plan.CategoryDocumentUpload:
		return "document_upload_balance", nil
	}
	return "", fmt.Errorf("entitle/postgres: unknown category %q", c)
}

func scanPlan(row pgx.Row) (*plan.Plan, error) {
	var (
		p        plan.Plan
		planID   id.PlanID
		metadata []byte
	)
	err := row.Scan(
		&planID, &p.Name, &p.Slug, &p.Description,
		&p.Price.Amount, &p.Price.Currency,
		&p.FreeTier, &p.ValidityDays,
		&p.Limits.Interview, &p.Limits.Assessment, &p.Limits.DocumentUpload,
		&p.Status, &metadata, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.ID = planID
	if err := unmarshalMetadata(metadata, &p.Metadata); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanGrant(row pgx.Row) (*grant.Grant, error) {
	var (
		g        grant.Grant
		grantID  id.GrantID
		planID   id.PlanID
		metadata []byte
	)
	err := row.Scan(
		&grantID, &g.UserID, &planID, &g.StartAt, &g.EndAt, &g.Active,
		&g.Balances.Interview, &g.Balances.Assessment, &g.Balances.DocumentUpload,
		&metadata, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	g.ID = grantID
	g.PlanID = planID
	if err := unmarshalMetadata(metadata, &g.Metadata); err != nil {
		return nil, err
	}
	return &g, nil
}

func marshalMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalMetadata(data []byte, into *map[string]string) error {
	if len(data) == 0 || string(data) == "{}" {
		return nil
	}
	return json.Unmarshal(data, into)
}

// timestamps returns the entity timestamps to persist, keeping zero values
// out of the database.
func timestamps(e types.Entity) types.Entity {
	if e.CreatedAt.IsZero() {
		return types.NewEntity()
	}
	return e
}
