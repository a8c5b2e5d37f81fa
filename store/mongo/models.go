package mongo

import (
	"time"

	"github.com/xraph/entitle/grant"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
)

// ==================== Plan models ====================

type planModel struct {
	ID                  string            `bson:"_id"`
	Name                string            `bson:"name"`
	Slug                string            `bson:"slug"`
	Description         string            `bson:"description"`
	PriceAmount         int64             `bson:"price_amount"`
	PriceCurrency       string            `bson:"price_currency"`
	FreeTier            bool              `bson:"free_tier"`
	ValidityDays        int               `bson:"validity_days"`
	InterviewLimit      int64             `bson:"interview_limit"`
	AssessmentLimit     int64             `bson:"assessment_limit"`
	DocumentUploadLimit int64             `bson:"document_upload_limit"`
	Status              string            `bson:"status"`
	Metadata            map[string]string `bson:"metadata,omitempty"`
	CreatedAt           time.Time         `bson:"created_at"`
	UpdatedAt           time.Time         `bson:"updated_at"`
}

func toPlanModel(p *plan.Plan) *planModel {
	return &planModel{
		ID:                  p.ID.String(),
		Name:                p.Name,
		Slug:                p.Slug,
		Description:         p.Description,
		PriceAmount:         p.Price.Amount,
		PriceCurrency:       p.Price.Currency,
		FreeTier:            p.FreeTier,
		ValidityDays:        p.ValidityDays,
		InterviewLimit:      p.Limits.Interview,
		AssessmentLimit:     p.Limits.Assessment,
		DocumentUploadLimit: p.Limits.DocumentUpload,
		Status:              string(p.Status),
		Metadata:            p.Metadata,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
}

func fromPlanModel(m *planModel) (*plan.Plan, error) {
	planID, err := id.ParsePlanID(m.ID)
	if err != nil {
		return nil, err
	}

	p := &plan.Plan{
		ID:           planID,
		Name:         m.Name,
		Slug:         m.Slug,
		Description:  m.Description,
		FreeTier:     m.FreeTier,
		ValidityDays: m.ValidityDays,
		Limits: plan.Limits{
			Interview:      m.InterviewLimit,
			Assessment:     m.AssessmentLimit,
			DocumentUpload: m.DocumentUploadLimit,
		},
		Status:   plan.Status(m.Status),
		Metadata: m.Metadata,
	}
	p.Price.Amount = m.PriceAmount
	p.Price.Currency = m.PriceCurrency
	p.CreatedAt = m.CreatedAt
	p.UpdatedAt = m.UpdatedAt
	return p, nil
}

// ==================== Grant models ====================

type grantModel struct {
	ID                    string            `bson:"_id"`
	UserID                string            `bson:"user_id"`
	PlanID                string            `bson:"plan_id"`
	StartAt               time.Time         `bson:"start_at"`
	EndAt                 time.Time         `bson:"end_at"`
	Active                bool              `bson:"active"`
	InterviewBalance      int64             `bson:"interview_balance"`
	AssessmentBalance     int64             `bson:"assessment_balance"`
	DocumentUploadBalance int64             `bson:"document_upload_balance"`
	Metadata              map[string]string `bson:"metadata,omitempty"`
	CreatedAt             time.Time         `bson:"created_at"`
	UpdatedAt             time.Time         `bson:"updated_at"`
}

func toGrantModel(g *grant.Grant) *grantModel {
	return &grantModel{
		ID:                    g.ID.String(),
		UserID:                g.UserID,
		PlanID:                g.PlanID.String(),
		StartAt:               g.StartAt,
		EndAt:                 g.EndAt,
		Active:                g.Active,
		InterviewBalance:      g.Balances.Interview,
		AssessmentBalance:     g.Balances.Assessment,
		DocumentUploadBalance: g.Balances.DocumentUpload,
		Metadata:              g.Metadata,
		CreatedAt:             g.CreatedAt,
		UpdatedAt:             g.UpdatedAt,
	}
}

func fromGrantModel(m *grantModel) (*grant.Grant, error) {
	grantID, err := id.ParseGrantID(m.ID)
	if err != nil {
		return nil, err
	}
	planID, err := id.ParsePlanID(m.PlanID)
	if err != nil {
		return nil, err
	}

	g := &grant.Grant{
		ID:      grantID,
		UserID:  m.UserID,
		PlanID:  planID,
		StartAt: m.StartAt,
		EndAt:   m.EndAt,
		Active:  m.Active,
		Balances: grant.Balances{
			Interview:      m.InterviewBalance,
			Assessment:     m.AssessmentBalance,
			DocumentUpload: m.DocumentUploadBalance,
		},
		Metadata: m.Metadata,
	}
	g.CreatedAt = m.CreatedAt
	g.UpdatedAt = m.UpdatedAt
	return g, nil
}
