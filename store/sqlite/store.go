// Package sqlite provides an embedded SQLite Store for single-node
// deployments.
//
// The pool is capped at one connection, so every statement is serialized
// by the driver. Conditional updates still carry their guards in SQL, the
// same way the PostgreSQL backend does, so the semantics stay identical if
// the cap ever changes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/grant"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/types"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path.
func New(path string) (*Store, error) {
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(1)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("entitle/sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &Store{db: db}, nil
}

// DB returns the underlying database handle for direct access.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate applies pending schema migrations in order.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS entitle_schema_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at INTEGER NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("%w: %v", entitle.ErrMigrationFailed, err)
	}

	for _, m := range Migrations {
		var applied bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM entitle_schema_migrations WHERE version = ?)`,
			m.Version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", entitle.ErrMigrationFailed, m.Name, err)
		}
		if applied {
			continue
		}

		if _, err := s.db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("%w: %s: %v", entitle.ErrMigrationFailed, m.Name, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO entitle_schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.Version, m.Name, time.Now().UnixMilli(),
		); err != nil {
			return fmt.Errorf("%w: %s: %v", entitle.ErrMigrationFailed, m.Name, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Plan catalog ====================

const planColumns = `id, name, slug, description, price_amount, price_currency,
free_tier, validity_days, interview_limit, assessment_limit, document_upload_limit,
status, metadata, created_at, updated_at`

const grantColumns = `id, user_id, plan_id, start_at, end_at, active,
interview_balance, assessment_balance, document_upload_balance,
metadata, created_at, updated_at`

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	if p.CreatedAt.IsZero() {
		p.Entity = types.NewEntity()
	}
	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO entitle_plans (id, name, slug, description, price_amount, price_currency,
    free_tier, validity_days, interview_limit, assessment_limit, document_upload_limit,
    status, metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.Name, p.Slug, p.Description,
		p.Price.Amount, p.Price.Currency,
		p.FreeTier, p.ValidityDays,
		p.Limits.Interview, p.Limits.Assessment, p.Limits.DocumentUpload,
		string(p.Status), metadata, p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return entitle.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM entitle_plans WHERE id = ?`,
		planID.String(),
	)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entitle.ErrPlanNotFound
	}
	return p, err
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM entitle_plans WHERE slug = ?`,
		slug,
	)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entitle.ErrPlanNotFound
	}
	return p, err
}

func (s *Store) FindFreePlan(ctx context.Context) (*plan.Plan, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+planColumns+` FROM entitle_plans
WHERE status = ? AND (free_tier = 1 OR price_amount = 0 OR LOWER(name) LIKE '%free%')
ORDER BY created_at DESC, id DESC
LIMIT 1`,
		string(plan.StatusActive),
	)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entitle.ErrNoFreePlan
	}
	return p, err
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM entitle_plans`
	args := make([]any, 0, 3)

	if opts.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY created_at ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]*plan.Plan, 0)
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) ArchivePlan(ctx context.Context, planID id.PlanID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entitle_plans SET status = ?, updated_at = ? WHERE id = ?`,
		string(plan.StatusArchived), time.Now().UnixMilli(), planID.String(),
	)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return entitle.ErrPlanNotFound
	}
	return nil
}

// ==================== Grants ====================

func (s *Store) CreateGrant(ctx context.Context, g *grant.Grant) error {
	if g.CreatedAt.IsZero() {
		g.Entity = types.NewEntity()
	}
	metadata, err := marshalMetadata(g.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO entitle_grants (id, user_id, plan_id, start_at, end_at, active,
    interview_balance, assessment_balance, document_upload_balance,
    metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID.String(), g.UserID, g.PlanID.String(),
		g.StartAt.UnixMilli(), g.EndAt.UnixMilli(), g.Active,
		g.Balances.Interview, g.Balances.Assessment, g.Balances.DocumentUpload,
		metadata, g.CreatedAt.UnixMilli(), g.UpdatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return entitle.ErrAlreadyExists
	}
	return err
}

func (s *Store) EnsureGrant(ctx context.Context, g *grant.Grant, now time.Time) (*grant.Grant, bool, error) {
	if g.CreatedAt.IsZero() {
		g.Entity = types.NewEntity()
	}
	metadata, err := marshalMetadata(g.Metadata)
	if err != nil {
		return nil, false, err
	}

	// The single-connection pool serializes transactions, so the check and
	// the insert are one critical section.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRowContext(ctx, `
SELECT `+grantColumns+` FROM entitle_grants
WHERE user_id = ? AND plan_id = ? AND active = 1 AND start_at <= ? AND end_at >= ?
ORDER BY created_at DESC, id DESC
LIMIT 1`,
		g.UserID, g.PlanID.String(), now.UnixMilli(), now.UnixMilli(),
	)
	existing, err := scanGrant(row)
	if err == nil {
		return existing, false, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	// Retire any active-but-expired row holding the unique slot.
	if _, err := tx.ExecContext(ctx, `
UPDATE entitle_grants SET active = 0, updated_at = ?
WHERE user_id = ? AND plan_id = ? AND active = 1 AND end_at < ?`,
		now.UnixMilli(), g.UserID, g.PlanID.String(), now.UnixMilli(),
	); err != nil {
		return nil, false, err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO entitle_grants (id, user_id, plan_id, start_at, end_at, active,
    interview_balance, assessment_balance, document_upload_balance,
    metadata, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?)`,
		g.ID.String(), g.UserID, g.PlanID.String(),
		g.StartAt.UnixMilli(), g.EndAt.UnixMilli(),
		g.Balances.Interview, g.Balances.Assessment, g.Balances.DocumentUpload,
		metadata, g.CreatedAt.UnixMilli(), g.UpdatedAt.UnixMilli(),
	); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	created, err := s.GetGrant(ctx, g.ID)
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (s *Store) GetGrant(ctx context.Context, grantID id.GrantID) (*grant.Grant, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM entitle_grants WHERE id = ?`,
		grantID.String(),
	)
	g, err := scanGrant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, entitle.ErrGrantNotFound
	}
	return g, err
}

func (s *Store) ListGrants(ctx context.Context, userID string) ([]*grant.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+grantColumns+` FROM entitle_grants
WHERE user_id = ?
ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectGrants(rows)
}

func (s *Store) ListSelectableGrants(ctx context.Context, userID string, now time.Time) ([]*grant.Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+grantColumns+` FROM entitle_grants
WHERE user_id = ? AND active = 1 AND start_at <= ? AND end_at >= ?
ORDER BY created_at DESC, id DESC`,
		userID, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectGrants(rows)
}

func (s *Store) ConsumeCredit(ctx context.Context, grantID id.GrantID, c plan.Category, now time.Time) (*grant.Grant, error) {
	col, err := balanceColumn(c)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE entitle_grants
SET %s = %s - 1, updated_at = ?
WHERE id = ? AND active = 1 AND start_at <= ? AND end_at >= ? AND %s > 0`,
		col, col, col),
		now.UnixMilli(), grantID.String(), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 1 {
		return s.GetGrant(ctx, grantID)
	}

	// No row updated. Re-read to report which precondition failed.
	current, err := s.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if !current.Selectable(now) {
		return nil, entitle.ErrGrantNotSelectable
	}
	return nil, entitle.ErrAlreadyExhausted
}

func (s *Store) AdjustBalances(ctx context.Context, grantID id.GrantID, d grant.Deltas, limits plan.Limits) (*grant.Grant, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE entitle_grants
SET interview_balance       = MIN(MAX(interview_balance + ?, 0), ?),
    assessment_balance      = MIN(MAX(assessment_balance + ?, 0), ?),
    document_upload_balance = MIN(MAX(document_upload_balance + ?, 0), ?),
    updated_at = ?
WHERE id = ?`,
		d.Interview, limits.Interview,
		d.Assessment, limits.Assessment,
		d.DocumentUpload, limits.DocumentUpload,
		time.Now().UnixMilli(), grantID.String(),
	)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, entitle.ErrGrantNotFound
	}
	return s.GetGrant(ctx, grantID)
}

func (s *Store) DeactivateGrant(ctx context.Context, grantID id.GrantID) (*grant.Grant, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entitle_grants SET active = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), grantID.String(),
	)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, entitle.ErrGrantNotFound
	}
	return s.GetGrant(ctx, grantID)
}

// ==================== Helpers ====================

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(row scanner) (*plan.Plan, error) {
	var (
		p                    plan.Plan
		planID               id.PlanID
		metadata             string
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&planID, &p.Name, &p.Slug, &p.Description,
		&p.Price.Amount, &p.Price.Currency,
		&p.FreeTier, &p.ValidityDays,
		&p.Limits.Interview, &p.Limits.Assessment, &p.Limits.DocumentUpload,
		&p.Status, &metadata, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.ID = planID
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if err := unmarshalMetadata(metadata, &p.Metadata); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanGrant(row scanner) (*grant.Grant, error) {
	var (
		g                    grant.Grant
		grantID              id.GrantID
		planID               id.PlanID
		metadata             string
		startAt, endAt       int64
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&grantID, &g.UserID, &planID, &startAt, &endAt, &g.Active,
		&g.Balances.Interview, &g.Balances.Assessment, &g.Balances.DocumentUpload,
		&metadata, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	g.ID = grantID
	g.PlanID = planID
	g.StartAt = time.UnixMilli(startAt).UTC()
	g.EndAt = time.UnixMilli(endAt).UTC()
	g.CreatedAt = time.UnixMilli(createdAt).UTC()
	g.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if err := unmarshalMetadata(metadata, &g.Metadata); err != nil {
		return nil, err
	}
	return &g, nil
}

func collectGrants(rows *sql.Rows) ([]*grant.Grant, error) {
	result := make([]*grant.Grant, 0)
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

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
	return "", fmt.Errorf("entitle/sqlite: unknown category %q", c)
}

func marshalMetadata(m map[string]string) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalMetadata(data string, into *map[string]string) error {
	if data == "" || data == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(data), into)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
