// Package postgres provides a PostgreSQL Store backed by pgx.
//
// Concurrency-sensitive operations are single conditional statements:
// ConsumeCredit is a guarded UPDATE ... RETURNING and EnsureGrant leans on
// a partial unique index plus ON CONFLICT DO NOTHING, so correctness does
// not depend on application-level locking.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/grant"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/plan"
	"github.com/xraph/entitle/store"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL store from a database URL.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("entitle/postgres: parse database url: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("entitle/postgres: connect: %w", err)
	}

	return &Store{pool: pool}, nil
}

// NewWithPool creates a store from an existing pool. The caller keeps
// ownership of the pool's lifecycle.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying connection pool for direct access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Migrate applies pending schema migrations in order.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entitle_schema_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`)
	if err != nil {
		return fmt.Errorf("%w: %v", entitle.ErrMigrationFailed, err)
	}

	for _, m := range Migrations {
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("%w: %s: %v", entitle.ErrMigrationFailed, m.Name, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m Migration) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var applied bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM entitle_schema_migrations WHERE version = $1)`,
		m.Version,
	).Scan(&applied)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO entitle_schema_migrations (version, name) VALUES ($1, $2)`,
		m.Version, m.Name,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ==================== Plan catalog ====================

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	p.Entity = timestamps(p.Entity)
	metadata, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO entitle_plans (id, name, slug, description, price_amount, price_currency,
    free_tier, validity_days, interview_limit, assessment_limit, document_upload_limit,
    status, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		p.ID.String(), p.Name, p.Slug, p.Description,
		p.Price.Amount, p.Price.Currency,
		p.FreeTier, p.ValidityDays,
		p.Limits.Interview, p.Limits.Assessment, p.Limits.DocumentUpload,
		string(p.Status), metadata, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return entitle.ErrAlreadyExists
	}
	return err
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+planColumns+` FROM entitle_plans WHERE id = $1`,
		planID.String(),
	)
	p, err := scanPlan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitle.ErrPlanNotFound
	}
	return p, err
}

func (s *Store) GetPlanBySlug(ctx context.Context, slug string) (*plan.Plan, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+planColumns+` FROM entitle_plans WHERE slug = $1`,
		slug,
	)
	p, err := scanPlan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitle.ErrPlanNotFound
	}
	return p, err
}

func (s *Store) FindFreePlan(ctx context.Context) (*plan.Plan, error) {
	// FreeTier flag is canonical; zero price and "free" in the name are
	// accepted for catalog rows that predate the flag.
	row := s.pool.QueryRow(ctx, `
SELECT `+planColumns+` FROM entitle_plans
WHERE status = $1 AND (free_tier OR price_amount = 0 OR LOWER(name) LIKE '%free%')
ORDER BY created_at DESC, id DESC
LIMIT 1`,
		string(plan.StatusActive),
	)
	p, err := scanPlan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitle.ErrNoFreePlan
	}
	return p, err
}

func (s *Store) ListPlans(ctx context.Context, opts plan.ListOpts) ([]*plan.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM entitle_plans`
	args := make([]any, 0, 3)

	if opts.Status != "" {
		args = append(args, string(opts.Status))
		query += fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	query += " ORDER BY created_at ASC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPlans(rows)
}

func (s *Store) ArchivePlan(ctx context.Context, planID id.PlanID) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE entitle_plans SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(plan.StatusArchived), planID.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entitle.ErrPlanNotFound
	}
	return nil
}

// ==================== Grants ====================

func (s *Store) CreateGrant(ctx context.Context, g *grant.Grant) error {
	g.Entity = timestamps(g.Entity)
	metadata, err := marshalMetadata(g.Metadata)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO entitle_grants (id, user_id, plan_id, start_at, end_at, active,
    interview_balance, assessment_balance, document_upload_balance,
    metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		g.ID.String(), g.UserID, g.PlanID.String(), g.StartAt, g.EndAt, g.Active,
		g.Balances.Interview, g.Balances.Assessment, g.Balances.DocumentUpload,
		metadata, g.CreatedAt, g.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return entitle.ErrAlreadyExists
	}
	return err
}

func (s *Store) EnsureGrant(ctx context.Context, g *grant.Grant, now time.Time) (*grant.Grant, bool, error) {
	g.Entity = timestamps(g.Entity)
	metadata, err := marshalMetadata(g.Metadata)
	if err != nil {
		return nil, false, err
	}

	// Two passes at most: the second handles the case where the unique
	// index was occupied by an active-but-expired row that the first pass
	// retires.
	for attempt := 0; attempt < 2; attempt++ {
		row := s.pool.QueryRow(ctx, `
SELECT `+grantColumns+` FROM entitle_grants
WHERE user_id = $1 AND plan_id = $2 AND active AND start_at <= $3 AND end_at >= $3
ORDER BY created_at DESC, id DESC
LIMIT 1`,
			g.UserID, g.PlanID.String(), now,
		)
		existing, err := scanGrant(row)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, err
		}

		row = s.pool.QueryRow(ctx, `
INSERT INTO entitle_grants (id, user_id, plan_id, start_at, end_at, active,
    interview_balance, assessment_balance, document_upload_balance,
    metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, TRUE, $6, $7, $8, $9, $10, $11)
ON CONFLICT (user_id, plan_id) WHERE active DO NOTHING
RETURNING `+grantColumns,
			g.ID.String(), g.UserID, g.PlanID.String(), g.StartAt, g.EndAt,
			g.Balances.Interview, g.Balances.Assessment, g.Balances.DocumentUpload,
			metadata, g.CreatedAt, g.UpdatedAt,
		)
		inserted, err := scanGrant(row)
		if err == nil {
			return inserted, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, err
		}

		// Conflict without a selectable row: the slot is held by an
		// expired grant. Retire it and try once more.
		if _, err := s.pool.Exec(ctx, `
UPDATE entitle_grants SET active = FALSE, updated_at = NOW()
WHERE user_id = $1 AND plan_id = $2 AND active AND end_at < $3`,
			g.UserID, g.PlanID.String(), now,
		); err != nil {
			return nil, false, err
		}
	}

	return nil, false, entitle.ErrTransactionFailed
}

func (s *Store) GetGrant(ctx context.Context, grantID id.GrantID) (*grant.Grant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+grantColumns+` FROM entitle_grants WHERE id = $1`,
		grantID.String(),
	)
	g, err := scanGrant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitle.ErrGrantNotFound
	}
	return g, err
}

func (s *Store) ListGrants(ctx context.Context, userID string) ([]*grant.Grant, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+grantColumns+` FROM entitle_grants
WHERE user_id = $1
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
	rows, err := s.pool.Query(ctx, `
SELECT `+grantColumns+` FROM entitle_grants
WHERE user_id = $1 AND active AND start_at <= $2 AND end_at >= $2
ORDER BY created_at DESC, id DESC`,
		userID, now,
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

	// The balance guard rides in the WHERE clause, so two racing commits
	// for the last credit serialize on the row and exactly one succeeds.
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
UPDATE entitle_grants
SET %s = %s - 1, updated_at = NOW()
WHERE id = $1 AND active AND start_at <= $2 AND end_at >= $2 AND %s > 0
RETURNING `+grantColumns, col, col, col),
		grantID.String(), now,
	)
	g, err := scanGrant(row)
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
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
	row := s.pool.QueryRow(ctx, `
UPDATE entitle_grants
SET interview_balance       = LEAST(GREATEST(interview_balance + $1, 0), $2),
    assessment_balance      = LEAST(GREATEST(assessment_balance + $3, 0), $4),
    document_upload_balance = LEAST(GREATEST(document_upload_balance + $5, 0), $6),
    updated_at = NOW()
WHERE id = $7
RETURNING `+grantColumns,
		d.Interview, limits.Interview,
		d.Assessment, limits.Assessment,
		d.DocumentUpload, limits.DocumentUpload,
		grantID.String(),
	)
	g, err := scanGrant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitle.ErrGrantNotFound
	}
	return g, err
}

func (s *Store) DeactivateGrant(ctx context.Context, grantID id.GrantID) (*grant.Grant, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE entitle_grants SET active = FALSE, updated_at = NOW()
WHERE id = $1
RETURNING `+grantColumns,
		grantID.String(),
	)
	g, err := scanGrant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitle.ErrGrantNotFound
	}
	return g, err
}

// ==================== Helpers ====================

func collectPlans(rows pgx.Rows) ([]*plan.Plan, error) {
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

func collectGrants(rows pgx.Rows) ([]*grant.Grant, error) {
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
