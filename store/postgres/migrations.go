package postgres

// Migration is a versioned schema change applied once, in order.
type Migration struct {
	Version string
	Name    string
	SQL     string
}

// Migrations is the ordered schema history of the Entitle store. Append
// only; never edit an applied migration.
var Migrations = []Migration{
	{
		Version: "20250301000001",
		Name:    "create_entitle_plans",
		SQL: `
CREATE TABLE IF NOT EXISTS entitle_plans (
    id                    TEXT PRIMARY KEY,
    name                  TEXT NOT NULL DEFAULT '',
    slug                  TEXT NOT NULL DEFAULT '',
    description           TEXT NOT NULL DEFAULT '',
    price_amount          BIGINT NOT NULL DEFAULT 0,
    price_currency        TEXT NOT NULL DEFAULT 'usd',
    free_tier             BOOLEAN NOT NULL DEFAULT FALSE,
    validity_days         INT NOT NULL DEFAULT 0,
    interview_limit       BIGINT NOT NULL DEFAULT 0,
    assessment_limit      BIGINT NOT NULL DEFAULT 0,
    document_upload_limit BIGINT NOT NULL DEFAULT 0,
    status                TEXT NOT NULL DEFAULT 'draft',
    metadata              JSONB NOT NULL DEFAULT '{}',
    created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entitle_plans_slug ON entitle_plans (slug) WHERE slug != '';
CREATE INDEX IF NOT EXISTS idx_entitle_plans_status ON entitle_plans (status);
CREATE INDEX IF NOT EXISTS idx_entitle_plans_free ON entitle_plans (free_tier, status, created_at DESC);
`,
	},
	{
		Version: "20250301000002",
		Name:    "create_entitle_grants",
		SQL: `
CREATE TABLE IF NOT EXISTS entitle_grants (
    id                      TEXT PRIMARY KEY,
    user_id                 TEXT NOT NULL,
    plan_id                 TEXT NOT NULL REFERENCES entitle_plans (id),
    start_at                TIMESTAMPTZ NOT NULL,
    end_at                  TIMESTAMPTZ NOT NULL,
    active                  BOOLEAN NOT NULL DEFAULT TRUE,
    interview_balance       BIGINT NOT NULL DEFAULT 0 CHECK (interview_balance >= 0),
    assessment_balance      BIGINT NOT NULL DEFAULT 0 CHECK (assessment_balance >= 0),
    document_upload_balance BIGINT NOT NULL DEFAULT 0 CHECK (document_upload_balance >= 0),
    metadata                JSONB NOT NULL DEFAULT '{}',
    created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_entitle_grants_user ON entitle_grants (user_id, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_entitle_grants_plan ON entitle_grants (plan_id);

-- One live grant per (user, plan). Deactivated grants drop out of the
-- index, so re-provisioning after a fallback works while concurrent
-- provisioning for the same user still collapses to a single row.
CREATE UNIQUE INDEX IF NOT EXISTS idx_entitle_grants_user_plan_active
    ON entitle_grants (user_id, plan_id) WHERE active;
`,
	},
}
