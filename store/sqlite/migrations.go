package sqlite

// Migration is a versioned schema change applied once, in order.
type Migration struct {
	Version string
	Name    string
	SQL     string
}

// Timestamps are stored as Unix milliseconds so range comparisons and
// newest-first ordering stay plain integer operations.
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
    price_amount          INTEGER NOT NULL DEFAULT 0,
    price_currency        TEXT NOT NULL DEFAULT 'usd',
    free_tier             INTEGER NOT NULL DEFAULT 0,
    validity_days         INTEGER NOT NULL DEFAULT 0,
    interview_limit       INTEGER NOT NULL DEFAULT 0,
    assessment_limit      INTEGER NOT NULL DEFAULT 0,
    document_upload_limit INTEGER NOT NULL DEFAULT 0,
    status                TEXT NOT NULL DEFAULT 'draft',
    metadata              TEXT NOT NULL DEFAULT '{}',
    created_at            INTEGER NOT NULL,
    updated_at            INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_entitle_plans_slug ON entitle_plans (slug) WHERE slug != '';
CREATE INDEX IF NOT EXISTS idx_entitle_plans_status ON entitle_plans (status);
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
    start_at                INTEGER NOT NULL,
    end_at                  INTEGER NOT NULL,
    active                  INTEGER NOT NULL DEFAULT 1,
    interview_balance       INTEGER NOT NULL DEFAULT 0 CHECK (interview_balance >= 0),
    assessment_balance      INTEGER NOT NULL DEFAULT 0 CHECK (assessment_balance >= 0),
    document_upload_balance INTEGER NOT NULL DEFAULT 0 CHECK (document_upload_balance >= 0),
    metadata                TEXT NOT NULL DEFAULT '{}',
    created_at              INTEGER NOT NULL,
    updated_at              INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entitle_grants_user ON entitle_grants (user_id, created_at DESC, id DESC);

-- One live grant per (user, plan); deactivated rows drop out so the free
-- tier can be re-provisioned after a fallback.
CREATE UNIQUE INDEX IF NOT EXISTS idx_entitle_grants_user_plan_active
    ON entitle_grants (user_id, plan_id) WHERE active = 1;
`,
	},
}
