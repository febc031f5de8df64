package postgres

import (
	"context"
	"fmt"
)

// schema holds the DDL for every table the repositories touch. Applied
// idempotently at startup; production deployments may manage this externally.
const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'active',
	max_documents  INTEGER NOT NULL DEFAULT 0,
	max_storage_mb INTEGER NOT NULL DEFAULT 0,
	metadata       JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS documents (
	id          UUID PRIMARY KEY,
	tenant_id   TEXT NOT NULL REFERENCES tenants(id),
	title       TEXT NOT NULL,
	source      TEXT,
	content     TEXT,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id);

CREATE TABLE IF NOT EXISTS chunks (
	id          UUID PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	document_id UUID NOT NULL REFERENCES documents(id),
	chunk_index INTEGER NOT NULL,
	content     TEXT NOT NULL,
	token_count INTEGER,
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (tenant_id, document_id, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_chunks_tenant ON chunks(tenant_id);

CREATE TABLE IF NOT EXISTS sessions (
	id          UUID PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	rotation_id UUID NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id);

CREATE TABLE IF NOT EXISTS ess_bindings (
	tenant_id       TEXT PRIMARY KEY,
	cc_pair_id      INTEGER NOT NULL,
	document_set_id INTEGER NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// EnsureSchema applies the schema DDL.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
