// Package dbschema owns the Postgres DDL for the activity distribution
// core. It generalizes the teacher's database.go createTables into a
// partition-aware schema and applies it idempotently on startup, the same
// "CREATE TABLE IF NOT EXISTS" style the teacher uses.
package dbschema

import (
	"database/sql"
	"fmt"
)

// baseSchema creates every non-partitioned table. The activity table itself
// is created separately (see activityTableDDL below) because it is
// range-partitioned; its daily partitions are managed by
// activitystore.Maintainer, not by this one-shot migration.
const baseSchema = `
CREATE TABLE IF NOT EXISTS organizations (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS projects (
	id UUID PRIMARY KEY,
	organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS org_members (
	organization_id UUID NOT NULL REFERENCES organizations(id) ON DELETE CASCADE,
	user_id UUID NOT NULL,
	PRIMARY KEY (organization_id, user_id)
);

CREATE TABLE IF NOT EXISTS shared_tasks (
	id UUID PRIMARY KEY,
	project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'todo',
	assignee_user_id UUID,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deleted_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS shared_tasks_project_idx ON shared_tasks(project_id);

CREATE TABLE IF NOT EXISTS activity_seq_counters (
	project_id UUID PRIMARY KEY,
	last_seq BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS auth_sessions (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL,
	session_secret_hash TEXT,
	refresh_token_id UUID,
	revoked_at TIMESTAMPTZ,
	last_used_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS auth_sessions_user_idx ON auth_sessions(user_id);

CREATE TABLE IF NOT EXISTS refresh_token_reuse (
	refresh_token_id UUID PRIMARY KEY,
	user_id UUID NOT NULL,
	detected_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// activityTableDDL creates the parent, range-partitioned activity table.
// Individual day partitions are created by activitystore.Maintainer.
const activityTableDDL = `
CREATE TABLE IF NOT EXISTS activity (
	seq BIGINT NOT NULL,
	event_id UUID NOT NULL,
	project_id UUID NOT NULL,
	event_type TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	payload JSONB,
	UNIQUE (project_id, seq, created_at)
) PARTITION BY RANGE (created_at);
`

// Apply runs the base schema and the activity parent table creation. It is
// idempotent and safe to run on every startup, same as the teacher calling
// createTables unconditionally from initDB.
func Apply(db *sql.DB) error {
	if _, err := db.Exec(baseSchema); err != nil {
		return fmt.Errorf("dbschema: apply base schema: %w", err)
	}
	if _, err := db.Exec(activityTableDDL); err != nil {
		return fmt.Errorf("dbschema: apply activity parent table: %w", err)
	}
	return nil
}
