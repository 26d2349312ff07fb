package store

import (
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SchemaSQL is the DDL for the default schema. The core treats the
// schema-migration generator as an external collaborator: this is offered
// as a convenience for callers who don't have one wired up (tests, small
// deployments), not as a migration framework in itself.
var SchemaSQL = SchemaSQLFor(DefaultSchema)

// SchemaSQLFor returns the CREATE TABLE statements for a given Postgres
// schema name, qualifying every table the same way Config does.
func SchemaSQLFor(schema string) string {
	if schema == "" {
		schema = DefaultSchema
	}
	schemaIdent := pgx.Identifier{schema}.Sanitize()
	t := newTableNames(schema)

	return fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
	id           uuid NOT NULL,
	key          text NOT NULL,
	job_class    text NOT NULL,
	kwargs       jsonb NOT NULL DEFAULT '{}'::jsonb,
	options      jsonb NOT NULL DEFAULT '{}'::jsonb,
	context      jsonb NOT NULL DEFAULT '{}'::jsonb,
	state        int NOT NULL DEFAULT 0,
	locked_by    text,
	locked_at    timestamptz,
	started_at   timestamptz,
	completed_at timestamptz,
	created_at   timestamptz NOT NULL DEFAULT now(),
	updated_at   timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (id),
	UNIQUE (job_class, key)
);

CREATE INDEX IF NOT EXISTS workflows_state_idx ON %s (state, locked_at);

CREATE TABLE IF NOT EXISTS %s (
	id               uuid NOT NULL,
	workflow_id      uuid NOT NULL,
	step_name        text NOT NULL,
	attempts         int NOT NULL DEFAULT 0,
	started_at       timestamptz,
	last_executed_at timestamptz,
	completed_at     timestamptz,
	metadata         jsonb,
	state            int NOT NULL DEFAULT 0,
	error_class      text,
	error_message    text,
	created_at       timestamptz NOT NULL DEFAULT now(),
	updated_at       timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (id),
	UNIQUE (workflow_id, step_name),
	FOREIGN KEY (workflow_id) REFERENCES %s (id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS %s (
	id            uuid NOT NULL,
	workflow_id   uuid NOT NULL,
	error_class   text,
	error_message text,
	backtrace     text,
	context       jsonb,
	created_at    timestamptz NOT NULL DEFAULT now(),
	updated_at    timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (id),
	FOREIGN KEY (workflow_id) REFERENCES %s (id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS error_logs_workflow_idx ON %s (workflow_id, created_at);

CREATE TABLE IF NOT EXISTS %s (
	id                 uuid NOT NULL,
	job_class          text NOT NULL,
	key                text NOT NULL,
	attempt            int NOT NULL DEFAULT 0,
	options            jsonb NOT NULL DEFAULT '{}'::jsonb,
	kwargs             jsonb NOT NULL DEFAULT '{}'::jsonb,
	retry_workflow     boolean NOT NULL DEFAULT false,
	run_at             timestamptz NOT NULL DEFAULT now(),
	visibility_timeout timestamptz,
	created_at         timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (id)
);

CREATE INDEX IF NOT EXISTS jobs_runnable_idx ON %s (run_at, visibility_timeout);
`,
		schemaIdent,
		t.workflows,
		t.workflows,
		t.executionLogs,
		t.workflows,
		t.errorLogs,
		t.workflows,
		t.errorLogs,
		t.jobs,
		t.jobs,
	)
}
