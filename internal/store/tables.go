package store

import "github.com/jackc/pgx/v5"

// DefaultSchema is the schema used when Config.Schema is empty. A dedicated
// schema avoids collisions between durex's unprefixed table names
// (workflows, execution_logs, error_logs, jobs) and application tables.
const DefaultSchema = "durex"

type tableNames struct {
	workflows     string
	executionLogs string
	errorLogs     string
	jobs          string
}

func newTableNames(schema string) tableNames {
	if schema == "" {
		schema = DefaultSchema
	}
	return tableNames{
		workflows:     pgx.Identifier{schema, "workflows"}.Sanitize(),
		executionLogs: pgx.Identifier{schema, "execution_logs"}.Sanitize(),
		errorLogs:     pgx.Identifier{schema, "error_logs"}.Sanitize(),
		jobs:          pgx.Identifier{schema, "jobs"}.Sanitize(),
	}
}
