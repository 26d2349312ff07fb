package durex

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the minimal database interface required by the store package.
//
// It is intentionally small so callers can pass either a transaction
// (pgx.Tx), a pooled connection, or the pool itself — anything satisfying
// Exec/Query/QueryRow works, which is how the Store runs find-or-create
// logic both standalone and inside a row-locking transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
