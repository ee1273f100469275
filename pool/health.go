package pool

import (
	"context"

	"github.com/tdsgo/mssql/mssql"
)

// probe runs a minimal round trip to confirm conn is still usable
// before handing it back out to a caller. SELECT 1 is cheap enough to
// run on every borrow without materially affecting latency, and catches
// the common case of a connection the server silently closed.
func probe(ctx context.Context, conn *mssql.Conn) error {
	rows, err := conn.QueryContext(ctx, "SELECT 1")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
	}
	return rows.Err()
}
