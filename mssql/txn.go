package mssql

import (
	"context"
	"fmt"
	"regexp"

	"github.com/tdsgo/mssql/internal/errs"
)

// savepointNamePattern matches the identifiers SQL Server accepts for a
// SAVE TRANSACTION name: it follows the same rules as any other T-SQL
// identifier, truncated to 32 characters on the wire.
var savepointNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,31}$`)

// Tx represents an open transaction on a Conn. Only one Tx may be open
// per Conn at a time, mirroring the single-in-flight-request gate: BEGIN
// TRANSACTION and COMMIT/ROLLBACK are themselves just batches sent over
// the same request slot.
type Tx struct {
	conn  *Conn
	depth int // 1 for the outermost transaction; SavePoint increments a logical nesting counter, not this
}

// BeginTx opens a transaction with BEGIN TRANSACTION. SQL Server has no
// isolation-level parameter on the wire message itself; set it with a
// preceding SET TRANSACTION ISOLATION LEVEL batch if needed.
func (c *Conn) BeginTx(ctx context.Context) (*Tx, error) {
	if c.InTransaction() {
		return nil, errs.New(errs.KindInvalidArgument, "a transaction is already open on this connection")
	}
	if _, err := c.ExecContext(ctx, "BEGIN TRANSACTION"); err != nil {
		return nil, err
	}
	if !c.InTransaction() {
		return nil, errs.New(errs.KindProtocol, "server did not acknowledge BEGIN TRANSACTION with an ENVCHANGE")
	}
	return &Tx{conn: c, depth: 1}, nil
}

// Commit commits the transaction.
func (tx *Tx) Commit(ctx context.Context) error {
	if _, err := tx.conn.ExecContext(ctx, "COMMIT TRANSACTION"); err != nil {
		return err
	}
	return nil
}

// Rollback rolls back the entire transaction, including any open
// savepoints.
func (tx *Tx) Rollback(ctx context.Context) error {
	if _, err := tx.conn.ExecContext(ctx, "ROLLBACK TRANSACTION"); err != nil {
		return err
	}
	return nil
}

// SavePoint establishes a named savepoint within the transaction that
// RollbackTo can later roll back to without aborting the whole
// transaction.
func (tx *Tx) SavePoint(ctx context.Context, name string) error {
	if !savepointNamePattern.MatchString(name) {
		return errs.New(errs.KindInvalidArgument, "invalid savepoint name").WithField("name", name)
	}
	if _, err := tx.conn.ExecContext(ctx, fmt.Sprintf("SAVE TRANSACTION %s", name)); err != nil {
		return err
	}
	tx.conn.mu.Lock()
	tx.conn.txn.Savepoints = append(tx.conn.txn.Savepoints, name)
	tx.conn.txn.Depth++
	tx.conn.mu.Unlock()
	return nil
}

// RollbackTo rolls back to a previously established savepoint, leaving
// the outer transaction (and any savepoints established before it)
// intact.
func (tx *Tx) RollbackTo(ctx context.Context, name string) error {
	if !savepointNamePattern.MatchString(name) {
		return errs.New(errs.KindInvalidArgument, "invalid savepoint name").WithField("name", name)
	}
	if _, err := tx.conn.ExecContext(ctx, fmt.Sprintf("ROLLBACK TRANSACTION %s", name)); err != nil {
		return err
	}
	tx.conn.mu.Lock()
	for i, sp := range tx.conn.txn.Savepoints {
		if sp == name {
			tx.conn.txn.Savepoints = tx.conn.txn.Savepoints[:i]
			break
		}
	}
	tx.conn.txn.Depth = 1 + len(tx.conn.txn.Savepoints)
	tx.conn.mu.Unlock()
	return nil
}
