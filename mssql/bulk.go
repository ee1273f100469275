package mssql

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/tdsgo/mssql/internal/errs"
	"github.com/tdsgo/mssql/tds"
)

// BulkInsert drives a minimal BulkLoadData session: it issues an
// "INSERT BULK" batch describing the target table and column list, then
// streams rows as a client-authored COLMETADATA/ROW token sequence over
// a BulkLoadData message. There is no plan cache benefit and no
// constraint checking deferral here (those are TDS-level bulk-copy
// options this client does not negotiate) — this is the straight-line
// fast-insert path, not a full bcp implementation.
func (c *Conn) BulkInsert(ctx context.Context, table string, cols []tds.Column, rows [][]interface{}) (int64, error) {
	if len(cols) == 0 {
		return 0, errs.New(errs.KindInvalidArgument, "BulkInsert requires at least one column")
	}

	if _, err := c.ExecContext(ctx, bulkInsertBatch(table, cols)); err != nil {
		return 0, err
	}

	if err := c.acquire(); err != nil {
		return 0, err
	}
	if err := c.checkReady(); err != nil {
		c.release()
		return 0, err
	}
	c.setPhase(PhaseExecuting)

	var buf bytes.Buffer
	enc := tds.NewEncoder(&buf)
	enc.EncodeColMetadata(cols)
	for i, row := range rows {
		if len(row) != len(cols) {
			c.setPhase(PhaseReady)
			c.release()
			return 0, errs.New(errs.KindInvalidArgument, "bulk row width does not match column count").
				WithField("row", i).WithField("want", len(cols)).WithField("got", len(row))
		}
		if err := enc.EncodeRow(cols, row); err != nil {
			c.setPhase(PhaseReady)
			c.release()
			return 0, errs.Wrap(errs.KindConversion, "encoding bulk row", err).WithField("row", i)
		}
	}

	// A final DONE token closes the row stream. The server's reply is
	// the usual TabularResult ending in a DONE with the inserted row
	// count.
	buf.Write([]byte{byte(tds.TokenDone), 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	if err := c.transport.WriteMessage(tds.PacketBulkLoadData, buf.Bytes()); err != nil {
		c.setPhase(PhaseBroken)
		c.release()
		return 0, err
	}
	c.setPhase(PhaseStreaming)

	rs := newRows(c, ctx)
	for rs.Next() {
	}
	if err := rs.Err(); err != nil {
		return 0, err
	}
	return rs.Result().RowsAffected, nil
}

func bulkInsertBatch(table string, cols []tds.Column) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = fmt.Sprintf("[%s] %s", c.Name, c.Type.Type.String())
	}
	return fmt.Sprintf("INSERT BULK %s (%s)", table, strings.Join(names, ", "))
}
