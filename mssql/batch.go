package mssql

import (
	"context"

	"github.com/tdsgo/mssql/internal/errs"
	"github.com/tdsgo/mssql/tds"
)

// Result summarizes a completed batch or RPC call with no further rows
// to stream: the affected-row count from the last DONE seen (if any)
// and any output parameters an RPC call returned.
type Result struct {
	RowsAffected int64
	ReturnStatus int32
	ReturnStatusSet bool
	OutputParams map[string]interface{}
}

// ExecContext sends sql as a SQLBatch, discards any result-set rows, and
// returns the affected-row count. Use QueryContext when rows are needed.
func (c *Conn) ExecContext(ctx context.Context, sql string) (Result, error) {
	rows, err := c.QueryContext(ctx, sql)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()
	for rows.Next() {
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	return rows.Result(), nil
}

// QueryContext sends sql as a SQLBatch and returns a Rows cursor over
// the resulting token stream. The caller must fully drain or Close Rows
// before issuing another request on this Conn, since TDS allows only
// one request in flight at a time on a non-MARS session.
func (c *Conn) QueryContext(ctx context.Context, sql string) (*Rows, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	if err := c.checkReady(); err != nil {
		c.release()
		return nil, err
	}
	c.setPhase(PhaseExecuting)

	payload := tds.EncodeUCS2String(sql)
	if err := c.transport.WriteMessage(tds.PacketSQLBatch, payload); err != nil {
		c.setPhase(PhaseBroken)
		c.release()
		return nil, err
	}
	c.setPhase(PhaseStreaming)
	return newRows(c, ctx), nil
}

func (c *Conn) checkReady() error {
	if c.Phase() != PhaseReady {
		return errs.New(errs.KindInvalidArgument, "connection is not ready").WithField("phase", c.Phase().String())
	}
	return nil
}

// readNextMessage fetches the next TabularResult message for the
// request currently in flight. Batches and RPC calls both reply with
// exactly one TabularResult message per round trip (never more), so
// this is called exactly once per request by Rows.
func (c *Conn) readNextMessage() (*tds.Decoder, error) {
	typ, payload, err := c.transport.ReadMessage()
	if err != nil {
		c.setPhase(PhaseBroken)
		return nil, err
	}
	if typ != tds.PacketTabularResult {
		c.setPhase(PhaseBroken)
		return nil, errs.New(errs.KindProtocol, "unexpected response packet type").WithField("packet_type", typ.String())
	}
	return tds.NewDecoder(payload), nil
}

func (c *Conn) writeMessage(typ tds.PacketType, payload []byte) error {
	return c.transport.WriteMessage(typ, payload)
}

// finishRequest returns the Conn to Ready and releases the single
// in-flight gate. Called once Rows has consumed the final DONE.
func (c *Conn) finishRequest() {
	if c.Phase() != PhaseBroken {
		c.setPhase(PhaseReady)
	}
	c.release()
}
