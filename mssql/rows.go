package mssql

import (
	"context"
	"io"

	"github.com/tdsgo/mssql/internal/errs"
	"github.com/tdsgo/mssql/tds"
)

// Rows is a forward-only cursor over the token stream of one batch or
// RPC request. It may carry several result sets, each announced by its
// own ColMetadataToken and closed by a DONE with the More bit set.
//
// Rows is not safe for concurrent use, and the Conn it was created from
// is locked to this request (QueryContext will not accept another call
// until this Rows is closed or fully drained).
type Rows struct {
	conn *Conn
	ctx  context.Context
	dec  *tds.Decoder

	columns []tds.Column
	current []interface{}

	err    error
	done   bool
	result Result
}

type advanceStep int

const (
	advanceRow advanceStep = iota
	advanceResultSetBoundary // a DONE with More() arrived; current result set is exhausted
	advanceDone              // the request is fully complete
	advanceError
)

func newRows(c *Conn, ctx context.Context) *Rows {
	return &Rows{conn: c, ctx: ctx}
}

// Columns returns the current result set's column metadata. It is only
// meaningful after the first call to Next.
func (r *Rows) Columns() []tds.Column {
	return r.columns
}

// NextResultSet skips any undrained rows of the current result set and
// advances to the next one, returning false when no further result set
// follows (check Err to distinguish end-of-request from failure).
func (r *Rows) NextResultSet() bool {
	for r.Next() {
	}
	if r.err != nil || r.done {
		return false
	}
	// Positioned just past a result-set boundary: pull until the next
	// result set yields a row, or the request ends.
	for {
		switch r.advance() {
		case advanceRow:
			return true
		case advanceResultSetBoundary:
			continue // an empty result set between two others
		default:
			return false
		}
	}
}

// Next advances to the next row, returning false at the end of the
// current result set or on error (check Err).
func (r *Rows) Next() bool {
	for {
		step := r.advance()
		switch step {
		case advanceRow:
			return true
		case advanceResultSetBoundary, advanceDone, advanceError:
			return false
		}
	}
}

// advance decodes tokens until one of them requires the caller to react
// (a row, a result-set boundary, completion, or an error), looping past
// everything else (ColMetadata is recorded but not itself terminal).
func (r *Rows) advance() advanceStep {
	if r.done || r.err != nil {
		return advanceDone
	}
	for {
		if r.ctx != nil {
			if err := r.ctx.Err(); err != nil {
				r.fail(errs.Wrap(errs.KindTimeout, "request cancelled", err))
				return advanceError
			}
		}
		if r.dec == nil {
			dec, err := r.conn.readNextMessage()
			if err != nil {
				r.fail(err)
				return advanceError
			}
			r.dec = dec
		}

		r.current = nil
		tok, err := r.dec.Next()
		if err == io.EOF {
			r.finish()
			return advanceDone
		}
		if err != nil {
			r.fail(errs.Wrap(errs.KindMalformedPacket, "decoding result token stream", err))
			return advanceError
		}

		switch t := tok.(type) {
		case *tds.ColMetadataToken:
			r.columns = t.Columns
		case *tds.RowToken:
			if r.err != nil {
				continue // draining after a non-fatal error; rows no longer surface
			}
			r.current = t.Values
			return advanceRow
		case *tds.DoneToken:
			if t.HasCount() {
				r.result.RowsAffected = int64(t.RowCount)
			}
			if t.More() {
				if r.err != nil {
					continue // keep draining through to the request's final DONE
				}
				return advanceResultSetBoundary
			}
			r.finish()
			if r.err != nil {
				return advanceError
			}
			return advanceDone
		case *tds.ErrorToken:
			sqlErr := errs.NewServer(t.Number, t.State, t.Class, t.Message, t.ProcName, t.LineNumber)
			if t.Class >= 20 {
				r.fail(sqlErr)
				return advanceError
			}
			// An ordinary application error (syntax error, constraint
			// violation, ...) leaves the connection usable: record it
			// for Err() and keep draining to the terminating DONE so
			// finish() can return the connection to Ready.
			if r.err == nil {
				r.err = sqlErr
			}
		case *tds.InfoToken:
			r.conn.log.Application().WithField("number", t.Number).Debug(t.Message)
		case *tds.ReturnStatusToken:
			r.result.ReturnStatus = t.Value
			r.result.ReturnStatusSet = true
		case *tds.ReturnValueToken:
			if r.result.OutputParams == nil {
				r.result.OutputParams = make(map[string]interface{})
			}
			r.result.OutputParams[t.ParamName] = t.Value
		}
	}
}

func (r *Rows) fail(err error) {
	r.err = err
	r.done = true
	r.conn.setPhase(PhaseBroken)
	r.conn.release()
}

func (r *Rows) finish() {
	r.done = true
	r.conn.finishRequest()
}

// Scan copies the current row's values into dest, which must have one
// pointer per column. Each value goes through assign (scan.go): exact
// type matches are copied, integers and floats are widened or narrowed
// into the destination's width (int32 into *int64, float32 into
// *float64, ...), *interface{} accepts any value, and other
// combinations fail with a conversion error.
func (r *Rows) Scan(dest ...interface{}) error {
	if r.current == nil {
		return errs.New(errs.KindInvalidArgument, "Scan called with no current row")
	}
	if len(dest) != len(r.current) {
		return errs.New(errs.KindInvalidArgument, "Scan argument count does not match column count").
			WithField("want", len(r.current)).WithField("got", len(dest))
	}
	for i, d := range dest {
		if err := assign(d, r.current[i]); err != nil {
			return err
		}
	}
	return nil
}

// Values returns the current row's values without requiring
// destination pointers, positionally aligned with Columns().
func (r *Rows) Values() []interface{} {
	return r.current
}

// Err returns the first error encountered while iterating, if any.
func (r *Rows) Err() error {
	return r.err
}

// Result returns the accumulated affected-row count, return status and
// output parameters. Meaningful only after Next has returned false.
func (r *Rows) Result() Result {
	return r.result
}

// Close drains any remaining tokens (so the gate is released and the
// Conn returns to Ready even if the caller stopped iterating early) and
// releases this Rows.
func (r *Rows) Close() error {
	for !r.done {
		if step := r.advance(); step == advanceDone || step == advanceError {
			break
		}
	}
	return r.err
}
