package mssql

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/tdsgo/mssql/internal/errs"
	"github.com/tdsgo/mssql/tds"
)

// Well-known stored procedure IDs, sent in an RPCRequest's ProcID field
// instead of a procedure name.
const (
	procSpExecuteSQL uint16 = 10
	procSpPrepare    uint16 = 11
	procSpExecute    uint16 = 12
	procSpUnprepare  uint16 = 15
	procSpPrepExec   uint16 = 13
)

// RPC option flags (the 2-byte flags field preceding every RPC call).
const (
	rpcOptWithRecomp uint16 = 0x0001
	rpcOptNoMetadata uint16 = 0x0002
	rpcOptReuseMeta  uint16 = 0x0004
)

// Param is one positional or named parameter of an RPC call.
type Param struct {
	Name     string // empty for positional; otherwise sent as "@name"
	Type     tds.TypeInfo
	Value    interface{}
	Output   bool
}

func paramStatusByte(p Param) byte {
	if p.Output {
		return 0x01
	}
	return 0x00
}

// encodeRPCParam writes one RPC parameter: name, status flags, TYPE_INFO,
// then the value. Table-valued parameters carry their own TVP_ROW
// encoding (EncodeTVPValue) rather than going through tds.EncodeValue,
// since their wire format isn't a single scalar.
func encodeRPCParam(buf *bytes.Buffer, p Param) error {
	name := p.Name
	if name != "" {
		name = "@" + name
	}
	nameBytes := tds.EncodeUCS2String(name)
	buf.WriteByte(byte(len(nameBytes) / 2))
	buf.Write(nameBytes)
	buf.WriteByte(paramStatusByte(p))
	tds.EncodeTypeInfo(buf, p.Type)

	if p.Type.Type == tds.TypeTVP {
		tvp, ok := p.Value.(TableValuedParam)
		if !ok {
			return errs.New(errs.KindInvalidArgument, "TVP parameter value must be a TableValuedParam")
		}
		return EncodeTVPValue(buf, tvp)
	}
	return tds.EncodeValue(buf, p.Type, p.Value)
}

// TVPParam builds the Param for a table-valued RPC argument.
func TVPParam(name string, tvp TableValuedParam) Param {
	return Param{Name: name, Type: tvpParamType(tvp), Value: tvp}
}

// encodeRPCRequest builds the body of an RPCRequest message for a
// well-known procedure ID.
func encodeRPCRequest(procID uint16, flags uint16, params []Param) ([]byte, error) {
	var buf bytes.Buffer
	var nameField [4]byte
	binary.LittleEndian.PutUint16(nameField[0:2], 0xFFFF) // marker: procedure by ID, not name
	binary.LittleEndian.PutUint16(nameField[2:4], procID)
	buf.Write(nameField[:])

	var flagBytes [2]byte
	binary.LittleEndian.PutUint16(flagBytes[:], flags)
	buf.Write(flagBytes[:])

	for _, p := range params {
		if err := encodeRPCParam(&buf, p); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// rpcCall sends an RPCRequest for a well-known procedure and returns the
// resulting Rows. Like QueryContext, the caller must drain or Close it
// before issuing another request.
func (c *Conn) rpcCall(ctx context.Context, procID uint16, flags uint16, params []Param) (*Rows, error) {
	if err := c.acquire(); err != nil {
		return nil, err
	}
	if err := c.checkReady(); err != nil {
		c.release()
		return nil, err
	}
	c.setPhase(PhaseExecuting)

	payload, err := encodeRPCRequest(procID, flags, params)
	if err != nil {
		c.setPhase(PhaseReady)
		c.release()
		return nil, errs.Wrap(errs.KindInvalidArgument, "encoding RPC request", err)
	}
	if err := c.transport.WriteMessage(tds.PacketRPCRequest, payload); err != nil {
		c.setPhase(PhaseBroken)
		c.release()
		return nil, err
	}
	c.setPhase(PhaseStreaming)
	return newRows(c, ctx), nil
}

// ExecSQLContext runs sql via sp_executesql with positional/named
// parameters, the standard way to send parameterized T-SQL so the
// server's plan cache keys on SQL text + parameter signature rather than
// literal values.
func (c *Conn) ExecSQLContext(ctx context.Context, sql string, params []Param) (*Rows, error) {
	sig := buildParamSignature(params)
	all := append([]Param{
		{Type: nvarcharMax(), Value: sql},
		{Type: nvarcharMax(), Value: sig},
	}, params...)
	return c.rpcCall(ctx, procSpExecuteSQL, 0, all)
}

// buildParamSignature renders the @p1 int, @p2 nvarchar(50) output, ...
// declaration string sp_executesql requires ahead of a parameterized
// query's actual parameter values.
func buildParamSignature(params []Param) string {
	var buf bytes.Buffer
	for i, p := range params {
		if i > 0 {
			buf.WriteString(", ")
		}
		if p.Name != "" {
			buf.WriteString("@" + p.Name)
		} else {
			fmt.Fprintf(&buf, "@p%d", i+1)
		}
		buf.WriteString(" ")
		buf.WriteString(p.Type.Type.String())
		if p.Output {
			buf.WriteString(" output")
		}
	}
	return buf.String()
}

func nvarcharMax() tds.TypeInfo {
	return tds.TypeInfo{Type: tds.TypeNVarChar, Size: 0xFFFF, Collation: tds.DefaultCollation}
}
