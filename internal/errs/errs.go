// Package errs provides the structured error type returned across the
// mssql client: every failure surfaced to a caller carries a Kind for
// programmatic handling, optional context Fields for diagnostics, and a
// Transient predicate retry/pool logic can act on without string matching.
package errs

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies the failure. Kind values are stable identifiers;
// callers should match on Kind rather than on Error() text.
type Kind int

const (
	KindMalformedPacket Kind = iota
	KindProtocol
	KindIO
	KindTLS
	KindAuth
	KindServer
	KindRouting
	KindConversion
	KindInvalidArgument
	KindPoolExhausted
	KindPoolClosed
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindMalformedPacket:
		return "malformed_packet"
	case KindProtocol:
		return "protocol"
	case KindIO:
		return "io"
	case KindTLS:
		return "tls"
	case KindAuth:
		return "auth"
	case KindServer:
		return "server"
	case KindRouting:
		return "routing"
	case KindConversion:
		return "conversion"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindPoolClosed:
		return "pool_closed"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// transientServerNumbers are the baseline set of SQL Server error
// numbers a retrying caller should treat as transient: throttling
// (40501, 49918), Azure SQL failover/rebalancing (40613), and deadlock
// / lock-wait timeout (1205, 1222).
var transientServerNumbers = map[int32]bool{
	1205:  true,
	1222:  true,
	40501: true,
	40613: true,
	49918: true,
}

// Error is the structured error type returned by every package in this
// module. It always carries a Kind; Server-kind errors additionally
// carry the fields SQL Server attached to an ERROR token.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Fields  map[string]interface{}
	Time    time.Time
	OpName  string

	// Populated only for Kind == KindServer, from the TDS ERROR token.
	Number    int32
	State     uint8
	Severity  uint8
	Procedure string
	Line      int32
}

// New creates an Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Time: time.Now()}
}

// Wrap creates an Error that chains cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause, Time: time.Now()}
}

// NewServer creates a KindServer error from a decoded ERROR token's fields.
func NewServer(number int32, state, severity uint8, message, procedure string, line int32) *Error {
	return &Error{
		Kind: KindServer, Message: message, Time: time.Now(),
		Number: number, State: state, Severity: severity,
		Procedure: procedure, Line: line,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Kind.String())
	buf.WriteString(": ")
	if e.Kind == KindServer {
		fmt.Fprintf(&buf, "SQL error %d, severity %d, state %d", e.Number, e.Severity, e.State)
		if e.Procedure != "" {
			fmt.Fprintf(&buf, ", procedure %s, line %d", e.Procedure, e.Line)
		}
		buf.WriteString(": ")
	}
	buf.WriteString(e.Message)
	if e.Cause != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Cause.Error())
	}
	return buf.String()
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Format implements fmt.Formatter; %+v includes fields and operation name.
func (e *Error) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v':
		if f.Flag('+') {
			fmt.Fprintf(f, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Kind, e.Error())
			if e.OpName != "" {
				fmt.Fprintf(f, "  operation: %s\n", e.OpName)
			}
			if len(e.Fields) > 0 {
				fmt.Fprintf(f, "  fields:\n")
				for k, v := range e.Fields {
					fmt.Fprintf(f, "    %s: %v\n", k, v)
				}
			}
			return
		}
		fallthrough
	case 's':
		fmt.Fprint(f, e.Error())
	case 'q':
		fmt.Fprintf(f, "%q", e.Error())
	}
}

// WithField attaches a diagnostic field and returns the receiver.
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithFields attaches multiple diagnostic fields and returns the receiver.
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithOp sets the operation name and returns the receiver.
func (e *Error) WithOp(op string) *Error {
	e.OpName = op
	return e
}

// Transient reports whether the operation that produced this error is
// safe to retry: network/IO failures, timeouts, pool exhaustion under
// load, and the baseline set of SQL Server error numbers known to
// indicate throttling or transient contention rather than a permanent
// failure.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindIO, KindTimeout, KindPoolExhausted:
		return true
	case KindServer:
		return transientServerNumbers[e.Number] && e.Severity < 20
	default:
		return false
	}
}

// IsTransientServerNumber reports whether number is in the baseline
// transient-error set, for callers building a retry policy with
// WithExtraTransientCodes.
func IsTransientServerNumber(number int32) bool {
	return transientServerNumbers[number]
}
