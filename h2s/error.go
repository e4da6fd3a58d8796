package h2s

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

type (
	errorCode uint32

	// h2Error is a protocol-level error: it always carries the HTTP/2
	// error code that must go on the wire (RST_STREAM or GOAWAY), as
	// opposed to the plain Go errors used for purely internal signalling.
	h2Error struct {
		code errorCode
		msg  string
	}
)

var _ error = (*h2Error)(nil)

// Error codes per RFC 7540 §7.
const (
	noError            errorCode = 0x00
	protocolError      errorCode = 0x01
	internalError      errorCode = 0x02
	flowControlError   errorCode = 0x03
	settingsTimeout    errorCode = 0x04
	streamClosedError  errorCode = 0x05
	frameSizeError     errorCode = 0x06
	refusedStreamError errorCode = 0x07
	cancelError        errorCode = 0x08
	compressionError   errorCode = 0x09
	connectError       errorCode = 0x0a
	enhanceYourCalm    errorCode = 0x0b
	inadequateSecurity errorCode = 0x0c
	http11Required     errorCode = 0x0d
)

// Kinds surfaced to callers of Mplx/Task/Session that are not themselves
// wire-level HTTP/2 errors.
var (
	ErrAgain       = errors.New("again")
	ErrEOF         = errors.New("eof")
	ErrTimeup      = errors.New("timeup")
	ErrConnAborted = errors.New("connection aborted")
	ErrInternal    = errors.New("internal invariant violation")
)

func newError(code errorCode, format string, a ...interface{}) *h2Error {
	return &h2Error{code: code, msg: fmt.Sprintf(format, a...)}
}

func (e *h2Error) Error() string {
	return e.msg
}

// buildGoAwayFrame builds a GOAWAY frame from e. The last-stream-id field
// is left zero here; ConnIO patches it in at send time from the
// connection's own bookkeeping (see conn_io.go), so GOAWAY always carries
// the true last-handled id.
func buildGoAwayFrame(e error) *frame {
	h2, ok := errors.Cause(e).(*h2Error)
	if !ok {
		h2 = newError(internalError, "internal error: %s", e)
	}

	f := &frame{
		typ:     goAwayFrame,
		payload: make([]byte, 8),
	}

	binary.BigEndian.PutUint32(f.payload[4:], uint32(h2.code))
	f.payload = append(f.payload, h2.msg...)

	return f
}

// buildRstStreamFrame builds a RST_STREAM frame from e for stream id.
func buildRstStreamFrame(id streamID, e error) *frame {
	code := internalError
	if h2, ok := errors.Cause(e).(*h2Error); ok {
		code = h2.code
	}

	f := &frame{
		typ:      rstStreamFrame,
		streamID: id,
		payload:  make([]byte, 4),
	}

	binary.BigEndian.PutUint32(f.payload, uint32(code))
	return f
}
