package h2s

import (
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/murakmii/h2core/hpack"
)

// streamState is the HTTP/2 stream lifecycle state (RFC 7540 §5.1),
// restricted to the subset this server-side core ever occupies: the
// client drives IDLE -> OPEN (or IDLE -> HALF_CLOSED_REMOTE directly for
// a request with no body) and the server drives the HALF_CLOSED_REMOTE ->
// CLOSED transition once its response is fully sent.
type streamState uint8

const (
	idleStream streamState = iota
	openStream
	halfClosedRemoteStream
	halfClosedLocalStream
	closedStream
)

func (s streamState) String() string {
	switch s {
	case idleStream:
		return "idle"
	case openStream:
		return "open"
	case halfClosedRemoteStream:
		return "half-closed(remote)"
	case halfClosedLocalStream:
		return "half-closed(local)"
	case closedStream:
		return "closed"
	default:
		return "unknown"
	}
}

// priority holds a stream's position in the RFC 7540 §5.3 dependency
// tree: parent stream id, exclusivity, and weight in [1,256].
type priority struct {
	parent    streamID
	exclusive bool
	weight    int
}

func defaultPriority() priority {
	return priority{parent: 0, exclusive: false, weight: 16}
}

func priorityFromFrame(p *framePriority) priority {
	if p == nil {
		return defaultPriority()
	}
	return priority{
		parent:    p.streamDep,
		exclusive: p.exclusive,
		weight:    int(p.weight) + 1,
	}
}

// responseHead is a stream's response status + header list, set exactly
// once via Mplx.SetResponse before any output byte may be appended.
type responseHead struct {
	status  int
	headers hpack.HeaderList
}

// stream is one HTTP/2 request/response exchange. All fields are
// guarded by the owning Mplx's mutex; nothing outside mplx.go touches
// a stream directly.
type stream struct {
	id    streamID
	state streamState

	reset     bool
	suspended bool

	prio priority

	headers   hpack.HeaderList
	trailers  hpack.HeaderList
	method    string
	scheme    string
	authority string
	path      string

	input         [][]byte
	inputEOS      bool
	inputConsumed int64
	inputArrived  *sync.Cond

	output        []byte
	outputEOS     bool
	outputDrained *sync.Cond

	head *responseHead

	task *task // nil until the stream has enough headers to dispatch
}

func newStream(id streamID, mu *sync.Mutex) *stream {
	return &stream{
		id:            id,
		state:         idleStream,
		prio:          defaultPriority(),
		inputArrived:  sync.NewCond(mu),
		outputDrained: sync.NewCond(mu),
	}
}

// canAccept reports whether a stream in its current state may legally
// receive frame type typ (RFC 7540 §5.1's per-state frame table,
// restricted to the frame types this core forwards to streams at all).
func (s *stream) canAccept(typ frameType) *h2Error {
	switch s.state {
	case idleStream:
		if typ != headersFrame && typ != priorityFrame {
			return newError(protocolError, "idle stream received frame %d", typ)
		}
	case openStream, halfClosedLocalStream:
		return nil
	case halfClosedRemoteStream:
		if typ != windowUpdateFrame && typ != rstStreamFrame && typ != priorityFrame {
			return newError(streamClosedError,
				"half closed(remote) stream received frame %d", typ)
		}
	case closedStream:
		if typ != windowUpdateFrame && typ != rstStreamFrame && typ != priorityFrame {
			return newError(streamClosedError, "closed stream received frame %d", typ)
		}
	}
	return nil
}

// outputLen returns the number of response body bytes currently buffered
// and not yet drained by the Session.
func (s *stream) outputLen() int {
	return len(s.output)
}

// buildHeaderList assembles the response's encoded-order header list:
// ":status" first, then caller headers lower-cased, per RFC 7540
// §8.1.2.1.
func buildHeaderList(status int, header http.Header) hpack.HeaderList {
	list := make(hpack.HeaderList, 0, len(header)+1)
	list = append(list, hpack.NewHeaderField(":status", strconv.Itoa(status)))

	for key, values := range header {
		key = strings.ToLower(key)
		for _, value := range values {
			list = append(list, hpack.NewHeaderField(key, value))
		}
	}

	return list
}
