package h2s

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/murakmii/h2core/hpack"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// clientPreface is the fixed 24-byte connection preface every HTTP/2
// client sends before its first frame (RFC 7540 §3.5).
var clientPreface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

type sessionState uint8

const (
	sessionInit sessionState = iota
	sessionBusy
	sessionIdle
	sessionWait
	sessionLocalShutdown
	sessionRemoteShutdown
	sessionDone
)

func (s sessionState) String() string {
	switch s {
	case sessionInit:
		return "init"
	case sessionBusy:
		return "busy"
	case sessionIdle:
		return "idle"
	case sessionWait:
		return "wait"
	case sessionLocalShutdown:
		return "local-shutdown"
	case sessionRemoteShutdown:
		return "remote-shutdown"
	case sessionDone:
		return "done"
	default:
		return "unknown"
	}
}

const (
	readProbeInterval = 15 * time.Millisecond // BUSY-state non-blocking read slice
	waitBackoffFloor   = 2 * time.Millisecond
	waitBackoffCeiling = 200 * time.Millisecond // exponential backoff ceiling while WAITing on output
)

// Session is the top-level per-connection orchestrator: the single
// thread that ever touches the HPACK codec or the raw transport. One
// state machine drives stream lifecycle, flow control, priority
// ordering, and h2c bootstrap.
type Session struct {
	logger  Logger
	cfg     *Config
	handler http.Handler
	pool    *WorkerPool

	conn net.Conn
	br   *bufio.Reader

	connIO  *ConnIO
	mplx    *Mplx
	decoder *hpack.Decoder
	encoder *hpack.Encoder

	state       sessionState
	knownStreams map[streamID]struct{} // ids opened this connection; drainOutput drops an id once its stream is closed
	headersSent  map[streamID]struct{} // ids whose response HEADERS has gone out; drainOutput pumps these
	headerBuf    []*frame

	framesReceived int64
	framesSent     int64
	streamsReset   int64

	waitDeadline time.Time
	waitBackoff  time.Duration
	logLimiter   *rate.Limiter
}

// NewSession builds a Session ready to drive conn as one HTTP/2
// connection. handler is the host's ordinary net/http pipeline each
// stream's Task will run.
func NewSession(logger Logger, conn net.Conn, cfg *Config, pool *WorkerPool, handler http.Handler) *Session {
	sess := &Session{
		logger:     logger,
		cfg:        cfg,
		handler:    handler,
		pool:       pool,
		conn:       conn,
		br:         bufio.NewReaderSize(conn, 16*1024),
		decoder:    hpack.NewDecoder(cfg.MaxHeaderListSize * 2),
		encoder:    hpack.NewEncoder(),
		state:        sessionInit,
		knownStreams: make(map[streamID]struct{}),
		headersSent:  make(map[streamID]struct{}),
		logLimiter:   rate.NewLimiter(rate.Every(time.Second), 1),
	}

	sess.connIO = NewConnIO(logger, conn)
	sess.mplx = NewMplx(cfg.MaxStreams, cfg.StreamMaxMem, logger, pool.Register)
	return sess
}

// Bootstrap primes the session from an h2c upgrade: the caller has
// already performed the HTTP/1.1 Upgrade handshake; settingsHeader is
// the client's HTTP2-Settings header value, still base64url-encoded
// (Bootstrap decodes it), and upgradeReq is the
// request that becomes stream 1 (client-initiated, half-closed remote
// once its body — if any has already arrived via the host's normal body
// reader — is done).
func (sess *Session) Bootstrap(settingsHeader string, upgradeReq *http.Request, body []byte) error {
	params, err := DecodeH2CSettings(settingsHeader)
	if err != nil {
		return err
	}
	// ConnIO.Run has not started yet, so the settings go straight into
	// ConnIO's fields; the 101 response already acknowledges them, so no
	// SETTINGS ACK is sent.
	if v, ok := params[headerTableSizeSetting]; ok {
		sess.encoder.SetMaxDynamicTableSize(int(v))
	}
	if v, ok := params[initialWindowSizeSetting]; ok {
		sess.connIO.initWindow = int64(v)
	}
	if v, ok := params[maxFrameSizeSetting]; ok {
		sess.connIO.maxFrameSize = int(v)
	}

	headers := hpack.HeaderList{
		hpack.NewHeaderField(":method", upgradeReq.Method),
		hpack.NewHeaderField(":scheme", "http"),
		hpack.NewHeaderField(":authority", upgradeReq.Host),
		hpack.NewHeaderField(":path", upgradeReq.URL.RequestURI()),
	}
	for key, values := range upgradeReq.Header {
		for _, v := range values {
			headers = append(headers, hpack.NewHeaderField(key, v))
		}
	}

	s, h2err := sess.mplx.OpenStream(1, defaultPriority())
	if h2err != nil {
		return h2err
	}
	sess.mplx.SetRequestMeta(1, upgradeReq.Method, "http", upgradeReq.Host, upgradeReq.URL.RequestURI(), headers)
	sess.knownStreams[1] = struct{}{}

	if len(body) > 0 {
		_ = sess.mplx.AppendInput(1, body)
	}
	_ = sess.mplx.CloseInput(1)
	_ = s

	sess.mplx.Dispatch(1, sess.handler, sess.logger)
	return nil
}

// Serve reads the client preface, performs startup, and drives the
// session to completion. It returns once the connection is fully torn
// down, having reached the terminal DONE state.
func (sess *Session) Serve() error {
	if err := sess.readPreface(); err != nil {
		sess.logger.Warnf("preface error: %s", err)
		return err
	}

	var io errgroup.Group
	io.Go(func() error {
		sess.connIO.Run()
		return nil
	})

	sess.startup()
	sess.state = sessionBusy
	sess.waitBackoff = waitBackoffFloor

	var loopErr error
	for sess.state != sessionDone {
		if err := sess.step(); err != nil {
			loopErr = err
			sess.teardown(err)
			break
		}
	}

	sess.pool.Unregister(sess.mplx)
	sess.connIO.Shutdown()
	_ = io.Wait() // connIO.Run() never returns an error; Wait just joins it
	sess.mplx.Abort()
	sess.mplx.ReleaseAndJoin()

	return loopErr
}

func (sess *Session) readPreface() error {
	got := make([]byte, len(clientPreface))
	if _, err := io.ReadFull(sess.br, got); err != nil {
		return err
	}
	if !bytes.Equal(got, clientPreface) {
		return newError(protocolError, "invalid client preface")
	}
	return nil
}

// startup emits the initial SETTINGS and the connection-level
// WINDOW_UPDATE that effectively disables connection-wide flow control
// in favor of the per-stream accounting Mplx/ConnIO already do.
func (sess *Session) startup() {
	sess.connIO.Write(&frame{
		typ: settingsFrame,
		payload: encodeSettingsParam([]*settingsParam{
			newSettingsParam(maxConcurrentStreams, uint32(sess.cfg.MaxStreams)),
			newSettingsParam(initialWindowSizeSetting, uint32(sess.cfg.InitialWindowSize)),
			newSettingsParam(maxHeaderListSizeSetting, uint32(sess.cfg.MaxHeaderListSize)),
		}),
	})

	incr := uint32(maxConnWindow - defaultInitWindow)
	windowPayload := make([]byte, 4)
	binary.BigEndian.PutUint32(windowPayload, incr)
	sess.connIO.Write(&frame{typ: windowUpdateFrame, streamID: 0, payload: windowPayload})

	sess.framesSent += 2
}

// step runs one iteration of the main loop.
func (sess *Session) step() error {
	switch sess.state {
	case sessionWait:
		return sess.stepWait()
	case sessionIdle:
		return sess.stepRead(sess.cfg.KeepaliveTimeout, true)
	default:
		return sess.stepRead(readProbeInterval, false)
	}
}

// stepRead performs one bounded read attempt, dispatches any frame it
// got, drains ready output, and updates the state machine from the
// NO_IO/DATA_READ events that result. isIdleWait marks whether this was
// the IDLE state's keepalive-bounded blocking read, whose timeout is
// fatal rather than just "no data yet".
func (sess *Session) stepRead(deadline time.Duration, isIdleWait bool) error {
	madeProgress := false

	f, err := sess.tryReadFrame(deadline)
	switch {
	case err == errReadTimeout:
		if isIdleWait {
			return ErrTimeup
		}
	case err != nil:
		return err
	default:
		madeProgress = true
		sess.framesReceived++
		if herr := sess.dispatchFrame(f); herr != nil {
			if herr.code == protocolError {
				sess.connIO.Write(buildGoAwayFrame(herr))
				return herr
			}
			sess.connIO.Write(buildRstStreamFrame(f.streamID, herr))
			sess.mplx.ResetStream(f.streamID)
			sess.streamsReset++
		}
	}

	if sess.submitReady() {
		madeProgress = true
	}
	if sess.drainOutput() {
		madeProgress = true
	}
	if sess.reportWindows() {
		madeProgress = true
	}

	sess.advanceState(madeProgress)
	return nil
}

// stepWait implements the WAIT state: park on Mplx.added_output with a
// backoff that doubles up to 200 ms each empty wait, timing out the
// whole connection once cfg.WaitTimeout has elapsed with no progress.
func (sess *Session) stepWait() error {
	if sess.waitDeadline.IsZero() {
		sess.waitDeadline = time.Now().Add(sess.cfg.WaitTimeout)
	}

	ready := sess.mplx.TryWaitOutput(sess.waitBackoff)

	if !ready {
		if sess.logLimiter.Allow() {
			sess.logger.Debugf("session waiting, backoff=%s", sess.waitBackoff)
		}
		sess.waitBackoff *= 2
		if sess.waitBackoff > waitBackoffCeiling {
			sess.waitBackoff = waitBackoffCeiling
		}
		if time.Now().After(sess.waitDeadline) {
			return ErrTimeup
		}
		return nil
	}

	sess.waitBackoff = waitBackoffFloor
	sess.waitDeadline = time.Time{}

	madeProgress := sess.submitReady()
	madeProgress = sess.drainOutput() || madeProgress
	madeProgress = sess.reportWindows() || madeProgress

	sess.advanceState(madeProgress)
	if sess.state == sessionWait {
		sess.state = sessionBusy
	}
	return nil
}

// advanceState applies the no-progress transition table: no progress
// this tick moves to IDLE (no streams) or WAIT (streams pending); any
// progress keeps/returns the session to BUSY. Once a shutdown has been
// initiated the state stays LOCAL/REMOTE_SHUTDOWN, progress or not,
// until every stream has drained, and then moves to DONE.
func (sess *Session) advanceState(madeProgress bool) {
	if sess.state == sessionLocalShutdown || sess.state == sessionRemoteShutdown {
		if sess.mplx.streamCount() == 0 {
			sess.state = sessionDone
		}
		return
	}

	if madeProgress {
		sess.state = sessionBusy
		return
	}

	if sess.mplx.streamCount() == 0 {
		sess.state = sessionIdle
	} else {
		sess.state = sessionWait
	}
}

var errReadTimeout = newError(noError, "read timeout")

// tryReadFrame attempts to read one frame within deadline, translating
// a read-deadline expiry into errReadTimeout so callers can distinguish
// "nothing arrived yet" from a real transport failure.
func (sess *Session) tryReadFrame(deadline time.Duration) (*frame, error) {
	_ = sess.conn.SetReadDeadline(time.Now().Add(deadline))

	f, err := readFrame(sess.br, maxFrameSize)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errReadTimeout
		}
		return nil, err
	}
	return f, nil
}

// dispatchFrame processes one inbound frame, returning a non-nil
// *h2Error for a stream or connection error the caller should turn into
// RST_STREAM/GOAWAY.
func (sess *Session) dispatchFrame(f *frame) *h2Error {
	if len(sess.headerBuf) > 0 && f.typ != continuationFrame {
		return newError(protocolError, "invalid header sequence")
	}

	if f.typ > continuationFrame {
		return nil // unknown frame types are ignored per RFC 7540 §4.1
	}

	if f.streamID != 0 {
		if herr := sess.mplx.CanAccept(f.streamID, f.typ); herr != nil {
			return herr
		}
	}

	switch f.typ {
	case dataFrame:
		return sess.handleData(f)
	case headersFrame:
		return sess.handleHeaders(f)
	case priorityFrame:
		sess.mplx.UpdatePriority(f.streamID, priorityFromFrame(f.prio))
		return nil
	case rstStreamFrame:
		code := binary.BigEndian.Uint32(f.payload)
		sess.logger.Debugf("received RST_STREAM stream=%d code=%d", f.streamID, code)
		sess.mplx.ResetStream(f.streamID)
		return nil
	case settingsFrame:
		if f.flags.ack() {
			return nil
		}
		sess.applySettings(decodeSettingsParams(f))
		return nil
	case pushPromiseFrame:
		return newError(protocolError, "clients must not send PUSH_PROMISE")
	case pingFrame:
		if !f.flags.ack() {
			sess.connIO.Write(&frame{typ: pingFrame, flags: ackBit, payload: f.payload})
			sess.framesSent++
		}
		return nil
	case goAwayFrame:
		sess.logger.Infof("received GOAWAY code=%d msg=%s",
			binary.BigEndian.Uint32(f.payload[4:]), string(f.payload[8:]))
		sess.state = sessionRemoteShutdown
		return nil
	case windowUpdateFrame:
		incr := int64(binary.BigEndian.Uint32(f.payload))
		sess.connIO.IncrWindow(f.streamID, incr)
		return nil
	case continuationFrame:
		return sess.handleContinuation(f)
	}

	return nil
}

func (sess *Session) handleData(f *frame) *h2Error {
	if err := sess.mplx.AppendInput(f.streamID, f.payload); err != nil {
		return newError(internalError, "append input: %s", err)
	}
	if f.flags.eos() {
		_ = sess.mplx.CloseInput(f.streamID)
	}
	return nil
}

func (sess *Session) handleHeaders(f *frame) *h2Error {
	if !f.flags.eoh() {
		sess.headerBuf = append(sess.headerBuf, f)
		return nil
	}
	return sess.completeHeaders(f, f.payload)
}

func (sess *Session) handleContinuation(f *frame) *h2Error {
	if len(sess.headerBuf) == 0 || sess.headerBuf[0].streamID != f.streamID {
		return newError(protocolError, "invalid header block")
	}

	sess.headerBuf = append(sess.headerBuf, f)
	if !f.flags.eoh() {
		return nil
	}

	first := sess.headerBuf[0]
	block := make([]byte, 0)
	for _, part := range sess.headerBuf {
		block = append(block, part.payload...)
	}
	sess.headerBuf = nil

	return sess.completeHeaders(first, block)
}

// completeHeaders decodes a fully-assembled header block (original
// HEADERS frame, now with any CONTINUATIONs merged in) and either opens
// a new stream or attaches trailers to an existing one.
func (sess *Session) completeHeaders(first *frame, block []byte) *h2Error {
	decoded, err := sess.decoder.DecodeHeaderBlock(block)
	if err != nil {
		return newError(compressionError, "failed to decode header block: %s", err)
	}

	id := first.streamID
	prio := priorityFromFrame(first.prio)

	if _, known := sess.knownStreams[id]; !known {
		method := decoded.Get(":method")
		scheme := decoded.Get(":scheme")
		authority := decoded.Get(":authority")
		path := decoded.Get(":path")
		if method == nil || scheme == nil || path == nil {
			return newError(protocolError, "missing pseudo-header")
		}

		authorityVal := ""
		if authority != nil {
			authorityVal = authority.Value()
		}

		s, herr := sess.mplx.OpenStream(id, prio)
		if herr != nil {
			return herr
		}
		_ = s
		sess.mplx.SetRequestMeta(id, method.Value(), scheme.Value(), authorityVal, path.Value(), decoded)
		sess.knownStreams[id] = struct{}{}

		if first.flags.eos() {
			_ = sess.mplx.CloseInput(id)
		}
		sess.mplx.Dispatch(id, sess.handler, sess.logger)
		return nil
	}

	// A second HEADERS block on a known stream is trailers; this core
	// doesn't expose them to the host pipeline, but still closes input.
	if first.flags.eos() {
		_ = sess.mplx.CloseInput(id)
	}
	return nil
}

func (sess *Session) applySettings(params map[settingsParamType]uint32) {
	if v, ok := params[headerTableSizeSetting]; ok {
		sess.encoder.SetMaxDynamicTableSize(int(v))
	}
	if v, ok := params[maxFrameSizeSetting]; ok {
		_ = v // ConnIO tracks the peer's accepted max frame size for outgoing splits
	}
	sess.connIO.ChangeSettings(params)
	sess.framesSent++ // the SETTINGS ack ConnIO sends in response
}

// submitReady emits HEADERS frames for every stream whose response head
// is ready but not yet submitted, in priority order. Returns whether it
// did anything.
func (sess *Session) submitReady() bool {
	did := false
	for {
		s := sess.mplx.PopReadyResponse()
		if s == nil {
			break
		}
		did = true
		sess.headersSent[s.id] = struct{}{}

		payload := sess.encoder.EncodeHeaderList(s.head.headers)

		sess.connIO.Write(&frame{
			typ:      headersFrame,
			flags:    eohBit,
			streamID: s.id,
			payload:  payload,
		})
		sess.framesSent++
	}
	return did
}

// drainOutput pulls buffered response bytes for every active stream and
// emits DATA frames, removing fully-drained streams from the active set.
// ConnIO applies the actual flow-control gate; Mplx's own stream_max_mem
// cap applies backpressure to the Task side.
func (sess *Session) drainOutput() bool {
	did := false
	for id := range sess.headersSent {
		for {
			chunk, eos, err := sess.mplx.ReadOutput(id, maxFrameSize)
			if err == ErrAgain {
				break
			}
			if err != nil {
				delete(sess.headersSent, id)
				delete(sess.knownStreams, id)
				sess.mplx.Close(id)
				break
			}
			if len(chunk) == 0 && !eos {
				break
			}

			f := &frame{typ: dataFrame, streamID: id, payload: chunk}
			if eos {
				f.flags = eosBit
			}
			sess.connIO.Write(f)
			sess.framesSent++
			did = true

			if eos {
				delete(sess.headersSent, id)
				delete(sess.knownStreams, id)
				sess.mplx.Close(id)
				break
			}
			if len(chunk) == 0 {
				break
			}
		}
	}
	return did
}

// reportWindows emits WINDOW_UPDATE frames for every stream with
// unreported consumed input bytes.
func (sess *Session) reportWindows() bool {
	return sess.mplx.UpdateInputWindows(func(id streamID, n int64) {
		payload := make([]byte, 4)
		binary.BigEndian.PutUint32(payload, uint32(n))
		sess.connIO.Write(&frame{typ: windowUpdateFrame, streamID: id, payload: payload})
		sess.framesSent++
	})
}

// teardown attempts a best-effort GOAWAY using ConnIO's own
// last-handled-stream-id bookkeeping: every failure path leads to DONE
// after attempting GOAWAY with the last handled stream id.
func (sess *Session) teardown(err error) {
	sess.state = sessionDone

	code := internalError
	if h2, ok := err.(*h2Error); ok {
		code = h2.code
	} else if err == ErrTimeup {
		code = noError
	}

	sess.connIO.Write(buildGoAwayFrame(newError(code, "%s", err)))
}

// Shutdown requests a graceful local GOAWAY: existing streams complete,
// no new stream is accepted, the connection closes once they drain.
func (sess *Session) Shutdown() {
	sess.connIO.WriteGoAway(noError, "server shutting down")
	sess.state = sessionLocalShutdown
}

// LastHandledStreamID exposes ConnIO's bookkeeping for tests asserting
// GOAWAY's Last-Stream-ID on a graceful shutdown.
func (sess *Session) LastHandledStreamID() streamID {
	return sess.connIO.LastHandledStreamID()
}
