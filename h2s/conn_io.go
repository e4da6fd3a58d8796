package h2s

import (
	"bufio"
	"encoding/binary"
	"io"
	"time"
)

type windowIncremented struct {
	id    streamID
	value int64
}

// ConnIO is the Session's sole owner of outbound bytes: a buffered
// writer with flush heuristics, plus the per-stream and per-connection
// flow-control bookkeeping that gates DATA frames.
type ConnIO struct {
	logger Logger
	peer   io.WriteCloser
	bw     *bufio.Writer

	in       chan *frame
	settings chan map[settingsParamType]uint32

	lastWrite     time.Time
	flushWarmup   int
	writtenSince  int

	lastHandled  streamID
	maxFrameSize int

	initWindow    int64
	window        chan *windowIncremented
	streamsWindow map[streamID]int64
	pendingData   []*frame

	closed chan struct{}
}

const (
	defaultInitWindow      = 65535
	maxConnWindow          = 0x7FFFFFFF // connection-level window, raised once at startup so only per-stream windows ever meaningfully gate sends
	connIOFlushThreshold   = 16 * 1024  // bytes buffered before an implicit flush
	connIOFlushWarmupBytes = 4 * 1024   // below this, always flush promptly (small responses shouldn't wait)
)

func NewConnIO(logger Logger, peer io.WriteCloser) *ConnIO {
	return &ConnIO{
		logger:        logger,
		peer:          peer,
		bw:            bufio.NewWriterSize(peer, connIOFlushThreshold*2),
		in:            make(chan *frame, 8),
		settings:      make(chan map[settingsParamType]uint32),
		maxFrameSize:  maxFrameSize,
		initWindow:    defaultInitWindow,
		window:        make(chan *windowIncremented),
		streamsWindow: make(map[streamID]int64),
		pendingData:   make([]*frame, 0),
		closed:        make(chan struct{}),
	}
}

// Write enqueues f for sending. Safe to call from any goroutine.
func (w *ConnIO) Write(f *frame) {
	select {
	case w.in <- f:
	case <-w.closed:
	}
}

func (w *ConnIO) WriteGoAway(code errorCode, format string, a ...interface{}) {
	w.Write(buildGoAwayFrame(newError(code, format, a...)))
}

func (w *ConnIO) ChangeSettings(params map[settingsParamType]uint32) {
	select {
	case w.settings <- params:
	case <-w.closed:
	}
}

// IncrWindow notifies ConnIO that id's flow-control window grew by value
// (from a WINDOW_UPDATE frame), possibly unblocking pending DATA.
func (w *ConnIO) IncrWindow(id streamID, value int64) {
	select {
	case w.window <- &windowIncremented{id: id, value: value}:
	case <-w.closed:
	}
}

// Shutdown stops accepting new frames; Run returns once it has drained
// whatever was already queued.
func (w *ConnIO) Shutdown() {
	close(w.in)
}

// LastHandledStreamID is the highest stream id ConnIO has sent a
// closing frame for — the value GOAWAY's Last-Stream-ID field must carry.
func (w *ConnIO) LastHandledStreamID() streamID {
	return w.lastHandled
}

// Run drives the ConnIO send loop. It returns once Shutdown has been
// called and every already-queued frame has been processed.
func (w *ConnIO) Run() {
	defer func() {
		close(w.closed)
		w.logger.Debugf("conn_io shutdown")
	}()

	// The Session emits the actual startup SETTINGS + connection-level
	// WINDOW_UPDATE; ConnIO only needs its own accounting to match: the
	// connection window effectively disabled from the first byte, since
	// flow control is enforced per-stream.
	w.streamsWindow[0] = maxConnWindow

	// Bytes considerFlush left buffered are flushed by this timer once
	// 2 ms have passed, even if no further frame arrives.
	var flushTimer <-chan time.Time

	for {
		select {
		case f, ok := <-w.in:
			if !ok {
				w.flush()
				w.closePeer()
				return
			}
			w.handleOutgoing(f)

		case <-flushTimer:
			flushTimer = nil
			w.flush()

		case incr := <-w.window:
			if _, ok := w.streamsWindow[incr.id]; !ok {
				w.streamsWindow[incr.id] = w.initWindow
			}
			w.streamsWindow[incr.id] += incr.value
			w.flushPendingData()

		case params := <-w.settings:
			if value, ok := params[initialWindowSizeSetting]; ok {
				diff := int64(value) - w.initWindow
				for k := range w.streamsWindow {
					if k == 0 {
						continue // the connection window is not affected
					}
					w.streamsWindow[k] += diff
				}
				w.initWindow = int64(value)
				w.flushPendingData()
			}
			if value, ok := params[maxFrameSizeSetting]; ok {
				w.maxFrameSize = int(value)
			}
			w.sendToPeer(&frame{typ: settingsFrame, flags: ackBit})
		}

		if flushTimer == nil && w.peer != nil && w.IsBuffered() {
			flushTimer = time.After(2 * time.Millisecond)
		}
	}
}

func (w *ConnIO) handleOutgoing(f *frame) {
	if f.typ == dataFrame {
		if _, ok := w.streamsWindow[f.streamID]; !ok {
			w.streamsWindow[f.streamID] = w.initWindow
		}

		pLen := int64(len(f.payload))
		if w.streamsWindow[0] < pLen || w.streamsWindow[f.streamID] < pLen {
			w.pendingData = append(w.pendingData, f)
			return
		}
	}

	if f.typ == goAwayFrame {
		binary.BigEndian.PutUint32(f.payload, uint32(w.lastHandled))
	}

	w.sendToPeer(f)
}

func (w *ConnIO) closePeer() {
	if w.peer == nil {
		return
	}
	w.peer.Close()
	w.peer = nil
	w.logger.Debugf("close connection")
}

func (w *ConnIO) flushPendingData() {
	remain := make([]*frame, 0, len(w.pendingData))

	for _, data := range w.pendingData {
		dataLen := int64(len(data.payload))
		if w.streamsWindow[0] < dataLen || w.streamsWindow[data.streamID] < dataLen {
			remain = append(remain, data)
			continue
		}
		w.sendToPeer(data)
	}

	w.pendingData = remain
}

func (w *ConnIO) sendToPeer(f *frame) {
	if f.isStreamCloser() && f.streamID > w.lastHandled {
		w.lastHandled = f.streamID
	}

	if w.peer == nil {
		return
	}

L:
	for _, piece := range w.splitFrame(f) {
		if err := piece.encodeTo(w.bw); err != nil {
			w.closePeer()
			return
		}
		w.writtenSince += 9 + len(piece.payload)

		switch piece.typ {
		case dataFrame:
			pLen := int64(len(piece.payload))
			w.streamsWindow[0] -= pLen
			w.streamsWindow[piece.streamID] -= pLen

		case goAwayFrame:
			w.logger.Infof("send GOAWAY. msg=%s", string(piece.payload[8:]))
			w.considerFlush(true)
			w.closePeer()
			break L
		}
	}

	w.considerFlush(false)
}

// considerFlush always flushes once enough bytes accumulate to amortize
// a syscall, but doesn't let a small, latency-sensitive response wait
// behind that threshold: fewer than connIOFlushWarmupBytes pending are
// flushed at once, and anything else goes through once 2 ms have passed
// since the last flush (here on the next frame, or by Run's flush timer).
func (w *ConnIO) considerFlush(force bool) {
	if !force && w.writtenSince < connIOFlushThreshold &&
		w.writtenSince >= connIOFlushWarmupBytes &&
		time.Since(w.lastWrite) < 2*time.Millisecond {
		return
	}
	w.flush()
}

func (w *ConnIO) flush() {
	_ = w.bw.Flush()
	w.writtenSince = 0
	w.lastWrite = time.Now()
}

// IsBuffered reports whether ConnIO currently holds unflushed bytes.
func (w *ConnIO) IsBuffered() bool {
	return w.bw.Buffered() > 0
}

func (w *ConnIO) splitFrame(f *frame) []*frame {
	if (f.typ != dataFrame && f.typ != headersFrame) || len(f.payload) <= w.maxFrameSize {
		return []*frame{f}
	}

	payloads := splitPayload(f.payload, w.maxFrameSize)
	frames := make([]*frame, 0, len(payloads))

	fType := f.typ
	if f.typ == headersFrame {
		fType = continuationFrame
	}

	for _, p := range payloads {
		frames = append(frames, &frame{typ: fType, streamID: f.streamID, payload: p})
	}

	if f.typ == dataFrame {
		frames[len(frames)-1].flags = f.flags
	} else {
		frames[0].typ = headersFrame
		frames[0].flags = f.flags & eosBit
		frames[len(frames)-1].flags = f.flags & eohBit
	}

	return frames
}

func splitPayload(p []byte, size int) [][]byte {
	var chunk []byte
	chunks := make([][]byte, 0, len(p)/size+1)

	for len(p) > size {
		chunk, p = p[:size], p[size:]
		chunks = append(chunks, chunk)
	}

	if len(p) > 0 {
		chunks = append(chunks, p)
	}

	return chunks
}
