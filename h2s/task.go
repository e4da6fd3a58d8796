package h2s

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/murakmii/h2core/hpack"
)

// task is the per-stream execution context that runs on a worker
// goroutine. It fabricates an HTTP/1.1 request for the host's ordinary
// net/http.Handler pipeline and tunnels the response back into Mplx, the
// way mod_h2's Task ran a sub-connection rooted at custom input/output
// filters.
type task struct {
	mplx     *Mplx
	streamID streamID
	handler  http.Handler
	logger   Logger

	method, scheme, authority, path string
	headers                         hpack.HeaderList
	inputEOS                        bool // body already fully received at dispatch time

	ctx    context.Context
	cancel context.CancelFunc

	doneCh chan struct{}
}

func newTask(
	mplx *Mplx,
	id streamID,
	handler http.Handler,
	logger Logger,
	s *stream,
) *task {
	ctx, cancel := context.WithCancel(context.Background())
	return &task{
		mplx:      mplx,
		streamID:  id,
		handler:   handler,
		logger:    logger,
		method:    s.method,
		scheme:    s.scheme,
		authority: s.authority,
		path:      s.path,
		headers:   s.headers,
		inputEOS:  s.inputEOS,
		ctx:       ctx,
		cancel:    cancel,
		doneCh:    make(chan struct{}),
	}
}

func (t *task) finished() bool {
	select {
	case <-t.doneCh:
		return true
	default:
		return false
	}
}

// Abort cancels the task's context, waking any blocked Mplx.ReadInput /
// WriteOutput call so the host pipeline can unwind.
func (t *task) Abort() {
	t.cancel()
}

// run executes the host request pipeline for this stream to completion.
// It always closes the stream's output and reports finish to Mplx, even
// on panics from the handler — the Task never crashes the Worker.
func (t *task) run() {
	defer t.cancel()
	defer close(t.doneCh)
	defer func() {
		_ = t.mplx.CloseOutput(t.streamID)
		t.mplx.StreamDone(t.streamID)
	}()
	defer func() {
		if r := recover(); r != nil {
			t.logger.Errorf("handler panic on stream %d: %v", t.streamID, r)
			_ = t.mplx.SetResponse(t.streamID, http.StatusInternalServerError,
				buildHeaderList(http.StatusInternalServerError, http.Header{}))
		}
	}()

	req, err := t.buildRequest()
	if err != nil {
		t.logger.Warnf("failed to synthesize request for stream %d: %s", t.streamID, err)
		_ = t.mplx.SetResponse(t.streamID, http.StatusBadRequest,
			buildHeaderList(http.StatusBadRequest, http.Header{}))
		return
	}
	req = req.WithContext(t.ctx)

	w := newTaskResponseWriter(t.ctx, t.mplx, t.streamID)
	t.handler.ServeHTTP(w, req)
	w.finish()
}

// buildRequest reconstructs an HTTP/1.1 request from the HTTP/2
// pseudo-headers and header list captured at dispatch time, with the
// body wired as a lazily-streaming reader instead of requiring the whole
// body up front, and picks chunked vs. Content-Length framing exactly as
// mod_h2's h2_from_h1.c does.
func (t *task) buildRequest() (*http.Request, error) {
	head := bytes.NewBuffer(nil)

	fmt.Fprintf(head, "%s %s HTTP/1.1\r\n", t.method, t.path)

	hasHost := false
	hasContentLength := false
	for _, hf := range t.headers {
		if len(hf.Name()) > 0 && hf.Name()[0] == ':' {
			continue
		}
		if equalFold(hf.Name(), "host") {
			hasHost = true
		}
		if equalFold(hf.Name(), "content-length") {
			hasContentLength = true
		}
		fmt.Fprintf(head, "%s\r\n", hf.String())
	}

	if !hasHost {
		fmt.Fprintf(head, "host: %s\r\n", t.authority)
	}

	chunked := !hasContentLength && !t.inputEOS
	if chunked {
		head.WriteString("transfer-encoding: chunked\r\n")
	} else if !hasContentLength {
		// EOS already reached at header time with no declared length:
		// the body is empty, so Content-Length: 0 avoids ambiguity.
		head.WriteString("content-length: 0\r\n")
	}

	head.WriteString("\r\n")

	body := newBodySource(t.ctx, t.mplx, t.streamID, chunked, t.inputEOS)
	full := &prefixedReader{prefix: head.Bytes(), rest: body}

	return http.ReadRequest(bufio.NewReader(full))
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// prefixedReader serves prefix fully before delegating to rest — used
// so http.ReadRequest can read the synthesized request line/headers
// (always fully available) before it ever touches the streaming body.
type prefixedReader struct {
	prefix []byte
	rest   *bodySource
}

func (r *prefixedReader) Read(p []byte) (int, error) {
	if len(r.prefix) > 0 {
		n := copy(p, r.prefix)
		r.prefix = r.prefix[n:]
		return n, nil
	}
	return r.rest.Read(p)
}

// bodySource streams a stream's request body out of Mplx on demand,
// applying chunked-transfer framing when the declared request has no
// Content-Length, serializing it to the host as
// Transfer-Encoding: chunked.
type bodySource struct {
	ctx     context.Context
	mplx    *Mplx
	id      streamID
	chunked bool
	atEOS   bool

	framed  bytes.Buffer
	scratch []byte
}

func newBodySource(ctx context.Context, mplx *Mplx, id streamID, chunked, atEOS bool) *bodySource {
	return &bodySource{
		ctx:     ctx,
		mplx:    mplx,
		id:      id,
		chunked: chunked,
		atEOS:   atEOS,
		scratch: make([]byte, 32*1024),
	}
}

func (b *bodySource) Read(p []byte) (int, error) {
	for b.framed.Len() == 0 {
		if b.atEOS {
			return 0, io.EOF
		}

		n, err := b.mplx.ReadInput(b.ctx, b.id, b.scratch, true)
		if n > 0 {
			b.frame(b.scratch[:n])
		}

		if err == ErrEOF {
			b.atEOS = true
			if b.chunked {
				b.framed.WriteString("0\r\n\r\n")
			}
			continue
		}

		if err != nil && err != ErrAgain {
			return 0, err
		}
	}

	return b.framed.Read(p)
}

func (b *bodySource) frame(data []byte) {
	if !b.chunked {
		b.framed.Write(data)
		return
	}
	fmt.Fprintf(&b.framed, "%x\r\n", len(data))
	b.framed.Write(data)
	b.framed.WriteString("\r\n")
}

// taskResponseWriter adapts Mplx's streaming output to
// http.ResponseWriter: bytes are forwarded to Mplx.WriteOutput as the
// handler produces them so they can be backpressured per-stream, not
// buffered for an entire response.
type taskResponseWriter struct {
	ctx    context.Context
	mplx   *Mplx
	id     streamID
	header http.Header

	wroteHeader bool
	status      int
	firstWrite  []byte // sniffed for Content-Type detection, like http.ResponseWriter
}

func newTaskResponseWriter(ctx context.Context, mplx *Mplx, id streamID) *taskResponseWriter {
	return &taskResponseWriter{ctx: ctx, mplx: mplx, id: id, header: make(http.Header)}
}

func (w *taskResponseWriter) Header() http.Header { return w.header }

func (w *taskResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status

	if w.header.Get("Content-Type") == "" && len(w.firstWrite) > 0 {
		w.header.Set("Content-Type", http.DetectContentType(w.firstWrite))
	}

	_ = w.mplx.SetResponse(w.id, status, buildHeaderList(status, w.header))
}

func (w *taskResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		if w.firstWrite == nil {
			sniffLen := len(b)
			if sniffLen > 512 {
				sniffLen = 512
			}
			w.firstWrite = b[:sniffLen]
		}
		w.WriteHeader(http.StatusOK)
	}
	if len(b) == 0 {
		return 0, nil
	}
	if err := w.mplx.WriteOutput(w.ctx, w.id, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (w *taskResponseWriter) finish() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
}

var _ http.ResponseWriter = (*taskResponseWriter)(nil)
