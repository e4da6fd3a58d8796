package h2s

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/murakmii/h2core/hpack"
)

// Mplx is the thread-safe bridge between the Session goroutine and Task
// goroutines for one connection. Every exported method
// takes mplx's single mutex, does its work, and returns — possibly after
// signalling or waiting on a condition variable bound to that same
// mutex. Nothing outside this file ever reaches into a *stream directly.
type Mplx struct {
	logger Logger

	mu          sync.Mutex
	addedOutput *sync.Cond
	joinWait    *sync.Cond

	streams map[streamID]*stream // active streams
	hold    map[streamID]*stream // closed but task still finishing
	purge   map[streamID]struct{}

	maxID streamID

	pendingTasks []*task         // tasks whose goroutine hasn't started
	ready        map[streamID]*stream // response head set, not yet submitted

	runningTasks int
	registered   bool
	aborted      bool

	maxStreams   int
	streamMaxMem int

	onSchedule func(*Mplx) // WorkerPool.Register, injected by Session
}

// NewMplx builds an Mplx for one connection. onSchedule is invoked
// (outside the lock) the first time a task is scheduled while the Mplx
// isn't already registered with the worker pool.
func NewMplx(maxStreams, streamMaxMem int, logger Logger, onSchedule func(*Mplx)) *Mplx {
	m := &Mplx{
		logger:       logger,
		streams:      make(map[streamID]*stream),
		hold:         make(map[streamID]*stream),
		purge:        make(map[streamID]struct{}),
		ready:        make(map[streamID]*stream),
		maxStreams:   maxStreams,
		streamMaxMem: streamMaxMem,
		onSchedule:   onSchedule,
	}
	m.addedOutput = sync.NewCond(&m.mu)
	m.joinWait = sync.NewCond(&m.mu)
	return m
}

// --- stream lifecycle ---

// Lookup returns the stream for id, synthesizing the pseudo idle/closed
// states RFC 7540 §5.1 requires for ids the session has never/already
// seen.
func (m *Mplx) Lookup(id streamID) *stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(id)
}

func (m *Mplx) lookupLocked(id streamID) *stream {
	if s, ok := m.streams[id]; ok {
		return s
	}
	if s, ok := m.hold[id]; ok {
		return s
	}
	if id <= m.maxID {
		return &stream{id: id, state: closedStream}
	}
	return newStream(id, &m.mu)
}

// CanAccept reports whether the stream currently identified by id may
// receive a frame of type typ.
func (m *Mplx) CanAccept(id streamID, typ frameType) *h2Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(id).canAccept(typ)
}

// OpenStream creates and registers a new stream for id (from a HEADERS
// frame opening it), enforcing the configured max_streams by refusing it
// with REFUSED_STREAM when over budget.
func (m *Mplx) OpenStream(id streamID, prio priority) (*stream, *h2Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.aborted {
		return nil, newError(internalError, "mplx aborted")
	}

	if len(m.streams) >= m.maxStreams {
		return nil, newError(refusedStreamError, "max_streams(%d) exceeded", m.maxStreams)
	}

	s := newStream(id, &m.mu)
	s.prio = prio
	s.state = openStream

	m.streams[id] = s
	if m.maxID < id {
		m.maxID = id
	}
	return s, nil
}

// SetRequestMeta attaches id's parsed pseudo-headers and full header
// list once its HEADERS block (plus any CONTINUATIONs) is fully decoded.
func (m *Mplx) SetRequestMeta(id streamID, method, scheme, authority, path string, headers hpack.HeaderList) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[id]; ok {
		s.method, s.scheme, s.authority, s.path = method, scheme, authority, path
		s.headers = headers
	}
}

// UpdatePriority applies a PRIORITY frame (or a HEADERS frame's priority
// prefix) to id's position in the dependency tree.
func (m *Mplx) UpdatePriority(id streamID, prio priority) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[id]; ok {
		s.prio = prio
	}
}

// ResetStream handles an inbound RST_STREAM: marks the stream reset so
// any blocked Task I/O unblocks with an error, aborts its Task if one is
// running, and closes the stream.
func (m *Mplx) ResetStream(id streamID) {
	m.mu.Lock()
	s, ok := m.streams[id]
	if !ok {
		m.mu.Unlock()
		return
	}

	s.reset = true
	s.inputArrived.Broadcast()
	s.outputDrained.Broadcast()
	t := s.task

	m.closeLocked(id)
	m.mu.Unlock()

	if t != nil {
		t.Abort()
	}
}

// Dispatch creates id's Task from its captured request metadata and
// schedules it on the worker pool once its headers are complete.
func (m *Mplx) Dispatch(id streamID, handler http.Handler, logger Logger) {
	m.mu.Lock()
	s, ok := m.streams[id]
	if !ok || s.task != nil {
		m.mu.Unlock()
		return
	}

	t := newTask(m, id, handler, logger, s)
	s.task = t
	m.mu.Unlock()

	m.Schedule(t)
}

// Close transitions id to CLOSED. If a task is still running for the
// stream, it's moved to the hold set instead of being dropped, so its
// memory survives until StreamDone observes the task's finish callback:
// exactly one Task per stream, and once closed no Task touches it again,
// enforced by never freeing while held.
func (m *Mplx) Close(id streamID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked(id)
}

func (m *Mplx) closeLocked(id streamID) {
	s, ok := m.streams[id]
	if !ok {
		return
	}

	delete(m.streams, id)
	delete(m.ready, id)
	s.state = closedStream

	if s.task != nil && !s.task.finished() {
		m.hold[id] = s
		return
	}

	m.purgeLocked(id)
}

func (m *Mplx) purgeLocked(id streamID) {
	delete(m.hold, id)
	delete(m.purge, id)
}

// StreamDone is the Task finish callback: it marks the stream's task as
// done and, if the stream had already been closed out from under it
// (moved to hold), purges it now.
func (m *Mplx) StreamDone(id streamID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.hold[id]; held {
		m.purgeLocked(id)
	}

	m.runningTasks--
	if m.runningTasks == 0 {
		m.joinWait.Broadcast()
	}
}

// --- input path (Session appends, Task reads) ---

// AppendInput appends body bytes received in a DATA frame.
func (m *Mplx) AppendInput(id streamID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.aborted {
		return ErrConnAborted
	}

	s, ok := m.streams[id]
	if !ok {
		return ErrEOF
	}

	if len(data) > 0 {
		buf := make([]byte, len(data))
		copy(buf, data)
		s.input = append(s.input, buf)
	}
	s.inputArrived.Broadcast()
	return nil
}

// CloseInput marks end-of-stream on the request body.
func (m *Mplx) CloseInput(id streamID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.aborted {
		return ErrConnAborted
	}

	s, ok := m.streams[id]
	if !ok {
		return ErrEOF
	}

	s.inputEOS = true
	if s.state == openStream {
		s.state = halfClosedRemoteStream
	}
	s.inputArrived.Broadcast()
	return nil
}

// ReadInput reads up to len(dst) bytes of request body for id. If block
// is true and no data is currently available, it waits on the stream's
// input-arrived condition until data arrives, EOS is reached, or the
// Mplx is aborted; ctx cancellation also wakes it.
func (m *Mplx) ReadInput(ctx context.Context, id streamID, dst []byte, block bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[id]
	if !ok {
		s, ok = m.hold[id]
		if !ok {
			return 0, ErrEOF
		}
	}

	for {
		if m.aborted {
			return 0, ErrConnAborted
		}

		if n := m.drainInputLocked(s, dst); n > 0 {
			s.inputConsumed += int64(n)
			return n, nil
		}

		if s.inputEOS {
			return 0, ErrEOF
		}

		if !block {
			return 0, ErrAgain
		}

		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		waitOrContext(s.inputArrived, ctx)
	}
}

func (m *Mplx) drainInputLocked(s *stream, dst []byte) int {
	n := 0
	for n < len(dst) && len(s.input) > 0 {
		chunk := s.input[0]
		copied := copy(dst[n:], chunk)
		n += copied

		if copied == len(chunk) {
			s.input = s.input[1:]
		} else {
			s.input[0] = chunk[copied:]
		}
	}
	return n
}

// UpdateInputWindows invokes cb(id, consumed) for every stream with
// unreported consumed input bytes and resets their counters, so the
// Session can emit WINDOW_UPDATE frames. Reports whether any stream had
// bytes to report.
func (m *Mplx) UpdateInputWindows(cb func(streamID, int64)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	reported := false
	for id, s := range m.streams {
		if s.inputConsumed > 0 {
			cb(id, s.inputConsumed)
			s.inputConsumed = 0
			reported = true
		}
	}
	return reported
}

// --- output path (Task writes, Session reads) ---

// SetResponse attaches the response head (status + headers) to id. It
// must be called before any output byte; callers that call WriteOutput
// first get an internal error instead of silently violating that.
func (m *Mplx) SetResponse(id streamID, status int, header hpack.HeaderList) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[id]
	if !ok {
		return ErrConnAborted
	}

	if s.head != nil {
		return nil
	}

	s.head = &responseHead{status: status, headers: header}
	m.ready[id] = s
	m.addedOutput.Broadcast()
	return nil
}

// WriteOutput appends response body bytes, blocking while the stream's
// buffered output exceeds stream_max_mem. ctx cancellation (task abort)
// interrupts the wait.
func (m *Mplx) WriteOutput(ctx context.Context, id streamID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[id]
	if !ok {
		return ErrConnAborted
	}

	if s.head == nil {
		return ErrInternal
	}

	for s.outputLen() > m.streamMaxMem {
		if m.aborted {
			return ErrConnAborted
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		waitOrContext(s.outputDrained, ctx)
		if _, ok := m.streams[id]; !ok {
			return ErrConnAborted
		}
	}

	if m.aborted {
		return ErrConnAborted
	}

	s.output = append(s.output, data...)
	m.addedOutput.Broadcast()
	return nil
}

// CloseOutput marks end-of-stream on the response body.
func (m *Mplx) CloseOutput(id streamID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[id]
	if !ok {
		return ErrConnAborted
	}

	s.outputEOS = true
	m.addedOutput.Broadcast()
	return nil
}

// ReadOutput returns up to max bytes of buffered response body for id,
// along with whether END_STREAM should accompany them. It never blocks:
// the Session calls it from its own single-threaded loop and must not
// stall on a slow Task.
func (m *Mplx) ReadOutput(id streamID, max int) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[id]
	if !ok {
		return nil, false, ErrConnAborted
	}

	if s.reset {
		return nil, false, newError(cancelError, "stream reset")
	}

	if len(s.output) == 0 {
		if s.outputEOS {
			return nil, true, nil
		}
		return nil, false, ErrAgain
	}

	n := max
	if n > len(s.output) {
		n = len(s.output)
	}

	chunk := s.output[:n]
	s.output = s.output[n:]
	s.outputDrained.Broadcast()

	eos := len(s.output) == 0 && s.outputEOS
	return chunk, eos, nil
}

// PopReadyResponse returns the highest-priority stream with a response
// head set but not yet submitted as a HEADERS frame.
func (m *Mplx) PopReadyResponse() *stream {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *stream
	for _, s := range m.ready {
		if best == nil || m.less(s, best) {
			best = s
		}
	}
	if best != nil {
		delete(m.ready, best.id)
	}
	return best
}

// less implements the priority comparator: a stream closer to the
// dependency tree root precedes one further away; equal depth is broken
// by higher weight.
func (m *Mplx) less(a, b *stream) bool {
	da, wa := m.depthAndWeight(a)
	db, wb := m.depthAndWeight(b)
	if da != db {
		return da < db
	}
	return wa > wb
}

func (m *Mplx) depthAndWeight(s *stream) (int, int) {
	depth := 0
	cur := s
	visited := map[streamID]bool{cur.id: true}

	for depth < 64 {
		if cur.prio.parent == 0 {
			break
		}
		parent, ok := m.streams[cur.prio.parent]
		if !ok || visited[parent.id] {
			break
		}
		visited[parent.id] = true
		cur = parent
		depth++
	}

	return depth, s.prio.weight
}

// TryWaitOutput parks the Session on addedOutput up to timeout. It
// returns true as soon as any output progress is signalled (a response
// head, body bytes or end of stream) or the Mplx is aborted, and false
// if the timeout passes first; the Session then backs off and only times
// the connection out once cfg.WaitTimeout has passed.
func (m *Mplx) TryWaitOutput(timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.aborted || len(m.ready) > 0 {
		return true
	}

	timedOut := (deadlineCond{m.addedOutput}).WaitUntil(time.Now().Add(timeout))
	return !timedOut || len(m.ready) > 0 || m.aborted
}

// --- task queue ---

// Schedule enqueues t to run on a worker thread, registering this Mplx
// with the worker pool if it wasn't already.
func (m *Mplx) Schedule(t *task) {
	m.mu.Lock()
	m.pendingTasks = append(m.pendingTasks, t)
	m.runningTasks++
	needsRegister := !m.registered
	m.registered = true
	m.mu.Unlock()

	if needsRegister && m.onSchedule != nil {
		m.onSchedule(m)
	}
}

// PopTask returns the next task in priority order, or nil if none are
// pending — at which point the caller (a Worker) unregisters this Mplx.
func (m *Mplx) PopTask() *task {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.pendingTasks) == 0 {
		m.registered = false
		return nil
	}

	bestIdx := 0
	for i := 1; i < len(m.pendingTasks); i++ {
		si := m.streams[m.pendingTasks[i].streamID]
		sb := m.streams[m.pendingTasks[bestIdx].streamID]
		if si != nil && sb != nil && m.less(si, sb) {
			bestIdx = i
		}
	}

	t := m.pendingTasks[bestIdx]
	m.pendingTasks = append(m.pendingTasks[:bestIdx], m.pendingTasks[bestIdx+1:]...)
	return t
}

// --- shutdown ---

// Abort is sticky: once called, AppendInput, CloseInput, ReadInput and
// WriteOutput return ErrConnAborted, OpenStream refuses new streams, and
// ReadOutput reports every open stream as reset. Every parked goroutine
// is woken and every open stream's Task has its context cancelled, so it
// can observe the abort and unwind. SetResponse and CloseOutput do not
// check the abort flag.
func (m *Mplx) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.aborted {
		return
	}
	m.aborted = true

	for _, s := range m.streams {
		s.reset = true
		s.inputArrived.Broadcast()
		s.outputDrained.Broadcast()
		if s.task != nil {
			s.task.Abort()
		}
	}
	m.addedOutput.Broadcast()
	m.joinWait.Broadcast()
}

// ReleaseAndJoin blocks until every scheduled Task has invoked its finish
// callback, then returns — the Session calls this during shutdown before
// dropping its Mplx.
func (m *Mplx) ReleaseAndJoin() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.runningTasks > 0 {
		m.joinWait.Wait()
	}
}

func (m *Mplx) streamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// waitOrContext calls cond.Wait(), but if ctx is cancellable it arranges
// for the wait to also be interrupted by ctx's cancellation — giving Task
// I/O the context.Context idiom Go callers expect on top of a plain
// sync.Cond.
func waitOrContext(cond *sync.Cond, ctx context.Context) {
	if ctx.Done() == nil {
		cond.Wait()
		return
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cond.Broadcast()
		case <-stop:
		}
	}()
	cond.Wait()
	close(stop)
}
