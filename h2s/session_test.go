package h2s

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/murakmii/h2core/hpack"
	"github.com/stretchr/testify/require"
)

func sessionTestConfig() *Config {
	return &Config{
		MaxStreams:        100,
		MaxHeaderListSize: 16384,
		InitialWindowSize: 65536,
		StreamMaxMem:      1 << 20,
		MinWorkers:        1,
		MaxWorkers:        4,
		MaxWorkerIdle:     time.Second,
		KeepaliveTimeout:  time.Second,
		WaitTimeout:       time.Second,
	}
}

func writeClientFrame(t *testing.T, w io.Writer, f *frame) {
	t.Helper()
	require.NoError(t, f.encodeTo(w))
}

func readServerFrame(t *testing.T, r io.Reader) *frame {
	t.Helper()
	f, err := readFrame(r, maxFrameSize)
	require.NoError(t, err)
	return f
}

// TestSessionServesSimpleGetRequest drives a full preface/SETTINGS/HEADERS
// exchange over an in-memory pipe and checks the response comes back as a
// HEADERS frame (status 200) followed by an END_STREAM DATA frame.
func TestSessionServesSimpleGetRequest(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	pool := NewWorkerPool(sessionTestConfig(), noopLogger{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-test", "1")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	})
	sess := NewSession(noopLogger{}, serverConn, sessionTestConfig(), pool, handler)

	serveErr := make(chan error, 1)
	go func() { serveErr <- sess.Serve() }()

	_, err := clientConn.Write(clientPreface)
	require.NoError(t, err)
	writeClientFrame(t, clientConn, &frame{typ: settingsFrame})

	enc := hpack.NewEncoder()
	block := enc.EncodeHeaderList(hpack.HeaderList{
		hpack.NewHeaderField(":method", "GET"),
		hpack.NewHeaderField(":scheme", "https"),
		hpack.NewHeaderField(":authority", "example.com"),
		hpack.NewHeaderField(":path", "/"),
	})
	writeClientFrame(t, clientConn, &frame{
		typ: headersFrame, flags: eohBit | eosBit, streamID: 1, payload: block,
	})

	dec := hpack.NewDecoder(16384)

	var gotHeaders, gotData bool
	var status string
	var body bytes.Buffer

	deadline := time.Now().Add(3 * time.Second)
	for (!gotHeaders || !gotData) && time.Now().Before(deadline) {
		_ = clientConn.SetReadDeadline(time.Now().Add(3 * time.Second))
		f, err := readFrame(clientConn, maxFrameSize)
		if err != nil {
			break
		}

		switch f.typ {
		case settingsFrame, windowUpdateFrame:
			// server's own startup frames / SETTINGS ack; ignore.
		case headersFrame:
			if f.streamID == 1 {
				list, err := dec.DecodeHeaderBlock(f.payload)
				require.NoError(t, err)
				if sf := list.Get(":status"); sf != nil {
					status = sf.Value()
				}
				gotHeaders = true
			}
		case dataFrame:
			if f.streamID == 1 {
				body.Write(f.payload)
				if f.flags.eos() {
					gotData = true
				}
			}
		}
	}

	require.True(t, gotHeaders, "never received response HEADERS")
	require.True(t, gotData, "never received END_STREAM DATA")
	require.Equal(t, "200", status)
	require.Equal(t, "hello", body.String())

	clientConn.Close()
	select {
	case <-serveErr:
	case <-time.After(3 * time.Second):
		t.Fatal("Serve never returned after client closed the connection")
	}
}

// TestSessionResetStreamMidResponse checks that an inbound RST_STREAM
// cancels the in-flight task without taking the whole connection down.
func TestSessionResetStreamMidResponse(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	pool := NewWorkerPool(sessionTestConfig(), noopLogger{})
	started := make(chan struct{})
	aborted := make(chan struct{}, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		close(started)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
			return
		}
		aborted <- struct{}{}
	})
	sess := NewSession(noopLogger{}, serverConn, sessionTestConfig(), pool, handler)

	go func() { _ = sess.Serve() }()

	_, err := clientConn.Write(clientPreface)
	require.NoError(t, err)
	writeClientFrame(t, clientConn, &frame{typ: settingsFrame})

	enc := hpack.NewEncoder()
	block := enc.EncodeHeaderList(hpack.HeaderList{
		hpack.NewHeaderField(":method", "GET"),
		hpack.NewHeaderField(":scheme", "https"),
		hpack.NewHeaderField(":authority", "example.com"),
		hpack.NewHeaderField(":path", "/"),
	})
	writeClientFrame(t, clientConn, &frame{
		typ: headersFrame, flags: eohBit | eosBit, streamID: 1, payload: block,
	})

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}

	rstPayload := make([]byte, 4)
	writeClientFrame(t, clientConn, &frame{typ: rstStreamFrame, streamID: 1, payload: rstPayload})

	select {
	case <-aborted:
	case <-time.After(3 * time.Second):
		t.Fatal("handler was never cancelled by RST_STREAM")
	}
}
