package h2s

import (
	"crypto/tls"
	"net"
	"net/http"
)

// Server accepts transport connections already identified as HTTP/2 (by
// ALPN over TLS, or by an h2c upgrade handshake the host performed) and
// drives each one with a Session, through a configured worker pool and
// an h2c bootstrap path alongside TLS-negotiated "h2".
type Server struct {
	cert    tls.Certificate
	cfg     *Config
	pool    *WorkerPool
	handler http.Handler
}

// NewServer builds a Server for cert, serving handler through cfg's
// configured limits and a freshly built WorkerPool sized per cfg.
func NewServer(cert tls.Certificate, cfg *Config, handler http.Handler) *Server {
	return &Server{
		cert:    cert,
		cfg:     cfg,
		pool:    NewWorkerPool(cfg, NewLogger("pool")),
		handler: handler,
	}
}

// ListenAndServe accepts TLS connections on addr, negotiating "h2" via
// ALPN, and drives each with a Session until Accept fails. Graceful
// shutdown and acceptor pooling are left to the host.
func (sv *Server) ListenAndServe(addr string) error {
	listener, err := tls.Listen("tcp", addr, &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{sv.cert},
		NextProtos:   []string{H2ALPNToken, "http/1.1"},
	})
	if err != nil {
		return err
	}
	defer listener.Close()

	logger := NewLogger(addr)
	logger.Infof("listening on %s", addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			logger.Warnf("accept failed: %s", err)
			return err
		}

		go sv.handleTLS(conn)
	}
}

func (sv *Server) handleTLS(conn net.Conn) {
	logger := NewLogger(conn.RemoteAddr().String())
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		conn.Close()
		return
	}

	logger.Debugf("start connection")

	if err := tlsConn.Handshake(); err != nil {
		logger.Warnf("handshake failed: %s", err)
		conn.Close()
		return
	}

	negotiated := tlsConn.ConnectionState().NegotiatedProtocol
	if negotiated != H2ALPNToken {
		logger.Warnf("peer did not negotiate h2 (got %q); closing", negotiated)
		conn.Close()
		return
	}

	sess := NewSession(logger, tlsConn, sv.cfg, sv.pool, sv.handler)
	if err := sess.Serve(); err != nil {
		logger.Debugf("session ended: %s", err)
	}
}

// ServeH2C drives conn as a cleartext h2c connection for a host that has
// already completed the HTTP/1.1 Upgrade handshake (RFC 7540 §3.2) and
// wants this core to take over the raw socket from here. upgradeReq is
// the original HTTP/1.1 request that becomes stream 1; body is any of
// its entity body already buffered by the host's upgrade glue before
// handoff. The Upgrade bootstrap itself stays the host's responsibility;
// this is the narrow seam it calls into.
func (sv *Server) ServeH2C(conn net.Conn, upgradeReq *http.Request, settingsHeader string, body []byte) error {
	logger := NewLogger(conn.RemoteAddr().String())
	sess := NewSession(logger, conn, sv.cfg, sv.pool, sv.handler)

	if err := sess.Bootstrap(settingsHeader, upgradeReq, body); err != nil {
		conn.Close()
		return err
	}

	return sess.Serve()
}
