package main

import (
	"crypto/tls"
	"net/http"
	"os"

	"github.com/murakmii/h2core/h2s"
	"github.com/sirupsen/logrus"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if len(os.Args) != 3 {
		logrus.Fatalf("usage: %s <cert.pem> <key.pem>", os.Args[0])
	}

	cert, err := tls.LoadX509KeyPair(os.Args[1], os.Args[2])
	if err != nil {
		logrus.Fatalf("failed to load certificate: %s", err)
	}

	cfg, err := h2s.LoadConfig()
	if err != nil {
		logrus.Fatalf("failed to load config: %s", err)
	}
	cfg.AltSvcs = []h2s.AltSvcEntry{{ALPN: "h2", Port: 8080}}

	srv := h2s.NewServer(cert, cfg, http.HandlerFunc(handle))
	if err := srv.ListenAndServe(":8080"); err != nil {
		logrus.Fatalf("server stopped: %s", err)
	}
}

func handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<html><body><h1>Hello, HTTP/2!</h1></body></html>"))
}
