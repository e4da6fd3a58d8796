package h2s

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// DecorateAltSvc adds an Alt-Svc response header advertising cfg's
// configured alternative services, the way mod_h2's h2_alt_svc.c decided
// whether a plain HTTP/1.1 response should advertise HTTP/2. It is a
// no-op if no entries are configured or the request already carries
// Alt-Svc-Used (the client already knows).
//
// This is a plain function a host's HTTP/1.1 response path calls directly,
// not a component this core drives itself.
func DecorateAltSvc(cfg *Config, req *http.Request, header http.Header) {
	if len(cfg.AltSvcs) == 0 {
		return
	}
	if req.Header.Get("Alt-Svc-Used") != "" {
		return
	}

	maxAge := int(cfg.AltSvcMaxAge.Seconds())

	var entries []string
	for _, svc := range cfg.AltSvcs {
		host := svc.Host
		if host == "" {
			host = req.Host
			if h, _, err := splitHostPort(host); err == nil {
				host = h
			}
		}

		entries = append(entries, fmt.Sprintf(
			`%s="[%s]:%d"; ma=%d`,
			svc.ALPN, host, svc.Port, maxAge,
		))
	}

	if len(entries) > 0 {
		header.Set("Alt-Svc", strings.Join(entries, ", "))
	}
}

func splitHostPort(hostport string) (host, port string, err error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return hostport, "", nil
	}
	if _, convErr := strconv.Atoi(hostport[idx+1:]); convErr != nil {
		return hostport, "", nil
	}
	return hostport[:idx], hostport[idx+1:], nil
}
