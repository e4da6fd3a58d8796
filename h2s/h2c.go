package h2s

import (
	"encoding/base64"
	"net/http"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

// H2CALPNToken and H2ALPNToken are the two ALPN/upgrade tokens this core
// recognizes. golang.org/x/net/http2 exports the "h2" token's canonical
// spelling; h2c has no exported constant there, so it is named directly
// as RFC 7540 §3.2 spells it.
const (
	H2ALPNToken  = http2.NextProtoTLS
	H2CALPNToken = "h2c"
)

// DecodeH2CSettings decodes the base64url-encoded HTTP2-Settings request
// header the h2c upgrade handshake carries (RFC 7540 §3.2.1), returning
// the SETTINGS payload as this core's own param map. Session.Bootstrap
// calls this on the raw header value the host's upgrade bootstrap hands
// it.
func DecodeH2CSettings(header string) (map[settingsParamType]uint32, error) {
	payload, err := base64.RawURLEncoding.DecodeString(header)
	if err != nil {
		return nil, errors.Wrap(err, "invalid HTTP2-Settings header")
	}

	if len(payload)%6 != 0 {
		return nil, errors.New("HTTP2-Settings payload not a multiple of 6 bytes")
	}

	return decodeSettingsParams(&frame{payload: payload}), nil
}

// EncodeH2CSettings is the inverse of DecodeH2CSettings, primarily useful
// to tests asserting that the two round-trip.
func EncodeH2CSettings(params []*settingsParam) string {
	return base64.RawURLEncoding.EncodeToString(encodeSettingsParam(params))
}

// IsH2CUpgradeRequest reports whether req is an HTTP/1.1 request asking
// to upgrade to h2c (Connection: Upgrade, Upgrade: h2c, HTTP2-Settings
// present) — the condition the host's bootstrap glue checks before
// handing the connection to this core at all.
func IsH2CUpgradeRequest(req *http.Request) bool {
	if req.Header.Get("Upgrade") != "h2c" {
		return false
	}
	if req.Header.Get("HTTP2-Settings") == "" {
		return false
	}
	for _, token := range req.Header.Values("Connection") {
		if token == "Upgrade" || token == "upgrade" {
			return true
		}
	}
	return false
}
