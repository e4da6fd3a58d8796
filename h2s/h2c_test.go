package h2s

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestH2CSettingsRoundTrip(t *testing.T) {
	params := []*settingsParam{
		newSettingsParam(headerTableSizeSetting, 4096),
		newSettingsParam(maxConcurrentStreams, 100),
		newSettingsParam(initialWindowSizeSetting, 65535),
	}

	encoded := EncodeH2CSettings(params)
	decoded, err := DecodeH2CSettings(encoded)
	require.NoError(t, err)

	assert.Equal(t, uint32(4096), decoded[headerTableSizeSetting])
	assert.Equal(t, uint32(100), decoded[maxConcurrentStreams])
	assert.Equal(t, uint32(65535), decoded[initialWindowSizeSetting])
}

func TestDecodeH2CSettingsRejectsMalformedPayload(t *testing.T) {
	_, err := DecodeH2CSettings("not-base64url!!!")
	assert.Error(t, err)

	_, err = DecodeH2CSettings("AAA") // decodes to 2 bytes, not a multiple of 6
	assert.Error(t, err)
}

func TestIsH2CUpgradeRequest(t *testing.T) {
	req := &http.Request{
		Method: http.MethodGet,
		URL:    &url.URL{Path: "/"},
		Header: http.Header{},
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "h2c")
	req.Header.Set("HTTP2-Settings", "AAA")
	assert.True(t, IsH2CUpgradeRequest(req))

	req.Header.Del("HTTP2-Settings")
	assert.False(t, IsH2CUpgradeRequest(req))
}
