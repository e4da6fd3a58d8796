package h2s

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildGoAwayFrameCarriesCodeAndMessage(t *testing.T) {
	f := buildGoAwayFrame(newError(protocolError, "bad frame"))

	require.Equal(t, goAwayFrame, f.typ)
	require.True(t, len(f.payload) >= 8)
	assert.Equal(t, uint32(protocolError), binary.BigEndian.Uint32(f.payload[4:8]))
	assert.Equal(t, "bad frame", string(f.payload[8:]))
}

func TestBuildGoAwayFrameWrapsNonH2Error(t *testing.T) {
	f := buildGoAwayFrame(ErrTimeup)
	assert.Equal(t, uint32(internalError), binary.BigEndian.Uint32(f.payload[4:8]))
}

func TestBuildRstStreamFrameCarriesCode(t *testing.T) {
	f := buildRstStreamFrame(7, newError(cancelError, "client cancelled"))

	assert.Equal(t, rstStreamFrame, f.typ)
	assert.Equal(t, streamID(7), f.streamID)
	assert.Equal(t, uint32(cancelError), binary.BigEndian.Uint32(f.payload))
}
