package h2s

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := &frame{typ: dataFrame, flags: eosBit, streamID: 3, payload: []byte("hello")}

	buf := new(bytes.Buffer)
	require.NoError(t, f.encodeTo(buf))

	got, err := readFrame(buf, maxFrameSize)
	require.NoError(t, err)

	assert.Equal(t, f.typ, got.typ)
	assert.Equal(t, f.streamID, got.streamID)
	assert.True(t, got.flags.eos())
	assert.Equal(t, f.payload, got.payload)
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	buf := new(bytes.Buffer)
	big := &frame{typ: dataFrame, streamID: 1, payload: make([]byte, 128)}
	require.NoError(t, big.encodeTo(buf))

	_, err := readFrame(buf, 64)
	require.Error(t, err)
	h2, ok := err.(*h2Error)
	require.True(t, ok)
	assert.Equal(t, frameSizeError, h2.code)
}

func TestNormalizeFrameStripsPadding(t *testing.T) {
	// 1-byte pad length prefix (=3) + 5 bytes payload + 3 bytes padding.
	raw := append([]byte{3}, []byte("hello")...)
	raw = append(raw, 0, 0, 0)

	f := &frame{typ: dataFrame, flags: paddedBit, payload: raw}
	out, err := normalizeFrame(f)
	require.NoError(t, err)

	assert.Equal(t, []byte("hello"), out.payload)
	assert.False(t, out.flags.padded())
}

func TestNormalizeFrameExtractsHeadersPriorityPrefix(t *testing.T) {
	prioPrefix := make([]byte, 5)
	prioPrefix[4] = 15 // weight byte, actual weight 16

	payload := append(prioPrefix, []byte("header-block")...)
	f := &frame{typ: headersFrame, flags: priorityBit, payload: payload}

	out, err := normalizeFrame(f)
	require.NoError(t, err)

	require.NotNil(t, out.prio)
	assert.Equal(t, uint8(15), out.prio.weight)
	assert.Equal(t, []byte("header-block"), out.payload)
	assert.False(t, out.flags.priority())
}

func TestSplitPayload(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, 25)
	chunks := splitPayload(payload, 10)

	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 10)
	assert.Len(t, chunks[1], 10)
	assert.Len(t, chunks[2], 5)
}

func TestSettingsParamEncodeDecode(t *testing.T) {
	params := []*settingsParam{
		newSettingsParam(maxConcurrentStreams, 50),
		newSettingsParam(initialWindowSizeSetting, 131072),
	}

	f := &frame{payload: encodeSettingsParam(params)}
	decoded := decodeSettingsParams(f)

	assert.Equal(t, uint32(50), decoded[maxConcurrentStreams])
	assert.Equal(t, uint32(131072), decoded[initialWindowSizeSetting])
}
