package h2s

import (
	"encoding/binary"
	"io"
)

type (
	frameType uint8  // frame type byte (RFC 7540 §11.2)
	streamID  uint32 // 31-bit stream identifier
	flags     uint8  // frame flags byte

	// framePriority carries the 5-byte PRIORITY prefix either a PRIORITY
	// frame or a HEADERS frame with the PRIORITY flag set provides.
	framePriority struct {
		streamDep streamID
		exclusive bool
		weight    uint8 // wire value; actual weight is weight+1, range [1,256]
	}

	frame struct {
		typ      frameType
		flags    flags
		streamID streamID
		payload  []byte
		prio     *framePriority // only for headersFrame/priorityFrame
	}
)

const (
	dataFrame         frameType = 0x00
	headersFrame      frameType = 0x01
	priorityFrame     frameType = 0x02
	rstStreamFrame    frameType = 0x03
	settingsFrame     frameType = 0x04
	pushPromiseFrame  frameType = 0x05
	pingFrame         frameType = 0x06
	goAwayFrame       frameType = 0x07
	windowUpdateFrame frameType = 0x08
	continuationFrame frameType = 0x09

	eosBit      = 0x01
	ackBit      = eosBit
	eohBit      = 0x04
	paddedBit   = 0x08
	priorityBit = 0x20

	// maxFrameSize is the largest frame payload this core accepts, and the
	// size of the DATA chunks the Session reads from Mplx: the RFC 7540
	// §6.5.2 default SETTINGS_MAX_FRAME_SIZE (2^14), never raised via this
	// core's own SETTINGS. ConnIO splits outgoing frames at the peer's
	// advertised SETTINGS_MAX_FRAME_SIZE instead.
	maxFrameSize = 16384
)

func (f flags) eos() bool      { return f&eosBit > 0 }
func (f flags) ack() bool      { return f.eos() }
func (f flags) eoh() bool      { return f&eohBit > 0 }
func (f flags) padded() bool   { return f&paddedBit > 0 }
func (f flags) priority() bool { return f&priorityBit > 0 }

// isStreamCloser reports whether sending f is the terminal action for its
// stream, i.e. ConnIO should advance its last-handled-stream-id
// bookkeeping (used to fill in GOAWAY's Last-Stream-ID).
func (f *frame) isStreamCloser() bool {
	switch f.typ {
	case dataFrame, headersFrame:
		return f.flags.eos()
	case rstStreamFrame:
		return true
	default:
		return false
	}
}

// readFrame reads one frame from r, enforcing maxFrameSize on the
// payload length as RFC 7540 §4.2 requires (violation -> FRAME_SIZE_ERROR).
func readFrame(r io.Reader, maxFrameSize int) (*frame, error) {
	header := make([]byte, 9)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	f := &frame{
		typ:      frameType(header[3]),
		flags:    flags(header[4]),
		streamID: streamID(binary.BigEndian.Uint32(header[5:]) & 0x7FFFFFFF),
	}

	pLen := int(header[0])<<16 | int(header[1])<<8 | int(header[2])
	if pLen > maxFrameSize {
		return nil,
			newError(frameSizeError, "too large payload(%d bytes)", pLen)
	}

	f.payload = make([]byte, pLen)
	if _, err := io.ReadFull(r, f.payload); err != nil {
		return nil, err
	}

	return normalizeFrame(f)
}

func parsePriority(payload []byte) *framePriority {
	raw := binary.BigEndian.Uint32(payload)
	return &framePriority{
		streamDep: streamID(raw & 0x7FFFFFFF),
		exclusive: raw&0x80000000 > 0,
		weight:    payload[4],
	}
}

func normalizeFrame(f *frame) (*frame, error) {
	if f.typ == priorityFrame {
		if len(f.payload) != 5 {
			return nil, newError(frameSizeError, "malformed PRIORITY frame")
		}
		f.prio = parsePriority(f.payload)
		return f, nil
	}

	if f.typ != dataFrame && f.typ != headersFrame {
		return f, nil
	}

	pLen := len(f.payload)

	if f.flags.padded() {
		if pLen == 0 || int(f.payload[0]) >= pLen {
			return nil, newError(protocolError, "invalid PADDED frame")
		}
		f.flags &= ^flags(paddedBit)
		f.payload = f.payload[1 : pLen-int(f.payload[0])]
	}

	if f.typ == headersFrame && f.flags.priority() {
		if len(f.payload) < 5 {
			return nil, newError(frameSizeError, "malformed HEADERS priority prefix")
		}
		f.flags &= ^flags(priorityBit)
		f.prio = parsePriority(f.payload[:5])
		f.payload = f.payload[5:]
	}

	return f, nil
}

// encodeTo writes f to w in wire format.
func (f *frame) encodeTo(w io.Writer) error {
	pLen := len(f.payload)
	header := make([]byte, 9)

	header[0] = byte((pLen >> 16) & 0xFF)
	header[1] = byte((pLen >> 8) & 0xFF)
	header[2] = byte(pLen & 0xFF)
	header[3] = byte(f.typ)
	header[4] = byte(f.flags)
	binary.BigEndian.PutUint32(header[5:], uint32(f.streamID))

	if _, err := w.Write(header); err != nil {
		return err
	}

	if _, err := w.Write(f.payload); err != nil {
		return err
	}

	return nil
}

type (
	settingsParamType uint16

	settingsParam struct {
		typ   settingsParamType
		value uint32
	}
)

const (
	headerTableSizeSetting   settingsParamType = 0x01
	enablePushSetting        settingsParamType = 0x02
	maxConcurrentStreams     settingsParamType = 0x03
	initialWindowSizeSetting settingsParamType = 0x04
	maxFrameSizeSetting      settingsParamType = 0x05
	maxHeaderListSizeSetting settingsParamType = 0x06
)

func newSettingsParam(typ settingsParamType, value uint32) *settingsParam {
	return &settingsParam{typ: typ, value: value}
}

func encodeSettingsParam(params []*settingsParam) []byte {
	encoded := make([]byte, len(params)*6)
	for i, p := range params {
		binary.BigEndian.PutUint16(encoded[i*6:], uint16(p.typ))
		binary.BigEndian.PutUint32(encoded[i*6+2:], p.value)
	}
	return encoded
}

func decodeSettingsParams(f *frame) map[settingsParamType]uint32 {
	n := len(f.payload) / 6
	params := make(map[settingsParamType]uint32, n)

	for i := 0; i < n; i++ {
		typ := settingsParamType(binary.BigEndian.Uint16(f.payload[6*i:]))
		value := binary.BigEndian.Uint32(f.payload[6*i+2:])

		params[typ] = value
	}

	return params
}
