// Package hpack adapts golang.org/x/net/http2/hpack to the HeaderList
// vocabulary the rest of this module uses, and keeps the two independent
// per-direction dynamic tables an HTTP/2 connection requires straight.
//
// HTTP/2 gives each direction of a connection its own HPACK dynamic
// table (RFC 7541 §2.2): the server decodes requests against one table
// and encodes responses against a completely separate one. A single
// shared IndexTable — which is what this package's teacher used — works
// only by accident, because it never actually emitted indexed
// representations. Decoder and Encoder below keep that distinction
// explicit.
package hpack

import (
	"bytes"

	"golang.org/x/net/http2/hpack"
)

// Decoder decodes header blocks received from the peer, maintaining the
// dynamic table the peer's encoder is assumed to maintain in lockstep.
type Decoder struct {
	inner *hpack.Decoder
	list  HeaderList
}

// NewDecoder builds a Decoder whose dynamic table may grow up to
// maxTableSize bytes, the value advertised (or accepted) via the
// HEADER_TABLE_SIZE SETTINGS parameter.
func NewDecoder(maxTableSize int) *Decoder {
	d := &Decoder{}
	d.inner = hpack.NewDecoder(uint32(maxTableSize), func(f hpack.HeaderField) {
		d.list = append(d.list, NewHeaderField(f.Name, f.Value))
	})
	return d
}

// UpdateAllowedTableSize applies a new HEADER_TABLE_SIZE ceiling; the
// actual table size still tracks "Dynamic Table Size Update" entries in
// the header block itself, exactly as RFC 7541 §6.3 specifies.
func (d *Decoder) UpdateAllowedTableSize(size int) {
	d.inner.SetAllowedMaxDynamicTableSize(uint32(size))
}

// DecodeHeaderBlock decodes a complete header block (a HEADERS frame's
// payload with any CONTINUATION frames already merged in) into a
// HeaderList, in wire order.
func (d *Decoder) DecodeHeaderBlock(block []byte) (HeaderList, error) {
	d.list = d.list[:0]
	if _, err := d.inner.Write(block); err != nil {
		return nil, err
	}
	out := make(HeaderList, len(d.list))
	copy(out, d.list)
	return out, nil
}

// Encoder encodes header lists to send to the peer, maintaining its own
// dynamic table independent of any Decoder on the same connection.
type Encoder struct {
	buf   *bytes.Buffer
	inner *hpack.Encoder
}

func NewEncoder() *Encoder {
	buf := new(bytes.Buffer)
	return &Encoder{buf: buf, inner: hpack.NewEncoder(buf)}
}

// SetMaxDynamicTableSize bounds the table this encoder is willing to
// build entries into; it must never exceed what the peer advertised via
// its own HEADER_TABLE_SIZE SETTINGS parameter.
func (e *Encoder) SetMaxDynamicTableSize(size int) {
	e.inner.SetMaxDynamicTableSize(uint32(size))
}

// EncodeHeaderList encodes list into a single header block. Pseudo-headers
// (":status", etc.) must come first per RFC 7540 §8.1.2.1; callers are
// responsible for ordering list accordingly.
func (e *Encoder) EncodeHeaderList(list HeaderList) []byte {
	e.buf.Reset()
	for _, hf := range list {
		_ = e.inner.WriteField(hpack.HeaderField{Name: hf.Name(), Value: hf.Value()})
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out
}
