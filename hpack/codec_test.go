package hpack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc := NewEncoder()
	dec := NewDecoder(4096)

	list := HeaderList{
		NewHeaderField(":status", "200"),
		NewHeaderField("content-type", "text/html; charset=utf-8"),
		NewHeaderField("set-cookie", "a=1"),
		NewHeaderField("set-cookie", "b=2"),
	}

	block := enc.EncodeHeaderList(list)
	require.NotEmpty(t, block)

	decoded, err := dec.DecodeHeaderBlock(block)
	require.NoError(t, err)
	require.Len(t, decoded, len(list))

	for i, hf := range list {
		assert.Equal(t, hf.Name(), decoded[i].Name())
		assert.Equal(t, hf.Value(), decoded[i].Value())
	}
}

func TestEncoderDecoderIndependentTables(t *testing.T) {
	// Two connections' worth of encoder/decoder pairs must not leak state
	// into each other: encoding the same list twice from a fresh encoder
	// must decode identically from a fresh decoder each time, since each
	// direction keeps its own dynamic table.
	list := HeaderList{NewHeaderField(":method", "GET"), NewHeaderField(":path", "/")}

	enc1, dec1 := NewEncoder(), NewDecoder(4096)
	enc2, dec2 := NewEncoder(), NewDecoder(4096)

	b1 := enc1.EncodeHeaderList(list)
	b2 := enc2.EncodeHeaderList(list)

	d1, err := dec1.DecodeHeaderBlock(b1)
	require.NoError(t, err)
	d2, err := dec2.DecodeHeaderBlock(b2)
	require.NoError(t, err)

	require.Len(t, d1, 2)
	require.Len(t, d2, 2)
	assert.Equal(t, d1[0].Value(), d2[0].Value())
}

func TestDecoderAppliesTableSizeUpdate(t *testing.T) {
	dec := NewDecoder(4096)
	dec.UpdateAllowedTableSize(0)

	enc := NewEncoder()
	enc.SetMaxDynamicTableSize(0)

	block := enc.EncodeHeaderList(HeaderList{NewHeaderField(":method", "POST")})
	decoded, err := dec.DecodeHeaderBlock(block)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, "POST", decoded[0].Value())
}
