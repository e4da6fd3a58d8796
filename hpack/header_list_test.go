package hpack

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderListGet(t *testing.T) {
	list := HeaderList{
		NewHeaderField(":status", "200"),
		NewHeaderField("Content-Type", "text/plain"),
	}

	assert.Equal(t, "200", list.Get(":status").Value())
	assert.Equal(t, "text/plain", list.Get("content-type").Value())
	assert.Nil(t, list.Get("missing"))
}

func TestHeaderListValuesPreservesOrder(t *testing.T) {
	list := HeaderList{
		NewHeaderField("set-cookie", "a=1"),
		NewHeaderField("x-other", "y"),
		NewHeaderField("Set-Cookie", "b=2"),
	}

	assert.Equal(t, []string{"a=1", "b=2"}, list.Values("set-cookie"))
}

func TestHeaderFieldSize(t *testing.T) {
	hf := NewHeaderField("a", "bc")
	assert.Equal(t, 1+2+32, hf.Size())
}
