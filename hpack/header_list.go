package hpack

import "strings"

// HeaderField is a single name/value pair as it appears on the wire or in
// the request/response header map. Names are kept exactly as decoded;
// lookups are case-insensitive per RFC 7541 §5.
type HeaderField struct {
	name  string
	value string
}

// HeaderList is an ordered, possibly-repeating collection of header
// fields, as HTTP/2 requires (order and repetition are both significant
// to e.g. Set-Cookie, Cookie concatenation).
type HeaderList []*HeaderField

func NewHeaderField(name, value string) *HeaderField {
	return &HeaderField{name: name, value: value}
}

func (hf *HeaderField) Name() string  { return hf.name }
func (hf *HeaderField) Value() string { return hf.value }

func (hf *HeaderField) String() string {
	return hf.Name() + ": " + hf.Value()
}

// Size mirrors RFC 7541 §4.1's definition of an entry's size contribution
// to the dynamic table (used by callers that need to reason about it
// independently of the underlying codec's own accounting).
func (hf *HeaderField) Size() int {
	return len(hf.name) + len(hf.value) + 32
}

// Get returns the first field with a case-insensitive name match, or nil.
func (hl HeaderList) Get(name string) *HeaderField {
	for _, hf := range hl {
		if strings.EqualFold(hf.Name(), name) {
			return hf
		}
	}
	return nil
}

// Values returns every field matching name, in encounter order.
func (hl HeaderList) Values(name string) []string {
	var values []string
	for _, hf := range hl {
		if strings.EqualFold(hf.Name(), name) {
			values = append(values, hf.Value())
		}
	}
	return values
}
