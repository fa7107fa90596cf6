package conn

// HeaderField is a single HTTP/2 header, kept as a struct rather than a
// map entry because header order is meaningful: pseudo-headers must
// precede regular ones, and :authority must lead all of them.
type HeaderField struct {
	Name  string
	Value string
}

// Header is an ordered sequence of header fields, preserving submission
// order rather than collapsing into a map.
type Header []HeaderField

// Get returns the value of the first field matching name, case-sensitive
// (HTTP/2 header names are always lower-case on the wire).
func (h Header) Get(name string) (string, bool) {
	for _, f := range h {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// withAuthority returns a copy of h with an :authority pseudo-header
// prepended, as required before fields reach the wire.
func (h Header) withAuthority(authority string) Header {
	out := make(Header, 0, len(h)+1)
	out = append(out, HeaderField{Name: ":authority", Value: authority})
	out = append(out, h...)
	return out
}
