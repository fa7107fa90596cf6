package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeaderGetMissing(t *testing.T) {
	h := Header{{Name: "apns-topic", Value: "x"}}
	_, ok := h.Get("apns-priority")
	assert.False(t, ok)
}

func TestHeaderWithAuthorityPrepends(t *testing.T) {
	h := Header{{Name: "apns-topic", Value: "x"}}
	out := h.withAuthority("api.push.apple.com:443")
	assert.Equal(t, ":authority", out[0].Name)
	assert.Equal(t, "api.push.apple.com:443", out[0].Value)
	assert.Len(t, out, 2)
	// the original slice is untouched
	assert.Len(t, h, 1)
}
