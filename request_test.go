package conn

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequestRejectsRelativePath(t *testing.T) {
	_, err := NewRequest("device-token", nil, map[string]string{"a": "b"})
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestNewRequestRejectsAmbiguousDeadline(t *testing.T) {
	_, err := NewRequest("/3/device/tok", nil, nil,
		WithTimeout(time.Second), WithDeadline(time.Now()))
	assert.ErrorIs(t, err, ErrAmbiguousDeadline)
}

func TestNewRequestHasNoDeadlineByDefault(t *testing.T) {
	req, err := NewRequest("/3/device/tok", nil, map[string]string{"aps": "x"})
	require.NoError(t, err)
	assert.Nil(t, req.Deadline)
}

func TestNewRequestWithTimeoutSetsFutureDeadline(t *testing.T) {
	before := time.Now()
	req, err := NewRequest("/3/device/tok", nil, nil, WithTimeout(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, req.Deadline)
	assert.True(t, req.Deadline.After(before))
}

func TestNewRequestRejectsOversizePayload(t *testing.T) {
	huge := map[string]string{"aps": strings.Repeat("x", MaxNotificationPayloadSize)}
	_, err := NewRequest("/3/device/tok", nil, huge)
	assert.Error(t, err)
}

func TestNewRequestOrdersPseudoHeadersFirst(t *testing.T) {
	req, err := NewRequest("/3/device/tok", Header{{Name: "apns-topic", Value: "com.example.app"}}, nil)
	require.NoError(t, err)

	full := req.headerWith("api.push.apple.com:443")
	require.True(t, len(full) >= 5)
	assert.Equal(t, ":authority", full[0].Name)
	assert.Equal(t, ":method", full[1].Name)
	assert.Equal(t, "POST", full[1].Value)
	assert.Equal(t, ":scheme", full[2].Name)
	assert.Equal(t, ":path", full[3].Name)
	assert.Equal(t, "/3/device/tok", full[3].Value)

	topic, ok := full.Get("apns-topic")
	assert.True(t, ok)
	assert.Equal(t, "com.example.app", topic)
}
