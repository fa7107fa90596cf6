package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResponseParsesStatusAndBody(t *testing.T) {
	resp, err := NewResponse(map[string]string{
		":status": "200",
		"apns-id": "abc-123",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Code)
	assert.Nil(t, resp.Data)
	id, ok := resp.ApnsID()
	assert.True(t, ok)
	assert.Equal(t, "abc-123", id)
	_, hasStatus := resp.Header[":status"]
	assert.False(t, hasStatus)
}

func TestNewResponseDecodesJSONBody(t *testing.T) {
	resp, err := NewResponse(map[string]string{":status": "400"}, []byte(`{"reason":"BadDeviceToken"}`))
	require.NoError(t, err)
	assert.Equal(t, 400, resp.Code)
	body, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "BadDeviceToken", body["reason"])
}

func TestNewResponseDefaultsCodeToZeroWithoutStatus(t *testing.T) {
	resp, err := NewResponse(map[string]string{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Code)
}

func TestNewResponseWrapsMalformedBody(t *testing.T) {
	_, err := NewResponse(map[string]string{":status": "200"}, []byte("not json at all"))
	require.Error(t, err)
	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, []byte("not json at all"), fe.Snippet)
}
