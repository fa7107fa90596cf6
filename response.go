package conn

import (
	"strconv"

	"github.com/segmentio/encoding/json"
)

// Response is an immutable descriptor of a completed APNs-style reply:
// a numeric status code, the remaining response headers, and a decoded
// JSON body (nil when the body was empty).
type Response struct {
	Code   int
	Header map[string]string
	Data   interface{}
}

// NewResponse pops :status out of header (parsed as a decimal integer,
// 0 if absent) and JSON-decodes a non-empty body. A malformed body
// yields a *FormatError carrying its first 20 bytes. Enforcing
// MaxResponseSize happens earlier, while the body is still streaming
// in (see Connection.await).
func NewResponse(header map[string]string, body []byte) (*Response, error) {
	h := make(map[string]string, len(header))
	for k, v := range header {
		h[k] = v
	}

	code := 0
	if s, ok := h[":status"]; ok {
		code, _ = strconv.Atoi(s)
		delete(h, ":status")
	}

	var data interface{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &data); err != nil {
			n := len(body)
			if n > 20 {
				n = 20
			}
			return nil, &FormatError{Snippet: append([]byte(nil), body[:n]...), Cause: err}
		}
	}

	return &Response{Code: code, Header: h, Data: data}, nil
}

// ApnsID returns the apns-id response header, if present.
func (r *Response) ApnsID() (string, bool) {
	v, ok := r.Header["apns-id"]
	return v, ok
}
