package conn

import "time"

// Wire and behavioral constants governing request/response limits, flow
// control, and connection timeouts.
const (
	// MaxNotificationPayloadSize is the largest request body accepted by
	// NewRequest, enforced at construction time.
	MaxNotificationPayloadSize = 5120

	// MaxResponseSize bounds the accumulated response body and doubles
	// as the per-stream inbound flow-control window this module
	// advertises.
	MaxResponseSize = 1 << 16

	// ConnectionWindowSize is the inbound connection-scope flow-control
	// window raised immediately after the HTTP/2 preface is sent.
	ConnectionWindowSize = 1 << 24

	// RequiredFreeSpace is the outbound connection window threshold
	// below which a Connection reports Blocked.
	RequiredFreeSpace = 6000

	// ConnectionTimeout bounds TCP connect + TLS handshake together.
	ConnectionTimeout = 5 * time.Second

	// TLSTimeout bounds the TLS handshake alone, nested inside
	// ConnectionTimeout.
	TLSTimeout = 5 * time.Second

	// initialMaxConcurrentStreams is RFC 7540's default until the peer's
	// SETTINGS frame says otherwise.
	initialMaxConcurrentStreams = 100
)
