// Package h2engine is a thin, sans-I/O-flavored adapter over
// golang.org/x/net/http2's frame codec: it turns frames read off a live
// socket into a small tagged-union event set, and turns outbound
// header/data submissions into buffered frames ready to flush. It knows
// nothing about sockets beyond the Socket it is handed; callers own
// concurrency.
package h2engine

import "golang.org/x/net/http2"

// HeaderField mirrors the field hpack decodes; kept local to this
// package so callers don't need to import hpack directly.
type HeaderField struct {
	Name  string
	Value string
}

// Event is the tagged union of protocol occurrences the core reacts to.
// Only a subset are acted on specially by the core; others
// (StreamReset) are still delivered so a Channel's generic
// append-and-wake behavior applies.
type Event interface {
	StreamID() uint32
}

// ResponseReceived carries the decoded response headers for a stream.
type ResponseReceived struct {
	ID     uint32
	Header []HeaderField
}

func (e ResponseReceived) StreamID() uint32 { return e.ID }

// DataReceived carries a chunk of response body plus the frame's
// flow-controlled length (payload + any padding), which is what must be
// credited back via a connection-scope WINDOW_UPDATE.
type DataReceived struct {
	ID                   uint32
	Data                 []byte
	FlowControlledLength uint32
}

func (e DataReceived) StreamID() uint32 { return e.ID }

// StreamEnded signals the peer set END_STREAM.
type StreamEnded struct {
	ID uint32
}

func (e StreamEnded) StreamID() uint32 { return e.ID }

// StreamReset signals the peer sent RST_STREAM. It is produced but not
// specially handled by Connection.Post's drain loop — a reset stream is
// only discovered once its caller's deadline passes.
type StreamReset struct {
	ID      uint32
	ErrCode http2.ErrCode
}

func (e StreamReset) StreamID() uint32 { return e.ID }

// RemoteSettingsChanged carries the subset of peer SETTINGS values this
// module cares about (currently only MAX_CONCURRENT_STREAMS).
type RemoteSettingsChanged struct {
	MaxConcurrentStreams *uint32
}

func (e RemoteSettingsChanged) StreamID() uint32 { return 0 }

// ConnectionTerminated signals a GOAWAY. AdditionalData is the frame's
// raw debug data, if any.
type ConnectionTerminated struct {
	ErrCode        http2.ErrCode
	AdditionalData []byte
}

func (e ConnectionTerminated) StreamID() uint32 { return 0 }

// WindowUpdated signals a WINDOW_UPDATE; ID is 0 for a connection-scope
// update.
type WindowUpdated struct {
	ID        uint32
	Increment uint32
}

func (e WindowUpdated) StreamID() uint32 { return e.ID }
