package h2engine

import (
	"bufio"
	"net"
)

// socketBufferSize matches MaxResponseSize: reads up to 65536 bytes per
// syscall, realized as a bufio.Reader buffer rather than a fixed-size
// read loop.
const socketBufferSize = 1 << 16

// Socket is a single bidirectional framed byte stream over one live
// connection (normally a *tls.Conn). It buffers reads and writes so the
// Framer built on top of it issues few syscalls, and exposes Buffered
// and Flush so a caller can implement "batch whatever is pending, then
// drain" without reaching into bufio internals itself.
type Socket struct {
	conn net.Conn
	R    *bufio.Reader
	W    *bufio.Writer
}

// NewSocket wraps conn for framed HTTP/2 I/O.
func NewSocket(conn net.Conn) *Socket {
	return &Socket{
		conn: conn,
		R:    bufio.NewReaderSize(conn, socketBufferSize),
		W:    bufio.NewWriterSize(conn, socketBufferSize),
	}
}

// Buffered reports how many bytes are queued to send but not yet
// flushed to the wire.
func (s *Socket) Buffered() int {
	return s.W.Buffered()
}

// Flush writes any buffered bytes to the wire, blocking until the
// underlying write completes or fails.
func (s *Socket) Flush() error {
	return s.W.Flush()
}

// Conn returns the underlying connection, for deadline manipulation and
// final close.
func (s *Socket) Conn() net.Conn {
	return s.conn
}
