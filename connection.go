package conn

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/aapns/conn/internal/h2engine"
)

// State is a Connection's lifecycle stage.
type State int32

const (
	// StateNew is the zero value. newConnection moves a Connection to
	// StateStarting as soon as it allocates it, so State never
	// reports StateNew.
	StateNew State = iota
	// StateStarting covers the initial HTTP/2 preface/SETTINGS exchange
	// that newConnection performs over an already dialed and
	// handshaken transport.
	StateStarting
	// StateOpen is the steady state: background_read/background_write
	// are running and Post may be called.
	StateOpen
	// StateClosing means Close has been called, or the peer/transport
	// has signaled termination, and teardown is in progress.
	StateClosing
	// StateClosed is terminal: no further Posts will succeed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is a single long-lived, multiplexed HTTP/2 client
// connection specialized for APNs-style request/response traffic:
// small JSON request bodies, small JSON response bodies, one stream
// per Post call. It runs two background goroutines that do I/O (a
// reader and a writer), plus one that waits for both to exit and then
// runs finish; every caller goroutine that calls Post participates
// directly rather than through a third arbiter goroutine, with mu
// providing the mutual exclusion a single-threaded event loop would
// otherwise get for free (see DESIGN.md).
type Connection struct {
	host string
	port int

	conn net.Conn
	sock *h2engine.Socket
	eng  *h2engine.Engine
	log  logrus.FieldLogger

	state state32

	mu                  sync.Mutex
	channels            map[uint32]*Channel
	openOutboundStreams int
	remoteMaxConcurrent uint32
	lastStreamIDGot     uint32
	lastStreamIDSent    uint32
	outcome             string

	writeReady *signal
	closed     *signal
}

// state32 is an atomic.Int32-backed holder for State; it exists so
// State transitions are visible across goroutines without a lock.
type state32 struct{ v atomic.Int32 }

func (s *state32) set(v State) { s.v.Store(int32(v)) }
func (s *state32) get() State  { return State(s.v.Load()) }

// Create dials host:port, performs a TLS handshake (tlsConfig, or
// NewTLSConfig(host) if nil), exchanges the HTTP/2 preface and initial
// SETTINGS, and starts the connection's reader and writer goroutines.
// ctx bounds the dial and handshake only; once Create returns, the
// connection's lifetime is controlled by Close.
func Create(ctx context.Context, host string, port int, tlsConfig *tls.Config) (*Connection, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialCtx, cancel := context.WithTimeout(ctx, ConnectionTimeout)
	defer cancel()

	var d net.Dialer
	raw, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "apns2/conn: dial")
	}

	if tlsConfig == nil {
		tlsConfig = NewTLSConfig(host)
	}
	tlsCtx, cancelTLS := context.WithTimeout(ctx, TLSTimeout)
	defer cancelTLS()

	tconn := tls.Client(raw, tlsConfig)
	if err := tconn.HandshakeContext(tlsCtx); err != nil {
		raw.Close()
		return nil, errors.Wrap(err, "apns2/conn: tls handshake")
	}

	return newConnection(tconn, host, port)
}

// newConnection takes an already-established transport (a *tls.Conn
// from Create, or a bare net.Conn in tests) and brings up the HTTP/2
// engine and background goroutines on top of it.
func newConnection(transport net.Conn, host string, port int) (*Connection, error) {
	c := &Connection{
		host:                host,
		port:                port,
		conn:                transport,
		channels:            make(map[uint32]*Channel),
		remoteMaxConcurrent: initialMaxConcurrentStreams,
		writeReady:          newSignal(),
		closed:              newSignal(),
		log: logrus.WithFields(logrus.Fields{
			"component": "conn",
			"origin":    fmt.Sprintf("%s:%d", host, port),
		}),
	}
	c.state.set(StateStarting)

	c.sock = h2engine.NewSocket(transport)
	c.eng = h2engine.New(c.sock, c.log)

	if err := c.eng.Initiate(); err != nil {
		transport.Close()
		c.state.set(StateClosed)
		return nil, errors.Wrap(err, "apns2/conn: sending preface")
	}
	if err := c.eng.IncrementWindow(0, ConnectionWindowSize-h2engine.DefaultWindowSize); err != nil {
		transport.Close()
		c.state.set(StateClosed)
		return nil, errors.Wrap(err, "apns2/conn: raising connection window")
	}
	if err := c.eng.Flush(); err != nil {
		transport.Close()
		c.state.set(StateClosed)
		return nil, errors.Wrap(err, "apns2/conn: flushing preface")
	}

	eg := &errgroup.Group{}
	eg.Go(c.backgroundRead)
	eg.Go(c.backgroundWrite)
	go func() {
		err := eg.Wait()
		condLog(c.log, err, "background task exited")
		c.finish(err)
	}()

	c.state.set(StateOpen)
	c.log.Debug("connection open")
	return c, nil
}

// backgroundRead is one of the connection's two permanent background
// tasks: it blocks on the socket, translates each frame into events,
// and dispatches them to the owning stream's Channel.
func (c *Connection) backgroundRead() error {
	for {
		events, err := c.eng.ReadFrame()
		if err != nil {
			c.mu.Lock()
			c.beginClosingLocked()
			c.mu.Unlock()
			return err
		}
		// ReadFrame may have buffered a SETTINGS or PING ack.
		c.writeReady.Set()
		if len(events) == 0 {
			continue
		}
		c.mu.Lock()
		for _, ev := range events {
			c.dispatch(ev)
		}
		c.mu.Unlock()
	}
}

// backgroundWrite is the connection's other permanent background
// task: it wakes whenever Post, await or backgroundRead has buffered
// bytes, and
// flushes them. A dedicated goroutine rather than having each caller
// flush directly keeps writes serialized. Flush goes through eng,
// which guards the socket with its own lock rather than mu, so a slow
// peer stalling this call never blocks backgroundRead's dispatch of
// frames already off the wire.
func (c *Connection) backgroundWrite() error {
	for {
		c.writeReady.Clear()
		c.mu.Lock()
		closing := c.state.get() >= StateClosing
		c.mu.Unlock()
		if closing {
			return nil
		}
		if c.eng.Buffered() == 0 {
			<-c.writeReady.C()
			continue
		}
		if err := c.eng.Flush(); err != nil {
			c.mu.Lock()
			c.beginClosingLocked()
			c.mu.Unlock()
			return err
		}
	}
}

// dispatch applies one event to connection- or stream-scope state.
// Callers must hold mu.
func (c *Connection) dispatch(ev h2engine.Event) {
	switch ev := ev.(type) {
	case h2engine.ConnectionTerminated:
		if c.outcome == "" {
			c.outcome = goawayReason(ev)
		}
		c.beginClosingLocked()
		return
	case h2engine.RemoteSettingsChanged:
		if ev.MaxConcurrentStreams != nil {
			c.remoteMaxConcurrent = *ev.MaxConcurrentStreams
		}
		return
	case h2engine.WindowUpdated:
		if ev.ID == 0 {
			return
		}
	case h2engine.StreamEnded:
		if _, ok := c.channels[ev.ID]; ok {
			c.openOutboundStreams--
		}
	}

	id := ev.StreamID()
	if id == 0 {
		return
	}
	if id > c.lastStreamIDGot {
		c.lastStreamIDGot = id
	}
	if ch, ok := c.channels[id]; ok {
		ch.append(ev)
	}
}

// goawayReason derives the outcome string for a GOAWAY, preferring the
// most specific form available: additional_data parsed as a
// {"reason": "..."} JSON object, then additional_data's first 100
// bytes taken as plain text, then the bare error code.
func goawayReason(ev h2engine.ConnectionTerminated) string {
	if len(ev.AdditionalData) > 0 {
		var parsed struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(ev.AdditionalData, &parsed); err == nil && parsed.Reason != "" {
			return parsed.Reason
		}
		data := ev.AdditionalData
		if len(data) > 100 {
			data = data[:100]
		}
		return string(data)
	}
	return ev.ErrCode.String()
}

// beginClosingLocked marks the connection closing and unsticks both
// background goroutines by forcing an immediate read/write deadline,
// the idiomatic Go analogue of cancelling the Python tasks. Callers
// must hold mu.
func (c *Connection) beginClosingLocked() {
	if c.state.get() >= StateClosing {
		return
	}
	c.state.set(StateClosing)
	c.conn.SetDeadline(time.Now())
	c.writeReady.Set()
}

// finish runs once both background goroutines have returned. It
// records an outcome if dispatch never saw a GOAWAY, closes the
// transport, wakes every still-waiting Post, and flips the state to
// closed.
func (c *Connection) finish(bgErr error) {
	c.mu.Lock()
	if c.outcome == "" {
		if bgErr != nil {
			c.outcome = bgErr.Error()
		} else {
			c.outcome = "closed"
		}
	}
	c.state.set(StateClosed)
	c.conn.Close()
	for _, ch := range c.channels {
		ch.wakeup.Set()
	}
	c.mu.Unlock()
	c.closed.Set()
	c.log.WithField("outcome", c.outcome).Debug("connection closed")
}

// Close requests an orderly shutdown: it stops accepting new Posts,
// unsticks the background goroutines, and waits for them to exit
// before returning. Close is idempotent and safe to call more than
// once or concurrently with in-flight Posts.
func (c *Connection) Close() {
	c.mu.Lock()
	c.beginClosingLocked()
	c.mu.Unlock()
	<-c.closed.C()
}

// Post sends req to path (applied when req was built) over a fresh
// stream and blocks until a complete Response arrives, the request's
// deadline passes, or the connection closes. Post may be called
// concurrently by any number of goroutines.
func (c *Connection) Post(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()

	if req.Deadline != nil && !time.Now().Before(*req.Deadline) {
		c.mu.Unlock()
		return nil, &TimeoutError{Message: "deadline already passed"}
	}
	if c.state.get() >= StateClosing {
		reason := c.outcome
		c.mu.Unlock()
		return nil, &ClosedError{Reason: reason}
	}
	if c.blockedLocked() {
		c.mu.Unlock()
		return nil, &BlockedError{}
	}

	id, err := c.eng.NextStreamID()
	if err != nil {
		c.mu.Unlock()
		return nil, errors.Wrap(err, "apns2/conn: allocating stream")
	}

	ch := newChannel()
	c.channels[id] = ch
	c.openOutboundStreams++
	c.lastStreamIDSent = id

	authority := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	headersErr := c.eng.SendHeaders(id, toEngineHeader(req.headerWith(authority)), false)
	var dataErr error
	if headersErr == nil {
		dataErr = c.eng.SendData(id, req.body, true)
	}
	if headersErr != nil {
		c.forgetStreamLocked(id)
		c.mu.Unlock()
		return nil, errors.Wrap(headersErr, "apns2/conn: sending headers")
	}
	if dataErr != nil {
		c.forgetStreamLocked(id)
		c.mu.Unlock()
		return nil, errors.Wrap(dataErr, "apns2/conn: sending body")
	}
	c.mu.Unlock()
	c.writeReady.Set()

	resp, err := c.await(ctx, id, ch, req.Deadline)
	if err != nil {
		c.mu.Lock()
		// The stream may still be live on the peer's side; ask it to
		// stop rather than leaking state until GOAWAY or close.
		if _, stillOpen := c.channels[id]; stillOpen {
			if c.state.get() < StateClosing {
				c.eng.SendRSTStream(id)
			}
			c.forgetStreamLocked(id)
			c.mu.Unlock()
			c.writeReady.Set()
		} else {
			c.mu.Unlock()
		}
		return nil, err
	}
	return resp, nil
}

// await drains ch until a Response completes, the deadline passes, or
// the connection closes.
func (c *Connection) await(ctx context.Context, id uint32, ch *Channel, deadline *time.Time) (*Response, error) {
	header := map[string]string{}
	var body []byte

	for {
		ch.wakeup.Clear()

		c.mu.Lock()
		events := ch.drain()
		closing := c.state.get() >= StateClosing
		reason := c.outcome
		c.mu.Unlock()

		for _, ev := range events {
			switch ev := ev.(type) {
			case h2engine.ResponseReceived:
				for _, f := range ev.Header {
					header[f.Name] = f.Value
				}
			case h2engine.DataReceived:
				if len(body)+len(ev.Data) > MaxResponseSize {
					return nil, &ResponseTooLargeError{Limit: MaxResponseSize}
				}
				body = append(body, ev.Data...)
				if ev.FlowControlledLength > 0 {
					c.eng.IncrementWindow(0, ev.FlowControlledLength)
					c.eng.IncrementWindow(id, ev.FlowControlledLength)
					c.writeReady.Set()
				}
			case h2engine.StreamEnded:
				c.mu.Lock()
				delete(c.channels, id)
				c.eng.ForgetStream(id)
				c.mu.Unlock()
				return NewResponse(header, body)
			}
		}

		if closing {
			return nil, &ClosedError{Reason: reason}
		}

		var timer *time.Timer
		var timeoutCh <-chan time.Time
		if deadline != nil {
			d := time.Until(*deadline)
			if d <= 0 {
				return nil, &TimeoutError{}
			}
			timer = time.NewTimer(d)
			timeoutCh = timer.C
		}

		select {
		case <-ch.wakeup.C():
		case <-timeoutCh:
			return nil, &TimeoutError{}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// forgetStreamLocked removes a stream's bookkeeping without waiting
// for StreamEnded, used when Post fails before or shortly after
// submission. Callers must hold mu.
func (c *Connection) forgetStreamLocked(id uint32) {
	if _, ok := c.channels[id]; ok {
		delete(c.channels, id)
		c.openOutboundStreams--
	}
	c.eng.ForgetStream(id)
}

// blockedLocked reports whether a new Post should be refused outright
// rather than allocate a stream doomed to wait. Callers must hold mu.
func (c *Connection) blockedLocked() bool {
	if uint32(c.openOutboundStreams) >= c.remoteMaxConcurrent {
		return true
	}
	return c.eng.OutboundWindow() <= RequiredFreeSpace
}

func toEngineHeader(h Header) []h2engine.HeaderField {
	out := make([]h2engine.HeaderField, len(h))
	for i, f := range h {
		out[i] = h2engine.HeaderField{Name: f.Name, Value: f.Value}
	}
	return out
}

// State reports the connection's current lifecycle stage.
func (c *Connection) State() State { return c.state.get() }

// Buffered reports bytes queued to send but not yet flushed to the
// wire.
func (c *Connection) Buffered() int {
	return c.eng.Buffered()
}

// Pending reports the number of Posts that have allocated a stream
// but not yet completed, including ones whose stream has ended on the
// wire but whose Response is still being drained by the caller.
func (c *Connection) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

// Inflight reports the number of streams this connection has open
// with the peer right now: allocated, headers sent, but not yet
// END_STREAM in both directions. Maintained incrementally rather than
// recomputed from the channel table on every call (see DESIGN.md,
// open question #4).
func (c *Connection) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openOutboundStreams
}

// Blocked reports whether a Post right now would be refused because
// the peer's concurrent-stream limit or outbound flow-control window
// is exhausted.
func (c *Connection) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockedLocked()
}

// Outcome describes why a closing or closed connection is going away.
// It is empty while the connection is open.
func (c *Connection) Outcome() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}
