package h2engine

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Local SETTINGS this module advertises at startup.
const (
	localMaxConcurrentStreams = 1 << 20
	localMaxHeaderListSize    = 1<<16 - 1
	localInitialWindowSize    = 1 << 16 // matches MaxResponseSize

	defaultRemoteMaxFrameSize = 16384 // RFC 7540 §6.5.2 default
	defaultRemoteWindowSize   = 65535 // RFC 7540 §6.9.2 default

	// DefaultWindowSize is RFC 7540's default inbound/outbound window,
	// exported so callers can compute the WINDOW_UPDATE increment needed
	// to raise a window to some larger target.
	DefaultWindowSize = defaultRemoteWindowSize
)

// ErrStreamsExhausted is returned by NextStreamID once the client
// stream-id space (odd numbers up to 2^31-1) is used up.
var ErrStreamsExhausted = errors.New("h2engine: client stream ids exhausted")

// ErrFlowControl is returned by SendData if the outbound window will
// not accommodate data without violating HTTP/2 flow control. Callers
// are expected to have already consulted OutboundWindow/Blocked, so
// this only fires on a bookkeeping bug or an unusually small peer
// window.
var ErrFlowControl = errors.New("h2engine: insufficient outbound flow-control window")

// Engine is a thin adapter over golang.org/x/net/http2: it encodes
// outbound HEADERS/DATA/WINDOW_UPDATE/SETTINGS frames into a Socket's
// write buffer, and decodes inbound frames into Events. It keeps its
// own flow-control and stream-id bookkeeping, since x/net/http2's
// Framer is pure frame codec with no protocol state machine above it.
//
// Every method except the blocking wait inside ReadFrame is guarded by
// mu: ReadFrame itself auto-acks SETTINGS and PING and folds
// WINDOW_UPDATE/SETTINGS deltas into the same fields SendData and
// NextStreamID read and mutate, so a caller that runs ReadFrame on one
// goroutine and SendHeaders/SendData on another needs those to be
// mutually exclusive. Only the frame-codec's read side
// (e.fr.ReadFrame) sits outside mu, since it can legitimately block for
// as long as the peer takes to send the next frame and touches no
// state any other method reaches.
type Engine struct {
	sock *Socket
	fr   *http2.Framer

	hpackEnc *hpack.Encoder
	hpackBuf *bytes.Buffer

	log logrus.FieldLogger

	mu sync.Mutex

	nextStreamID uint32

	remoteMaxFrameSize uint32
	connSendWindow     int32
	streamSendWindow   map[uint32]int32
}

// New builds an Engine over sock. Nothing is written until Initiate is
// called.
func New(sock *Socket, log logrus.FieldLogger) *Engine {
	fr := http2.NewFramer(sock.W, sock.R)
	fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	fr.MaxHeaderListSize = localMaxHeaderListSize

	buf := &bytes.Buffer{}
	return &Engine{
		sock:               sock,
		fr:                 fr,
		hpackEnc:           hpack.NewEncoder(buf),
		hpackBuf:           buf,
		log:                log,
		nextStreamID:       1,
		remoteMaxFrameSize: defaultRemoteMaxFrameSize,
		connSendWindow:     defaultRemoteWindowSize,
		streamSendWindow:   make(map[uint32]int32),
	}
}

// Initiate buffers the client connection preface and this module's
// initial SETTINGS frame. It does not flush; the caller does that with
// Flush.
func (e *Engine) Initiate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.sock.W.Write([]byte(http2.ClientPreface)); err != nil {
		return fmt.Errorf("h2engine: writing preface: %w", err)
	}
	return e.fr.WriteSettings(
		http2.Setting{ID: http2.SettingEnablePush, Val: 0},
		http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: localMaxConcurrentStreams},
		http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: localMaxHeaderListSize},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: localInitialWindowSize},
	)
}

// IncrementWindow buffers a WINDOW_UPDATE for streamID (0 for
// connection-scope).
func (e *Engine) IncrementWindow(streamID uint32, n uint32) error {
	if n == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fr.WriteWindowUpdate(streamID, n)
}

// NextStreamID mints and returns the next client stream id (odd,
// strictly increasing), or ErrStreamsExhausted once the id space is
// spent.
func (e *Engine) NextStreamID() (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.nextStreamID > (1<<31 - 1) {
		return 0, ErrStreamsExhausted
	}
	id := e.nextStreamID
	e.nextStreamID += 2
	e.streamSendWindow[id] = defaultRemoteWindowSize
	return id, nil
}

// SendHeaders hpack-encodes header and buffers a HEADERS frame.
func (e *Engine) SendHeaders(streamID uint32, header []HeaderField, endStream bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hpackBuf.Reset()
	for _, f := range header {
		if err := e.hpackEnc.WriteField(hpack.HeaderField{Name: f.Name, Value: f.Value}); err != nil {
			return fmt.Errorf("h2engine: encoding header %q: %w", f.Name, err)
		}
	}
	block := e.hpackBuf.Bytes()
	// Small APNs request headers always fit one frame; CONTINUATION for
	// outbound headers is not implemented.
	return e.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: block,
		EndStream:     endStream,
		EndHeaders:    true,
	})
}

// SendData buffers one or more DATA frames carrying data, splitting on
// the peer's advertised max frame size, and debits both the
// connection- and stream-scope outbound windows.
func (e *Engine) SendData(streamID uint32, data []byte, endStream bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if int32(len(data)) > e.connSendWindow || int32(len(data)) > e.streamSendWindow[streamID] {
		return ErrFlowControl
	}
	if len(data) == 0 {
		return e.fr.WriteData(streamID, endStream, nil)
	}
	for len(data) > 0 {
		n := int(e.remoteMaxFrameSize)
		if n > len(data) {
			n = len(data)
		}
		chunk := data[:n]
		data = data[n:]
		last := len(data) == 0
		if err := e.fr.WriteData(streamID, endStream && last, chunk); err != nil {
			return err
		}
		e.connSendWindow -= int32(n)
		e.streamSendWindow[streamID] -= int32(n)
	}
	return nil
}

// SendRSTStream buffers an RST_STREAM(CANCEL), used when Post abandons
// a stream that is still live on the wire.
func (e *Engine) SendRSTStream(streamID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fr.WriteRSTStream(streamID, http2.ErrCodeCancel)
}

// ForgetStream drops bookkeeping for a stream once Connection removes
// it from its table.
func (e *Engine) ForgetStream(streamID uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.streamSendWindow, streamID)
}

// OutboundWindow returns the remaining connection-scope outbound
// flow-control credit.
func (e *Engine) OutboundWindow() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connSendWindow
}

// Flush writes any buffered frames to the underlying socket. It shares
// mu with the frame-encoding methods so a flush never interleaves with
// another goroutine's half-written frame, and never runs concurrently
// with ReadFrame's auto-acks either.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sock.Flush()
}

// Buffered reports how many bytes are queued for the next Flush.
func (e *Engine) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sock.Buffered()
}

// ReadFrame blocks for exactly one frame off the socket and translates
// it into zero or more Events. io.EOF (and other read errors) are
// returned unwrapped so the caller can distinguish "server closed the
// connection" from a protocol error.
func (e *Engine) ReadFrame() ([]Event, error) {
	f, err := e.fr.ReadFrame()
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch f := f.(type) {
	case *http2.MetaHeadersFrame:
		fields := make([]HeaderField, len(f.Fields))
		for i, hf := range f.Fields {
			fields[i] = HeaderField{Name: hf.Name, Value: hf.Value}
		}
		id := f.Header().StreamID
		events := []Event{ResponseReceived{ID: id, Header: fields}}
		if f.StreamEnded() {
			events = append(events, StreamEnded{ID: id})
		}
		return events, nil

	case *http2.DataFrame:
		id := f.Header().StreamID
		events := []Event{DataReceived{
			ID:                   id,
			Data:                 append([]byte(nil), f.Data()...),
			FlowControlledLength: f.Header().Length,
		}}
		if f.StreamEnded() {
			events = append(events, StreamEnded{ID: id})
		}
		return events, nil

	case *http2.WindowUpdateFrame:
		id := f.Header().StreamID
		if id == 0 {
			e.connSendWindow += int32(f.Increment)
		} else if _, ok := e.streamSendWindow[id]; ok {
			e.streamSendWindow[id] += int32(f.Increment)
		}
		return []Event{WindowUpdated{ID: id, Increment: f.Increment}}, nil

	case *http2.SettingsFrame:
		if f.IsAck() {
			return nil, nil
		}
		var changed *uint32
		_ = f.ForeachSetting(func(s http2.Setting) error {
			switch s.ID {
			case http2.SettingMaxConcurrentStreams:
				v := s.Val
				changed = &v
			case http2.SettingMaxFrameSize:
				e.remoteMaxFrameSize = s.Val
			case http2.SettingInitialWindowSize:
				e.adjustStreamWindows(int32(s.Val) - defaultRemoteWindowSize)
			}
			return nil
		})
		if err := e.fr.WriteSettingsAck(); err != nil {
			return nil, err
		}
		if changed == nil {
			return nil, nil
		}
		return []Event{RemoteSettingsChanged{MaxConcurrentStreams: changed}}, nil

	case *http2.PingFrame:
		if f.IsAck() {
			return nil, nil
		}
		if err := e.fr.WritePing(true, f.Data); err != nil {
			return nil, err
		}
		return nil, nil

	case *http2.GoAwayFrame:
		return []Event{ConnectionTerminated{
			ErrCode:        f.ErrCode,
			AdditionalData: append([]byte(nil), f.DebugData()...),
		}}, nil

	case *http2.RSTStreamFrame:
		return []Event{StreamReset{ID: f.Header().StreamID, ErrCode: f.ErrCode}}, nil

	default:
		if e.log != nil {
			e.log.Debugf("h2engine: ignoring frame %T", f)
		}
		return nil, nil
	}
}

// adjustStreamWindows applies a SETTINGS_INITIAL_WINDOW_SIZE delta to
// every currently tracked stream window, mirroring RFC 7540 §6.9.2.
func (e *Engine) adjustStreamWindows(delta int32) {
	if delta == 0 {
		return
	}
	for id, w := range e.streamSendWindow {
		e.streamSendWindow[id] = w + delta
	}
}
