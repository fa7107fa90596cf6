package conn

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
)

// ErrAmbiguousDeadline is returned by NewRequest when both WithTimeout
// and WithDeadline are supplied; exactly one, or neither, is allowed.
var ErrAmbiguousDeadline = errors.New("apns2/conn: specify timeout or deadline, not both")

// ErrInvalidPath is returned by NewRequest when path does not start
// with "/".
var ErrInvalidPath = errors.New("apns2/conn: path must start with \"/\"")

// Request is an immutable descriptor of what to send: header fields in
// transmission order (not yet including :authority), a JSON-encoded
// body, and an absolute deadline. Deadline is nil when none was given.
type Request struct {
	header   Header
	body     []byte
	Deadline *time.Time
}

// RequestOption configures NewRequest's deadline handling.
type RequestOption func(*requestOpts)

type requestOpts struct {
	timeout     *time.Duration
	deadline    *time.Time
	timeoutSet  bool
	deadlineSet bool
}

// WithTimeout sets the request's deadline to time.Now().Add(d) at the
// moment NewRequest runs. Mutually exclusive with WithDeadline.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOpts) {
		o.timeout = &d
		o.timeoutSet = true
	}
}

// WithDeadline sets the request's absolute deadline. Mutually exclusive
// with WithTimeout.
func WithDeadline(t time.Time) RequestOption {
	return func(o *requestOpts) {
		o.deadline = &t
		o.deadlineSet = true
	}
}

// NewRequest builds a Request for path, with the given user headers (in
// submission order) and a JSON-serializable payload. path must start
// with "/". At most one of WithTimeout/WithDeadline may be supplied; if
// neither is, the request has no deadline.
//
// The encoded payload must be no larger than MaxNotificationPayloadSize;
// this is checked here, not in Post, so an oversize Request can never
// exist to begin with.
func NewRequest(path string, header Header, payload any, opts ...RequestOption) (*Request, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, ErrInvalidPath
	}

	var o requestOpts
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeoutSet && o.deadlineSet {
		return nil, ErrAmbiguousDeadline
	}

	var deadline *time.Time
	switch {
	case o.timeoutSet:
		d := time.Now().Add(*o.timeout)
		deadline = &d
	case o.deadlineSet:
		deadline = o.deadline
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "apns2/conn: encoding payload")
	}
	if len(body) > MaxNotificationPayloadSize {
		return nil, errors.Errorf("apns2/conn: payload of %d bytes exceeds limit of %d", len(body), MaxNotificationPayloadSize)
	}

	h := make(Header, 0, 3+len(header))
	h = append(h,
		HeaderField{Name: ":method", Value: "POST"},
		HeaderField{Name: ":scheme", Value: "https"},
		HeaderField{Name: ":path", Value: path},
	)
	h = append(h, header...)

	return &Request{header: h, body: body, Deadline: deadline}, nil
}

// headerWith returns the request's header fields including the
// :authority pseudo-header for the given host:port target, which always
// comes first.
func (r *Request) headerWith(authority string) Header {
	return r.header.withAuthority(authority)
}
