package conn

import "github.com/aapns/conn/internal/h2engine"

// Channel is a per-stream mailbox: the reader goroutine appends protocol
// events and signals wakeup; the caller task awaiting Post drains them.
// A Channel is created the moment Post allocates a stream id and is
// owned by that single caller goroutine for reading; the Connection's
// mutex guards writes to its fields from background_read.
type Channel struct {
	wakeup *signal
	events []h2engine.Event
	header map[string]string
	body   []byte
}

func newChannel() *Channel {
	return &Channel{wakeup: newSignal()}
}

// drain returns and clears the accumulated events. Callers must hold
// the owning Connection's mutex.
func (ch *Channel) drain() []h2engine.Event {
	if len(ch.events) == 0 {
		return nil
	}
	events := ch.events
	ch.events = nil
	return events
}

// append adds an event and signals wakeup. Callers must hold the owning
// Connection's mutex.
func (ch *Channel) append(ev h2engine.Event) {
	ch.events = append(ch.events, ev)
	ch.wakeup.Set()
}
