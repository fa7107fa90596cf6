package conn

import (
	"testing"
	"time"
)

func TestSignalSetThenWait(t *testing.T) {
	s := newSignal()
	s.Set()
	select {
	case <-s.C():
	case <-time.After(time.Second):
		t.Fatal("signal did not fire")
	}
}

func TestSignalClearRearms(t *testing.T) {
	s := newSignal()
	s.Set()
	s.Clear()
	select {
	case <-s.C():
		t.Fatal("signal should not be set after Clear")
	default:
	}
}

func TestSignalSetIsIdempotent(t *testing.T) {
	s := newSignal()
	s.Set()
	s.Set()
	select {
	case <-s.C():
	default:
		t.Fatal("signal should remain set")
	}
}

// TestSignalNoLostWakeup checks that after a Set/Clear cycle, a waiter
// holding the channel C returned after Clear is woken by the next Set,
// not left waiting on the one that existed before Clear.
func TestSignalNoLostWakeup(t *testing.T) {
	s := newSignal()
	s.Set()
	s.Clear()

	done := make(chan struct{})
	go func() {
		<-s.C()
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	s.Set()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up")
	}
}
