package stream_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/internal/stream"
)

// scriptedConn plays back queued messages, then fails like a dropped peer.
type scriptedConn struct {
	mu       sync.Mutex
	messages [][]byte
}

func newScriptedConn(messages ...string) *scriptedConn {
	c := &scriptedConn{}
	for _, m := range messages {
		c.messages = append(c.messages, []byte(m))
	}
	return c
}

func (c *scriptedConn) ReadMessage() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return nil, errors.New("connection lost")
	}
	msg := c.messages[0]
	c.messages = c.messages[1:]
	return msg, nil
}

func (c *scriptedConn) Close() error { return nil }

// idleConn delivers nothing and blocks until closed, like a silent peer.
type idleConn struct {
	closed chan struct{}
	once   sync.Once
}

func newIdleConn() *idleConn {
	return &idleConn{closed: make(chan struct{})}
}

func (c *idleConn) ReadMessage() ([]byte, error) {
	<-c.closed
	return nil, errors.New("connection lost")
}

func (c *idleConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// delayRecorder captures scheduled reconnect delays.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) record(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
}

func (r *delayRecorder) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func TestChannel_DeliversMessagesInOrder(t *testing.T) {
	conn := newScriptedConn("a", "b", "c")
	dialer := func(context.Context) (stream.Conn, error) { return conn, nil }

	ch := stream.Open(context.Background(), stream.ChannelConfig{
		Dialer:    dialer,
		Logger:    zerolog.Nop(),
		BaseDelay: time.Hour, // no reconnect within the test
	})
	defer ch.Close()

	want := []string{"a", "b", "c"}
	for i, expected := range want {
		select {
		case msg := <-ch.Messages():
			if string(msg) != expected {
				t.Fatalf("position %d: expected %q, got %q", i, expected, msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestChannel_BackoffGrowsToCapAndResets(t *testing.T) {
	const failuresBeforeSuccess = 6

	var mu sync.Mutex
	attempts := 0
	dialer := func(context.Context) (stream.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts <= failuresBeforeSuccess {
			return nil, errors.New("dial refused")
		}
		return newScriptedConn("connected"), nil
	}

	recorder := &delayRecorder{}
	ch := stream.Open(context.Background(), stream.ChannelConfig{
		Dialer:      dialer,
		Logger:      zerolog.Nop(),
		BaseDelay:   time.Millisecond,
		MaxDelay:    8 * time.Millisecond,
		OnReconnect: recorder.record,
	})
	defer ch.Close()

	select {
	case msg := <-ch.Messages():
		if string(msg) != "connected" {
			t.Fatalf("unexpected message %q", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel never connected")
	}

	delays := recorder.snapshot()
	if len(delays) < failuresBeforeSuccess {
		t.Fatalf("expected at least %d scheduled delays, got %d", failuresBeforeSuccess, len(delays))
	}

	// Doubling from base up to the cap, never beyond.
	for i := 1; i < failuresBeforeSuccess; i++ {
		if delays[i] < delays[i-1] {
			t.Errorf("delay %d (%v) shrank from %v before any success", i, delays[i], delays[i-1])
		}
	}
	for i, d := range delays[:failuresBeforeSuccess] {
		if d > 8*time.Millisecond {
			t.Errorf("delay %d (%v) exceeds the cap", i, d)
		}
	}
	if delays[0] != time.Millisecond {
		t.Errorf("first delay should be the base, got %v", delays[0])
	}
}

func TestChannel_ResetsBackoffAfterSuccess(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	dialer := func(context.Context) (stream.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		switch {
		case attempts <= 3:
			return nil, errors.New("dial refused")
		case attempts == 4:
			// Connects, delivers one message, then dies.
			return newScriptedConn("up"), nil
		default:
			return nil, errors.New("dial refused")
		}
	}

	recorder := &delayRecorder{}
	ch := stream.Open(context.Background(), stream.ChannelConfig{
		Dialer:      dialer,
		Logger:      zerolog.Nop(),
		BaseDelay:   time.Millisecond,
		MaxDelay:    32 * time.Millisecond,
		OnReconnect: recorder.record,
	})
	defer ch.Close()

	select {
	case <-ch.Messages():
		// The fourth dial succeeded; its conn dies right after this
		// message, forcing a reconnect.
	case <-time.After(5 * time.Second):
		t.Fatal("channel never connected")
	}

	// Wait until the post-success reconnect schedule is observable.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if len(recorder.snapshot()) >= 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no reconnect scheduled after the connection dropped")
		}
		time.Sleep(time.Millisecond)
	}

	delays := recorder.snapshot()
	// Delays 0..2 precede the successful dial and double each time; the
	// first delay after the success starts over from the base.
	if delays[3] != time.Millisecond {
		t.Errorf("expected post-success delay to reset to base, got %v", delays[3])
	}
	if delays[2] <= delays[0] {
		t.Errorf("pre-success delays never grew: %v", delays[:3])
	}
}

func TestChannel_CloseStopsReconnecting(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	dialer := func(context.Context) (stream.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return nil, errors.New("dial refused")
	}

	ch := stream.Open(context.Background(), stream.ChannelConfig{
		Dialer:    dialer,
		Logger:    zerolog.Nop(),
		BaseDelay: time.Millisecond,
		MaxDelay:  time.Millisecond,
	})

	// Let a few attempts happen, then close.
	time.Sleep(20 * time.Millisecond)
	ch.Close()
	ch.Close() // safe to call twice

	select {
	case _, open := <-ch.Messages():
		if open {
			t.Fatal("unexpected message from a failing channel")
		}
	case <-time.After(time.Second):
		t.Fatal("messages channel not closed after Close")
	}

	mu.Lock()
	settled := attempts
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	after := attempts
	mu.Unlock()

	if after != settled {
		t.Errorf("dialer called %d more times after Close", after-settled)
	}
}

func TestChannel_CloseDuringConnection(t *testing.T) {
	conn := newIdleConn()
	dialer := func(context.Context) (stream.Conn, error) { return conn, nil }

	ch := stream.Open(context.Background(), stream.ChannelConfig{
		Dialer: dialer,
		Logger: zerolog.Nop(),
	})

	// Give the channel time to establish, then close while the conn is
	// blocked in ReadMessage.
	time.Sleep(10 * time.Millisecond)
	ch.Close()

	select {
	case _, open := <-ch.Messages():
		if open {
			t.Fatal("unexpected message")
		}
	case <-time.After(time.Second):
		t.Fatal("messages channel not closed after Close")
	}
}
