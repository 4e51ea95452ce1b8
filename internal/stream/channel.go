// Package stream provides a resilient one-directional push channel: it
// connects to a message source, delivers an ordered sequence of messages,
// and reconnects automatically with exponential backoff when the transport
// drops. Reconnection resumes live; missed messages are not replayed.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Reconnect policy defaults.
const (
	DefaultBaseDelay = 1 * time.Second
	DefaultMaxDelay  = 30 * time.Second
)

// ErrClosed is returned by Conn implementations after the channel was
// explicitly closed.
var ErrClosed = errors.New("stream channel closed")

// Conn is one established transport connection delivering messages until it
// fails or is closed.
type Conn interface {
	// ReadMessage blocks for the next message. Any error ends the
	// connection and triggers a reconnect.
	ReadMessage() ([]byte, error)

	// Close tears the connection down.
	Close() error
}

// Dialer establishes a transport connection.
type Dialer func(ctx context.Context) (Conn, error)

// ChannelConfig holds configuration for a Channel.
type ChannelConfig struct {
	Dialer Dialer
	Logger zerolog.Logger

	// BaseDelay is the reconnect delay after the first failure; it doubles
	// per consecutive failure up to MaxDelay and resets to BaseDelay on a
	// successful connection. Defaults: 1s base, 30s max.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Jitter is the randomization factor applied to each delay, in [0, 1).
	// Zero disables jitter.
	Jitter float64

	// Buffer is the delivery buffer size. Default: 64.
	Buffer int

	// OnReconnect, if set, observes each scheduled reconnect delay before
	// the wait begins.
	OnReconnect func(delay time.Duration)
}

// Channel is an auto-reconnecting push channel. Messages are delivered in
// order on Messages until Close is called; the channel has no natural end.
type Channel struct {
	cfg    ChannelConfig
	log    zerolog.Logger
	out    chan []byte
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   Conn
	closed bool
}

// Open creates a channel and starts connecting immediately.
func Open(ctx context.Context, cfg ChannelConfig) *Channel {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := &Channel{
		cfg:    cfg,
		log:    cfg.Logger.With().Str("component", "stream").Logger(),
		out:    make(chan []byte, cfg.Buffer),
		cancel: cancel,
	}

	go c.run(runCtx)
	return c
}

// Messages returns the ordered message stream. The channel is closed after
// Close.
func (c *Channel) Messages() <-chan []byte {
	return c.out
}

// Close stops the channel permanently. No reconnection attempt is made
// after Close, even if more data would have arrived.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.out)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BaseDelay
	bo.MaxInterval = c.cfg.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = c.cfg.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()

	// First connect is immediate.
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := c.cfg.Dialer(ctx)
		if err != nil {
			if !c.wait(ctx, bo) {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		// Connected: the next failure starts over from the base delay.
		bo.Reset()
		c.log.Debug().Msg("stream connected")

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		if !c.wait(ctx, bo) {
			return
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn Conn) {
	defer func() { _ = conn.Close() }()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug().Err(err).Msg("stream disconnected")
			}
			return
		}
		select {
		case c.out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// wait sleeps for the next backoff delay. It returns false when the
// context ended during the wait.
func (c *Channel) wait(ctx context.Context, bo backoff.BackOff) bool {
	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		return false
	}
	if c.cfg.OnReconnect != nil {
		c.cfg.OnReconnect(delay)
	}
	c.log.Debug().Dur("delay", delay).Msg("stream reconnect scheduled")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
