// Package mock provides in-memory implementations of [transport.Dialer] and
// [transport.Channel] for tests.
//
// A [Channel] plays the backend side: tests push inbound messages with
// [Channel.Deliver] and inspect what the client wrote with
// [Channel.WrittenTypes]. [Dialer] hands out a fresh Channel per Dial and can
// acknowledge it automatically.
package mock

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/MrWong99/parley/internal/transport"
)

var (
	_ transport.Dialer  = (*Dialer)(nil)
	_ transport.Channel = (*Channel)(nil)
)

// ErrClosed is returned by Read and Write after the channel is closed.
var ErrClosed = errors.New("mock: channel closed")

// ─── Channel ──────────────────────────────────────────────────────────────────

// Channel is a mock [transport.Channel].
type Channel struct {
	in        chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte

	// OnWrite, if set, is called with every message the client writes. It
	// runs on the writer's goroutine; use it to answer pings.
	OnWrite func(c *Channel, data []byte)

	// WriteErr is returned by Write when set.
	WriteErr error
}

// NewChannel returns an open channel with a 256-message inbound buffer.
func NewChannel() *Channel {
	return &Channel{
		in:   make(chan []byte, 256),
		done: make(chan struct{}),
	}
}

// Deliver marshals v and queues it for the client to read.
func (c *Channel) Deliver(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	c.DeliverRaw(data)
}

// DeliverRaw queues data for the client to read as-is.
func (c *Channel) DeliverRaw(data []byte) {
	select {
	case c.in <- data:
	case <-c.done:
	}
}

// Read implements [transport.Channel]. Queued messages are drained before a
// close is reported.
func (c *Channel) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	default:
	}
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write implements [transport.Channel].
func (c *Channel) Write(_ context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	if c.WriteErr != nil {
		err := c.WriteErr
		c.mu.Unlock()
		return err
	}
	c.written = append(c.written, append([]byte(nil), data...))
	hook := c.OnWrite
	c.mu.Unlock()
	if hook != nil {
		hook(c, data)
	}
	return nil
}

// Close implements [transport.Channel]. Tests call it to simulate the
// backend dropping the connection. Idempotent.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Written returns copies of every message the client wrote.
func (c *Channel) Written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.written))
	copy(out, c.written)
	return out
}

// WrittenTypes returns the "type" field of every message the client wrote.
func (c *Channel) WrittenTypes() []string {
	var types []string
	for _, data := range c.Written() {
		var msg struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(data, &msg)
		types = append(types, msg.Type)
	}
	return types
}

// ─── Dialer ───────────────────────────────────────────────────────────────────

// Dialer is a mock [transport.Dialer].
type Dialer struct {
	mu       sync.Mutex
	channels []*Channel
	urls     []string

	// AutoAck makes every new channel deliver {"type":"connected"} at once.
	AutoAck bool

	// DialErr is returned by Dial when DialFunc is nil.
	DialErr error

	// DialFunc, if set, overrides the default behaviour. attempt starts at 1.
	DialFunc func(attempt int) (*Channel, error)

	// OnWrite is installed on every channel created by the dialer.
	OnWrite func(c *Channel, data []byte)
}

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(_ context.Context, url string) (transport.Channel, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	attempt := len(d.urls)
	fn, dialErr, autoAck, onWrite := d.DialFunc, d.DialErr, d.AutoAck, d.OnWrite
	d.mu.Unlock()

	var ch *Channel
	if fn != nil {
		var err error
		if ch, err = fn(attempt); err != nil {
			return nil, err
		}
	} else {
		if dialErr != nil {
			return nil, dialErr
		}
		ch = NewChannel()
	}
	if ch.OnWrite == nil {
		ch.OnWrite = onWrite
	}
	if autoAck {
		ch.Deliver(map[string]string{"type": "connected"})
	}

	d.mu.Lock()
	d.channels = append(d.channels, ch)
	d.mu.Unlock()
	return ch, nil
}

// CallCount returns the number of Dial calls, including failed ones.
func (d *Dialer) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// URLs returns the dialled URLs in order.
func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Last returns the most recently created channel, or nil.
func (d *Dialer) Last() *Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}
