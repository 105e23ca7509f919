// Package registrytest provides in-memory channels for tests.
package registrytest

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrBroken is returned by a channel created with Broken
var ErrBroken = errors.New("channel broken")

// Channel records every frame it is sent
type Channel struct {
	mu          sync.Mutex
	frames      [][]byte
	broken      bool
	closed      bool
	closeCode   int
	closeReason string
	notify      chan struct{}
}

// New returns a working channel
func New() *Channel {
	return &Channel{notify: make(chan struct{}, 1024)}
}

// Broken returns a channel whose writes always fail
func Broken() *Channel {
	ch := New()
	ch.broken = true
	return ch
}

// Send records data, failing once the channel is broken or closed
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken || c.closed {
		return ErrBroken
	}
	c.frames = append(c.frames, append([]byte(nil), data...))
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close marks the channel closed and remembers the code and reason
func (c *Channel) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	return nil
}

// Break makes every later write fail
func (c *Channel) Break() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
}

// Closed reports whether Close was called and with what
func (c *Channel) Closed() (bool, int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode, c.closeReason
}

// Messages decodes every recorded frame
func (c *Channel) Messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// OfType returns the recorded messages whose type field equals t
func (c *Channel) OfType(t string) []map[string]any {
	var out []map[string]any
	for _, m := range c.Messages() {
		if m["type"] == t {
			out = append(out, m)
		}
	}
	return out
}

// WaitFor blocks until a message of type t arrives or timeout elapses
func (c *Channel) WaitFor(t string, timeout time.Duration) (map[string]any, bool) {
	deadline := time.After(timeout)
	for {
		if msgs := c.OfType(t); len(msgs) > 0 {
			return msgs[len(msgs)-1], true
		}
		select {
		case <-c.notify:
		case <-deadline:
			return nil, false
		}
	}
}
