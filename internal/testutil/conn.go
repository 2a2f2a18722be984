// Package testutil holds in-memory doubles shared by package tests.
package testutil

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/constellation/internal/core"
)

// Conn is a core.SignalConnection that records every frame it is sent.
type Conn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
	full   bool
}

func NewConn() *Conn { return &Conn{} }

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, append(core.Frame(nil), f...))
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetFull makes every following TrySend fail with backpressure.
func (c *Conn) SetFull(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = full
}

// Messages decodes every recorded frame.
func (c *Conn) Messages() []core.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		env, err := core.Decode(f)
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out
}

// OfType returns the payloads of recorded messages with the given type.
func (c *Conn) OfType(typ string) []json.RawMessage {
	var out []json.RawMessage
	for _, env := range c.Messages() {
		if env.Type == typ {
			out = append(out, env.Data)
		}
	}
	return out
}

// Last decodes the payload of the most recent message of typ into v.
func (c *Conn) Last(typ string, v any) bool {
	msgs := c.OfType(typ)
	if len(msgs) == 0 {
		return false
	}
	return json.Unmarshal(msgs[len(msgs)-1], v) == nil
}
