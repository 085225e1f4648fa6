package coretest

import (
	"encoding/json"
	"sync"

	"github.com/dkeye/Stage/internal/core"
)

// Conn is a core.SignalConnection that keeps every frame it accepts.
type Conn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
	full   bool
}

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// SetFull makes TrySend report backpressure.
func (c *Conn) SetFull(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = full
}

// Messages decodes every frame into a generic map.
func (c *Conn) Messages() []map[string]any {
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

// Types lists the type field of every frame in order.
func (c *Conn) Types() []string {
	var out []string
	for _, m := range c.Messages() {
		t, _ := m["type"].(string)
		out = append(out, t)
	}
	return out
}

// Of returns every message with the given type.
func (c *Conn) Of(typ string) []map[string]any {
	var out []map[string]any
	for _, m := range c.Messages() {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// Last decodes the most recent frame of the given type into v.
func (c *Conn) Last(typ string, v any) bool {
	c.mu.Lock()
	frames := append([]core.Frame(nil), c.frames...)
	c.mu.Unlock()
	for i := len(frames) - 1; i >= 0; i-- {
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(frames[i], &probe) != nil || probe.Type != typ {
			continue
		}
		return json.Unmarshal(frames[i], v) == nil
	}
	return false
}

func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}
