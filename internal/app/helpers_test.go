package app

import (
	"sync"
	"testing"

	"github.com/dkeye/callrelay/internal/core"
	"github.com/dkeye/callrelay/internal/domain"
	"github.com/dkeye/callrelay/internal/wire"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrConnClosed
	}
	if c.full {
		return core.ErrBackpressure
	}
	c.frames = append(c.frames, append(core.Frame(nil), f...))
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) events(t *testing.T) []wire.Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Frame, 0, len(c.frames))
	for _, raw := range c.frames {
		f, err := wire.Decode(raw)
		if err != nil {
			t.Fatalf("decode pushed frame: %v", err)
		}
		out = append(out, f)
	}
	return out
}

func (c *fakeConn) only(t *testing.T) domain.Notification {
	t.Helper()
	evs := c.events(t)
	if len(evs) != 1 {
		t.Fatalf("got %d frames, want 1", len(evs))
	}
	n, err := wire.DecodeNotification(evs[0])
	if err != nil {
		t.Fatalf("DecodeNotification: %v", err)
	}
	return n
}

// join connects a fake socket as cid and binds it to user.
func join(o *Orchestrator, cid domain.ConnID, user domain.UserID) *fakeConn {
	c := &fakeConn{}
	o.Connect(cid, c, func() {})
	o.Join(cid, user)
	return c
}
