// Package inflight counts upstream work that must finish before the bridge
// exits.
package inflight

import (
	"context"
	"sync"
)

// Counter tracks outstanding work. The zero value is ready to use.
type Counter struct {
	mu    sync.Mutex
	count int64
	idle  chan struct{} // closed while count is zero
}

func (c *Counter) idleLocked() chan struct{} {
	if c.idle == nil {
		c.idle = make(chan struct{})
		if c.count == 0 {
			close(c.idle)
		}
	}
	return c.idle
}

// Inc registers one unit of work.
func (c *Counter) Inc() {
	c.mu.Lock()
	c.idleLocked()
	if c.count == 0 {
		c.idle = make(chan struct{})
	}
	c.count++
	c.mu.Unlock()
}

// Dec marks one unit done. Extra calls are ignored.
func (c *Counter) Dec() {
	c.mu.Lock()
	ch := c.idleLocked()
	if c.count > 0 {
		c.count--
		if c.count == 0 {
			close(ch)
		}
	}
	c.mu.Unlock()
}

// Load returns the outstanding count.
func (c *Counter) Load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// WaitForZero blocks until no work is outstanding, reporting false if ctx
// ended first.
func (c *Counter) WaitForZero(ctx context.Context) bool {
	c.mu.Lock()
	ch := c.idleLocked()
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}
