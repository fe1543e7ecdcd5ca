// Package cancel provides cancellation tokens that compose with operations
// which are started, or become cancellable, after the cancel request.
package cancel

import (
	"context"
	"sync"
)

// Chain cancels every operation linked to it. Operations linked after the
// chain has been cancelled are cancelled immediately.
// The zero value is ready to use.
type Chain struct {
	mu        sync.Mutex
	cancelled bool
	nextID    uint64
	links     []link
}

type link struct {
	id     uint64
	cancel func()
}

// Link registers cancel with the chain and returns a function that removes
// it again. If the chain is already cancelled, cancel is called before Link
// returns.
func (c *Chain) Link(cancel func()) (unlink func()) {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		cancel()
		return func() {}
	}
	c.nextID++
	id := c.nextID
	c.links = append(c.links, link{id: id, cancel: cancel})
	c.mu.Unlock()

	return func() { c.unlink(id) }
}

func (c *Chain) unlink(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, l := range c.links {
		if l.id == id {
			c.links = append(c.links[:i], c.links[i+1:]...)
			return
		}
	}
}

// Context returns a child of parent that is cancelled together with the
// chain. The returned stop function releases it.
func (c *Chain) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	unlink := c.Link(cancel)
	return ctx, func() {
		unlink()
		cancel()
	}
}

// Cancel cancels all linked operations in link order. It is idempotent.
func (c *Chain) Cancel() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	links := c.links
	c.links = nil
	c.mu.Unlock()

	for _, l := range links {
		l.cancel()
	}
}

// Cancelled reports whether Cancel has been called.
func (c *Chain) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Deferred holds a cancel request until the operation it applies to is
// connected. Connecting after Cancel cancels the operation immediately.
// The zero value is ready to use.
type Deferred struct {
	mu        sync.Mutex
	cancelled bool
	cancel    func()
}

// Connect attaches the operation's cancel function. A later Connect
// replaces an earlier one.
func (d *Deferred) Connect(cancel func()) {
	d.mu.Lock()
	if d.cancelled {
		d.mu.Unlock()
		cancel()
		return
	}
	d.cancel = cancel
	d.mu.Unlock()
}

// Cancel cancels the connected operation, or the next one to connect.
func (d *Deferred) Cancel() {
	d.mu.Lock()
	if d.cancelled {
		d.mu.Unlock()
		return
	}
	d.cancelled = true
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Cancelled reports whether Cancel has been called.
func (d *Deferred) Cancelled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled
}
