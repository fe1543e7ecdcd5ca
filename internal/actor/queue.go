package actor

import "sync"

type queuedCommand struct {
	cmd Command

	// attempt is the connection attempt that produced cmd, or zero for
	// commands submitted from outside. Commands from a superseded attempt
	// are dropped.
	attempt uint64
}

// commandQueue is an unbounded FIFO that discards commands made pointless
// by a newer one.
type commandQueue struct {
	mu     sync.Mutex
	items  []queuedCommand
	signal chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{signal: make(chan struct{}, 1)}
}

// push enqueues c. A Stop discards everything queued before it, and a
// Reconnect replaces a Reconnect at the tail unless that one asked for
// different preselected relays.
func (q *commandQueue) push(c queuedCommand) {
	q.mu.Lock()
	switch c.cmd.(type) {
	case Stop:
		clear(q.items)
		q.items = q.items[:0]
		q.items = append(q.items, c)
	case Reconnect:
		if n := len(q.items); n > 0 {
			if prev, ok := q.items[n-1].cmd.(Reconnect); ok && supersedes(c.cmd.(Reconnect), prev) {
				q.items[n-1] = c
				break
			}
		}
		q.items = append(q.items, c)
	default:
		q.items = append(q.items, c)
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// supersedes reports whether next makes prev pointless: it targets the same
// relays, or prev left the choice to the selector.
func supersedes(next, prev Reconnect) bool {
	if _, ok := prev.NextRelay.Selected(); !ok {
		return true
	}
	return next.NextRelay.Equal(prev.NextRelay)
}

func (q *commandQueue) pop() (queuedCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return queuedCommand{}, false
	}
	c := q.items[0]
	q.items[0] = queuedCommand{}
	q.items = q.items[1:]
	return c, true
}

func (q *commandQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
