// Package transport carries serialized bridge messages between a host and a
// sandbox. Every implementation preserves per-direction order and delivers
// whole strings only.
package transport

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Send after the transport was closed locally.
var ErrClosed = errors.New("transport closed")

// Transport is one end of a host/sandbox channel.
type Transport interface {
	// Send posts msg to the peer without waiting for it to be handled.
	Send(msg string) error
	// Receive yields messages from the peer in the order they were sent.
	Receive() <-chan string
	// Done is closed once the channel is broken or closed.
	Done() <-chan struct{}
	// Err reports why Done was closed; nil after a clean local Close.
	Err() error
	Close() error
}

// closer tracks the terminal state shared by every transport.
type closer struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func newCloser() closer {
	return closer{done: make(chan struct{})}
}

func (c *closer) shut(err error) bool {
	first := false
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		first = true
	})
	return first
}

func (c *closer) Done() <-chan struct{} { return c.done }

func (c *closer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *closer) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
