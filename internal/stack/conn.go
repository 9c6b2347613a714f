package stack

import (
	"net"
	"time"
)

// Conn is one accepted TCP connection. Its buffers are only touched from
// the goroutine calling Manager.Poll.
type Conn struct {
	id       string
	nc       net.Conn
	remote   string
	handler  Handler
	recv     []byte
	send     []byte
	draining bool
	closed   bool
	accepted time.Time
}

// ID returns the connection's session ID
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string { return c.remote }

// Recv returns the unconsumed received bytes. The slice is only valid until
// the next Consume or the next event.
func (c *Conn) Recv() []byte { return c.recv }

// Consume marks the first n received bytes as handled
func (c *Conn) Consume(n int) {
	if n >= len(c.recv) {
		c.recv = c.recv[:0]
		return
	}
	c.recv = append(c.recv[:0], c.recv[n:]...)
}

// Send queues bytes; they are written when the current poll finishes
func (c *Conn) Send(p []byte) {
	if c.closed || c.draining {
		return
	}
	c.send = append(c.send, p...)
}

// Close flushes pending output and then closes the connection
func (c *Conn) Close() { c.draining = true }

// Closed reports whether the connection is gone
func (c *Conn) Closed() bool { return c.closed }

// Age returns how long ago the connection was accepted
func (c *Conn) Age() time.Duration { return time.Since(c.accepted) }
