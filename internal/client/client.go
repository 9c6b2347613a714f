package client

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// ErrNotConnected is returned when no connection is open
var ErrNotConnected = errors.New("not connected")

// Client is a TCP client for the bridge. One request is outstanding at a
// time, matching the bridge's one-cycle-per-request behaviour.
type Client struct {
	terminator byte
	timeout    time.Duration

	mutex sync.Mutex
	conn  net.Conn
	addr  string
}

// New creates a client reading replies up to terminator, waiting at most
// timeout for each reply
func New(terminator byte, timeout time.Duration) *Client {
	return &Client{terminator: terminator, timeout: timeout}
}

// Connect dials addr, replacing any current connection
func (c *Client) Connect(addr string) error {
	dialer := &net.Dialer{
		Timeout:   c.timeout,
		KeepAlive: 30 * time.Second,
	}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.addr = addr
	return nil
}

// Addr returns the connected address, empty when disconnected
func (c *Client) Addr() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.addr
}

// Close drops the connection
func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.addr = ""
	return err
}

// Send writes request and returns the reply. A reply ends at the
// terminator; a truncated reply ends when the timeout passes with data
// already received.
func (c *Client) Send(request []byte) ([]byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}

	if _, err := c.conn.Write(request); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, err
	}

	var reply []byte
	buf := make([]byte, 256)
	for {
		n, err := c.conn.Read(buf)
		reply = append(reply, buf[:n]...)
		if n > 0 && buf[n-1] == c.terminator {
			return reply, nil
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) && len(reply) > 0 {
				return reply, nil
			}
			return reply, fmt.Errorf("failed to read reply: %w", err)
		}
	}
}
