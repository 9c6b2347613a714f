// Package stack is the connection manager the bridge runs on. Sockets are
// read by goroutines, but every handler, timer and link frame is dispatched
// from Poll on the caller's goroutine.
package stack

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType identifies what a handler is being called for
type EventType int

const (
	// EventAccept is delivered once for a new connection
	EventAccept EventType = iota
	// EventRead is delivered after bytes were appended to the receive buffer
	EventRead
	// EventPoll is delivered to every connection on each Poll
	EventPoll
	// EventClose is delivered once when the connection goes away
	EventClose
)

func (e EventType) String() string {
	switch e {
	case EventAccept:
		return "accept"
	case EventRead:
		return "read"
	case EventPoll:
		return "poll"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Handler is called for every connection event
type Handler func(c *Conn, ev EventType)

// Link is a network interface whose inbound frames the manager drains
type Link interface {
	Dequeue() ([]byte, bool)
	Up() bool
}

// FrameHandler processes one inbound link frame
type FrameHandler func(frame []byte)

// Options tunes the manager
type Options struct {
	WriteTimeout time.Duration
	ReadBuffer   int
	// OnLinkChange is called from Poll when an attached link goes up or down
	OnLinkChange func(up bool)
}

type netEventKind int

const (
	netAccepted netEventKind = iota
	netData
	netClosed
)

type netEvent struct {
	kind    netEventKind
	nc      net.Conn
	handler Handler
	conn    *Conn
	data    []byte
	err     error
}

type attachment struct {
	link    Link
	handler FrameHandler
	up      bool
}

// Manager owns listeners, connections, timers and attached links
type Manager struct {
	opts   Options
	logger *zap.Logger

	events    chan netEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	listenerMutex sync.Mutex
	listeners     []net.Listener

	conns  []*Conn
	timers []*Timer
	links  []*attachment

	active atomic.Int64
	total  atomic.Uint64
}

// NewManager creates a manager
func NewManager(opts Options, logger *zap.Logger) *Manager {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = 2048
	}
	return &Manager{
		opts:   opts,
		logger: logger.With(zap.String("component", "stack")),
		events: make(chan netEvent, 256),
		done:   make(chan struct{}),
	}
}

// Listen binds addr and dispatches its connections to handler
func (m *Manager) Listen(addr string, handler Handler) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	m.listenerMutex.Lock()
	m.listeners = append(m.listeners, ln)
	m.listenerMutex.Unlock()

	m.logger.Info("Listening", zap.String("address", ln.Addr().String()))

	m.wg.Add(1)
	go m.acceptLoop(ln, handler)
	return ln.Addr(), nil
}

func (m *Manager) acceptLoop(ln net.Listener, handler Handler) {
	defer m.wg.Done()

	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.logger.Warn("Accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !m.post(netEvent{kind: netAccepted, nc: nc, handler: handler}) {
			nc.Close()
			return
		}
	}
}

func (m *Manager) readLoop(c *Conn) {
	defer m.wg.Done()

	buf := make([]byte, m.opts.ReadBuffer)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if !m.post(netEvent{kind: netData, conn: c, data: data}) {
				return
			}
		}
		if err != nil {
			m.post(netEvent{kind: netClosed, conn: c, err: err})
			return
		}
	}
}

// post hands an event to Poll; false once the manager is closed
func (m *Manager) post(ev netEvent) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// Attach drains link's inbound frames into handler on every Poll
func (m *Manager) Attach(link Link, handler FrameHandler) {
	m.links = append(m.links, &attachment{link: link, handler: handler})
}

// Poll waits up to timeout for socket activity, then dispatches everything
// pending: socket events, link frames, due timers, and a poll event for
// every connection. Pending output is flushed before returning.
func (m *Manager) Poll(timeout time.Duration) {
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		select {
		case ev := <-m.events:
			m.handle(ev)
		case <-timer.C:
		case <-m.done:
		}
		timer.Stop()
	}

	for drained := false; !drained; {
		select {
		case ev := <-m.events:
			m.handle(ev)
		default:
			drained = true
		}
	}

	m.serviceLinks()
	m.runTimers(time.Now())

	for _, c := range m.conns {
		if !c.closed {
			c.handler(c, EventPoll)
		}
	}

	m.flush()
}

func (m *Manager) handle(ev netEvent) {
	switch ev.kind {
	case netAccepted:
		c := &Conn{
			id:       uuid.New().String(),
			nc:       ev.nc,
			remote:   ev.nc.RemoteAddr().String(),
			handler:  ev.handler,
			accepted: time.Now(),
		}
		m.conns = append(m.conns, c)
		m.active.Add(1)
		m.total.Add(1)

		m.logger.Debug("Connection accepted",
			zap.String("session_id", c.id),
			zap.String("remote_addr", c.remote),
		)

		c.handler(c, EventAccept)
		m.wg.Add(1)
		go m.readLoop(c)

	case netData:
		if ev.conn.closed {
			return
		}
		ev.conn.recv = append(ev.conn.recv, ev.data...)
		ev.conn.handler(ev.conn, EventRead)

	case netClosed:
		if ev.conn.closed {
			return
		}
		m.logger.Debug("Connection closed by peer",
			zap.String("session_id", ev.conn.id),
			zap.Error(ev.err),
		)
		m.closeConn(ev.conn)
	}
}

func (m *Manager) serviceLinks() {
	for _, a := range m.links {
		if up := a.link.Up(); up != a.up {
			a.up = up
			if up {
				m.logger.Info("Link up")
			} else {
				m.logger.Warn("Link down")
			}
			if m.opts.OnLinkChange != nil {
				m.opts.OnLinkChange(up)
			}
		}

		for {
			frame, ok := a.link.Dequeue()
			if !ok {
				break
			}
			a.handler(frame)
		}
	}
}

// flush writes pending output and reaps closed connections
func (m *Manager) flush() {
	live := m.conns[:0]
	for _, c := range m.conns {
		if !c.closed && len(c.send) > 0 {
			c.nc.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
			n, err := c.nc.Write(c.send)
			c.send = c.send[n:]
			if err != nil {
				m.logger.Warn("Write failed",
					zap.String("session_id", c.id),
					zap.Error(err),
				)
				m.closeConn(c)
			}
		}
		if !c.closed && c.draining && len(c.send) == 0 {
			m.closeConn(c)
		}
		if !c.closed {
			live = append(live, c)
		}
	}
	for i := len(live); i < len(m.conns); i++ {
		m.conns[i] = nil
	}
	m.conns = live
}

func (m *Manager) closeConn(c *Conn) {
	if c.closed {
		return
	}
	c.closed = true
	c.nc.Close()
	m.active.Add(-1)
	c.handler(c, EventClose)
	c.recv, c.send = nil, nil
}

// Connections returns the number of open connections. Safe from any goroutine.
func (m *Manager) Connections() int {
	return int(m.active.Load())
}

// Accepted returns the total number of accepted connections
func (m *Manager) Accepted() uint64 {
	return m.total.Load()
}

// Close stops listening, closes every connection and waits for the socket
// goroutines. It must be called from the polling goroutine, after polling
// has stopped.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)

		m.listenerMutex.Lock()
		for _, ln := range m.listeners {
			ln.Close()
		}
		m.listenerMutex.Unlock()

		for _, c := range m.conns {
			m.closeConn(c)
		}
		m.conns = nil

		m.wg.Wait()

		// connections accepted but never dispatched
		for drained := false; !drained; {
			select {
			case ev := <-m.events:
				if ev.kind == netAccepted {
					ev.nc.Close()
				}
			default:
				drained = true
			}
		}
		m.logger.Info("Connection manager stopped")
	})
}
