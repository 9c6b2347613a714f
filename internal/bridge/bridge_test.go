package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rndis-bridge/internal/events"
	"rndis-bridge/internal/model"
	"rndis-bridge/internal/serial"
	"rndis-bridge/internal/stack"
)

// fakePort is an in-memory serial channel. reply, when set, is called for
// every write and its result becomes readable.
type fakePort struct {
	mutex    sync.Mutex
	rx       chan byte
	written  [][]byte
	discards int
	writeErr error
	reply    func(request []byte) []byte
}

func newFakePort() *fakePort {
	return &fakePort{rx: make(chan byte, 1024)}
}

func (p *fakePort) push(data []byte) {
	for _, b := range data {
		p.rx <- b
	}
}

func (p *fakePort) Write(data []byte) error {
	p.mutex.Lock()
	if p.writeErr != nil {
		p.mutex.Unlock()
		return p.writeErr
	}
	p.written = append(p.written, append([]byte(nil), data...))
	reply := p.reply
	p.mutex.Unlock()

	if reply != nil {
		p.push(reply(data))
	}
	return nil
}

func (p *fakePort) Poll() (byte, bool) {
	select {
	case b := <-p.rx:
		return b, true
	default:
		return 0, false
	}
}

func (p *fakePort) ReadByte(timeout time.Duration) (byte, error) {
	select {
	case b := <-p.rx:
		return b, nil
	case <-time.After(timeout):
		return 0, serial.ErrTimeout
	}
}

func (p *fakePort) Discard() {
	p.mutex.Lock()
	p.discards++
	p.mutex.Unlock()
	for {
		select {
		case <-p.rx:
		default:
			return
		}
	}
}

func (p *fakePort) writes() []string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	var out []string
	for _, w := range p.written {
		out = append(out, string(w))
	}
	return out
}

type fakeConn struct {
	id   string
	recv []byte
	sent []byte
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return "192.168.20.207:50000" }
func (c *fakeConn) Recv() []byte       { return c.recv }
func (c *fakeConn) Consume(n int)      { c.recv = c.recv[n:] }
func (c *fakeConn) Send(p []byte)      { c.sent = append(c.sent, p...) }

func (c *fakeConn) receive(data string) { c.recv = append(c.recv, data...) }

type recorder struct {
	mutex  sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) outcomes() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == events.TypeTransaction {
			out = append(out, ev.Data["outcome"].(string))
		}
	}
	return out
}

type testBridge struct {
	*Bridge
	port  *fakePort
	rec   *recorder
	clock time.Time
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()
	tb := &testBridge{port: newFakePort(), rec: &recorder{}, clock: epoch}
	tb.Bridge = New(DefaultFraming(), tb.port, NewSession(), tb.rec, zap.NewNop())
	tb.Bridge.now = func() time.Time { return tb.clock }
	return tb
}

func (tb *testBridge) advance(d time.Duration) { tb.clock = tb.clock.Add(d) }

func TestBridgeRequestResponse(t *testing.T) {
	tb := newTestBridge(t)
	tb.port.reply = func([]byte) []byte { return []byte("$PONG:") }

	conn := &fakeConn{id: "c1"}
	tb.handle(conn, stack.EventAccept)
	conn.receive("PING")
	tb.handle(conn, stack.EventRead)

	assert.Equal(t, []string{"PING"}, tb.port.writes())
	assert.Empty(t, conn.recv, "request consumed")
	assert.Equal(t, 1, tb.port.discards, "stale input dropped before forwarding")
	assert.Equal(t, "PONG:", string(conn.sent))
	assert.False(t, tb.Busy())
	assert.Equal(t, []string{"ok"}, tb.rec.outcomes())
	assert.Equal(t, uint64(1), tb.Stats().Completed)
}

func TestBridgeReplyAcrossPolls(t *testing.T) {
	tb := newTestBridge(t)
	conn := &fakeConn{id: "c1"}
	tb.handle(conn, stack.EventAccept)

	conn.receive("PING")
	tb.handle(conn, stack.EventRead)
	assert.True(t, tb.Busy())
	assert.Empty(t, conn.sent)

	tb.advance(20 * time.Millisecond)
	tb.port.push([]byte("$PO"))
	tb.handle(conn, stack.EventPoll)
	assert.Empty(t, conn.sent)

	tb.advance(20 * time.Millisecond)
	tb.port.push([]byte("NG:"))
	tb.handle(conn, stack.EventPoll)
	assert.Equal(t, "PONG:", string(conn.sent))
	assert.False(t, tb.Busy())
}

func TestBridgeTimeout(t *testing.T) {
	tb := newTestBridge(t)
	conn := &fakeConn{id: "c1"}
	tb.handle(conn, stack.EventAccept)

	conn.receive("PING")
	tb.handle(conn, stack.EventRead)

	tb.advance(99 * time.Millisecond)
	tb.handle(conn, stack.EventPoll)
	assert.Empty(t, conn.sent)

	tb.advance(time.Millisecond)
	tb.handle(conn, stack.EventPoll)
	assert.Equal(t, "2;:", string(conn.sent))
	assert.False(t, tb.Busy())
	assert.Equal(t, PhaseIdle, tb.cycle.Phase())
	assert.Empty(t, tb.cycle.Collected())
	assert.Equal(t, []string{"timeout"}, tb.rec.outcomes())
}

func TestBridgeSequentialCycles(t *testing.T) {
	tb := newTestBridge(t)
	replies := []string{"$ONE:", "$TWO:"}
	tb.port.reply = func([]byte) []byte {
		r := replies[0]
		replies = replies[1:]
		return []byte(r)
	}

	conn := &fakeConn{id: "c1"}
	tb.handle(conn, stack.EventAccept)

	conn.receive("A")
	tb.handle(conn, stack.EventRead)
	assert.Equal(t, "ONE:", string(conn.sent))

	conn.sent = nil
	conn.receive("B")
	tb.handle(conn, stack.EventRead)
	assert.Equal(t, "TWO:", string(conn.sent))

	assert.Equal(t, []string{"A", "B"}, tb.port.writes())
}

func TestBridgeDropsBytesDuringCycle(t *testing.T) {
	tb := newTestBridge(t)
	conn := &fakeConn{id: "c1"}
	tb.handle(conn, stack.EventAccept)

	conn.receive("PING")
	tb.handle(conn, stack.EventRead)

	conn.receive("EXTRA")
	tb.handle(conn, stack.EventRead)
	assert.Empty(t, conn.recv)
	assert.Equal(t, uint64(5), tb.Stats().DiscardedBytes)

	tb.port.push([]byte("$OK:"))
	tb.handle(conn, stack.EventPoll)
	assert.Equal(t, "OK:", string(conn.sent))
	assert.Equal(t, []string{"PING"}, tb.port.writes())
}

func TestBridgeSerializesConnections(t *testing.T) {
	tb := newTestBridge(t)
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}
	tb.handle(a, stack.EventAccept)
	tb.handle(b, stack.EventAccept)

	a.receive("REQ-A")
	tb.handle(a, stack.EventRead)
	b.receive("REQ-B")
	tb.handle(b, stack.EventRead)
	tb.handle(b, stack.EventPoll)

	assert.Equal(t, []string{"REQ-A"}, tb.port.writes())
	assert.Equal(t, "REQ-B", string(b.recv), "waiting request stays buffered")

	tb.port.push([]byte("$A:"))
	tb.handle(a, stack.EventPoll)
	assert.Equal(t, "A:", string(a.sent))

	tb.port.reply = func([]byte) []byte { return []byte("$B:") }
	tb.handle(b, stack.EventPoll)
	assert.Equal(t, []string{"REQ-A", "REQ-B"}, tb.port.writes())
	assert.Equal(t, "B:", string(b.sent))
	assert.Empty(t, b.recv)
}

func TestBridgeCloseMidCycle(t *testing.T) {
	tb := newTestBridge(t)
	conn := &fakeConn{id: "c1"}
	tb.handle(conn, stack.EventAccept)

	conn.receive("PING")
	tb.handle(conn, stack.EventRead)
	tb.port.push([]byte("$PAR"))
	tb.handle(conn, stack.EventPoll)
	require.True(t, tb.Busy())

	tb.handle(conn, stack.EventClose)
	assert.False(t, tb.Busy(), "port released")
	assert.Empty(t, conn.sent)
	assert.Equal(t, PhaseIdle, tb.cycle.Phase())
	assert.Equal(t, []string{"aborted"}, tb.rec.outcomes())
	assert.Empty(t, tb.sessions)

	// the next connection starts clean
	next := &fakeConn{id: "c2"}
	tb.port.reply = func([]byte) []byte { return []byte("$NEW:") }
	tb.handle(next, stack.EventAccept)
	next.receive("PING")
	tb.handle(next, stack.EventRead)
	assert.Equal(t, "NEW:", string(next.sent))
}

func TestBridgeWriteError(t *testing.T) {
	tb := newTestBridge(t)
	tb.port.writeErr = errors.New("uart gone")

	conn := &fakeConn{id: "c1"}
	tb.handle(conn, stack.EventAccept)
	conn.receive("PING")
	tb.handle(conn, stack.EventRead)

	assert.Equal(t, "2;:", string(conn.sent))
	assert.False(t, tb.Busy())
	assert.Equal(t, uint64(1), tb.Stats().WriteErrors)
}

func TestBridgeSessionEvents(t *testing.T) {
	tb := newTestBridge(t)
	conn := &fakeConn{id: "c1"}
	tb.handle(conn, stack.EventAccept)
	tb.handle(conn, stack.EventClose)

	tb.rec.mutex.Lock()
	defer tb.rec.mutex.Unlock()
	require.Len(t, tb.rec.events, 2)
	assert.Equal(t, events.TypeSession, tb.rec.events[0].Type)
	assert.Equal(t, "opened", tb.rec.events[0].Data["state"])
	assert.Equal(t, "closed", tb.rec.events[1].Data["state"])
	assert.Equal(t, uint64(1), tb.Stats().Sessions)
}

func TestTransact(t *testing.T) {
	tb := newTestBridge(t)
	tb.port.reply = func(req []byte) []byte { return append(append([]byte("$"), req...), ':') }

	response, outcome, err := tb.Transact(context.Background(), []byte("ECHO"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeOK, outcome)
	assert.Equal(t, "ECHO:", string(response))
	assert.False(t, tb.Busy())

	_, _, err = tb.Transact(context.Background(), nil)
	assert.Error(t, err)
}

func TestTransactTimeout(t *testing.T) {
	tb := newTestBridge(t)

	response, outcome, err := tb.Transact(context.Background(), []byte("PING"))
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeTimeout, outcome)
	assert.Equal(t, "2;:", string(response))
}

func TestTransactWaitsForLoop(t *testing.T) {
	tb := newTestBridge(t)
	conn := &fakeConn{id: "c1"}
	tb.handle(conn, stack.EventAccept)
	conn.receive("PING")
	tb.handle(conn, stack.EventRead)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := tb.Transact(ctx, []byte("API"))
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, []string{"PING"}, tb.port.writes())
}

// serialPeer is a serial.Port whose far end answers each write.
type serialPeer struct {
	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
	timeout  time.Duration
	answer   func(request []byte) (delay time.Duration, reply []byte)
}

func newSerialPeer() *serialPeer {
	return &serialPeer{incoming: make(chan []byte, 16), closed: make(chan struct{}), timeout: 5 * time.Millisecond}
}

func (p *serialPeer) Read(buf []byte) (int, error) {
	select {
	case data := <-p.incoming:
		return copy(buf, data), nil
	case <-p.closed:
		return 0, io.EOF
	case <-time.After(p.timeout):
		return 0, nil
	}
}

func (p *serialPeer) Write(data []byte) (int, error) {
	if p.answer != nil {
		delay, reply := p.answer(append([]byte(nil), data...))
		if reply != nil {
			time.AfterFunc(delay, func() { p.incoming <- reply })
		}
	}
	return len(data), nil
}

func (p *serialPeer) Drain() error                       { return nil }
func (p *serialPeer) ResetInputBuffer() error            { return nil }
func (p *serialPeer) SetReadTimeout(time.Duration) error { return nil }

func (p *serialPeer) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// runStack serves a bridge on a loopback listener until the test ends
func runStack(t *testing.T, peer *serialPeer) string {
	t.Helper()

	channel, err := serial.NewChannel(peer, &serial.Config{Port: "peer", RxBuffer: 256}, zap.NewNop())
	require.NoError(t, err)

	b := New(DefaultFraming(), channel, NewSession(), nil, zap.NewNop())
	mgr := stack.NewManager(stack.Options{}, zap.NewNop())
	addr, err := mgr.Listen("127.0.0.1:0", b.HandleEvent)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			mgr.Poll(time.Millisecond)
		}
		mgr.Close()
	}()

	t.Cleanup(func() {
		cancel()
		<-done
		channel.Close()
		channel.Wait()
	})
	return addr.String()
}

func exchange(t *testing.T, addr, request string, want int) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(request))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, want)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	return string(buf)
}

func TestEndToEndReply(t *testing.T) {
	peer := newSerialPeer()
	peer.answer = func(req []byte) (time.Duration, []byte) {
		if string(req) == "PING" {
			return 10 * time.Millisecond, []byte("$PONG:")
		}
		return 0, nil
	}
	addr := runStack(t, peer)

	assert.Equal(t, "PONG:", exchange(t, addr, "PING", 5))
}

func TestEndToEndTimeout(t *testing.T) {
	addr := runStack(t, newSerialPeer())

	start := time.Now()
	assert.Equal(t, "2;:", exchange(t, addr, "PING", 3))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestEndToEndSequentialOnOneConnection(t *testing.T) {
	peer := newSerialPeer()
	var mutex sync.Mutex
	count := 0
	peer.answer = func([]byte) (time.Duration, []byte) {
		mutex.Lock()
		defer mutex.Unlock()
		count++
		if count == 1 {
			return 5 * time.Millisecond, []byte("$ONE:")
		}
		return 5 * time.Millisecond, []byte("$TWO:")
	}
	addr := runStack(t, peer)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	for _, want := range []string{"ONE:", "TWO:"} {
		_, err = conn.Write([]byte("REQ"))
		require.NoError(t, err)
		buf := make([]byte, len(want))
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)
		assert.Equal(t, want, string(buf))
	}
}
