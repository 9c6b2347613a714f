package serial

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

// fakePort feeds reads from a channel and records writes.
type fakePort struct {
	mutex   sync.Mutex
	written []byte
	drains  int
	resets  int
	timeout time.Duration

	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
	readErr  error
	writeErr error
}

func newFakePort() *fakePort {
	return &fakePort{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (p *fakePort) Read(buf []byte) (int, error) {
	p.mutex.Lock()
	timeout, readErr := p.timeout, p.readErr
	p.mutex.Unlock()
	if readErr != nil {
		return 0, readErr
	}

	select {
	case data := <-p.incoming:
		return copy(buf, data), nil
	case <-p.closed:
		return 0, errors.New("port closed")
	case <-time.After(timeout):
		return 0, nil
	}
}

func (p *fakePort) Write(data []byte) (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	p.written = append(p.written, data...)
	return len(data), nil
}

func (p *fakePort) Drain() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.drains++
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.resets++
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.timeout = t
	return nil
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func newTestChannel(t *testing.T, port *fakePort, rxBuffer int) *Channel {
	t.Helper()
	ch, err := NewChannel(port, &Config{Port: "fake", RxBuffer: rxBuffer, ReadPoll: 5 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ch.Close()
		ch.Wait()
	})
	return ch
}

func TestWriteDrains(t *testing.T) {
	port := newFakePort()
	ch := newTestChannel(t, port, 16)

	require.NoError(t, ch.Write([]byte("REQ")))

	port.mutex.Lock()
	defer port.mutex.Unlock()
	assert.Equal(t, []byte("REQ"), port.written)
	assert.Equal(t, 1, port.drains)
	assert.Equal(t, int64(3), ch.Stats().BytesWritten)
}

func TestWriteError(t *testing.T) {
	port := newFakePort()
	port.writeErr = errors.New("boom")
	ch := newTestChannel(t, port, 16)

	err := ch.Write([]byte("x"))
	require.Error(t, err)
	assert.Equal(t, int64(1), ch.Stats().ErrorCount)
}

func TestReadByte(t *testing.T) {
	port := newFakePort()
	ch := newTestChannel(t, port, 16)

	port.incoming <- []byte("$ab")

	for _, want := range []byte("$ab") {
		b, err := ch.ReadByte(time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, b)
	}
}

func TestReadByteTimeout(t *testing.T) {
	port := newFakePort()
	ch := newTestChannel(t, port, 16)

	start := time.Now()
	_, err := ch.ReadByte(30 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	_, err = ch.ReadByte(0)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPollAndDiscard(t *testing.T) {
	port := newFakePort()
	ch := newTestChannel(t, port, 16)

	_, ok := ch.Poll()
	assert.False(t, ok)

	port.incoming <- []byte("stale")
	require.Eventually(t, func() bool { return ch.Stats().BytesRead == 5 }, time.Second, time.Millisecond)

	b, ok := ch.Poll()
	require.True(t, ok)
	assert.Equal(t, byte('s'), b)

	ch.Discard()
	_, ok = ch.Poll()
	assert.False(t, ok)
	assert.Equal(t, int64(4), ch.Stats().Discarded)

	port.mutex.Lock()
	assert.Equal(t, 1, port.resets)
	port.mutex.Unlock()
}

func TestOverrunDropsBytes(t *testing.T) {
	port := newFakePort()
	ch := newTestChannel(t, port, 4)

	port.incoming <- []byte("abcdefgh")
	require.Eventually(t, func() bool { return ch.Stats().BytesRead == 8 }, time.Second, time.Millisecond)

	assert.Equal(t, int64(4), ch.Stats().Overruns)
	for _, want := range []byte("abcd") {
		b, ok := ch.Poll()
		require.True(t, ok)
		assert.Equal(t, want, b)
	}
}

func TestClose(t *testing.T) {
	port := newFakePort()
	ch := newTestChannel(t, port, 16)

	require.NoError(t, ch.Close())
	ch.Wait()

	assert.False(t, ch.IsOpen())
	assert.ErrorIs(t, ch.Write([]byte("x")), ErrClosed)

	_, err := ch.ReadByte(time.Second)
	assert.ErrorIs(t, err, ErrClosed)

	// closing twice is harmless
	assert.NoError(t, ch.Close())
}

func TestReadErrorClosesChannel(t *testing.T) {
	port := newFakePort()
	port.readErr = errors.New("device unplugged")
	ch := newTestChannel(t, port, 16)

	ch.Wait()
	assert.False(t, ch.IsOpen())
	assert.EqualError(t, ch.Err(), "device unplugged")
}

func TestModeFor(t *testing.T) {
	mode, err := modeFor(&Config{BaudRate: 100000, StopBits: 1, Parity: "none"})
	require.NoError(t, err)
	assert.Equal(t, 100000, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.NoParity, mode.Parity)

	mode, err = modeFor(&Config{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even"})
	require.NoError(t, err)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.EvenParity, mode.Parity)

	_, err = modeFor(&Config{StopBits: 3})
	assert.Error(t, err)
	_, err = modeFor(&Config{Parity: "mark"})
	assert.Error(t, err)
}

func TestOpenRequiresPort(t *testing.T) {
	_, err := Open(&Config{}, zap.NewNop())
	assert.Error(t, err)
}
