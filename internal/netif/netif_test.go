package netif

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rndis-bridge/internal/config"
)

func testNetworkConfig() *config.NetworkConfig {
	return &config.NetworkConfig{
		MAC:        "02:00:01:02:03:77",
		IP:         "192.168.20.206",
		Mask:       "255.255.255.0",
		DHCPServer: true,
		QueueSize:  4096,
	}
}

func TestNewDescriptor(t *testing.T) {
	desc, err := NewDescriptor(testNetworkConfig())
	require.NoError(t, err)

	assert.Equal(t, "02:00:01:02:03:77", desc.MAC.String())
	assert.Equal(t, "192.168.20.206", desc.IP.String())
	ones, bits := desc.Mask.Size()
	assert.Equal(t, 24, ones)
	assert.Equal(t, 32, bits)
	assert.True(t, desc.DHCPServer)
	assert.Equal(t, 4096, desc.QueueSize)
	assert.Equal(t, 1500, desc.MTU)
	assert.Equal(t, "192.168.20.0/24", desc.Network().String())
	assert.Equal(t, "02:00:01:02:03:77 192.168.20.206/24", desc.String())
}

func TestNewDescriptorInvalid(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*config.NetworkConfig)
	}{
		{"bad mac", func(c *config.NetworkConfig) { c.MAC = "zz:00" }},
		{"long mac", func(c *config.NetworkConfig) { c.MAC = "02:00:5e:10:00:00:00:01" }},
		{"ipv6", func(c *config.NetworkConfig) { c.IP = "fe80::1" }},
		{"bad mask", func(c *config.NetworkConfig) { c.Mask = "255.0.255.0" }},
		{"no queue", func(c *config.NetworkConfig) { c.QueueSize = 0 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testNetworkConfig()
			tc.mutate(cfg)
			_, err := NewDescriptor(cfg)
			assert.Error(t, err)
		})
	}
}

func TestMACFromHash(t *testing.T) {
	mac, err := macFromHash("ffeeddccbbaa99887766")
	require.NoError(t, err)
	assert.Equal(t, "fe:ee:dd:cc:bb:aa", mac.String())
	assert.Equal(t, byte(0x02), mac[0]&0x02, "locally administered")
	assert.Equal(t, byte(0), mac[0]&0x01, "unicast")

	mac, err = macFromHash("0011223344556677")
	require.NoError(t, err)
	assert.Equal(t, "02:11:22:33:44:55", mac.String())

	_, err = macFromHash("0011")
	assert.Error(t, err)
	_, err = macFromHash("not hex!")
	assert.Error(t, err)
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(64)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Write([]byte(fmt.Sprintf("frame-%d", i))))
	}
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 3*(2+7), q.Used())

	for i := 0; i < 3; i++ {
		frame, ok := q.Read()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("frame-%d", i), string(frame))
	}

	_, ok := q.Read()
	assert.False(t, ok)
	assert.Equal(t, 0, q.Used())
}

func TestQueueFullDropsWithoutCorruption(t *testing.T) {
	q := NewQueue(20)

	require.NoError(t, q.Write(bytes.Repeat([]byte{'a'}, 8)))
	require.NoError(t, q.Write(bytes.Repeat([]byte{'b'}, 6)))
	// 18 of 20 bytes used
	assert.ErrorIs(t, q.Write([]byte("cc")), ErrQueueFull)
	assert.ErrorIs(t, q.Write(bytes.Repeat([]byte{'x'}, 40)), ErrFrameTooLarge)
	assert.ErrorIs(t, q.Write(nil), ErrFrameTooLarge)

	frame, ok := q.Read()
	require.True(t, ok)
	assert.Equal(t, "aaaaaaaa", string(frame))
	frame, ok = q.Read()
	require.True(t, ok)
	assert.Equal(t, "bbbbbb", string(frame))
}

func TestQueueWraparound(t *testing.T) {
	q := NewQueue(16)

	for round := 0; round < 20; round++ {
		a := []byte(fmt.Sprintf("r%02d", round))
		b := []byte(fmt.Sprintf("s%02dxx", round))
		require.NoError(t, q.Write(a))
		require.NoError(t, q.Write(b))

		got, ok := q.Read()
		require.True(t, ok)
		assert.Equal(t, a, got)

		// leave one frame behind so head keeps moving
		if round%2 == 0 {
			got, ok = q.Read()
			require.True(t, ok)
			assert.Equal(t, b, got)
		} else {
			require.NoError(t, q.Write([]byte("z")))
			got, ok = q.Read()
			require.True(t, ok)
			assert.Equal(t, b, got)
			got, ok = q.Read()
			require.True(t, ok)
			assert.Equal(t, []byte("z"), got)
		}
	}
	assert.Equal(t, 0, q.Len())
}

// fakePipe simulates the USB network function.
type fakePipe struct {
	mutex     sync.Mutex
	inited    bool
	ready     bool
	connected bool
	// busy counts Task calls before CanTransmit turns true
	busy     int
	sent     [][]byte
	tasks    int
	renewals int
	receiver func([]byte)
	sendErr  error
}

func (p *fakePipe) Inited() bool    { p.mutex.Lock(); defer p.mutex.Unlock(); return p.inited }
func (p *fakePipe) Ready() bool     { p.mutex.Lock(); defer p.mutex.Unlock(); return p.ready }
func (p *fakePipe) Connected() bool { p.mutex.Lock(); defer p.mutex.Unlock(); return p.connected }

func (p *fakePipe) CanTransmit(n int) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.busy == 0
}

func (p *fakePipe) Transmit(frame []byte) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, append([]byte(nil), frame...))
	return nil
}

func (p *fakePipe) SetReceiver(fn func([]byte)) { p.receiver = fn }

func (p *fakePipe) RenewReceive() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.renewals++
}

func (p *fakePipe) Task() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.tasks++
	if p.busy > 0 {
		p.busy--
	}
}

func newTestInterface(t *testing.T, pipe *fakePipe, queueSize int) (*Interface, *USBDriver) {
	t.Helper()
	cfg := testNetworkConfig()
	cfg.QueueSize = queueSize
	desc, err := NewDescriptor(cfg)
	require.NoError(t, err)

	driver := NewUSBDriver(pipe, 20*time.Millisecond, zap.NewNop())
	ifc, err := New(desc, driver, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, pipe.receiver)
	return ifc, driver
}

func TestTransmitLinkDown(t *testing.T) {
	pipe := &fakePipe{inited: true}
	ifc, _ := newTestInterface(t, pipe, 64)

	assert.Equal(t, 0, ifc.Transmit([]byte("frame")))
	assert.Empty(t, pipe.sent, "no partial write")
	assert.Equal(t, uint64(1), ifc.Status().TxNotReady)
}

func TestTransmitWaitsForPipe(t *testing.T) {
	pipe := &fakePipe{inited: true, ready: true, connected: true, busy: 3}
	ifc, _ := newTestInterface(t, pipe, 64)

	assert.Equal(t, 5, ifc.Transmit([]byte("frame")))
	assert.Equal(t, 3, pipe.tasks, "USB task serviced while waiting")
	require.Len(t, pipe.sent, 1)
	assert.Equal(t, "frame", string(pipe.sent[0]))
	assert.Equal(t, uint64(1), ifc.Status().TxFrames)
}

func TestTransmitWaitIsBounded(t *testing.T) {
	pipe := &fakePipe{inited: true, ready: true, connected: true, busy: 1 << 30}
	ifc, driver := newTestInterface(t, pipe, 64)

	start := time.Now()
	assert.Equal(t, 0, ifc.Transmit([]byte("frame")))
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, pipe.sent)
	assert.Equal(t, uint64(1), driver.Timeouts())
	assert.Equal(t, uint64(1), ifc.Status().TxTimeouts)
}

func TestTransmitPipeError(t *testing.T) {
	pipe := &fakePipe{inited: true, ready: true, connected: true, sendErr: errors.New("stall")}
	ifc, _ := newTestInterface(t, pipe, 64)

	assert.Equal(t, 0, ifc.Transmit([]byte("frame")))
}

func TestUpTransitions(t *testing.T) {
	pipe := &fakePipe{}
	ifc, _ := newTestInterface(t, pipe, 64)

	steps := []struct {
		inited, ready, connected bool
		want                     bool
	}{
		{false, false, false, false},
		{true, false, false, false},
		{true, true, false, false},
		{true, false, true, false},
		{false, true, true, false},
		{true, true, true, true},
		{true, true, false, false},
	}
	for _, step := range steps {
		pipe.mutex.Lock()
		pipe.inited, pipe.ready, pipe.connected = step.inited, step.ready, step.connected
		pipe.mutex.Unlock()
		assert.Equal(t, step.want, ifc.Up(), "%+v", step)
	}
}

func TestReceiveQueuesAndRenews(t *testing.T) {
	pipe := &fakePipe{inited: true, ready: true, connected: true}
	ifc, _ := newTestInterface(t, pipe, 24)

	pipe.receiver([]byte("first-frame"))  // 13 bytes
	pipe.receiver([]byte("second-frame")) // would need 14, dropped
	pipe.receiver([]byte("third"))        // 7 bytes, fits

	assert.Equal(t, 3, pipe.renewals, "receive buffer renewed after every frame")

	status := ifc.Status()
	assert.Equal(t, uint64(2), status.RxFrames)
	assert.Equal(t, uint64(1), status.RxDropped)
	assert.Equal(t, 2, status.QueueLength)

	frame, ok := ifc.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "first-frame", string(frame))
	frame, ok = ifc.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "third", string(frame))
}
