package netif

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Pipe is the USB network function as the driver sees it.
type Pipe interface {
	Inited() bool
	Ready() bool
	Connected() bool
	// CanTransmit reports whether a frame of n bytes can be queued now.
	CanTransmit(n int) bool
	Transmit(frame []byte) error
	// SetReceiver registers the inbound frame callback. The receive buffer
	// stays claimed until RenewReceive is called.
	SetReceiver(fn func(frame []byte))
	RenewReceive()
	// Task services pending USB work, delivering received frames.
	Task()
}

const transmitYield = 100 * time.Microsecond

// USBDriver implements Driver over a Pipe
type USBDriver struct {
	pipe    Pipe
	ifc     *Interface
	timeout time.Duration
	logger  *zap.Logger

	timeouts atomic.Uint64
}

// NewUSBDriver creates a driver. A transmit waits at most timeout for the
// pipe to accept a frame.
func NewUSBDriver(pipe Pipe, timeout time.Duration, logger *zap.Logger) *USBDriver {
	return &USBDriver{
		pipe:    pipe,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "usb_driver")),
	}
}

// Init registers the receive callback against ifc
func (d *USBDriver) Init(ifc *Interface) error {
	d.ifc = ifc
	d.pipe.SetReceiver(d.receive)
	return nil
}

// Transmit returns 0 when the pipe is not ready, otherwise services the
// USB task until the pipe can take the frame, then hands it over.
func (d *USBDriver) Transmit(frame []byte) int {
	if !d.pipe.Ready() {
		return 0
	}

	deadline := time.Now().Add(d.timeout)
	for !d.pipe.CanTransmit(len(frame)) {
		if time.Now().After(deadline) {
			d.timeouts.Add(1)
			d.logger.Debug("Transmit wait timed out", zap.Int("bytes", len(frame)))
			return 0
		}
		d.pipe.Task()
		time.Sleep(transmitYield)
	}

	if err := d.pipe.Transmit(frame); err != nil {
		d.logger.Warn("Failed to transmit frame", zap.Int("bytes", len(frame)), zap.Error(err))
		return 0
	}
	return len(frame)
}

// Up is true only when the pipe is initialized, ready and connected
func (d *USBDriver) Up() bool {
	return d.pipe.Inited() && d.pipe.Ready() && d.pipe.Connected()
}

// Timeouts returns how many transmits gave up waiting for the pipe
func (d *USBDriver) Timeouts() uint64 {
	return d.timeouts.Load()
}

// receive queues the frame and immediately renews the pipe's receive
// buffer, whether or not the frame was admitted.
func (d *USBDriver) receive(frame []byte) {
	d.ifc.QueueWrite(frame)
	d.pipe.RenewReceive()
}
