package netif

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"go.uber.org/zap"

	"rndis-bridge/internal/model"
)

// Driver is the link-layer contract the stack needs from a transport.
type Driver interface {
	// Init hands the driver the interface it delivers inbound frames to.
	Init(ifc *Interface) error
	// Transmit sends one frame and returns the bytes sent, 0 if the link
	// could not take it.
	Transmit(frame []byte) int
	// Up reports whether the link can carry traffic. It must be cheap.
	Up() bool
}

// Interface is the single network interface of the process. It owns the
// descriptor, the driver and the inbound queue; its handle is passed
// explicitly to the driver and to the event loop.
type Interface struct {
	desc   Descriptor
	driver Driver
	queue  *Queue
	logger *zap.Logger

	txFrames   atomic.Uint64
	txNotReady atomic.Uint64
	rxFrames   atomic.Uint64
	rxDropped  atomic.Uint64
}

// New creates the interface and initializes its driver
func New(desc Descriptor, driver Driver, logger *zap.Logger) (*Interface, error) {
	ifc := &Interface{
		desc:   desc,
		driver: driver,
		queue:  NewQueue(desc.QueueSize),
		logger: logger.With(zap.String("component", "netif")),
	}

	if err := driver.Init(ifc); err != nil {
		return nil, fmt.Errorf("failed to initialize driver: %w", err)
	}

	ifc.logger.Info("Network interface initialized",
		zap.String("mac", desc.MAC.String()),
		zap.String("ip", desc.IP.String()),
		zap.String("mask", desc.Mask.String()),
		zap.Bool("dhcp_server", desc.DHCPServer),
		zap.Int("queue_size", desc.QueueSize),
	)
	return ifc, nil
}

// Descriptor returns the static interface configuration
func (i *Interface) Descriptor() Descriptor {
	return i.desc
}

// Transmit hands an outbound frame to the driver
func (i *Interface) Transmit(frame []byte) int {
	n := i.driver.Transmit(frame)
	if n == 0 {
		i.txNotReady.Add(1)
		return 0
	}
	i.txFrames.Add(1)
	return n
}

// Up reports link state
func (i *Interface) Up() bool {
	return i.driver.Up()
}

// QueueWrite queues an inbound frame. It never blocks; a frame that does
// not fit is dropped.
func (i *Interface) QueueWrite(frame []byte) bool {
	if err := i.queue.Write(frame); err != nil {
		i.rxDropped.Add(1)
		if errors.Is(err, ErrQueueFull) {
			i.logger.Debug("Inbound queue full, dropping frame", zap.Int("bytes", len(frame)))
		} else {
			i.logger.Debug("Dropping inbound frame", zap.Int("bytes", len(frame)), zap.Error(err))
		}
		return false
	}
	i.rxFrames.Add(1)
	return true
}

// Dequeue removes the oldest inbound frame
func (i *Interface) Dequeue() ([]byte, bool) {
	return i.queue.Read()
}

// Status returns a snapshot for the status API
func (i *Interface) Status() model.LinkStatus {
	status := model.LinkStatus{
		Up:          i.Up(),
		MAC:         i.desc.MAC.String(),
		IP:          i.desc.IP.String(),
		Mask:        net.IP(i.desc.Mask).String(),
		DHCPServer:  i.desc.DHCPServer,
		TxFrames:    i.txFrames.Load(),
		TxNotReady:  i.txNotReady.Load(),
		RxFrames:    i.rxFrames.Load(),
		RxDropped:   i.rxDropped.Load(),
		QueueLength: i.queue.Len(),
	}
	if d, ok := i.driver.(interface{ Timeouts() uint64 }); ok {
		status.TxTimeouts = d.Timeouts()
	}
	return status
}
