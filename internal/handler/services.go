// internal/handler/services.go
package handler

import (
	"context"

	"rndis-bridge/internal/bridge"
	"rndis-bridge/internal/model"
	"rndis-bridge/internal/serial"
	"rndis-bridge/internal/stack"
	"rndis-bridge/internal/usb"
)

// BridgeService is the part of the bridge the API exposes
type BridgeService interface {
	Stats() bridge.Stats
	Busy() bool
	Transact(ctx context.Context, request []byte) ([]byte, model.Outcome, error)
}

// SerialStatus reports on the serial channel
type SerialStatus interface {
	IsOpen() bool
	Stats() serial.Stats
	Err() error
}

// LinkStatus reports on the USB network interface
type LinkStatus interface {
	Status() model.LinkStatus
}

// LinkResponder reports DHCP and responder activity
type LinkResponder interface {
	Lease() *stack.Lease
	Stats() stack.LinkStats
}

// ConnectionCounter reports TCP connection counts
type ConnectionCounter interface {
	Connections() int
	Accepted() uint64
}

// Services holds everything the handlers read from. Link and Responder are
// nil when the USB interface is disabled.
type Services struct {
	Bridge      BridgeService
	Serial      SerialStatus
	Link        LinkStatus
	Responder   LinkResponder
	Connections ConnectionCounter

	ListPorts      func() ([]string, error)
	ListUSBDevices func() ([]usb.DeviceInfo, error)
}
