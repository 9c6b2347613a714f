// Package netif presents a USB bulk pipe as a link-layer network interface.
package netif

import (
	"encoding/hex"
	"fmt"
	"net"

	"github.com/denisbrodbeck/machineid"

	"rndis-bridge/internal/config"
)

// macAppID keys the machine-ID hash so the derived MAC is stable per host
// and distinct from other applications using the same machine ID.
const macAppID = "rndis-bridge"

// Descriptor is the static configuration of the interface. It is built once
// at startup and never changes afterwards.
type Descriptor struct {
	MAC        net.HardwareAddr
	IP         net.IP
	Mask       net.IPMask
	DHCPServer bool
	QueueSize  int
	MTU        int
}

// NewDescriptor builds a descriptor from the network config section.
func NewDescriptor(cfg *config.NetworkConfig) (Descriptor, error) {
	var (
		mac net.HardwareAddr
		err error
	)
	if cfg.MACAuto {
		mac, err = DeriveMAC(macAppID)
	} else {
		mac, err = net.ParseMAC(cfg.MAC)
	}
	if err != nil {
		return Descriptor{}, fmt.Errorf("invalid MAC address: %w", err)
	}
	if len(mac) != 6 {
		return Descriptor{}, fmt.Errorf("MAC address must be 6 bytes: %s", mac)
	}

	ip := net.ParseIP(cfg.IP).To4()
	if ip == nil {
		return Descriptor{}, fmt.Errorf("invalid IPv4 address: %q", cfg.IP)
	}

	maskIP := net.ParseIP(cfg.Mask).To4()
	if maskIP == nil {
		return Descriptor{}, fmt.Errorf("invalid subnet mask: %q", cfg.Mask)
	}
	mask := net.IPMask(maskIP)
	if ones, bits := mask.Size(); ones == 0 && bits == 0 {
		return Descriptor{}, fmt.Errorf("non-contiguous subnet mask: %s", cfg.Mask)
	}

	if cfg.QueueSize <= 0 {
		return Descriptor{}, fmt.Errorf("queue size must be positive")
	}

	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = 1500
	}

	return Descriptor{
		MAC:        mac,
		IP:         ip,
		Mask:       mask,
		DHCPServer: cfg.DHCPServer,
		QueueSize:  cfg.QueueSize,
		MTU:        mtu,
	}, nil
}

// DeriveMAC returns a locally administered unicast MAC derived from the
// host's machine ID.
func DeriveMAC(appID string) (net.HardwareAddr, error) {
	id, err := machineid.ProtectedID(appID)
	if err != nil {
		return nil, fmt.Errorf("failed to read machine id: %w", err)
	}
	return macFromHash(id)
}

func macFromHash(hash string) (net.HardwareAddr, error) {
	raw, err := hex.DecodeString(hash)
	if err != nil {
		return nil, fmt.Errorf("machine id hash is not hex: %w", err)
	}
	if len(raw) < 6 {
		return nil, fmt.Errorf("machine id hash too short")
	}

	mac := make(net.HardwareAddr, 6)
	copy(mac, raw[:6])
	mac[0] = (mac[0] | 0x02) &^ 0x01
	return mac, nil
}

// Network returns the interface subnet
func (d Descriptor) Network() *net.IPNet {
	return &net.IPNet{IP: d.IP.Mask(d.Mask), Mask: d.Mask}
}

// String implements fmt.Stringer
func (d Descriptor) String() string {
	ones, _ := d.Mask.Size()
	return fmt.Sprintf("%s %s/%d", d.MAC, d.IP, ones)
}
