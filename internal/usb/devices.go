package usb

import (
	"fmt"

	"github.com/google/gousb"
	"go.uber.org/zap"
)

// DeviceInfo describes an attached USB device
type DeviceInfo struct {
	Bus       int    `json:"bus"`
	Address   int    `json:"address"`
	VendorID  string `json:"vendor_id"`
	ProductID string `json:"product_id"`
	Class     string `json:"class"`
	Network   bool   `json:"network"`
	Matched   bool   `json:"matched"`
}

// ListDevices enumerates attached devices without opening them. Devices
// exposing a network function are flagged, and the one matching config is
// marked.
func ListDevices(config *Config, logger *zap.Logger) ([]DeviceInfo, error) {
	usbCtx := gousb.NewContext()
	defer func() {
		if err := usbCtx.Close(); err != nil {
			logger.Warn("Failed to close USB context", zap.Error(err))
		}
	}()

	var vendorID, productID gousb.ID
	if config != nil {
		vendorID, _ = ParseID(config.VendorID)
		productID, _ = ParseID(config.ProductID)
	}

	var devices []DeviceInfo
	_, err := usbCtx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		devices = append(devices, DeviceInfo{
			Bus:       desc.Bus,
			Address:   desc.Address,
			VendorID:  fmt.Sprintf("0x%04x", uint16(desc.Vendor)),
			ProductID: fmt.Sprintf("0x%04x", uint16(desc.Product)),
			Class:     desc.Class.String(),
			Network:   hasNetworkFunction(desc),
			Matched:   config != nil && desc.Vendor == vendorID && desc.Product == productID,
		})
		// describe only, never open
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}

	logger.Debug("USB devices enumerated", zap.Int("device_count", len(devices)))
	return devices, nil
}

// hasNetworkFunction reports an RNDIS (wireless controller) or CDC
// communications interface on any configuration
func hasNetworkFunction(desc *gousb.DeviceDesc) bool {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if alt.Class == gousb.ClassWireless || alt.Class == gousb.ClassComm {
					return true
				}
			}
		}
	}
	return false
}
