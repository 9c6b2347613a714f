// Package usb carries network frames over a pair of USB bulk endpoints.
package usb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"
)

// ErrBusy is returned by Transmit when the outbound slot is taken.
var ErrBusy = errors.New("usb pipe busy")

// Config represents the USB bulk pipe configuration
type Config struct {
	VendorID    string        `json:"vendor_id"`
	ProductID   string        `json:"product_id"`
	Config      int           `json:"config"`
	Interface   int           `json:"interface"`
	AltSetting  int           `json:"alt_setting"`
	InEndpoint  int           `json:"in_endpoint"`
	OutEndpoint int           `json:"out_endpoint"`
	Framing     string        `json:"framing"`
	MaxTransfer int           `json:"max_transfer"`
	Timeout     time.Duration `json:"timeout"`
	Debug       bool          `json:"debug"`
}

type bulkReader interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type bulkWriter interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

// Stats holds pipe counters
type Stats struct {
	TxTransfers  int64     `json:"tx_transfers"`
	RxTransfers  int64     `json:"rx_transfers"`
	RxFrames     int64     `json:"rx_frames"`
	DecodeErrors int64     `json:"decode_errors"`
	ErrorCount   int64     `json:"error_count"`
	LastActivity time.Time `json:"last_activity"`
}

// Pipe is a USB network function backed by bulk IN/OUT endpoints. A reader
// goroutine fills one receive slot at a time; the slot is handed to the
// receiver from Task and refilled only after RenewReceive.
type Pipe struct {
	config *Config
	framer framer
	in     bulkReader
	out    bulkWriter
	logger *zap.Logger

	receiver func(frame []byte)
	received chan [][]byte
	renew    chan struct{}
	tx       chan []byte

	inited    atomic.Bool
	ready     atomic.Bool
	connected atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closer func()
	once   sync.Once

	txTransfers  atomic.Int64
	rxTransfers  atomic.Int64
	rxFrames     atomic.Int64
	decodeErrors atomic.Int64
	errorCount   atomic.Int64
	lastActivity atomic.Int64
}

// Open finds the device by VID/PID, claims the configured interface and
// starts the bulk reader and writer.
func Open(config *Config, logger *zap.Logger) (*Pipe, error) {
	logger = logger.With(
		zap.String("vendor_id", config.VendorID),
		zap.String("product_id", config.ProductID),
	)

	vendorID, err := ParseID(config.VendorID)
	if err != nil {
		return nil, fmt.Errorf("invalid vendor ID: %w", err)
	}
	productID, err := ParseID(config.ProductID)
	if err != nil {
		return nil, fmt.Errorf("invalid product ID: %w", err)
	}

	logger.Info("Opening USB pipe",
		zap.Int("config", config.Config),
		zap.Int("interface", config.Interface),
		zap.Int("in_endpoint", config.InEndpoint),
		zap.Int("out_endpoint", config.OutEndpoint),
	)

	usbCtx := gousb.NewContext()
	if config.Debug {
		usbCtx.Debug(3)
	}

	device, err := usbCtx.OpenDeviceWithVIDPID(vendorID, productID)
	if err != nil {
		usbCtx.Close()
		return nil, fmt.Errorf("failed to open USB device: %w", err)
	}
	if device == nil {
		usbCtx.Close()
		return nil, fmt.Errorf("USB device not found (VID: %s, PID: %s)", vendorID, productID)
	}

	if err := device.SetAutoDetach(true); err != nil {
		logger.Warn("Failed to enable kernel driver auto-detach", zap.Error(err))
	}

	usbConfig, err := device.Config(config.Config)
	if err != nil {
		device.Close()
		usbCtx.Close()
		return nil, fmt.Errorf("failed to select configuration %d: %w", config.Config, err)
	}

	intf, err := usbConfig.Interface(config.Interface, config.AltSetting)
	if err != nil {
		usbConfig.Close()
		device.Close()
		usbCtx.Close()
		return nil, fmt.Errorf("failed to claim interface: %w", err)
	}

	closeAll := func() {
		intf.Close()
		usbConfig.Close()
		device.Close()
		usbCtx.Close()
	}

	inEndpt, err := intf.InEndpoint(config.InEndpoint)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to get in endpoint: %w", err)
	}
	outEndpt, err := intf.OutEndpoint(config.OutEndpoint)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to get out endpoint: %w", err)
	}

	pipe, err := newPipe(inEndpt, outEndpt, config, logger)
	if err != nil {
		closeAll()
		return nil, err
	}
	pipe.closer = closeAll

	logger.Info("USB pipe opened successfully", zap.String("framing", config.Framing))
	return pipe, nil
}

func newPipe(in bulkReader, out bulkWriter, config *Config, logger *zap.Logger) (*Pipe, error) {
	fr, err := newFramer(config.Framing)
	if err != nil {
		return nil, err
	}
	if config.MaxTransfer <= fr.overhead() {
		return nil, fmt.Errorf("max transfer %d too small", config.MaxTransfer)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipe{
		config:   config,
		framer:   fr,
		in:       in,
		out:      out,
		logger:   logger.With(zap.String("component", "usb_pipe")),
		received: make(chan [][]byte, 1),
		renew:    make(chan struct{}, 1),
		tx:       make(chan []byte, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.inited.Store(true)
	p.connected.Store(true)
	p.renew <- struct{}{}

	p.wg.Add(2)
	go p.readLoop()
	go p.writeLoop()
	p.ready.Store(true)

	return p, nil
}

// Inited reports whether the USB context and device were opened
func (p *Pipe) Inited() bool { return p.inited.Load() }

// Ready reports whether the interface is claimed and the pipe is running
func (p *Pipe) Ready() bool { return p.ready.Load() }

// Connected reports whether the device is still attached
func (p *Pipe) Connected() bool { return p.connected.Load() }

// CanTransmit reports whether a frame of n bytes can be queued now
func (p *Pipe) CanTransmit(n int) bool {
	if !p.Ready() || n+p.framer.overhead() > p.config.MaxTransfer {
		return false
	}
	return len(p.tx) < cap(p.tx)
}

// Transmit queues one frame for the bulk OUT endpoint
func (p *Pipe) Transmit(frame []byte) error {
	if !p.Ready() {
		return fmt.Errorf("usb pipe not ready")
	}
	if len(frame)+p.framer.overhead() > p.config.MaxTransfer {
		return fmt.Errorf("frame of %d bytes exceeds max transfer", len(frame))
	}

	transfer := p.framer.encode(append([]byte(nil), frame...))
	select {
	case p.tx <- transfer:
		return nil
	default:
		return ErrBusy
	}
}

// SetReceiver registers the inbound frame callback
func (p *Pipe) SetReceiver(fn func(frame []byte)) {
	p.receiver = fn
}

// RenewReceive releases the receive slot so the next transfer can be read
func (p *Pipe) RenewReceive() {
	select {
	case p.renew <- struct{}{}:
	default:
	}
}

// Task delivers a pending inbound transfer to the receiver. It never blocks.
func (p *Pipe) Task() {
	select {
	case frames := <-p.received:
		if p.receiver == nil {
			p.RenewReceive()
			return
		}
		for _, frame := range frames {
			p.receiver(frame)
		}
	default:
	}
}

func (p *Pipe) readLoop() {
	defer p.wg.Done()

	buf := make([]byte, p.config.MaxTransfer)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.renew:
		}

		frames, ok := p.readTransfer(buf)
		if !ok {
			return
		}
		if len(frames) == 0 {
			p.RenewReceive()
			continue
		}

		select {
		case p.received <- frames:
		case <-p.ctx.Done():
			return
		}
	}
}

// readTransfer reads until one transfer carries at least one frame. It
// returns false when the pipe should stop.
func (p *Pipe) readTransfer(buf []byte) ([][]byte, bool) {
	for {
		n, err := p.in.ReadContext(p.ctx, buf)
		if err != nil {
			if p.ctx.Err() != nil {
				return nil, false
			}
			p.errorCount.Add(1)
			if p.fatal(err) {
				return nil, false
			}
			p.logger.Debug("USB read failed", zap.Error(err))
			continue
		}
		if n == 0 {
			continue
		}

		p.rxTransfers.Add(1)
		p.lastActivity.Store(time.Now().UnixNano())

		frames, err := p.framer.decode(buf[:n])
		if err != nil {
			p.decodeErrors.Add(1)
			p.logger.Warn("Malformed inbound transfer", zap.Int("bytes", n), zap.Error(err))
		}
		if len(frames) > 0 {
			p.rxFrames.Add(int64(len(frames)))
			return frames, true
		}
	}
}

func (p *Pipe) writeLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case transfer := <-p.tx:
			ctx, cancel := p.transferContext()
			n, err := p.out.WriteContext(ctx, transfer)
			cancel()

			if err != nil {
				if p.ctx.Err() != nil {
					return
				}
				p.errorCount.Add(1)
				if p.fatal(err) {
					return
				}
				p.logger.Warn("USB write failed", zap.Int("bytes", len(transfer)), zap.Error(err))
				continue
			}
			if n != len(transfer) {
				p.errorCount.Add(1)
				p.logger.Warn("Incomplete USB write",
					zap.Int("written", n),
					zap.Int("bytes", len(transfer)),
				)
				continue
			}

			p.txTransfers.Add(1)
			p.lastActivity.Store(time.Now().UnixNano())
		}
	}
}

func (p *Pipe) transferContext() (context.Context, context.CancelFunc) {
	if p.config.Timeout > 0 {
		return context.WithTimeout(p.ctx, p.config.Timeout)
	}
	return context.WithCancel(p.ctx)
}

// fatal marks the link down when the device is gone
func (p *Pipe) fatal(err error) bool {
	if errors.Is(err, gousb.ErrorNoDevice) || errors.Is(err, gousb.TransferNoDevice) {
		if p.connected.Swap(false) {
			p.logger.Error("USB device disconnected", zap.Error(err))
		}
		p.ready.Store(false)
		return true
	}
	return false
}

// Stats returns a snapshot of the pipe counters
func (p *Pipe) Stats() Stats {
	stats := Stats{
		TxTransfers:  p.txTransfers.Load(),
		RxTransfers:  p.rxTransfers.Load(),
		RxFrames:     p.rxFrames.Load(),
		DecodeErrors: p.decodeErrors.Load(),
		ErrorCount:   p.errorCount.Load(),
	}
	if ts := p.lastActivity.Load(); ts != 0 {
		stats.LastActivity = time.Unix(0, ts)
	}
	return stats
}

// Close stops the pipe and releases the device
func (p *Pipe) Close() error {
	p.once.Do(func() {
		p.ready.Store(false)
		p.cancel()
		p.wg.Wait()
		if p.closer != nil {
			p.closer()
		}
		p.logger.Info("USB pipe closed")
	})
	return nil
}

// ParseID parses a hex USB ID (0x1234 or 1234)
func ParseID(hexStr string) (gousb.ID, error) {
	hexStr = strings.TrimPrefix(strings.ToLower(hexStr), "0x")

	id, err := strconv.ParseUint(hexStr, 16, 16)
	if err != nil {
		return 0, err
	}

	return gousb.ID(id), nil
}
