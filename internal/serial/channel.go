// Package serial wraps a hardware UART as a byte channel with timed reads.
package serial

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

var (
	// ErrTimeout is returned by ReadByte when no byte arrived in time.
	ErrTimeout = errors.New("serial read timeout")
	// ErrClosed is returned once the channel has been closed.
	ErrClosed = errors.New("serial channel closed")
)

// Port is the part of go.bug.st/serial.Port the channel relies on.
type Port interface {
	io.ReadWriteCloser
	Drain() error
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
}

// Config represents serial port configuration
type Config struct {
	Port     string        `json:"port"`
	BaudRate int           `json:"baud_rate"`
	DataBits int           `json:"data_bits"`
	StopBits int           `json:"stop_bits"`
	Parity   string        `json:"parity"`
	RxBuffer int           `json:"rx_buffer"`
	ReadPoll time.Duration `json:"read_poll"`
}

// Stats holds channel counters
type Stats struct {
	BytesWritten int64     `json:"bytes_written"`
	BytesRead    int64     `json:"bytes_read"`
	Overruns     int64     `json:"overruns"`
	Discarded    int64     `json:"discarded"`
	ErrorCount   int64     `json:"error_count"`
	LastActivity time.Time `json:"last_activity"`
}

// Channel is a single-consumer UART. A receive goroutine plays the part of
// the hardware RX FIFO; readers pull bytes from it with a timeout.
type Channel struct {
	config *Config
	port   Port
	logger *zap.Logger

	rx        chan byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	mutex     sync.Mutex // serializes writes

	bytesWritten atomic.Int64
	bytesRead    atomic.Int64
	overruns     atomic.Int64
	discarded    atomic.Int64
	errorCount   atomic.Int64
	lastActivity atomic.Int64
	readErr      atomic.Value
}

// Open opens the configured port with go.bug.st/serial and wraps it.
func Open(config *Config, logger *zap.Logger) (*Channel, error) {
	if config.Port == "" {
		return nil, fmt.Errorf("port is required")
	}

	mode, err := modeFor(config)
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(config.Port, mode)
	if err != nil {
		logger.Error("Failed to open serial port",
			zap.Error(err),
			zap.String("port", config.Port),
		)
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}

	logger.Info("Serial port opened successfully",
		zap.String("port", config.Port),
		zap.Int("baud_rate", config.BaudRate),
		zap.Int("data_bits", mode.DataBits),
		zap.String("parity", config.Parity),
	)

	return NewChannel(port, config, logger)
}

// NewChannel starts the receive goroutine over an already open port.
func NewChannel(port Port, config *Config, logger *zap.Logger) (*Channel, error) {
	readPoll := config.ReadPoll
	if readPoll <= 0 {
		readPoll = 20 * time.Millisecond
	}
	// The port timeout only bounds how long the receive goroutine takes to
	// notice Close; callers see ReadByte's own timeout.
	if err := port.SetReadTimeout(readPoll); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	rxBuffer := config.RxBuffer
	if rxBuffer <= 0 {
		rxBuffer = 256
	}

	c := &Channel{
		config: config,
		port:   port,
		logger: logger.With(zap.String("component", "serial"), zap.String("port", config.Port)),
		rx:     make(chan byte, rxBuffer),
		done:   make(chan struct{}),
	}

	c.wg.Add(1)
	go c.receive()

	return c, nil
}

// modeFor builds the fixed line discipline: no flow control, FIFO on
func modeFor(config *Config) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: config.BaudRate,
		DataBits: config.DataBits,
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}

	switch config.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits: %d", config.StopBits)
	}

	switch config.Parity {
	case "", "none":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		return nil, fmt.Errorf("unsupported parity: %s", config.Parity)
	}

	return mode, nil
}

func (c *Channel) receive() {
	defer c.wg.Done()

	buf := make([]byte, 64)
	for {
		n, err := c.port.Read(buf)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.errorCount.Add(1)
			c.readErr.Store(err)
			c.logger.Error("Failed to read from serial port", zap.Error(err))
			c.Close()
			return
		}
		if n == 0 {
			// read timeout
			select {
			case <-c.done:
				return
			default:
				continue
			}
		}

		c.bytesRead.Add(int64(n))
		c.lastActivity.Store(time.Now().UnixNano())
		for _, b := range buf[:n] {
			select {
			case c.rx <- b:
			default:
				c.overruns.Add(1)
			}
		}
	}
}

// Write pushes data out and waits for the port to drain, so a reply can
// never be awaited before the request has left the transmitter.
func (c *Channel) Write(data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.isClosed() {
		return ErrClosed
	}

	n, err := c.port.Write(data)
	if err != nil {
		c.errorCount.Add(1)
		c.logger.Error("Failed to write to serial port",
			zap.Error(err),
			zap.Int("bytes_to_write", len(data)),
		)
		return fmt.Errorf("failed to write to serial port: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}

	if err := c.port.Drain(); err != nil {
		c.errorCount.Add(1)
		return fmt.Errorf("failed to drain serial port: %w", err)
	}

	c.bytesWritten.Add(int64(n))
	c.lastActivity.Store(time.Now().UnixNano())

	c.logger.Debug("Data written to serial port",
		zap.Int("bytes_written", n),
		zap.Binary("data", data),
	)
	return nil
}

// ReadByte waits up to timeout for one byte.
func (c *Channel) ReadByte(timeout time.Duration) (byte, error) {
	select {
	case b := <-c.rx:
		return b, nil
	default:
	}

	if timeout <= 0 {
		return 0, ErrTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case b := <-c.rx:
		return b, nil
	case <-timer.C:
		return 0, ErrTimeout
	case <-c.done:
		return 0, ErrClosed
	}
}

// Poll returns a buffered byte if one is available, without waiting.
func (c *Channel) Poll() (byte, bool) {
	select {
	case b := <-c.rx:
		return b, true
	default:
		return 0, false
	}
}

// Discard drops stale input so a new transaction starts clean.
func (c *Channel) Discard() {
	var dropped int64
	for {
		select {
		case <-c.rx:
			dropped++
			continue
		default:
		}
		break
	}
	if err := c.port.ResetInputBuffer(); err != nil {
		c.logger.Debug("Failed to reset input buffer", zap.Error(err))
	}
	if dropped > 0 {
		c.discarded.Add(dropped)
		c.logger.Debug("Discarded stale serial input", zap.Int64("bytes", dropped))
	}
}

// Err returns the error that stopped the receive goroutine, if any.
func (c *Channel) Err() error {
	if err, ok := c.readErr.Load().(error); ok {
		return err
	}
	return nil
}

// IsOpen returns whether the channel still accepts traffic
func (c *Channel) IsOpen() bool {
	return !c.isClosed()
}

func (c *Channel) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Stats returns a snapshot of the channel counters
func (c *Channel) Stats() Stats {
	stats := Stats{
		BytesWritten: c.bytesWritten.Load(),
		BytesRead:    c.bytesRead.Load(),
		Overruns:     c.overruns.Load(),
		Discarded:    c.discarded.Load(),
		ErrorCount:   c.errorCount.Load(),
	}
	if ts := c.lastActivity.Load(); ts != 0 {
		stats.LastActivity = time.Unix(0, ts)
	}
	return stats
}

// Close stops the receive goroutine and closes the port
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if cerr := c.port.Close(); cerr != nil {
			err = fmt.Errorf("failed to close serial port: %w", cerr)
		}
		c.logger.Info("Serial port closed")
	})
	return err
}

// Wait blocks until the receive goroutine has exited
func (c *Channel) Wait() {
	c.wg.Wait()
}

// ListPorts returns the serial ports present on the host
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}
	return ports, nil
}
