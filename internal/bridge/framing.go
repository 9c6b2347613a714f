// Package bridge turns TCP requests into delimited serial transactions.
package bridge

import (
	"fmt"
	"time"

	"rndis-bridge/internal/config"
)

// Framing describes how a serial reply is delimited
type Framing struct {
	StartByte      byte
	Terminator     byte
	BufferSize     int
	StartTimeout   time.Duration
	CollectTimeout time.Duration
	ErrorPayload   []byte
}

// DefaultFraming returns the `$...:` framing with a 100 byte buffer
func DefaultFraming() Framing {
	return Framing{
		StartByte:      '$',
		Terminator:     ':',
		BufferSize:     100,
		StartTimeout:   100 * time.Millisecond,
		CollectTimeout: time.Second,
		ErrorPayload:   []byte("2;:"),
	}
}

// FramingFromConfig builds the framing from the bridge config section
func FramingFromConfig(cfg *config.BridgeConfig) (Framing, error) {
	if len(cfg.StartByte) != 1 || len(cfg.Terminator) != 1 {
		return Framing{}, fmt.Errorf("start byte and terminator must be single bytes")
	}
	f := Framing{
		StartByte:      cfg.StartByte[0],
		Terminator:     cfg.Terminator[0],
		BufferSize:     cfg.BufferSize,
		StartTimeout:   cfg.StartTimeout,
		CollectTimeout: cfg.CollectTimeout,
		ErrorPayload:   []byte(cfg.ErrorPayload),
	}
	return f, f.Validate()
}

// Validate checks the framing is usable
func (f Framing) Validate() error {
	if f.BufferSize < 2 {
		return fmt.Errorf("buffer size must be at least 2, got %d", f.BufferSize)
	}
	if f.StartTimeout <= 0 {
		return fmt.Errorf("start timeout must be positive")
	}
	if f.CollectTimeout < 0 {
		return fmt.Errorf("collect timeout must not be negative")
	}
	if len(f.ErrorPayload) == 0 {
		return fmt.Errorf("error payload is required")
	}
	return nil
}

// MaxFrame is the most bytes a reply may carry, terminator included
func (f Framing) MaxFrame() int {
	return f.BufferSize - 1
}
