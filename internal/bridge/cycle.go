package bridge

import (
	"context"
	"errors"
	"time"

	"rndis-bridge/internal/model"
	"rndis-bridge/internal/serial"
)

// Phase is where a cycle stands
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitStart
	PhaseCollect
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitStart:
		return "await_start"
	case PhaseCollect:
		return "collect"
	default:
		return "idle"
	}
}

// ByteSource yields serial bytes without blocking
type ByteSource interface {
	Poll() (byte, bool)
}

// ByteReader yields serial bytes, waiting up to a timeout
type ByteReader interface {
	ReadByte(timeout time.Duration) (byte, error)
}

// runSlice bounds a single blocking read so cancellation is noticed
const runSlice = 10 * time.Millisecond

// Cycle collects one framed reply. It holds no I/O of its own: bytes are
// fed in and deadlines are checked against the supplied clock, so the same
// state machine serves the event loop and blocking callers.
type Cycle struct {
	framing         Framing
	phase           Phase
	buf             []byte
	startDeadline   time.Time
	collectDeadline time.Time
}

// NewCycle creates an idle cycle
func NewCycle(framing Framing) *Cycle {
	return &Cycle{
		framing: framing,
		buf:     make([]byte, 0, framing.MaxFrame()),
	}
}

// Begin starts waiting for the start byte
func (c *Cycle) Begin(now time.Time) {
	c.buf = c.buf[:0]
	c.phase = PhaseAwaitStart
	c.startDeadline = now.Add(c.framing.StartTimeout)
	c.collectDeadline = time.Time{}
}

// Feed processes one byte. Bytes before the start byte are noise.
func (c *Cycle) Feed(b byte, now time.Time) (model.Outcome, bool) {
	switch c.phase {
	case PhaseAwaitStart:
		if b == c.framing.StartByte {
			c.phase = PhaseCollect
			if c.framing.CollectTimeout > 0 {
				c.collectDeadline = now.Add(c.framing.CollectTimeout)
			}
		}
	case PhaseCollect:
		c.buf = append(c.buf, b)
		if b == c.framing.Terminator {
			return model.OutcomeOK, true
		}
		if len(c.buf) >= c.framing.MaxFrame() {
			return model.OutcomeOverflow, true
		}
	}
	return "", false
}

// Expire ends the cycle if the current phase is past its deadline
func (c *Cycle) Expire(now time.Time) (model.Outcome, bool) {
	switch c.phase {
	case PhaseAwaitStart:
		if !now.Before(c.startDeadline) {
			return model.OutcomeTimeout, true
		}
	case PhaseCollect:
		if !c.collectDeadline.IsZero() && !now.Before(c.collectDeadline) {
			return model.OutcomeCollectTimeout, true
		}
	}
	return "", false
}

// Advance feeds every byte src has buffered, then checks deadlines
func (c *Cycle) Advance(src ByteSource, now time.Time) (model.Outcome, bool) {
	for {
		b, ok := src.Poll()
		if !ok {
			break
		}
		if outcome, done := c.Feed(b, now); done {
			return outcome, true
		}
	}
	return c.Expire(now)
}

// Run drives the cycle to completion with blocking reads
func (c *Cycle) Run(ctx context.Context, src ByteReader) (model.Outcome, error) {
	c.Begin(time.Now())
	for {
		if err := ctx.Err(); err != nil {
			return model.OutcomeAborted, err
		}

		now := time.Now()
		if outcome, done := c.Expire(now); done {
			return outcome, nil
		}

		b, err := src.ReadByte(c.wait(now))
		if errors.Is(err, serial.ErrTimeout) {
			continue
		}
		if err != nil {
			return model.OutcomeAborted, err
		}

		if outcome, done := c.Feed(b, time.Now()); done {
			return outcome, nil
		}
	}
}

// wait is how long Run may block before the next deadline check
func (c *Cycle) wait(now time.Time) time.Duration {
	var deadline time.Time
	switch c.phase {
	case PhaseAwaitStart:
		deadline = c.startDeadline
	case PhaseCollect:
		deadline = c.collectDeadline
	}
	if deadline.IsZero() {
		return runSlice
	}
	if d := deadline.Sub(now); d < runSlice {
		return d
	}
	return runSlice
}

// Response is what the peer is sent for outcome: the collected bytes,
// terminator included, or the error payload. Aborted cycles send nothing.
func (c *Cycle) Response(outcome model.Outcome) []byte {
	switch outcome {
	case model.OutcomeOK, model.OutcomeOverflow:
		return append([]byte(nil), c.buf...)
	case model.OutcomeAborted:
		return nil
	default:
		return append([]byte(nil), c.framing.ErrorPayload...)
	}
}

// Collected returns the bytes gathered so far
func (c *Cycle) Collected() []byte {
	return c.buf
}

// Phase returns the current phase
func (c *Cycle) Phase() Phase {
	return c.phase
}

// Reset clears all scratch state
func (c *Cycle) Reset() {
	clear(c.buf[:cap(c.buf)])
	c.buf = c.buf[:0]
	c.phase = PhaseIdle
	c.startDeadline = time.Time{}
	c.collectDeadline = time.Time{}
}
