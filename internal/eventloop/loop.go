package eventloop

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Poller services network events for up to the given time
type Poller interface {
	Poll(timeout time.Duration)
}

// Tasker runs one step of device housekeeping. It must not block.
type Tasker interface {
	Task()
}

// DefaultSlice is how long one iteration may wait for network events
const DefaultSlice = time.Millisecond

// Loop alternates network servicing and device housekeeping on a single
// goroutine, forever, in that order.
type Loop struct {
	poller     Poller
	tasker     Tasker
	slice      time.Duration
	logger     *zap.Logger
	iterations atomic.Uint64
}

// New creates a loop. tasker may be nil when no device needs servicing.
func New(poller Poller, tasker Tasker, slice time.Duration, logger *zap.Logger) *Loop {
	if slice <= 0 {
		slice = DefaultSlice
	}
	return &Loop{
		poller: poller,
		tasker: tasker,
		slice:  slice,
		logger: logger.With(zap.String("component", "eventloop")),
	}
}

// Run iterates until ctx is cancelled
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("Event loop started", zap.Duration("slice", l.slice))
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Event loop stopped", zap.Uint64("iterations", l.iterations.Load()))
			return
		default:
		}
		l.RunOnce()
	}
}

// RunOnce performs a single iteration
func (l *Loop) RunOnce() {
	l.poller.Poll(l.slice)
	if l.tasker != nil {
		l.tasker.Task()
	}
	l.iterations.Add(1)
}

// Iterations returns how many iterations have completed
func (l *Loop) Iterations() uint64 {
	return l.iterations.Load()
}
