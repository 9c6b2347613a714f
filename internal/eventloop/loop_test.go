package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type trace struct {
	mutex sync.Mutex
	calls []string
	slice time.Duration
}

func (t *trace) add(call string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.calls = append(t.calls, call)
}

func (t *trace) snapshot() []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return append([]string(nil), t.calls...)
}

type tracePoller struct{ *trace }

func (p tracePoller) Poll(timeout time.Duration) {
	p.mutex.Lock()
	p.slice = timeout
	p.mutex.Unlock()
	p.add("poll")
}

type traceTasker struct{ *trace }

func (t traceTasker) Task() { t.add("task") }

func TestRunOnceOrder(t *testing.T) {
	tr := &trace{}
	loop := New(tracePoller{tr}, traceTasker{tr}, 0, zap.NewNop())

	loop.RunOnce()
	loop.RunOnce()

	assert.Equal(t, []string{"poll", "task", "poll", "task"}, tr.snapshot())
	assert.Equal(t, DefaultSlice, tr.slice)
	assert.Equal(t, uint64(2), loop.Iterations())
}

func TestNilTasker(t *testing.T) {
	tr := &trace{}
	loop := New(tracePoller{tr}, nil, 5*time.Millisecond, zap.NewNop())

	loop.RunOnce()
	assert.Equal(t, []string{"poll"}, tr.snapshot())
	assert.Equal(t, 5*time.Millisecond, tr.slice)
}

func TestRunStopsOnCancel(t *testing.T) {
	tr := &trace{}
	loop := New(tracePoller{tr}, traceTasker{tr}, time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return loop.Iterations() >= 10 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}

	calls := tr.snapshot()
	for i := 0; i+1 < len(calls); i += 2 {
		assert.Equal(t, "poll", calls[i])
		assert.Equal(t, "task", calls[i+1])
	}
}
