package bridge

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rndis-bridge/internal/events"
	"rndis-bridge/internal/model"
	"rndis-bridge/internal/stack"
	"rndis-bridge/internal/utils"
)

// Port is the serial channel as the bridge uses it
type Port interface {
	ByteSource
	ByteReader
	Write(data []byte) error
	Discard()
}

// Conn is a TCP connection as the bridge uses it
type Conn interface {
	ID() string
	RemoteAddr() string
	Recv() []byte
	Consume(n int)
	Send(p []byte)
}

// Stats holds bridge counters
type Stats struct {
	Sessions        uint64 `json:"sessions"`
	Transactions    uint64 `json:"transactions"`
	Completed       uint64 `json:"completed"`
	Timeouts        uint64 `json:"timeouts"`
	Overflows       uint64 `json:"overflows"`
	CollectTimeouts uint64 `json:"collect_timeouts"`
	Aborted         uint64 `json:"aborted"`
	WriteErrors     uint64 `json:"write_errors"`
	DiscardedBytes  uint64 `json:"discarded_bytes"`
}

type session struct {
	logger       *utils.SessionLogger
	transactions uint64
}

// inflight is the one cycle the event loop is advancing
type inflight struct {
	conn   Conn
	cycle  *Cycle
	tx     *model.Transaction
	logger *utils.TransactionLogger
}

// Bridge forwards TCP requests to the serial port and returns the framed
// replies. Event handling runs on the loop goroutine and never blocks on
// the port; Transact may be called from any goroutine.
type Bridge struct {
	framing   Framing
	port      Port
	token     *Session
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time

	cycle    *Cycle
	active   *inflight
	sessions map[string]*session

	sessionCount    atomic.Uint64
	transactions    atomic.Uint64
	completed       atomic.Uint64
	timeouts        atomic.Uint64
	overflows       atomic.Uint64
	collectTimeouts atomic.Uint64
	aborted         atomic.Uint64
	writeErrors     atomic.Uint64
	discarded       atomic.Uint64
}

// New creates a bridge. publisher may be nil.
func New(framing Framing, port Port, token *Session, publisher events.Publisher, logger *zap.Logger) *Bridge {
	return &Bridge{
		framing:   framing,
		port:      port,
		token:     token,
		publisher: publisher,
		logger:    logger.With(zap.String("component", "bridge")),
		now:       time.Now,
		cycle:     NewCycle(framing),
		sessions:  make(map[string]*session),
	}
}

// HandleEvent is the stack handler for bridge connections
func (b *Bridge) HandleEvent(c *stack.Conn, ev stack.EventType) {
	b.handle(c, ev)
}

func (b *Bridge) handle(c Conn, ev stack.EventType) {
	switch ev {
	case stack.EventAccept:
		b.open(c)

	case stack.EventRead, stack.EventPoll:
		if b.active != nil && b.active.conn.ID() == c.ID() {
			// one request at a time; later bytes are dropped
			if n := len(c.Recv()); n > 0 {
				c.Consume(n)
				b.discarded.Add(uint64(n))
				b.logger.Debug("Discarding bytes received during a cycle",
					zap.String("session_id", c.ID()),
					zap.Int("bytes", n),
				)
			}
			b.advance()
			return
		}

		if len(c.Recv()) == 0 {
			return
		}
		// the request stays buffered until the port is free
		if !b.token.TryAcquire(c.ID()) {
			return
		}
		b.start(c)

	case stack.EventClose:
		if b.active != nil && b.active.conn.ID() == c.ID() {
			b.finish(model.OutcomeAborted)
		}
		b.close(c)
	}
}

func (b *Bridge) open(c Conn) {
	s := &session{logger: utils.NewSessionLogger(b.logger, c.ID(), c.RemoteAddr())}
	b.sessions[c.ID()] = s
	b.sessionCount.Add(1)
	s.logger.LogOpened()

	b.publish(events.TypeSession, map[string]interface{}{
		"session_id":  c.ID(),
		"remote_addr": c.RemoteAddr(),
		"state":       "opened",
	})
}

func (b *Bridge) close(c Conn) {
	var transactions uint64
	if s, ok := b.sessions[c.ID()]; ok {
		transactions = s.transactions
		s.logger.LogClosed(transactions)
		delete(b.sessions, c.ID())
	}

	b.publish(events.TypeSession, map[string]interface{}{
		"session_id":   c.ID(),
		"remote_addr":  c.RemoteAddr(),
		"state":        "closed",
		"transactions": transactions,
	})
}

// start forwards the buffered request and begins waiting for the reply
func (b *Bridge) start(c Conn) {
	request := append([]byte(nil), c.Recv()...)
	c.Consume(len(request))

	tx := model.NewTransaction(c.ID(), c.RemoteAddr(), request)
	b.active = &inflight{
		conn:   c,
		cycle:  b.cycle,
		tx:     tx,
		logger: utils.NewTransactionLogger(b.logger, tx.ID.String(), c.ID()),
	}
	b.transactions.Add(1)
	if s, ok := b.sessions[c.ID()]; ok {
		s.transactions++
	}

	b.active.logger.Start(request)

	b.port.Discard()
	if err := b.port.Write(request); err != nil {
		b.active.logger.Failed(string(model.OutcomeWriteError), err)
		b.finish(model.OutcomeWriteError)
		return
	}

	b.cycle.Begin(b.now())
	b.advance()
}

func (b *Bridge) advance() {
	if outcome, done := b.active.cycle.Advance(b.port, b.now()); done {
		b.finish(outcome)
	}
}

// finish sends the response, releases the port and resets scratch state
func (b *Bridge) finish(outcome model.Outcome) {
	a := b.active
	response := a.cycle.Response(outcome)

	if outcome != model.OutcomeAborted {
		a.conn.Send(response)
	}
	b.record(a.tx, a.logger, response, outcome)

	a.cycle.Reset()
	b.active = nil
	b.token.Release(a.conn.ID())
}

func (b *Bridge) record(tx *model.Transaction, logger *utils.TransactionLogger, response []byte, outcome model.Outcome) {
	tx.Finish(response, outcome)

	switch outcome {
	case model.OutcomeOK:
		b.completed.Add(1)
		logger.Received(response, string(outcome))
	case model.OutcomeOverflow:
		b.overflows.Add(1)
		logger.Received(response, string(outcome))
	case model.OutcomeTimeout:
		b.timeouts.Add(1)
		logger.Failed(string(outcome), nil)
	case model.OutcomeCollectTimeout:
		b.collectTimeouts.Add(1)
		logger.Failed(string(outcome), nil)
	case model.OutcomeAborted:
		b.aborted.Add(1)
		logger.Failed(string(outcome), nil)
	case model.OutcomeWriteError:
		b.writeErrors.Add(1)
	}

	b.publish(events.TypeTransaction, tx.EventData())
}

// Transact runs one request/response cycle outside the event loop,
// waiting for the port until ctx is done.
func (b *Bridge) Transact(ctx context.Context, request []byte) ([]byte, model.Outcome, error) {
	if len(request) == 0 {
		return nil, "", fmt.Errorf("empty request")
	}

	owner := "api-" + uuid.New().String()
	if err := b.token.Acquire(ctx, owner); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrBusy, err)
	}
	defer b.token.Release(owner)

	tx := model.NewTransaction(owner, "api", request)
	logger := utils.NewTransactionLogger(b.logger, tx.ID.String(), owner)
	b.transactions.Add(1)
	logger.Start(request)

	b.port.Discard()
	if err := b.port.Write(request); err != nil {
		logger.Failed(string(model.OutcomeWriteError), err)
		response := append([]byte(nil), b.framing.ErrorPayload...)
		b.record(tx, logger, response, model.OutcomeWriteError)
		return response, model.OutcomeWriteError, fmt.Errorf("failed to forward request: %w", err)
	}

	cycle := NewCycle(b.framing)
	outcome, err := cycle.Run(ctx, b.port)
	response := cycle.Response(outcome)
	b.record(tx, logger, response, outcome)
	if err != nil {
		return nil, outcome, err
	}
	return response, outcome, nil
}

// Busy reports whether a transaction currently owns the port
func (b *Bridge) Busy() bool {
	owner, _ := b.token.Owner()
	return owner != ""
}

// Stats returns a snapshot of the bridge counters
func (b *Bridge) Stats() Stats {
	return Stats{
		Sessions:        b.sessionCount.Load(),
		Transactions:    b.transactions.Load(),
		Completed:       b.completed.Load(),
		Timeouts:        b.timeouts.Load(),
		Overflows:       b.overflows.Load(),
		CollectTimeouts: b.collectTimeouts.Load(),
		Aborted:         b.aborted.Load(),
		WriteErrors:     b.writeErrors.Load(),
		DiscardedBytes:  b.discarded.Load(),
	}
}

func (b *Bridge) publish(eventType string, data map[string]interface{}) {
	if b.publisher == nil {
		return
	}
	b.publisher.Publish(events.NewEvent(eventType, "bridge", data))
}
