// internal/model/transaction.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// Outcome represents how a bridge cycle ended
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeTimeout        Outcome = "timeout"
	OutcomeOverflow       Outcome = "overflow"
	OutcomeCollectTimeout Outcome = "collect_timeout"
	OutcomeAborted        Outcome = "aborted"
	OutcomeWriteError     Outcome = "write_error"
)

// IsError reports whether the peer was sent the error payload
func (o Outcome) IsError() bool {
	return o == OutcomeTimeout || o == OutcomeCollectTimeout || o == OutcomeWriteError
}

// Transaction is the record of one request/response cycle over the serial port
type Transaction struct {
	ID         uuid.UUID     `json:"id"`
	SessionID  string        `json:"session_id"`
	RemoteAddr string        `json:"remote_addr"`
	Request    []byte        `json:"request"`
	Response   []byte        `json:"response"`
	Outcome    Outcome       `json:"outcome"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// NewTransaction starts a transaction record
func NewTransaction(sessionID, remoteAddr string, request []byte) *Transaction {
	return &Transaction{
		ID:         uuid.New(),
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Request:    append([]byte(nil), request...),
		StartedAt:  time.Now(),
	}
}

// Finish records the response and outcome
func (t *Transaction) Finish(response []byte, outcome Outcome) {
	t.Response = append([]byte(nil), response...)
	t.Outcome = outcome
	t.Duration = time.Since(t.StartedAt)
}

// EventData flattens the transaction for the event bus
func (t *Transaction) EventData() map[string]interface{} {
	return map[string]interface{}{
		"transaction_id": t.ID.String(),
		"session_id":     t.SessionID,
		"remote_addr":    t.RemoteAddr,
		"request":        string(t.Request),
		"response":       string(t.Response),
		"outcome":        string(t.Outcome),
		"duration_ms":    t.Duration.Milliseconds(),
	}
}

// LinkStatus is a snapshot of the USB network interface
type LinkStatus struct {
	Up          bool   `json:"up"`
	MAC         string `json:"mac"`
	IP          string `json:"ip"`
	Mask        string `json:"mask"`
	DHCPServer  bool   `json:"dhcp_server"`
	TxFrames    uint64 `json:"tx_frames"`
	TxNotReady  uint64 `json:"tx_not_ready"`
	TxTimeouts  uint64 `json:"tx_timeouts"`
	RxFrames    uint64 `json:"rx_frames"`
	RxDropped   uint64 `json:"rx_dropped"`
	QueueLength int    `json:"queue_length"`
}
