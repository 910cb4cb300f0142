// Package audit publishes the consensus engine's history to a replicated
// CometBFT ledger. Every accepted proposal, recorded vote, status change and
// execution becomes one ledger transaction.
package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind names what happened to a transaction
type Kind string

const (
	KindProposed      Kind = "proposed"
	KindVoteRecorded  Kind = "vote_recorded"
	KindStatusChanged Kind = "status_changed"
	KindExecuted      Kind = "executed"
)

var knownKinds = map[Kind]bool{
	KindProposed:      true,
	KindVoteRecorded:  true,
	KindStatusChanged: true,
	KindExecuted:      true,
}

// Event is one entry in a transaction's audit history
type Event struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	TxID           string    `json:"tx_id"`
	Nullifier      string    `json:"nullifier,omitempty"`
	Decision       string    `json:"decision,omitempty"`
	JobID          string    `json:"job_id,omitempty"`
	JobStatus      string    `json:"job_status,omitempty"`
	Status         string    `json:"status,omitempty"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	ApproveCount   int       `json:"approve_count"`
	DenyCount      int       `json:"deny_count"`
	TxHash         string    `json:"tx_hash,omitempty"`
	Time           time.Time `json:"time"`
}

// Validate checks the fields every ledger entry must carry
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.TxID == "" {
		return fmt.Errorf("event tx_id is required")
	}
	if !knownKinds[e.Kind] {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// Encode serializes the event into a ledger transaction
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates a ledger transaction
func Decode(tx []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(tx, &ev); err != nil {
		return nil, fmt.Errorf("fail to parse audit event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}
