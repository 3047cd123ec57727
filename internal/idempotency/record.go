package idempotency

import (
	"time"

	"github.com/roach88/ballotsync/internal/ballot"
)

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Record marks a logical ledger write.
// A record with StatusSuccess must never be resubmitted.
type Record struct {
	ID         string               `json:"id"`
	Type       ballot.OperationType `json:"type"`
	ElectionID int64                `json:"election_id"`
	LedgerID   *uint64              `json:"ledger_id,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
	Status     Status               `json:"status"`
}

// NewRecord builds a record whose id is derived from (opType, target).
func NewRecord(opType ballot.OperationType, target string, electionID int64, status Status) Record {
	return Record{
		ID:         ballot.MustOperationID(opType, target),
		Type:       opType,
		ElectionID: electionID,
		Status:     status,
	}
}

// WithLedgerID returns a copy of r carrying the ledger id.
func (r Record) WithLedgerID(id uint64) Record {
	r.LedgerID = ballot.LedgerIDPtr(id)
	return r
}

func (r Record) equal(o Record) bool {
	if r.ID != o.ID || r.Type != o.Type || r.ElectionID != o.ElectionID || r.Status != o.Status {
		return false
	}
	if !r.Timestamp.Equal(o.Timestamp) {
		return false
	}
	if (r.LedgerID == nil) != (o.LedgerID == nil) {
		return false
	}
	return r.LedgerID == nil || *r.LedgerID == *o.LedgerID
}
