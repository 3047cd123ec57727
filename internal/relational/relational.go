// Package relational is the boundary to the authoritative relational store
// of elections, candidates and registrations.
//
// Client is the port; GormStore (SQLite via gorm, goose migrations) and
// HTTPClient (REST, fetch-token-then-submit writes) are the adapters.
package relational

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/ballotsync/internal/ballot"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("relational: not found")

	// ErrLedgerIDImmutable is returned when a different ledger id would
	// overwrite one already attached.
	ErrLedgerIDImmutable = errors.New("relational: ledger id already attached")

	// ErrFrozen is returned when editing ledger-relevant fields of an
	// entity that has been deployed.
	ErrFrozen = errors.New("relational: entity is deployed and frozen")

	// ErrDuplicateVote is returned when a voter already has an off-ledger
	// vote recorded for the election.
	ErrDuplicateVote = errors.New("relational: voter already has a recorded vote")
)

// Client is the relational store contract used by sync and vote paths.
type Client interface {
	ListElections(ctx context.Context) ([]ballot.Election, error)
	GetElection(ctx context.Context, id int64) (ballot.Election, error)
	ListCandidates(ctx context.Context) ([]ballot.Candidate, error)
	GetCandidate(ctx context.Context, id int64) (ballot.Candidate, error)
	ListRegistrations(ctx context.Context) ([]ballot.Registration, error)
	ListRegistrationsByElection(ctx context.Context, electionID int64) ([]ballot.Registration, error)

	// AttachElectionLedgerID sets the election's ledger id exactly once.
	// Re-attaching the same id is a no-op; a different id fails with
	// ErrLedgerIDImmutable.
	AttachElectionLedgerID(ctx context.Context, id int64, ledgerID uint64) error
	AttachCandidateLedgerID(ctx context.Context, id int64, ledgerID uint64) error

	RecordOffchainVote(ctx context.Context, v OffchainVote) error
	HasOffchainVote(ctx context.Context, electionID int64, voter string) (bool, error)
}

// OffchainVote is a vote recorded only in the relational store because the
// ledger was unavailable. It is not ledger-backed.
type OffchainVote struct {
	ElectionID  int64     `json:"election_id"`
	CandidateID int64     `json:"candidate_id"`
	Voter       string    `json:"voter"`
	Reason      string    `json:"reason"`
	RecordedAt  time.Time `json:"recorded_at"`
}
