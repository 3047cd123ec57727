package ledger

import (
	"context"
	"encoding/json"
	"time"
)

// Client is the ledger call contract.
//
// Writes (CreateElection, RegisterCandidate, AddCandidateToElection, Vote)
// require a write-capable session established by Connect and return after
// exactly one confirmation.
type Client interface {
	Connect(ctx context.Context) (Session, error)
	CreateElection(ctx context.Context, spec ElectionSpec) (uint64, error)
	RegisterCandidate(ctx context.Context, domainID string) (uint64, error)
	AddCandidateToElection(ctx context.Context, electionID, candidateID uint64) error
	Vote(ctx context.Context, b Ballot) (Receipt, error)
	ElectionStatus(ctx context.Context, electionID uint64) (ElectionStatus, error)
	CandidateVotes(ctx context.Context, electionID uint64) ([]Tally, error)
	HasVoted(ctx context.Context, electionID uint64, voter string) (bool, error)
}

// DomainLookup resolves a candidate's ledger id from its domain identifier.
// Authoritative when available; returns CodeUnavailable when the ledger
// cannot answer and CodeNotFound when no such candidate exists.
type DomainLookup interface {
	CandidateIDByDomainID(ctx context.Context, domainID string) (uint64, error)
}

// RawSubmitter submits a hand-encoded call, bypassing fee estimation and
// client-side call encoding.
type RawSubmitter interface {
	SubmitRaw(ctx context.Context, call RawCall) (Receipt, error)
}

// Session is a write-capable signing session.
type Session struct {
	Account string `json:"account"`
}

// ElectionSpec is the payload of a create-election write.
type ElectionSpec struct {
	Type  string    `json:"type"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Fee carries the fee parameters attached to a write.
type Fee struct {
	GasLimit uint64 `json:"gas_limit"`
	GasPrice uint64 `json:"gas_price"`
}

// Ballot is the payload of a vote write.
type Ballot struct {
	ElectionID  uint64 `json:"election_id"`
	CandidateID uint64 `json:"candidate_id"`
	Voter       string `json:"voter"`
	Nonce       string `json:"nonce"`
	Fee         Fee    `json:"fee"`
}

// Receipt confirms an accepted vote.
type Receipt struct {
	TxHash        string `json:"tx_hash"`
	ElectionID    uint64 `json:"election_id"`
	CandidateID   uint64 `json:"candidate_id"`
	Voter         string `json:"voter"`
	Nonce         string `json:"nonce"`
	Confirmations int    `json:"confirmations"`
	Fee           Fee    `json:"fee"`
}

// Phase is the ledger-side lifecycle of an election.
type Phase string

const (
	PhasePending Phase = "pending" // before start: accepts candidate links
	PhaseActive  Phase = "active"  // voting open: links refused
	PhaseEnded   Phase = "ended"
)

// ElectionStatus describes an election as the ledger sees it.
type ElectionStatus struct {
	ID           uint64    `json:"id"`
	Type         string    `json:"type"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Phase        Phase     `json:"phase"`
	CandidateIDs []uint64  `json:"candidate_ids"`
	TotalVotes   uint64    `json:"total_votes"`
}

// AcceptingLinks reports whether candidates may still be added.
func (s ElectionStatus) AcceptingLinks() bool {
	return s.Phase == PhasePending
}

// Tally is one candidate's vote count.
type Tally struct {
	CandidateID uint64 `json:"candidate_id"`
	DomainID    string `json:"domain_id"`
	Votes       uint64 `json:"votes"`
}

// RawCall is a hand-encoded ledger call.
type RawCall struct {
	Method string          `json:"method"`
	From   string          `json:"from"`
	Params json.RawMessage `json:"params"`
	Fee    Fee             `json:"fee"`
}
