package ballot

import (
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"
)

// ElectionStatus is the relational lifecycle status of an election.
type ElectionStatus string

const (
	StatusUpcoming  ElectionStatus = "upcoming"
	StatusActive    ElectionStatus = "active"
	StatusCompleted ElectionStatus = "completed"
)

// ValidElectionStatuses defines allowed election statuses.
var ValidElectionStatuses = map[ElectionStatus]bool{
	StatusUpcoming:  true,
	StatusActive:    true,
	StatusCompleted: true,
}

// Election is the relational record of an election.
type Election struct {
	ID                int64          `json:"id"`
	Name              string         `json:"name"`
	Position          string         `json:"position"`
	StartsAt          time.Time      `json:"starts_at"`
	EndsAt            time.Time      `json:"ends_at"`
	EligibleFaculties []string       `json:"eligible_faculties,omitempty"`
	Status            ElectionStatus `json:"status"`
	LedgerID          *uint64        `json:"ledger_id,omitempty"` // immutable once set
}

// Deployed reports whether the election has been written to the ledger.
func (e Election) Deployed() bool {
	return e.LedgerID != nil
}

// Candidate is the relational record of a candidate.
type Candidate struct {
	ID       int64   `json:"id"`
	FullName string  `json:"full_name"`
	DomainID string  `json:"domain_id"` // stable cross-system key, e.g. student id
	Faculty  string  `json:"faculty"`
	Position string  `json:"position"`
	LedgerID *uint64 `json:"ledger_id,omitempty"`
}

// Registered reports whether the candidate has been written to the ledger.
func (c Candidate) Registered() bool {
	return c.LedgerID != nil
}

// Registration joins a candidate to an election.
type Registration struct {
	ElectionID    int64  `json:"election_id"`
	CandidateID   int64  `json:"candidate_id"`
	RunningMateID *int64 `json:"running_mate_id,omitempty"`
}

// Key returns the "electionID:candidateID" form used in operation targets.
func (r Registration) Key() string {
	return fmt.Sprintf("%d:%d", r.ElectionID, r.CandidateID)
}

// NormalizeDomainID returns the NFC form of a domain identifier.
// Domain ids typed by humans on different systems must compare equal.
func NormalizeDomainID(id string) string {
	return norm.NFC.String(id)
}

// LedgerIDPtr returns a pointer to id.
func LedgerIDPtr(id uint64) *uint64 {
	return &id
}
