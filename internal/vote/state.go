package vote

import "github.com/roach88/ballotsync/internal/ledger"

// State is a step of the vote lifecycle.
type State string

const (
	StateNotVoted     State = "not_voted"
	StateChecking     State = "checking"
	StateEligible     State = "eligible"
	StateAlreadyVoted State = "already_voted"
	StateNotDeployed  State = "not_deployed"
	StateSubmitting   State = "submitting"
	StateConfirmed    State = "confirmed"
	StateFailed       State = "failed"
	// StateDegraded marks a vote held only in the relational store.
	StateDegraded State = "degraded"
)

// Path names which submission route produced an outcome.
type Path string

const (
	PathPrimary  Path = "primary"
	PathManual   Path = "manual"
	PathDegraded Path = "degraded"
)

// Request identifies a vote by relational ids and voter.
type Request struct {
	ElectionID  int64  `json:"election_id"`
	CandidateID int64  `json:"candidate_id"`
	Voter       string `json:"voter"`
}

// Outcome is the terminal result of a vote attempt.
type Outcome struct {
	State   State           `json:"state"`
	Path    Path            `json:"path"`
	Receipt *ledger.Receipt `json:"receipt,omitempty"`
	// LedgerBacked is false for degraded votes. Such votes are not
	// equivalent to confirmed ones.
	LedgerBacked bool   `json:"ledger_backed"`
	Warning      string `json:"warning,omitempty"`
	// Trail lists the states visited, in order.
	Trail []State `json:"trail"`
}

func (o *Outcome) enter(s State) {
	o.State = s
	o.Trail = append(o.Trail, s)
}

// Override authorizes the manual fallback path.
type Override struct {
	Operator string
	Confirm  bool
	// Explicit ledger ids bypass the resolver when set.
	ElectionLedgerID  *uint64
	CandidateLedgerID *uint64
}
