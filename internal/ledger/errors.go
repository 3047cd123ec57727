package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/ballotsync/internal/ballot"
)

// Code is a structured ledger rejection code.
type Code string

const (
	CodeAlreadyExists Code = "ALREADY_EXISTS"
	CodeAlreadyVoted  Code = "ALREADY_VOTED"
	// CodeElectionClosed: the election no longer accepts candidate links.
	CodeElectionClosed Code = "ELECTION_CLOSED"
	// CodeNotActive: the election is not open for voting.
	CodeNotActive   Code = "ELECTION_NOT_ACTIVE"
	CodeFeeTooLow   Code = "FEE_TOO_LOW"
	CodeNotFound    Code = "NOT_FOUND"
	CodeNoSession   Code = "NO_SESSION"
	CodeUnavailable Code = "UNAVAILABLE"
	CodeUnknown     Code = "UNKNOWN"
)

// Error is a structured ledger rejection.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	// LedgerID is the id of the existing entity for CodeAlreadyExists.
	LedgerID *uint64 `json:"ledger_id,omitempty"`
}

func (e *Error) Error() string {
	if e.LedgerID != nil {
		return fmt.Sprintf("ledger %s: %s (ledger id %d)", e.Code, e.Message, *e.LedgerID)
	}
	return fmt.Sprintf("ledger %s: %s", e.Code, e.Message)
}

// Reject creates a structured ledger error.
func Reject(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Exists creates a CodeAlreadyExists error carrying the existing id.
func Exists(id uint64, format string, args ...any) *Error {
	e := Reject(CodeAlreadyExists, format, args...)
	e.LedgerID = ballot.LedgerIDPtr(id)
	return e
}

// legacyPatterns classify opaque errors from sources that do not speak the
// structured contract. Checked in order against the lowercased message.
var legacyPatterns = []struct {
	substr string
	code   Code
}{
	{"already exists", CodeAlreadyExists},
	{"already registered", CodeAlreadyExists},
	{"duplicate", CodeAlreadyExists},
	{"already voted", CodeAlreadyVoted},
	{"has voted", CodeAlreadyVoted},
	{"not accepting", CodeElectionClosed},
	{"voting already active", CodeElectionClosed},
	{"voting has started", CodeElectionClosed},
	{"election closed", CodeElectionClosed},
	{"not active", CodeNotActive},
	{"has ended", CodeNotActive},
	{"fee too low", CodeFeeTooLow},
	{"underpriced", CodeFeeTooLow},
	{"insufficient fee", CodeFeeTooLow},
	{"less than block base fee", CodeFeeTooLow},
	{"no signer", CodeNoSession},
	{"no session", CodeNoSession},
	{"user rejected", CodeNoSession},
	{"connection refused", CodeUnavailable},
	{"no such file or directory", CodeUnavailable},
	{"timeout", CodeUnavailable},
	{"unavailable", CodeUnavailable},
	{"not found", CodeNotFound},
	{"does not exist", CodeNotFound},
}

// Classify returns the ledger code for err.
//
// Structured *Error values are read via errors.As. Substring matching is
// only a fallback for opaque errors. Returns "" for nil.
func Classify(err error) Code {
	if err == nil {
		return ""
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeUnavailable
	}
	msg := strings.ToLower(err.Error())
	for _, p := range legacyPatterns {
		if strings.Contains(msg, p.substr) {
			return p.code
		}
	}
	return CodeUnknown
}

// ExistingID returns the ledger id carried by an already-exists error.
func ExistingID(err error) (uint64, bool) {
	var le *Error
	if errors.As(err, &le) && le.Code == CodeAlreadyExists && le.LedgerID != nil {
		return *le.LedgerID, true
	}
	return 0, false
}

// Explain maps a ledger failure into the ballotsync error taxonomy, naming
// the entity it concerns.
func Explain(err error, op, entity, entityID string) error {
	if err == nil {
		return nil
	}
	code := Classify(err)
	be := &ballot.Error{Op: op, Entity: entity, EntityID: entityID, Err: err}
	switch code {
	case CodeAlreadyExists:
		be.Code = ballot.ErrCodeAlreadyExists
	case CodeNoSession, CodeUnavailable:
		be.Code = ballot.ErrCodeConnection
	default:
		be.Code = ballot.ErrCodeLedgerRejection
		be.Reason = readableReason(code)
	}
	return be
}

func readableReason(code Code) string {
	switch code {
	case CodeAlreadyVoted:
		return "voter has already voted in this election"
	case CodeElectionClosed:
		return "election no longer accepts candidate links"
	case CodeNotActive:
		return "election is not open for voting"
	case CodeFeeTooLow:
		return "fee too low for current network conditions"
	case CodeNotFound:
		return "entity not found on ledger"
	default:
		return "ledger rejected the write"
	}
}
