package ballot

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes failures surfaced by sync and vote operations.
type ErrorCode string

const (
	// ErrCodeConnection indicates no signing session or no network.
	// Aborts an orchestrator run.
	ErrCodeConnection ErrorCode = "CONNECTION"

	// ErrCodeNotDeployed indicates the election has no ledger id yet.
	// Recoverable by the caller: skip or trigger deployment.
	ErrCodeNotDeployed ErrorCode = "NOT_DEPLOYED"

	// ErrCodeAlreadyExists indicates the ledger already holds the entity.
	// Recovered silently as success.
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"

	// ErrCodeMappingResolution indicates a relational id could not be
	// mapped to a ledger id. Never guessed past.
	ErrCodeMappingResolution ErrorCode = "MAPPING_RESOLUTION"

	// ErrCodeLedgerRejection indicates the ledger refused a write
	// (fee too low, already voted, election closed to links).
	ErrCodeLedgerRejection ErrorCode = "LEDGER_REJECTION"

	// ErrCodePersistenceVerification indicates a durable cache write
	// could not be confirmed by read-back.
	ErrCodePersistenceVerification ErrorCode = "PERSISTENCE_VERIFICATION"
)

// Error is the typed error for ballotsync operations.
// Entity and EntityID name the offending item so batch partial failures
// can be diagnosed from the message alone.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Op is the operation that failed (e.g. "deploy election").
	Op string

	// Entity is the kind of item ("election", "candidate", "registration", "vote").
	Entity string

	// EntityID identifies the item within its kind.
	EntityID string

	// Reason is a human-readable explanation. For ledger rejections it
	// carries the classified ledger reason (e.g. "FEE_TOO_LOW").
	Reason string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Entity != "" {
		msg += fmt.Sprintf(" (%s %s)", e.Entity, e.EntityID)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the ErrorCode carried by err, or "" if err is not an *Error.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// IsConnection returns true if the error is a connection error.
func IsConnection(err error) bool { return CodeOf(err) == ErrCodeConnection }

// IsNotDeployed returns true if the error is a not-deployed error.
func IsNotDeployed(err error) bool { return CodeOf(err) == ErrCodeNotDeployed }

// IsAlreadyExists returns true if the error is an already-exists error.
func IsAlreadyExists(err error) bool { return CodeOf(err) == ErrCodeAlreadyExists }

// IsMappingResolution returns true if the error is a mapping resolution error.
func IsMappingResolution(err error) bool { return CodeOf(err) == ErrCodeMappingResolution }

// IsLedgerRejection returns true if the error is a ledger rejection.
func IsLedgerRejection(err error) bool { return CodeOf(err) == ErrCodeLedgerRejection }

// IsPersistenceVerification returns true if a durable write could not be confirmed.
func IsPersistenceVerification(err error) bool {
	return CodeOf(err) == ErrCodePersistenceVerification
}

// NewNotDeployedError creates an Error for an election without a ledger id.
func NewNotDeployedError(electionID int64) *Error {
	return &Error{
		Code:     ErrCodeNotDeployed,
		Entity:   "election",
		EntityID: fmt.Sprintf("%d", electionID),
		Reason:   "election has not been deployed to the ledger",
	}
}

// NewMappingError creates an Error for an unresolvable candidate mapping.
func NewMappingError(electionID, candidateID int64, reason string, cause error) *Error {
	return &Error{
		Code:     ErrCodeMappingResolution,
		Entity:   "candidate",
		EntityID: fmt.Sprintf("%d", candidateID),
		Reason:   fmt.Sprintf("election %d: %s", electionID, reason),
		Err:      cause,
	}
}

// NewConnectionError creates an Error for a missing signing session or network.
func NewConnectionError(op string, cause error) *Error {
	return &Error{
		Code: ErrCodeConnection,
		Op:   op,
		Err:  cause,
	}
}
