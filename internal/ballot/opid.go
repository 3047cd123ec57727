package ballot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// OperationType names a logical ledger write.
type OperationType string

const (
	OpCreateElection    OperationType = "create_election"
	OpRegisterCandidate OperationType = "register_candidate"
	OpLinkRegistration  OperationType = "link_registration"
	OpVote              OperationType = "vote"
)

// DomainOperation is the hash domain for operation ids.
// Version suffix enables future algorithm migration.
const DomainOperation = "ballotsync/operation/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// OperationID computes the deterministic id of a logical write.
// The same (opType, target) pair always yields the same id, across
// processes and restarts, so retries collide on one idempotency key.
func OperationID(opType OperationType, target string) (string, error) {
	canonical, err := marshalCanonical(map[string]any{
		"op":     string(opType),
		"target": target,
	})
	if err != nil {
		return "", fmt.Errorf("OperationID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainOperation, canonical), nil
}

// MustOperationID is like OperationID but panics on error.
// Inputs are plain strings, so marshaling cannot fail in practice.
func MustOperationID(opType OperationType, target string) string {
	id, err := OperationID(opType, target)
	if err != nil {
		panic(err)
	}
	return id
}

// ElectionTarget returns the operation target for an election.
func ElectionTarget(electionID int64) string {
	return fmt.Sprintf("election:%d", electionID)
}

// CandidateTarget returns the operation target for a candidate.
func CandidateTarget(candidateID int64) string {
	return fmt.Sprintf("candidate:%d", candidateID)
}

// RegistrationTarget returns the operation target for an election/candidate link.
func RegistrationTarget(electionID, candidateID int64) string {
	return fmt.Sprintf("registration:%d:%d", electionID, candidateID)
}

// VoteTarget returns the operation target for one voter's vote in an election.
func VoteTarget(electionID int64, voter string) string {
	return fmt.Sprintf("vote:%d:%s", electionID, NormalizeDomainID(voter))
}
