package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/ballotsync/internal/ballot"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("Assertion failed: %s\n  Expected: %s\n  Actual: %s", e.Type, e.Expected, e.Actual)
}

// evaluateAssertions runs every assertion and returns failure messages.
func (h *Harness) evaluateAssertions(ctx context.Context, assertions []Assertion) []string {
	var failures []string
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertLedgerCalls:
			err = h.assertLedgerCalls(a)
		case AssertLedgerID:
			err = h.assertLedgerID(ctx, a)
		case AssertTally:
			err = h.assertTally(ctx, a)
		case AssertOperationStatus:
			err = h.assertOperationStatus(ctx, a)
		case AssertOffchainVotes:
			err = h.assertOffchainVotes(ctx, a)
		default:
			err = fmt.Errorf("unknown assertion type: %s", a.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

func (h *Harness) assertLedgerCalls(a Assertion) error {
	got := h.ledger.Calls(a.Method)
	if got != a.Count {
		return &AssertionError{
			Type:     AssertLedgerCalls,
			Expected: fmt.Sprintf("%s called %d times", a.Method, a.Count),
			Actual:   fmt.Sprintf("%d calls", got),
		}
	}
	return nil
}

func (h *Harness) assertLedgerID(ctx context.Context, a Assertion) error {
	var got *uint64
	switch a.Entity {
	case "election":
		e, err := h.rel.GetElection(ctx, a.ID)
		if err != nil {
			return err
		}
		got = e.LedgerID
	case "candidate":
		c, err := h.rel.GetCandidate(ctx, a.ID)
		if err != nil {
			return err
		}
		got = c.LedgerID
	default:
		return fmt.Errorf("ledger_id assertion: unknown entity %q", a.Entity)
	}

	actual := "none"
	if got != nil {
		actual = fmt.Sprint(*got)
	}
	expected := "none"
	if a.LedgerID != 0 {
		expected = fmt.Sprint(a.LedgerID)
	}
	if actual != expected {
		return &AssertionError{
			Type:     AssertLedgerID,
			Expected: fmt.Sprintf("%s %d ledger id %s", a.Entity, a.ID, expected),
			Actual:   actual,
		}
	}
	return nil
}

func (h *Harness) assertTally(ctx context.Context, a Assertion) error {
	e, err := h.rel.GetElection(ctx, a.Election)
	if err != nil {
		return err
	}
	if e.LedgerID == nil {
		return &AssertionError{Type: AssertTally, Expected: "deployed election", Actual: ballot.NewNotDeployedError(a.Election).Error()}
	}
	tallies, err := h.ledger.CandidateVotes(ctx, *e.LedgerID)
	if err != nil {
		return err
	}
	got := make(map[string]uint64, len(tallies))
	for _, t := range tallies {
		got[t.DomainID] = t.Votes
	}
	for domainID, want := range a.Votes {
		if got[ballot.NormalizeDomainID(domainID)] != want {
			return &AssertionError{
				Type:     AssertTally,
				Expected: formatVotes(a.Votes),
				Actual:   formatVotes(got),
			}
		}
	}
	return nil
}

func formatVotes(votes map[string]uint64) string {
	keys := make([]string, 0, len(votes))
	for k := range votes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, votes[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (h *Harness) assertOperationStatus(ctx context.Context, a Assertion) error {
	id, err := ballot.OperationID(ballot.OperationType(a.Op), a.Target)
	if err != nil {
		return err
	}
	rec, ok, err := h.cache.Get(ctx, id)
	if err != nil {
		return err
	}
	got := "absent"
	if ok {
		got = string(rec.Status)
	}
	if got != a.Status {
		return &AssertionError{
			Type:     AssertOperationStatus,
			Expected: fmt.Sprintf("%s %s is %s", a.Op, a.Target, a.Status),
			Actual:   got,
		}
	}
	return nil
}

func (h *Harness) assertOffchainVotes(ctx context.Context, a Assertion) error {
	votes, err := h.rel.ListOffchainVotes(ctx, a.Election)
	if err != nil {
		return err
	}
	if len(votes) != a.Count {
		return &AssertionError{
			Type:     AssertOffchainVotes,
			Expected: fmt.Sprintf("%d offchain votes for election %d", a.Count, a.Election),
			Actual:   fmt.Sprint(len(votes)),
		}
	}
	return nil
}
