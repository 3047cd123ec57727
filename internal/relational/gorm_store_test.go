package relational

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ballotsync/internal/ballot"
	"github.com/roach88/ballotsync/internal/testutil"
)

func openTestStore(t *testing.T) *GormStore {
	t.Helper()
	clock := testutil.NewFixedClock(testutil.Epoch)
	s, err := OpenGorm(context.Background(), ":memory:", WithGormClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedElection(t *testing.T, s *GormStore, position string) ballot.Election {
	t.Helper()
	e, err := s.CreateElection(context.Background(), ballot.Election{
		Name:              position + " 2026",
		Position:          position,
		StartsAt:          testutil.Epoch.Add(24 * time.Hour),
		EndsAt:            testutil.Epoch.Add(48 * time.Hour),
		EligibleFaculties: []string{"engineering", "science"},
	})
	require.NoError(t, err)
	return e
}

func seedCandidate(t *testing.T, s *GormStore, domainID string) ballot.Candidate {
	t.Helper()
	c, err := s.CreateCandidate(context.Background(), ballot.Candidate{
		FullName: "Candidate " + domainID,
		DomainID: domainID,
		Faculty:  "engineering",
	})
	require.NoError(t, err)
	return c
}

func TestGormStore_MigratesAndListsEmpty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	elections, err := s.ListElections(ctx)
	require.NoError(t, err)
	assert.Empty(t, elections)

	regs, err := s.ListRegistrations(ctx)
	require.NoError(t, err)
	assert.NotNil(t, regs)
}

func TestGormStore_ElectionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created := seedElection(t, s, "president")
	assert.NotZero(t, created.ID)
	assert.Equal(t, ballot.StatusUpcoming, created.Status)

	got, err := s.GetElection(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "president", got.Position)
	assert.Equal(t, []string{"engineering", "science"}, got.EligibleFaculties)
	assert.True(t, got.StartsAt.Equal(testutil.Epoch.Add(24*time.Hour)))
	assert.False(t, got.Deployed())
}

func TestGormStore_GetMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetElection(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetCandidate(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_CandidateDomainIDNormalizedAndUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	c := seedCandidate(t, s, "René")
	assert.Equal(t, "René", c.DomainID)

	_, err := s.CreateCandidate(ctx, ballot.Candidate{FullName: "dup", DomainID: "René"})
	assert.Error(t, err)

	_, err = s.CreateCandidate(ctx, ballot.Candidate{FullName: "blank", DomainID: "  "})
	assert.Error(t, err)
}

func TestGormStore_AttachLedgerIDIsImmutable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := seedElection(t, s, "president")

	require.NoError(t, s.AttachElectionLedgerID(ctx, e.ID, 7))
	// same id again is a no-op
	require.NoError(t, s.AttachElectionLedgerID(ctx, e.ID, 7))

	err := s.AttachElectionLedgerID(ctx, e.ID, 8)
	assert.ErrorIs(t, err, ErrLedgerIDImmutable)

	got, err := s.GetElection(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LedgerID)
	assert.Equal(t, uint64(7), *got.LedgerID)

	err = s.AttachCandidateLedgerID(ctx, 404, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGormStore_UpdateFrozenOnceDeployed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := seedElection(t, s, "president")

	e.Name = "Presidential race"
	updated, err := s.UpdateElection(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, "Presidential race", updated.Name)

	require.NoError(t, s.AttachElectionLedgerID(ctx, e.ID, 1))

	renamed := updated
	renamed.Name = "Renamed after deploy"
	_, err = s.UpdateElection(ctx, renamed)
	require.NoError(t, err, "descriptive fields stay editable")

	moved := updated
	moved.EndsAt = moved.EndsAt.Add(time.Hour)
	_, err = s.UpdateElection(ctx, moved)
	assert.ErrorIs(t, err, ErrFrozen)
}

func TestGormStore_RegistrationsOrdered(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e1 := seedElection(t, s, "president")
	e2 := seedElection(t, s, "secretary")
	c1 := seedCandidate(t, s, "S1")
	c2 := seedCandidate(t, s, "S2")

	require.NoError(t, s.CreateRegistration(ctx, ballot.Registration{ElectionID: e2.ID, CandidateID: c1.ID}))
	require.NoError(t, s.CreateRegistration(ctx, ballot.Registration{ElectionID: e1.ID, CandidateID: c2.ID}))
	require.NoError(t, s.CreateRegistration(ctx, ballot.Registration{ElectionID: e1.ID, CandidateID: c1.ID, RunningMateID: &c2.ID}))

	all, err := s.ListRegistrations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"1:1", "1:2", "2:1"}, []string{all[0].Key(), all[1].Key(), all[2].Key()})
	require.NotNil(t, all[0].RunningMateID)
	assert.Equal(t, c2.ID, *all[0].RunningMateID)

	forE1, err := s.ListRegistrationsByElection(ctx, e1.ID)
	require.NoError(t, err)
	assert.Len(t, forE1, 2)

	err = s.CreateRegistration(ctx, ballot.Registration{ElectionID: e1.ID, CandidateID: c1.ID})
	assert.Error(t, err)
}

func TestGormStore_OffchainVotes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	e := seedElection(t, s, "president")
	c := seedCandidate(t, s, "S1")

	has, err := s.HasOffchainVote(ctx, e.ID, "voter-1")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.RecordOffchainVote(ctx, OffchainVote{
		ElectionID: e.ID, CandidateID: c.ID, Voter: "voter-1", Reason: "ledger unavailable",
	}))

	has, err = s.HasOffchainVote(ctx, e.ID, "voter-1")
	require.NoError(t, err)
	assert.True(t, has)

	err = s.RecordOffchainVote(ctx, OffchainVote{ElectionID: e.ID, CandidateID: c.ID, Voter: "voter-1"})
	assert.True(t, errors.Is(err, ErrDuplicateVote))

	votes, err := s.ListOffchainVotes(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, "ledger unavailable", votes[0].Reason)
	assert.True(t, votes[0].RecordedAt.Equal(testutil.Epoch))
}
