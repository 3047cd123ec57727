package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ballotsync/internal/testutil"
)

func connectedMemory(t *testing.T, clock *testutil.FixedClock) *Memory {
	t.Helper()
	m := NewMemory(WithMemoryClock(clock.Now))
	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	return m
}

func futureSpec(typ string) ElectionSpec {
	return ElectionSpec{Type: typ, Start: testutil.Epoch.Add(24 * time.Hour), End: testutil.Epoch.Add(48 * time.Hour)}
}

func TestMemory_WritesRequireSession(t *testing.T) {
	m := NewMemory()
	_, err := m.CreateElection(context.Background(), futureSpec("president"))
	assert.Equal(t, CodeNoSession, Classify(err))
}

func TestMemory_ConnectWithoutSigner(t *testing.T) {
	m := NewMemory()
	m.SetSignerAvailable(false)
	_, err := m.Connect(context.Background())
	assert.Equal(t, CodeNoSession, Classify(err))
}

func TestMemory_SequentialOneBasedIDs(t *testing.T) {
	ctx := context.Background()
	m := connectedMemory(t, testutil.NewFixedClock(testutil.Epoch))

	id1, err := m.CreateElection(ctx, futureSpec("president"))
	require.NoError(t, err)
	id2, err := m.CreateElection(ctx, futureSpec("secretary"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(2), id2)

	c1, err := m.RegisterCandidate(ctx, "S100")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c1)
}

func TestMemory_SameWindowElectionsGetDistinctIDs(t *testing.T) {
	ctx := context.Background()
	m := connectedMemory(t, testutil.NewFixedClock(testutil.Epoch))

	id1, err := m.CreateElection(ctx, futureSpec("president"))
	require.NoError(t, err)
	id2, err := m.CreateElection(ctx, futureSpec("president"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(2), id2)
}

func TestMemory_DuplicateCandidateCarriesExistingID(t *testing.T) {
	ctx := context.Background()
	m := connectedMemory(t, testutil.NewFixedClock(testutil.Epoch))

	first, err := m.RegisterCandidate(ctx, "S100")
	require.NoError(t, err)
	_, err = m.RegisterCandidate(ctx, "S100")
	assert.Equal(t, CodeAlreadyExists, Classify(err))
	id, ok := ExistingID(err)
	assert.True(t, ok)
	assert.Equal(t, first, id)
}

func TestMemory_LinksRefusedOnceActive(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFixedClock(testutil.Epoch)
	m := connectedMemory(t, clock)

	e, _ := m.CreateElection(ctx, futureSpec("president"))
	c1, _ := m.RegisterCandidate(ctx, "S1")
	c2, _ := m.RegisterCandidate(ctx, "S2")

	require.NoError(t, m.AddCandidateToElection(ctx, e, c1))
	assert.Equal(t, CodeAlreadyExists, Classify(m.AddCandidateToElection(ctx, e, c1)))

	clock.Advance(25 * time.Hour)
	assert.Equal(t, CodeElectionClosed, Classify(m.AddCandidateToElection(ctx, e, c2)))
}

func TestMemory_OneVotePerVoter(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFixedClock(testutil.Epoch)
	m := connectedMemory(t, clock)

	e, _ := m.CreateElection(ctx, futureSpec("president"))
	c, _ := m.RegisterCandidate(ctx, "S1")
	require.NoError(t, m.AddCandidateToElection(ctx, e, c))

	b := Ballot{ElectionID: e, CandidateID: c, Voter: "alice", Nonce: "n1", Fee: Fee{GasLimit: 100, GasPrice: 5}}
	_, err := m.Vote(ctx, b)
	assert.Equal(t, CodeNotActive, Classify(err), "voting not open yet")

	clock.Advance(25 * time.Hour)
	receipt, err := m.Vote(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 1, receipt.Confirmations)
	assert.NotEmpty(t, receipt.TxHash)

	voted, err := m.HasVoted(ctx, e, "alice")
	require.NoError(t, err)
	assert.True(t, voted)

	_, err = m.Vote(ctx, b)
	assert.Equal(t, CodeAlreadyVoted, Classify(err))

	tallies, err := m.CandidateVotes(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, []Tally{{CandidateID: c, DomainID: "S1", Votes: 1}}, tallies)

	status, err := m.ElectionStatus(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, PhaseActive, status.Phase)
	assert.Equal(t, uint64(1), status.TotalVotes)
	assert.False(t, status.AcceptingLinks())
}

func TestMemory_FeeFloor(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFixedClock(testutil.Epoch)
	m := NewMemory(WithMemoryClock(clock.Now), WithFeeFloor(10))
	_, err := m.Connect(ctx)
	require.NoError(t, err)

	e, _ := m.CreateElection(ctx, futureSpec("president"))
	c, _ := m.RegisterCandidate(ctx, "S1")
	require.NoError(t, m.AddCandidateToElection(ctx, e, c))
	clock.Advance(25 * time.Hour)

	_, err = m.Vote(ctx, Ballot{ElectionID: e, CandidateID: c, Voter: "bob", Fee: Fee{GasPrice: 9}})
	assert.Equal(t, CodeFeeTooLow, Classify(err))
}

func TestMemory_SubmitRawEnforcesOneVote(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewFixedClock(testutil.Epoch)
	m := connectedMemory(t, clock)

	e, _ := m.CreateElection(ctx, futureSpec("president"))
	c, _ := m.RegisterCandidate(ctx, "S1")
	require.NoError(t, m.AddCandidateToElection(ctx, e, c))
	clock.Advance(25 * time.Hour)

	params, _ := json.Marshal(map[string]any{"election_id": e, "candidate_id": c, "voter": "carol", "nonce": "x"})
	call := RawCall{Method: "vote", Params: params, Fee: Fee{GasLimit: 21000, GasPrice: 1}}

	_, err := m.SubmitRaw(ctx, call)
	require.NoError(t, err)
	_, err = m.SubmitRaw(ctx, call)
	assert.Equal(t, CodeAlreadyVoted, Classify(err))
	assert.Equal(t, 2, m.Calls("SubmitRaw"))
}

func TestMemory_DomainLookup(t *testing.T) {
	ctx := context.Background()
	m := connectedMemory(t, testutil.NewFixedClock(testutil.Epoch))
	_, _ = m.RegisterCandidate(ctx, "S1")
	id, _ := m.RegisterCandidate(ctx, "S2")

	got, err := m.CandidateIDByDomainID(ctx, "S2")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = m.CandidateIDByDomainID(ctx, "S9")
	assert.Equal(t, CodeNotFound, Classify(err))

	m.SetDomainLookup(false)
	_, err = m.CandidateIDByDomainID(ctx, "S2")
	assert.Equal(t, CodeUnavailable, Classify(err))
}

func TestMemory_FaultInjection(t *testing.T) {
	ctx := context.Background()
	m := connectedMemory(t, testutil.NewFixedClock(testutil.Epoch))

	m.FailNext("CreateElection", Reject(CodeFeeTooLow, "injected"))
	_, err := m.CreateElection(ctx, futureSpec("president"))
	assert.Equal(t, CodeFeeTooLow, Classify(err))

	id, err := m.CreateElection(ctx, futureSpec("president"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id, "failed calls do not consume ids")
	assert.Equal(t, 2, m.Calls("CreateElection"))

	m.SetUnavailable(true)
	_, err = m.ElectionStatus(ctx, id)
	assert.Equal(t, CodeUnavailable, Classify(err))
}
