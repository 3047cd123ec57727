package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ballotsync/internal/ballot"
	"github.com/roach88/ballotsync/internal/relational"
	"github.com/roach88/ballotsync/internal/testutil"
)

type fixture struct {
	store     *relational.GormStore
	server    *httptest.Server
	client    *relational.HTTPClient
	election  ballot.Election
	candidate ballot.Candidate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := testutil.NewFixedClock(testutil.Epoch)

	store, err := relational.OpenGorm(ctx, ":memory:", relational.WithGormClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e, err := store.CreateElection(ctx, ballot.Election{
		Name:     "President 2026",
		Position: "president",
		StartsAt: testutil.Epoch.Add(24 * time.Hour),
		EndsAt:   testutil.Epoch.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	c, err := store.CreateCandidate(ctx, ballot.Candidate{FullName: "Ada", DomainID: "S100"})
	require.NoError(t, err)
	require.NoError(t, store.CreateRegistration(ctx, ballot.Registration{ElectionID: e.ID, CandidateID: c.ID}))

	srv := httptest.NewServer(NewRouter(store, WithClock(clock.Now)))
	t.Cleanup(srv.Close)

	return &fixture{
		store:     store,
		server:    srv,
		client:    relational.NewHTTPClient(srv.URL, 5*time.Second),
		election:  e,
		candidate: c,
	}
}

func fetchToken(t *testing.T, base string) string {
	t.Helper()
	resp, err := http.Get(base + "/api/token")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.Token)
	return out.Token
}

func putLedgerID(t *testing.T, url, token string, id uint64) *http.Response {
	t.Helper()
	body, _ := json.Marshal(map[string]uint64{"ledger_id": id})
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestRouter_AttachRequiresSingleUseToken(t *testing.T) {
	f := newFixture(t)
	url := f.server.URL + "/api/elections/1/ledger-id"

	resp := putLedgerID(t, url, "", 1)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	token := fetchToken(t, f.server.URL)
	resp = putLedgerID(t, url, token, 1)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// replaying the same token is refused
	resp = putLedgerID(t, url, token, 1)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRouter_PatchRefusedOnceDeployed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	url := f.server.URL + "/api/elections/1"

	patch := func(body string) int {
		req, err := http.NewRequest(http.MethodPatch, url, bytes.NewReader([]byte(body)))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, patch(`{"position":"chair"}`))
	require.NoError(t, f.store.AttachElectionLedgerID(ctx, f.election.ID, 3))
	assert.Equal(t, http.StatusConflict, patch(`{"position":"vice chair"}`))
	assert.Equal(t, http.StatusBadRequest, patch(`{"status":"archived"}`))
}

func TestHTTPClient_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	elections, err := f.client.ListElections(ctx)
	require.NoError(t, err)
	require.Len(t, elections, 1)
	assert.Equal(t, "president", elections[0].Position)

	regs, err := f.client.ListRegistrationsByElection(ctx, f.election.ID)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, f.candidate.ID, regs[0].CandidateID)

	require.NoError(t, f.client.AttachElectionLedgerID(ctx, f.election.ID, 5))
	require.NoError(t, f.client.AttachElectionLedgerID(ctx, f.election.ID, 5))
	err = f.client.AttachElectionLedgerID(ctx, f.election.ID, 6)
	assert.ErrorIs(t, err, relational.ErrLedgerIDImmutable)

	got, err := f.client.GetElection(ctx, f.election.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LedgerID)
	assert.Equal(t, uint64(5), *got.LedgerID)

	_, err = f.client.GetCandidate(ctx, 404)
	assert.ErrorIs(t, err, relational.ErrNotFound)
}

func TestHTTPClient_OffchainVotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	vote := relational.OffchainVote{
		ElectionID: f.election.ID, CandidateID: f.candidate.ID, Voter: "René", Reason: "ledger down",
	}

	has, err := f.client.HasOffchainVote(ctx, f.election.ID, "René")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, f.client.RecordOffchainVote(ctx, vote))
	err = f.client.RecordOffchainVote(ctx, vote)
	assert.ErrorIs(t, err, relational.ErrDuplicateVote)

	has, err = f.client.HasOffchainVote(ctx, f.election.ID, "René")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestHTTPClient_ListOffchainVotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	votes, err := f.client.ListOffchainVotes(ctx, f.election.ID)
	require.NoError(t, err)
	assert.Empty(t, votes)

	require.NoError(t, f.client.RecordOffchainVote(ctx, relational.OffchainVote{
		ElectionID: f.election.ID, CandidateID: f.candidate.ID, Voter: "v1", Reason: "ledger down",
	}))

	votes, err = f.client.ListOffchainVotes(ctx, f.election.ID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, "v1", votes[0].Voter)
	assert.Equal(t, f.candidate.ID, votes[0].CandidateID)
}
