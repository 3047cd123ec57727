package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ballotsync/internal/ballot"
	"github.com/roach88/ballotsync/internal/idempotency"
	"github.com/roach88/ballotsync/internal/ledger"
	"github.com/roach88/ballotsync/internal/mapping"
	"github.com/roach88/ballotsync/internal/relational"
	"github.com/roach88/ballotsync/internal/store"
	"github.com/roach88/ballotsync/internal/testutil"
)

type fixture struct {
	clock  *testutil.FixedClock
	rel    *relational.GormStore
	ledger *ledger.Memory
	cache  *idempotency.Cache
	kv     *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := testutil.NewFixedClock(testutil.Epoch)

	rel, err := relational.OpenGorm(ctx, ":memory:", relational.WithGormClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { rel.Close() })

	kv, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	mem := ledger.NewMemory(ledger.WithMemoryClock(clock.Now))
	mem.SetDomainLookup(true)

	return &fixture{
		clock:  clock,
		rel:    rel,
		ledger: mem,
		cache:  idempotency.New(kv, idempotency.WithClock(clock.Now)),
		kv:     kv,
	}
}

func (f *fixture) orchestrator(rel relational.Client, l ledger.Client, opts ...Option) *Orchestrator {
	var lookup ledger.DomainLookup
	if dl, ok := l.(ledger.DomainLookup); ok {
		lookup = dl
	}
	resolver := mapping.New(rel, rel, lookup, mapping.Options{Backend: f.kv, Clock: f.clock.Now})
	seq := testutil.NewSequenceGenerator("run")
	opts = append([]Option{WithRunID(seq.Generate)}, opts...)
	return New(rel, l, resolver, f.cache, opts...)
}

func (f *fixture) election(t *testing.T, position string) ballot.Election {
	t.Helper()
	e, err := f.rel.CreateElection(context.Background(), ballot.Election{
		Name:     position,
		Position: position,
		StartsAt: testutil.Epoch.Add(24 * time.Hour),
		EndsAt:   testutil.Epoch.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	return e
}

func (f *fixture) candidate(t *testing.T, electionID int64, domainID string) ballot.Candidate {
	t.Helper()
	ctx := context.Background()
	c, err := f.rel.CreateCandidate(ctx, ballot.Candidate{FullName: domainID, DomainID: domainID})
	require.NoError(t, err)
	require.NoError(t, f.rel.CreateRegistration(ctx, ballot.Registration{ElectionID: electionID, CandidateID: c.ID}))
	return c
}

func TestRun_FullSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.election(t, "president")
	f.candidate(t, e.ID, "S1")
	f.candidate(t, e.ID, "S2")

	var progress []Progress
	report, err := f.orchestrator(f.rel, f.ledger, WithProgress(func(p Progress) {
		progress = append(progress, p)
	})).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, PhaseComplete, report.Phase)
	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 1, report.ElectionsDeployed)
	assert.Equal(t, 2, report.CandidatesRegistered)
	assert.Equal(t, 2, report.RegistrationsLinked)
	assert.Empty(t, report.Errors)
	assert.Equal(t, report.Total, report.Processed())

	require.Len(t, progress, 5)
	assert.Equal(t, Progress{Phase: PhaseLinkRegistrations, Done: 5, Total: 5}, progress[4])

	got, err := f.rel.GetElection(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LedgerID)
	assert.Equal(t, uint64(1), *got.LedgerID)

	status, err := f.ledger.ElectionStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, status.CandidateIDs)
}

func TestRun_NeverRedeploys(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.election(t, "president")
	f.candidate(t, e.ID, "S1")

	for i := 0; i < 3; i++ {
		report, err := f.orchestrator(f.rel, f.ledger).Run(ctx)
		require.NoError(t, err)
		assert.Empty(t, report.Errors)
	}
	assert.Equal(t, 1, f.ledger.Calls("CreateElection"))
	assert.Equal(t, 1, f.ledger.Calls("RegisterCandidate"))
	assert.Equal(t, 1, f.ledger.Calls("AddCandidateToElection"))
}

func TestRun_ReattachesFromCacheWhenRelationalLostID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.election(t, "president")

	_, err := f.orchestrator(f.rel, f.ledger).Run(ctx)
	require.NoError(t, err)

	// a restored relational copy without ledger ids
	restored, err := relational.OpenGorm(ctx, ":memory:")
	require.NoError(t, err)
	defer restored.Close()
	_, err = restored.CreateElection(ctx, ballot.Election{
		Name: "president", Position: "president",
		StartsAt: testutil.Epoch.Add(24 * time.Hour), EndsAt: testutil.Epoch.Add(48 * time.Hour),
	})
	require.NoError(t, err)

	report, err := f.orchestrator(restored, f.ledger).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, f.ledger.Calls("CreateElection"))

	got, err := restored.GetElection(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got.LedgerID)
	assert.Equal(t, uint64(1), *got.LedgerID)
}

// failingLedger rejects CreateElection for one election type.
type failingLedger struct {
	*ledger.Memory
	failType string
}

func (l *failingLedger) CreateElection(ctx context.Context, spec ledger.ElectionSpec) (uint64, error) {
	if spec.Type == l.failType {
		return 0, ledger.Reject(ledger.CodeFeeTooLow, "transaction underpriced")
	}
	return l.Memory.CreateElection(ctx, spec)
}

func TestRun_BatchIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e1 := f.election(t, "president")
	e2 := f.election(t, "secretary")
	e3 := f.election(t, "treasurer")
	f.candidate(t, e2.ID, "S1")

	l := &failingLedger{Memory: f.ledger, failType: "secretary"}
	report, err := f.orchestrator(f.rel, l).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, report.ElectionsDeployed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, PhaseDeployElections, report.Errors[0].Phase)
	assert.Equal(t, "election", report.Errors[0].Entity)
	assert.Equal(t, fmt.Sprint(e2.ID), report.Errors[0].EntityID)
	assert.Contains(t, report.Errors[0].Message, fmt.Sprintf("election %d", e2.ID))
	assert.Equal(t, report.Total, report.Processed())

	for _, id := range []int64{e1.ID, e3.ID} {
		got, err := f.rel.GetElection(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.Deployed(), "election %d", id)
	}

	failed := idempotency.NewRecord(ballot.OpCreateElection, ballot.ElectionTarget(e2.ID), e2.ID, idempotency.StatusFailed)
	rec, ok, err := f.cache.Get(ctx, failed.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, idempotency.StatusFailed, rec.Status)
}

func TestRun_AlreadyExistsCountsAsSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.election(t, "president")
	_, err := f.ledger.Connect(ctx)
	require.NoError(t, err)
	_, err = f.ledger.CreateElection(ctx, ledger.ElectionSpec{Type: "president", Start: e.StartsAt, End: e.EndsAt})
	require.NoError(t, err)
	// a concurrent operator deployed it first
	f.ledger.FailNext("CreateElection", ledger.Exists(1, "election %q already exists", "president"))
	_, err = f.ledger.RegisterCandidate(ctx, "S9")
	require.NoError(t, err)
	f.candidate(t, e.ID, "S9")

	report, err := f.orchestrator(f.rel, f.ledger).Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 1, report.ElectionsDeployed)
	assert.Equal(t, 1, report.CandidatesRegistered)

	c, err := f.rel.GetCandidate(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, c.LedgerID)
	assert.Equal(t, uint64(1), *c.LedgerID)
}

func TestRun_SameWindowElectionsGetSeparateLedgerIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e1 := f.election(t, "president")
	e2 := f.election(t, "president")

	report, err := f.orchestrator(f.rel, f.ledger).Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 2, report.ElectionsDeployed)

	got1, err := f.rel.GetElection(ctx, e1.ID)
	require.NoError(t, err)
	got2, err := f.rel.GetElection(ctx, e2.ID)
	require.NoError(t, err)
	require.NotNil(t, got1.LedgerID)
	require.NotNil(t, got2.LedgerID)
	assert.NotEqual(t, *got1.LedgerID, *got2.LedgerID)
}

func TestRun_ExistingIDOwnedByAnotherElectionIsRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e1 := f.election(t, "president")
	_, err := f.orchestrator(f.rel, f.ledger).Run(ctx)
	require.NoError(t, err)

	e2 := f.election(t, "president")
	f.ledger.FailNext("CreateElection", ledger.Exists(1, "election %q already exists", "president"))

	report, err := f.orchestrator(f.rel, f.ledger).Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, fmt.Sprint(e2.ID), report.Errors[0].EntityID)
	assert.Contains(t, report.Errors[0].Message, fmt.Sprintf("already attached to election %d", e1.ID))

	got, err := f.rel.GetElection(ctx, e2.ID)
	require.NoError(t, err)
	assert.False(t, got.Deployed())

	failed := idempotency.NewRecord(ballot.OpCreateElection, ballot.ElectionTarget(e2.ID), e2.ID, idempotency.StatusFailed)
	rec, ok, err := f.cache.Get(ctx, failed.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, idempotency.StatusFailed, rec.Status)

	// the next run creates a fresh ledger election for it
	report, err = f.orchestrator(f.rel, f.ledger).Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	got, err = f.rel.GetElection(ctx, e2.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LedgerID)
	assert.Equal(t, uint64(2), *got.LedgerID)
}

func TestRun_ElectionExistsWithoutIDIsReportedDistinctly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.election(t, "president")
	f.ledger.FailNext("CreateElection", errors.New("execution reverted: Election already exists"))

	report, err := f.orchestrator(f.rel, f.ledger).Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, PhaseDeployElections, report.Errors[0].Phase)
	assert.Contains(t, report.Errors[0].Message, "ALREADY_EXISTS")
	assert.Contains(t, report.Errors[0].Message, "id unknown")

	got, err := f.rel.GetElection(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, got.Deployed())
}

func TestRun_ClosedElectionLinksAreSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.election(t, "president")
	f.candidate(t, e.ID, "S1")

	// deploy elections and candidates, then let voting open
	f.ledger.FailNext("AddCandidateToElection", ledger.Reject(ledger.CodeUnavailable, "node restarting"))
	report, err := f.orchestrator(f.rel, f.ledger).Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)

	f.clock.Advance(30 * time.Hour)
	report, err = f.orchestrator(f.rel, f.ledger).Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Errors)
	assert.Equal(t, 3, report.Skipped)
	assert.Equal(t, 0, report.RegistrationsLinked)
}

func TestRun_ConnectFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.election(t, "president")
	f.ledger.SetSignerAvailable(false)

	report, err := f.orchestrator(f.rel, f.ledger).Run(context.Background())
	assert.True(t, ballot.IsConnection(err))
	assert.Equal(t, PhaseConnectSigner, report.Phase)
	assert.Equal(t, 0, f.ledger.Calls("CreateElection"))
}

type brokenRelational struct {
	relational.Client
}

func (brokenRelational) ListElections(context.Context) ([]ballot.Election, error) {
	return nil, errors.New("connection reset")
}

func TestRun_LoadFailureAborts(t *testing.T) {
	f := newFixture(t)
	report, err := f.orchestrator(brokenRelational{Client: f.rel}, f.ledger).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, PhaseInit, report.Phase)
	assert.Equal(t, 0, f.ledger.Calls("Connect"))
}

func TestRun_CancelledBetweenItems(t *testing.T) {
	f := newFixture(t)
	f.election(t, "president")
	f.election(t, "secretary")

	ctx, cancel := context.WithCancel(context.Background())
	report, err := f.orchestrator(f.rel, f.ledger, WithProgress(func(Progress) { cancel() })).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.ElectionsDeployed)
	assert.Equal(t, 1, f.ledger.Calls("CreateElection"))
}
