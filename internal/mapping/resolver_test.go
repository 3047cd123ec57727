package mapping

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ballotsync/internal/ballot"
	"github.com/roach88/ballotsync/internal/ledger"
	"github.com/roach88/ballotsync/internal/relational"
	"github.com/roach88/ballotsync/internal/store"
	"github.com/roach88/ballotsync/internal/testutil"
)

type fakeSource struct {
	elections     map[int64]ballot.Election
	candidates    map[int64]ballot.Candidate
	registrations map[int64][]ballot.Registration
	electionReads int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		elections:     make(map[int64]ballot.Election),
		candidates:    make(map[int64]ballot.Candidate),
		registrations: make(map[int64][]ballot.Registration),
	}
}

func (f *fakeSource) GetElection(_ context.Context, id int64) (ballot.Election, error) {
	f.electionReads++
	e, ok := f.elections[id]
	if !ok {
		return ballot.Election{}, relational.ErrNotFound
	}
	return e, nil
}

func (f *fakeSource) GetCandidate(_ context.Context, id int64) (ballot.Candidate, error) {
	c, ok := f.candidates[id]
	if !ok {
		return ballot.Candidate{}, relational.ErrNotFound
	}
	return c, nil
}

func (f *fakeSource) ListRegistrationsByElection(_ context.Context, electionID int64) ([]ballot.Registration, error) {
	return f.registrations[electionID], nil
}

func (f *fakeSource) addElection(id int64, ledgerID *uint64) {
	f.elections[id] = ballot.Election{ID: id, Position: "president", LedgerID: ledgerID}
}

func (f *fakeSource) addCandidate(electionID, id int64, domainID string) {
	f.candidates[id] = ballot.Candidate{ID: id, DomainID: domainID}
	f.registrations[electionID] = append(f.registrations[electionID],
		ballot.Registration{ElectionID: electionID, CandidateID: id})
}

type countingLookup struct {
	ids   map[string]uint64
	err   error
	calls int
}

func (l *countingLookup) CandidateIDByDomainID(_ context.Context, domainID string) (uint64, error) {
	l.calls++
	if l.err != nil {
		return 0, l.err
	}
	id, ok := l.ids[domainID]
	if !ok {
		return 0, ledger.Reject(ledger.CodeNotFound, "no candidate %s", domainID)
	}
	return id, nil
}

func newResolver(src *fakeSource, lookup ledger.DomainLookup, ordinal bool) *Resolver {
	clock := testutil.NewFixedClock(testutil.Epoch)
	return New(src, src, lookup, Options{AllowOrdinalFallback: ordinal, Clock: clock.Now})
}

func TestResolveElection_NotDeployedIsCached(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.addElection(1, nil)
	r := newResolver(src, nil, false)

	_, err := r.ResolveElection(ctx, 1)
	assert.True(t, ballot.IsNotDeployed(err))
	_, err = r.ResolveElection(ctx, 1)
	assert.True(t, ballot.IsNotDeployed(err))
	assert.Equal(t, 1, src.electionReads, "negative result fails fast from cache")

	deployed, err := r.IsDeployed(ctx, 1)
	require.NoError(t, err)
	assert.False(t, deployed)

	// deployment happens elsewhere; invalidation picks it up
	src.addElection(1, ballot.LedgerIDPtr(4))
	r.InvalidateElection(1)
	id, err := r.ResolveElection(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), id)
}

func TestResolveCandidate_CachesLookup(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.addElection(5, ballot.LedgerIDPtr(1))
	src.addCandidate(5, 2, "S200")
	lookup := &countingLookup{ids: map[string]uint64{"S200": 8}}
	r := newResolver(src, lookup, false)

	first, err := r.ResolveCandidate(ctx, 5, 2)
	require.NoError(t, err)
	second, err := r.ResolveCandidate(ctx, 5, 2)
	require.NoError(t, err)

	assert.Equal(t, uint64(8), first)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, lookup.calls)
}

func TestResolveCandidate_RequiresDeployedElection(t *testing.T) {
	src := newFakeSource()
	src.addElection(1, nil)
	src.addCandidate(1, 2, "S2")
	lookup := &countingLookup{ids: map[string]uint64{"S2": 1}}
	r := newResolver(src, lookup, true)

	_, err := r.ResolveCandidate(context.Background(), 1, 2)
	assert.True(t, ballot.IsNotDeployed(err))
	assert.Equal(t, 0, lookup.calls)
}

func TestResolveCandidate_RelationalLedgerIDWins(t *testing.T) {
	src := newFakeSource()
	src.addElection(1, ballot.LedgerIDPtr(1))
	src.addCandidate(1, 2, "S2")
	c := src.candidates[2]
	c.LedgerID = ballot.LedgerIDPtr(42)
	src.candidates[2] = c
	lookup := &countingLookup{ids: map[string]uint64{"S2": 7}}
	r := newResolver(src, lookup, false)

	id, err := r.ResolveCandidate(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)
	assert.Equal(t, 0, lookup.calls)
}

func TestResolveCandidate_LookupNotFoundFails(t *testing.T) {
	src := newFakeSource()
	src.addElection(1, ballot.LedgerIDPtr(1))
	src.addCandidate(1, 2, "S2")
	r := newResolver(src, &countingLookup{ids: map[string]uint64{}}, true)

	_, err := r.ResolveCandidate(context.Background(), 1, 2)
	assert.True(t, ballot.IsMappingResolution(err))
}

func TestResolveCandidate_FailsClosedWithoutFallback(t *testing.T) {
	src := newFakeSource()
	src.addElection(1, ballot.LedgerIDPtr(1))
	src.addCandidate(1, 2, "S2")
	lookup := &countingLookup{err: ledger.Reject(ledger.CodeUnavailable, "down")}
	r := newResolver(src, lookup, false)

	_, err := r.ResolveCandidate(context.Background(), 1, 2)
	assert.True(t, ballot.IsMappingResolution(err))
	assert.Empty(t, r.Entries()[1:], "only the election entry is cached")
}

func TestResolveCandidate_OrdinalFallback(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.addElection(1, ballot.LedgerIDPtr(1))
	for _, id := range []int64{7, 3, 9} {
		src.addCandidate(1, id, "")
	}
	r := newResolver(src, nil, true)

	want := map[int64]uint64{3: 1, 7: 2, 9: 3}
	for candidateID, ledgerID := range want {
		got, err := r.ResolveCandidate(ctx, 1, candidateID)
		require.NoError(t, err)
		assert.Equal(t, ledgerID, got, "candidate %d", candidateID)
	}

	src.candidates[11] = ballot.Candidate{ID: 11}
	_, err := r.ResolveCandidate(ctx, 1, 11)
	assert.True(t, ballot.IsMappingResolution(err))
}

func TestOrdinalLedgerID(t *testing.T) {
	roster := []int64{7, 3, 9}
	for candidateID, want := range map[int64]uint64{3: 1, 7: 2, 9: 3} {
		got, err := OrdinalLedgerID(roster, candidateID, 1)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, []int64{7, 3, 9}, roster, "input roster is not reordered")
}

func TestInvalidation(t *testing.T) {
	ctx := context.Background()
	src := newFakeSource()
	src.addElection(1, ballot.LedgerIDPtr(1))
	src.addElection(2, ballot.LedgerIDPtr(2))
	src.addCandidate(1, 3, "S3")
	src.addCandidate(2, 3, "S3")
	src.addCandidate(2, 4, "S4")
	lookup := &countingLookup{ids: map[string]uint64{"S3": 1, "S4": 2}}
	r := newResolver(src, lookup, false)

	for _, pair := range [][2]int64{{1, 3}, {2, 3}, {2, 4}} {
		_, err := r.ResolveCandidate(ctx, pair[0], pair[1])
		require.NoError(t, err)
	}
	assert.Len(t, r.Entries(), 5)

	r.InvalidateCandidate(3)
	keys := func() []string {
		var out []string
		for _, e := range r.Entries() {
			out = append(out, e.Key)
		}
		return out
	}
	assert.Equal(t, []string{"c:2:4", "e:1", "e:2"}, keys())

	r.InvalidateElection(2)
	assert.Equal(t, []string{"e:1"}, keys())

	r.InvalidateAll()
	assert.Empty(t, r.Entries())
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	st, err := store.Open(path)
	require.NoError(t, err)

	src := newFakeSource()
	src.addElection(1, ballot.LedgerIDPtr(9))
	src.addCandidate(1, 2, "S2")
	lookup := &countingLookup{ids: map[string]uint64{"S2": 5}}

	r := New(src, src, lookup, Options{Backend: st})
	_, err = r.ResolveCandidate(ctx, 1, 2)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	reloaded := New(src, src, lookup, Options{Backend: st})
	id, err := reloaded.ResolveCandidate(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), id)
	assert.Equal(t, 1, lookup.calls, "served from the persisted snapshot")
	assert.Equal(t, 1, src.electionReads)
}

func TestSnapshotOmitsNotDeployedElections(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	st, err := store.Open(path)
	require.NoError(t, err)

	src := newFakeSource()
	src.addElection(1, nil)

	r := New(src, src, nil, Options{Backend: st})
	_, err = r.ResolveElection(ctx, 1)
	require.True(t, ballot.IsNotDeployed(err))
	assert.Len(t, r.Entries(), 1, "cached for this session")
	require.NoError(t, st.Close())

	// deployed by another process, nobody invalidated
	src.addElection(1, ballot.LedgerIDPtr(3))

	st, err = store.Open(path)
	require.NoError(t, err)
	defer st.Close()

	reloaded := New(src, src, nil, Options{Backend: st})
	assert.Empty(t, reloaded.Entries())
	id, err := reloaded.ResolveElection(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), id)
}
