// Package mapping resolves relational election and candidate ids to the
// identifiers the ledger assigned them.
//
// The two id spaces are never synchronized directly. Election ids come from
// the ledger id attached to the relational row at deployment. Candidate ids
// come, in order of trust, from the candidate's own attached ledger id, a
// ledger lookup by domain identifier, or (only when enabled) the candidate's
// ordinal position in the election roster.
package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roach88/ballotsync/internal/ballot"
	"github.com/roach88/ballotsync/internal/ledger"
	"github.com/roach88/ballotsync/internal/store"
)

// SnapshotKey is the durable store key holding the persisted entry map.
var SnapshotKey = store.Namespace("ballotsync", "mapping", "v1")

// ElectionSource reads relational elections.
type ElectionSource interface {
	GetElection(ctx context.Context, id int64) (ballot.Election, error)
}

// CandidateSource reads relational candidates and election rosters.
type CandidateSource interface {
	GetCandidate(ctx context.Context, id int64) (ballot.Candidate, error)
	ListRegistrationsByElection(ctx context.Context, electionID int64) ([]ballot.Registration, error)
}

// Entry is one cached mapping.
type Entry struct {
	LedgerID  uint64    `json:"ledger_id,omitempty"`
	DerivedAt time.Time `json:"derived_at"`
	// Deployed is meaningful for election entries only. Candidate entries
	// are trusted while their election's entry is deployed.
	Deployed bool `json:"deployed"`
	// Source records how a candidate id was derived.
	Source string `json:"source,omitempty"`
}

// KeyedEntry pairs an entry with its cache key for listings.
type KeyedEntry struct {
	Key string `json:"key"`
	Entry
}

// Candidate id derivation sources.
const (
	SourceRelational = "relational"
	SourceLookup     = "lookup"
	SourceOrdinal    = "ordinal"
)

// Options configures a Resolver.
type Options struct {
	// Backend persists the entry map. Nil keeps it in memory only.
	Backend store.Backend
	// AllowOrdinalFallback enables roster-position derivation when the
	// ledger cannot be asked directly. Off means fail closed.
	AllowOrdinalFallback bool
	Clock                func() time.Time
	Logger               *slog.Logger
}

// Resolver maps relational ids to ledger ids and caches the results.
// Safe for concurrent use.
type Resolver struct {
	elections  ElectionSource
	candidates CandidateSource
	lookup     ledger.DomainLookup

	backend      store.Backend
	allowOrdinal bool
	now          func() time.Time
	logger       *slog.Logger

	mu      sync.Mutex
	entries map[string]Entry
}

// New creates a Resolver. lookup may be nil. When opts.Backend is set the
// persisted snapshot is loaded; a snapshot that cannot be read is logged
// and ignored.
func New(elections ElectionSource, candidates CandidateSource, lookup ledger.DomainLookup, opts Options) *Resolver {
	r := &Resolver{
		elections:    elections,
		candidates:   candidates,
		lookup:       lookup,
		backend:      opts.Backend,
		allowOrdinal: opts.AllowOrdinalFallback,
		now:          opts.Clock,
		logger:       opts.Logger,
		entries:      make(map[string]Entry),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.loadSnapshot(context.Background())
	return r
}

func electionKey(electionID int64) string {
	return "e:" + strconv.FormatInt(electionID, 10)
}

func candidateKey(electionID, candidateID int64) string {
	return fmt.Sprintf("c:%d:%d", electionID, candidateID)
}

// ResolveElection returns the ledger id of a relational election, or a
// NotDeployed error if it has none. Negative results are cached until the
// election is invalidated.
func (r *Resolver) ResolveElection(ctx context.Context, electionID int64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveElectionLocked(ctx, electionID)
}

func (r *Resolver) resolveElectionLocked(ctx context.Context, electionID int64) (uint64, error) {
	key := electionKey(electionID)
	if e, ok := r.entries[key]; ok {
		if !e.Deployed {
			return 0, ballot.NewNotDeployedError(electionID)
		}
		return e.LedgerID, nil
	}

	election, err := r.elections.GetElection(ctx, electionID)
	if err != nil {
		return 0, fmt.Errorf("resolve election %d: %w", electionID, err)
	}
	if election.LedgerID == nil {
		r.putLocked(ctx, key, Entry{DerivedAt: r.now().UTC()})
		return 0, ballot.NewNotDeployedError(electionID)
	}
	r.putLocked(ctx, key, Entry{LedgerID: *election.LedgerID, DerivedAt: r.now().UTC(), Deployed: true})
	return *election.LedgerID, nil
}

// IsDeployed reports whether the election has a ledger id.
func (r *Resolver) IsDeployed(ctx context.Context, electionID int64) (bool, error) {
	_, err := r.ResolveElection(ctx, electionID)
	if ballot.IsNotDeployed(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ResolveCandidate returns the ledger id of a candidate within an election.
//
// Resolution never guesses: an undeployed election yields NotDeployed, and
// every path that cannot produce an authoritative id yields a
// MappingResolution error.
func (r *Resolver) ResolveCandidate(ctx context.Context, electionID, candidateID int64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := candidateKey(electionID, candidateID)
	if e, ok := r.entries[key]; ok {
		if el, ok := r.entries[electionKey(electionID)]; ok && el.Deployed {
			return e.LedgerID, nil
		}
	}

	if _, err := r.resolveElectionLocked(ctx, electionID); err != nil {
		return 0, err
	}

	candidate, err := r.candidates.GetCandidate(ctx, candidateID)
	if err != nil {
		return 0, ballot.NewMappingError(electionID, candidateID, "candidate not readable", err)
	}

	if candidate.LedgerID != nil {
		r.putLocked(ctx, key, Entry{LedgerID: *candidate.LedgerID, DerivedAt: r.now().UTC(), Deployed: true, Source: SourceRelational})
		return *candidate.LedgerID, nil
	}

	id, err := r.lookupByDomain(ctx, electionID, candidate)
	if err == nil {
		r.putLocked(ctx, key, Entry{LedgerID: id, DerivedAt: r.now().UTC(), Deployed: true, Source: SourceLookup})
		return id, nil
	}
	if !errors.Is(err, errLookupUnavailable) {
		return 0, err
	}

	if !r.allowOrdinal {
		return 0, ballot.NewMappingError(electionID, candidateID,
			"ledger lookup unavailable and ordinal fallback disabled", nil)
	}

	id, err = r.ordinal(ctx, electionID, candidateID)
	if err != nil {
		return 0, err
	}
	r.logger.Warn("candidate resolved by roster position",
		"election_id", electionID, "candidate_id", candidateID, "ledger_id", id)
	r.putLocked(ctx, key, Entry{LedgerID: id, DerivedAt: r.now().UTC(), Deployed: true, Source: SourceOrdinal})
	return id, nil
}

var errLookupUnavailable = errors.New("domain lookup unavailable")

func (r *Resolver) lookupByDomain(ctx context.Context, electionID int64, c ballot.Candidate) (uint64, error) {
	if r.lookup == nil {
		return 0, errLookupUnavailable
	}
	domainID := ballot.NormalizeDomainID(c.DomainID)
	if domainID == "" {
		return 0, ballot.NewMappingError(electionID, c.ID, "candidate has no domain identifier", nil)
	}
	id, err := r.lookup.CandidateIDByDomainID(ctx, domainID)
	switch ledger.Classify(err) {
	case "":
		return id, nil
	case ledger.CodeUnavailable:
		r.logger.Debug("domain lookup unavailable", "candidate_id", c.ID, "error", err)
		return 0, errLookupUnavailable
	case ledger.CodeNotFound:
		return 0, ballot.NewMappingError(electionID, c.ID,
			fmt.Sprintf("ledger has no candidate with domain id %q", domainID), err)
	default:
		return 0, ballot.NewMappingError(electionID, c.ID, "domain lookup failed", err)
	}
}

// ordinal derives a ledger id from the candidate's position in the roster
// sorted by relational candidate id: position 0 maps to ledger id 1.
func (r *Resolver) ordinal(ctx context.Context, electionID, candidateID int64) (uint64, error) {
	regs, err := r.candidates.ListRegistrationsByElection(ctx, electionID)
	if err != nil {
		return 0, ballot.NewMappingError(electionID, candidateID, "roster not readable", err)
	}
	ids := make([]int64, 0, len(regs))
	for _, reg := range regs {
		ids = append(ids, reg.CandidateID)
	}
	return OrdinalLedgerID(ids, candidateID, electionID)
}

// OrdinalLedgerID returns the 1-based position of candidateID in roster
// after sorting ascending.
func OrdinalLedgerID(roster []int64, candidateID, electionID int64) (uint64, error) {
	sorted := append([]int64(nil), roster...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i, id := range sorted {
		if id == candidateID {
			return uint64(i + 1), nil
		}
	}
	return 0, ballot.NewMappingError(electionID, candidateID, "candidate not in election roster", nil)
}

// InvalidateElection drops the election entry and every candidate entry
// under it.
func (r *Resolver) InvalidateElection(electionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := fmt.Sprintf("c:%d:", electionID)
	delete(r.entries, electionKey(electionID))
	for k := range r.entries {
		if strings.HasPrefix(k, prefix) {
			delete(r.entries, k)
		}
	}
	r.saveLocked(context.Background())
}

// InvalidateCandidate drops every candidate entry for candidateID across
// elections.
func (r *Resolver) InvalidateCandidate(candidateID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	suffix := ":" + strconv.FormatInt(candidateID, 10)
	for k := range r.entries {
		if strings.HasPrefix(k, "c:") && strings.HasSuffix(k, suffix) {
			delete(r.entries, k)
		}
	}
	r.saveLocked(context.Background())
}

// InvalidateAll empties the cache.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]Entry)
	r.saveLocked(context.Background())
}

// Entries returns the cached entries sorted by key.
func (r *Resolver) Entries() []KeyedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]KeyedEntry, 0, len(r.entries))
	for k, e := range r.entries {
		out = append(out, KeyedEntry{Key: k, Entry: e})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *Resolver) putLocked(ctx context.Context, key string, e Entry) {
	r.entries[key] = e
	r.saveLocked(ctx)
}

// saveLocked persists the entry map. Failures are warnings: the in-memory
// cache remains authoritative for this session.
//
// Negative election entries stay in memory only. A later session must see a
// deployment made elsewhere without an explicit invalidation.
func (r *Resolver) saveLocked(ctx context.Context) {
	if r.backend == nil {
		return
	}
	durable := make(map[string]Entry, len(r.entries))
	for k, e := range r.entries {
		if strings.HasPrefix(k, "e:") && !e.Deployed {
			continue
		}
		durable[k] = e
	}
	data, err := json.Marshal(durable)
	if err != nil {
		r.logger.Warn("mapping snapshot encode failed", "error", err)
		return
	}
	if err := r.backend.Put(ctx, SnapshotKey, data); err != nil {
		r.logger.Warn("mapping snapshot write failed", "error", err)
	}
}

func (r *Resolver) loadSnapshot(ctx context.Context) {
	if r.backend == nil {
		return
	}
	data, found, err := r.backend.Get(ctx, SnapshotKey)
	if err != nil {
		r.logger.Warn("mapping snapshot read failed", "error", err)
		return
	}
	if !found {
		return
	}
	entries := make(map[string]Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		r.logger.Warn("mapping snapshot corrupt, starting empty", "error", err)
		return
	}
	r.entries = entries
}
