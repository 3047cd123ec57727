package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/ballotsync/internal/ballot"
)

// DefaultFeeFloor is the minimum gas price Memory accepts.
const DefaultFeeFloor = 1

type memElection struct {
	spec       ElectionSpec
	candidates []uint64
	votes      map[uint64]uint64 // candidate id -> count
	voters     map[string]bool
}

type memCandidate struct {
	domainID string
}

// Memory is an in-process simulated ledger.
//
// It follows the ledger program's observable rules: ids are assigned
// sequentially from 1 in submission order, entities are immutable, links
// are refused once voting starts and each voter votes once per election.
//
// Fault injection hooks (FailNext, SetUnavailable, SetSignerAvailable,
// SetDomainLookup) let tests drive every failure path.
//
// Thread-safety: safe for concurrent use via internal mutex.
type Memory struct {
	mu         sync.Mutex
	now        func() time.Time
	account    string
	signer     bool
	connected  bool
	down       bool
	lookup     bool
	feeFloor   uint64
	elections  []*memElection
	candidates []*memCandidate
	byDomain   map[string]uint64
	failures   map[string][]error
	calls      map[string]int
}

// MemoryOption configures a Memory ledger.
type MemoryOption func(*Memory)

// WithMemoryClock sets the clock used to derive election phases.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithAccount sets the signing account exposed by Connect.
func WithAccount(account string) MemoryOption {
	return func(m *Memory) { m.account = account }
}

// WithFeeFloor sets the minimum accepted gas price.
func WithFeeFloor(floor uint64) MemoryOption {
	return func(m *Memory) { m.feeFloor = floor }
}

// NewMemory creates an empty simulated ledger with a signer available and
// domain lookup enabled.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:      time.Now,
		account:  "sim-operator",
		signer:   true,
		lookup:   true,
		feeFloor: DefaultFeeFloor,
		byDomain: make(map[string]uint64),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailNext makes the next call to method return err instead of executing.
// Multiple calls queue in order.
func (m *Memory) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[method] = append(m.failures[method], err)
}

// SetUnavailable makes every call fail with CodeUnavailable.
func (m *Memory) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = down
}

// SetSignerAvailable controls whether Connect can open a write session.
func (m *Memory) SetSignerAvailable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signer = ok
	if !ok {
		m.connected = false
	}
}

// SetDomainLookup enables or disables CandidateIDByDomainID.
func (m *Memory) SetDomainLookup(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookup = enabled
}

// Calls returns how many times method was invoked, including failed calls.
func (m *Memory) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// enter counts the call and returns an injected or availability failure.
// Callers hold m.mu.
func (m *Memory) enter(method string) error {
	m.calls[method]++
	if m.down {
		return Reject(CodeUnavailable, "ledger unavailable")
	}
	if q := m.failures[method]; len(q) > 0 {
		err := q[0]
		m.failures[method] = q[1:]
		return err
	}
	return nil
}

func (m *Memory) requireSession() error {
	if !m.connected {
		return Reject(CodeNoSession, "no signing session: call Connect first")
	}
	return nil
}

// Connect opens a write-capable session for the configured account.
func (m *Memory) Connect(ctx context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Connect"); err != nil {
		return Session{}, err
	}
	if !m.signer {
		return Session{}, Reject(CodeNoSession, "no signer available for account %s", m.account)
	}
	m.connected = true
	return Session{Account: m.account}, nil
}

// CreateElection appends a new election. Every call gets a fresh id, even
// for a type and window already on the ledger.
func (m *Memory) CreateElection(ctx context.Context, spec ElectionSpec) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateElection"); err != nil {
		return 0, err
	}
	if err := m.requireSession(); err != nil {
		return 0, err
	}
	if !spec.End.After(spec.Start) {
		return 0, Reject(CodeUnknown, "invalid election window %s..%s", spec.Start, spec.End)
	}
	m.elections = append(m.elections, &memElection{
		spec:   spec,
		votes:  make(map[uint64]uint64),
		voters: make(map[string]bool),
	})
	return uint64(len(m.elections)), nil
}

// RegisterCandidate registers a candidate by domain identifier.
func (m *Memory) RegisterCandidate(ctx context.Context, domainID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RegisterCandidate"); err != nil {
		return 0, err
	}
	if err := m.requireSession(); err != nil {
		return 0, err
	}
	key := ballot.NormalizeDomainID(domainID)
	if key == "" {
		return 0, Reject(CodeUnknown, "empty domain identifier")
	}
	if id, ok := m.byDomain[key]; ok {
		return 0, Exists(id, "candidate %q already registered", key)
	}
	m.candidates = append(m.candidates, &memCandidate{domainID: key})
	id := uint64(len(m.candidates))
	m.byDomain[key] = id
	return id, nil
}

// AddCandidateToElection links a registered candidate to an election that
// has not started yet.
func (m *Memory) AddCandidateToElection(ctx context.Context, electionID, candidateID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AddCandidateToElection"); err != nil {
		return err
	}
	if err := m.requireSession(); err != nil {
		return err
	}
	e, err := m.election(electionID)
	if err != nil {
		return err
	}
	if candidateID == 0 || candidateID > uint64(len(m.candidates)) {
		return Reject(CodeNotFound, "candidate %d not found", candidateID)
	}
	if m.phase(e) != PhasePending {
		return Reject(CodeElectionClosed, "election %d is not accepting candidates", electionID)
	}
	for _, c := range e.candidates {
		if c == candidateID {
			return Exists(candidateID, "candidate %d already in election %d", candidateID, electionID)
		}
	}
	e.candidates = append(e.candidates, candidateID)
	return nil
}

// Vote casts a ballot after standard fee checks.
func (m *Memory) Vote(ctx context.Context, b Ballot) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Vote"); err != nil {
		return Receipt{}, err
	}
	return m.castLocked(b)
}

// SubmitRaw executes a hand-encoded call. Only "vote" is supported.
func (m *Memory) SubmitRaw(ctx context.Context, call RawCall) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SubmitRaw"); err != nil {
		return Receipt{}, err
	}
	if call.Method != "vote" {
		return Receipt{}, Reject(CodeUnknown, "unsupported raw method %q", call.Method)
	}
	var p struct {
		ElectionID  uint64 `json:"election_id"`
		CandidateID uint64 `json:"candidate_id"`
		Voter       string `json:"voter"`
		Nonce       string `json:"nonce"`
	}
	if err := json.Unmarshal(call.Params, &p); err != nil {
		return Receipt{}, Reject(CodeUnknown, "malformed raw params: %v", err)
	}
	return m.castLocked(Ballot{
		ElectionID:  p.ElectionID,
		CandidateID: p.CandidateID,
		Voter:       p.Voter,
		Nonce:       p.Nonce,
		Fee:         call.Fee,
	})
}

// castLocked applies the ledger program's vote rules. Callers hold m.mu.
func (m *Memory) castLocked(b Ballot) (Receipt, error) {
	if err := m.requireSession(); err != nil {
		return Receipt{}, err
	}
	if b.Fee.GasPrice < m.feeFloor {
		return Receipt{}, Reject(CodeFeeTooLow, "gas price %d below floor %d", b.Fee.GasPrice, m.feeFloor)
	}
	e, err := m.election(b.ElectionID)
	if err != nil {
		return Receipt{}, err
	}
	if m.phase(e) != PhaseActive {
		return Receipt{}, Reject(CodeNotActive, "election %d is not active", b.ElectionID)
	}
	listed := false
	for _, c := range e.candidates {
		if c == b.CandidateID {
			listed = true
			break
		}
	}
	if !listed {
		return Receipt{}, Reject(CodeNotFound, "candidate %d not in election %d", b.CandidateID, b.ElectionID)
	}
	voter := ballot.NormalizeDomainID(b.Voter)
	if e.voters[voter] {
		return Receipt{}, Reject(CodeAlreadyVoted, "%s has already voted in election %d", voter, b.ElectionID)
	}
	e.voters[voter] = true
	e.votes[b.CandidateID]++

	sum := sha256.Sum256([]byte(fmt.Sprintf("%d/%d/%s/%s", b.ElectionID, b.CandidateID, voter, b.Nonce)))
	return Receipt{
		TxHash:        "0x" + hex.EncodeToString(sum[:]),
		ElectionID:    b.ElectionID,
		CandidateID:   b.CandidateID,
		Voter:         voter,
		Nonce:         b.Nonce,
		Confirmations: 1,
		Fee:           b.Fee,
	}, nil
}

// ElectionStatus returns the ledger view of an election.
func (m *Memory) ElectionStatus(ctx context.Context, electionID uint64) (ElectionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ElectionStatus"); err != nil {
		return ElectionStatus{}, err
	}
	e, err := m.election(electionID)
	if err != nil {
		return ElectionStatus{}, err
	}
	var total uint64
	for _, n := range e.votes {
		total += n
	}
	return ElectionStatus{
		ID:           electionID,
		Type:         e.spec.Type,
		Start:        e.spec.Start,
		End:          e.spec.End,
		Phase:        m.phase(e),
		CandidateIDs: append([]uint64{}, e.candidates...),
		TotalVotes:   total,
	}, nil
}

// CandidateVotes returns per-candidate counts in candidate id order.
func (m *Memory) CandidateVotes(ctx context.Context, electionID uint64) ([]Tally, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CandidateVotes"); err != nil {
		return nil, err
	}
	e, err := m.election(electionID)
	if err != nil {
		return nil, err
	}
	ids := append([]uint64{}, e.candidates...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	tallies := make([]Tally, 0, len(ids))
	for _, id := range ids {
		tallies = append(tallies, Tally{
			CandidateID: id,
			DomainID:    m.candidates[id-1].domainID,
			Votes:       e.votes[id],
		})
	}
	return tallies, nil
}

// HasVoted reports whether voter has voted in the election.
func (m *Memory) HasVoted(ctx context.Context, electionID uint64, voter string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("HasVoted"); err != nil {
		return false, err
	}
	e, err := m.election(electionID)
	if err != nil {
		return false, err
	}
	return e.voters[ballot.NormalizeDomainID(voter)], nil
}

// CandidateIDByDomainID implements DomainLookup.
func (m *Memory) CandidateIDByDomainID(ctx context.Context, domainID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CandidateIDByDomainID"); err != nil {
		return 0, err
	}
	if !m.lookup {
		return 0, Reject(CodeUnavailable, "domain lookup not supported by this ledger")
	}
	key := ballot.NormalizeDomainID(domainID)
	id, ok := m.byDomain[key]
	if !ok {
		return 0, Reject(CodeNotFound, "no candidate with domain id %q", key)
	}
	return id, nil
}

func (m *Memory) election(id uint64) (*memElection, error) {
	if id == 0 || id > uint64(len(m.elections)) {
		return nil, Reject(CodeNotFound, "election %d not found", id)
	}
	return m.elections[id-1], nil
}

func (m *Memory) phase(e *memElection) Phase {
	now := m.now()
	switch {
	case now.Before(e.spec.Start):
		return PhasePending
	case now.Before(e.spec.End):
		return PhaseActive
	default:
		return PhaseEnded
	}
}

var (
	_ Client       = (*Memory)(nil)
	_ DomainLookup = (*Memory)(nil)
	_ RawSubmitter = (*Memory)(nil)
)
