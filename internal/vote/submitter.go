// Package vote casts single votes against the ledger.
//
// The primary path checks for an existing vote before writing and records
// every confirmed vote in the idempotency cache, so a voter is never
// submitted twice for one election. Two fallbacks exist: an operator-gated
// manual path that hand-builds the ledger call, and a degraded path that
// holds the vote in the relational store when the ledger is unreachable.
package vote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/ballotsync/internal/ballot"
	"github.com/roach88/ballotsync/internal/idempotency"
	"github.com/roach88/ballotsync/internal/ledger"
	"github.com/roach88/ballotsync/internal/mapping"
	"github.com/roach88/ballotsync/internal/relational"
)

var (
	// ErrManualDisabled is returned when the manual path is not enabled.
	ErrManualDisabled = errors.New("vote: manual fallback disabled by configuration")
	// ErrNotConfirmed is returned when a manual override lacks operator
	// confirmation.
	ErrNotConfirmed = errors.New("vote: manual override requires an operator and explicit confirmation")
	// ErrRawUnsupported is returned when the ledger client cannot submit
	// hand-built calls.
	ErrRawUnsupported = errors.New("vote: ledger client does not support raw submission")
	// ErrOutcomeUnknown is returned by CastDegraded while an earlier ledger
	// submission for the voter is still pending: the ledger may hold it.
	ErrOutcomeUnknown = errors.New("vote: an earlier ledger submission for this voter has an unknown outcome; retry once the ledger is reachable")
)

// Settings controls fees and fallbacks.
type Settings struct {
	StandardFee ledger.Fee
	MinimalFee  ledger.Fee
	// ManualFallbackEnabled allows CastManual.
	ManualFallbackEnabled bool
	// DegradedFallbackEnabled lets Cast fall through to CastDegraded when
	// the ledger is unreachable.
	DegradedFallbackEnabled bool
}

// Submitter casts votes.
type Submitter struct {
	rel      relational.Client
	ledger   ledger.Client
	resolver *mapping.Resolver
	cache    *idempotency.Cache
	settings Settings

	logger *slog.Logger
	nonce  func() string
}

// Option configures a Submitter.
type Option func(*Submitter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Submitter) { s.logger = logger }
}

// WithNonce overrides nonce generation.
func WithNonce(fn func() string) Option {
	return func(s *Submitter) { s.nonce = fn }
}

// New creates a Submitter.
func New(rel relational.Client, l ledger.Client, resolver *mapping.Resolver, cache *idempotency.Cache, settings Settings, opts ...Option) *Submitter {
	s := &Submitter{
		rel:      rel,
		ledger:   l,
		resolver: resolver,
		cache:    cache,
		settings: settings,
		logger:   slog.Default(),
		nonce:    newNonce,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newNonce() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (r Request) validate() error {
	if r.ElectionID <= 0 || r.CandidateID <= 0 {
		return fmt.Errorf("vote: election and candidate ids must be positive")
	}
	if strings.TrimSpace(r.Voter) == "" {
		return fmt.Errorf("vote: voter is required")
	}
	return nil
}

func (r Request) record(status idempotency.Status) idempotency.Record {
	return idempotency.NewRecord(ballot.OpVote, ballot.VoteTarget(r.ElectionID, r.Voter), r.ElectionID, status)
}

func unreachable(err error) bool {
	code := ledger.Classify(err)
	return code == ledger.CodeUnavailable || code == ledger.CodeNoSession
}

// Cast runs the primary vote path.
//
// NotDeployed and AlreadyVoted are outcomes, not errors. Failures return
// an outcome in StateFailed together with a typed error naming the
// election.
func (s *Submitter) Cast(ctx context.Context, req Request) (*Outcome, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	req.Voter = ballot.NormalizeDomainID(req.Voter)
	out := &Outcome{Path: PathPrimary}
	out.enter(StateNotVoted)
	out.enter(StateChecking)
	log := s.logger.With("election_id", req.ElectionID, "voter", req.Voter)
	electionRef := strconv.FormatInt(req.ElectionID, 10)

	electionLedgerID, err := s.resolver.ResolveElection(ctx, req.ElectionID)
	if ballot.IsNotDeployed(err) {
		out.enter(StateNotDeployed)
		return out, nil
	}
	if err != nil {
		out.enter(StateFailed)
		return out, err
	}

	pending := req.record(idempotency.StatusPending)
	done, err := s.cache.IsCompleted(ctx, pending.ID)
	if err != nil {
		log.Warn("idempotency cache unreadable", "error", err)
	}
	if done {
		log.Info("vote already recorded locally")
		out.enter(StateAlreadyVoted)
		return out, nil
	}

	if held, err := s.rel.HasOffchainVote(ctx, req.ElectionID, req.Voter); err != nil {
		log.Warn("offchain vote check failed", "error", err)
	} else if held {
		log.Info("voter has a degraded vote on record")
		out.enter(StateAlreadyVoted)
		return out, nil
	}

	voted, err := s.ledger.HasVoted(ctx, electionLedgerID, req.Voter)
	if err != nil {
		return s.fail(ctx, log, out, req, err, "check vote")
	}
	if voted {
		s.record(ctx, log, req.record(idempotency.StatusSuccess))
		out.enter(StateAlreadyVoted)
		return out, nil
	}

	candidateLedgerID, err := s.resolver.ResolveCandidate(ctx, req.ElectionID, req.CandidateID)
	if err != nil {
		out.enter(StateFailed)
		return out, err
	}
	out.enter(StateEligible)

	if _, err := s.ledger.Connect(ctx); err != nil {
		return s.fail(ctx, log, out, req, err, "connect signer")
	}

	out.enter(StateSubmitting)
	s.record(ctx, log, pending)
	receipt, err := s.ledger.Vote(ctx, ledger.Ballot{
		ElectionID:  electionLedgerID,
		CandidateID: candidateLedgerID,
		Voter:       req.Voter,
		Nonce:       s.nonce(),
		Fee:         s.settings.StandardFee,
	})
	if ledger.Classify(err) == ledger.CodeAlreadyVoted {
		s.record(ctx, log, req.record(idempotency.StatusSuccess))
		out.enter(StateAlreadyVoted)
		return out, nil
	}
	if unreachable(err) {
		// The call may have landed. Keep the pending record so neither path
		// writes again until HasVoted settles it.
		log.Warn("vote submission outcome unknown", "error", err)
		out.enter(StateFailed)
		return out, &ballot.Error{
			Code: ballot.ErrCodeConnection, Op: "cast vote", Entity: "election", EntityID: electionRef,
			Reason: "submission outcome unknown", Err: err,
		}
	}
	if err != nil {
		s.record(ctx, log, req.record(idempotency.StatusFailed))
		out.enter(StateFailed)
		return out, ledger.Explain(err, "cast vote", "election", electionRef)
	}
	if receipt.Confirmations < 1 {
		s.record(ctx, log, req.record(idempotency.StatusFailed))
		out.enter(StateFailed)
		return out, &ballot.Error{
			Code: ballot.ErrCodeLedgerRejection, Op: "cast vote", Entity: "election", EntityID: electionRef,
			Reason: "vote not confirmed",
		}
	}

	s.record(ctx, log, req.record(idempotency.StatusSuccess).WithLedgerID(electionLedgerID))
	log.Info("vote confirmed", "tx", receipt.TxHash)
	out.Receipt = &receipt
	out.LedgerBacked = true
	out.enter(StateConfirmed)
	return out, nil
}

// fail ends a primary attempt before anything was submitted. Unreachable
// ledgers fall through to the degraded path when that is enabled.
func (s *Submitter) fail(ctx context.Context, log *slog.Logger, out *Outcome, req Request, err error, op string) (*Outcome, error) {
	if unreachable(err) && s.settings.DegradedFallbackEnabled {
		log.Warn("ledger unreachable, falling back to degraded vote", "error", err)
		degraded, derr := s.CastDegraded(ctx, req, "ledger unreachable: "+err.Error())
		if degraded != nil {
			degraded.Trail = append(out.Trail, degraded.Trail...)
		}
		return degraded, derr
	}
	out.enter(StateFailed)
	return out, ledger.Explain(err, op, "election", strconv.FormatInt(req.ElectionID, 10))
}

func (s *Submitter) record(ctx context.Context, log *slog.Logger, rec idempotency.Record) {
	if err := s.cache.Record(ctx, rec); err != nil {
		log.Warn("idempotency record not persisted", "id", rec.ID, "status", rec.Status, "error", err)
	}
}

// CastManual submits a hand-built vote call with minimal fees.
//
// It is never triggered automatically. Resolver-level duplicate checks are
// bypassed; the ledger program still enforces one vote per voter.
func (s *Submitter) CastManual(ctx context.Context, req Request, ov Override) (*Outcome, error) {
	if !s.settings.ManualFallbackEnabled {
		return nil, ErrManualDisabled
	}
	if !ov.Confirm || strings.TrimSpace(ov.Operator) == "" {
		return nil, ErrNotConfirmed
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	raw, ok := s.ledger.(ledger.RawSubmitter)
	if !ok {
		return nil, ErrRawUnsupported
	}
	req.Voter = ballot.NormalizeDomainID(req.Voter)
	out := &Outcome{Path: PathManual}
	out.enter(StateSubmitting)
	log := s.logger.With("election_id", req.ElectionID, "voter", req.Voter, "operator", ov.Operator)

	electionLedgerID, candidateLedgerID, err := s.manualIDs(ctx, req, ov)
	if err != nil {
		out.enter(StateFailed)
		return out, err
	}

	session, err := s.ledger.Connect(ctx)
	if err != nil {
		out.enter(StateFailed)
		return out, ledger.Explain(err, "connect signer", "election", strconv.FormatInt(req.ElectionID, 10))
	}

	params, err := json.Marshal(map[string]any{
		"election_id":  electionLedgerID,
		"candidate_id": candidateLedgerID,
		"voter":        req.Voter,
		"nonce":        s.nonce(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode manual vote: %w", err)
	}

	log.Warn("manual vote override submitting")
	receipt, err := raw.SubmitRaw(ctx, ledger.RawCall{
		Method: "vote",
		From:   session.Account,
		Params: params,
		Fee:    s.settings.MinimalFee,
	})
	if ledger.Classify(err) == ledger.CodeAlreadyVoted {
		s.record(ctx, log, req.record(idempotency.StatusSuccess))
		out.enter(StateAlreadyVoted)
		return out, nil
	}
	if err != nil {
		out.enter(StateFailed)
		return out, ledger.Explain(err, "manual vote", "election", strconv.FormatInt(req.ElectionID, 10))
	}

	s.record(ctx, log, req.record(idempotency.StatusSuccess).WithLedgerID(electionLedgerID))
	log.Info("manual vote confirmed", "tx", receipt.TxHash)
	out.Receipt = &receipt
	out.LedgerBacked = true
	out.enter(StateConfirmed)
	return out, nil
}

func (s *Submitter) manualIDs(ctx context.Context, req Request, ov Override) (uint64, uint64, error) {
	var electionLedgerID, candidateLedgerID uint64
	if ov.ElectionLedgerID != nil {
		electionLedgerID = *ov.ElectionLedgerID
	} else {
		id, err := s.resolver.ResolveElection(ctx, req.ElectionID)
		if err != nil {
			return 0, 0, err
		}
		electionLedgerID = id
	}
	if ov.CandidateLedgerID != nil {
		candidateLedgerID = *ov.CandidateLedgerID
	} else {
		id, err := s.resolver.ResolveCandidate(ctx, req.ElectionID, req.CandidateID)
		if err != nil {
			return 0, 0, err
		}
		candidateLedgerID = id
	}
	return electionLedgerID, candidateLedgerID, nil
}

// CastDegraded records the vote in the relational store only. The outcome
// is never ledger-backed and always carries a warning.
func (s *Submitter) CastDegraded(ctx context.Context, req Request, reason string) (*Outcome, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	req.Voter = ballot.NormalizeDomainID(req.Voter)
	out := &Outcome{Path: PathDegraded}
	log := s.logger.With("election_id", req.ElectionID, "voter", req.Voter)

	rec, found, err := s.cache.Get(ctx, req.record(idempotency.StatusSuccess).ID)
	if err != nil {
		log.Warn("idempotency cache unreadable", "error", err)
	}
	if found && rec.Status == idempotency.StatusSuccess {
		out.enter(StateAlreadyVoted)
		return out, nil
	}
	if found && rec.Status == idempotency.StatusPending {
		log.Warn("degraded vote refused, ledger submission pending")
		out.enter(StateFailed)
		return out, ErrOutcomeUnknown
	}

	err = s.rel.RecordOffchainVote(ctx, relational.OffchainVote{
		ElectionID:  req.ElectionID,
		CandidateID: req.CandidateID,
		Voter:       req.Voter,
		Reason:      reason,
	})
	if errors.Is(err, relational.ErrDuplicateVote) {
		out.enter(StateAlreadyVoted)
		return out, nil
	}
	if err != nil {
		out.enter(StateFailed)
		return out, fmt.Errorf("degraded vote for election %d: %w", req.ElectionID, err)
	}

	out.Warning = fmt.Sprintf("vote for election %d recorded off-ledger only and is NOT ledger-backed (%s)", req.ElectionID, reason)
	log.Warn("degraded vote recorded", "reason", reason)
	out.LedgerBacked = false
	out.enter(StateDegraded)
	return out, nil
}
