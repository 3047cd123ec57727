// Package orchestrator pushes relational elections, candidates and
// registrations to the ledger in phases, isolating per-item failures.
//
// Writes are sequential and never retried within a run. Every write is
// guarded by the idempotency cache, so re-running after a partial failure
// is the recovery path.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/roach88/ballotsync/internal/ballot"
	"github.com/roach88/ballotsync/internal/idempotency"
	"github.com/roach88/ballotsync/internal/ledger"
	"github.com/roach88/ballotsync/internal/mapping"
	"github.com/roach88/ballotsync/internal/relational"
)

// Orchestrator runs synchronization passes.
type Orchestrator struct {
	rel      relational.Client
	ledger   ledger.Client
	resolver *mapping.Resolver
	cache    *idempotency.Cache

	logger   *slog.Logger
	progress func(Progress)
	runID    func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithProgress sets a callback invoked after each item.
func WithProgress(fn func(Progress)) Option {
	return func(o *Orchestrator) { o.progress = fn }
}

// WithRunID overrides run id generation.
func WithRunID(fn func() string) Option {
	return func(o *Orchestrator) { o.runID = fn }
}

// New creates an Orchestrator.
func New(rel relational.Client, l ledger.Client, resolver *mapping.Resolver, cache *idempotency.Cache, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		rel:      rel,
		ledger:   l,
		resolver: resolver,
		cache:    cache,
		logger:   slog.Default(),
		runID:    newRunID,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

type snapshot struct {
	elections     []ballot.Election
	candidates    []ballot.Candidate
	registrations []ballot.Registration
}

// Run performs one synchronization pass.
//
// The returned error is non-nil only when the run aborted: the relational
// snapshot could not be loaded, no signing session could be opened, or ctx
// was cancelled between items. Item failures are reported in
// Report.Errors.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: o.runID(), Phase: PhaseInit, Errors: []ItemError{}}
	log := o.logger.With("run_id", report.RunID)

	log.Info("sync phase", "phase", PhaseInit)
	snap, err := o.load(ctx)
	if err != nil {
		return report, fmt.Errorf("load relational snapshot: %w", err)
	}
	report.Total = len(snap.elections) + len(snap.candidates) + len(snap.registrations)

	report.Phase = PhaseConnectSigner
	log.Info("sync phase", "phase", report.Phase)
	session, err := o.ledger.Connect(ctx)
	if err != nil {
		return report, ballot.NewConnectionError("connect signer", err)
	}
	log.Debug("signing session open", "account", session.Account)

	report.Phase = PhaseDeployElections
	log.Info("sync phase", "phase", report.Phase, "elections", len(snap.elections))
	claimed := claimedLedgerIDs(snap.elections)
	for _, e := range snap.elections {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		o.deployElection(ctx, log, report, e, claimed)
		o.notify(report)
	}

	report.Phase = PhaseRegisterCandidates
	log.Info("sync phase", "phase", report.Phase, "candidates", len(snap.candidates))
	for _, c := range snap.candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		o.registerCandidate(ctx, log, report, c)
		o.notify(report)
	}

	report.Phase = PhaseLinkRegistrations
	log.Info("sync phase", "phase", report.Phase, "registrations", len(snap.registrations))
	for _, reg := range snap.registrations {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		o.linkRegistration(ctx, log, report, reg)
		o.notify(report)
	}

	report.Phase = PhaseComplete
	for _, e := range snap.elections {
		o.resolver.InvalidateElection(e.ID)
	}
	for _, c := range snap.candidates {
		o.resolver.InvalidateCandidate(c.ID)
	}
	log.Info("sync complete",
		"elections_deployed", report.ElectionsDeployed,
		"candidates_registered", report.CandidatesRegistered,
		"registrations_linked", report.RegistrationsLinked,
		"skipped", report.Skipped,
		"errors", len(report.Errors))
	for _, ie := range report.Errors {
		log.Warn("sync item failed", "phase", ie.Phase, "entity", ie.Entity, "entity_id", ie.EntityID, "error", ie.Message)
	}
	return report, nil
}

func (o *Orchestrator) load(ctx context.Context) (snapshot, error) {
	var snap snapshot
	var err error
	if snap.elections, err = o.rel.ListElections(ctx); err != nil {
		return snap, err
	}
	if snap.candidates, err = o.rel.ListCandidates(ctx); err != nil {
		return snap, err
	}
	if snap.registrations, err = o.rel.ListRegistrations(ctx); err != nil {
		return snap, err
	}
	return snap, nil
}

func (o *Orchestrator) notify(r *Report) {
	if o.progress != nil {
		o.progress(Progress{Phase: r.Phase, Done: r.Processed(), Total: r.Total})
	}
}

// record writes an idempotency record. Cache failures never fail the item.
func (o *Orchestrator) record(ctx context.Context, log *slog.Logger, rec idempotency.Record) {
	if err := o.cache.Record(ctx, rec); err != nil {
		log.Warn("idempotency record not persisted", "id", rec.ID, "type", rec.Type, "status", rec.Status, "error", err)
	}
}

// completed returns the success record for rec's id, if any.
func (o *Orchestrator) completed(ctx context.Context, log *slog.Logger, id string) (idempotency.Record, bool) {
	rec, ok, err := o.cache.Get(ctx, id)
	if err != nil {
		log.Warn("idempotency cache unreadable", "id", id, "error", err)
		return idempotency.Record{}, false
	}
	return rec, ok && rec.Status == idempotency.StatusSuccess
}

// claimedLedgerIDs maps each attached ledger election id to the relational
// election holding it.
func claimedLedgerIDs(elections []ballot.Election) map[uint64]int64 {
	claimed := make(map[uint64]int64, len(elections))
	for _, e := range elections {
		if e.LedgerID != nil {
			claimed[*e.LedgerID] = e.ID
		}
	}
	return claimed
}

// claimConflict reports a ledger id already attached to a different
// relational election. One ledger election never backs two relational ones.
func claimConflict(claimed map[uint64]int64, electionID int64, ledgerID uint64) error {
	if owner, ok := claimed[ledgerID]; ok && owner != electionID {
		return fmt.Errorf("ledger election %d is already attached to election %d", ledgerID, owner)
	}
	return nil
}

func (o *Orchestrator) deployElection(ctx context.Context, log *slog.Logger, report *Report, e ballot.Election, claimed map[uint64]int64) {
	entityID := strconv.FormatInt(e.ID, 10)
	log = log.With("election_id", e.ID)

	if e.Deployed() {
		log.Debug("election already deployed", "ledger_id", *e.LedgerID)
		report.Skipped++
		return
	}

	pending := idempotency.NewRecord(ballot.OpCreateElection, ballot.ElectionTarget(e.ID), e.ID, idempotency.StatusPending)
	if rec, ok := o.completed(ctx, log, pending.ID); ok {
		if rec.LedgerID != nil {
			if err := claimConflict(claimed, e.ID, *rec.LedgerID); err != nil {
				report.addError(PhaseDeployElections, "election", entityID, fmt.Errorf("reattach ledger id: %w", err))
				return
			}
			if err := o.rel.AttachElectionLedgerID(ctx, e.ID, *rec.LedgerID); err != nil {
				report.addError(PhaseDeployElections, "election", entityID, fmt.Errorf("reattach ledger id %d: %w", *rec.LedgerID, err))
				return
			}
			claimed[*rec.LedgerID] = e.ID
			log.Info("reattached ledger id from cache", "ledger_id", *rec.LedgerID)
			o.resolver.InvalidateElection(e.ID)
		}
		report.Skipped++
		return
	}

	spec := ledger.ElectionSpec{Type: e.Position, Start: e.StartsAt, End: e.EndsAt}
	o.record(ctx, log, pending)
	ledgerID, err := o.ledger.CreateElection(ctx, spec)
	if err != nil {
		existing, ok := ledger.ExistingID(err)
		if !ok && ledger.Classify(err) == ledger.CodeAlreadyExists {
			// No election lookup exists on the ledger, so the id cannot be
			// recovered here.
			log.Warn("election exists on ledger but its id is unknown", "error", err)
			o.record(ctx, log, withStatus(pending, idempotency.StatusFailed))
			report.addError(PhaseDeployElections, "election", entityID, &ballot.Error{
				Code: ballot.ErrCodeAlreadyExists, Op: "deploy election", Entity: "election", EntityID: entityID,
				Reason: "exists on ledger but id unknown; attach the ledger id manually", Err: err,
			})
			return
		}
		if !ok {
			o.record(ctx, log, withStatus(pending, idempotency.StatusFailed))
			report.addError(PhaseDeployElections, "election", entityID,
				ledger.Explain(err, "deploy election", "election", entityID))
			return
		}
		if cerr := claimConflict(claimed, e.ID, existing); cerr != nil {
			log.Warn("ledger reported an election already owned elsewhere", "ledger_id", existing, "error", cerr)
			o.record(ctx, log, withStatus(pending, idempotency.StatusFailed))
			report.addError(PhaseDeployElections, "election", entityID, fmt.Errorf("deploy election: %w", cerr))
			return
		}
		log.Info("election already on ledger", "ledger_id", existing)
		ledgerID = existing
	}

	// The ledger write is done: mark success before touching the relational
	// copy so a failed attach is repaired by reattachment on the next run.
	o.record(ctx, log, withStatus(pending, idempotency.StatusSuccess).WithLedgerID(ledgerID))
	if err := o.rel.AttachElectionLedgerID(ctx, e.ID, ledgerID); err != nil {
		report.addError(PhaseDeployElections, "election", entityID, fmt.Errorf("attach ledger id %d: %w", ledgerID, err))
		return
	}
	claimed[ledgerID] = e.ID
	o.resolver.InvalidateElection(e.ID)
	log.Info("election deployed", "ledger_id", ledgerID)
	report.ElectionsDeployed++
}

func (o *Orchestrator) registerCandidate(ctx context.Context, log *slog.Logger, report *Report, c ballot.Candidate) {
	entityID := strconv.FormatInt(c.ID, 10)
	log = log.With("candidate_id", c.ID)

	if c.Registered() {
		log.Debug("candidate already registered", "ledger_id", *c.LedgerID)
		report.Skipped++
		return
	}

	pending := idempotency.NewRecord(ballot.OpRegisterCandidate, ballot.CandidateTarget(c.ID), 0, idempotency.StatusPending)
	if rec, ok := o.completed(ctx, log, pending.ID); ok {
		if rec.LedgerID != nil {
			if err := o.rel.AttachCandidateLedgerID(ctx, c.ID, *rec.LedgerID); err != nil {
				report.addError(PhaseRegisterCandidates, "candidate", entityID, fmt.Errorf("reattach ledger id %d: %w", *rec.LedgerID, err))
				return
			}
			log.Info("reattached ledger id from cache", "ledger_id", *rec.LedgerID)
			o.resolver.InvalidateCandidate(c.ID)
		}
		report.Skipped++
		return
	}

	domainID := ballot.NormalizeDomainID(c.DomainID)
	o.record(ctx, log, pending)
	ledgerID, err := o.ledger.RegisterCandidate(ctx, domainID)
	if err != nil {
		existing, ok := o.existingCandidate(ctx, err, domainID)
		if !ok {
			o.record(ctx, log, withStatus(pending, idempotency.StatusFailed))
			report.addError(PhaseRegisterCandidates, "candidate", entityID,
				ledger.Explain(err, "register candidate", "candidate", entityID))
			return
		}
		log.Info("candidate already on ledger", "ledger_id", existing)
		ledgerID = existing
	}

	o.record(ctx, log, withStatus(pending, idempotency.StatusSuccess).WithLedgerID(ledgerID))
	if err := o.rel.AttachCandidateLedgerID(ctx, c.ID, ledgerID); err != nil {
		report.addError(PhaseRegisterCandidates, "candidate", entityID, fmt.Errorf("attach ledger id %d: %w", ledgerID, err))
		return
	}
	o.resolver.InvalidateCandidate(c.ID)
	log.Info("candidate registered", "ledger_id", ledgerID)
	report.CandidatesRegistered++
}

// existingCandidate recovers the ledger id of an already-registered
// candidate from the rejection or, failing that, a domain lookup.
func (o *Orchestrator) existingCandidate(ctx context.Context, err error, domainID string) (uint64, bool) {
	if ledger.Classify(err) != ledger.CodeAlreadyExists {
		return 0, false
	}
	if id, ok := ledger.ExistingID(err); ok {
		return id, true
	}
	lookup, ok := o.ledger.(ledger.DomainLookup)
	if !ok {
		return 0, false
	}
	id, lerr := lookup.CandidateIDByDomainID(ctx, domainID)
	if lerr != nil {
		return 0, false
	}
	return id, true
}

func (o *Orchestrator) linkRegistration(ctx context.Context, log *slog.Logger, report *Report, reg ballot.Registration) {
	entityID := reg.Key()
	log = log.With("election_id", reg.ElectionID, "candidate_id", reg.CandidateID)

	pending := idempotency.NewRecord(ballot.OpLinkRegistration,
		ballot.RegistrationTarget(reg.ElectionID, reg.CandidateID), reg.ElectionID, idempotency.StatusPending)
	if _, ok := o.completed(ctx, log, pending.ID); ok {
		report.Skipped++
		return
	}

	electionLedgerID, err := o.resolver.ResolveElection(ctx, reg.ElectionID)
	if ballot.IsNotDeployed(err) {
		// The deploy phase already reported why this election has no id.
		log.Warn("registration skipped, election not deployed")
		report.Skipped++
		return
	}
	if err != nil {
		report.addError(PhaseLinkRegistrations, "registration", entityID, err)
		return
	}
	candidateLedgerID, err := o.resolver.ResolveCandidate(ctx, reg.ElectionID, reg.CandidateID)
	if err != nil {
		report.addError(PhaseLinkRegistrations, "registration", entityID, err)
		return
	}

	o.record(ctx, log, pending)
	err = o.ledger.AddCandidateToElection(ctx, electionLedgerID, candidateLedgerID)
	switch ledger.Classify(err) {
	case "", ledger.CodeAlreadyExists:
		o.record(ctx, log, withStatus(pending, idempotency.StatusSuccess))
		log.Info("registration linked", "election_ledger_id", electionLedgerID, "candidate_ledger_id", candidateLedgerID)
		report.RegistrationsLinked++
	case ledger.CodeElectionClosed:
		o.record(ctx, log, withStatus(pending, idempotency.StatusFailed))
		log.Info("election no longer accepting links", "election_ledger_id", electionLedgerID)
		report.Skipped++
	default:
		o.record(ctx, log, withStatus(pending, idempotency.StatusFailed))
		report.addError(PhaseLinkRegistrations, "registration", entityID,
			ledger.Explain(err, "link registration", "registration", entityID))
	}
}

func withStatus(rec idempotency.Record, status idempotency.Status) idempotency.Record {
	rec.Status = status
	return rec
}
