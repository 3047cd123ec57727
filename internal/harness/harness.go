package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/ballotsync/internal/ballot"
	"github.com/roach88/ballotsync/internal/idempotency"
	"github.com/roach88/ballotsync/internal/ledger"
	"github.com/roach88/ballotsync/internal/mapping"
	"github.com/roach88/ballotsync/internal/orchestrator"
	"github.com/roach88/ballotsync/internal/relational"
	"github.com/roach88/ballotsync/internal/store"
	"github.com/roach88/ballotsync/internal/testutil"
	"github.com/roach88/ballotsync/internal/vote"
)

// Fees used by scenario votes.
var (
	StandardFee = ledger.Fee{GasLimit: 200000, GasPrice: 20}
	MinimalFee  = ledger.Fee{GasLimit: 100000, GasPrice: 1}
)

// Harness holds one scenario's world.
type Harness struct {
	clock    *testutil.FixedClock
	rel      *relational.GormStore
	kv       *store.Store
	ledger   *ledger.Memory
	cache    *idempotency.Cache
	resolver *mapping.Resolver
	sync     *orchestrator.Orchestrator
	votes    *vote.Submitter
	logger   *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Setup failures are returned as errors; failed expectations and
// assertions are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.close()

	if err := h.seed(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to seed scenario: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Flow {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for _, errMsg := range h.evaluateAssertions(ctx, scenario.Assertions) {
		result.AddError(errMsg)
	}
	return result, nil
}

func newHarness(ctx context.Context, scenario *Scenario) (*Harness, error) {
	clock := testutil.NewFixedClock(testutil.Epoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rel, err := relational.OpenGorm(ctx, ":memory:", relational.WithGormClock(clock.Now))
	if err != nil {
		return nil, fmt.Errorf("failed to create relational store: %w", err)
	}
	kv, err := store.Open(":memory:")
	if err != nil {
		rel.Close()
		return nil, fmt.Errorf("failed to create cache store: %w", err)
	}

	floor := scenario.Settings.FeeFloor
	if floor == 0 {
		floor = ledger.DefaultFeeFloor
	}
	mem := ledger.NewMemory(ledger.WithMemoryClock(clock.Now), ledger.WithFeeFloor(floor))
	mem.SetDomainLookup(scenario.Settings.DomainLookup)

	cache := idempotency.New(kv, idempotency.WithClock(clock.Now), idempotency.WithLogger(logger))
	resolver := mapping.New(rel, rel, mem, mapping.Options{
		Backend:              kv,
		AllowOrdinalFallback: scenario.Settings.OrdinalFallback,
		Clock:                clock.Now,
		Logger:               logger,
	})
	runs := testutil.NewSequenceGenerator("run")
	nonces := testutil.NewSequenceGenerator("nonce")

	return &Harness{
		clock:    clock,
		rel:      rel,
		kv:       kv,
		ledger:   mem,
		cache:    cache,
		resolver: resolver,
		sync: orchestrator.New(rel, mem, resolver, cache,
			orchestrator.WithLogger(logger), orchestrator.WithRunID(runs.Generate)),
		votes: vote.New(rel, mem, resolver, cache, vote.Settings{
			StandardFee:             StandardFee,
			MinimalFee:              MinimalFee,
			ManualFallbackEnabled:   scenario.Settings.ManualFallback,
			DegradedFallbackEnabled: scenario.Settings.DegradedFallback,
		}, vote.WithLogger(logger), vote.WithNonce(nonces.Generate)),
		logger: logger,
	}, nil
}

func (h *Harness) close() {
	h.kv.Close()
	h.rel.Close()
}

func (h *Harness) seed(ctx context.Context, s *Scenario) error {
	for _, e := range s.Elections {
		startsIn, _ := time.ParseDuration(e.StartsIn)
		endsIn, _ := time.ParseDuration(e.EndsIn)
		name := e.Name
		if name == "" {
			name = e.Position
		}
		if _, err := h.rel.CreateElection(ctx, ballot.Election{
			ID:       e.ID,
			Name:     name,
			Position: e.Position,
			StartsAt: testutil.Epoch.Add(startsIn),
			EndsAt:   testutil.Epoch.Add(endsIn),
		}); err != nil {
			return err
		}
	}
	for _, c := range s.Candidates {
		name := c.Name
		if name == "" {
			name = c.DomainID
		}
		if _, err := h.rel.CreateCandidate(ctx, ballot.Candidate{ID: c.ID, FullName: name, DomainID: c.DomainID}); err != nil {
			return err
		}
	}
	for _, r := range s.Registrations {
		if err := h.rel.CreateRegistration(ctx, ballot.Registration{ElectionID: r.Election, CandidateID: r.Candidate}); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) error {
	switch {
	case step.Sync != nil:
		h.executeSync(ctx, i, step.Expect, result)
	case step.Vote != nil:
		h.executeVote(ctx, i, *step.Vote, step.Expect, result)
	case step.Advance != "":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		result.addTrace("advance", map[string]any{"by": step.Advance},
			map[string]any{"now": h.clock.Now().Format(time.RFC3339)})
	case step.Ledger != nil:
		return h.executeLedger(*step.Ledger, result)
	}
	return nil
}

func (h *Harness) executeSync(ctx context.Context, i int, expect *Expect, result *Result) {
	report, err := h.sync.Run(ctx)
	outcome := map[string]any{
		"run_id":                report.RunID,
		"phase":                 string(report.Phase),
		"elections_deployed":    report.ElectionsDeployed,
		"candidates_registered": report.CandidatesRegistered,
		"registrations_linked":  report.RegistrationsLinked,
		"skipped":               report.Skipped,
	}
	entities := make([]string, 0, len(report.Errors))
	for _, ie := range report.Errors {
		entities = append(entities, ie.Entity+":"+ie.EntityID)
	}
	outcome["errors"] = entities
	if err != nil {
		outcome["error"] = errorCode(err)
	}
	result.addTrace("sync", nil, outcome)

	if expect == nil {
		if err != nil {
			result.AddError(fmt.Sprintf("flow[%d] sync: unexpected abort: %v", i, err))
		}
		return
	}
	check := func(name string, want *int, got int) {
		if want != nil && *want != got {
			result.AddError(fmt.Sprintf("flow[%d] sync: %s = %d, expected %d", i, name, got, *want))
		}
	}
	check("elections_deployed", expect.ElectionsDeployed, report.ElectionsDeployed)
	check("candidates_registered", expect.CandidatesRegistered, report.CandidatesRegistered)
	check("registrations_linked", expect.RegistrationsLinked, report.RegistrationsLinked)
	check("skipped", expect.Skipped, report.Skipped)
	check("errors", expect.Errors, len(report.Errors))
	if expect.ErrorEntities != nil && !equalStrings(expect.ErrorEntities, entities) {
		result.AddError(fmt.Sprintf("flow[%d] sync: error entities = %v, expected %v", i, entities, expect.ErrorEntities))
	}
	h.checkError(i, "sync", expect.Error, err, result)
}

func (h *Harness) executeVote(ctx context.Context, i int, v VoteStep, expect *Expect, result *Result) {
	req := vote.Request{ElectionID: v.Election, CandidateID: v.Candidate, Voter: v.Voter}
	path := v.Path
	if path == "" {
		path = string(vote.PathPrimary)
	}

	var out *vote.Outcome
	var err error
	switch path {
	case string(vote.PathManual):
		operator := v.Operator
		if operator == "" {
			operator = "harness"
		}
		out, err = h.votes.CastManual(ctx, req, vote.Override{Operator: operator, Confirm: true})
	case string(vote.PathDegraded):
		out, err = h.votes.CastDegraded(ctx, req, v.Reason)
	default:
		out, err = h.votes.Cast(ctx, req)
	}

	args := map[string]any{"election": v.Election, "candidate": v.Candidate, "voter": v.Voter, "path": path}
	outcome := map[string]any{}
	if out != nil {
		outcome["state"] = string(out.State)
		outcome["path"] = string(out.Path)
		outcome["ledger_backed"] = out.LedgerBacked
	}
	if err != nil {
		outcome["error"] = errorCode(err)
	}
	result.addTrace("vote", args, outcome)

	if expect == nil {
		if err != nil {
			result.AddError(fmt.Sprintf("flow[%d] vote: unexpected error: %v", i, err))
		}
		return
	}
	if expect.State != "" {
		got := ""
		if out != nil {
			got = string(out.State)
		}
		if got != expect.State {
			result.AddError(fmt.Sprintf("flow[%d] vote: state = %q, expected %q", i, got, expect.State))
		}
	}
	if expect.LedgerBacked != nil && (out == nil || out.LedgerBacked != *expect.LedgerBacked) {
		result.AddError(fmt.Sprintf("flow[%d] vote: ledger_backed mismatch, expected %v", i, *expect.LedgerBacked))
	}
	h.checkError(i, "vote", expect.Error, err, result)
}

func (h *Harness) checkError(i int, step, want string, err error, result *Result) {
	switch {
	case want == "" && err != nil:
		result.AddError(fmt.Sprintf("flow[%d] %s: unexpected error: %v", i, step, err))
	case want != "" && err == nil:
		result.AddError(fmt.Sprintf("flow[%d] %s: expected error %s, got none", i, step, want))
	case want != "" && errorCode(err) != want:
		result.AddError(fmt.Sprintf("flow[%d] %s: error %s, expected %s", i, step, errorCode(err), want))
	}
}

func (h *Harness) executeLedger(step LedgerStep, result *Result) error {
	args := map[string]any{}
	if step.Available != nil {
		h.ledger.SetUnavailable(!*step.Available)
		args["available"] = *step.Available
	}
	if step.Signer != nil {
		h.ledger.SetSignerAvailable(*step.Signer)
		args["signer"] = *step.Signer
	}
	if len(step.FailNext) > 0 {
		faults := make([]string, 0, len(step.FailNext))
		for _, f := range step.FailNext {
			if f.Method == "" || f.Code == "" {
				return fmt.Errorf("fail_next requires method and code")
			}
			msg := f.Message
			if msg == "" {
				msg = "injected fault"
			}
			h.ledger.FailNext(f.Method, ledger.Reject(ledger.Code(f.Code), "%s", msg))
			faults = append(faults, f.Method+":"+f.Code)
		}
		args["fail_next"] = faults
	}
	result.addTrace("ledger", args, nil)
	return nil
}

// errorCode names err by its taxonomy code, falling back to the ledger
// code and then "ERROR".
func errorCode(err error) string {
	if code := ballot.CodeOf(err); code != "" {
		return string(code)
	}
	if code := ledger.Classify(err); code != ledger.CodeUnknown {
		return string(code)
	}
	return "ERROR"
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
