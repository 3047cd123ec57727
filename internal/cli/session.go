package cli

import (
	"context"
	"log/slog"

	"github.com/roach88/ballotsync/internal/ballot"
	"github.com/roach88/ballotsync/internal/config"
	"github.com/roach88/ballotsync/internal/idempotency"
	"github.com/roach88/ballotsync/internal/ledger"
	"github.com/roach88/ballotsync/internal/mapping"
	"github.com/roach88/ballotsync/internal/orchestrator"
	"github.com/roach88/ballotsync/internal/relational"
	"github.com/roach88/ballotsync/internal/store"
	"github.com/roach88/ballotsync/internal/vote"
)

// offchainLister is implemented by relational adapters that can list
// degraded votes.
type offchainLister interface {
	ListOffchainVotes(ctx context.Context, electionID int64) ([]relational.OffchainVote, error)
}

// session holds the components one command invocation works with, built
// from the loaded configuration.
type session struct {
	cfg      config.Config
	logger   *slog.Logger
	rel      relational.Client
	ledger   ledger.Client
	kv       *store.Store
	cache    *idempotency.Cache
	resolver *mapping.Resolver

	closers []func() error
}

// loadConfig resolves and loads the configuration file.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(o.Config))
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// openSession loads the configuration and opens every store and client.
// Setup failures are ExitCommandError.
func (o *RootOptions) openSession(ctx context.Context, logger *slog.Logger) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, logger: logger}

	switch cfg.Relational.Driver {
	case "http":
		s.rel = relational.NewHTTPClient(cfg.Relational.BaseURL, cfg.RelationalTimeout())
	default:
		gs, err := relational.OpenGorm(ctx, cfg.Relational.DSN)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to open relational store", err)
		}
		s.rel = gs
		s.closers = append(s.closers, gs.Close)
	}

	switch cfg.Ledger.Driver {
	case "rpc":
		s.ledger = ledger.NewRPCClient(cfg.Ledger.Socket, cfg.LedgerTimeout())
	default:
		logger.Info("using the in-process simulated ledger; its state is lost when the command exits")
		s.ledger = ledger.NewMemory(ledger.WithAccount(cfg.Signer.Account), ledger.WithFeeFloor(cfg.Ledger.FeeFloor))
	}

	kv, err := store.Open(cfg.Cache.Path)
	if err != nil {
		s.close()
		return nil, WrapExitError(ExitCommandError, "failed to open cache store", err)
	}
	s.kv = kv
	s.closers = append(s.closers, kv.Close)

	s.cache = idempotency.New(kv, idempotency.WithLogger(logger))

	var lookup ledger.DomainLookup
	if dl, ok := s.ledger.(ledger.DomainLookup); ok {
		lookup = dl
	}
	s.resolver = mapping.New(s.rel, s.rel, lookup, mapping.Options{
		Backend:              kv,
		AllowOrdinalFallback: cfg.Mapping.OrdinalFallback,
		Logger:               logger,
	})
	logger.Debug("session open",
		"relational", cfg.Relational.Driver,
		"ledger", cfg.Ledger.Driver,
		"cache", cfg.Cache.Path)
	return s, nil
}

func (s *session) orchestrator(opts ...orchestrator.Option) *orchestrator.Orchestrator {
	opts = append([]orchestrator.Option{orchestrator.WithLogger(s.logger)}, opts...)
	return orchestrator.New(s.rel, s.ledger, s.resolver, s.cache, opts...)
}

func (s *session) submitter() *vote.Submitter {
	return vote.New(s.rel, s.ledger, s.resolver, s.cache, vote.Settings{
		StandardFee:             s.cfg.Vote.StandardFee.Ledger(),
		MinimalFee:              s.cfg.Vote.MinimalFee.Ledger(),
		ManualFallbackEnabled:   s.cfg.Vote.ManualFallbackEnabled,
		DegradedFallbackEnabled: s.cfg.Vote.DegradedFallbackEnabled,
	}, vote.WithLogger(s.logger))
}

// close releases resources in reverse order of opening.
func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Error("error closing session resource", "error", err)
		}
	}
	s.closers = nil
}

// errorCode names err for CLI output.
func errorCode(err error) string {
	if code := ballot.CodeOf(err); code != "" {
		return string(code)
	}
	if code := ledger.Classify(err); code != ledger.CodeUnknown && code != "" {
		return string(code)
	}
	return "ERROR"
}
