package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ballotsync/internal/idempotency"
	"github.com/roach88/ballotsync/internal/mapping"
)

// cacheView lists both local caches.
type cacheView struct {
	Operations []idempotency.Record `json:"operations"`
	Mappings   []mapping.KeyedEntry `json:"mappings"`
}

func (v cacheView) renderText(w io.Writer) {
	fmt.Fprintf(w, "Operations (%d):\n", len(v.Operations))
	for _, rec := range v.Operations {
		status := string(rec.Status)
		switch rec.Status {
		case idempotency.StatusSuccess:
			status = okColor.Sprint(status)
		case idempotency.StatusFailed:
			status = errColor.Sprint(status)
		}
		ledgerID := "-"
		if rec.LedgerID != nil {
			ledgerID = fmt.Sprint(*rec.LedgerID)
		}
		fmt.Fprintf(w, "  %.12s  %-18s election=%-4d ledger=%-4s %s  %s\n",
			rec.ID, rec.Type, rec.ElectionID, ledgerID, rec.Timestamp.Format(time.RFC3339), status)
	}
	fmt.Fprintf(w, "Mappings (%d):\n", len(v.Mappings))
	for _, e := range v.Mappings {
		line := fmt.Sprintf("  %-10s ledger=%-4d deployed=%-5t %s", e.Key, e.LedgerID, e.Deployed, e.Source)
		if e.Source == mapping.SourceOrdinal {
			line = warnColor.Sprint(line + " (position-derived)")
		}
		fmt.Fprintln(w, line)
	}
}

type countView struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

func (v countView) renderText(w io.Writer) {
	fmt.Fprintf(w, "%s: %d\n", v.Action, v.Count)
}

// NewCacheCommand creates the cache command group.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the local idempotency and mapping caches",
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "list",
		Short:         "List operation records and cached id mappings",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(s *session, out *OutputFormatter) error {
				records, err := s.cache.List(cmd.Context())
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read cache", err)
				}
				return out.Success(cacheView{Operations: records, Mappings: s.resolver.Entries()})
			})
		},
	})

	var days int
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove stale pending and failed operation records",
		Long: `Remove pending and failed operation records older than the retention
period. Success records are kept forever: they are what prevents a
duplicate ledger write.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(rootOpts, cmd, func(s *session, out *OutputFormatter) error {
				retention := s.cfg.Cache.RetentionDays
				if cmd.Flags().Changed("days") {
					retention = days
				}
				removed, err := s.cache.PurgeOlderThan(cmd.Context(), retention)
				if err != nil {
					return WrapExitError(ExitCommandError, "purge failed", err)
				}
				return out.Success(countView{Action: "purged", Count: removed})
			})
		},
	}
	purgeCmd.Flags().IntVar(&days, "days", 0, "retention in days (default cache.retention_days)")
	cmd.AddCommand(purgeCmd)

	var confirm bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every operation record and id mapping",
		Long: `Drop every operation record and cached id mapping.

Without operation records a later sync relies on relational ledger ids
alone to avoid duplicate writes. Requires --yes.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return NewExitError(ExitCommandError, "cache clear requires --yes")
			}
			return withSession(rootOpts, cmd, func(s *session, out *OutputFormatter) error {
				records, err := s.cache.List(cmd.Context())
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read cache", err)
				}
				if err := s.cache.ClearAll(cmd.Context()); err != nil {
					return WrapExitError(ExitCommandError, "clear failed", err)
				}
				s.resolver.InvalidateAll()
				return out.Success(countView{Action: "cleared", Count: len(records)})
			})
		},
	}
	clearCmd.Flags().BoolVarP(&confirm, "yes", "y", false, "confirm")
	cmd.AddCommand(clearCmd)

	cmd.AddCommand(&cobra.Command{
		Use:           "invalidate <election|candidate> <id>",
		Short:         "Drop cached id mappings for one election or candidate",
		Args:          cobra.ExactArgs(2),
		ValidArgs:     []string{"election", "candidate"},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0]+" id", args[1])
			if err != nil {
				return err
			}
			if args[0] != "election" && args[0] != "candidate" {
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown entity %q: must be election or candidate", args[0]))
			}
			return withSession(rootOpts, cmd, func(s *session, out *OutputFormatter) error {
				before := len(s.resolver.Entries())
				if args[0] == "election" {
					s.resolver.InvalidateElection(id)
				} else {
					s.resolver.InvalidateCandidate(id)
				}
				return out.Success(countView{Action: "invalidated", Count: before - len(s.resolver.Entries())})
			})
		},
	})

	return cmd
}

// withSession opens a session for the duration of fn.
func withSession(opts *RootOptions, cmd *cobra.Command, fn func(*session, *OutputFormatter) error) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()
	cmd.SetContext(ctx)

	s, err := opts.openSession(ctx, opts.Logger(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer s.close()
	return fn(s, opts.formatter(cmd))
}
