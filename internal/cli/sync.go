package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/ballotsync/internal/orchestrator"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Progress bool
}

// syncView is the printable form of a sync report.
type syncView struct {
	*orchestrator.Report
}

func (v syncView) renderText(w io.Writer) {
	fmt.Fprintf(w, "Run %s (%s)\n", v.RunID, v.Phase)
	fmt.Fprintf(w, "  elections deployed:    %d\n", v.ElectionsDeployed)
	fmt.Fprintf(w, "  candidates registered: %d\n", v.CandidatesRegistered)
	fmt.Fprintf(w, "  registrations linked:  %d\n", v.RegistrationsLinked)
	fmt.Fprintf(w, "  skipped:               %d\n", v.Skipped)
	if len(v.Errors) == 0 {
		fmt.Fprintln(w, okColor.Sprint("✓ no errors"))
		return
	}
	fmt.Fprintln(w, errColor.Sprintf("✗ %d error(s):", len(v.Errors)))
	for _, ie := range v.Errors {
		fmt.Fprintf(w, "  %s\n", errColor.Sprint(ie.String()))
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push relational elections, candidates and registrations to the ledger",
		Long: `Run one synchronization pass.

Phases run in order: connect signer, deploy elections, register candidates,
link registrations. A failing item is reported and the run moves on; the
next run picks it up again. Entities that already carry a ledger id are
never written twice.

Exit codes:
  0 - Every item succeeded or was skipped
  1 - One or more items failed, or the run aborted
  2 - Command error (bad config, unreachable store)

Examples:
  ballotsync sync
  ballotsync sync --progress --verbose
  ballotsync sync --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Progress, "progress", false, "print progress after each item")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	logger := opts.Logger(cmd.ErrOrStderr())

	ctx, cancel := signalContext(cmd)
	defer cancel()

	s, err := opts.openSession(ctx, logger)
	if err != nil {
		return err
	}
	defer s.close()

	var orchOpts []orchestrator.Option
	if opts.Progress {
		orchOpts = append(orchOpts, orchestrator.WithProgress(func(p orchestrator.Progress) {
			fmt.Fprintf(out.GetErrWriter(), "[%s] %d/%d\n", p.Phase, p.Done, p.Total)
		}))
	}

	report, err := s.orchestrator(orchOpts...).Run(ctx)
	view := syncView{Report: report}
	if err != nil {
		_ = out.Partial(view, errorCode(err), err.Error())
		return WrapExitError(ExitFailure, "sync aborted", err)
	}
	if report.Failed() {
		_ = out.Partial(view, "SYNC_PARTIAL", fmt.Sprintf("%d item(s) failed; re-run sync to retry", len(report.Errors)))
		return NewExitError(ExitFailure, fmt.Sprintf("%d sync item(s) failed", len(report.Errors)))
	}
	return out.Success(view)
}

// signalContext derives a context cancelled on SIGINT or SIGTERM.
// The command's context is used when set (tests), otherwise Background.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
