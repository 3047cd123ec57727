package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/ballotsync/internal/ballot"
	"github.com/roach88/ballotsync/internal/vote"
)

// VoteOptions holds flags for the vote command.
type VoteOptions struct {
	*RootOptions
	Manual            bool
	Operator          string
	Confirm           bool
	ElectionLedgerID  uint64
	CandidateLedgerID uint64
	Degraded          bool
	Reason            string
}

// voteView is the printable form of a vote outcome.
type voteView struct {
	ElectionID  int64  `json:"election_id"`
	CandidateID int64  `json:"candidate_id"`
	Voter       string `json:"voter"`
	*vote.Outcome
}

func (v voteView) renderText(w io.Writer) {
	fmt.Fprintf(w, "Vote %s in election %d: %s via %s path\n", v.Voter, v.ElectionID, v.State, v.Path)
	if v.Receipt != nil {
		fmt.Fprintf(w, "  tx: %s (%d confirmation(s))\n", v.Receipt.TxHash, v.Receipt.Confirmations)
	}
	if v.Warning != "" {
		fmt.Fprintln(w, warnColor.Sprint("  WARNING: "+v.Warning))
	}
}

// NewVoteCommand creates the vote command.
func NewVoteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VoteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "vote <election-id> <candidate-id> <voter>",
		Short: "Cast a vote on the ledger",
		Long: `Cast one voter's vote in a deployed election.

The primary path checks the local idempotency cache and the ledger before
submitting, so a voter is never submitted twice.

--manual submits a hand-encoded call with the minimal fee. It must be
enabled in the config (vote.manual_fallback_enabled) and requires
--operator and --yes.

--degraded records the vote in the relational store only. Such votes are
NOT ledger-backed. When vote.degraded_fallback_enabled is set the primary
path also falls back to it if the ledger is unreachable.

Examples:
  ballotsync vote 5 2 student-0042
  ballotsync vote 5 2 student-0042 --manual --operator alice --yes
  ballotsync vote 5 2 student-0042 --degraded --reason "ledger outage"`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVote(opts, cmd, args)
		},
	}

	cmd.Flags().BoolVar(&opts.Manual, "manual", false, "submit through the manual override path")
	cmd.Flags().StringVar(&opts.Operator, "operator", "", "operator name recorded with a manual vote")
	cmd.Flags().BoolVarP(&opts.Confirm, "yes", "y", false, "confirm a manual vote")
	cmd.Flags().Uint64Var(&opts.ElectionLedgerID, "election-ledger-id", 0, "manual vote: explicit election ledger id")
	cmd.Flags().Uint64Var(&opts.CandidateLedgerID, "candidate-ledger-id", 0, "manual vote: explicit candidate ledger id")
	cmd.Flags().BoolVar(&opts.Degraded, "degraded", false, "record the vote off-ledger only")
	cmd.Flags().StringVar(&opts.Reason, "reason", "operator requested", "reason recorded with a degraded vote")
	cmd.MarkFlagsMutuallyExclusive("manual", "degraded")

	return cmd
}

func parseID(name, s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, NewExitError(ExitCommandError, fmt.Sprintf("invalid %s %q: must be a positive integer", name, s))
	}
	return id, nil
}

func runVote(opts *VoteOptions, cmd *cobra.Command, args []string) error {
	electionID, err := parseID("election id", args[0])
	if err != nil {
		return err
	}
	candidateID, err := parseID("candidate id", args[1])
	if err != nil {
		return err
	}
	req := vote.Request{ElectionID: electionID, CandidateID: candidateID, Voter: args[2]}

	out := opts.formatter(cmd)
	logger := opts.Logger(cmd.ErrOrStderr())
	ctx, cancel := signalContext(cmd)
	defer cancel()

	s, err := opts.openSession(ctx, logger)
	if err != nil {
		return err
	}
	defer s.close()
	submitter := s.submitter()

	var outcome *vote.Outcome
	switch {
	case opts.Manual:
		ov := vote.Override{Operator: opts.Operator, Confirm: opts.Confirm}
		if opts.ElectionLedgerID != 0 {
			ov.ElectionLedgerID = &opts.ElectionLedgerID
		}
		if opts.CandidateLedgerID != 0 {
			ov.CandidateLedgerID = &opts.CandidateLedgerID
		}
		outcome, err = submitter.CastManual(ctx, req, ov)
	case opts.Degraded:
		outcome, err = submitter.CastDegraded(ctx, req, opts.Reason)
	default:
		outcome, err = submitter.Cast(ctx, req)
	}

	if outcome == nil {
		_ = out.Error(errorCode(err), err.Error(), nil)
		return WrapExitError(ExitCommandError, "vote not attempted", err)
	}
	view := voteView{ElectionID: electionID, CandidateID: candidateID, Voter: ballot.NormalizeDomainID(req.Voter), Outcome: outcome}
	if outcome.State == vote.StateDegraded {
		out.Warn("vote for election %d is NOT ledger-backed", electionID)
	}
	if err != nil {
		_ = out.Partial(view, errorCode(err), err.Error())
		return WrapExitError(ExitFailure, "vote failed", err)
	}
	if outcome.State == vote.StateNotDeployed {
		_ = out.Partial(view, "NOT_DEPLOYED", fmt.Sprintf("election %d has no ledger id; run sync first", electionID))
		return NewExitError(ExitFailure, "election not deployed")
	}
	return out.Success(view)
}
