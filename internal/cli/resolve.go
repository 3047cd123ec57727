package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/ballotsync/internal/ballot"
)

// resolveView is the printable form of one resolution.
type resolveView struct {
	Entity      string `json:"entity"`
	ElectionID  int64  `json:"election_id"`
	CandidateID int64  `json:"candidate_id,omitempty"`
	LedgerID    uint64 `json:"ledger_id,omitempty"`
	Deployed    bool   `json:"deployed"`
}

func (v resolveView) renderText(w io.Writer) {
	switch {
	case !v.Deployed:
		fmt.Fprintf(w, "election %d is not deployed\n", v.ElectionID)
	case v.Entity == "candidate":
		fmt.Fprintf(w, "candidate %d in election %d -> ledger id %d\n", v.CandidateID, v.ElectionID, v.LedgerID)
	default:
		fmt.Fprintf(w, "election %d -> ledger id %d\n", v.ElectionID, v.LedgerID)
	}
}

// NewResolveCommand creates the resolve command group.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Map relational ids to ledger ids",
		Long: `Resolve relational election and candidate ids to their ledger ids.

Results are cached durably. Candidate resolution prefers the relational
ledger id, then a ledger lookup by domain identifier, and only uses
roster position when mapping.ordinal_fallback is enabled.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "election <election-id>",
		Short:         "Resolve an election's ledger id",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			electionID, err := parseID("election id", args[0])
			if err != nil {
				return err
			}
			return runResolve(rootOpts, cmd, electionID, 0)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:           "candidate <election-id> <candidate-id>",
		Short:         "Resolve a candidate's ledger id within an election",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			electionID, err := parseID("election id", args[0])
			if err != nil {
				return err
			}
			candidateID, err := parseID("candidate id", args[1])
			if err != nil {
				return err
			}
			return runResolve(rootOpts, cmd, electionID, candidateID)
		},
	})

	return cmd
}

func runResolve(opts *RootOptions, cmd *cobra.Command, electionID, candidateID int64) error {
	out := opts.formatter(cmd)
	ctx, cancel := signalContext(cmd)
	defer cancel()

	s, err := opts.openSession(ctx, opts.Logger(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer s.close()

	view := resolveView{Entity: "election", ElectionID: electionID, CandidateID: candidateID}
	if candidateID != 0 {
		view.Entity = "candidate"
	}

	id, err := s.resolver.ResolveElection(ctx, electionID)
	if ballot.IsNotDeployed(err) {
		return out.Success(view)
	}
	if err != nil {
		_ = out.Error(errorCode(err), err.Error(), nil)
		return WrapExitError(ExitFailure, "resolution failed", err)
	}
	view.Deployed = true
	view.LedgerID = id

	if candidateID != 0 {
		id, err = s.resolver.ResolveCandidate(ctx, electionID, candidateID)
		if err != nil {
			_ = out.Error(errorCode(err), err.Error(), nil)
			return WrapExitError(ExitFailure, "resolution failed", err)
		}
		view.LedgerID = id
	}
	return out.Success(view)
}
