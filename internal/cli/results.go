package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/ballotsync/internal/ballot"
	"github.com/roach88/ballotsync/internal/ledger"
)

// candidateResult is one candidate's ledger tally joined to its
// relational row.
type candidateResult struct {
	CandidateID       int64  `json:"candidate_id,omitempty"`
	FullName          string `json:"full_name,omitempty"`
	DomainID          string `json:"domain_id"`
	CandidateLedgerID uint64 `json:"candidate_ledger_id"`
	Votes             uint64 `json:"votes"`
	OffchainVotes     int    `json:"offchain_votes,omitempty"`
}

type resultsView struct {
	ElectionID int64                 `json:"election_id"`
	Status     ledger.ElectionStatus `json:"status"`
	Candidates []candidateResult     `json:"candidates"`
	// OffchainTotal counts degraded votes. They are not part of the
	// ledger tally.
	OffchainTotal int `json:"offchain_total"`
}

func (v resultsView) renderText(w io.Writer) {
	fmt.Fprintf(w, "Election %d (ledger %d, %s): %s\n", v.ElectionID, v.Status.ID, v.Status.Type, v.Status.Phase)
	fmt.Fprintf(w, "  window: %s .. %s\n", v.Status.Start.Format("2006-01-02 15:04"), v.Status.End.Format("2006-01-02 15:04"))
	for _, c := range v.Candidates {
		name := c.FullName
		if name == "" {
			name = "(unknown to relational store)"
		}
		fmt.Fprintf(w, "  %-12s %-30s %6d\n", c.DomainID, name, c.Votes)
		if c.OffchainVotes > 0 {
			fmt.Fprintln(w, warnColor.Sprintf("  %-12s %-30s %6d NOT ledger-backed", "", "+ off-ledger", c.OffchainVotes))
		}
	}
	fmt.Fprintf(w, "  total ledger votes: %d\n", v.Status.TotalVotes)
	if v.OffchainTotal > 0 {
		fmt.Fprintln(w, warnColor.Sprintf("  off-ledger votes: %d (NOT ledger-backed)", v.OffchainTotal))
	}
}

// NewResultsCommand creates the results command.
func NewResultsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "results <election-id>",
		Short: "Show an election's ledger tally",
		Long: `Show the ledger's per-candidate vote counts for an election, joined
back to relational candidates by domain identifier.

Votes recorded off-ledger during an outage are listed separately; they
are never added to the ledger tally.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			electionID, err := parseID("election id", args[0])
			if err != nil {
				return err
			}
			return withSession(rootOpts, cmd, func(s *session, out *OutputFormatter) error {
				view, err := collectResults(cmd, s, electionID)
				if err != nil {
					_ = out.Error(errorCode(err), err.Error(), nil)
					return WrapExitError(ExitFailure, "results unavailable", err)
				}
				return out.Success(view)
			})
		},
	}
}

func collectResults(cmd *cobra.Command, s *session, electionID int64) (resultsView, error) {
	ctx := cmd.Context()
	view := resultsView{ElectionID: electionID, Candidates: []candidateResult{}}

	ledgerID, err := s.resolver.ResolveElection(ctx, electionID)
	if err != nil {
		return view, err
	}
	if view.Status, err = s.ledger.ElectionStatus(ctx, ledgerID); err != nil {
		return view, ledger.Explain(err, "election status", "election", fmt.Sprint(electionID))
	}
	tallies, err := s.ledger.CandidateVotes(ctx, ledgerID)
	if err != nil {
		return view, ledger.Explain(err, "candidate votes", "election", fmt.Sprint(electionID))
	}

	byDomain := make(map[string]int64)
	names := make(map[int64]string)
	regs, err := s.rel.ListRegistrationsByElection(ctx, electionID)
	if err != nil {
		return view, err
	}
	for _, r := range regs {
		c, err := s.rel.GetCandidate(ctx, r.CandidateID)
		if err != nil {
			return view, err
		}
		byDomain[ballot.NormalizeDomainID(c.DomainID)] = c.ID
		names[c.ID] = c.FullName
	}

	offchain := make(map[int64]int)
	if lister, ok := s.rel.(offchainLister); ok {
		votes, err := lister.ListOffchainVotes(ctx, electionID)
		if err != nil {
			s.logger.Warn("offchain votes unavailable", "election_id", electionID, "error", err)
		}
		for _, v := range votes {
			offchain[v.CandidateID]++
			view.OffchainTotal++
		}
	}

	for _, t := range tallies {
		id := byDomain[ballot.NormalizeDomainID(t.DomainID)]
		view.Candidates = append(view.Candidates, candidateResult{
			CandidateID:       id,
			FullName:          names[id],
			DomainID:          t.DomainID,
			CandidateLedgerID: t.CandidateID,
			Votes:             t.Votes,
			OffchainVotes:     offchain[id],
		})
	}
	return view, nil
}
