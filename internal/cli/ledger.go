package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/ballotsync/internal/ledger"
)

// LedgerServeOptions holds flags for the ledger serve command.
type LedgerServeOptions struct {
	*RootOptions
	Socket string

	ready func(socket string)
}

// NewLedgerCommand creates the ledger command group.
func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Run a local simulated ledger",
	}
	cmd.AddCommand(newLedgerServeCommand(rootOpts))
	return cmd
}

func newLedgerServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LedgerServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a simulated ledger over JSON-RPC on a unix socket",
		Long: `Serve an in-memory simulated ledger over JSON-RPC 2.0 so several
ballotsync commands can share one ledger (ledger.driver: rpc).

The simulated ledger enforces the same rules as the real program: sequential
ids, one vote per voter per election, no candidate links once voting has
started, and a minimum gas price (ledger.fee_floor). State lives only as
long as the process.

Examples:
  ballotsync ledger serve
  ballotsync ledger serve --socket /tmp/ballotsync-ledger.sock`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLedgerServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Socket, "socket", "", "unix socket path (default ledger.socket)")

	return cmd
}

func runLedgerServe(opts *LedgerServeOptions, cmd *cobra.Command) error {
	logger := opts.Logger(cmd.ErrOrStderr())
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	socket := cfg.Ledger.Socket
	if opts.Socket != "" {
		socket = opts.Socket
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	mem := ledger.NewMemory(ledger.WithAccount(cfg.Signer.Account), ledger.WithFeeFloor(cfg.Ledger.FeeFloor))
	srv, err := ledger.ServeRPC(socket, mem, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start ledger rpc", err)
	}
	defer srv.Close()
	logger.Info("simulated ledger listening", "socket", srv.Addr(), "account", cfg.Signer.Account, "fee_floor", cfg.Ledger.FeeFloor)
	if opts.ready != nil {
		opts.ready(srv.Addr())
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
