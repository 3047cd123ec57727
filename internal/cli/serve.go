package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ballotsync/internal/relational"
	"github.com/roach88/ballotsync/internal/relational/httpapi"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	TokenTTL time.Duration

	// ready, when set, receives the bound address once listening (tests).
	ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the relational store over HTTP",
		Long: `Serve the SQLite relational store (relational.dsn) as the REST API the
http relational driver talks to.

Ledger-id attachment and off-ledger vote writes require a single-use token
from GET /api/token. Elections that already carry a ledger id cannot have
their position or window edited.

Examples:
  ballotsync serve
  ballotsync serve --addr 127.0.0.1:9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().DurationVar(&opts.TokenTTL, "token-ttl", 5*time.Minute, "lifetime of write tokens")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	logger := opts.Logger(cmd.ErrOrStderr())
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	addr := cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	st, err := relational.OpenGorm(ctx, cfg.Relational.DSN)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open relational store", err)
	}
	defer st.Close()

	router := httpapi.NewRouter(st, httpapi.WithLogger(logger), httpapi.WithTokenTTL(opts.TokenTTL))
	srv := &http.Server{Handler: router, ReadHeaderTimeout: 5 * time.Second}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("failed to listen on %s", addr), err)
	}
	logger.Info("relational api listening", "addr", ln.Addr().String(), "dsn", cfg.Relational.DSN)
	if opts.ready != nil {
		opts.ready(ln.Addr().String())
	}

	return serveUntilDone(ctx, logger, srv, ln)
}

// serveUntilDone serves until ctx is cancelled, then shuts down gracefully.
func serveUntilDone(ctx context.Context, logger *slog.Logger, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server failed", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
