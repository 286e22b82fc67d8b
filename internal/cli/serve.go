package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/unirep/internal/api"
	"github.com/roach88/unirep/internal/config"
	"github.com/roach88/unirep/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr       string
	DomainsDir string

	// Ready, if set, is called with the bound address once the server
	// accepts connections. Used by tests.
	Ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and the HTTP API",
		Long: `Start the worker pool, the retry sweeper and the HTTP API.

Configuration comes from UREP_* environment variables; flags override them.
Domains found in --domains are validated and registered before the server
starts accepting events.

Example:
  urep serve --db ./urep.db --domains ./domains
  UREP_OTLP_ENDPOINT=http://localhost:4318 urep serve --addr :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address (default $UREP_HTTP_ADDR)")
	cmd.Flags().StringVar(&opts.DomainsDir, "domains", "", "directory of CUE domain definitions to register (default $UREP_DOMAINS_DIR)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, st, cfg, err := openEngine(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeStore(st)

	// A server logs at UREP_LOG_LEVEL (info by default) rather than the
	// quieter level used by one-shot commands.
	if !opts.Verbose {
		if lvl, err := config.ParseLevel(cfg.LogLevel); err == nil {
			logLevel.Set(lvl)
		}
	}

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Error("tracing shutdown failed", "error", err)
		}
	}()

	domainsDir := cfg.DomainsDir
	if opts.DomainsDir != "" {
		domainsDir = opts.DomainsDir
	}
	if domainsDir != "" {
		n, err := registerDir(ctx, eng, domainsDir)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to register domains", err)
		}
		slog.Info("domains ready", "count", n, "dir", domainsDir)
	}

	addr := cfg.HTTPAddr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(eng).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})
	g.Go(func() error {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		slog.Info("http server listening", "addr", ln.Addr().String())
		fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl-C to stop.\n", ln.Addr())
		if opts.Ready != nil {
			opts.Ready(ln.Addr().String())
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	slog.Info("server stopped gracefully")
	return nil
}
