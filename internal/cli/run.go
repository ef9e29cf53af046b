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

	"github.com/roach88/corral/internal/endpoint"
	"github.com/roach88/corral/internal/exchange"
	"github.com/roach88/corral/internal/recovery"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Target      string
	MetricsAddr string
	NoMetrics   bool

	// Ready, if set, receives the metrics listener address once the
	// scanner and server are running (for testing).
	Ready chan<- string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run --target <uri>",
		Short: "Run the recovery scanner",
		Long: `Run the recovery scanner for the configured repository.

Completed exchanges that stay unconfirmed for longer than recovery.delay are
resubmitted to the target endpoint and confirmed once it accepts them. With
recovery.maximum_redeliveries set, exhausted exchanges go to
recovery.dead_letter_uri instead. Prometheus metrics are served on
metrics.addr at /metrics.

Example:
  corral run --config corral.yaml --target redis://localhost:6379/orders
  corral run --target log:replay --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScanner(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Target, "target", "", "endpoint URI recovered exchanges are resubmitted to (required)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "override metrics.addr from the config")
	cmd.Flags().BoolVar(&opts.NoMetrics, "no-metrics", false, "do not serve /metrics")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

func runScanner(cmd *cobra.Command, opts *RunOptions) error {
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	rc := s.repo.RecoveryConfig()
	if !rc.UseRecovery {
		return NewExitError(ExitCommandError, "recovery is disabled in config (recovery.enabled: false)")
	}

	target, err := s.resolve(ctx, opts.Target)
	if err != nil {
		return err
	}
	defer closeProducer(opts.Target, target)

	var deadLetter endpoint.Producer
	if rc.DeadLetterURI != "" {
		deadLetter, err = s.resolve(ctx, rc.DeadLetterURI)
		if err != nil {
			return err
		}
		defer closeProducer(rc.DeadLetterURI, deadLetter)
	}

	resubmit := recovery.ResubmitterFunc(func(ctx context.Context, key string, ex *exchange.Exchange) error {
		if err := target.Send(ctx, key, ex); err != nil {
			return err
		}
		return s.repo.Confirm(ctx, ex.ID)
	})

	scanner, err := recovery.ForRepository(s.repo, resubmit, deadLetter,
		recovery.WithClock(s.clock),
		recovery.WithLogger(slog.Default()),
		recovery.WithMetrics(s.metrics),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create scanner", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scanner.Run(gctx)
	})

	addr := ""
	if !opts.NoMetrics {
		addr = s.cfg.Metrics.Addr
		if opts.MetricsAddr != "" {
			addr = opts.MetricsAddr
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			cancel()
			_ = g.Wait()
			return WrapExitError(ExitCommandError, "failed to listen on "+addr, err)
		}
		addr = ln.Addr().String()
		serveMetrics(gctx, g, ln, s.metrics.Handler())
	}

	slog.Info("recovery running",
		"repository", s.repo.Name(),
		"target", opts.Target,
		"dead_letter", rc.DeadLetterURI,
		"metrics", addr,
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Recovering %s into %s. Press Ctrl-C to stop.\n", s.repo.Name(), opts.Target)
	if opts.Ready != nil {
		opts.Ready <- addr
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "recovery stopped", err)
	}
	slog.Info("recovery stopped gracefully")
	return nil
}

// serveMetrics serves /metrics on ln until ctx is done.
func serveMetrics(ctx context.Context, g *errgroup.Group, ln net.Listener, handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func closeProducer(uri string, p endpoint.Producer) {
	if err := p.Close(); err != nil {
		slog.Warn("error closing endpoint", "endpoint", uri, "error", err)
	}
}
