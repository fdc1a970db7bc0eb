package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cascade/internal/metrics"
	"github.com/roach88/cascade/internal/transport/wsrelay"
)

const shutdownTimeout = 5 * time.Second

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Addr           string
	AllowAnyOrigin bool
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve the WebSocket sync relay",
		Long: `Serve the WebSocket relay that syncs containers across processes.

Clients connect to /sync?key=<sync key> and every update is forwarded to the
other connections with the same key. Prometheus metrics are served on
/metrics.

Example:
  cascade relay --addr :8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")
	cmd.Flags().BoolVar(&opts.AllowAnyOrigin, "allow-any-origin", false, "accept WebSocket upgrades from any origin")

	return cmd
}

func runRelay(opts *RelayOptions, cmd *cobra.Command) error {
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	relayOpts := []wsrelay.RelayOption{wsrelay.WithRelayLogger(logger)}
	if opts.AllowAnyOrigin {
		relayOpts = append(relayOpts, wsrelay.WithCheckOrigin(func(*http.Request) bool { return true }))
	}
	relay := wsrelay.NewRelay(relayOpts...)

	mux := http.NewServeMux()
	mux.Handle("/sync", relay)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

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
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	logger.Info("relay listening", "addr", ln.Addr().String())
	fmt.Fprintf(cmd.OutOrStdout(), "Relay listening on %s\n", ln.Addr())

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return WrapExitError(ExitFailure, "relay error", err)
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "relay shutdown", err)
	}
	logger.Info("relay stopped gracefully", "rooms", len(relay.RoomNames()))
	return nil
}
