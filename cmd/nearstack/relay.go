package main

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

	"github.com/GhostScientist/nearstack/pkg/discovery"
	"github.com/GhostScientist/nearstack/pkg/signal/relay"
)

const shutdownTimeout = 5 * time.Second

// RelayOptions holds flags for the relay command.
type RelayOptions struct {
	*RootOptions
	Addr     string
	Instance string
	MDNS     bool
}

// NewRelayCommand creates the relay command.
func NewRelayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RelayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the WebSocket signaling relay",
		Long: `Run the signaling relay that nodes use to find each other and negotiate
WebRTC connections. With --mdns the relay is advertised on the local network.

Example:
  nearstack relay --addr :8787 --mdns`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&opts.Instance, "instance", "", "mDNS instance name (default from config)")
	cmd.Flags().BoolVar(&opts.MDNS, "mdns", false, "advertise the relay over mDNS")

	return cmd
}

func runRelay(ctx context.Context, opts *RelayOptions) error {
	cfg := opts.Config.Relay
	if opts.Addr != "" {
		cfg.Addr = opts.Addr
	}
	if opts.Instance != "" {
		cfg.Instance = opts.Instance
	}
	if opts.MDNS {
		cfg.MDNS = true
	}
	logger := opts.Logger

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	server := relay.NewServer(relay.WithServerLogger(logger))
	go server.Run(ctx)

	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.MDNS {
		port := listener.Addr().(*net.TCPAddr).Port
		ad, err := discovery.Advertise(cfg.Instance, port, logger)
		if err != nil {
			_ = listener.Close()
			return err
		}
		defer ad.Shutdown()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", listener.Addr().String())
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("relay shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relay shutdown", "error", err)
		return err
	}
	return nil
}
