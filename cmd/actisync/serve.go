package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/actisync/cmd/actisync/handlers"
	"github.com/kimhsiao/actisync/internal/connectivity"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with background sync",
		Long: `Run the HTTP API, the WebSocket status feed at /ws and, when enabled,
Prometheus metrics at /metrics. Queued work is drained at startup, whenever
connectivity returns and periodically while operations remain.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, appOptions{autoDrain: true})
			if err != nil {
				return err
			}
			defer a.Close()

			ln, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				return err
			}
			return a.Serve(ctx, ln)
		},
	}
	cmd.Flags().String("listen", "", "address to listen on (default 127.0.0.1:8090)")
	return cmd
}

// Routes builds the HTTP mux for the app and its status hub.
func (a *App) Routes(hub *WSHub) http.Handler {
	mux := http.NewServeMux()
	handlers.NewRecordHandler(a.Service, a.Logger).Register(mux)
	handlers.NewSyncHandler(a.Service, a.Scheduler, a.Monitor, a.Logger).Register(mux)
	mux.Handle("GET /metrics", a.Metrics.Handler())
	mux.HandleFunc("GET /ws", HandleWebSocket(hub))
	return mux
}

// Serve runs the HTTP server, the sync scheduler and the connectivity
// plumbing on ln until ctx is cancelled or one of them fails.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	hub := NewWSHub(a.Logger)
	defer hub.Close()
	unobserve := a.Queue.Observe(hub)
	defer unobserve()

	// Subscribe before serving so no transition requested over HTTP is missed
	transitions, cancelSub := a.Monitor.Subscribe()

	server := &http.Server{
		Handler:           a.Routes(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("HTTP server listening", map[string]interface{}{
			"addr":    ln.Addr().String(),
			"metrics": a.Metrics.IsEnabled(),
		})
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		defer cancelSub()
		for {
			select {
			case <-ctx.Done():
				return nil
			case t, ok := <-transitions:
				if !ok {
					return nil
				}
				a.Metrics.SetOnline(t.Online, true)
				hub.BroadcastConnectivity(t.Online)
				a.Logger.Info("Connectivity changed", map[string]interface{}{"online": t.Online})
			}
		}
	})

	g.Go(func() error {
		a.Scheduler.Start(ctx)
		<-ctx.Done()
		a.Scheduler.Stop()
		return nil
	})

	if path := a.Config.Connectivity.SignalFile; path != "" {
		sig := connectivity.NewFileSignal(path, a.Monitor, a.Logger)
		g.Go(func() error { return sig.Run(ctx) })
	}

	err := g.Wait()
	a.Logger.Info("Server stopped")
	return err
}
