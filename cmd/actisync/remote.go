package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/actisync/internal/errors"
	"github.com/kimhsiao/actisync/internal/logging"
	"github.com/kimhsiao/actisync/internal/remote"
)

const defaultRemoteListen = "127.0.0.1:8091"

func newRemoteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "remote",
		GroupID: "sync",
		Short:   "Remote document store tools",
	}
	cmd.AddCommand(newRemoteServeCmd())
	return cmd
}

func newRemoteServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a document store over HTTP for other actisync instances",
		Long: `Serve the document protocol spoken by remote.kind=http on top of the
configured memory, postgres or redis backend. When remote.token is set,
requests must carry it as a bearer token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if remote.Kind(cfg.Remote.Kind) == remote.KindHTTP {
				return apperrors.New(apperrors.ErrInvalid, "remote serve needs a memory, postgres or redis backend")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := cfg.NewLogger()
			defer logger.Close()

			backend, closeBackend, err := remote.Open(ctx, cfg.RemoteOpenConfig())
			if err != nil {
				return err
			}
			defer closeBackend()

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			return serveDocuments(ctx, ln, newDocumentServer(backend, cfg.Remote.Token, logger), logger)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", defaultRemoteListen, "address to listen on")
	return cmd
}

// newDocumentServer wraps the document protocol with optional bearer auth and
// request logging.
func newDocumentServer(backend remote.Backend, token string, logger *logging.Logger) http.Handler {
	docs := remote.NewHTTPHandler(backend)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" {
			got := r.Header.Get("Authorization")
			if subtle.ConstantTimeCompare([]byte(got), []byte("Bearer "+token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		start := time.Now()
		docs.ServeHTTP(w, r)
		logger.Debug("Document request", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

func serveDocuments(ctx context.Context, ln net.Listener, h http.Handler, logger *logging.Logger) error {
	server := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Document store listening", map[string]interface{}{"addr": ln.Addr().String()})
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
	return g.Wait()
}
