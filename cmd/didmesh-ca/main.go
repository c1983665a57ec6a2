// Command didmesh-ca runs the development certificate authority.
//
// It serves the CA API agents talk to:
//
//	GET  /public-certificate   root certificate
//	POST /issue                multipart {did, public_key} -> leaf certificate
//	POST /verify               {certificate} -> {valid, token, expires_at}
//
// The root key is stored unencrypted under --dir. This CA is for local
// meshes and tests, not production.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sufield/didmesh/internal/httpx"
	"github.com/sufield/didmesh/internal/logging"
	"github.com/sufield/didmesh/pkg/ca/localca"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "none"
)

type serverFlags struct {
	dir       string
	listen    string
	validity  time.Duration
	tokenTTL  time.Duration
	logLevel  string
	logFormat string
}

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	var f serverFlags
	cmd := &cobra.Command{
		Use:           "didmesh-ca",
		Short:         "Development certificate authority for didmesh agents",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := logging.New(logging.Options{Level: f.logLevel, Format: f.logFormat})
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", f.listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", f.listen, err)
			}
			return serve(ctx, ln, f, logger)
		},
	}
	cmd.SetOut(stdout)
	cmd.Flags().StringVar(&f.dir, "dir", "data/ca", "directory holding the root certificate and key")
	cmd.Flags().StringVar(&f.listen, "listen", "127.0.0.1:9443", "listen address")
	cmd.Flags().DurationVar(&f.validity, "validity", localca.DefaultValidity, "lifetime of issued certificates")
	cmd.Flags().DurationVar(&f.tokenTTL, "token-ttl", localca.DefaultTokenTTL, "lifetime of verification tokens")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "log level")
	cmd.Flags().StringVar(&f.logFormat, "log-format", logging.FormatJSON, "log format: json or console")
	return cmd
}

func newAuthority(f serverFlags, logger *zap.Logger) (*localca.Authority, error) {
	return localca.LoadOrCreate(f.dir,
		localca.WithValidity(f.validity),
		localca.WithTokenTTL(f.tokenTTL),
		localca.WithLogger(logger))
}

func routes(a *localca.Authority) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"root":   localca.Fingerprint(a.Root().Raw),
		})
	})
	r.Mount("/", a.Handler())
	return r
}

// serve runs the CA on ln until ctx is done.
func serve(ctx context.Context, ln net.Listener, f serverFlags, logger *zap.Logger) error {
	authority, err := newAuthority(f, logger)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           routes(authority),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("CA listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("root_fingerprint", localca.Fingerprint(authority.Root().Raw)))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
