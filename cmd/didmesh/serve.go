package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sufield/didmesh"
	"github.com/sufield/didmesh/internal/httpx"
	"github.com/sufield/didmesh/pkg/identitytls"
	"github.com/sufield/didmesh/pkg/trustgate"
)

func newServeCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Bootstrap the agent and serve the peer API over mTLS",
		Long: `Bootstrap the agent (CA root, certificate, verification, TLS contexts,
renewal loop) and serve until SIGINT or SIGTERM.

Routes:
  /security/*   DID exchange and challenge-response
  /healthz      liveness
  /metrics      Prometheus metrics (metrics.enabled)
  /whoami       echoes the caller's verified DID (trust gated)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			agent, err := didmesh.NewAgent(ctx, cfg, didmesh.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := agent.Close(closeCtx); err != nil {
					logger.Warn("Agent close", zap.Error(err))
				}
			}()

			return agent.Serve(ctx, appRoutes())
		},
	}
}

func appRoutes() http.Handler {
	r := chi.NewRouter()
	r.Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
		peerDID, _ := trustgate.DIDFromContext(r.Context())
		resp := map[string]string{"did": peerDID}
		if peer, ok := identitytls.PeerFromContext(r.Context()); ok {
			resp["certificate_fingerprint"] = peer.Fingerprint
		}
		httpx.WriteJSON(w, http.StatusOK, resp)
	})
	return r
}
