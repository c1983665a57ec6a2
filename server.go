package didmesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sufield/didmesh/pkg/didhttp"
	"github.com/sufield/didmesh/pkg/identitytls"
)

const clientTimeout = 30 * time.Second

// Handler returns the agent's HTTP surface: the /security routes, /healthz,
// /metrics when enabled, and app behind the trust gate. A nil app serves
// only the agent routes.
func (a *Agent) Handler(app http.Handler) http.Handler {
	security := didhttp.NewHandler(a.auth,
		didhttp.WithCertificateChecker(a.verifier),
		didhttp.WithRequireMTLS(a.cfg.TLS.MTLSRequired),
		didhttp.WithClock(a.now),
		didhttp.WithLogger(a.logger))

	r := security.Routes()
	r.Get(didhttp.PathHealthz, didhttp.Healthz(a.DID()))
	if a.metrics != nil {
		r.Method(http.MethodGet, didhttp.PathMetrics, a.metrics.Handler())
	}
	if app != nil {
		r.Group(func(r chi.Router) {
			r.Use(withPeerInfo, a.gate.Middleware)
			r.Handle("/*", app)
		})
	}
	return r
}

// withPeerInfo exposes the mTLS peer certificate identity to handlers.
func withPeerInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if peer, ok := identitytls.ExtractPeerInfo(r); ok {
			r = r.WithContext(identitytls.WithPeer(r.Context(), peer))
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPClient returns a client that presents the agent certificate and
// accepts only servers whose certificate chains to the CA and names a DID.
func (a *Agent) HTTPClient() *http.Client {
	return &http.Client{
		Timeout: clientTimeout,
		Transport: &http.Transport{
			TLSClientConfig:     a.ClientTLSConfig(),
			ForceAttemptHTTP2:   true,
			TLSHandshakeTimeout: 10 * time.Second,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// PeerClient returns a client that runs the challenge protocol as this
// agent over the mTLS transport.
func (a *Agent) PeerClient() *didhttp.PeerClient {
	return didhttp.NewPeerClient(a.identity,
		didhttp.WithHTTPClient(a.HTTPClient()),
		didhttp.WithClientLogger(a.logger))
}

// Serve listens on the configured address and serves Handler(app) over
// mTLS until ctx is done, then shuts down gracefully.
func (a *Agent) Serve(ctx context.Context, app http.Handler) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.ServeListener(ctx, ln, app)
}

// ServeListener is Serve on an existing listener. The listener is closed
// when ServeListener returns.
func (a *Agent) ServeListener(ctx context.Context, ln net.Listener, app http.Handler) error {
	select {
	case <-a.closed:
		_ = ln.Close()
		return ErrClosed
	default:
	}

	srv := &http.Server{
		Handler:           a.Handler(app),
		TLSConfig:         a.ServerTLSConfig(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
		ErrorLog:          zap.NewStdLog(a.logger.Named("http")),
	}

	errCh := make(chan error, 1)
	a.group.Go(func() {
		// Certificates come from TLSConfig.GetCertificate.
		errCh <- srv.ServeTLS(ln, "", "")
	})
	a.logger.Info("Agent listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("did", a.DID()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	case <-a.closed:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	a.logger.Info("Agent stopped listening")
	return nil
}
