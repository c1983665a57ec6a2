package localca

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sufield/didmesh/internal/httpx"
	"github.com/sufield/didmesh/pkg/ca"
)

const maxIssueForm = 64 << 10

// Handler serves the CA HTTP API for a.
func (a *Authority) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(ca.PathPublicCertificate, a.handleRoot)
	r.Post(ca.PathIssue, a.handleIssue)
	r.Post(ca.PathVerify, a.handleVerify)
	return r
}

func (a *Authority) handleRoot(w http.ResponseWriter, r *http.Request) {
	pemBytes, _ := a.FetchRootCertificate(r.Context())
	httpx.WriteJSON(w, http.StatusOK, ca.RootResponse{Certificate: string(pemBytes)})
}

func (a *Authority) handleIssue(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxIssueForm)
	if err := r.ParseMultipartForm(maxIssueForm); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "expected multipart form with did and public_key")
		return
	}
	subject := strings.TrimSpace(r.FormValue(ca.FormFieldDID))
	publicKey := r.FormValue(ca.FormFieldPublicKey)
	if subject == "" || publicKey == "" {
		httpx.WriteError(w, http.StatusBadRequest, "did and public_key are required")
		return
	}

	resp, err := a.IssueCertificate(r.Context(), subject, []byte(publicKey))
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			httpx.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error("Issue failed", zap.String("did", subject), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "issue failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (a *Authority) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req ca.VerifyRequest
	if err := httpx.ReadJSON(w, r, &req); err != nil || strings.TrimSpace(req.Certificate) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "certificate is required")
		return
	}
	resp, err := a.VerifyCertificate(r.Context(), []byte(req.Certificate))
	if err != nil {
		a.logger.Error("Verify failed", zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "verify failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
