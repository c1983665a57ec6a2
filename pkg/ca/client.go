// Package ca talks to the certificate authority that issues and attests
// agent certificates.
//
// The CA exposes three operations:
//
//	GET  /public-certificate  -> {certificate}
//	POST /issue               multipart {did, public_key} -> {certificate, expires_at?}
//	POST /verify              {certificate} -> {valid, token?, expires_at?}
//
// Client performs no retries. Every call is bounded by the caller's context
// and the client timeout, and every failure is a *Error that matches either
// ErrUnavailable or ErrRejected.
package ca

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sufield/didmesh/internal/metrics"
)

const (
	// DefaultTimeout bounds each CA request when no timeout is configured.
	DefaultTimeout = 10 * time.Second

	maxResponseBody = 1 << 20
	userAgent       = "didmesh-ca-client/1"
)

// Operation names used in errors, logs and metrics.
const (
	OpFetchRoot = "fetch_root"
	OpIssue     = "issue"
	OpVerify    = "verify"
)

// Client is an HTTP implementation of Issuer.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

var _ Issuer = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records request counts and latency.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient returns a client for the CA at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse CA url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("CA url %q must use http or https", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("CA url %q has no host", baseURL)
	}

	c := &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		httpClient: newHTTPClient(DefaultTimeout),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          16,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

// BaseURL returns the normalised CA base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// FetchRootCertificate downloads the CA root certificate (PEM).
func (c *Client) FetchRootCertificate(ctx context.Context) ([]byte, error) {
	var out RootResponse
	if err := c.do(ctx, OpFetchRoot, http.MethodGet, PathPublicCertificate, nil, "", &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Certificate) == "" {
		return nil, &Error{Op: OpFetchRoot, StatusCode: http.StatusOK, Err: errors.New("response has no certificate")}
	}
	return []byte(out.Certificate), nil
}

// IssueCertificate asks the CA to certify publicKeyPEM for did.
func (c *Client) IssueCertificate(ctx context.Context, did string, publicKeyPEM []byte) (*IssueResponse, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField(FormFieldDID, did); err != nil {
		return nil, fmt.Errorf("build issue form: %w", err)
	}
	if err := w.WriteField(FormFieldPublicKey, string(publicKeyPEM)); err != nil {
		return nil, fmt.Errorf("build issue form: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("build issue form: %w", err)
	}

	var out IssueResponse
	if err := c.do(ctx, OpIssue, http.MethodPost, PathIssue, &body, w.FormDataContentType(), &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Certificate) == "" {
		return nil, &Error{Op: OpIssue, StatusCode: http.StatusOK, Err: errors.New("response has no certificate")}
	}
	return &out, nil
}

// VerifyCertificate submits certPEM for attestation. A well-formed
// {"valid": false} answer is returned as a response, not an error.
func (c *Client) VerifyCertificate(ctx context.Context, certPEM []byte) (*VerifyResponse, error) {
	payload, err := json.Marshal(VerifyRequest{Certificate: string(certPEM)})
	if err != nil {
		return nil, fmt.Errorf("encode verify request: %w", err)
	}
	var out VerifyResponse
	if err := c.do(ctx, OpVerify, http.MethodPost, PathVerify, bytes.NewReader(payload), "application/json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string, out any) (err error) {
	start := time.Now()
	defer func() {
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultFailure
		}
		c.metrics.ObserveCARequest(op, result, time.Since(start))
	}()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &Error{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("CA request failed", zap.String("op", op), zap.Error(err))
		return &Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		caErr := &Error{Op: op, StatusCode: resp.StatusCode, Body: truncate(strings.TrimSpace(string(respBody)), maxErrorBody)}
		c.logger.Warn("CA returned error status",
			zap.String("op", op), zap.Int("status", resp.StatusCode))
		return caErr
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	c.logger.Debug("CA request completed", zap.String("op", op), zap.Duration("elapsed", time.Since(start)))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
