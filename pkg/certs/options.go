package certs

import (
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"go.uber.org/zap"

	"github.com/sufield/didmesh/internal/metrics"
)

// DefaultTrustDomain names the single CA trust domain when none is set.
const DefaultTrustDomain = "didmesh.local"

// DefaultTokenTTL applies when the CA reports neither an expiry nor a token
// with an exp claim.
const DefaultTokenTTL = 24 * time.Hour

type options struct {
	now         func() time.Time
	logger      *zap.Logger
	metrics     *metrics.Metrics
	trustDomain spiffeid.TrustDomain
	tokenTTL    time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		now:         time.Now,
		logger:      zap.NewNop(),
		trustDomain: spiffeid.RequireTrustDomainFromString(DefaultTrustDomain),
		tokenTTL:    DefaultTokenTTL,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a Lifecycle or a Verifier.
type Option func(*options)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.logger = log
		}
	}
}

// WithMetrics publishes the certificate expiry. Lifecycle only.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTrustDomain sets the trust domain of the CA bundle. Lifecycle only.
func WithTrustDomain(td spiffeid.TrustDomain) Option {
	return func(o *options) {
		if !td.IsZero() {
			o.trustDomain = td
		}
	}
}

// WithDefaultTokenTTL sets the fallback verification token lifetime.
// Verifier only.
func WithDefaultTokenTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.tokenTTL = d
		}
	}
}
