// Package renewal runs the background certificate renewal loop.
//
// Every interval the scheduler asks the lifecycle whether the certificate
// has entered its renewal window. If so it requests a new certificate and
// has the CA verify it. A failed cycle is logged and counted and the next
// tick tries again, so a CA outage never stops the loop.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sufield/didmesh/internal/bg"
	"github.com/sufield/didmesh/internal/metrics"
	"github.com/sufield/didmesh/pkg/certs"
)

const (
	DefaultInterval     = 24 * time.Hour
	DefaultCycleTimeout = 2 * time.Minute
)

// ErrRunning is returned by Start on a scheduler that is already running.
var ErrRunning = errors.New("renewal scheduler already running")

// Renewer is the certificate side of a cycle. *certs.Lifecycle implements it.
type Renewer interface {
	ShouldRenew() bool
	RequestCertificate(ctx context.Context) (*certs.Record, error)
	Paths() certs.Paths
}

// Verifier checks a freshly issued certificate. *certs.Verifier implements it.
type Verifier interface {
	Verify(ctx context.Context, certPath string) (*certs.VerificationResult, error)
}

// Scheduler drives renewal cycles.
type Scheduler struct {
	renewer      Renewer
	verifier     Verifier
	interval     time.Duration
	cycleTimeout time.Duration
	onRenewed    func(*certs.Record)
	logger       *zap.Logger
	metrics      *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *bg.Group
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the time between cycles.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithCycleTimeout bounds a single cycle, CA calls included.
func WithCycleTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.cycleTimeout = d
		}
	}
}

// WithOnRenewed registers a callback run after a renewed certificate has
// been verified.
func WithOnRenewed(fn func(*certs.Record)) Option {
	return func(s *Scheduler) { s.onRenewed = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics counts cycles by result.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New returns a stopped Scheduler.
func New(renewer Renewer, verifier Verifier, opts ...Option) *Scheduler {
	s := &Scheduler{
		renewer:      renewer,
		verifier:     verifier,
		interval:     DefaultInterval,
		cycleTimeout: DefaultCycleTimeout,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the loop. The loop ends when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.group = bg.NewGroup(bg.Async{})
	s.group.Go(func() { s.loop(loopCtx) })
	s.logger.Info("Renewal scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop cancels the loop and waits for the cycle in flight, if any, to
// finish or abort. It returns ctx.Err() if ctx ends first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, group := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	if err := group.Wait(ctx); err != nil {
		return fmt.Errorf("wait for renewal cycle: %w", err)
	}
	s.logger.Info("Renewal scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("Renewal cycle failed, retrying next interval",
					zap.Duration("interval", s.interval), zap.Error(err))
			}
		}
	}
}

// RunOnce runs a single cycle and reports whether the certificate was
// renewed.
func (s *Scheduler) RunOnce(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()

	if !s.renewer.ShouldRenew() {
		s.metrics.RenewalCycle(metrics.ResultSkipped)
		return false, nil
	}

	rec, err := s.renewer.RequestCertificate(ctx)
	if err != nil {
		s.metrics.RenewalCycle(metrics.ResultFailure)
		return false, err
	}
	if _, err := s.verifier.Verify(ctx, s.renewer.Paths().Cert); err != nil {
		s.metrics.RenewalCycle(metrics.ResultFailure)
		return true, fmt.Errorf("verify renewed certificate: %w", err)
	}

	s.metrics.RenewalCycle(metrics.ResultSuccess)
	s.logger.Info("Certificate renewed",
		zap.String("fingerprint", rec.Fingerprint),
		zap.Time("not_after", rec.NotAfter))
	if s.onRenewed != nil {
		s.onRenewed(rec)
	}
	return true, nil
}
