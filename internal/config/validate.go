package config

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"go.uber.org/zap/zapcore"

	"github.com/sufield/didmesh/internal/logging"
	"github.com/sufield/didmesh/pkg/did"
	"github.com/sufield/didmesh/pkg/identitytls"
)

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// identity
	if strings.TrimSpace(c.Identity.KeyPath) == "" {
		add("identity.key_path is required")
	}
	if _, err := did.ParseKeyType(c.Identity.KeyType); err != nil {
		add("identity.key_type: %w", err)
	}
	if _, err := did.Parse("did:" + c.Identity.DIDMethod + ":x"); err != nil {
		add("identity.did_method %q must be lowercase alphanumeric", c.Identity.DIDMethod)
	}
	if ep := c.Identity.ServiceEndpoint; ep != "" {
		if err := validateHTTPURL(ep); err != nil {
			add("identity.service_endpoint: %w", err)
		}
	}

	// ca
	if c.CA.URL == "" {
		add("ca.url is required")
	} else if err := validateHTTPURL(c.CA.URL); err != nil {
		add("ca.url: %w", err)
	}
	if _, err := spiffeid.TrustDomainFromString(c.CA.TrustDomain); err != nil {
		add("ca.trust_domain %q: %w", c.CA.TrustDomain, err)
	}

	positive := map[string]time.Duration{
		"ca.timeout":                          c.CA.Timeout,
		"certificates.validity_target":        c.Certificates.ValidityTarget,
		"certificates.renewal_check_interval": c.Certificates.RenewalCheckInterval,
		"certificates.renewal_cycle_timeout":  c.Certificates.RenewalCycleTimeout,
		"tokens.ttl":                          c.Tokens.TTL,
		"challenge.ttl":                       c.Challenge.TTL,
		"challenge.verified_ttl":              c.Challenge.VerifiedTTL,
		"challenge.document_cache_ttl":        c.Challenge.DocumentCacheTTL,
		"server.read_header_timeout":          c.Server.ReadHeaderTimeout,
		"server.shutdown_timeout":             c.Server.ShutdownTimeout,
	}
	for _, name := range slices.Sorted(maps.Keys(positive)) {
		if positive[name] <= 0 {
			add("%s must be positive, got %s", name, positive[name])
		}
	}

	// certificates
	if strings.TrimSpace(c.Certificates.Dir) == "" {
		add("certificates.dir is required")
	}

	// tokens
	if c.Tokens.CacheFile != "" && c.Tokens.RedisAddr != "" {
		add("tokens.cache_file and tokens.redis_addr are mutually exclusive")
	}
	if c.Tokens.RedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.Tokens.RedisAddr); err != nil {
			add("tokens.redis_addr: %w", err)
		}
		if c.Tokens.RedisKey == "" {
			add("tokens.redis_key is required with tokens.redis_addr")
		}
	}

	// tls
	if _, err := identitytls.ParseTLSVersion(c.TLS.MinVersion); err != nil {
		add("tls.min_version: %w", err)
	}
	if _, err := identitytls.ParseCipherSuites(c.TLS.CipherSuites); err != nil {
		add("tls.cipher_suites: %w", err)
	}
	for _, p := range c.TLS.PinnedPeers {
		if strings.TrimSpace(p) == "" {
			add("tls.pinned_peers contains an empty path")
		}
	}

	// challenge
	if c.Challenge.DocumentCacheSize <= 0 {
		add("challenge.document_cache_size must be positive, got %d", c.Challenge.DocumentCacheSize)
	}

	// server
	if _, _, err := net.SplitHostPort(c.Server.ListenAddr); err != nil {
		add("server.listen_addr: %w", err)
	}

	// log
	if _, err := zapcore.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		add("log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		add("log.format %q must be json or console", c.Log.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}
