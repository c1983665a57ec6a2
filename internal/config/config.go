// Package config loads the didmesh agent configuration.
//
// Values come from, in increasing precedence: built-in defaults, a YAML
// file, and DIDMESH_* environment variables (optionally seeded from a .env
// file). The result is validated before use.
package config

import (
	"errors"
	"time"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete agent configuration.
type Config struct {
	Identity     IdentitySection     `yaml:"identity"`
	CA           CASection           `yaml:"ca"`
	Certificates CertificatesSection `yaml:"certificates"`
	Tokens       TokensSection       `yaml:"tokens"`
	TLS          TLSSection          `yaml:"tls"`
	Challenge    ChallengeSection    `yaml:"challenge"`
	Server       ServerSection       `yaml:"server"`
	Log          LogSection          `yaml:"log"`
	Metrics      MetricsSection      `yaml:"metrics"`
}

// IdentitySection locates the agent's key file and shapes new identities.
type IdentitySection struct {
	KeyPath         string `yaml:"key_path"`
	DIDMethod       string `yaml:"did_method"`
	KeyType         string `yaml:"key_type"`
	ServiceEndpoint string `yaml:"service_endpoint"`
}

// CASection points at the certificate authority.
type CASection struct {
	URL         string        `yaml:"url"`
	TrustDomain string        `yaml:"trust_domain"`
	Timeout     time.Duration `yaml:"timeout"`
}

// CertificatesSection controls certificate storage and renewal.
type CertificatesSection struct {
	Dir string `yaml:"dir"`
	// ValidityTarget is the lifetime the bundled development CA grants.
	// Renewal itself is proportional to whatever lifetime the CA returns.
	ValidityTarget       time.Duration `yaml:"validity_target"`
	RenewalCheckInterval time.Duration `yaml:"renewal_check_interval"`
	RenewalCycleTimeout  time.Duration `yaml:"renewal_cycle_timeout"`
}

// TokensSection configures the verification token cache. CacheFile and
// RedisAddr are mutually exclusive; with neither the cache is memory only.
type TokensSection struct {
	TTL       time.Duration `yaml:"ttl"`
	CacheFile string        `yaml:"cache_file"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisKey  string        `yaml:"redis_key"`
}

// TLSSection is the transport policy.
type TLSSection struct {
	MTLSRequired bool     `yaml:"mtls_required"`
	MinVersion   string   `yaml:"min_version"`
	CipherSuites []string `yaml:"cipher_suites,omitempty"`
	// PinnedPeers lists PEM certificate files accepted without a CA chain.
	PinnedPeers []string `yaml:"pinned_peers,omitempty"`
}

// ChallengeSection tunes the challenge-response protocol.
type ChallengeSection struct {
	TTL               time.Duration `yaml:"ttl"`
	VerifiedTTL       time.Duration `yaml:"verified_ttl"`
	DocumentCacheSize int           `yaml:"document_cache_size"`
	DocumentCacheTTL  time.Duration `yaml:"document_cache_ttl"`
}

// ServerSection configures the agent's HTTPS listener.
type ServerSection struct {
	ListenAddr        string        `yaml:"listen_addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type LogSection struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsSection struct {
	Enabled bool `yaml:"enabled"`
}
