package config

import "time"

const (
	DefaultKeyPath              = "data/identity.json"
	DefaultDIDMethod            = "key"
	DefaultKeyType              = "ed25519"
	DefaultTrustDomain          = "didmesh.local"
	DefaultCATimeout            = 10 * time.Second
	DefaultCertDir              = "data/certs"
	DefaultValidityTarget       = 30 * 24 * time.Hour
	DefaultRenewalCheckInterval = 24 * time.Hour
	DefaultRenewalCycleTimeout  = 2 * time.Minute
	DefaultTokenTTL             = 24 * time.Hour
	DefaultRedisKey             = "didmesh:tokens"
	DefaultMinTLSVersion        = "1.2"
	DefaultChallengeTTL         = 60 * time.Second
	DefaultVerifiedTTL          = 24 * time.Hour
	DefaultDocumentCacheSize    = 1024
	DefaultDocumentCacheTTL     = 24 * time.Hour
	DefaultReadHeaderTimeout    = 10 * time.Second
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "json"
)

// Default returns a configuration with every default applied. The CA URL
// has no default.
func Default() *Config {
	return &Config{
		Identity: IdentitySection{
			KeyPath:   DefaultKeyPath,
			DIDMethod: DefaultDIDMethod,
			KeyType:   DefaultKeyType,
		},
		CA: CASection{
			TrustDomain: DefaultTrustDomain,
			Timeout:     DefaultCATimeout,
		},
		Certificates: CertificatesSection{
			Dir:                  DefaultCertDir,
			ValidityTarget:       DefaultValidityTarget,
			RenewalCheckInterval: DefaultRenewalCheckInterval,
			RenewalCycleTimeout:  DefaultRenewalCycleTimeout,
		},
		Tokens: TokensSection{
			TTL:      DefaultTokenTTL,
			RedisKey: DefaultRedisKey,
		},
		TLS: TLSSection{
			MTLSRequired: true,
			MinVersion:   DefaultMinTLSVersion,
		},
		Challenge: ChallengeSection{
			TTL:               DefaultChallengeTTL,
			VerifiedTTL:       DefaultVerifiedTTL,
			DocumentCacheSize: DefaultDocumentCacheSize,
			DocumentCacheTTL:  DefaultDocumentCacheTTL,
		},
		Server: ServerSection{
			ListenAddr:        DefaultListenAddr,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ShutdownTimeout:   DefaultShutdownTimeout,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Metrics: MetricsSection{Enabled: true},
	}
}
