package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type envSetter func(c *Config, v string) error

func setString(dst func(*Config) *string) envSetter {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func setDuration(dst func(*Config) *time.Duration) envSetter {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

func setBool(dst func(*Config) *bool) envSetter {
	return func(c *Config, v string) error {
		b, err := parseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func setInt(dst func(*Config) *int) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

func setList(dst func(*Config) *[]string) envSetter {
	return func(c *Config, v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst(c) = out
		return nil
	}
}

// envOverrides maps variable names (without EnvPrefix) to fields.
var envOverrides = []struct {
	name string
	set  envSetter
}{
	{"KEY_PATH", setString(func(c *Config) *string { return &c.Identity.KeyPath })},
	{"DID_METHOD", setString(func(c *Config) *string { return &c.Identity.DIDMethod })},
	{"KEY_TYPE", setString(func(c *Config) *string { return &c.Identity.KeyType })},
	{"SERVICE_ENDPOINT", setString(func(c *Config) *string { return &c.Identity.ServiceEndpoint })},
	{"CA_URL", setString(func(c *Config) *string { return &c.CA.URL })},
	{"CA_TRUST_DOMAIN", setString(func(c *Config) *string { return &c.CA.TrustDomain })},
	{"CA_TIMEOUT", setDuration(func(c *Config) *time.Duration { return &c.CA.Timeout })},
	{"CERT_DIR", setString(func(c *Config) *string { return &c.Certificates.Dir })},
	{"CERT_VALIDITY", setDuration(func(c *Config) *time.Duration { return &c.Certificates.ValidityTarget })},
	{"RENEWAL_INTERVAL", setDuration(func(c *Config) *time.Duration { return &c.Certificates.RenewalCheckInterval })},
	{"RENEWAL_TIMEOUT", setDuration(func(c *Config) *time.Duration { return &c.Certificates.RenewalCycleTimeout })},
	{"TOKEN_TTL", setDuration(func(c *Config) *time.Duration { return &c.Tokens.TTL })},
	{"TOKEN_CACHE_FILE", setString(func(c *Config) *string { return &c.Tokens.CacheFile })},
	{"REDIS_ADDR", setString(func(c *Config) *string { return &c.Tokens.RedisAddr })},
	{"REDIS_KEY", setString(func(c *Config) *string { return &c.Tokens.RedisKey })},
	{"MTLS_REQUIRED", setBool(func(c *Config) *bool { return &c.TLS.MTLSRequired })},
	{"TLS_MIN_VERSION", setString(func(c *Config) *string { return &c.TLS.MinVersion })},
	{"TLS_CIPHER_SUITES", setList(func(c *Config) *[]string { return &c.TLS.CipherSuites })},
	{"TLS_PINNED_PEERS", setList(func(c *Config) *[]string { return &c.TLS.PinnedPeers })},
	{"CHALLENGE_TTL", setDuration(func(c *Config) *time.Duration { return &c.Challenge.TTL })},
	{"VERIFIED_TTL", setDuration(func(c *Config) *time.Duration { return &c.Challenge.VerifiedTTL })},
	{"DOCUMENT_CACHE_SIZE", setInt(func(c *Config) *int { return &c.Challenge.DocumentCacheSize })},
	{"DOCUMENT_CACHE_TTL", setDuration(func(c *Config) *time.Duration { return &c.Challenge.DocumentCacheTTL })},
	{"LISTEN_ADDR", setString(func(c *Config) *string { return &c.Server.ListenAddr })},
	{"READ_HEADER_TIMEOUT", setDuration(func(c *Config) *time.Duration { return &c.Server.ReadHeaderTimeout })},
	{"SHUTDOWN_TIMEOUT", setDuration(func(c *Config) *time.Duration { return &c.Server.ShutdownTimeout })},
	{"LOG_LEVEL", setString(func(c *Config) *string { return &c.Log.Level })},
	{"LOG_FORMAT", setString(func(c *Config) *string { return &c.Log.Format })},
	{"METRICS_ENABLED", setBool(func(c *Config) *bool { return &c.Metrics.Enabled })},
}

// EnvVars lists every recognised environment variable.
func EnvVars() []string {
	out := make([]string, len(envOverrides))
	for i, o := range envOverrides {
		out[i] = EnvPrefix + o.name
	}
	return out
}

// applyEnv overrides cfg from lookup. Empty values are ignored; every
// unparsable value is reported.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, o := range envOverrides {
		name := EnvPrefix + o.name
		v, ok := lookup(name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := o.set(cfg, strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", name, v, err))
		}
	}
	return errors.Join(errs...)
}

// parseBool accepts true/1/yes/on and false/0/no/off.
func parseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", value)
	}
}
