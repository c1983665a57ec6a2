package identitytls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"
	"sync"

	"github.com/sufield/didmesh/pkg/certs"
)

// DefaultCipherSuites is the TLS 1.2 cipher list: ECDHE key exchange with
// AEAD ciphers only. TLS 1.3 suites are fixed by crypto/tls.
var DefaultCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// Policy configures both server and client TLS configs.
//
// The zero value is valid: TLS 1.2 minimum, DefaultCipherSuites, any peer
// whose certificate chains to the CA root and names a DID.
type Policy struct {
	// MinVersion is tls.VersionTLS12 or tls.VersionTLS13. Zero means 1.2.
	MinVersion uint16

	// CipherSuites overrides DefaultCipherSuites for TLS 1.2.
	CipherSuites []uint16

	// Pinned peers are trusted by exact certificate even without a CA chain.
	Pinned *PinnedPeers

	// PeerDID restricts the peer to this exact DID. Empty accepts any DID.
	PeerDID string
}

func (p Policy) minVersion() (uint16, error) {
	switch p.MinVersion {
	case 0:
		return tls.VersionTLS12, nil
	case tls.VersionTLS12, tls.VersionTLS13:
		return p.MinVersion, nil
	default:
		return 0, fmt.Errorf("unsupported minimum TLS version %#04x", p.MinVersion)
	}
}

func (p Policy) cipherSuites() []uint16 {
	if len(p.CipherSuites) > 0 {
		return append([]uint16(nil), p.CipherSuites...)
	}
	return append([]uint16(nil), DefaultCipherSuites...)
}

// ParseTLSVersion accepts "1.2" and "1.3" (an optional "TLS" prefix is
// ignored). Empty means 1.2.
func ParseTLSVersion(s string) (uint16, error) {
	v := strings.TrimSpace(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "TLS"))
	switch v {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q (expected 1.2 or 1.3)", s)
	}
}

// ParseCipherSuites maps IANA suite names to IDs. Only secure ECDHE AEAD
// suites are accepted.
func ParseCipherSuites(names []string) ([]uint16, error) {
	if len(names) == 0 {
		return nil, nil
	}
	allowed := make(map[uint16]bool, len(DefaultCipherSuites))
	for _, id := range DefaultCipherSuites {
		allowed[id] = true
	}
	byName := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		byName[cs.Name] = cs.ID
	}

	out := make([]uint16, 0, len(names))
	for _, n := range names {
		id, ok := byName[strings.TrimSpace(n)]
		if !ok || !allowed[id] {
			return nil, fmt.Errorf("cipher suite %q is not allowed", n)
		}
		out = append(out, id)
	}
	return out, nil
}

// PinnedPeers holds peer certificates trusted out of band, keyed by
// fingerprint. It is safe for concurrent use.
type PinnedPeers struct {
	mu    sync.RWMutex
	certs map[string]*x509.Certificate
}

// NewPinnedPeers returns an empty set.
func NewPinnedPeers() *PinnedPeers {
	return &PinnedPeers{certs: make(map[string]*x509.Certificate)}
}

// Add pins cert and returns its fingerprint.
func (p *PinnedPeers) Add(cert *x509.Certificate) string {
	fp := certs.Fingerprint(cert.Raw)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.certs[fp] = cert
	return fp
}

// AddPEM pins the first certificate in pemData.
func (p *PinnedPeers) AddPEM(pemData []byte) (string, error) {
	cert, err := certs.ParseCertificatePEM(pemData)
	if err != nil {
		return "", err
	}
	return p.Add(cert), nil
}

// Remove unpins the certificate with fingerprint fp.
func (p *PinnedPeers) Remove(fp string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.certs, fp)
}

// Contains reports whether cert is pinned byte for byte.
func (p *PinnedPeers) Contains(cert *x509.Certificate) bool {
	if p == nil || cert == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	pinned, ok := p.certs[certs.Fingerprint(cert.Raw)]
	return ok && pinned.Equal(cert)
}

// Len returns the number of pinned certificates.
func (p *PinnedPeers) Len() int {
	if p == nil {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.certs)
}
