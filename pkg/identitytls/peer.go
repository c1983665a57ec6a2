package identitytls

import (
	"crypto/x509"
	"net/http"
	"time"

	"github.com/sufield/didmesh/pkg/certs"
	"github.com/sufield/didmesh/pkg/did"
)

// PeerInfo is the identity read from the peer certificate of an mTLS
// connection.
type PeerInfo struct {
	// DID is the subject DID of the peer certificate.
	DID string

	// Fingerprint is the hex SHA-256 of the peer leaf.
	Fingerprint string

	// ExpiresAt is the peer certificate's NotAfter.
	ExpiresAt time.Time

	// Certificate is the peer leaf.
	Certificate *x509.Certificate
}

// ExtractPeerInfo reads the peer identity from r.TLS.
//
// ExtractPeerInfo does not authenticate anything by itself. The result is
// only trustworthy behind a server built with NewServerTLSConfig, whose
// VerifyPeerCertificate has already checked the chain.
//
// Returns false when there is no TLS connection, no peer certificate, or the
// certificate names no DID.
func ExtractPeerInfo(r *http.Request) (PeerInfo, bool) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return PeerInfo{}, false
	}
	leaf := r.TLS.PeerCertificates[0]
	if leaf.NotAfter.IsZero() {
		return PeerInfo{}, false
	}
	subject, err := DIDFromCertificate(leaf)
	if err != nil {
		return PeerInfo{}, false
	}
	return PeerInfo{
		DID:         subject,
		Fingerprint: certs.Fingerprint(leaf.Raw),
		ExpiresAt:   leaf.NotAfter,
		Certificate: leaf,
	}, true
}

// DIDFromCertificate returns the DID a certificate is issued to, taken from
// its did: URI SAN or, failing that, its subject common name.
func DIDFromCertificate(cert *x509.Certificate) (string, error) {
	return did.FromCertificate(cert)
}
