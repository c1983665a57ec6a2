package identitytls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// NewClientTLSConfig creates a TLS configuration for an mTLS client.
//
// The client presents the certificate from src and accepts a server whose
// leaf chains to the CA roots (or is pinned) and names a DID. Set
// policy.PeerDID to require a specific server DID.
//
// Hostname verification is replaced by the DID check: agents are addressed
// by DID, not by DNS name, so the config sets InsecureSkipVerify and does the
// full chain verification in VerifyPeerCertificate.
func NewClientTLSConfig(src CertSource, policy Policy) (*tls.Config, error) {
	if err := probe(src); err != nil {
		return nil, err
	}
	minVersion, err := policy.minVersion()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   minVersion,
		CipherSuites: policy.cipherSuites(),

		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			cert, err := src.TLSCertificate()
			if err != nil {
				return nil, fmt.Errorf("client certificate: %w", err)
			}
			return cert, nil
		},

		InsecureSkipVerify: true, //nolint:gosec // verified in VerifyPeerCertificate
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := verifyPeer(src, policy, rawCerts, x509.ExtKeyUsageServerAuth)
			return err
		},
	}, nil
}
