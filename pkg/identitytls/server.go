package identitytls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/sufield/didmesh/pkg/did"
)

// NewServerTLSConfig creates a TLS configuration for an mTLS server.
//
// The returned *tls.Config:
//   - Requires a client certificate and verifies it in VerifyPeerCertificate
//   - Fetches the server certificate from src on every handshake, so renewals
//     take effect without a restart
//   - Enforces policy.MinVersion (TLS 1.2 unless raised) and the AEAD cipher list
//
// A client is accepted when its leaf chains to the CA roots from src or is
// pinned in policy.Pinned, and the leaf names a DID (matching policy.PeerDID
// when set).
//
// src is probed once here. If it cannot produce a certificate with a parsed
// Leaf and a root pool, NewServerTLSConfig fails with ErrTLSMaterial.
func NewServerTLSConfig(src CertSource, policy Policy) (*tls.Config, error) {
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

		// RequireAnyClientCert rather than RequireAndVerifyClientCert: the
		// chain is verified in VerifyPeerCertificate against the current
		// roots from src, with pinned peers accepted without a chain.
		ClientAuth: tls.RequireAnyClientCert,

		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			cert, err := src.TLSCertificate()
			if err != nil {
				return nil, fmt.Errorf("server certificate: %w", err)
			}
			return cert, nil
		},

		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := verifyPeer(src, policy, rawCerts, x509.ExtKeyUsageClientAuth)
			return err
		},
	}, nil
}

func probe(src CertSource) error {
	if src == nil {
		return fmt.Errorf("%w: no certificate source", ErrTLSMaterial)
	}
	cert, err := src.TLSCertificate()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTLSMaterial, err)
	}
	if cert == nil || cert.Leaf == nil {
		return fmt.Errorf("%w: certificate has no parsed leaf", ErrTLSMaterial)
	}
	if _, err := src.RootPool(); err != nil {
		return fmt.Errorf("%w: %w", ErrTLSMaterial, err)
	}
	return nil
}

// verifyPeer checks the presented chain and returns the peer DID.
func verifyPeer(src CertSource, policy Policy, rawCerts [][]byte, usage x509.ExtKeyUsage) (string, error) {
	if len(rawCerts) == 0 {
		return "", errors.New("no peer certificate presented")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return "", fmt.Errorf("parse peer leaf: %w", err)
	}

	if !policy.Pinned.Contains(leaf) {
		intermediates := x509.NewCertPool()
		for _, raw := range rawCerts[1:] {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return "", fmt.Errorf("parse peer intermediate: %w", err)
			}
			intermediates.AddCert(cert)
		}
		roots, err := src.RootPool()
		if err != nil {
			return "", fmt.Errorf("CA roots: %w", err)
		}
		if _, err := leaf.Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{usage},
		}); err != nil {
			return "", fmt.Errorf("peer certificate verification failed: %w", err)
		}
	}

	peerDID, err := did.FromCertificate(leaf)
	if err != nil {
		return "", fmt.Errorf("authorization failed: %w", err)
	}
	if policy.PeerDID != "" && peerDID != policy.PeerDID {
		return "", fmt.Errorf("authorization failed: peer DID %q does not match %q", peerDID, policy.PeerDID)
	}
	return peerDID, nil
}
