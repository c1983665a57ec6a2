package certs

import (
	"crypto"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sufield/didmesh/pkg/did"
	"github.com/sufield/didmesh/pkg/tokenstore"
)

// File names inside the certificate directory.
const (
	CertFileName = "cert.pem"
	KeyFileName  = "key.pem"
	RootFileName = "ca.pem"
)

// Paths locates the certificate material on disk.
type Paths struct {
	Dir  string
	Cert string
	Key  string
	Root string
}

// NewPaths returns the standard file layout under dir.
func NewPaths(dir string) Paths {
	return Paths{
		Dir:  dir,
		Cert: filepath.Join(dir, CertFileName),
		Key:  filepath.Join(dir, KeyFileName),
		Root: filepath.Join(dir, RootFileName),
	}
}

// Record is the active certificate and the key it certifies.
type Record struct {
	Leaf        *x509.Certificate
	PrivateKey  crypto.Signer
	Root        *x509.Certificate
	SubjectDID  string
	NotBefore   time.Time
	NotAfter    time.Time
	Fingerprint string
	CertPEM     []byte
}

// Expired reports whether now is at or past NotAfter.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.NotAfter)
}

// ShouldRenew reports whether less than 25% of the validity window remains.
func (r *Record) ShouldRenew(now time.Time) bool {
	return tokenstore.ExpiringSoon(r.NotBefore, r.NotAfter, now)
}

// TLSCertificate returns the record as a tls.Certificate.
func (r *Record) TLSCertificate() *tls.Certificate {
	return &tls.Certificate{
		Certificate: [][]byte{r.Leaf.Raw},
		PrivateKey:  r.PrivateKey,
		Leaf:        r.Leaf,
	}
}

// Fingerprint is the lowercase hex SHA-256 of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// ParseCertificatePEM decodes the first CERTIFICATE block in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, errors.New("no CERTIFICATE PEM block found")
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		return cert, nil
	}
}

// EncodeCertificatePEM encodes a certificate as PEM.
func EncodeCertificatePEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// newRecord validates that certPEM certifies key for subject.
func newRecord(certPEM []byte, key crypto.Signer, root *x509.Certificate) (*Record, error) {
	leaf, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	subject, err := did.FromCertificate(leaf)
	if err != nil {
		return nil, err
	}
	if key != nil {
		if !did.KeysEqual(key.Public(), leaf.PublicKey) {
			return nil, errors.New("certificate public key does not match the identity key")
		}
	}
	return &Record{
		Leaf:        leaf,
		PrivateKey:  key,
		Root:        root,
		SubjectDID:  subject,
		NotBefore:   leaf.NotBefore,
		NotAfter:    leaf.NotAfter,
		Fingerprint: Fingerprint(leaf.Raw),
		CertPEM:     certPEM,
	}, nil
}
