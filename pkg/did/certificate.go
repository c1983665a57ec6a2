package did

import (
	"crypto/x509"
	"errors"
	"fmt"
)

// ErrNoCertificateDID means a certificate carries no DID in its subject CN
// or URI SANs.
var ErrNoCertificateDID = errors.New("certificate has no DID")

// FromCertificate returns the DID a certificate was issued to. The DID is
// read from the first did: URI SAN, else from the subject common name. When
// both are present they must agree.
func FromCertificate(cert *x509.Certificate) (string, error) {
	if cert == nil {
		return "", errors.New("nil certificate")
	}

	var san string
	for _, u := range cert.URIs {
		if u.Scheme == "did" {
			san = u.String()
			break
		}
	}
	cn := cert.Subject.CommonName
	if _, err := Parse(cn); err != nil {
		cn = ""
	}

	switch {
	case san != "" && cn != "" && san != cn:
		return "", fmt.Errorf("certificate subject %q and URI SAN %q name different DIDs", cn, san)
	case san != "":
		if _, err := Parse(san); err != nil {
			return "", err
		}
		return san, nil
	case cn != "":
		return cn, nil
	default:
		return "", ErrNoCertificateDID
	}
}
