package certs

import (
	"errors"
	"fmt"
)

var (
	// ErrCertificate is the base of every certificate error.
	ErrCertificate = errors.New("certificate error")

	// ErrCertificateRequest means issuance failed (CA error, bad answer, or
	// the certificate could not be stored).
	ErrCertificateRequest = fmt.Errorf("%w: request failed", ErrCertificate)

	// ErrCertificateVerification means the CA rejected a certificate or a
	// certificate does not belong to the DID it was presented for.
	ErrCertificateVerification = fmt.Errorf("%w: verification failed", ErrCertificate)

	// ErrCertificateExpired means the active certificate is past NotAfter.
	ErrCertificateExpired = fmt.Errorf("%w: expired", ErrCertificate)

	// ErrNoCertificate means no certificate has been loaded or issued yet.
	ErrNoCertificate = fmt.Errorf("%w: none available", ErrCertificate)
)
