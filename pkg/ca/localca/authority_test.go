package localca

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/didmesh/pkg/did"
)

func newIdentity(t *testing.T) *did.Identity {
	t.Helper()
	id, err := did.NewManager().GetOrCreate(filepath.Join(t.TempDir(), "agent.json"))
	require.NoError(t, err)
	return id
}

func parsePEM(t *testing.T, s string) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode([]byte(s))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

func TestIssueCertificateBindsDID(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a, err := New(WithClock(func() time.Time { return now }), WithValidity(30*24*time.Hour))
	require.NoError(t, err)
	id := newIdentity(t)
	pub, err := id.PublicKeyPEM()
	require.NoError(t, err)

	resp, err := a.IssueCertificate(context.Background(), id.DID(), pub)
	require.NoError(t, err)

	cert := parsePEM(t, resp.Certificate)
	assert.Equal(t, id.DID(), cert.Subject.CommonName)
	require.Len(t, cert.URIs, 1)
	assert.Equal(t, id.DID(), cert.URIs[0].String())
	assert.Equal(t, now, cert.NotBefore.UTC())
	assert.Equal(t, now.Add(30*24*time.Hour), cert.NotAfter.UTC())
	assert.Equal(t, cert.NotAfter.UTC(), resp.ExpiresAt.Time)

	subject, err := did.FromCertificate(cert)
	require.NoError(t, err)
	assert.Equal(t, id.DID(), subject)
}

func TestIssueCertificateRejects(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	id := newIdentity(t)
	other := newIdentity(t)
	pub, err := id.PublicKeyPEM()
	require.NoError(t, err)

	_, err = a.IssueCertificate(context.Background(), "not-a-did", pub)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = a.IssueCertificate(context.Background(), id.DID(), []byte("garbage"))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// did:key pins the key; another agent's key cannot be certified for it.
	otherPub, err := other.PublicKeyPEM()
	require.NoError(t, err)
	_, err = a.IssueCertificate(context.Background(), id.DID(), otherPub)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestVerifyCertificate(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	a, err := New(WithClock(clock), WithValidity(time.Hour), WithTokenTTL(10*time.Minute))
	require.NoError(t, err)
	id := newIdentity(t)
	pub, err := id.PublicKeyPEM()
	require.NoError(t, err)
	issued, err := a.IssueCertificate(context.Background(), id.DID(), pub)
	require.NoError(t, err)

	resp, err := a.VerifyCertificate(context.Background(), []byte(issued.Certificate))
	require.NoError(t, err)
	require.True(t, resp.Valid, resp.Reason)
	require.NotEmpty(t, resp.Token)
	assert.Equal(t, now.Add(10*time.Minute), resp.ExpiresAt.Time)

	claims, err := a.ParseToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, id.DID(), claims.Subject)
	assert.Equal(t, Fingerprint(parsePEM(t, issued.Certificate).Raw), claims.ID)

	now = now.Add(2 * time.Hour)
	resp, err = a.VerifyCertificate(context.Background(), []byte(issued.Certificate))
	require.NoError(t, err)
	assert.False(t, resp.Valid, "expired certificate must not verify")
	assert.Empty(t, resp.Token)
}

func TestVerifyCertificateForeignCA(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)
	id := newIdentity(t)
	pub, err := id.PublicKeyPEM()
	require.NoError(t, err)

	issued, err := b.IssueCertificate(context.Background(), id.DID(), pub)
	require.NoError(t, err)

	resp, err := a.VerifyCertificate(context.Background(), []byte(issued.Certificate))
	require.NoError(t, err)
	assert.False(t, resp.Valid)

	resp, err = a.VerifyCertificate(context.Background(), []byte("not pem"))
	require.NoError(t, err)
	assert.False(t, resp.Valid)
}

func TestLoadOrCreatePersistsRoot(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrCreate(dir)
	require.NoError(t, err)
	second, err := LoadOrCreate(dir)
	require.NoError(t, err)

	assert.Equal(t, first.RootPEM(), second.RootPEM())

	// A certificate from the first instance verifies on the reloaded one.
	id := newIdentity(t)
	pub, err := id.PublicKeyPEM()
	require.NoError(t, err)
	issued, err := first.IssueCertificate(context.Background(), id.DID(), pub)
	require.NoError(t, err)
	resp, err := second.VerifyCertificate(context.Background(), []byte(issued.Certificate))
	require.NoError(t, err)
	assert.True(t, resp.Valid)
}
