package main

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sufield/didmesh/pkg/ca"
	"github.com/sufield/didmesh/pkg/ca/localca"
	"github.com/sufield/didmesh/pkg/did"
)

func TestServeIssuesAndVerifies(t *testing.T) {
	f := serverFlags{
		dir:      filepath.Join(t.TempDir(), "ca"),
		validity: time.Hour,
		tokenTTL: time.Minute,
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, ln, f, zap.NewNop()) }()

	client, err := ca.NewClient("http://" + ln.Addr().String())
	require.NoError(t, err)

	var rootPEM []byte
	require.Eventually(t, func() bool {
		rootPEM, err = client.FetchRootCertificate(context.Background())
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	id, err := did.NewManager().GetOrCreate(filepath.Join(t.TempDir(), "id.json"))
	require.NoError(t, err)
	pub, err := id.PublicKeyPEM()
	require.NoError(t, err)
	issued, err := client.IssueCertificate(context.Background(), id.DID(), pub)
	require.NoError(t, err)

	res, err := client.VerifyCertificate(context.Background(), []byte(issued.Certificate))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.NotEmpty(t, res.Token)

	cancel()
	require.NoError(t, <-done)

	// The root survives a restart.
	again, err := newAuthority(f, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, rootPEM, again.RootPEM())
	assert.FileExists(t, filepath.Join(f.dir, localca.RootKeyFile))
}

func TestVersionFlag(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetArgs([]string{"--version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "dev")
}
