package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sufield/didmesh"
)

func newHandshakeCommand(g *globalFlags) *cobra.Command {
	var (
		timeout    time.Duration
		verifyConn bool
	)
	cmd := &cobra.Command{
		Use:   "handshake <peer-url>",
		Short: "Authenticate this agent to a peer with the DID challenge protocol",
		Example: `  didmesh handshake https://agent-b:8443
  didmesh handshake https://agent-b:8443 --verify-connection`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			agent, err := didmesh.NewAgent(ctx, cfg, didmesh.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() { _ = agent.Close(context.Background()) }()

			pc := agent.PeerClient()
			session, err := pc.Authenticate(ctx, args[0])
			if err != nil {
				return fmt.Errorf("handshake with %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Authenticated as %s\n", agent.DID())
			fmt.Fprintf(out, "Peer DID:    %s\n", session.PeerDID)
			fmt.Fprintf(out, "Verified at: %s\n", session.VerifiedAt.Format(time.RFC3339))
			if ep := session.PeerDocument.ServiceEndpoint(); ep != "" {
				fmt.Fprintf(out, "Endpoint:    %s\n", ep)
			}

			if verifyConn {
				rec, err := agent.Lifecycle().Current()
				if err != nil {
					return err
				}
				ok, err := pc.VerifyConnection(ctx, args[0], rec.CertPEM)
				if err != nil {
					return fmt.Errorf("verify connection: %w", err)
				}
				fmt.Fprintf(out, "Connection verified: %t\n", ok)
				if !ok {
					return fmt.Errorf("peer did not bind certificate %s to %s", rec.Fingerprint, agent.DID())
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline for bootstrap and handshake")
	cmd.Flags().BoolVar(&verifyConn, "verify-connection", false, "also ask the peer to bind this agent's certificate to its DID")
	return cmd
}
