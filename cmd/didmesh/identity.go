package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/sufield/didmesh/internal/config"
	"github.com/sufield/didmesh/pkg/did"
)

func newIdentityCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Create or inspect the agent identity",
	}
	cmd.AddCommand(newIdentityInitCommand(g), newIdentityShowCommand(g))
	return cmd
}

func newIdentityInitCommand(g *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the identity key file if it does not exist",
		Example: `  didmesh identity init
  didmesh identity init --config didmesh.yaml --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, mgr, err := identityManager(g)
			if err != nil {
				return err
			}
			var id *did.Identity
			if force {
				id, err = mgr.Recreate(cfg.Identity.KeyPath)
			} else {
				id, err = mgr.GetOrCreate(cfg.Identity.KeyPath)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "DID:      %s\nKey type: %s\nKey file: %s\n", id.DID(), id.KeyType(), id.Path())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity with a new key and DID")
	return cmd
}

func newIdentityShowCommand(g *globalFlags) *cobra.Command {
	var document bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the DID, or the DID document with --document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, mgr, err := identityManager(g)
			if err != nil {
				return err
			}
			id, err := mgr.Load(cfg.Identity.KeyPath)
			if errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("no identity at %s (run: didmesh identity init)", cfg.Identity.KeyPath)
			}
			if err != nil {
				return err
			}
			if !document {
				fmt.Fprintln(cmd.OutOrStdout(), id.DID())
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(id.Document())
		},
	}
	cmd.Flags().BoolVar(&document, "document", false, "print the full DID document as JSON")
	return cmd
}

// identityManager needs only the identity section, so the rest of the
// configuration is not validated.
func identityManager(g *globalFlags) (*config.Config, *did.Manager, error) {
	cfg, err := config.Parse(g.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	kt, err := did.ParseKeyType(cfg.Identity.KeyType)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Identity.KeyPath == "" {
		return nil, nil, errors.New("identity.key_path is required")
	}
	return cfg, did.NewManager(
		did.WithMethod(cfg.Identity.DIDMethod),
		did.WithKeyType(kt),
		did.WithServiceEndpoint(cfg.Identity.ServiceEndpoint),
	), nil
}
