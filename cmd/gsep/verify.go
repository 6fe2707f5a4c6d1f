package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sovereignos/gsep/core/pkg/config"
	"github.com/sovereignos/gsep/core/pkg/ledger"
)

// newVerifyCommand replays the persisted ledger chain and re-derives every
// hash and signature. Exit code 1 means the chain is broken or forged.
func newVerifyCommand() *cobra.Command {
	var profilePath string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay and verify the governance ledger chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			profile, err := config.LoadProfile(profilePath)
			if err != nil {
				return err
			}
			if profile.Authority.PublicKey == "" {
				return fmt.Errorf("profile has no authority public_key to verify against")
			}

			store, err := ledgerStore(config.Load())
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("ledger backend %q holds no persisted chain", config.Load().LedgerBackend)
			}

			records, err := store.LoadRecords(cmd.Context())
			if err != nil {
				return err
			}

			idx, err := ledger.VerifyChain(records, profile.Authority.PublicKey)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "FAILED: record %d: %v\n", idx, err)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %d records, chain intact\n", len(records))
			return nil
		},
	}

	cmd.Flags().StringVar(&profilePath, "profile", "governance.yaml", "governance profile YAML")
	return cmd
}
