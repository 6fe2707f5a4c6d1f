package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newKeygenCommand generates an Ed25519 keypair. The public key goes to
// stdout for pasting into a governance profile; the seed goes to the --out
// file with owner-only permissions.
func newKeygenCommand() *cobra.Command {
	var (
		keyID string
		out   string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 keypair for an elector or the ledger authority",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}

			if err := os.WriteFile(out, []byte(hex.EncodeToString(priv.Seed())), 0o600); err != nil {
				return fmt.Errorf("write key file: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{
				"key_id":     keyID,
				"public_key": hex.EncodeToString(pub),
				"key_file":   out,
			})
		},
	}

	cmd.Flags().StringVar(&keyID, "key-id", "", "identifier for the new key (required)")
	cmd.Flags().StringVar(&out, "out", "", "file to write the private seed to (required)")
	_ = cmd.MarkFlagRequired("key-id")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
