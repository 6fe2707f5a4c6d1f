// Command gsep is the governance kernel CLI: it drives transition proposals
// through the certification pipeline, verifies ledger chains, and manages
// keys and manifests.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "gsep",
		Short:         "Staged governance kernel for certified state transitions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCommand(),
		newVerifyCommand(),
		newKeygenCommand(),
		newManifestCommand(),
	)
	return root
}
