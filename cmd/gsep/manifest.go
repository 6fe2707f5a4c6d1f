package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sovereignos/gsep/core/pkg/manifest"
)

func newManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect dependency manifests",
	}
	cmd.AddCommand(newManifestValidateCommand())
	return cmd
}

func newManifestValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a dependency manifest against the schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.LoadFile(args[0])
			if err != nil {
				return err
			}
			hash, err := m.Hash()
			if err != nil {
				return err
			}
			deps := 0
			for _, st := range m.Stages {
				deps += len(st.Dependencies)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: version %s, %d stages, %d dependencies\nhash: %s\n",
				m.Version, len(m.Stages), deps, hash)
			return nil
		},
	}
}
