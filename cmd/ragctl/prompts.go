package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/Shannon/go/ragagent/internal/prompts"
)

func newPromptsCmd(_ *globalOptions) *cobra.Command {
	var overridesPath string
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "Print the prompt set as YAML",
		Long: `Prints the built-in prompt set. With --file the overrides are resolved
against the built-ins and checked for unknown placeholders first, so the
output is exactly what a turn would use.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			set := prompts.Defaults()
			if overridesPath != "" {
				o, err := prompts.LoadFile(overridesPath)
				if err != nil {
					return err
				}
				set = prompts.Resolve(o, set)
				if err := set.Validate(); err != nil {
					return fmt.Errorf("%s: %w", overridesPath, err)
				}
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(set)
		},
	}
	cmd.Flags().StringVarP(&overridesPath, "file", "f", "", "YAML prompt overrides to resolve and validate")
	return cmd
}
