package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/MrWong99/bloomzen/internal/config"
)

func newValidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file and print its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !slices.Contains(config.ValidProviderNames["s2s"], cfg.Providers.S2S.Name) {
				fmt.Fprintf(out, "warning: provider %q is not built in\n", cfg.Providers.S2S.Name)
			}
			printStartupSummary(out, cfg, true)
			fmt.Fprintf(out, "%s is valid\n", flags.configPath)
			return nil
		},
	}
}

