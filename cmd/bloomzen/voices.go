package main

import (
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/bloomzen/internal/app"
	"github.com/MrWong99/bloomzen/internal/config"
)

func newVoicesCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "voices",
		Short: "List the voices of the configured provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			reg := config.NewRegistry()
			app.RegisterBuiltinProviders(reg, slog.New(slog.DiscardHandler))
			p, err := reg.CreateS2S(cfg.Providers.S2S)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			voices := p.Capabilities().Voices
			if len(voices) == 0 {
				fmt.Fprintf(out, "%s does not list its voices\n", cfg.Providers.S2S.Name)
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tDESCRIPTION\t")
			for _, v := range voices {
				marker := ""
				if v.ID == cfg.Companion.Voice {
					marker = " *"
				}
				fmt.Fprintf(tw, "%s%s\t%s\t%s\t\n", v.ID, marker, v.Name, v.Description)
			}
			return tw.Flush()
		},
	}
}
