package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one confidence decay sweep",
		Long:  "Decays open facts older than the freshness threshold that have no fresh corroboration.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(d *deps) error {
				stats, err := d.engine.Sweep(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d decayed=%d corroborated=%d failed=%d\n",
					stats.Scanned, stats.Decayed, stats.Corroborated, stats.Failed)
				return nil
			})
		},
	}
}
