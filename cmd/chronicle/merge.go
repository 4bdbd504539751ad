package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newMergeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <canonical-id> <id>...",
		Short: "Declare entities to be the same real-world entity",
		Long: "Redirects every listed id to the canonical id. Existing facts are rewritten to\n" +
			"the canonical id and later writes through an alias land on it.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(d *deps) error {
				res, err := d.engine.MergeEntities(cmd.Context(), args[1:], args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !res.Applied {
					fmt.Fprintf(out, "Nothing to merge: all ids already resolve to %s\n", res.CanonicalID)
					return nil
				}
				fmt.Fprintf(out, "Merged %s into %s\n", strings.Join(res.Absorbed, ", "), res.CanonicalID)
				fmt.Fprintf(out, "Aliases: %s\n", strings.Join(res.Aliases, ", "))
				return nil
			})
		},
	}
}
