package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/chronicle/pkg/types"
)

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var asOf string

	cmd := &cobra.Command{
		Use:   "history <entity>",
		Short: "Show the fact timeline of an entity",
		Long: "Without --as-of, prints every fact about the entity across all time, newest first.\n" +
			"With --as-of, prints only the facts that were true at that instant.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var at time.Time
			if asOf != "" {
				var err error
				if at, err = time.Parse(time.RFC3339, asOf); err != nil {
					return fmt.Errorf("--as-of must be RFC3339: %w", err)
				}
			}

			return withEngine(cmd.Context(), opts, func(d *deps) error {
				var (
					facts []types.Fact
					err   error
				)
				if at.IsZero() {
					facts, err = d.engine.GetEntityHistory(cmd.Context(), args[0])
				} else {
					facts, err = d.engine.GetCurrentFacts(cmd.Context(), args[0], at)
				}
				if err != nil {
					return err
				}
				printFacts(cmd.OutOrStdout(), facts)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&asOf, "as-of", "", "Point in time (RFC3339)")

	return cmd
}

func printFacts(w io.Writer, facts []types.Fact) {
	if len(facts) == 0 {
		fmt.Fprintln(w, "No facts found.")
		return
	}
	for _, f := range facts {
		until := "now"
		if f.ValidTo != nil {
			until = f.ValidTo.Format(time.DateOnly)
		}
		fmt.Fprintf(w, "%s  %s %s %s  [%s .. %s]  confidence=%.2f source=%s\n",
			f.ID, f.Subject, f.Predicate, f.Object,
			f.ValidFrom.Format(time.DateOnly), until, f.Confidence, f.Source)
	}
}
