package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scrypster/chronicle/internal/engine"
)

func newQueryCmd(opts *globalOptions) *cobra.Command {
	var (
		userID    string
		entityIDs []string
		strategy  string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Answer a question from the knowledge graph",
		Long: "Selects a search strategy for the question, runs the similarity and relational\n" +
			"branches, and prints the fused context. The query is recorded as an episode.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), opts, func(d *deps) error {
				res, err := d.engine.ProcessQuery(cmd.Context(), args[0], engine.QueryOptions{
					UserID:         userID,
					EntityIDs:      entityIDs,
					Classification: engine.Classification{Strategy: strategy},
				})
				if err != nil {
					return fmt.Errorf("processing query: %w", err)
				}

				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(res)
				}
				fmt.Fprint(out, res.Context.Render())
				fmt.Fprintf(out, "confidence: %.2f  episode: %s\n", res.Confidence, res.EpisodeID)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "cli", "User id the episode is recorded for")
	cmd.Flags().StringSliceVarP(&entityIDs, "entity", "e", nil, "Extra relational seed entity ids")
	cmd.Flags().StringVarP(&strategy, "strategy", "s", "", "Force a strategy (similarity, relational, fused)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON")

	return cmd
}
