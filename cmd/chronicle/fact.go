package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/chronicle/internal/engine"
	"github.com/scrypster/chronicle/pkg/types"
)

func newFactCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fact",
		Short: "Record and close facts",
	}

	cmd.AddCommand(
		newFactAddCmd(opts),
		newFactCloseCmd(opts),
	)

	return cmd
}

// parseWhen parses an RFC3339 timestamp or a YYYY-MM-DD date; empty means now.
func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither RFC3339 nor YYYY-MM-DD", s)
	}
	return t, nil
}

func newFactAddCmd(opts *globalOptions) *cobra.Command {
	var (
		confidence float64
		validFrom  string
		source     string
		literal    bool
		supersedes string
	)

	cmd := &cobra.Command{
		Use:   "add <subject> <predicate> <object>",
		Short: "Record a fact",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseWhen(validFrom)
			if err != nil {
				return fmt.Errorf("--valid-from: %w", err)
			}
			in := engine.FactInput{
				Subject:    args[0],
				Predicate:  args[1],
				Object:     args[2],
				Confidence: confidence,
				ValidFrom:  from,
				Source:     source,
			}
			if literal {
				in.ObjectKind = types.ObjectLiteral
			}

			return withEngine(cmd.Context(), opts, func(d *deps) error {
				var fact *types.Fact
				if supersedes != "" {
					fact, err = d.engine.Supersede(cmd.Context(), supersedes, in)
				} else {
					fact, err = d.engine.StoreFact(cmd.Context(), in)
				}
				if err != nil {
					return err
				}
				printFacts(cmd.OutOrStdout(), []types.Fact{*fact})
				return nil
			})
		},
	}

	cmd.Flags().Float64Var(&confidence, "confidence", 0.8, "Confidence in [0,1]")
	cmd.Flags().StringVar(&validFrom, "valid-from", "", "When the fact became true (RFC3339 or YYYY-MM-DD, default now)")
	cmd.Flags().StringVar(&source, "source", "", "Provenance channel (default user_statement)")
	cmd.Flags().BoolVar(&literal, "literal", false, "Treat the object as a literal value, not an entity")
	cmd.Flags().StringVar(&supersedes, "supersedes", "", "Close this fact id at --valid-from and record the new fact")

	return cmd
}

func newFactCloseCmd(opts *globalOptions) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "close <fact-id>",
		Short: "Mark a fact as no longer true",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			validTo, err := parseWhen(at)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}

			return withEngine(cmd.Context(), opts, func(d *deps) error {
				if err := d.engine.CloseFact(cmd.Context(), args[0], validTo); err != nil {
					return err
				}
				fact, err := d.engine.GetFact(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printFacts(cmd.OutOrStdout(), []types.Fact{*fact})
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "When the fact stopped being true (RFC3339 or YYYY-MM-DD, default now)")

	return cmd
}
