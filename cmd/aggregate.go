package cmd

import (
	"context"
	"fmt"

	"github.com/ethpandaops/gridfill/pkg/aggregate"
	"github.com/ethpandaops/gridfill/pkg/engine"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra flags are typically global
var (
	aggUnitIDs     []string
	aggWindfarmIDs []string
	aggSources     []string
	aggFrom        string
	aggTo          string
	aggReplace     bool
)

//nolint:gochecknoglobals // Cobra commands are typically global
var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Build hourly unit values from raw records",
	Long: `Deduplicates overlapping raw records, combines them into one value per unit,
source and hour and upserts the result. --replace deletes the existing hourly
values of the selection first.`,
	RunE: runAggregate,
}

func init() {
	rootCmd.AddCommand(aggregateCmd)

	aggregateCmd.Flags().StringSliceVar(&aggUnitIDs, "unit", nil, "generation unit ids (default all active units)")
	aggregateCmd.Flags().StringSliceVar(&aggWindfarmIDs, "windfarm", nil, "windfarm ids")
	aggregateCmd.Flags().StringSliceVar(&aggSources, "source", nil, "restrict to these sources")
	aggregateCmd.Flags().StringVar(&aggFrom, "from", "", "first hour (inclusive)")
	aggregateCmd.Flags().StringVar(&aggTo, "to", "", "last hour (exclusive)")
	aggregateCmd.Flags().BoolVar(&aggReplace, "replace", false, "delete existing hourly values before aggregating")
}

func runAggregate(cmd *cobra.Command, _ []string) error {
	from, to, err := parseRange(aggFrom, aggTo)
	if err != nil {
		return err
	}

	req := aggregate.Request{
		UnitIDs:     aggUnitIDs,
		WindfarmIDs: aggWindfarmIDs,
		Sources:     aggSources,
		From:        from,
		To:          to,
	}

	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		run := svc.Aggregate().Aggregate
		if aggReplace {
			run = svc.Aggregate().Reaggregate
		}

		res, err := run(ctx, req)
		if err != nil {
			return err
		}

		printAggregateResult(cmd, res)

		return nil
	})
}

func printAggregateResult(cmd *cobra.Command, res *aggregate.Result) {
	fmt.Fprintf(cmd.OutOrStdout(), "units=%d written=%d deleted=%d empty_hours=%d\n",
		res.Units, res.Written, res.Deleted, res.Empty)
}
