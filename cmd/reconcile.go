package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/ethpandaops/gridfill/pkg/engine"
	"github.com/ethpandaops/gridfill/pkg/reconcile"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra flags are typically global
var (
	reconcileSource      string
	reconcileIdentifiers []string
	reconcileFrom        string
	reconcileTo          string
	reconcileDryRun      bool
	reconcileCorrection  string
	reconcileListOnly    bool
)

// reconcileCmd represents the reconcile command group
//
//nolint:gochecknoglobals // Cobra commands are typically global
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Repair mislabelled raw records",
}

//nolint:gochecknoglobals // Cobra commands are typically global
var (
	reconcileResolutionCmd = &cobra.Command{
		Use:   "resolution",
		Short: "Relabel sub-hourly records that were stored as hourly",
		RunE:  runReconcileResolution,
	}
	reconcileTimezoneCmd = &cobra.Command{
		Use:   "timezone",
		Short: "Re-key settlement period records to the UTC instant they denote",
		RunE:  runReconcileTimezone,
	}
	reconcileCorrectionsCmd = &cobra.Command{
		Use:   "corrections",
		Short: "Apply catalogued windowed corrections that have not been applied yet",
		RunE:  runReconcileCorrections,
	}
)

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.AddCommand(reconcileResolutionCmd, reconcileTimezoneCmd, reconcileCorrectionsCmd)

	for _, c := range []*cobra.Command{reconcileResolutionCmd, reconcileTimezoneCmd} {
		c.Flags().StringVar(&reconcileSource, "source", "", "source to repair")
		c.Flags().StringSliceVar(&reconcileIdentifiers, "identifier", nil, "restrict to these identifiers")
		c.Flags().StringVar(&reconcileFrom, "from", "", "first period start (inclusive)")
		c.Flags().StringVar(&reconcileTo, "to", "", "last period start (exclusive)")
		c.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "report without writing")
	}

	reconcileCorrectionsCmd.Flags().StringVar(&reconcileCorrection, "name", "", "apply only this correction")
	reconcileCorrectionsCmd.Flags().BoolVar(&reconcileListOnly, "list", false, "list the catalog without applying")
}

func reconcileScope() (reconcile.Scope, error) {
	scope := reconcile.Scope{Source: reconcileSource, Identifiers: reconcileIdentifiers}

	if reconcileFrom != "" {
		t, err := parseTime(reconcileFrom)
		if err != nil {
			return scope, fmt.Errorf("--from: %w", err)
		}

		scope.From = t
	}

	if reconcileTo != "" {
		t, err := parseTime(reconcileTo)
		if err != nil {
			return scope, fmt.Errorf("--to: %w", err)
		}

		scope.To = t
	}

	return scope, nil
}

func runReconcileResolution(cmd *cobra.Command, _ []string) error {
	scope, err := reconcileScope()
	if err != nil {
		return err
	}

	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		if reconcileDryRun {
			groups, err := svc.Reconcile().DetectResolution(ctx, scope)
			if err != nil {
				return err
			}

			printResolutionGroups(cmd.OutOrStdout(), groups)

			return nil
		}

		report, err := svc.Reconcile().FixResolution(ctx, scope)
		if err != nil {
			return err
		}

		printResolutionGroups(cmd.OutOrStdout(), report.Groups)
		fmt.Fprintf(cmd.OutOrStdout(), "Relabelled %d records\n", report.Fixed)

		return nil
	})
}

func runReconcileTimezone(cmd *cobra.Command, _ []string) error {
	scope, err := reconcileScope()
	if err != nil {
		return err
	}

	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		report, err := svc.Reconcile().CorrectTimezone(ctx, scope, reconcileDryRun)
		if err != nil {
			return err
		}

		printTimezoneReport(cmd.OutOrStdout(), report)

		return nil
	})
}

func runReconcileCorrections(cmd *cobra.Command, _ []string) error {
	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		if reconcileListOnly {
			tw := newTable(cmd.OutOrStdout(), "Name", "Kind", "Source", "Start", "End", "Streams", "Notes")
			for _, c := range svc.Reconcile().Corrections() {
				tw.AppendRow(table.Row{c.Name, c.Kind, c.Source, c.Start, c.End,
					fmt.Sprintf("%s <-> %s", c.TypeA, c.TypeB), truncate(c.Notes, 60)})
			}

			tw.Render()

			return nil
		}

		var results []*reconcile.CorrectionResult

		if reconcileCorrection != "" {
			res, err := svc.Reconcile().ApplyCorrection(ctx, reconcileCorrection)
			if err != nil {
				return err
			}

			results = append(results, res)
		} else {
			var err error
			if results, err = svc.Reconcile().ApplyCorrections(ctx); err != nil {
				return err
			}
		}

		tw := newTable(cmd.OutOrStdout(), "Correction", "Applied", "Rows", "Audit anomaly")
		for _, res := range results {
			tw.AppendRow(table.Row{res.Name, res.Applied, res.Rows, orDash(res.AnomalyID)})
		}

		tw.Render()

		return nil
	})
}

func printResolutionGroups(w io.Writer, groups []*reconcile.ResolutionGroup) {
	tw := newTable(w, "Source", "Stream", "Identifier", "Hour", "Records", "Offsets", "Resolution")

	for _, g := range groups {
		tw.AppendRow(table.Row{g.Source, g.SourceType, g.Identifier, formatTime(g.Hour), len(g.Records), g.Offsets, g.Inferred})
	}

	tw.Render()
}

func printTimezoneReport(w io.Writer, report *reconcile.TimezoneReport) {
	tw := newTable(w, "Record", "Identifier", "From", "To")
	for _, m := range report.Moves {
		tw.AppendRow(table.Row{m.RecordID, m.Identifier, formatTime(m.From), formatTime(m.To)})
	}

	tw.Render()

	if len(report.Issues) > 0 {
		iw := newTable(w, "Record", "Identifier", "Issue")
		for _, is := range report.Issues {
			iw.AppendRow(table.Row{is.RecordID, is.Identifier, is.Reason})
		}

		iw.Render()
	}

	fmt.Fprintf(w, "checked=%d moves=%d issues=%d fixed=%d\n", report.Checked, len(report.Moves), len(report.Issues), report.Fixed)
}
