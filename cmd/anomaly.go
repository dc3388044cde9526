package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/ethpandaops/gridfill/pkg/anomaly"
	"github.com/ethpandaops/gridfill/pkg/engine"
	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra flags are typically global
var (
	anomUnitIDs     []string
	anomWindfarmIDs []string
	anomSources     []string
	anomFrom        string
	anomTo          string
	anomMaxCF       float64
	anomMinValue    float64
	anomMissing     bool
	anomSave        bool

	anomStatuses []string
	anomTypes    []string
	anomSeverity string
	anomLimit    int
	anomOffset   int

	anomNotes string
)

// anomalyCmd represents the anomaly command group
//
//nolint:gochecknoglobals // Cobra commands are typically global
var anomalyCmd = &cobra.Command{
	Use:   "anomaly",
	Short: "Detect and review implausible hourly values",
}

//nolint:gochecknoglobals // Cobra commands are typically global
var (
	anomalyDetectCmd = &cobra.Command{
		Use:   "detect",
		Short: "Scan hourly values for capacity factor excursions and other implausible periods",
		RunE:  runAnomalyDetect,
	}
	anomalyListCmd = &cobra.Command{
		Use:   "list",
		Short: "List recorded anomalies",
		RunE:  runAnomalyList,
	}
	anomalyUpdateCmd = &cobra.Command{
		Use:   "update <anomaly-id> <status>",
		Short: "Record a review decision (pending, investigating, resolved, false_positive, ignored)",
		Args:  cobra.ExactArgs(2),
		RunE:  runAnomalyUpdate,
	}
	anomalyReaggregateCmd = &cobra.Command{
		Use:   "reaggregate <anomaly-id>",
		Short: "Rebuild the hourly values of an anomaly's period",
		Args:  cobra.ExactArgs(1),
		RunE:  runAnomalyReaggregate,
	}
)

func init() {
	rootCmd.AddCommand(anomalyCmd)
	anomalyCmd.AddCommand(anomalyDetectCmd, anomalyListCmd, anomalyUpdateCmd, anomalyReaggregateCmd)

	anomalyDetectCmd.Flags().StringSliceVar(&anomUnitIDs, "unit", nil, "generation unit ids (default all active units)")
	anomalyDetectCmd.Flags().StringSliceVar(&anomWindfarmIDs, "windfarm", nil, "windfarm ids")
	anomalyDetectCmd.Flags().StringSliceVar(&anomSources, "source", nil, "restrict to these sources")
	anomalyDetectCmd.Flags().StringVar(&anomFrom, "from", "", "first hour (inclusive)")
	anomalyDetectCmd.Flags().StringVar(&anomTo, "to", "", "last hour (exclusive)")
	anomalyDetectCmd.Flags().Float64Var(&anomMaxCF, "max-capacity-factor", 0, "override the configured capacity factor ceiling")
	anomalyDetectCmd.Flags().Float64Var(&anomMinValue, "min-value", 0, "flag hours below this value")
	anomalyDetectCmd.Flags().BoolVar(&anomMissing, "missing", false, "flag hours without a value")
	anomalyDetectCmd.Flags().BoolVar(&anomSave, "save", false, "persist new findings as pending anomalies")

	anomalyListCmd.Flags().StringSliceVar(&anomUnitIDs, "unit", nil, "filter by unit")
	anomalyListCmd.Flags().StringSliceVar(&anomStatuses, "status", nil, "filter by status")
	anomalyListCmd.Flags().StringSliceVar(&anomTypes, "type", nil, "filter by type")
	anomalyListCmd.Flags().StringVar(&anomSeverity, "severity", "", "filter by severity")
	anomalyListCmd.Flags().StringVar(&anomFrom, "from", "", "periods ending at or after")
	anomalyListCmd.Flags().StringVar(&anomTo, "to", "", "periods starting before")
	anomalyListCmd.Flags().IntVar(&anomLimit, "limit", 50, "page size")
	anomalyListCmd.Flags().IntVar(&anomOffset, "offset", 0, "page offset")

	anomalyUpdateCmd.Flags().StringVar(&anomNotes, "notes", "", "resolution notes")
}

// detectThresholds returns an override of the configured thresholds when any
// threshold flag was given
func detectThresholds(cmd *cobra.Command, configured anomaly.Config) *anomaly.Config {
	flags := cmd.Flags()
	if !flags.Changed("max-capacity-factor") && !flags.Changed("min-value") && !flags.Changed("missing") {
		return nil
	}

	th := configured

	if flags.Changed("max-capacity-factor") {
		th.MaxCapacityFactor = anomMaxCF
	}

	if flags.Changed("min-value") {
		v := anomMinValue
		th.MinValue = &v
	}

	if flags.Changed("missing") {
		th.DetectMissing = anomMissing
	}

	return &th
}

func runAnomalyDetect(cmd *cobra.Command, _ []string) error {
	from, to, err := parseRange(anomFrom, anomTo)
	if err != nil {
		return err
	}

	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		req := anomaly.Request{
			UnitIDs:     anomUnitIDs,
			WindfarmIDs: anomWindfarmIDs,
			Sources:     anomSources,
			From:        from,
			To:          to,
			Thresholds:  detectThresholds(cmd, svc.Config().Anomaly),
		}

		candidates, err := svc.Anomaly().Detect(ctx, req)
		if err != nil {
			return err
		}

		printCandidates(cmd.OutOrStdout(), candidates)

		if anomSave && len(candidates) > 0 {
			saved, err := svc.Anomaly().SaveNew(ctx, candidates)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d new anomalies\n", len(saved))
		}

		return nil
	})
}

func runAnomalyList(cmd *cobra.Command, _ []string) error {
	filter := store.AnomalyFilter{
		UnitIDs:  anomUnitIDs,
		Types:    anomTypes,
		Severity: anomSeverity,
		Limit:    anomLimit,
		Offset:   anomOffset,
	}

	for _, s := range anomStatuses {
		filter.Statuses = append(filter.Statuses, store.AnomalyStatus(s))
	}

	if anomFrom != "" {
		t, err := parseTime(anomFrom)
		if err != nil {
			return fmt.Errorf("--from: %w", err)
		}

		filter.From = t
	}

	if anomTo != "" {
		t, err := parseTime(anomTo)
		if err != nil {
			return fmt.Errorf("--to: %w", err)
		}

		filter.To = t
	}

	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		anomalies, total, err := svc.Anomaly().List(ctx, filter)
		if err != nil {
			return err
		}

		printAnomalies(cmd.OutOrStdout(), anomalies)
		fmt.Fprintf(cmd.OutOrStdout(), "%d of %d anomalies\n", len(anomalies), total)

		return nil
	})
}

func runAnomalyUpdate(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		a, err := svc.Anomaly().UpdateStatus(ctx, args[0], store.AnomalyStatus(args[1]), anomNotes)
		if err != nil {
			return err
		}

		printAnomalies(cmd.OutOrStdout(), []*store.Anomaly{a})

		return nil
	})
}

func runAnomalyReaggregate(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		res, err := svc.Anomaly().Reaggregate(ctx, args[0])
		if err != nil {
			return err
		}

		printAggregateResult(cmd, res)

		return nil
	})
}

func printCandidates(w io.Writer, candidates []*anomaly.Candidate) {
	tw := newTable(w, "Unit", "Source", "Type", "Severity", "From", "To", "Hours", "Peak")

	for _, c := range candidates {
		tw.AppendRow(table.Row{orDash(c.UnitCode), c.Source, c.Type, c.Severity,
			formatTime(c.PeriodStart), formatTime(c.PeriodEnd), c.Hours, fmt.Sprintf("%.3f", c.PeakValue)})
	}

	tw.Render()
}

func printAnomalies(w io.Writer, anomalies []*store.Anomaly) {
	tw := newTable(w, "ID", "Unit", "Source", "Type", "Severity", "Status", "From", "To", "Peak", "Notes")

	for _, a := range anomalies {
		tw.AppendRow(table.Row{a.ID, orDash(a.UnitID), orDash(a.Source), a.Type, a.Severity, a.Status,
			formatTime(a.PeriodStart), formatTime(a.PeriodEnd), fmt.Sprintf("%.3f", a.PeakValue), truncate(a.ResolutionNotes, 40)})
	}

	tw.Render()
}
