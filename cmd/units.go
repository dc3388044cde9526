package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ethpandaops/gridfill/pkg/engine"
	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra flags are typically global
var (
	unitSource     string
	unitCode       string
	unitName       string
	unitWindfarm   string
	unitCapacityMW float64
	unitInactive   bool

	unitListSources   []string
	unitListWindfarms []string
	unitListAll       bool
)

// unitCmd represents the unit command group
//
//nolint:gochecknoglobals // Cobra commands are typically global
var unitCmd = &cobra.Command{
	Use:   "unit",
	Short: "Register and list generation units",
}

//nolint:gochecknoglobals // Cobra commands are typically global
var (
	unitAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Add a unit or update the one with the same source and code",
		RunE:  runUnitAdd,
	}
	unitListCmd = &cobra.Command{
		Use:   "list",
		Short: "List generation units",
		RunE:  runUnitList,
	}
)

func init() {
	rootCmd.AddCommand(unitCmd)
	unitCmd.AddCommand(unitAddCmd, unitListCmd)

	unitAddCmd.Flags().StringVar(&unitSource, "source", "", "source the unit is fetched from")
	unitAddCmd.Flags().StringVar(&unitCode, "code", "", "the source's identifier for the unit")
	unitAddCmd.Flags().StringVar(&unitName, "name", "", "display name")
	unitAddCmd.Flags().StringVar(&unitWindfarm, "windfarm", "", "windfarm id the unit belongs to")
	unitAddCmd.Flags().Float64Var(&unitCapacityMW, "capacity", 0, "installed capacity in MW")
	unitAddCmd.Flags().BoolVar(&unitInactive, "inactive", false, "exclude the unit from default selections")

	unitListCmd.Flags().StringSliceVar(&unitListSources, "source", nil, "filter by source")
	unitListCmd.Flags().StringSliceVar(&unitListWindfarms, "windfarm", nil, "filter by windfarm")
	unitListCmd.Flags().BoolVar(&unitListAll, "all", false, "include inactive units")
}

func runUnitAdd(cmd *cobra.Command, _ []string) error {
	if unitSource == "" || unitCode == "" {
		return errors.New("--source and --code are required")
	}

	if unitCapacityMW < 0 {
		return errors.New("--capacity must not be negative")
	}

	unit := &store.GenerationUnit{
		Code:       unitCode,
		Name:       unitName,
		Source:     unitSource,
		WindfarmID: unitWindfarm,
		CapacityMW: unitCapacityMW,
		Active:     !unitInactive,
	}

	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		if !svc.Sources().Has(unitSource) {
			logger.WithField("source", unitSource).Warn("No adapter is configured for this source")
		}

		if err := svc.Store().UpsertUnit(ctx, unit); err != nil {
			return err
		}

		printUnits(cmd.OutOrStdout(), []*store.GenerationUnit{unit})

		return nil
	})
}

func runUnitList(cmd *cobra.Command, _ []string) error {
	filter := store.UnitFilter{
		WindfarmIDs: unitListWindfarms,
		Sources:     unitListSources,
		ActiveOnly:  !unitListAll,
	}

	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		units, err := svc.Store().ListUnits(ctx, filter)
		if err != nil {
			return err
		}

		printUnits(cmd.OutOrStdout(), units)
		fmt.Fprintf(cmd.OutOrStdout(), "%d units\n", len(units))

		return nil
	})
}

func printUnits(w io.Writer, units []*store.GenerationUnit) {
	tw := newTable(w, "ID", "Source", "Code", "Name", "Windfarm", "Capacity MW", "Active")

	for _, u := range units {
		tw.AppendRow(table.Row{u.ID, u.Source, u.Code, orDash(u.Name), orDash(u.WindfarmID),
			fmt.Sprintf("%.1f", u.CapacityMW), u.Active})
	}

	tw.Render()
}
