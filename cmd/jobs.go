package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/ethpandaops/gridfill/pkg/backfill"
	"github.com/ethpandaops/gridfill/pkg/engine"
	"github.com/ethpandaops/gridfill/pkg/store"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

//nolint:gochecknoglobals // Cobra flags are typically global
var (
	jobUnitIDs     []string
	jobWindfarmIDs []string
	jobSources     []string
	jobStart       string
	jobEnd         string
	jobCreatedBy   string
	jobExtra       map[string]string
	jobStartNow    bool

	jobListStatuses []string
	jobListSource   string
	jobListCreator  string
	jobListLimit    int
	jobListOffset   int

	jobShowQueue bool
	jobRetryIDs  []string
)

// jobCmd represents the job command group
//
//nolint:gochecknoglobals // Cobra commands are typically global
var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Create and manage backfill jobs",
}

//nolint:gochecknoglobals // Cobra commands are typically global
var (
	jobCreateCmd = &cobra.Command{
		Use:   "create",
		Short: "Create a backfill job for a unit set and an inclusive date range",
		RunE:  runJobCreate,
	}
	jobPreviewCmd = &cobra.Command{
		Use:   "preview",
		Short: "Estimate the size and duration of a backfill without creating it",
		RunE:  runJobPreview,
	}
	jobStartCmd = &cobra.Command{
		Use:   "start <job-id>",
		Short: "Queue every task of a pending job",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobStart,
	}
	jobRunCmd = &cobra.Command{
		Use:   "run <job-id>",
		Short: "Process a job in this process without the work queue",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobRun,
	}
	jobShowCmd = &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job, its tasks and failures",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobShow,
	}
	jobListCmd = &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE:  runJobList,
	}
	jobCancelCmd = &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a pending or running job",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobCancel,
	}
	jobRetryCmd = &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Retry failed tasks of a finished job",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobRetry,
	}
	jobResetStuckCmd = &cobra.Command{
		Use:   "reset-stuck <job-id>",
		Short: "Fail tasks that stopped making progress and requeue them",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobResetStuck,
	}
	jobDeleteCmd = &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a job that is not running",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobDelete,
	}
)

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobCreateCmd, jobPreviewCmd, jobStartCmd, jobRunCmd, jobShowCmd, jobListCmd,
		jobCancelCmd, jobRetryCmd, jobResetStuckCmd, jobDeleteCmd)

	for _, c := range []*cobra.Command{jobCreateCmd, jobPreviewCmd} {
		c.Flags().StringSliceVar(&jobUnitIDs, "unit", nil, "generation unit ids")
		c.Flags().StringSliceVar(&jobWindfarmIDs, "windfarm", nil, "windfarm ids")
		c.Flags().StringSliceVar(&jobSources, "source", nil, "restrict to these sources")
		c.Flags().StringVar(&jobStart, "start", "", "first date (YYYY-MM-DD)")
		c.Flags().StringVar(&jobEnd, "end", "", "last date, inclusive (YYYY-MM-DD)")
	}

	jobCreateCmd.Flags().StringVar(&jobCreatedBy, "created-by", "cli", "who requested the job")
	jobCreateCmd.Flags().StringToStringVar(&jobExtra, "extra", nil, "extra audit values (key=value)")
	jobCreateCmd.Flags().BoolVar(&jobStartNow, "start-now", false, "queue the tasks right after creating the job")

	jobListCmd.Flags().StringSliceVar(&jobListStatuses, "status", nil, "filter by status")
	jobListCmd.Flags().StringVar(&jobListSource, "source", "", "filter by source")
	jobListCmd.Flags().StringVar(&jobListCreator, "created-by", "", "filter by creator")
	jobListCmd.Flags().IntVar(&jobListLimit, "limit", 20, "page size")
	jobListCmd.Flags().IntVar(&jobListOffset, "offset", 0, "page offset")

	jobShowCmd.Flags().BoolVar(&jobShowQueue, "queue", false, "include the work queue state of each task")
	jobRetryCmd.Flags().StringSliceVar(&jobRetryIDs, "task", nil, "only retry these failed tasks")
}

func jobSpecFromFlags() (backfill.JobSpec, error) {
	start, end, err := parseRange(jobStart, jobEnd)
	if err != nil {
		return backfill.JobSpec{}, fmt.Errorf("%w (use --start and --end)", err)
	}

	return backfill.JobSpec{
		UnitSet: store.UnitSet{
			UnitIDs:     jobUnitIDs,
			WindfarmIDs: jobWindfarmIDs,
			Sources:     jobSources,
		},
		StartDate: start,
		EndDate:   end,
		CreatedBy: jobCreatedBy,
		Extra:     jobExtra,
	}, nil
}

func runJobCreate(cmd *cobra.Command, _ []string) error {
	spec, err := jobSpecFromFlags()
	if err != nil {
		return err
	}

	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		job, err := svc.Backfill().Create(ctx, spec)
		if err != nil {
			return err
		}

		if jobStartNow {
			if job, err = svc.Backfill().Start(ctx, job.ID); err != nil {
				return err
			}
		}

		printJobs(cmd.OutOrStdout(), []*store.Job{job})

		return nil
	})
}

func runJobPreview(cmd *cobra.Command, _ []string) error {
	spec, err := jobSpecFromFlags()
	if err != nil {
		return err
	}

	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		p, err := svc.Backfill().Preview(ctx, spec)
		if err != nil {
			return err
		}

		tw := newTable(cmd.OutOrStdout(), "Units", "Chunks", "Tasks", "Sources", "Estimated")
		tw.AppendRow(table.Row{p.UnitCount, p.ChunkCount, p.TaskCount, strings.Join(p.Sources, ","),
			fmt.Sprintf("%.1f min", p.EstimatedMinutes)})
		tw.Render()

		return nil
	})
}

func runJobStart(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		job, err := svc.Backfill().Start(ctx, args[0])
		if err != nil {
			return err
		}

		printJobs(cmd.OutOrStdout(), []*store.Job{job})

		return nil
	})
}

func runJobRun(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		job, err := svc.Backfill().RunSync(ctx, args[0])
		if err != nil {
			return err
		}

		printJobs(cmd.OutOrStdout(), []*store.Job{job})

		return nil
	})
}

func runJobShow(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		detail, err := svc.Backfill().Get(ctx, args[0], jobShowQueue)
		if err != nil {
			return err
		}

		printJobDetail(cmd.OutOrStdout(), detail)

		return nil
	})
}

func runJobList(cmd *cobra.Command, _ []string) error {
	filter := store.JobFilter{
		CreatedBy: jobListCreator,
		Source:    jobListSource,
		Limit:     jobListLimit,
		Offset:    jobListOffset,
	}

	for _, s := range jobListStatuses {
		filter.Statuses = append(filter.Statuses, store.JobStatus(s))
	}

	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		jobs, total, err := svc.Backfill().List(ctx, filter)
		if err != nil {
			return err
		}

		printJobs(cmd.OutOrStdout(), jobs)
		fmt.Fprintf(cmd.OutOrStdout(), "%d of %d jobs\n", len(jobs), total)

		return nil
	})
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		job, err := svc.Backfill().Cancel(ctx, args[0])
		if err != nil {
			return err
		}

		printJobs(cmd.OutOrStdout(), []*store.Job{job})

		return nil
	})
}

func runJobRetry(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		n, err := svc.Backfill().RetryFailed(ctx, args[0], jobRetryIDs)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d failed tasks of job %s\n", n, args[0])

		return nil
	})
}

func runJobResetStuck(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		res, err := svc.Backfill().ResetStuck(ctx, args[0])
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Reset %d stuck tasks and failed %d exhausted pending tasks of job %s\n",
			res.StuckTasks, res.PendingFailed, args[0])

		return nil
	})
}

func runJobDelete(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, svc *engine.Service) error {
		if err := svc.Backfill().Delete(ctx, args[0]); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Deleted job %s\n", args[0])

		return nil
	})
}

func printJobs(w io.Writer, jobs []*store.Job) {
	tw := newTable(w, "ID", "Status", "Range", "Tasks", "Done", "Failed", "Progress", "Created by", "Created")

	for _, j := range jobs {
		progress := "-"
		if p := j.Metadata.Progress; p != nil {
			progress = fmt.Sprintf("%.1f%%", p.Percent)
		}

		tw.AppendRow(table.Row{
			j.ID, j.Status, formatDate(j.StartDate) + " .. " + formatDate(j.EndDate),
			j.TotalTasks, j.CompletedTasks, j.FailedTasks, progress, orDash(j.CreatedBy), formatTime(j.CreatedAt),
		})
	}

	tw.Render()
}

func printJobDetail(w io.Writer, detail *backfill.JobDetail) {
	printJobs(w, []*store.Job{detail.Job})

	if detail.Job.ErrorMessage != "" {
		fmt.Fprintf(w, "Error: %s\n", detail.Job.ErrorMessage)
	}

	c := detail.Counts
	fmt.Fprintf(w, "pending=%d in_progress=%d completed=%d failed=%d skipped=%d\n",
		c.Pending, c.InProgress, c.Completed, c.Failed, c.Skipped)

	header := []interface{}{"Task", "Unit", "Source", "Chunk", "Status", "Attempts", "Records", "Started"}
	if detail.QueueStates != nil {
		header = append(header, "Queue")
	}

	tw := newTable(w, header...)

	for _, t := range detail.Tasks {
		row := table.Row{
			t.ID, t.UnitID, t.Source, formatDate(t.ChunkStart) + " .. " + formatDate(t.ChunkEnd.AddDate(0, 0, -1)),
			t.Status, fmt.Sprintf("%d/%d", t.AttemptCount, t.MaxAttempts), t.RecordsFetched, formatTimePtr(t.StartedAt),
		}

		if detail.QueueStates != nil {
			state := "-"
			if qs, ok := detail.QueueStates[t.QueueID]; ok {
				state = qs.State
			}

			row = append(row, state)
		}

		tw.AppendRow(row)
	}

	tw.Render()

	if len(detail.Failures) == 0 {
		return
	}

	failures := append([]backfill.TaskFailure(nil), detail.Failures...)
	sort.Slice(failures, func(i, j int) bool { return failures[i].ChunkStart.Before(failures[j].ChunkStart) })

	fw := newTable(w, "Failed task", "Unit", "Source", "Chunk", "Attempts", "Error")
	for _, f := range failures {
		fw.AppendRow(table.Row{f.TaskID, f.UnitID, f.Source, formatDate(f.ChunkStart), f.Attempts, truncate(f.Error, 80)})
	}

	fw.Render()
}
