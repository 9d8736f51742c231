package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/segpulse/am"
	"github.com/teranos/segpulse/artifact"
	"github.com/teranos/segpulse/display"
	"github.com/teranos/segpulse/errors"
	"github.com/teranos/segpulse/events"
	"github.com/teranos/segpulse/export"
	"github.com/teranos/segpulse/logger"
	"github.com/teranos/segpulse/pulse/async"
	"github.com/teranos/segpulse/segmentation"
	"github.com/teranos/segpulse/server"
)

// JobsCmd groups job inspection, release and cancellation commands. They work on the
// database directly; a running server notices cancellations at its next
// checkpoint.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: logger.SymPulse + " Inspect and cancel jobs",
	Long: logger.SymPulse + ` jobs - inspect and cancel segmentation and export jobs

Examples:
  segpulse jobs ls --project p1 --status processing
  segpulse jobs status <job-id>
  segpulse jobs cancel <job-id> --as alice --reason "wrong model"
  segpulse jobs cancel --project p1 --as alice
  segpulse jobs cancel --all --reason "maintenance"
  segpulse jobs release <job-id> --as alice
  segpulse jobs stats --project p1
  segpulse jobs active`,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs, newest first",
	RunE:  runJobsLs,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Cancel a job, a project's or batch's jobs, or everything active",
	Long: `Cancel jobs with the same rules the API applies.

  cancel <job-id> --as <user>         one job; owner or project editor
  cancel --project <id> --as <user>   the user's non-terminal jobs in a project
  cancel --batch <id> --as <user>     the user's non-terminal jobs in a batch
  cancel --all-mine --as <user>       every non-terminal job the user owns
  cancel --all                        every non-terminal job (operator stop)`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobsCancel,
}

var jobsReleaseCmd = &cobra.Command{
	Use:   "release <job-id>",
	Short: "Queue a pending job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRelease,
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-status job counts",
	RunE:  runJobsStats,
}

var jobsActiveCmd = &cobra.Command{
	Use:   "active",
	Short: "Show jobs currently processing",
	RunE:  runJobsActive,
}

var (
	jobsStatus  string
	jobsProject string
	jobsOwner   string
	jobsBatch   string
	jobsLimit   int

	cancelAs      string
	cancelReason  string
	cancelAll     bool
	cancelAllMine bool

	releaseAs string
)

func init() {
	jobsLsCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status (pending, queued, processing, completed, failed, cancelled)")
	jobsLsCmd.Flags().StringVar(&jobsProject, "project", "", "Filter by project")
	jobsLsCmd.Flags().StringVar(&jobsOwner, "owner", "", "Filter by owner")
	jobsLsCmd.Flags().StringVar(&jobsBatch, "batch", "", "Filter by batch")
	jobsLsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum number of jobs to display")

	jobsCancelCmd.Flags().StringVar(&cancelAs, "as", "", "User the cancellation is made on behalf of")
	jobsCancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled from CLI", "Reason recorded on the job")
	jobsCancelCmd.Flags().StringVar(&jobsProject, "project", "", "Cancel the user's jobs in this project")
	jobsCancelCmd.Flags().StringVar(&jobsBatch, "batch", "", "Cancel the user's jobs in this batch")
	jobsCancelCmd.Flags().BoolVar(&cancelAllMine, "all-mine", false, "Cancel every job the user owns")
	jobsCancelCmd.Flags().BoolVar(&cancelAll, "all", false, "Cancel every non-terminal job")
	jobsCancelCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation for --all")

	jobsReleaseCmd.Flags().StringVar(&releaseAs, "as", "", "User the release is made on behalf of")

	jobsStatsCmd.Flags().StringVar(&jobsProject, "project", "", "Limit to a project")
	jobsStatsCmd.Flags().StringVar(&jobsOwner, "owner", "", "Limit to an owner")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
	JobsCmd.AddCommand(jobsCancelCmd)
	JobsCmd.AddCommand(jobsReleaseCmd)
	JobsCmd.AddCommand(jobsStatsCmd)
	JobsCmd.AddCommand(jobsActiveCmd)
}

func openStore() (*am.Config, *sql.DB, *async.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	database, err := openDatabase(cfg, "")
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, database, async.NewStore(database), nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	if jobsStatus != "" && !async.IsValidStatus(jobsStatus) {
		return errors.Newf("unknown status %q", jobsStatus)
	}
	_, database, store, err := openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	jobs, err := store.ListJobs(cmd.Context(), async.JobFilter{
		Status:    async.JobStatus(jobsStatus),
		OwnerID:   jobsOwner,
		ProjectID: jobsProject,
		BatchID:   jobsBatch,
		Limit:     jobsLimit,
	})
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), jobs)
	}
	if len(jobs) == 0 {
		pterm.Info.Println("No jobs found")
		return nil
	}

	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			display.Truncate(job.ID, 12),
			string(job.Kind),
			statusCell(job.Status),
			job.OwnerID,
			job.ProjectID,
			job.BatchID,
			display.Timestamp(&job.CreatedAt),
		})
	}
	if err := display.Table(cmd.OutOrStdout(),
		[]string{"JOB ID", "KIND", "STATUS", "OWNER", "PROJECT", "BATCH", "CREATED"}, rows); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d job(s)\n", len(jobs))
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	_, database, store, err := openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	job, err := store.GetJob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), job)
	}

	data := pterm.TableData{
		{"ID", job.ID},
		{"Kind", string(job.Kind)},
		{"Status", statusCell(job.Status)},
		{"Previous", string(job.PreviousStatus)},
		{"Owner", job.OwnerID},
		{"Project", job.ProjectID},
		{"Batch", job.BatchID},
		{"Priority", fmt.Sprintf("%d", job.Priority)},
		{"Created", display.Timestamp(&job.CreatedAt)},
		{"Started", display.Timestamp(job.StartedAt)},
		{"Completed", display.Timestamp(job.CompletedAt)},
		{"Cancelled", display.Timestamp(job.CancelledAt)},
		{"Duration", job.Duration(time.Now()).Round(time.Millisecond).String()},
	}
	if job.ArtifactRef != "" {
		data = append(data, []string{"Artifact", job.ArtifactRef})
	}
	if job.ErrorInfo != "" {
		data = append(data, []string{"Error", job.ErrorInfo})
	}
	if job.CancelReason != "" {
		data = append(data, []string{"Reason", job.CancelReason})
	}
	return pterm.DefaultTable.WithWriter(cmd.OutOrStdout()).WithData(data).Render()
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	scopes := 0
	for _, set := range []bool{len(args) == 1, jobsProject != "", jobsBatch != "", cancelAllMine, cancelAll} {
		if set {
			scopes++
		}
	}
	if scopes != 1 {
		return errors.New("choose exactly one of <job-id>, --project, --batch, --all-mine or --all")
	}
	if !cancelAll && cancelAs == "" {
		return errors.New("--as <user> is required; cancellation is checked against that user's access")
	}

	cfg, database, store, err := openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	engine, shutdown, err := cliEngine(ctx, cfg, database, store)
	if err != nil {
		return err
	}
	defer shutdown()

	if len(args) == 1 {
		res, err := engine.CancelOne(ctx, args[0], cancelAs, cancelReason)
		if err != nil {
			return err
		}
		if display.ShouldOutputJSON(cmd) {
			return display.OutputJSON(cmd.OutOrStdout(), res)
		}
		if res.Cancelled {
			pterm.Success.Printf("Cancelled %s (was %s)\n", args[0], res.PreviousStatus)
		} else {
			pterm.Info.Printf("%s was already cancelled at %s\n", args[0], display.Timestamp(&res.CancelledAt))
		}
		return nil
	}

	var cancelled []async.CancelledJob
	switch {
	case jobsProject != "":
		cancelled, err = engine.CancelByScope(ctx, cancelAs, jobsProject, cancelReason)
	case jobsBatch != "":
		cancelled, err = engine.CancelByBatchScope(ctx, cancelAs, jobsBatch, cancelReason)
	case cancelAllMine:
		cancelled, err = engine.CancelAllForOwner(ctx, cancelAs, cancelReason)
	default:
		if !confirmCancelAll(cmd) {
			pterm.Warning.Println("Aborted")
			return nil
		}
		cancelled, err = engine.CancelAllActive(ctx, cancelReason)
	}
	if err != nil {
		return err
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), cancelled)
	}
	rows := make([][]string, 0, len(cancelled))
	for _, c := range cancelled {
		rows = append(rows, []string{display.Truncate(c.ID, 12), string(c.Kind), c.ProjectID, string(c.PreviousStatus)})
	}
	if len(rows) > 0 {
		if err := display.Table(cmd.OutOrStdout(), []string{"JOB ID", "KIND", "PROJECT", "WAS"}, rows); err != nil {
			return err
		}
	}
	pterm.Success.Printf("Cancelled %d job(s)\n", len(cancelled))
	return nil
}

func runJobsRelease(cmd *cobra.Command, args []string) error {
	if releaseAs == "" {
		return errors.New("--as <user> is required; release is checked against that user's access")
	}

	cfg, database, store, err := openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	engine, shutdown, err := cliEngine(ctx, cfg, database, store)
	if err != nil {
		return err
	}
	defer shutdown()

	res, err := engine.Release(ctx, args[0], releaseAs)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), res)
	}
	if res.Updated {
		pterm.Success.Printf("Queued %s\n", args[0])
	} else {
		pterm.Info.Printf("%s is already %s\n", args[0], res.PreviousStatus)
	}
	return nil
}

// confirmCancelAll asks before an operator-wide stop unless --yes was given
// or stdin is not a terminal
func confirmCancelAll(cmd *cobra.Command) bool {
	if yes, _ := cmd.Flags().GetBool("yes"); yes {
		return true
	}
	if fi, err := os.Stdin.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return true
	}
	ok, _ := pterm.DefaultInteractiveConfirm.
		WithDefaultText("Cancel every pending, queued and processing job?").
		Show()
	return ok
}

// cliEngine builds an engine whose events reach live subscribers through the
// relay and the AMQP exchange when those are configured. shutdown waits for
// cleanups and flushes the outbox.
func cliEngine(ctx context.Context, cfg *am.Config, database *sql.DB, store *async.Store) (*async.Engine, func(), error) {
	log := logger.Logger.Named("cli")

	artifacts, err := artifact.New(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, err
	}

	var sinks events.Fanout
	var closers []func()
	if addr := cfg.Relay.RedisAddr; addr != "" {
		client, err := server.NewRedisClient(ctx, addr)
		if err != nil {
			log.Warnw("Relay unavailable, live subscribers will not be notified", logger.FieldError, err)
		} else {
			node := "cli-" + uuid.NewString()[:8]
			sinks = append(sinks, server.NewRemotePublisher(client, cfg.Relay.Channel, node, log))
			closers = append(closers, func() { client.Close() })
		}
	}
	if url := cfg.Events.AMQPURL; url != "" {
		pub, err := events.DialAMQP(url, cfg.Events.Exchange)
		if err != nil {
			log.Warnw("Event export disabled", logger.FieldError, err)
		} else {
			sinks = append(sinks, pub)
			closers = append(closers, func() { pub.Close() })
		}
	}

	outbox := async.NewOutbox(sinks, async.NewStatsAggregator(store), log, cfg.Pulse.OutboxBuffer)
	outbox.Start(ctx)

	registry := async.NewHandlerRegistry()
	registry.Register(segmentation.NewHandler(segmentation.NewHTTPSegmenter(cfg.Segmentation), artifacts, log))
	registry.Register(export.NewHandler(cfg.Export, artifacts, log))

	engine := async.NewEngine(store, async.NewMemberAccess(database), outbox,
		async.WithCleaner(registry),
		async.WithLogger(log))

	shutdown := func() {
		engine.WaitCleanups()
		outbox.Close()
		for _, c := range closers {
			c()
		}
	}
	return engine, shutdown, nil
}

func runJobsStats(cmd *cobra.Command, args []string) error {
	_, database, store, err := openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := async.NewStatsAggregator(store).ComputeQueueStats(cmd.Context(), jobsProject, jobsOwner)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), stats)
	}
	return display.Table(cmd.OutOrStdout(),
		[]string{"PENDING", "QUEUED", "PROCESSING", "COMPLETED", "FAILED", "CANCELLED"},
		[][]string{{
			fmt.Sprintf("%d", stats.Pending),
			fmt.Sprintf("%d", stats.Queued),
			fmt.Sprintf("%d", stats.Processing),
			fmt.Sprintf("%d", stats.Completed),
			fmt.Sprintf("%d", stats.Failed),
			fmt.Sprintf("%d", stats.Cancelled),
		}})
}

func runJobsActive(cmd *cobra.Command, args []string) error {
	_, database, store, err := openStore()
	if err != nil {
		return err
	}
	defer database.Close()

	jobs, err := store.ListJobs(cmd.Context(), async.JobFilter{Status: async.JobStatusProcessing})
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), jobs)
	}
	if len(jobs) == 0 {
		pterm.Info.Println("Nothing is processing")
		return nil
	}

	now := time.Now()
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			display.Truncate(job.ID, 12),
			string(job.Kind),
			job.OwnerID,
			job.ProjectID,
			display.Timestamp(job.StartedAt),
			job.Duration(now).Round(time.Second).String(),
		})
	}
	return display.Table(cmd.OutOrStdout(), []string{"JOB ID", "KIND", "OWNER", "PROJECT", "STARTED", "RUNNING"}, rows)
}

func statusCell(status async.JobStatus) string {
	switch status {
	case async.JobStatusCompleted:
		return pterm.FgGreen.Sprint(status)
	case async.JobStatusFailed:
		return pterm.FgRed.Sprint(status)
	case async.JobStatusCancelled:
		return pterm.FgYellow.Sprint(status)
	case async.JobStatusProcessing:
		return pterm.FgCyan.Sprint(status)
	default:
		return string(status)
	}
}
