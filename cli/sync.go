package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"weave.evalgo.org/common"
	"weave.evalgo.org/dag"
	"weave.evalgo.org/db"
	"weave.evalgo.org/sync"
)

func init() {
	RootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncRunCmd)
	syncCmd.AddCommand(syncCancelCmd)
	syncCmd.AddCommand(syncStatusCmd)
	syncRunCmd.Flags().Duration("timeout", 0, "job deadline (overrides engine.job_timeout)")
	syncRunCmd.Flags().String("dag", "", "YAML sync graph file (default: source feeds every destination)")
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "run and inspect syncs",
}

var syncRunCmd = &cobra.Command{
	Use:   "run <sync-id>",
	Short: "execute one sync in the foreground",
	Long: `Runs the sync to completion, streaming progress to the log. Interrupt
to cancel; the job finalizes as cancelled before the command exits.

Exit status: 0 completed, 1 validation failure, 2 operational failure,
3 cancelled, 4 timed out.`,
	Args: cobra.ExactArgs(1),
	RunE: runSyncRun,
}

var syncCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "request cancellation of a job",
	Long: `Marks a pending job cancelled. A job running in another process must
be cancelled through that process's API.`,
	Args: cobra.ExactArgs(1),
	RunE: runSyncCancel,
}

var syncStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "print a job's state as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSyncStatus,
}

func runSyncRun(cmd *cobra.Command, args []string) error {
	syncID, err := uuid.Parse(args[0])
	if err != nil {
		return &sync.ValidationError{Reason: fmt.Sprintf("invalid sync id %q", args[0])}
	}
	graph, err := loadGraphFlag(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svcs, err := openServices(cfg)
	if err != nil {
		return err
	}
	defer svcs.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := common.Component("cli").WithField("sync_id", syncID)
	timeout, _ := cmd.Flags().GetDuration("timeout")

	// OnStart runs before Run returns, so started needs no lock.
	started := false
	printed := make(chan struct{})
	job, err := svcs.sync.Run(ctx, syncID, sync.RunOptions{
		Graph:   graph,
		Timeout: timeout,
		OnStart: func(job db.SyncJob) {
			started = true
			log.WithField("job_id", job.ID).Info("job started")
			sub := svcs.sync.PubSub().Subscribe(job.ID)
			go func() {
				defer close(printed)
				printProgress(log, sub.C)
			}()
		},
	})
	if started {
		// The event channel closes when the job finalizes; let the
		// printer drain it so the terminal line is not lost.
		<-printed
	}
	if err != nil {
		return err
	}
	log.WithField("job_id", job.ID).Debug("run finished")
	return nil
}

// loadGraphFlag reads the --dag flag into a sync graph. Nil means the
// run uses the default source-to-destinations wiring.
func loadGraphFlag(cmd *cobra.Command) (*dag.Graph, error) {
	path, _ := cmd.Flags().GetString("dag")
	if path == "" {
		return nil, nil
	}
	graph, err := dag.LoadFile(path)
	if err != nil {
		return nil, &sync.ValidationError{Reason: fmt.Sprintf("invalid sync graph %s", path), Err: err}
	}
	return graph, nil
}

// printProgress renders a job's event stream, sampling the per-entity
// counter events down to one totals line per tick.
func printProgress(log *logrus.Entry, events <-chan sync.Event) {
	tick := time.NewTicker(2 * time.Second)
	defer tick.Stop()

	var totals sync.Totals
	dirty := false
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case sync.EventCompleted:
				log.WithField("totals", ev.Totals).Info("job completed")
			case sync.EventFailedJob:
				log.WithField("error", ev.Error).WithField("totals", ev.Totals).Error("job failed")
			case sync.EventACLDone:
				log.WithField("detail", ev.Detail).Info("access control reconciled")
			default:
				totals, dirty = ev.Totals, true
			}
		case <-tick.C:
			if dirty {
				log.WithField("totals", totals).Info("progress")
				dirty = false
			}
		}
	}
}

func runSyncCancel(cmd *cobra.Command, args []string) error {
	jobID, err := uuid.Parse(args[0])
	if err != nil {
		return &sync.ValidationError{Reason: fmt.Sprintf("invalid job id %q", args[0])}
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svcs, err := openServices(cfg)
	if err != nil {
		return err
	}
	defer svcs.Close()

	if err := svcs.sync.Cancel(cmd.Context(), jobID); err != nil {
		return err
	}
	common.Component("cli").WithField("job_id", jobID).Info("cancellation requested")
	return nil
}

// jobStatus is the status command's output shape. Live in-memory
// counters belong to the process hosting the run; a one-shot command
// only sees what the job row persisted.
type jobStatus struct {
	JobID       uuid.UUID    `json:"job_id"`
	SyncID      uuid.UUID    `json:"sync_id"`
	Status      db.JobStatus `json:"status"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Error       string       `json:"error,omitempty"`
	Counters    sync.Totals  `json:"counters"`
	CreatedAt   time.Time    `json:"created_at"`
}

func runSyncStatus(cmd *cobra.Command, args []string) error {
	jobID, err := uuid.Parse(args[0])
	if err != nil {
		return &sync.ValidationError{Reason: fmt.Sprintf("invalid job id %q", args[0])}
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svcs, err := openServices(cfg)
	if err != nil {
		return err
	}
	defer svcs.Close()

	job, _, err := svcs.sync.Status(cmd.Context(), jobID)
	if err != nil {
		return err
	}

	out := jobStatus{
		JobID:       job.ID,
		SyncID:      job.SyncID,
		Status:      job.Status,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Error:       job.Error,
		Counters: sync.Totals{
			Inserted:    job.Inserted,
			Updated:     job.Updated,
			AlreadySync: job.AlreadySync,
			Skipped:     job.Skipped,
			Failed:      job.Failed,
			Deleted:     job.Deleted,
		},
		CreatedAt: job.CreatedAt,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
