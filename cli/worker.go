package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"weave.evalgo.org/common"
	"weave.evalgo.org/db"
	"weave.evalgo.org/queue"
	"weave.evalgo.org/sync"
)

func init() {
	RootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "consume queued run requests",
	Long: `Consumes run requests from the request queue and executes them one at
a time, publishing job lifecycle events to the event queue. Scale out
by starting more workers; the broker distributes requests between
them.

Interrupting the worker cancels the run in flight, records the job as
cancelled and leaves unconsumed requests on the queue.`,
	Run: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) {
	log := common.Component("cli")

	cfg, err := loadConfig()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if cfg.Queue.URL == "" {
		log.Fatal("queue.url is required to run a worker")
	}

	svcs, err := openServices(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize services")
	}
	defer svcs.Close()

	q, err := queue.New(cfg.Queue)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to queue")
	}
	defer q.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("queue", cfg.Queue.RequestQueue).Info("worker consuming run requests")
	if err := q.ConsumeRunRequests(ctx, runRequestHandler(svcs.sync, q)); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("consumer stopped")
	}
	log.Info("worker stopped")
}

type syncRunner interface {
	Run(ctx context.Context, syncID uuid.UUID, opts sync.RunOptions) (*db.SyncJob, error)
}

type eventPublisher interface {
	PublishJobEvent(ev queue.JobEvent) error
}

// runRequestHandler executes one queued run. Outcomes that are recorded
// in the job row absorb the delivery; only failures that left nothing
// behind requeue it.
func runRequestHandler(svc syncRunner, events eventPublisher) queue.Handler {
	log := common.Component("worker")
	return func(ctx context.Context, req queue.RunRequest) error {
		log := log.WithField("sync_id", req.SyncID)
		log.Info("starting queued run")

		job, err := svc.Run(ctx, req.SyncID, sync.RunOptions{
			OnStart: func(j db.SyncJob) {
				if perr := events.PublishJobEvent(queue.EventFromJob(&j)); perr != nil {
					log.WithError(perr).Warn("failed to publish job started event")
				}
			},
		})
		if job != nil {
			if perr := events.PublishJobEvent(queue.EventFromJob(job)); perr != nil {
				log.WithError(perr).Warn("failed to publish job finished event")
			}
			log = log.WithField("job_id", job.ID)
		}
		if err == nil {
			return nil
		}

		var verr *sync.ValidationError
		switch {
		case errors.As(err, &verr):
			// Retrying cannot fix a misconfigured sync.
			log.WithError(err).Warn("dropping run request that cannot succeed")
			return nil
		case errors.Is(err, sync.ErrJobCancelled), errors.Is(err, sync.ErrJobTimedOut):
			log.WithError(err).Warn("queued run did not complete")
			return nil
		case job == nil:
			// No job row exists, so nothing records this attempt.
			return err
		default:
			log.WithError(err).Error("queued run failed")
			return nil
		}
	}
}
