package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"weave.evalgo.org/db"
	"weave.evalgo.org/destination"
	"weave.evalgo.org/queue"
	"weave.evalgo.org/sync"
)

// searchLimitCap bounds the per-request result count.
const searchLimitCap = 100

// Runner is the slice of the sync service the API drives.
type Runner interface {
	Run(ctx context.Context, syncID uuid.UUID, opts sync.RunOptions) (*db.SyncJob, error)
	Cancel(ctx context.Context, jobID uuid.UUID) error
	Status(ctx context.Context, jobID uuid.UUID) (*db.SyncJob, *sync.RunState, error)
	Search(ctx context.Context, syncID uuid.UUID, searchType destination.SearchType, query string, limit int) ([]destination.SearchResult, error)
	Tracker() *sync.Tracker
	PubSub() *sync.PubSub
}

// SyncGetter loads sync rows for pre-run existence and ownership
// checks.
type SyncGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*db.Sync, error)
}

// RunPublisher hands run requests to the worker queue.
type RunPublisher interface {
	PublishRunRequest(req queue.RunRequest) error
}

// JobResponse is the wire shape of a job. Live is only present while
// this process hosts the run.
type JobResponse struct {
	JobID       uuid.UUID      `json:"job_id"`
	SyncID      uuid.UUID      `json:"sync_id"`
	Status      db.JobStatus   `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Counters    sync.Totals    `json:"counters"`
	Live        *sync.RunState `json:"live,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func jobResponse(job *db.SyncJob, live *sync.RunState) *JobResponse {
	return &JobResponse{
		JobID:       job.ID,
		SyncID:      job.SyncID,
		Status:      job.Status,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Error:       job.Error,
		Counters:    jobTotals(job),
		Live:        live,
		CreatedAt:   job.CreatedAt,
	}
}

func jobTotals(job *db.SyncJob) sync.Totals {
	return sync.Totals{
		Inserted:    job.Inserted,
		Updated:     job.Updated,
		AlreadySync: job.AlreadySync,
		Skipped:     job.Skipped,
		Failed:      job.Failed,
		Deleted:     job.Deleted,
	}
}

// RunResponse answers a run trigger. Queued runs carry no job yet: the
// job row is created by whichever worker picks the request up.
type RunResponse struct {
	SyncID uuid.UUID    `json:"sync_id"`
	Queued bool         `json:"queued,omitempty"`
	Job    *JobResponse `json:"job,omitempty"`
}

// RunSync triggers a run of the sync. With a queue attached the request
// is enqueued for a worker; otherwise the run starts in this process
// and the response returns as soon as the job is running.
func (h *Handlers) RunSync(c echo.Context) error {
	syncID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid sync id")
	}
	if err := h.authorizeSync(c, syncID); err != nil {
		return err
	}

	if h.Queue != nil {
		if err := h.Queue.PublishRunRequest(queue.RunRequest{SyncID: syncID}); err != nil {
			return fmt.Errorf("failed to queue run request: %w", err)
		}
		return c.JSON(http.StatusAccepted, RunResponse{SyncID: syncID, Queued: true})
	}

	started := make(chan db.SyncJob, 1)
	finished := make(chan runOutcome, 1)
	go func() {
		// Detached from the request context: the run outlives the
		// trigger call and is stopped through the cancel endpoint.
		job, err := h.Sync.Run(context.Background(), syncID, sync.RunOptions{
			OnStart: func(job db.SyncJob) { started <- job },
		})
		finished <- runOutcome{job: job, err: err}
	}()

	select {
	case job := <-started:
		return c.JSON(http.StatusAccepted, RunResponse{SyncID: syncID, Job: jobResponse(&job, nil)})
	case out := <-finished:
		if out.err != nil {
			var verr *sync.ValidationError
			if errors.As(out.err, &verr) {
				return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
			}
			return out.err
		}
		return c.JSON(http.StatusOK, RunResponse{SyncID: syncID, Job: jobResponse(out.job, nil)})
	}
}

type runOutcome struct {
	job *db.SyncJob
	err error
}

// GetJob returns the persisted job row plus live counters when the run
// is hosted here.
func (h *Handlers) GetJob(c echo.Context) error {
	job, live, err := h.loadJob(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, jobResponse(job, live))
}

// CancelJob asks a running or pending job to stop. Cancellation is
// asynchronous: poll the job until it reaches a terminal state.
func (h *Handlers) CancelJob(c echo.Context) error {
	job, _, err := h.loadJob(c)
	if err != nil {
		return err
	}
	if err := h.Sync.Cancel(c.Request().Context(), job.ID); err != nil {
		var verr *sync.ValidationError
		if errors.As(err, &verr) {
			return echo.NewHTTPError(http.StatusConflict, verr.Error())
		}
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// SearchResponse carries search hits across the sync's destinations.
type SearchResponse struct {
	Results []destination.SearchResult `json:"results"`
	Count   int                        `json:"count"`
}

// SearchSync queries the destinations of a sync. Query parameters: q
// (required), type (vector, graph or hybrid; default vector), limit.
func (h *Handlers) SearchSync(c echo.Context) error {
	syncID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid sync id")
	}
	if err := h.authorizeSync(c, syncID); err != nil {
		return err
	}

	query := c.QueryParam("q")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	searchType, err := destination.ParseSearchType(c.QueryParam("type"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		if n > searchLimitCap {
			n = searchLimitCap
		}
		limit = n
	}

	results, err := h.Sync.Search(c.Request().Context(), syncID, searchType, query, limit)
	if err != nil {
		var verr *sync.ValidationError
		if errors.As(err, &verr) {
			return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
		}
		return err
	}
	if results == nil {
		results = []destination.SearchResult{}
	}
	return c.JSON(http.StatusOK, SearchResponse{Results: results, Count: len(results)})
}

// StreamJobEvents streams the job's progress events as server-sent
// events, one JSON object per event. The stream ends when the job
// finishes or the client disconnects; a subscriber that arrives after
// the job finished gets a single terminal snapshot.
func (h *Handlers) StreamJobEvents(c echo.Context) error {
	job, live, err := h.loadJob(c)
	if err != nil {
		return err
	}

	terminal := job.Status.Terminal()
	if live != nil && live.Status.Terminal() {
		terminal = true
	}

	var events <-chan sync.Event
	var stop func()
	if !terminal {
		events, stop, err = h.subscribe(c.Request().Context(), job.ID)
		if err != nil {
			return err
		}
		defer stop()
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)

	if terminal {
		writeEvent(res, terminalEvent(job))
		return nil
	}

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(res, ev); err != nil {
				return nil
			}
			// The terminal event ends the stream; remote followers
			// never observe the registry closing.
			if ev.Type == sync.EventCompleted || ev.Type == sync.EventFailedJob {
				return nil
			}
		}
	}
}

// subscribe picks the event source for a live job: the local registry
// when this process hosts the run, the Redis bridge when it runs
// elsewhere. Without a bridge the local registry is watched anyway so a
// pending job that starts here still streams.
func (h *Handlers) subscribe(ctx context.Context, jobID uuid.UUID) (<-chan sync.Event, func(), error) {
	if _, ok := h.Sync.Tracker().Get(jobID); ok {
		sub := h.Sync.PubSub().Subscribe(jobID)
		return sub.C, sub.Unsubscribe, nil
	}
	events, stop, err := h.Sync.PubSub().SubscribeRemote(ctx, jobID)
	if err == nil {
		return events, stop, nil
	}
	sub := h.Sync.PubSub().Subscribe(jobID)
	return sub.C, sub.Unsubscribe, nil
}

func writeEvent(res *echo.Response, ev sync.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
		return err
	}
	res.Flush()
	return nil
}

// terminalEvent reconstructs the final progress event from the job row
// for subscribers that arrive after the run finished.
func terminalEvent(job *db.SyncJob) sync.Event {
	typ := sync.EventFailedJob
	if job.Status == db.JobCompleted {
		typ = sync.EventCompleted
	}
	ev := sync.Event{
		JobID:  job.ID,
		Type:   typ,
		Totals: jobTotals(job),
		Error:  job.Error,
		TS:     time.Now().UTC(),
	}
	if job.CompletedAt != nil {
		ev.TS = *job.CompletedAt
	}
	return ev
}

// loadJob parses the :id parameter, loads the job and checks the caller
// may see it. Missing and foreign jobs both read as 404.
func (h *Handlers) loadJob(c echo.Context) (*db.SyncJob, *sync.RunState, error) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, nil, echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	job, live, err := h.Sync.Status(c.Request().Context(), jobID)
	if err != nil {
		var verr *sync.ValidationError
		if errors.As(err, &verr) {
			return nil, nil, echo.NewHTTPError(http.StatusNotFound, "job not found")
		}
		return nil, nil, err
	}
	if !h.principal(c).CanAccess(job.OrganizationID) {
		return nil, nil, echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	return job, live, nil
}

// authorizeSync checks the sync exists and belongs to the caller.
// Missing and foreign syncs both read as 404.
func (h *Handlers) authorizeSync(c echo.Context, syncID uuid.UUID) error {
	sn, err := h.Syncs.Get(c.Request().Context(), syncID)
	if err != nil {
		return fmt.Errorf("failed to load sync: %w", err)
	}
	if sn == nil || !h.principal(c).CanAccess(sn.OrganizationID) {
		return echo.NewHTTPError(http.StatusNotFound, "sync not found")
	}
	return nil
}
