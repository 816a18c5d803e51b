package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	gosync "sync"

	"github.com/google/uuid"

	"weave.evalgo.org/common"
	"weave.evalgo.org/db"
	"weave.evalgo.org/destination"
	"weave.evalgo.org/entity"
	"weave.evalgo.org/source"
)

// StateStore is the slice of the database layer the orchestrator needs.
// *db.EntityStateStore satisfies it.
type StateStore interface {
	GetByEntityAndSync(ctx context.Context, syncID uuid.UUID, entityID string) (*db.EntityState, error)
	Create(ctx context.Context, state *db.EntityState) error
	UpdateHash(ctx context.Context, id uuid.UUID, hash string, syncJobID uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	BulkDeleteBySyncJob(ctx context.Context, syncID, syncJobID uuid.UUID, keep []string) ([]db.EntityState, error)
}

// FileStore stages file entity payloads in object storage so
// destinations carry the reference instead of the bytes.
// *storage.FileStore satisfies it.
type FileStore interface {
	Put(ctx context.Context, syncID, entityID string, body io.Reader) (string, error)
	Delete(ctx context.Context, key string) error
	Key(syncID, entityID string) string
}

// FileFetcher downloads a file entity's remote content to a local temp
// path. *storage.Downloader satisfies it.
type FileFetcher interface {
	Fetch(ctx context.Context, fe *entity.FileEntity) error
}

// Orchestrator executes one sync run: it streams entities from the
// source, fans them out to a bounded worker pool, and for each entity
// decides insert, update, keep or skip against the stored content hash.
// Destination writes always land before the state row that records
// them, so a crash re-syncs an entity instead of losing it.
//
// Per-entity errors are logged and counted; errors from the generator,
// the state store or the end-of-run prune abort the run.
type Orchestrator struct {
	sc     *SyncContext
	states StateStore

	mu       gosync.Mutex
	observed map[string]struct{}

	fatalOnce gosync.Once
	fatalErr  error
	abort     context.CancelFunc
}

func NewOrchestrator(sc *SyncContext, states StateStore) *Orchestrator {
	if sc.Log == nil {
		sc.Log = common.Component("orchestrator")
	}
	return &Orchestrator{
		sc:       sc,
		states:   states,
		observed: make(map[string]struct{}),
	}
}

// Run processes the source stream to completion. It returns nil when
// the stream drained and the stale-entity prune finished; the error
// otherwise. Cancellation of ctx surfaces as ctx.Err so the caller can
// tell cancelled and timed out apart from failed.
func (o *Orchestrator) Run(ctx context.Context) error {
	workers := o.sc.MaxWorkers
	if workers <= 0 {
		workers = DefaultMaxWorkers
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.abort = cancel

	stream := source.NewStream(runCtx, o.sc.Source, o.sc.StreamBuffer)
	defer stream.Close()

	sem := make(chan struct{}, workers)
	var wg gosync.WaitGroup

loop:
	for e := range stream.Entities() {
		select {
		case sem <- struct{}{}:
		case <-runCtx.Done():
			break loop
		}
		wg.Add(1)
		go func(e entity.Entity) {
			defer wg.Done()
			defer func() { <-sem }()
			o.process(runCtx, e)
		}(e)
	}
	wg.Wait()

	if o.fatalErr != nil {
		return o.fatalErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("entity generation failed: %w", err)
	}
	return o.prune(ctx)
}

// process runs the full pipeline for one entity. It never returns an
// error: per-entity problems end in the failed counter, systemic ones
// in fatal.
func (o *Orchestrator) process(ctx context.Context, e entity.Entity) {
	if ctx.Err() != nil {
		return
	}
	o.sc.Enrich(e)

	if del, ok := e.(*entity.DeletionEntity); ok {
		o.processDeletion(ctx, del)
		return
	}

	core := e.Core()
	o.observe(core.EntityID)

	hash, err := entity.Hash(e)
	if err != nil {
		o.entityFailed(core.EntityID, "failed to hash entity", err)
		return
	}

	state, err := o.states.GetByEntityAndSync(ctx, o.sc.Sync.ID, core.EntityID)
	if err != nil {
		o.fatal(fmt.Errorf("failed to load entity state: %w", err))
		return
	}
	if state != nil && state.Hash == hash {
		o.sc.Progress.AlreadySync(1)
		return
	}

	// Content is only fetched for entities that will actually be
	// written; unchanged files never hit their download URL.
	if err := o.download(ctx, e); err != nil {
		o.entityFailed(core.EntityID, "failed to download file content", err)
		return
	}
	if fe, ok := e.(*entity.FileEntity); ok && fe.LocalPath != "" {
		defer func(path string) {
			_ = os.Remove(path)
			fe.LocalPath = ""
		}(fe.LocalPath)
	}

	processed, routed, err := o.sc.Router.ProcessEntity(ctx, o.sc.SourceNodeID, e)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		o.entityFailed(core.EntityID, "failed to transform entity", err)
		return
	}
	if !routed {
		o.sc.Progress.Skipped(1)
		return
	}

	// The first processed entity is the original; it carries the
	// state row's identity. Derived entities get their own document
	// IDs and hang off the parent via ParentID.
	dbEntityID := uuid.New()
	if state != nil {
		dbEntityID = state.ID
	}
	for i, pe := range processed {
		pc := pe.Core()
		if i == 0 {
			pc.DBEntityID = dbEntityID
		} else if pc.DBEntityID == uuid.Nil {
			pc.DBEntityID = uuid.New()
		}
	}

	if err := o.stageFile(ctx, e); err != nil {
		o.entityFailed(core.EntityID, "failed to stage file payload", err)
		return
	}

	failed := false
	for _, dest := range o.sc.Destinations {
		if state != nil {
			if err := dest.Delete(ctx, dbEntityID); err != nil {
				o.destinationFailed(dest, core.EntityID, "failed to delete stale entity", err)
				failed = true
				continue
			}
			if err := dest.BulkDeleteByParentID(ctx, core.EntityID, o.sc.Sync.ID); err != nil {
				o.destinationFailed(dest, core.EntityID, "failed to delete stale derived entities", err)
				failed = true
				continue
			}
		}
		if err := dest.BulkInsert(ctx, processed); err != nil {
			o.destinationFailed(dest, core.EntityID, "failed to write entity", err)
			failed = true
			continue
		}
		if g, ok := dest.(destination.GraphDestination); ok {
			o.emitRelations(ctx, g, processed)
		}
	}
	if ctx.Err() != nil {
		return
	}
	if failed {
		o.sc.Progress.Failed(1)
		return
	}

	if state == nil {
		err = o.states.Create(ctx, &db.EntityState{
			ID:             dbEntityID,
			OrganizationID: o.sc.Sync.OrganizationID,
			SyncID:         o.sc.Sync.ID,
			EntityID:       core.EntityID,
			Hash:           hash,
			SyncJobID:      o.sc.Job.ID,
		})
		if err != nil {
			o.fatal(fmt.Errorf("failed to create entity state: %w", err))
			return
		}
		o.sc.Progress.Inserted(1)
		return
	}

	if err := o.states.UpdateHash(ctx, dbEntityID, hash, o.sc.Job.ID); err != nil {
		o.fatal(fmt.Errorf("failed to update entity state: %w", err))
		return
	}
	o.sc.Progress.Updated(1)
}

// processDeletion removes an entity the source reported gone. The state
// row goes last so a half-finished delete is retried next run.
func (o *Orchestrator) processDeletion(ctx context.Context, del *entity.DeletionEntity) {
	entityID := del.Core().EntityID

	state, err := o.states.GetByEntityAndSync(ctx, o.sc.Sync.ID, entityID)
	if err != nil {
		o.fatal(fmt.Errorf("failed to load entity state: %w", err))
		return
	}
	if state == nil {
		o.sc.Progress.Skipped(1)
		return
	}

	failed := false
	for _, dest := range o.sc.Destinations {
		if err := dest.Delete(ctx, state.ID); err != nil {
			o.destinationFailed(dest, entityID, "failed to delete entity", err)
			failed = true
		}
	}
	if ctx.Err() != nil {
		return
	}
	if failed {
		o.sc.Progress.Failed(1)
		return
	}
	o.deleteStaged(ctx, entityID)

	if err := o.states.Delete(ctx, state.ID); err != nil {
		o.fatal(fmt.Errorf("failed to delete entity state: %w", err))
		return
	}
	o.sc.Progress.Deleted(1)
}

// stageFile uploads a file entity's downloaded content and stamps the
// object key into the entity metadata, where document destinations pick
// it up. Non-file entities and runs without a file store pass through.
// Unchanged files never reach this point, so nothing is re-uploaded.
// download fetches a file entity's remote content so transformers and
// staging see the bytes. Non-file entities pass through.
func (o *Orchestrator) download(ctx context.Context, e entity.Entity) error {
	fe, ok := e.(*entity.FileEntity)
	if !ok || o.sc.Fetcher == nil {
		return nil
	}
	return o.sc.Fetcher.Fetch(ctx, fe)
}

func (o *Orchestrator) stageFile(ctx context.Context, e entity.Entity) error {
	fe, ok := e.(*entity.FileEntity)
	if !ok || o.sc.Files == nil || fe.LocalPath == "" {
		return nil
	}
	f, err := os.Open(fe.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to open downloaded content: %w", err)
	}
	defer f.Close()

	key, err := o.sc.Files.Put(ctx, o.sc.Sync.ID.String(), fe.Base.EntityID, f)
	if err != nil {
		return err
	}
	if fe.Base.Metadata == nil {
		fe.Base.Metadata = make(map[string]interface{}, 1)
	}
	fe.Base.Metadata["storage_key"] = key
	return nil
}

// deleteStaged drops the staged payload of a removed entity. Keys are
// deterministic and S3 deletes are idempotent, so this is safe for
// entities that never staged anything.
func (o *Orchestrator) deleteStaged(ctx context.Context, entityID string) {
	if o.sc.Files == nil {
		return
	}
	key := o.sc.Files.Key(o.sc.Sync.ID.String(), entityID)
	if err := o.sc.Files.Delete(ctx, key); err != nil {
		o.sc.Log.WithError(err).WithField("entity_id", entityID).Warn("failed to delete staged payload")
	}
}

// prune removes entities the source stopped reporting: every state row
// of this sync from an earlier job whose entity ID was not observed in
// this run, plus its documents in every destination.
func (o *Orchestrator) prune(ctx context.Context) error {
	o.mu.Lock()
	keep := make([]string, 0, len(o.observed))
	for id := range o.observed {
		keep = append(keep, id)
	}
	o.mu.Unlock()

	removed, err := o.states.BulkDeleteBySyncJob(ctx, o.sc.Sync.ID, o.sc.Job.ID, keep)
	if err != nil {
		return fmt.Errorf("failed to prune stale entity state: %w", err)
	}
	if len(removed) == 0 {
		return nil
	}

	for _, row := range removed {
		for _, dest := range o.sc.Destinations {
			if err := dest.Delete(ctx, row.ID); err != nil {
				o.sc.Log.WithError(err).
					WithField("entity_id", row.EntityID).
					WithField("destination", dest.ShortName()).
					Warn("failed to delete pruned entity from destination")
			}
		}
		o.deleteStaged(ctx, row.EntityID)
	}
	o.sc.Progress.Deleted(int64(len(removed)))
	o.sc.Log.WithField("count", len(removed)).Info("pruned entities no longer reported by source")
	return nil
}

// emitRelations materializes the connector's declared relations for a
// batch of written entities. Edge failures are logged, not counted
// against the entity: the documents already landed and the edges merge
// again on the next content change.
func (o *Orchestrator) emitRelations(ctx context.Context, g destination.GraphDestination, processed []entity.Entity) {
	rels := o.relationsFor(processed)
	if len(rels) == 0 {
		return
	}
	if err := g.BulkCreateRelationships(ctx, rels); err != nil {
		o.sc.Log.WithError(err).WithField("destination", g.ShortName()).Warn("failed to create relationships")
	}
}

func (o *Orchestrator) relationsFor(processed []entity.Entity) []destination.Relationship {
	decls := o.sc.Entry.Relations
	if len(decls) == 0 {
		return nil
	}
	var rels []destination.Relationship
	for _, e := range processed {
		for _, decl := range decls {
			if e.TypeName() != decl.SourceType {
				continue
			}
			raw, ok := e.Field(decl.SourceIDField)
			if !ok || raw == nil {
				continue
			}
			for _, target := range stringValues(raw) {
				if target == "" {
					continue
				}
				rels = append(rels, destination.Relationship{
					FromDBEntityID: e.Core().DBEntityID.String(),
					ToEntityID:     target,
					Type:           decl.Type,
					Props: map[string]interface{}{
						"sync_id":          o.sc.Sync.ID.String(),
						"source_type":      decl.SourceType,
						"target_type":      decl.TargetType,
						"source_entity_id": e.Core().EntityID,
						"target_entity_id": target,
					},
				})
			}
		}
	}
	return rels
}

// stringValues reads a relation source field as either a single ID or a
// list of IDs.
func stringValues(raw interface{}) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (o *Orchestrator) observe(entityID string) {
	o.mu.Lock()
	o.observed[entityID] = struct{}{}
	o.mu.Unlock()
}

func (o *Orchestrator) entityFailed(entityID, msg string, err error) {
	o.sc.Log.WithError(err).WithField("entity_id", entityID).Error(msg)
	o.sc.Progress.Failed(1)
}

func (o *Orchestrator) destinationFailed(dest destination.Destination, entityID, msg string, err error) {
	o.sc.Log.WithError(err).
		WithField("entity_id", entityID).
		WithField("destination", dest.ShortName()).
		Error(msg)
}

// fatal records the first run-aborting error and stops the stream. The
// error is read after the worker pool drains.
func (o *Orchestrator) fatal(err error) {
	o.fatalOnce.Do(func() {
		o.fatalErr = err
		if o.abort != nil {
			o.abort()
		}
	})
}
