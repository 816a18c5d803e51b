package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"weave.evalgo.org/dag"
	"weave.evalgo.org/db"
	"weave.evalgo.org/destination"
	"weave.evalgo.org/entity"
	"weave.evalgo.org/registry"
	"weave.evalgo.org/source"
)

// fakeSource emits a fixed list and then ends with a fixed error.
type fakeSource struct {
	entities []entity.Entity
	finalErr error
}

func (f *fakeSource) ShortName() string                  { return "fake" }
func (f *fakeSource) Validate(ctx context.Context) error { return nil }

func (f *fakeSource) GenerateEntities(ctx context.Context, emit func(entity.Entity) error) error {
	for _, e := range f.entities {
		if err := emit(e); err != nil {
			return err
		}
	}
	return f.finalErr
}

// fakeStateStore is an in-memory StateStore keyed by entity id.
type fakeStateStore struct {
	mu   gosync.Mutex
	rows map[string]*db.EntityState

	getErr    error
	createErr error
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{rows: make(map[string]*db.EntityState)}
}

func (s *fakeStateStore) seed(syncID uuid.UUID, entityID, hash string, jobID uuid.UUID) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New()
	s.rows[entityID] = &db.EntityState{
		ID:        id,
		SyncID:    syncID,
		EntityID:  entityID,
		Hash:      hash,
		SyncJobID: jobID,
	}
	return id
}

func (s *fakeStateStore) row(entityID string) *db.EntityState {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[entityID]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

func (s *fakeStateStore) GetByEntityAndSync(ctx context.Context, syncID uuid.UUID, entityID string) (*db.EntityState, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[entityID]
	if !ok || r.SyncID != syncID {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStateStore) Create(ctx context.Context, state *db.EntityState) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *state
	cp.ModifiedAt = time.Now().UTC()
	s.rows[state.EntityID] = &cp
	return nil
}

func (s *fakeStateStore) UpdateHash(ctx context.Context, id uuid.UUID, hash string, syncJobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ID == id {
			r.Hash = hash
			r.SyncJobID = syncJobID
			r.ModifiedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("no state row %s", id)
}

func (s *fakeStateStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for eid, r := range s.rows {
		if r.ID == id {
			delete(s.rows, eid)
			return nil
		}
	}
	return nil
}

func (s *fakeStateStore) BulkDeleteBySyncJob(ctx context.Context, syncID, syncJobID uuid.UUID, keep []string) ([]db.EntityState, error) {
	keepSet := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []db.EntityState
	for eid, r := range s.rows {
		if r.SyncID != syncID || r.SyncJobID == syncJobID {
			continue
		}
		if _, ok := keepSet[eid]; ok {
			continue
		}
		removed = append(removed, *r)
		delete(s.rows, eid)
	}
	return removed, nil
}

// fakeDest records every write it receives.
type fakeDest struct {
	mu            gosync.Mutex
	name          string
	kind          destination.Kind
	batches       [][]entity.Entity
	deletes       []uuid.UUID
	parentDeletes []string
	insertErr     error
	deleteErr     error
}

func (d *fakeDest) ShortName() string {
	if d.name == "" {
		return "fakedest"
	}
	return d.name
}

func (d *fakeDest) Type() destination.Kind {
	if d.kind == "" {
		return destination.KindVector
	}
	return d.kind
}

func (d *fakeDest) SetupCollection(ctx context.Context, syncID uuid.UUID) error { return nil }

func (d *fakeDest) BulkInsert(ctx context.Context, entities []entity.Entity) error {
	if d.insertErr != nil {
		return d.insertErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	batch := make([]entity.Entity, len(entities))
	copy(batch, entities)
	d.batches = append(d.batches, batch)
	return nil
}

func (d *fakeDest) Delete(ctx context.Context, dbEntityID uuid.UUID) error {
	if d.deleteErr != nil {
		return d.deleteErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deletes = append(d.deletes, dbEntityID)
	return nil
}

func (d *fakeDest) BulkDeleteByParentID(ctx context.Context, parentID string, syncID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parentDeletes = append(d.parentDeletes, parentID)
	return nil
}

func (d *fakeDest) SearchForSyncID(ctx context.Context, query string, syncID uuid.UUID, limit int) ([]destination.SearchResult, error) {
	return nil, nil
}

func (d *fakeDest) Close() error { return nil }

func (d *fakeDest) allInserted() []entity.Entity {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []entity.Entity
	for _, b := range d.batches {
		out = append(out, b...)
	}
	return out
}

func (d *fakeDest) insertedByID(entityID string) entity.Entity {
	for _, e := range d.allInserted() {
		if e.Core().EntityID == entityID {
			return e
		}
	}
	return nil
}

func (d *fakeDest) deletedIDs() []uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uuid.UUID, len(d.deletes))
	copy(out, d.deletes)
	return out
}

// fakeGraphDest additionally records relationship writes.
type fakeGraphDest struct {
	fakeDest
	rels []destination.Relationship
}

func (d *fakeGraphDest) CreateNode(ctx context.Context, props map[string]interface{}, label string) error {
	return nil
}

func (d *fakeGraphDest) BulkCreateNodes(ctx context.Context, nodes []destination.Node) error {
	return nil
}

func (d *fakeGraphDest) CreateRelationship(ctx context.Context, fromDBEntityID, toEntityID, relType string, props map[string]interface{}) error {
	return d.BulkCreateRelationships(ctx, []destination.Relationship{{
		FromDBEntityID: fromDBEntityID,
		ToEntityID:     toEntityID,
		Type:           relType,
		Props:          props,
	}})
}

func (d *fakeGraphDest) BulkCreateRelationships(ctx context.Context, rels []destination.Relationship) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rels = append(d.rels, rels...)
	return nil
}

func (d *fakeGraphDest) relationships() []destination.Relationship {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]destination.Relationship, len(d.rels))
	copy(out, d.rels)
	return out
}

// capturedEvents collects everything a Progress publishes.
type capturedEvents struct {
	mu     gosync.Mutex
	events []Event
}

func (c *capturedEvents) Publish(jobID uuid.UUID, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *capturedEvents) byType(typ EventType) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// runHarness wires an orchestrator over fakes.
type runHarness struct {
	orch   *Orchestrator
	sc     *SyncContext
	store  *fakeStateStore
	pub    *capturedEvents
	syncID uuid.UUID
	jobID  uuid.UUID
}

func newHarness(t *testing.T, src source.Source, dests []destination.Destination, relations []registry.Relation) *runHarness {
	t.Helper()

	names := make([]string, 0, len(dests))
	for _, d := range dests {
		names = append(names, d.ShortName())
	}
	graph := dag.Default("fake", names)
	router, err := dag.NewRouter(graph)
	require.NoError(t, err)

	syncID := uuid.New()
	jobID := uuid.New()
	pub := &capturedEvents{}
	sc := &SyncContext{
		Sync:         &db.Sync{ID: syncID, OrganizationID: uuid.New()},
		Job:          &db.SyncJob{ID: jobID, SyncID: syncID},
		Entry:        registry.Entry{ShortName: "fake", Kind: registry.KindSource, Relations: relations},
		Source:       src,
		Destinations: dests,
		Router:       router,
		SourceNodeID: graph.Source().ID,
		Progress:     NewProgress(jobID, pub),
		Cursor:       &Cursor{},
		MaxWorkers:   4,
		StreamBuffer: 8,
	}
	store := newFakeStateStore()
	return &runHarness{
		orch:   NewOrchestrator(sc, store),
		sc:     sc,
		store:  store,
		pub:    pub,
		syncID: syncID,
		jobID:  jobID,
	}
}

func chunk(id, content string) *entity.ChunkEntity {
	return &entity.ChunkEntity{
		Base:    entity.Core{EntityID: id},
		Title:   id,
		Content: content,
	}
}

func chunkHash(t *testing.T, id, content string) string {
	t.Helper()
	h, err := entity.Hash(chunk(id, content))
	require.NoError(t, err)
	return h
}

func TestOrchestrator_InsertsNewEntities(t *testing.T) {
	dest := &fakeDest{}
	src := &fakeSource{entities: []entity.Entity{
		chunk("a", "alpha"), chunk("b", "beta"), chunk("c", "gamma"),
	}}
	h := newHarness(t, src, []destination.Destination{dest}, nil)

	require.NoError(t, h.orch.Run(context.Background()))

	totals := h.sc.Progress.Totals()
	assert.Equal(t, int64(3), totals.Inserted)
	assert.Zero(t, totals.Updated)
	assert.Zero(t, totals.Failed)

	row := h.store.row("a")
	require.NotNil(t, row)
	assert.Equal(t, h.syncID, row.SyncID)
	assert.Equal(t, h.jobID, row.SyncJobID)
	assert.Equal(t, chunkHash(t, "a", "alpha"), row.Hash)

	written := dest.insertedByID("a")
	require.NotNil(t, written)
	core := written.Core()
	assert.Equal(t, "fake", core.SourceName)
	assert.Equal(t, h.syncID, core.SyncID)
	assert.Equal(t, h.jobID, core.SyncJobID)
	assert.Equal(t, row.ID, core.DBEntityID, "state row and document share the id")

	inserted := h.pub.byType(EventInserted)
	require.NotEmpty(t, inserted)
	assert.Equal(t, int64(1), inserted[0].Delta)
}

func TestOrchestrator_KeepsUnchangedEntities(t *testing.T) {
	dest := &fakeDest{}
	src := &fakeSource{entities: []entity.Entity{chunk("a", "same")}}
	h := newHarness(t, src, []destination.Destination{dest}, nil)

	oldJob := uuid.New()
	h.store.seed(h.syncID, "a", chunkHash(t, "a", "same"), oldJob)

	require.NoError(t, h.orch.Run(context.Background()))

	totals := h.sc.Progress.Totals()
	assert.Equal(t, int64(1), totals.AlreadySync)
	assert.Zero(t, totals.Inserted)
	assert.Empty(t, dest.allInserted())

	row := h.store.row("a")
	require.NotNil(t, row, "observed entity survives the prune")
	assert.Equal(t, oldJob, row.SyncJobID, "keep does not touch the state row")
}

func TestOrchestrator_UpdatesChangedEntities(t *testing.T) {
	dest := &fakeDest{}
	src := &fakeSource{entities: []entity.Entity{chunk("a", "fresh")}}
	h := newHarness(t, src, []destination.Destination{dest}, nil)

	oldJob := uuid.New()
	oldID := h.store.seed(h.syncID, "a", "stale-hash", oldJob)

	require.NoError(t, h.orch.Run(context.Background()))

	totals := h.sc.Progress.Totals()
	assert.Equal(t, int64(1), totals.Updated)
	assert.Zero(t, totals.Inserted)

	assert.Contains(t, dest.deletedIDs(), oldID, "old document removed before rewrite")
	assert.Contains(t, dest.parentDeletes, "a", "stale derived entities removed")

	written := dest.insertedByID("a")
	require.NotNil(t, written)
	assert.Equal(t, oldID, written.Core().DBEntityID, "update reuses the stored id")

	row := h.store.row("a")
	require.NotNil(t, row)
	assert.Equal(t, chunkHash(t, "a", "fresh"), row.Hash)
	assert.Equal(t, h.jobID, row.SyncJobID)
}

func TestOrchestrator_SkipsEntitiesWithoutRoute(t *testing.T) {
	src := &fakeSource{entities: []entity.Entity{chunk("a", "alpha")}}
	h := newHarness(t, src, nil, nil)

	require.NoError(t, h.orch.Run(context.Background()))

	totals := h.sc.Progress.Totals()
	assert.Equal(t, int64(1), totals.Skipped)
	assert.Nil(t, h.store.row("a"), "skipped entities get no state row")
}

func TestOrchestrator_FailedWriteLeavesStateUntouched(t *testing.T) {
	broken := &fakeDest{name: "broken", insertErr: errors.New("write refused")}
	healthy := &fakeDest{name: "healthy"}
	src := &fakeSource{entities: []entity.Entity{chunk("a", "alpha")}}
	h := newHarness(t, src, []destination.Destination{broken, healthy}, nil)

	require.NoError(t, h.orch.Run(context.Background()))

	totals := h.sc.Progress.Totals()
	assert.Equal(t, int64(1), totals.Failed)
	assert.Zero(t, totals.Inserted)

	assert.Nil(t, h.store.row("a"), "no state row for a failed entity")
	assert.Len(t, healthy.allInserted(), 1, "remaining destinations are still attempted")
}

func TestOrchestrator_FailedUpdateKeepsOldRow(t *testing.T) {
	dest := &fakeDest{insertErr: errors.New("write refused")}
	src := &fakeSource{entities: []entity.Entity{chunk("a", "fresh")}}
	h := newHarness(t, src, []destination.Destination{dest}, nil)

	oldJob := uuid.New()
	h.store.seed(h.syncID, "a", "stale-hash", oldJob)

	require.NoError(t, h.orch.Run(context.Background()))

	totals := h.sc.Progress.Totals()
	assert.Equal(t, int64(1), totals.Failed)

	row := h.store.row("a")
	require.NotNil(t, row, "failed entity keeps its row so the next run retries")
	assert.Equal(t, "stale-hash", row.Hash)
	assert.Equal(t, oldJob, row.SyncJobID)
}

func TestOrchestrator_DeletionEntityRemovesEverywhere(t *testing.T) {
	dest := &fakeDest{}
	del, err := entity.NewDeletionEntity("gone", []entity.Breadcrumb{}, entity.DeletionRemoved)
	require.NoError(t, err)
	src := &fakeSource{entities: []entity.Entity{del}}
	h := newHarness(t, src, []destination.Destination{dest}, nil)

	rowID := h.store.seed(h.syncID, "gone", "whatever", uuid.New())

	require.NoError(t, h.orch.Run(context.Background()))

	totals := h.sc.Progress.Totals()
	assert.Equal(t, int64(1), totals.Deleted)
	assert.Contains(t, dest.deletedIDs(), rowID)
	assert.Nil(t, h.store.row("gone"))
}

func TestOrchestrator_DeletionOfUnknownEntitySkipped(t *testing.T) {
	dest := &fakeDest{}
	del, err := entity.NewDeletionEntity("never-seen", []entity.Breadcrumb{}, entity.DeletionArchived)
	require.NoError(t, err)
	h := newHarness(t, &fakeSource{entities: []entity.Entity{del}}, []destination.Destination{dest}, nil)

	require.NoError(t, h.orch.Run(context.Background()))

	totals := h.sc.Progress.Totals()
	assert.Equal(t, int64(1), totals.Skipped)
	assert.Empty(t, dest.deletedIDs())
}

func TestOrchestrator_PrunesEntitiesMissingFromSource(t *testing.T) {
	dest := &fakeDest{}
	src := &fakeSource{entities: []entity.Entity{
		chunk("kept", "same"), chunk("new", "hello"),
	}}
	h := newHarness(t, src, []destination.Destination{dest}, nil)

	oldJob := uuid.New()
	h.store.seed(h.syncID, "kept", chunkHash(t, "kept", "same"), oldJob)
	stale1 := h.store.seed(h.syncID, "stale-1", "h1", oldJob)
	stale2 := h.store.seed(h.syncID, "stale-2", "h2", oldJob)

	require.NoError(t, h.orch.Run(context.Background()))

	totals := h.sc.Progress.Totals()
	assert.Equal(t, int64(1), totals.AlreadySync)
	assert.Equal(t, int64(1), totals.Inserted)
	assert.Equal(t, int64(2), totals.Deleted)

	assert.Nil(t, h.store.row("stale-1"))
	assert.Nil(t, h.store.row("stale-2"))
	assert.NotNil(t, h.store.row("kept"))
	assert.NotNil(t, h.store.row("new"))

	deleted := dest.deletedIDs()
	assert.Contains(t, deleted, stale1)
	assert.Contains(t, deleted, stale2)
}

func TestOrchestrator_GeneratorFailureAbortsRun(t *testing.T) {
	dest := &fakeDest{}
	src := &fakeSource{
		entities: []entity.Entity{chunk("a", "alpha")},
		finalErr: errors.New("api broke"),
	}
	h := newHarness(t, src, []destination.Destination{dest}, nil)
	stale := h.store.seed(h.syncID, "stale", "h", uuid.New())

	err := h.orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entity generation failed")

	assert.Equal(t, int64(1), h.sc.Progress.Totals().Inserted, "entities before the failure are processed")
	require.NotNil(t, h.store.row("stale"), "a failed run must not prune")
	assert.NotContains(t, dest.deletedIDs(), stale)
}

func TestOrchestrator_StateStoreFailureAbortsRun(t *testing.T) {
	store := newFakeStateStore()
	store.getErr = errors.New("db down")
	src := &fakeSource{entities: []entity.Entity{chunk("a", "alpha")}}
	h := newHarness(t, src, []destination.Destination{&fakeDest{}}, nil)
	h.orch.states = store

	err := h.orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load entity state")
}

func TestOrchestrator_EmitsDeclaredRelations(t *testing.T) {
	graphDest := &fakeGraphDest{fakeDest: fakeDest{name: "graph", kind: destination.KindGraph}}
	owned := &entity.ChunkEntity{
		Base:    entity.Core{EntityID: "repo-1"},
		Title:   "repo-1",
		Content: "body",
		Extra:   map[string]interface{}{"owner_id": "user-7"},
	}
	shared := &entity.ChunkEntity{
		Base:    entity.Core{EntityID: "repo-2"},
		Title:   "repo-2",
		Content: "body",
		Extra:   map[string]interface{}{"owner_id": []string{"user-1", "user-2"}},
	}
	relations := []registry.Relation{{
		Type:          "OWNED_BY",
		SourceType:    "chunk",
		SourceIDField: "owner_id",
		TargetType:    "user",
		TargetIDField: "entity_id",
	}}
	src := &fakeSource{entities: []entity.Entity{owned, shared}}
	h := newHarness(t, src, []destination.Destination{graphDest}, relations)

	require.NoError(t, h.orch.Run(context.Background()))

	rels := graphDest.relationships()
	require.Len(t, rels, 3)

	var single *destination.Relationship
	for i := range rels {
		if rels[i].ToEntityID == "user-7" {
			single = &rels[i]
		}
	}
	require.NotNil(t, single)
	assert.Equal(t, "OWNED_BY", single.Type)
	row := h.store.row("repo-1")
	require.NotNil(t, row)
	assert.Equal(t, row.ID.String(), single.FromDBEntityID)
	assert.Equal(t, h.syncID.String(), single.Props["sync_id"])
	assert.Equal(t, "chunk", single.Props["source_type"])
	assert.Equal(t, "user", single.Props["target_type"])
	assert.Equal(t, "repo-1", single.Props["source_entity_id"])
	assert.Equal(t, "user-7", single.Props["target_entity_id"])
}

func TestOrchestrator_CancelledRunReturnsCanceled(t *testing.T) {
	dest := &fakeDest{}
	src := &fakeSource{entities: []entity.Entity{chunk("a", "alpha")}}
	h := newHarness(t, src, []destination.Destination{dest}, nil)
	stale := h.store.seed(h.syncID, "stale", "h", uuid.New())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.orch.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, h.store.row("stale"), "a cancelled run must not prune")
	assert.NotContains(t, dest.deletedIDs(), stale)
}

func TestOrchestrator_BoundsWorkerConcurrency(t *testing.T) {
	var (
		mu   gosync.Mutex
		cur  int
		peak int
	)
	dest := &trackingDest{onInsert: func() {
		mu.Lock()
		cur++
		if cur > peak {
			peak = cur
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		cur--
		mu.Unlock()
	}}

	var entities []entity.Entity
	for i := 0; i < 20; i++ {
		entities = append(entities, chunk(fmt.Sprintf("e-%d", i), "x"))
	}
	h := newHarness(t, &fakeSource{entities: entities}, []destination.Destination{dest}, nil)
	h.sc.MaxWorkers = 3

	require.NoError(t, h.orch.Run(context.Background()))

	assert.Equal(t, int64(20), h.sc.Progress.Totals().Inserted)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 3)
}

// trackingDest runs a hook on every insert.
type trackingDest struct {
	fakeDest
	onInsert func()
}

func (d *trackingDest) BulkInsert(ctx context.Context, entities []entity.Entity) error {
	if d.onInsert != nil {
		d.onInsert()
	}
	return d.fakeDest.BulkInsert(ctx, entities)
}

// fakeFileStore is an in-memory FileStore.
type fakeFileStore struct {
	mu      gosync.Mutex
	objects map[string]string
	deleted []string
	putErr  error
}

func newFakeFileStore() *fakeFileStore {
	return &fakeFileStore{objects: make(map[string]string)}
}

func (f *fakeFileStore) Key(syncID, entityID string) string {
	return "syncs/" + syncID + "/" + entityID
}

func (f *fakeFileStore) Put(ctx context.Context, syncID, entityID string, body io.Reader) (string, error) {
	if f.putErr != nil {
		return "", f.putErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	key := f.Key(syncID, entityID)
	f.mu.Lock()
	f.objects[key] = string(data)
	f.mu.Unlock()
	return key, nil
}

func (f *fakeFileStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeFileStore) deletedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

func fileEntity(t *testing.T, id, content string) *entity.FileEntity {
	t.Helper()
	path := filepath.Join(t.TempDir(), id)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return &entity.FileEntity{
		Base:        entity.Core{EntityID: id},
		Name:        id + ".txt",
		MIMEType:    "text/plain",
		SizeBytes:   int64(len(content)),
		DownloadURL: "https://files.example/" + id,
		LocalPath:   path,
	}
}

func TestOrchestrator_StagesFilePayloads(t *testing.T) {
	dest := &fakeDest{}
	src := &fakeSource{entities: []entity.Entity{fileEntity(t, "f1", "file body")}}
	h := newHarness(t, src, []destination.Destination{dest}, nil)
	files := newFakeFileStore()
	h.sc.Files = files

	require.NoError(t, h.orch.Run(context.Background()))

	key := files.Key(h.syncID.String(), "f1")
	assert.Equal(t, "file body", files.objects[key])

	written := dest.insertedByID("f1")
	require.NotNil(t, written)
	assert.Equal(t, key, written.Core().Metadata["storage_key"],
		"document carries the payload reference")
	assert.Equal(t, int64(1), h.sc.Progress.Totals().Inserted)
}

func TestOrchestrator_UnchangedFileNotRestaged(t *testing.T) {
	fe := fileEntity(t, "f1", "file body")
	h := newHarness(t, &fakeSource{entities: []entity.Entity{fe}}, []destination.Destination{&fakeDest{}}, nil)
	files := newFakeFileStore()
	h.sc.Files = files

	hash, err := entity.Hash(fileEntity(t, "f1", "file body"))
	require.NoError(t, err)
	h.store.seed(h.syncID, "f1", hash, uuid.New())

	require.NoError(t, h.orch.Run(context.Background()))

	assert.Empty(t, files.objects, "unchanged content is not re-uploaded")
	assert.Equal(t, int64(1), h.sc.Progress.Totals().AlreadySync)
}

func TestOrchestrator_FileStoreFailureCountsFailed(t *testing.T) {
	dest := &fakeDest{}
	src := &fakeSource{entities: []entity.Entity{fileEntity(t, "f1", "body")}}
	h := newHarness(t, src, []destination.Destination{dest}, nil)
	files := newFakeFileStore()
	files.putErr = errors.New("bucket gone")
	h.sc.Files = files

	require.NoError(t, h.orch.Run(context.Background()))

	assert.Equal(t, int64(1), h.sc.Progress.Totals().Failed)
	assert.Nil(t, h.store.row("f1"), "no state row for an unstaged file")
	assert.Empty(t, dest.allInserted(), "documents land only after staging")
}

// fakeFetcher writes fixed content to a temp file, standing in for the
// download step.
type fakeFetcher struct {
	mu      gosync.Mutex
	content string
	err     error
	fetched []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, fe *entity.FileEntity) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.fetched = append(f.fetched, fe.Base.EntityID)
	f.mu.Unlock()
	path := filepath.Join(os.TempDir(), "weave-test-"+fe.Base.EntityID)
	if err := os.WriteFile(path, []byte(f.content), 0o600); err != nil {
		return err
	}
	fe.LocalPath = path
	return nil
}

func (f *fakeFetcher) fetchedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.fetched))
	copy(out, f.fetched)
	return out
}

func TestOrchestrator_DownloadsFileContentBeforeStaging(t *testing.T) {
	fe := &entity.FileEntity{
		Base:        entity.Core{EntityID: "f1"},
		Name:        "f1.txt",
		MIMEType:    "text/plain",
		DownloadURL: "https://files.example/f1",
	}
	h := newHarness(t, &fakeSource{entities: []entity.Entity{fe}}, []destination.Destination{&fakeDest{}}, nil)
	files := newFakeFileStore()
	fetcher := &fakeFetcher{content: "remote body"}
	h.sc.Files = files
	h.sc.Fetcher = fetcher

	require.NoError(t, h.orch.Run(context.Background()))

	assert.Equal(t, []string{"f1"}, fetcher.fetchedIDs())
	key := files.Key(h.syncID.String(), "f1")
	assert.Equal(t, "remote body", files.objects[key])
	assert.Empty(t, fe.LocalPath, "temp file reference is cleared after the run")
	_, err := os.Stat(filepath.Join(os.TempDir(), "weave-test-f1"))
	assert.True(t, os.IsNotExist(err), "temp file is removed after the run")
}

func TestOrchestrator_UnchangedFileNotDownloaded(t *testing.T) {
	fe := &entity.FileEntity{
		Base:        entity.Core{EntityID: "f1"},
		Name:        "f1.txt",
		MIMEType:    "text/plain",
		DownloadURL: "https://files.example/f1",
	}
	h := newHarness(t, &fakeSource{entities: []entity.Entity{fe}}, []destination.Destination{&fakeDest{}}, nil)
	fetcher := &fakeFetcher{content: "remote body"}
	h.sc.Fetcher = fetcher

	hash, err := entity.Hash(&entity.FileEntity{
		Base:        entity.Core{EntityID: "f1"},
		Name:        "f1.txt",
		MIMEType:    "text/plain",
		DownloadURL: "https://files.example/f1",
	})
	require.NoError(t, err)
	h.store.seed(h.syncID, "f1", hash, uuid.New())

	require.NoError(t, h.orch.Run(context.Background()))

	assert.Empty(t, fetcher.fetchedIDs(), "unchanged files never hit their download URL")
	assert.Equal(t, int64(1), h.sc.Progress.Totals().AlreadySync)
}

func TestOrchestrator_DownloadFailureCountsFailed(t *testing.T) {
	fe := &entity.FileEntity{
		Base:        entity.Core{EntityID: "f1"},
		Name:        "f1.txt",
		DownloadURL: "https://files.example/f1",
	}
	dest := &fakeDest{}
	h := newHarness(t, &fakeSource{entities: []entity.Entity{fe}}, []destination.Destination{dest}, nil)
	h.sc.Fetcher = &fakeFetcher{err: errors.New("upstream 500")}

	require.NoError(t, h.orch.Run(context.Background()))

	assert.Equal(t, int64(1), h.sc.Progress.Totals().Failed)
	assert.Empty(t, dest.allInserted(), "nothing lands for an undownloadable file")
	assert.Nil(t, h.store.row("f1"))
}

func TestOrchestrator_DeletionRemovesStagedPayload(t *testing.T) {
	del, err := entity.NewDeletionEntity("f1", []entity.Breadcrumb{}, entity.DeletionRemoved)
	require.NoError(t, err)
	h := newHarness(t, &fakeSource{entities: []entity.Entity{del}}, []destination.Destination{&fakeDest{}}, nil)
	files := newFakeFileStore()
	h.sc.Files = files
	h.store.seed(h.syncID, "f1", "old-hash", uuid.New())

	key := files.Key(h.syncID.String(), "f1")
	files.objects[key] = "stale body"

	require.NoError(t, h.orch.Run(context.Background()))

	assert.NotContains(t, files.objects, key)
	assert.Contains(t, files.deletedKeys(), key)
}

func TestOrchestrator_PruneRemovesStagedPayloads(t *testing.T) {
	h := newHarness(t, &fakeSource{}, []destination.Destination{&fakeDest{}}, nil)
	files := newFakeFileStore()
	h.sc.Files = files
	h.store.seed(h.syncID, "stale", "h", uuid.New())

	key := files.Key(h.syncID.String(), "stale")
	files.objects[key] = "stale body"

	require.NoError(t, h.orch.Run(context.Background()))

	assert.Equal(t, int64(1), h.sc.Progress.Totals().Deleted)
	assert.NotContains(t, files.objects, key)
}
