package entity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash_Deterministic(t *testing.T) {
	build := func() *ChunkEntity {
		return &ChunkEntity{
			Base: Core{
				EntityID:   "repo-42",
				SourceName: "gitea",
			},
			Title:   "weave",
			Content: "sync engine core",
			Extra: map[string]interface{}{
				"stars": 7,
				"topic": "sync",
			},
		}
	}

	first, err := Hash(build())
	require.NoError(t, err)
	second, err := Hash(build())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestHash_CachedPerEntity(t *testing.T) {
	e := &ChunkEntity{Base: Core{EntityID: "a"}, Content: "one"}

	h1, err := Hash(e)
	require.NoError(t, err)

	// Mutating without invalidation keeps the cached value.
	e.Content = "two"
	h2, err := Hash(e)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	e.Base.InvalidateHash()
	h3, err := Hash(e)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestHash_IgnoresIdentityStamps(t *testing.T) {
	base := &ChunkEntity{
		Base:    Core{EntityID: "doc-1", SourceName: "gitea"},
		Content: "unchanged body",
	}
	baseHash, err := Hash(base)
	require.NoError(t, err)

	stamped := &ChunkEntity{
		Base: Core{
			EntityID:   "doc-1",
			SourceName: "gitea",
			SyncID:     uuid.New(),
			SyncJobID:  uuid.New(),
			DBEntityID: uuid.New(),
			URL:        "https://git.example.com/doc-1",
			Metadata:   map[string]interface{}{"run": 9},
		},
		Content: "unchanged body",
	}
	stampedHash, err := Hash(stamped)
	require.NoError(t, err)

	assert.Equal(t, baseHash, stampedHash)
}

func TestHash_FileIgnoresLocalPath(t *testing.T) {
	build := func(localPath string) *FileEntity {
		return &FileEntity{
			Base:        Core{EntityID: "file-9", SourceName: "gitea"},
			Name:        "report.pdf",
			MIMEType:    "application/pdf",
			SizeBytes:   2048,
			DownloadURL: "https://git.example.com/file-9/raw",
			LocalPath:   localPath,
		}
	}

	h1, err := Hash(build("/tmp/weave-123/report.pdf"))
	require.NoError(t, err)
	h2, err := Hash(build("/tmp/weave-987/report.pdf"))
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
}

func TestHash_ContentChangesHash(t *testing.T) {
	a := &ChunkEntity{Base: Core{EntityID: "x"}, Content: "before"}
	b := &ChunkEntity{Base: Core{EntityID: "x"}, Content: "after"}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)

	assert.NotEqual(t, ha, hb)
}

func TestNewDeletionEntity(t *testing.T) {
	tests := []struct {
		name        string
		entityID    string
		breadcrumbs []Breadcrumb
		status      DeletionStatus
		wantErr     bool
	}{
		{
			name:        "Removed",
			entityID:    "gone-1",
			breadcrumbs: []Breadcrumb{},
			status:      DeletionRemoved,
			wantErr:     false,
		},
		{
			name:        "Archived",
			entityID:    "gone-2",
			breadcrumbs: []Breadcrumb{{EntityID: "org-1", Name: "org", Type: "organization"}},
			status:      DeletionArchived,
			wantErr:     false,
		},
		{
			name:        "NilBreadcrumbs",
			entityID:    "gone-3",
			breadcrumbs: nil,
			status:      DeletionRemoved,
			wantErr:     true,
		},
		{
			name:        "EmptyStatus",
			entityID:    "gone-4",
			breadcrumbs: []Breadcrumb{},
			status:      "",
			wantErr:     true,
		},
		{
			name:        "UnknownStatus",
			entityID:    "gone-5",
			breadcrumbs: []Breadcrumb{},
			status:      "trashed",
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewDeletionEntity(tt.entityID, tt.breadcrumbs, tt.status)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, e)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.entityID, e.Base.EntityID)
			assert.Equal(t, tt.status, e.Status)
			assert.Equal(t, "deletion", e.TypeName())
		})
	}
}

func TestField(t *testing.T) {
	chunk := &ChunkEntity{
		Base: Core{
			EntityID:   "c-1",
			ParentID:   "p-1",
			SourceName: "gitlab",
			URL:        "https://gitlab.example.com/c-1",
		},
		Title:   "notes",
		Content: "body",
		Extra:   map[string]interface{}{"labels": []string{"a", "b"}},
	}

	v, ok := chunk.Field("title")
	require.True(t, ok)
	assert.Equal(t, "notes", v)

	v, ok = chunk.Field("labels")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, v)

	v, ok = chunk.Field("source_name")
	require.True(t, ok)
	assert.Equal(t, "gitlab", v)

	v, ok = chunk.Field("parent_id")
	require.True(t, ok)
	assert.Equal(t, "p-1", v)

	_, ok = chunk.Field("no_such_field")
	assert.False(t, ok)

	del, err := NewDeletionEntity("d-1", []Breadcrumb{}, DeletionRemoved)
	require.NoError(t, err)
	v, ok = del.Field("deletion_status")
	require.True(t, ok)
	assert.Equal(t, "removed", v)
}
