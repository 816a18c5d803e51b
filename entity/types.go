package entity

import "fmt"

// DeletionStatus says why an upstream record disappeared.
type DeletionStatus string

const (
	// DeletionRemoved marks a record the source deleted outright.
	DeletionRemoved DeletionStatus = "removed"

	// DeletionArchived marks a record the source archived.
	DeletionArchived DeletionStatus = "archived"
)

// ChunkEntity is a text record destined for document and graph stores.
type ChunkEntity struct {
	Base Core

	// Title is the record's display title
	Title string

	// Content is the text body
	Content string

	// ChunkIndex orders chunks split from the same parent record
	ChunkIndex int

	// Extra holds connector-specific payload fields that take part in hashing
	Extra map[string]interface{}
}

func (e *ChunkEntity) Core() *Core      { return &e.Base }
func (e *ChunkEntity) TypeName() string { return "chunk" }

func (e *ChunkEntity) Payload() map[string]interface{} {
	p := map[string]interface{}{
		"title":       e.Title,
		"content":     e.Content,
		"chunk_index": e.ChunkIndex,
	}
	for k, v := range e.Extra {
		p[k] = v
	}
	return p
}

func (e *ChunkEntity) Field(name string) (interface{}, bool) {
	switch name {
	case "title":
		return e.Title, true
	case "content":
		return e.Content, true
	case "chunk_index":
		return e.ChunkIndex, true
	}
	if v, ok := e.Extra[name]; ok {
		return v, true
	}
	return e.Base.Field(name)
}

// FileEntity is a binary record fetched from a source. The pipeline
// downloads the remote content to LocalPath before transformers run.
type FileEntity struct {
	Base Core

	// Name is the file name as the source reports it
	Name string

	// MIMEType is the content type as the source reports it
	MIMEType string

	// SizeBytes is the remote size as the source reports it
	SizeBytes int64

	// DownloadURL is where the pipeline fetches the content from
	DownloadURL string

	// Checksum is the source-reported content checksum, if any
	Checksum string

	// LocalPath is the temp file holding the downloaded content.
	// Local paths differ per run and never enter the hash.
	LocalPath string
}

func (e *FileEntity) Core() *Core      { return &e.Base }
func (e *FileEntity) TypeName() string { return "file" }

func (e *FileEntity) Payload() map[string]interface{} {
	return map[string]interface{}{
		"name":         e.Name,
		"mime_type":    e.MIMEType,
		"size_bytes":   e.SizeBytes,
		"download_url": e.DownloadURL,
		"checksum":     e.Checksum,
	}
}

func (e *FileEntity) Field(name string) (interface{}, bool) {
	switch name {
	case "name":
		return e.Name, true
	case "mime_type":
		return e.MIMEType, true
	case "size_bytes":
		return e.SizeBytes, true
	case "download_url":
		return e.DownloadURL, true
	case "checksum":
		return e.Checksum, true
	case "local_path":
		return e.LocalPath, true
	}
	return e.Base.Field(name)
}

// DeletionEntity signals that an upstream record is gone. It carries
// identity fields only; the pipeline removes the matching state row and
// destination documents when one arrives.
type DeletionEntity struct {
	Base Core

	// Status says whether the record was removed or archived
	Status DeletionStatus
}

// NewDeletionEntity builds a deletion signal for the given record.
// The status must be one of the declared DeletionStatus values and
// breadcrumbs must be non-nil; deletions discovered at a source root
// pass an empty slice.
func NewDeletionEntity(entityID string, breadcrumbs []Breadcrumb, status DeletionStatus) (*DeletionEntity, error) {
	if status != DeletionRemoved && status != DeletionArchived {
		return nil, fmt.Errorf("invalid deletion status %q for entity %s", status, entityID)
	}
	if breadcrumbs == nil {
		return nil, fmt.Errorf("deletion entity %s requires breadcrumbs, pass an empty slice for root records", entityID)
	}
	return &DeletionEntity{
		Base:   Core{EntityID: entityID, Breadcrumbs: breadcrumbs},
		Status: status,
	}, nil
}

func (e *DeletionEntity) Core() *Core      { return &e.Base }
func (e *DeletionEntity) TypeName() string { return "deletion" }

func (e *DeletionEntity) Payload() map[string]interface{} {
	return map[string]interface{}{
		"entity_id":       e.Base.EntityID,
		"deletion_status": string(e.Status),
	}
}

func (e *DeletionEntity) Field(name string) (interface{}, bool) {
	if name == "deletion_status" {
		return string(e.Status), true
	}
	return e.Base.Field(name)
}
