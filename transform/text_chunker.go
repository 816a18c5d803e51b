package transform

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"weave.evalgo.org/entity"
)

func init() {
	Register("text_chunker", NewTextChunker)
}

// TextChunker splits long text content into overlapping chunks sized
// for vector and graph stores. Entities whose content already fits in
// one chunk pass through without children.
type TextChunker struct {
	// MaxChars is the maximum chunk length in runes
	MaxChars int

	// Overlap is how many runes consecutive chunks share
	Overlap int
}

// NewTextChunker builds a chunker from DAG node settings.
// Recognized keys: max_chars (default 2000), overlap (default 200).
func NewTextChunker(config map[string]interface{}) (Transformer, error) {
	maxChars, err := intSetting(config, "max_chars", 2000)
	if err != nil {
		return nil, err
	}
	overlap, err := intSetting(config, "overlap", 200)
	if err != nil {
		return nil, err
	}

	if maxChars < 1 {
		return nil, fmt.Errorf("text_chunker: max_chars must be positive, got %d", maxChars)
	}
	if overlap < 0 || overlap >= maxChars {
		return nil, fmt.Errorf("text_chunker: overlap must be in [0, max_chars), got %d", overlap)
	}

	return &TextChunker{MaxChars: maxChars, Overlap: overlap}, nil
}

func (t *TextChunker) Name() string                   { return "text_chunker" }
func (t *TextChunker) Accepts(entityType string) bool { return true }
func (t *TextChunker) OutputType() string             { return "chunk" }

// Apply splits the entity's content field into chunk children. Entities
// without a content field, or whose content fits MaxChars, produce none.
func (t *TextChunker) Apply(ctx context.Context, e entity.Entity) ([]entity.Entity, error) {
	raw, ok := e.Field("content")
	if !ok {
		return nil, nil
	}
	content, ok := raw.(string)
	if !ok {
		return nil, nil
	}

	runes := []rune(content)
	if len(runes) <= t.MaxChars {
		return nil, nil
	}

	parent := e.Core()
	title := ""
	if v, ok := e.Field("title"); ok {
		title, _ = v.(string)
	}

	crumbs := append(append([]entity.Breadcrumb{}, parent.Breadcrumbs...), entity.Breadcrumb{
		EntityID: parent.EntityID,
		Name:     title,
		Type:     e.TypeName(),
	})

	var children []entity.Entity
	for index, start := 0, 0; start < len(runes); index++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := start + t.MaxChars
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = breakBefore(runes, start, end)
		}

		children = append(children, &entity.ChunkEntity{
			Base: entity.Core{
				EntityID:    fmt.Sprintf("%s-chunk-%d", parent.EntityID, index),
				Breadcrumbs: crumbs,
				ParentID:    parent.EntityID,
				SourceName:  parent.SourceName,
				SyncID:      parent.SyncID,
				SyncJobID:   parent.SyncJobID,
				URL:         parent.URL,
			},
			Title:      title,
			Content:    strings.TrimSpace(string(runes[start:end])),
			ChunkIndex: index,
		})

		if end == len(runes) {
			break
		}
		next := end - t.Overlap
		if next <= start {
			next = end
		}
		start = next
	}

	return children, nil
}

// breakBefore moves the cut left to the last whitespace inside the
// chunk, so words stay whole. Without any whitespace the hard cut stands.
func breakBefore(runes []rune, start, end int) int {
	for i := end - 1; i > start; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return end
}

// intSetting reads an integer node setting, tolerating the numeric
// types YAML and JSON decoders produce.
func intSetting(config map[string]interface{}, key string, fallback int) (int, error) {
	raw, ok := config[key]
	if !ok {
		return fallback, nil
	}

	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("setting %s: expected number, got %T", key, raw)
	}
}
