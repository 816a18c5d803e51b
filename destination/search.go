package destination

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"weave.evalgo.org/common"
)

// SearchType selects which destinations answer a query.
type SearchType string

const (
	SearchVector SearchType = "vector"
	SearchGraph  SearchType = "graph"
	SearchHybrid SearchType = "hybrid"
)

// ParseSearchType validates a user-supplied search type string.
func ParseSearchType(s string) (SearchType, error) {
	switch SearchType(s) {
	case SearchVector, SearchGraph, SearchHybrid:
		return SearchType(s), nil
	case "":
		return SearchVector, nil
	}
	return "", fmt.Errorf("unknown search type %q", s)
}

// Searcher fans a query out across the destinations of a sync.
type Searcher struct {
	destinations []Destination
	log          *logrus.Entry
}

func NewSearcher(destinations []Destination, log *logrus.Entry) *Searcher {
	if log == nil {
		log = common.Component("search")
	}
	return &Searcher{destinations: destinations, log: log}
}

// Search answers a query with the first destination of the requested kind.
// Hybrid queries both kinds and merges hits keyed by db_entity_id; a failing
// kind contributes nothing and is logged, it does not fail the search.
func (s *Searcher) Search(ctx context.Context, searchType SearchType, query string, syncID uuid.UUID, limit int) ([]SearchResult, error) {
	switch searchType {
	case SearchVector:
		return s.searchKind(ctx, KindVector, query, syncID, limit)
	case SearchGraph:
		return s.searchKind(ctx, KindGraph, query, syncID, limit)
	case SearchHybrid:
		merged := make(map[string]SearchResult)
		var order []string
		for _, kind := range []Kind{KindVector, KindGraph} {
			hits, err := s.searchKind(ctx, kind, query, syncID, limit)
			if err != nil {
				s.log.WithError(err).WithField("kind", kind).Warn("search leg failed")
				continue
			}
			for _, hit := range hits {
				if _, seen := merged[hit.DBEntityID]; seen {
					continue
				}
				merged[hit.DBEntityID] = hit
				order = append(order, hit.DBEntityID)
			}
		}
		results := make([]SearchResult, 0, len(order))
		for _, id := range order {
			results = append(results, merged[id])
		}
		if limit > 0 && len(results) > limit {
			results = results[:limit]
		}
		return results, nil
	}
	return nil, fmt.Errorf("unknown search type %q", searchType)
}

func (s *Searcher) searchKind(ctx context.Context, kind Kind, query string, syncID uuid.UUID, limit int) ([]SearchResult, error) {
	for _, d := range s.destinations {
		if d.Type() == kind {
			return d.SearchForSyncID(ctx, query, syncID, limit)
		}
	}
	return nil, fmt.Errorf("no %s destination configured", kind)
}
