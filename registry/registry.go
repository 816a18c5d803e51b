// Package registry is the catalog of connectors the engine can run.
// Every source and destination is described by an Entry keyed by its
// short name; built-ins are registered by this package's init and are
// available as soon as the program links them in.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"weave.evalgo.org/destination"
	"weave.evalgo.org/source"
)

// AuthMethod identifies a way a connector can authenticate.
type AuthMethod string

const (
	AuthDirect       AuthMethod = "direct"
	AuthOAuthToken   AuthMethod = "oauth_token"
	AuthOAuthBrowser AuthMethod = "oauth_browser"
	AuthOAuthBYOC    AuthMethod = "oauth_byoc"
	AuthProvider     AuthMethod = "auth_provider"
)

// Kind separates source connectors from destination connectors.
type Kind string

const (
	KindSource      Kind = "source"
	KindDestination Kind = "destination"
)

// Relation declares one graph edge a source's entities give rise to.
// After a graph destination write, the engine reads SourceIDField from
// every entity of SourceType (scalar or list of foreign ids) and emits
// one edge per id against entities of TargetType matched by TargetIDField.
type Relation struct {
	// Type is the relationship type written to the graph, e.g. BELONGS_TO
	Type string

	// SourceType is the entity type the edge starts from
	SourceType string

	// SourceIDField is the field on the source entity holding target id(s)
	SourceIDField string

	// TargetType is the entity type the edge points at
	TargetType string

	// TargetIDField is the field on the target entity the ids match against
	TargetIDField string
}

// Entry describes one connector.
type Entry struct {
	// ShortName is the unique identifier connectors are addressed by
	ShortName string

	// Name is the human-readable connector name
	Name string

	// Kind says whether this entry is a source or a destination
	Kind Kind

	// AuthMethods lists the authentication methods the connector accepts
	AuthMethods []AuthMethod

	// SupportsContinuous is set when the source can resume from a cursor
	SupportsContinuous bool

	// FederatedSearch is set when the source answers live search queries
	FederatedSearch bool

	// RequiresBYOC is set when the connector only works with
	// customer-provided OAuth client credentials
	RequiresBYOC bool

	// NewSource builds the source connector; nil for destinations
	NewSource source.Factory

	// NewDestination builds the destination connector; nil for sources
	NewDestination destination.Factory

	// Relations declares the graph edges this source's entities produce
	Relations []Relation
}

var (
	mu      sync.RWMutex
	entries = make(map[string]Entry)
)

// Register adds a connector entry to the catalog. It panics on an empty
// or duplicate short name; connector registration is a wiring error, not
// a runtime condition.
func Register(e Entry) {
	if e.ShortName == "" {
		panic("registry: entry with empty short name")
	}

	mu.Lock()
	defer mu.Unlock()

	if _, exists := entries[e.ShortName]; exists {
		panic(fmt.Sprintf("registry: duplicate connector %q", e.ShortName))
	}
	entries[e.ShortName] = e
}

// Lookup returns the entry registered under the given short name.
func Lookup(shortName string) (Entry, bool) {
	mu.RLock()
	defer mu.RUnlock()

	e, ok := entries[shortName]
	return e, ok
}

// Sources returns all source entries sorted by short name.
func Sources() []Entry {
	return listKind(KindSource)
}

// Destinations returns all destination entries sorted by short name.
func Destinations() []Entry {
	return listKind(KindDestination)
}

func listKind(kind Kind) []Entry {
	mu.RLock()
	defer mu.RUnlock()

	var out []Entry
	for _, e := range entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShortName < out[j].ShortName })
	return out
}

// SupportsAuth reports whether the entry accepts the given method.
func (e Entry) SupportsAuth(method AuthMethod) bool {
	for _, m := range e.AuthMethods {
		if m == method {
			return true
		}
	}
	return false
}
