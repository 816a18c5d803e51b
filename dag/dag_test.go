package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validNodes() []Node {
	return []Node{
		{ID: "src", Kind: NodeSource, Name: "gitea"},
		{ID: "chunk", Kind: NodeTransformer, Name: "text_chunker"},
		{ID: "store", Kind: NodeDestination, Name: "couchdb"},
	}
}

func validEdges() []Edge {
	return []Edge{
		{From: "src", To: "chunk"},
		{From: "chunk", To: "store"},
	}
}

func TestNew_Valid(t *testing.T) {
	g, err := New("test", validNodes(), validEdges())
	require.NoError(t, err)

	assert.Equal(t, "test", g.Name())
	assert.Equal(t, "src", g.Source().ID)
	assert.Len(t, g.Nodes(), 3)

	dests := g.Destinations()
	require.Len(t, dests, 1)
	assert.Equal(t, "store", dests[0].ID)

	succ := g.Successors("src")
	require.Len(t, succ, 1)
	assert.Equal(t, "chunk", succ[0].ID)
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		nodes []Node
		edges []Edge
	}{
		{
			name:  "NoNodes",
			nodes: nil,
			edges: nil,
		},
		{
			name: "NoSource",
			nodes: []Node{
				{ID: "store", Kind: NodeDestination, Name: "couchdb"},
			},
		},
		{
			name: "TwoSources",
			nodes: []Node{
				{ID: "a", Kind: NodeSource, Name: "gitea"},
				{ID: "b", Kind: NodeSource, Name: "gitlab"},
			},
		},
		{
			name: "DuplicateID",
			nodes: []Node{
				{ID: "src", Kind: NodeSource, Name: "gitea"},
				{ID: "src", Kind: NodeDestination, Name: "couchdb"},
			},
		},
		{
			name: "UnknownKind",
			nodes: []Node{
				{ID: "src", Kind: NodeSource, Name: "gitea"},
				{ID: "x", Kind: "mystery", Name: "x"},
			},
		},
		{
			name: "EmptyID",
			nodes: []Node{
				{ID: "", Kind: NodeSource, Name: "gitea"},
			},
		},
		{
			name:  "EdgeFromUnknown",
			nodes: validNodes(),
			edges: []Edge{{From: "ghost", To: "store"}},
		},
		{
			name:  "EdgeToUnknown",
			nodes: validNodes(),
			edges: []Edge{{From: "src", To: "ghost"}},
		},
		{
			name:  "EdgeOutOfDestination",
			nodes: validNodes(),
			edges: append(validEdges(), Edge{From: "store", To: "chunk"}),
		},
		{
			name:  "EdgeIntoSource",
			nodes: validNodes(),
			edges: append(validEdges(), Edge{From: "chunk", To: "src"}),
		},
		{
			name: "Cycle",
			nodes: []Node{
				{ID: "src", Kind: NodeSource, Name: "gitea"},
				{ID: "t1", Kind: NodeTransformer, Name: "text_chunker"},
				{ID: "t2", Kind: NodeTransformer, Name: "text_chunker"},
				{ID: "store", Kind: NodeDestination, Name: "couchdb"},
			},
			edges: []Edge{
				{From: "src", To: "t1"},
				{From: "t1", To: "t2"},
				{From: "t2", To: "t1"},
				{From: "t2", To: "store"},
			},
		},
		{
			name: "TransformerDeadEnd",
			nodes: []Node{
				{ID: "src", Kind: NodeSource, Name: "gitea"},
				{ID: "orphan", Kind: NodeTransformer, Name: "text_chunker"},
				{ID: "store", Kind: NodeDestination, Name: "couchdb"},
			},
			edges: []Edge{
				{From: "src", To: "orphan"},
				{From: "src", To: "store"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("test", tt.nodes, tt.edges)
			assert.Error(t, err)
		})
	}
}

func TestDefault(t *testing.T) {
	g := Default("gitea", []string{"couchdb", "neo4j"})

	assert.Equal(t, "gitea", g.Source().Name)
	require.Len(t, g.Destinations(), 2)
	assert.Equal(t, "couchdb", g.Destinations()[0].Name)
	assert.Equal(t, "neo4j", g.Destinations()[1].Name)

	succ := g.Successors("source")
	require.Len(t, succ, 2)
	for _, n := range succ {
		assert.Equal(t, NodeDestination, n.Kind)
	}
}
