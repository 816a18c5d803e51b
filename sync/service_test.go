package sync

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"weave.evalgo.org/common"
	"weave.evalgo.org/config"
	"weave.evalgo.org/db"
)

func TestValidationError(t *testing.T) {
	cause := errors.New("no such row")
	err := &ValidationError{Reason: "sync not found", Err: cause}

	assert.Equal(t, "sync not found: no such row", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsValidation(err))
	assert.True(t, IsValidation(fmt.Errorf("run failed: %w", err)))
	assert.False(t, IsValidation(cause))

	bare := &ValidationError{Reason: "sync has no destinations"}
	assert.Equal(t, "sync has no destinations", bare.Error())
}

func TestDestinationConfigNativeDefaults(t *testing.T) {
	s := &Service{cfg: &config.Config{
		Graph: config.GraphConfig{URI: "bolt://graph:7687", Username: "neo4j", Password: "secret"},
		Docstore: config.DocstoreConfig{
			URL: "http://docs:5984", Database: "weave", Username: "admin", Password: "pw",
		},
	}}
	log := common.Component("test")

	graph := s.destinationConfig(db.SyncDestination{ShortName: "neo4j", IsNative: true}, log)
	assert.Equal(t, "bolt://graph:7687", graph.URL)
	assert.Equal(t, "neo4j", graph.Username)
	assert.Equal(t, "secret", graph.Password)

	docs := s.destinationConfig(db.SyncDestination{ShortName: "couchdb", IsNative: true}, log)
	assert.Equal(t, "http://docs:5984", docs.URL)
	assert.Equal(t, "weave", docs.Database)
}

func TestDestinationConfigRowOverridesNative(t *testing.T) {
	s := &Service{cfg: &config.Config{
		Docstore: config.DocstoreConfig{URL: "http://docs:5984", Database: "weave"},
	}}
	row := db.SyncDestination{
		ShortName: "couchdb",
		IsNative:  true,
		Config:    []byte(`{"database":"tenant_42","settings":{"partitioned":true}}`),
	}

	cfg := s.destinationConfig(row, common.Component("test"))
	assert.Equal(t, "http://docs:5984", cfg.URL, "unset override keeps the native value")
	assert.Equal(t, "tenant_42", cfg.Database)
	assert.Equal(t, true, cfg.Settings["partitioned"])
}

func TestDestinationConfigExternalRow(t *testing.T) {
	s := &Service{cfg: &config.Config{}}
	row := db.SyncDestination{
		ShortName: "couchdb",
		Config:    []byte(`{"url":"https://couch.tenant.example","username":"svc","password":"key"}`),
	}

	cfg := s.destinationConfig(row, common.Component("test"))
	assert.Equal(t, "https://cluster.weaviate.cloud", cfg.URL)
	assert.Equal(t, "svc", cfg.Username)
	assert.Equal(t, "key", cfg.Password)
}

func TestDestinationConfigIgnoresUnreadableRow(t *testing.T) {
	s := &Service{cfg: &config.Config{
		Graph: config.GraphConfig{URI: "bolt://graph:7687"},
	}}
	row := db.SyncDestination{ShortName: "neo4j", IsNative: true, Config: []byte("{broken")}

	cfg := s.destinationConfig(row, common.Component("test"))
	assert.Equal(t, "bolt://graph:7687", cfg.URL, "native wiring survives a bad override")
}
