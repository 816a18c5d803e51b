package containers

import (
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// CouchDBConfig configures the CouchDB test container.
type CouchDBConfig struct {
	Image          string
	AdminUsername  string
	AdminPassword  string
	StartupTimeout time.Duration
}

// DefaultCouchDBConfig matches the engine's document destination
// requirements.
func DefaultCouchDBConfig() CouchDBConfig {
	return CouchDBConfig{
		Image:          "couchdb:3.3",
		AdminUsername:  "admin",
		AdminPassword:  "testpass",
		StartupTimeout: 60 * time.Second,
	}
}

// SetupCouchDB starts a CouchDB container and returns its URL with the
// admin credentials embedded, ready for destination.NewCouchDB. A nil
// config uses the defaults.
func SetupCouchDB(t *testing.T, cfg *CouchDBConfig) string {
	t.Helper()
	if cfg == nil {
		c := DefaultCouchDBConfig()
		cfg = &c
	}

	req := testcontainers.ContainerRequest{
		Image:        cfg.Image,
		ExposedPorts: []string{"5984/tcp"},
		Env: map[string]string{
			"COUCHDB_USER":     cfg.AdminUsername,
			"COUCHDB_PASSWORD": cfg.AdminPassword,
		},
		WaitingFor: wait.ForHTTP("/_up").
			WithPort("5984/tcp").
			WithStartupTimeout(cfg.StartupTimeout),
	}

	host, port := start(t, req, "5984/tcp")
	return fmt.Sprintf("http://%s:%s@%s:%s",
		cfg.AdminUsername, cfg.AdminPassword, host, port.Port())
}
