package containers

import (
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Neo4jConfig configures the Neo4j test container.
type Neo4jConfig struct {
	Image          string
	Password       string
	StartupTimeout time.Duration
}

// DefaultNeo4jConfig matches the engine's graph destination
// requirements. The username is fixed to neo4j by the image.
func DefaultNeo4jConfig() Neo4jConfig {
	return Neo4jConfig{
		Image:          "neo4j:5.26",
		Password:       "testpass",
		StartupTimeout: 120 * time.Second,
	}
}

// SetupNeo4j starts a Neo4j container and returns its bolt URL, ready
// for destination.NewNeo4j together with the configured credentials. A
// nil config uses the defaults.
func SetupNeo4j(t *testing.T, cfg *Neo4jConfig) string {
	t.Helper()
	if cfg == nil {
		c := DefaultNeo4jConfig()
		cfg = &c
	}

	req := testcontainers.ContainerRequest{
		Image:        cfg.Image,
		ExposedPorts: []string{"7687/tcp"},
		Env: map[string]string{
			"NEO4J_AUTH": "neo4j/" + cfg.Password,
		},
		WaitingFor: wait.ForLog("Started.").WithStartupTimeout(cfg.StartupTimeout),
	}

	host, port := start(t, req, "7687/tcp")
	return fmt.Sprintf("bolt://%s:%s", host, port.Port())
}
