package containers

import (
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresConfig configures the Postgres test container.
type PostgresConfig struct {
	Image          string
	Username       string
	Password       string
	Database       string
	StartupTimeout time.Duration
}

// DefaultPostgresConfig matches the engine's state store requirements.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Image:          "postgres:16-alpine",
		Username:       "weave",
		Password:       "weave",
		Database:       "weave_test",
		StartupTimeout: 60 * time.Second,
	}
}

// SetupPostgres starts a Postgres container and returns a connection
// URL ready for db.Connect. A nil config uses the defaults.
func SetupPostgres(t *testing.T, cfg *PostgresConfig) string {
	t.Helper()
	if cfg == nil {
		c := DefaultPostgresConfig()
		cfg = &c
	}

	req := testcontainers.ContainerRequest{
		Image:        cfg.Image,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     cfg.Username,
			"POSTGRES_PASSWORD": cfg.Password,
			"POSTGRES_DB":       cfg.Database,
		},
		// Postgres logs readiness twice: once for the init process and
		// once for the real server.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(cfg.StartupTimeout),
	}

	host, port := start(t, req, "5432/tcp")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.Username, cfg.Password, host, port.Port(), cfg.Database)
}
