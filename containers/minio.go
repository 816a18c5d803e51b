package containers

import (
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// MinIOConfig configures the MinIO test container.
type MinIOConfig struct {
	Image          string
	RootUser       string
	RootPassword   string
	StartupTimeout time.Duration
}

// DefaultMinIOConfig matches the engine's file staging requirements.
func DefaultMinIOConfig() MinIOConfig {
	return MinIOConfig{
		Image:          "minio/minio:latest",
		RootUser:       "minioadmin",
		RootPassword:   "minioadmin",
		StartupTimeout: 60 * time.Second,
	}
}

// SetupMinIO starts a MinIO container and returns its S3 endpoint,
// ready for storage.NewFileStore with path-style addressing and the
// configured root credentials. A nil config uses the defaults.
func SetupMinIO(t *testing.T, cfg *MinIOConfig) string {
	t.Helper()
	if cfg == nil {
		c := DefaultMinIOConfig()
		cfg = &c
	}

	req := testcontainers.ContainerRequest{
		Image:        cfg.Image,
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     cfg.RootUser,
			"MINIO_ROOT_PASSWORD": cfg.RootPassword,
		},
		Cmd: []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").
			WithPort("9000/tcp").
			WithStartupTimeout(cfg.StartupTimeout),
	}

	host, port := start(t, req, "9000/tcp")
	return fmt.Sprintf("http://%s:%s", host, port.Port())
}
