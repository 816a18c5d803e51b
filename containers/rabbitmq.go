package containers

import (
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RabbitMQConfig configures the RabbitMQ test container.
type RabbitMQConfig struct {
	Image          string
	Username       string
	Password       string
	StartupTimeout time.Duration
}

// DefaultRabbitMQConfig matches the engine's job queue requirements.
func DefaultRabbitMQConfig() RabbitMQConfig {
	return RabbitMQConfig{
		Image:          "rabbitmq:3.13-alpine",
		Username:       "guest",
		Password:       "guest",
		StartupTimeout: 60 * time.Second,
	}
}

// SetupRabbitMQ starts a RabbitMQ container and returns its AMQP URL,
// ready for queue.New. A nil config uses the defaults.
func SetupRabbitMQ(t *testing.T, cfg *RabbitMQConfig) string {
	t.Helper()
	if cfg == nil {
		c := DefaultRabbitMQConfig()
		cfg = &c
	}

	req := testcontainers.ContainerRequest{
		Image:        cfg.Image,
		ExposedPorts: []string{"5672/tcp"},
		Env: map[string]string{
			"RABBITMQ_DEFAULT_USER": cfg.Username,
			"RABBITMQ_DEFAULT_PASS": cfg.Password,
		},
		WaitingFor: wait.ForLog("Server startup complete").
			WithStartupTimeout(cfg.StartupTimeout),
	}

	host, port := start(t, req, "5672/tcp")
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		cfg.Username, cfg.Password, host, port.Port())
}
