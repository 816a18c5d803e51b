// Package containers starts ephemeral backing services for integration
// tests: the Postgres state store, the CouchDB and Neo4j destinations,
// the RabbitMQ job queue and MinIO object storage. Containers are
// terminated through t.Cleanup when the test finishes.
//
// Tests using this package carry the integration build tag:
//
//	//go:build integration
package containers

import (
	"context"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
)

// start launches a container and returns the host plus the mapped form
// of the given port. Termination is registered on t.
func start(t *testing.T, req testcontainers.ContainerRequest, port nat.Port) (string, nat.Port) {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start %s: %v", req.Image, err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate %s: %v", req.Image, err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to resolve container host: %v", err)
	}
	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("failed to resolve mapped port %s: %v", port, err)
	}
	return host, mapped
}
