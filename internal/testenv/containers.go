//go:build integration

// Package testenv starts the broker and databases used by integration tests.
// Build with: -tags integration
package testenv

import (
	"context"
	"fmt"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
)

// Container holds a running test container and its connection URL
type Container struct {
	Container testcontainers.Container
	URL       string
}

// Terminate stops the container
func (c *Container) Terminate(ctx context.Context) {
	if c.Container != nil {
		c.Container.Terminate(ctx) //nolint:errcheck
	}
}

// StartRabbitMQ starts a RabbitMQ container and returns its AMQP URL
func StartRabbitMQ(ctx context.Context) (*Container, error) {
	c, err := rabbitmq.Run(ctx, "rabbitmq:4-management-alpine")
	if err != nil {
		return nil, fmt.Errorf("starting RabbitMQ: %w", err)
	}

	url, err := c.AmqpURL(ctx)
	if err != nil {
		c.Terminate(ctx) //nolint:errcheck
		return nil, err
	}
	return &Container{Container: c, URL: url}, nil
}

// StartPostgres starts a PostgreSQL container and returns its connection string
func StartPostgres(ctx context.Context) (*Container, error) {
	c, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("mmate"),
		postgres.WithUsername("mmate"),
		postgres.WithPassword("mmate"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("starting PostgreSQL: %w", err)
	}

	url, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		c.Terminate(ctx) //nolint:errcheck
		return nil, err
	}
	return &Container{Container: c, URL: url}, nil
}

// StartMongo starts a MongoDB container and returns its connection string
func StartMongo(ctx context.Context) (*Container, error) {
	c, err := mongodb.Run(ctx, "mongo:7")
	if err != nil {
		return nil, fmt.Errorf("starting MongoDB: %w", err)
	}

	url, err := c.ConnectionString(ctx)
	if err != nil {
		c.Terminate(ctx) //nolint:errcheck
		return nil, err
	}
	return &Container{Container: c, URL: url}, nil
}

// Must starts a container for a test and terminates it on cleanup
func Must(t *testing.T, start func(context.Context) (*Container, error)) *Container {
	t.Helper()
	ctx := context.Background()

	c, err := start(ctx)
	if err != nil {
		t.Fatalf("start container: %v", err)
	}
	t.Cleanup(func() { c.Terminate(context.Background()) })
	return c
}
