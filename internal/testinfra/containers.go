// Package testinfra starts throwaway PostgreSQL and Redis containers for integration tests.
package testinfra

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type Postgres struct {
	Container testcontainers.Container
	Host      string
	Port      string
	User      string
	Password  string
	Database  string
}

func (p *Postgres) Terminate(ctx context.Context) error {
	return p.Container.Terminate(ctx)
}

func StartPostgres(ctx context.Context) (*Postgres, error) {
	pg := &Postgres{User: "clover", Password: "clover", Database: "clover"}

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     pg.User,
			"POSTGRES_PASSWORD": pg.Password,
			"POSTGRES_DB":       pg.Database,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres: %w", err)
	}
	pg.Container = container

	if pg.Host, err = container.Host(ctx); err != nil {
		return nil, err
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, err
	}
	pg.Port = port.Port()
	return pg, nil
}

type Redis struct {
	Container testcontainers.Container
	Host      string
	Port      int
}

func (r *Redis) Terminate(ctx context.Context) error {
	return r.Container.Terminate(ctx)
}

func StartRedis(ctx context.Context) (*Redis, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForLog("Ready to accept connections").
			WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start redis: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, err
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		return nil, err
	}
	return &Redis{Container: container, Host: host, Port: port.Int()}, nil
}
