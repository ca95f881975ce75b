// Package containers starts throwaway dependencies for integration tests.
package containers

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fifthgg/matchmaking/db"
)

const (
	image      = "postgres:16.3-alpine"
	dbName     = "fifthgg"
	dbUser     = "fifthgg"
	dbPassword = "secret"
)

// DBContainer is a migrated Postgres instance.
type DBContainer struct {
	container *postgres.PostgresContainer
	connStr   string
}

// NewDBContainer starts Postgres and applies the embedded migrations.
func NewDBContainer(ctx context.Context) (*DBContainer, error) {
	container, err := postgres.Run(ctx, image,
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres: %w", err)
	}

	c := &DBContainer{container: container}
	// sslmode=disable because the container is not configured to use TLS
	c.connStr, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		c.Shutdown(ctx)
		return nil, fmt.Errorf("connection string: %w", err)
	}

	if err := migrate(c.connStr); err != nil {
		c.Shutdown(ctx)
		return nil, err
	}
	return c, nil
}

func migrate(connStr string) error {
	conn, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer conn.Close()

	goose.SetBaseFS(db.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(conn, db.MigrationsDir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// ConnectionString returns the pgx DSN for the container.
func (c *DBContainer) ConnectionString() string { return c.connStr }

// Shutdown terminates the container.
func (c *DBContainer) Shutdown(ctx context.Context) {
	_ = c.container.Terminate(ctx)
}
