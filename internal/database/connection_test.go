package database

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(domain.DatabaseConfig{
		Host:            "db",
		Port:            5432,
		Database:        "imaging_rag",
		Username:        "rag",
		Password:        "p@ss word",
		MaxOpenConns:    0,
		MaxIdleConns:    20,
		ConnMaxLifetime: time.Hour,
	})

	assert.Equal(t, int32(10), cfg.MaxConns)
	assert.Equal(t, int32(10), cfg.MinConns)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, "postgres://rag:p%40ss%20word@db:5432/imaging_rag?sslmode=disable", cfg.URL())
}

func TestDatabaseConnection(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	config := Config{
		Host:        host,
		Port:        port.Int(),
		Database:    "testdb",
		Username:    "testuser",
		Password:    "testpass",
		MaxConns:    10,
		MinConns:    2,
		MaxConnLife: time.Hour,
		MaxConnIdle: 30 * time.Minute,
		SSLMode:     "disable",
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	db, err := NewConnection(ctx, config, logger)
	if err != nil {
		t.Fatalf("Failed to create database connection: %v", err)
	}
	defer db.Close()

	if err := db.Health(ctx); err != nil {
		t.Fatalf("Database health check failed: %v", err)
	}
	if db.Stats().TotalConns() == 0 {
		t.Error("Expected at least one connection in pool")
	}

	runner, err := NewMigrationRunner(config.URL(), "../../migrations", logger)
	if err != nil {
		t.Fatalf("Failed to create migration runner: %v", err)
	}
	defer runner.Close()
	if err := runner.Up(ctx); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	version, dirty, err := runner.Version()
	if err != nil || dirty || version != 3 {
		t.Errorf("Expected clean version 3, got %d dirty=%v err=%v", version, dirty, err)
	}

	info, err := db.VectorInfo(ctx)
	if err != nil {
		t.Fatalf("Failed to read vector info: %v", err)
	}
	assert.NotEmpty(t, info.ExtensionVersion)
	assert.Zero(t, info.StoredDimension)

	_, err = db.Pool.Exec(ctx, `INSERT INTO clinical_scenarios (id, description, embedding) VALUES ('s1', 'headache', '[0.1,0.2,0.3]')`)
	if err != nil {
		t.Fatalf("Failed to insert scenario: %v", err)
	}
	info, err = db.VectorInfo(ctx)
	if err != nil {
		t.Fatalf("Failed to read vector info: %v", err)
	}
	assert.Equal(t, 3, info.StoredDimension)
	if _, err := db.Pool.Exec(ctx, `DELETE FROM clinical_scenarios`); err != nil {
		t.Fatalf("Failed to clean up: %v", err)
	}
	if err := runner.Down(ctx); err != nil {
		t.Fatalf("Failed to roll back: %v", err)
	}
}
