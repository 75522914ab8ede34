package infra

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenTestDB returns a migrated pool in a throwaway schema. It uses
// ESCROW_TEST_PG_DSN when set, otherwise a Postgres container; without either
// the test is skipped. Everything is torn down through t.Cleanup.
func OpenTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("database tests skipped in -short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn := os.Getenv(DSNEnv)
	if dsn == "" {
		if !DockerAvailable(ctx) {
			t.Skipf("set %s or run Docker to execute database tests", DSNEnv)
		}
		pgC, containerDSN, err := StartPostgres(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
		t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })
		dsn = containerDSN
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, true)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown: %v", err)
		}
	})
	return pool
}

// DockerAvailable reports whether a Docker daemon answers.
func DockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	return exec.CommandContext(ctx, "docker", "info").Run() == nil
}
