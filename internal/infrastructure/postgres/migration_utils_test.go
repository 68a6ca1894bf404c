//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/baechuer/real-time-ressys/services/relay-service/internal/infrastructure/postgres"
)

// startPostgres brings up a disposable postgres, opens the relay pool
// against it and applies the schema from migrations/.
func startPostgres(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "relay",
			"POSTGRES_PASSWORD": "relay",
			"POSTGRES_DB":       "relay_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(30 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://relay:relay@%s:%s/relay_test?sslmode=disable", host, port.Port())
	db, err := postgres.Open(dsn, 4, 5*time.Minute, 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ApplyMigrations(t, db, "../../../migrations")
	return db
}

func ApplyMigrations(t *testing.T, db *sql.DB, migrationsDir string) {
	t.Helper()
	absDir, _ := filepath.Abs(migrationsDir)
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir %q (abs: %q): %v", migrationsDir, absDir, err)
	}

	var files []os.DirEntry
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e)
		}
	}
	if len(files) == 0 {
		t.Fatalf("no migration files found in %q", absDir)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Name() < files[j].Name()
	})

	for _, f := range files {
		content, err := os.ReadFile(filepath.Join(migrationsDir, f.Name()))
		if err != nil {
			t.Fatalf("read migration %s: %v", f.Name(), err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			t.Fatalf("apply migration %s: %v", f.Name(), err)
		}
	}
}

// resetTables wipes relay state between subtests sharing one container.
func resetTables(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.Exec("TRUNCATE TABLE event_outbox, consumer_watermarks RESTART IDENTITY CASCADE")
	require.NoError(t, err)
}
