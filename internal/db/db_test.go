package db_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/migrate"
)

func TestOpenCreatesWorkspaceAndMigrates(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	// a second run is a no-op
	require.NoError(t, migrate.Migrate(context.Background(), conn))

	_, err = os.Stat(db.Path(dir))
	require.NoError(t, err)

	var mode string
	require.NoError(t, conn.QueryRow(`PRAGMA journal_mode`).Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestIsUniqueViolation(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(context.Background(), conn))

	insert := `INSERT INTO projects(id,name,client_id,status,created_at) VALUES('p1','P1',NULL,'active','2025-01-01T00:00:00Z')`
	_, err = conn.Exec(insert)
	require.NoError(t, err)
	_, err = conn.Exec(insert)
	require.Error(t, err)
	assert.True(t, db.IsUniqueViolation(err))
	assert.False(t, db.IsUniqueViolation(errors.New("boom")))
	assert.False(t, db.IsUniqueViolation(nil))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, db.Classify(nil))

	plain := errors.New("no such table: nope")
	assert.Same(t, plain, db.Classify(plain))

	locked := db.Classify(fmt.Errorf("exec: %w", errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.ErrorIs(t, locked, domain.ErrTransientStorage)

	already := fmt.Errorf("wrapped: %w", domain.ErrTransientStorage)
	assert.Same(t, already, db.Classify(already))
}
