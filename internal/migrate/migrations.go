// Package migrate applies the embedded SQLite schema.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"phaseline/internal/db"
)

//go:embed sql/*.sql
var scripts embed.FS

// Migration is one numbered script under sql/, named NNNN_description.sql.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Applied is a row of the schema_migrations ledger.
type Applied struct {
	Version   int
	Name      string
	AppliedAt string
}

// Available lists the embedded migrations in version order.
func Available() ([]Migration, error) {
	entries, err := fs.ReadDir(scripts, "sql")
	if err != nil {
		return nil, err
	}
	var out []Migration
	seen := map[int]string{}
	for _, ent := range entries {
		if ent.IsDir() || path.Ext(ent.Name()) != ".sql" {
			continue
		}
		prefix, _, ok := strings.Cut(ent.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: missing version prefix", ent.Name())
		}
		v, err := strconv.Atoi(prefix)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: bad version %q", ent.Name(), prefix)
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migration %s: version %d already used by %s", ent.Name(), v, prev)
		}
		seen[v] = ent.Name()
		body, err := scripts.ReadFile("sql/" + ent.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{Version: v, Name: strings.TrimSuffix(ent.Name(), ".sql"), SQL: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Migrate brings conn up to the latest embedded version.
func Migrate(ctx context.Context, conn *sql.DB) error {
	_, err := Up(ctx, conn)
	return err
}

// Up applies every pending migration, each in its own transaction, and returns the ones it ran.
// Busy or locked databases surface as domain.ErrTransientStorage.
func Up(ctx context.Context, conn *sql.DB) ([]Migration, error) {
	all, err := Available()
	if err != nil {
		return nil, err
	}
	if err := ensureLedger(ctx, conn); err != nil {
		return nil, db.Classify(err)
	}
	done, err := appliedSet(ctx, conn)
	if err != nil {
		return nil, db.Classify(err)
	}
	var ran []Migration
	for _, m := range all {
		if done[m.Version] {
			continue
		}
		applied, err := apply(ctx, conn, m)
		if err != nil {
			return ran, fmt.Errorf("migration %s: %w", m.Name, db.Classify(err))
		}
		if applied {
			ran = append(ran, m)
		}
	}
	return ran, nil
}

// History returns the applied migrations, oldest first.
func History(ctx context.Context, conn *sql.DB) ([]Applied, error) {
	if err := ensureLedger(ctx, conn); err != nil {
		return nil, db.Classify(err)
	}
	rows, err := conn.QueryContext(ctx, `SELECT version,name,applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, db.Classify(err)
	}
	defer rows.Close()
	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Version, &a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, db.Classify(rows.Err())
}

func apply(ctx context.Context, conn *sql.DB, m Migration) (bool, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version=?`, m.Version).Scan(&n); err != nil {
		return false, err
	}
	if n > 0 {
		// applied by another process since appliedSet
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version,name,applied_at) VALUES(?,?,?)`,
		m.Version, m.Name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ensureLedger creates schema_migrations and folds in the single-row schema_version table
// written by earlier releases.
func ensureLedger(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	var legacy int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&legacy)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows), strings.Contains(err.Error(), "no such table"):
		return nil
	default:
		return err
	}
	all, err := Available()
	if err != nil {
		return err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	for _, m := range all {
		if m.Version > legacy {
			break
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO schema_migrations(version,name,applied_at) VALUES(?,?,?)`, m.Version, m.Name, now); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE schema_version`); err != nil {
		return err
	}
	return tx.Commit()
}

func appliedSet(ctx context.Context, conn *sql.DB) (map[int]bool, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	done := map[int]bool{}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		done[v] = true
	}
	return done, rows.Err()
}
