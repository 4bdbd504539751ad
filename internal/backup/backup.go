// Package backup takes consistent snapshots of the SQLite fact store,
// verifies and restores them, and prunes old snapshots by age tier.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const (
	filePrefix = "chronicle-"
	fileExt    = ".db"
	timeLayout = "20060102-150405.000000"
)

// Info describes one snapshot file.
type Info struct {
	Path  string    `json:"path"`
	Taken time.Time `json:"taken"`
	Size  int64     `json:"size"`
}

// Snapshot writes a verified point-in-time copy of the database at dbPath
// into dir. VACUUM INTO reads through the WAL, so the store may stay open.
func Snapshot(ctx context.Context, dbPath, dir string, now time.Time) (*Info, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	taken := now.UTC()
	dest := filepath.Join(dir, filePrefix+taken.Format(timeLayout)+fileExt)
	if err := vacuumInto(ctx, dbPath, dest); err != nil {
		return nil, err
	}
	if err := Verify(ctx, dest); err != nil {
		_ = os.Remove(dest)
		return nil, err
	}

	st, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("stat backup: %w", err)
	}
	return &Info{Path: dest, Taken: taken, Size: st.Size()}, nil
}

// Verify runs SQLite's integrity check against the file at path.
func Verify(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("backup not found: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check %s: %w", path, err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check %s failed: %s", path, result)
	}
	return nil
}

// Restore replaces the database at target with the snapshot at src. The
// store must not be open. The replaced database is kept as
// target+".pre-restore" until the restored copy verifies.
func Restore(ctx context.Context, src, target string) error {
	if err := Verify(ctx, src); err != nil {
		return fmt.Errorf("refusing to restore: %w", err)
	}

	rollback := target + ".pre-restore"
	_, statErr := os.Stat(target)
	hadTarget := statErr == nil
	if hadTarget {
		_ = os.Remove(rollback)
		if err := vacuumInto(ctx, target, rollback); err != nil {
			return fmt.Errorf("saving current database: %w", err)
		}
	}

	if err := copyFile(src, target); err != nil {
		return err
	}
	if err := Verify(ctx, target); err != nil {
		if hadTarget {
			if rbErr := copyFile(rollback, target); rbErr != nil {
				return errors.Join(fmt.Errorf("restored database failed verification: %w", err), fmt.Errorf("rollback: %w", rbErr))
			}
		}
		return fmt.Errorf("restored database failed verification, previous state kept: %w", err)
	}

	if hadTarget {
		_ = os.Remove(rollback)
	}
	return nil
}

// openDB opens an existing file. Read-write mode lets SQLite attach the
// WAL and shared-memory files of a live store; neither caller writes.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return db, nil
}

func vacuumInto(ctx context.Context, src, dest string) error {
	db, err := openDB(src)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	quoted := strings.ReplaceAll(dest, "'", "''")
	if _, err := db.ExecContext(ctx, "VACUUM INTO '"+quoted+"'"); err != nil {
		return fmt.Errorf("snapshot %s: %w", src, err)
	}
	return nil
}

// copyFile writes src over dest through a temp file and rename. Stale WAL
// and shared-memory files of dest are removed so SQLite does not replay them.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dest + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", dest+suffix, err)
		}
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("replacing %s: %w", dest, err)
	}
	return nil
}
