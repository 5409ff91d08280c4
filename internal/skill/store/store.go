// Package store persists skill settings and install state in sqlite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a setting or install record is absent.
var ErrNotFound = errors.New("store: not found")

// Store is the on-disk state shared by skill loads: per-skill settings
// bags and install records. Settings values are stored as JSON so the
// bag round-trips arbitrary payload shapes.
type Store struct {
	db *sql.DB
}

// InstallState mirrors the lifecycle states worth persisting across
// restarts.
type InstallState string

const (
	InstallStateInstalled InstallState = "installed"
	InstallStateFailed    InstallState = "failed"
	InstallStateRemoved   InstallState = "removed"
)

// InstallRecord is one skill's install bookkeeping row.
type InstallRecord struct {
	Skill       string
	Version     string
	State       InstallState
	Error       string
	InstalledAt time.Time
	UpdatedAt   time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS skill_settings (
	skill      TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (skill, key)
);

CREATE TABLE IF NOT EXISTS skill_installs (
	skill        TEXT PRIMARY KEY,
	version      TEXT NOT NULL,
	state        TEXT NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	installed_at INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);
`

// Open opens (creating if needed) the database at dir/skills.db.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dsn := filepath.Join(dir, "skills.db")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dsn, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetSetting writes one key of a skill's settings bag.
func (s *Store) SetSetting(ctx context.Context, skill, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %s/%s: %w", skill, key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO skill_settings (skill, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (skill, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at;`,
		skill, key, string(raw), time.Now().UnixMilli())
	return err
}

// Setting reads one key, returning its value and last write time.
func (s *Store) Setting(ctx context.Context, skill, key string) (any, time.Time, error) {
	var raw string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, updated_at FROM skill_settings WHERE skill = ? AND key = ?;`,
		skill, key).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to decode setting %s/%s: %w", skill, key, err)
	}
	return value, time.UnixMilli(updatedAt), nil
}

// Settings reads a skill's full bag.
func (s *Store) Settings(ctx context.Context, skill string) (map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM skill_settings WHERE skill = ?;`, skill)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bag := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("failed to decode setting %s/%s: %w", skill, key, err)
		}
		bag[key] = value
	}
	return bag, rows.Err()
}

// SettingTimes returns the last write time per key, used by the sync
// loop's last-writer-wins merge.
func (s *Store) SettingTimes(ctx context.Context, skill string) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, updated_at FROM skill_settings WHERE skill = ?;`, skill)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	times := make(map[string]time.Time)
	for rows.Next() {
		var key string
		var updatedAt int64
		if err := rows.Scan(&key, &updatedAt); err != nil {
			return nil, err
		}
		times[key] = time.UnixMilli(updatedAt)
	}
	return times, rows.Err()
}

// DeleteSetting removes one key.
func (s *Store) DeleteSetting(ctx context.Context, skill, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM skill_settings WHERE skill = ? AND key = ?;`, skill, key)
	return err
}

// DeleteSettings removes a skill's whole bag. Called when a skill is
// removed, not on unload: settings survive reloads.
func (s *Store) DeleteSettings(ctx context.Context, skill string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM skill_settings WHERE skill = ?;`, skill)
	return err
}

// RecordInstall upserts a skill's install row.
func (s *Store) RecordInstall(ctx context.Context, rec InstallRecord) error {
	now := time.Now()
	if rec.InstalledAt.IsZero() {
		rec.InstalledAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skill_installs (skill, version, state, error, installed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (skill) DO UPDATE SET
			version = excluded.version,
			state = excluded.state,
			error = excluded.error,
			updated_at = excluded.updated_at;`,
		rec.Skill, rec.Version, string(rec.State), rec.Error,
		rec.InstalledAt.UnixMilli(), now.UnixMilli())
	return err
}

// Install reads one skill's install row.
func (s *Store) Install(ctx context.Context, skill string) (InstallRecord, error) {
	var rec InstallRecord
	var state string
	var installedAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT skill, version, state, error, installed_at, updated_at
		FROM skill_installs WHERE skill = ?;`, skill).
		Scan(&rec.Skill, &rec.Version, &state, &rec.Error, &installedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return InstallRecord{}, ErrNotFound
	}
	if err != nil {
		return InstallRecord{}, err
	}
	rec.State = InstallState(state)
	rec.InstalledAt = time.UnixMilli(installedAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return rec, nil
}

// Installs lists every install row.
func (s *Store) Installs(ctx context.Context) ([]InstallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT skill, version, state, error, installed_at, updated_at
		FROM skill_installs ORDER BY skill;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []InstallRecord
	for rows.Next() {
		var rec InstallRecord
		var state string
		var installedAt, updatedAt int64
		if err := rows.Scan(&rec.Skill, &rec.Version, &state, &rec.Error, &installedAt, &updatedAt); err != nil {
			return nil, err
		}
		rec.State = InstallState(state)
		rec.InstalledAt = time.UnixMilli(installedAt)
		rec.UpdatedAt = time.UnixMilli(updatedAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
