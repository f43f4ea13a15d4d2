// Package store persists plugin configuration snapshots and the macro run
// history in SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/goatkit/macrohost/internal/apierrors"
	"github.com/goatkit/macrohost/internal/macro"
	"github.com/goatkit/macrohost/pkg/plugin"
)

//go:embed schema.sql
var schemaSQL string

// Store is a SQLite database. It implements the registry's ConfigStore and
// the macro runner's Recorder.
type Store struct {
	db *sqlx.DB
}

// Open creates or opens the database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	const op = "store.Open"
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDependency, op, err)
	}
	// SQLite has a single writer; one connection also keeps :memory: alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON", schemaSQL} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, apierrors.Wrapf(apierrors.CodeDependency, op, err, "%s", path)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type configRow struct {
	PluginID   string    `db:"plugin_id"`
	PluginName string    `db:"plugin_name"`
	Config     string    `db:"config"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// SavePluginConfig upserts the snapshot of a plugin's configuration.
func (s *Store) SavePluginConfig(ctx context.Context, id uuid.UUID, name string, cfg plugin.Config) error {
	const op = "store.SavePluginConfig"
	data, err := json.Marshal(cfg)
	if err != nil {
		return apierrors.Wrapf(apierrors.CodeInvalidConfiguration, op, err, "plugin %q", name)
	}
	row := configRow{PluginID: id.String(), PluginName: name, Config: string(data), UpdatedAt: time.Now().UTC()}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO plugin_configs (plugin_id, plugin_name, config, updated_at)
		VALUES (:plugin_id, :plugin_name, :config, :updated_at)
		ON CONFLICT(plugin_id) DO UPDATE SET
			plugin_name = excluded.plugin_name,
			config = excluded.config,
			updated_at = excluded.updated_at`, row)
	if err != nil {
		return apierrors.Wrap(apierrors.CodeDependency, op, err)
	}
	return nil
}

// LoadPluginConfig returns the stored snapshot and whether there was one.
func (s *Store) LoadPluginConfig(ctx context.Context, id uuid.UUID) (plugin.Config, bool, error) {
	const op = "store.LoadPluginConfig"
	var row configRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM plugin_configs WHERE plugin_id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apierrors.Wrap(apierrors.CodeDependency, op, err)
	}
	var cfg plugin.Config
	if err := json.Unmarshal([]byte(row.Config), &cfg); err != nil {
		return nil, false, apierrors.Wrapf(apierrors.CodeInvalidState, op, err, "stored config of %q", row.PluginName)
	}
	return cfg, true, nil
}

// DeletePluginConfig drops a snapshot. A missing snapshot is not an error.
func (s *Store) DeletePluginConfig(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM plugin_configs WHERE plugin_id = ?`, id.String()); err != nil {
		return apierrors.Wrap(apierrors.CodeDependency, "store.DeletePluginConfig", err)
	}
	return nil
}

type runRow struct {
	ID         string    `db:"id"`
	MacroID    string    `db:"macro_id"`
	MacroName  string    `db:"macro_name"`
	State      string    `db:"state"`
	Reason     string    `db:"reason"`
	Steps      int       `db:"steps"`
	StartedAt  time.Time `db:"started_at"`
	FinishedAt time.Time `db:"finished_at"`
}

func (r runRow) run() (macro.Run, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return macro.Run{}, err
	}
	macroID, err := uuid.Parse(r.MacroID)
	if err != nil {
		return macro.Run{}, err
	}
	state, err := macro.ParseState(r.State)
	if err != nil {
		return macro.Run{}, err
	}
	return macro.Run{
		ID:         id,
		MacroID:    macroID,
		MacroName:  r.MacroName,
		State:      state,
		Reason:     r.Reason,
		Steps:      r.Steps,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}, nil
}

// RecordRun implements macro.Recorder.
func (s *Store) RecordRun(ctx context.Context, run macro.Run) error {
	row := runRow{
		ID:         run.ID.String(),
		MacroID:    run.MacroID.String(),
		MacroName:  run.MacroName,
		State:      run.State.String(),
		Reason:     run.Reason,
		Steps:      run.Steps,
		StartedAt:  run.StartedAt.UTC(),
		FinishedAt: run.FinishedAt.UTC(),
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO macro_runs (id, macro_id, macro_name, state, reason, steps, started_at, finished_at)
		VALUES (:id, :macro_id, :macro_name, :state, :reason, :steps, :started_at, :finished_at)`, row)
	if err != nil {
		return apierrors.Wrap(apierrors.CodeDependency, "store.RecordRun", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first. A nil macroID means
// every macro.
func (s *Store) RecentRuns(ctx context.Context, macroID uuid.UUID, limit int) ([]macro.Run, error) {
	const op = "store.RecentRuns"
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT * FROM macro_runs`
	args := []any{}
	if macroID != uuid.Nil {
		query += ` WHERE macro_id = ?`
		args = append(args, macroID.String())
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limit)

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apierrors.Wrap(apierrors.CodeDependency, op, err)
	}
	out := make([]macro.Run, 0, len(rows))
	for _, r := range rows {
		run, err := r.run()
		if err != nil {
			return nil, apierrors.Wrapf(apierrors.CodeInvalidState, op, err, "run %s", r.ID)
		}
		out = append(out, run)
	}
	return out, nil
}

// PruneRuns deletes runs that finished before cutoff and returns how many.
func (s *Store) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM macro_runs WHERE finished_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, apierrors.Wrap(apierrors.CodeDependency, "store.PruneRuns", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
