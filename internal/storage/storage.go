package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite catalog of runs, frames and exports.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases shared and writes serialized
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            project_id TEXT NOT NULL,
            kind TEXT NOT NULL,
            status TEXT NOT NULL,
            flags_json TEXT,
            captured INTEGER DEFAULT 0,
            fused INTEGER DEFAULT 0,
            failed INTEGER DEFAULT 0,
            created_at TIMESTAMP NOT NULL,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS frames (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            frame_index INTEGER NOT NULL,
            file_path TEXT NOT NULL,
            captured_at TIMESTAMP,
            is_raw BOOLEAN DEFAULT FALSE,
            metadata_json TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS exports (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            project_id TEXT NOT NULL,
            kind TEXT NOT NULL,
            path TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project_id ON runs(project_id);`,
		`CREATE INDEX IF NOT EXISTS idx_frames_run_id ON frames(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_exports_project_id ON exports(project_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusDeferred  = "deferred"
	StatusFailed    = "failed"
)

// RunRecord captures one capture or reprocessing run.
type RunRecord struct {
	ID          string
	ProjectID   string
	Kind        string // capture, reprocess
	Status      string
	Flags       map[string]any
	Captured    int
	Fused       int
	Failed      int
	Error       string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// FrameRecord captures one retained frame.
type FrameRecord struct {
	RunID      string
	Index      int
	Path       string
	CapturedAt time.Time
	Raw        bool
	Metadata   map[string]any
}

// ExportRecord captures one gallery export.
type ExportRecord struct {
	ProjectID string
	Kind      string
	Path      string
	CreatedAt time.Time
}

// RecordRunStarted inserts a running run.
func (s *Store) RecordRunStarted(rec RunRecord) error {
	if s == nil {
		return nil
	}
	flagsJSON, _ := json.Marshal(rec.Flags)
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, project_id, kind, status, flags_json, created_at) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.ProjectID, rec.Kind, StatusRunning, string(flagsJSON), created.UTC())
	return err
}

// RecordRunProgress updates the counters of a running run.
func (s *Store) RecordRunProgress(id string, captured, fused, failed int) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET captured=?, fused=?, failed=? WHERE id=?;`, captured, fused, failed, id)
	return err
}

// RecordRunResult finalizes a run with its status and classified error.
func (s *Store) RecordRunResult(id, status string, captured, fused, failed int, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status=?, captured=?, fused=?, failed=?, completed_at=?, error_message=? WHERE id=?;`,
		status, captured, fused, failed, time.Now().UTC(), errMsg, id)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	return s.queryRuns(`SELECT id, project_id, kind, status, flags_json, captured, fused, failed, created_at, completed_at, error_message FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
}

// ProjectRuns returns every run recorded for a project, newest first.
func (s *Store) ProjectRuns(projectID string) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	return s.queryRuns(`SELECT id, project_id, kind, status, flags_json, captured, fused, failed, created_at, completed_at, error_message FROM runs WHERE project_id=? ORDER BY created_at DESC, rowid DESC;`, projectID)
}

func (s *Store) queryRuns(query string, args ...any) ([]RunRecord, error) {
	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var flagsJSON, errorMsg sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.ProjectID, &rec.Kind, &rec.Status, &flagsJSON, &rec.Captured, &rec.Fused, &rec.Failed, &rec.CreatedAt, &completed, &errorMsg); err != nil {
			return nil, err
		}
		if flagsJSON.Valid && flagsJSON.String != "" {
			if err := json.Unmarshal([]byte(flagsJSON.String), &rec.Flags); err != nil {
				return nil, fmt.Errorf("unmarshal flags: %w", err)
			}
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordFrame stores a retained frame and its capture metadata.
func (s *Store) RecordFrame(rec FrameRecord) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(rec.Metadata)
	_, err := s.DB.Exec(`INSERT INTO frames (run_id, frame_index, file_path, captured_at, is_raw, metadata_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.Index, rec.Path, rec.CapturedAt.UTC(), rec.Raw, string(metaJSON))
	return err
}

// FrameCount returns how many frames a run recorded.
func (s *Store) FrameCount(runID string) (int, error) {
	if s == nil {
		return 0, errors.New("store not initialized")
	}
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM frames WHERE run_id=?;`, runID).Scan(&n)
	return n, err
}

// RecordExport stores a gallery export.
func (s *Store) RecordExport(rec ExportRecord) error {
	if s == nil {
		return nil
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.DB.Exec(`INSERT INTO exports (project_id, kind, path, created_at) VALUES (?, ?, ?, ?);`,
		rec.ProjectID, rec.Kind, rec.Path, created.UTC())
	return err
}

// Exports returns the exports of a project in insertion order.
func (s *Store) Exports(projectID string) ([]ExportRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT project_id, kind, path, created_at FROM exports WHERE project_id=? ORDER BY id;`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ExportRecord
	for rows.Next() {
		var rec ExportRecord
		if err := rows.Scan(&rec.ProjectID, &rec.Kind, &rec.Path, &rec.CreatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// DeleteProject removes every catalog row of a project.
func (s *Store) DeleteProject(projectID string) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmts := []string{
		`DELETE FROM frames WHERE run_id IN (SELECT id FROM runs WHERE project_id=?);`,
		`DELETE FROM runs WHERE project_id=?;`,
		`DELETE FROM exports WHERE project_id=?;`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, projectID); err != nil {
			return err
		}
	}
	return tx.Commit()
}
