// Package storage provides SQLite-backed persistence for tenders, flags,
// risk scores, calibration models, temporal profiles, and alerts.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ChangeKind labels an entry of the tender change log.
type ChangeKind string

const (
	ChangeTender ChangeKind = "tender"
	ChangeBid    ChangeKind = "bid"
	ChangeReview ChangeKind = "review"
	ChangeFlags  ChangeKind = "flags"
	ChangeScore  ChangeKind = "score"
	// ChangeRescore asks for a stored score to be recomputed although the
	// tender itself did not change.
	ChangeRescore ChangeKind = "rescore"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db *sql.DB
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/tenderwatch/data.db.
func New(dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "tenderwatch", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tenders (
			id                    TEXT PRIMARY KEY,
			title                 TEXT NOT NULL DEFAULT '',
			institution_id        TEXT NOT NULL,
			institution_name      TEXT NOT NULL DEFAULT '',
			procedure_type        TEXT NOT NULL DEFAULT '',
			estimated_value       REAL NOT NULL DEFAULT 0,
			awarded_value         REAL NOT NULL DEFAULT 0,
			bidder_count          INTEGER NOT NULL DEFAULT 0,
			published_at          INTEGER NOT NULL DEFAULT 0,
			submission_deadline   INTEGER NOT NULL DEFAULT 0,
			awarded_at            INTEGER NOT NULL DEFAULT 0,
			winner_id             TEXT NOT NULL DEFAULT '',
			winner_name           TEXT NOT NULL DEFAULT '',
			status                TEXT NOT NULL,
			document_completeness REAL NOT NULL DEFAULT -1,
			updated_at            INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tenders_institution ON tenders(institution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tenders_winner ON tenders(winner_id)`,
		`CREATE TABLE IF NOT EXISTS bids (
			tender_id    TEXT NOT NULL REFERENCES tenders(id) ON DELETE CASCADE,
			bidder_id    TEXT NOT NULL,
			bidder_name  TEXT NOT NULL DEFAULT '',
			amount       REAL NOT NULL,
			submitted_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (tender_id, bidder_id)
		)`,
		`CREATE TABLE IF NOT EXISTS flags (
			id             TEXT PRIMARY KEY,
			tender_id      TEXT NOT NULL REFERENCES tenders(id) ON DELETE CASCADE,
			flag_type      TEXT NOT NULL,
			severity       TEXT NOT NULL,
			confidence     REAL NOT NULL,
			evidence       TEXT NOT NULL DEFAULT '{}',
			detector_rev   INTEGER NOT NULL,
			fingerprint    TEXT NOT NULL,
			detected_at    INTEGER NOT NULL,
			false_positive INTEGER NOT NULL DEFAULT 0,
			superseded     INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_flags_tender ON flags(tender_id)`,
		`CREATE TABLE IF NOT EXISTS risk_scores (
			tender_id              TEXT PRIMARY KEY REFERENCES tenders(id) ON DELETE CASCADE,
			raw_score              REAL NOT NULL,
			calibrated_probability REAL NOT NULL,
			ci_lower               REAL NOT NULL,
			ci_upper               REAL NOT NULL,
			uncertainty            TEXT NOT NULL,
			data_completeness      REAL NOT NULL,
			risk_level             TEXT NOT NULL,
			flag_count             INTEGER NOT NULL,
			top_flags              TEXT NOT NULL DEFAULT '[]',
			model_version          TEXT NOT NULL,
			computed_at            INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tender_changes (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			tender_id  TEXT NOT NULL,
			kind       TEXT NOT NULL,
			changed_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tender_changes_kind ON tender_changes(kind, seq)`,
		`CREATE TABLE IF NOT EXISTS calibration_models (
			id                   TEXT PRIMARY KEY,
			model_name           TEXT NOT NULL,
			version              INTEGER NOT NULL,
			alpha                REAL NOT NULL,
			quantile_threshold   REAL NOT NULL,
			platt_a              REAL NOT NULL,
			platt_b              REAL NOT NULL,
			calibration_set_size INTEGER NOT NULL,
			training_set_size    INTEGER NOT NULL,
			ece                  REAL NOT NULL,
			mce                  REAL NOT NULL,
			ece_threshold        REAL NOT NULL,
			is_well_calibrated   INTEGER NOT NULL,
			active               INTEGER NOT NULL DEFAULT 0,
			fitted_at            INTEGER NOT NULL,
			UNIQUE (model_name, alpha, version)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_calibration_models_active
			ON calibration_models(model_name, alpha) WHERE active = 1`,
		`CREATE TABLE IF NOT EXISTS calibration_checks (
			id              TEXT PRIMARY KEY,
			model_id        TEXT NOT NULL,
			model_name      TEXT NOT NULL,
			ece             REAL NOT NULL,
			mce             REAL NOT NULL,
			coverage_actual REAL NOT NULL,
			coverage_target REAL NOT NULL,
			n_samples       INTEGER NOT NULL,
			drift_detected  INTEGER NOT NULL,
			reasons         TEXT NOT NULL DEFAULT '[]',
			checked_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calibration_checks_model ON calibration_checks(model_name, checked_at)`,
		`CREATE TABLE IF NOT EXISTS temporal_profiles (
			entity_type               TEXT NOT NULL,
			entity_id                 TEXT NOT NULL,
			point_count               INTEGER NOT NULL,
			rolling_avg_30d           REAL NOT NULL,
			rolling_avg_90d           REAL NOT NULL,
			rolling_avg_365d          REAL NOT NULL,
			trend_slope               REAL NOT NULL,
			volatility                REAL NOT NULL,
			change_points             TEXT NOT NULL DEFAULT '[]',
			trajectory                TEXT NOT NULL,
			trajectory_confidence     REAL NOT NULL,
			trajectory_description    TEXT NOT NULL DEFAULT '',
			trajectory_recommendation TEXT NOT NULL DEFAULT '',
			period_start              INTEGER NOT NULL,
			period_end                INTEGER NOT NULL,
			computed_at               INTEGER NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		)`,
		`CREATE TABLE IF NOT EXISTS alert_subscriptions (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			rule_type       TEXT NOT NULL,
			rule_config     TEXT NOT NULL DEFAULT '{}',
			severity_filter TEXT NOT NULL DEFAULT '',
			active          INTEGER NOT NULL DEFAULT 1,
			created_at      INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id              TEXT PRIMARY KEY,
			subscription_id TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			tender_id       TEXT NOT NULL,
			rule_type       TEXT NOT NULL,
			severity        TEXT NOT NULL,
			title           TEXT NOT NULL,
			details         TEXT NOT NULL DEFAULT '',
			created_at      INTEGER NOT NULL,
			read            INTEGER NOT NULL DEFAULT 0,
			UNIQUE (user_id, tender_id, rule_type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS review_feedback (
			id         TEXT PRIMARY KEY,
			tender_id  TEXT NOT NULL DEFAULT '',
			flag_id    TEXT NOT NULL DEFAULT '',
			verdict    TEXT NOT NULL,
			confidence REAL NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_review_feedback_tender ON review_feedback(tender_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS pipeline_state (
			name       TEXT PRIMARY KEY,
			value      INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func logChange(ctx context.Context, ex execer, tenderID string, kind ChangeKind, at time.Time) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO tender_changes (tender_id, kind, changed_at) VALUES (?,?,?)`,
		tenderID, string(kind), toNanos(at))
	if err != nil {
		return fmt.Errorf("failed to log %s change: %w", kind, err)
	}
	return nil
}

// toNanos maps the zero time to 0 so unset timestamps survive a round trip.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func noLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
