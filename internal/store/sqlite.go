package store

import (
	"context"
	"database/sql"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	apperrors "github.com/calm-listener/platform/internal/errors"
)

// JobRecord is one row of job history.
type JobRecord struct {
	ID             string
	SegmentID      string
	JobID          string
	ConversationID string
	Status         string
	Polls          int
	Verdict        string
	MinScore       *float64
	Transcript     string
	Error          string
	SubmittedAt    time.Time
	CompletedAt    time.Time
}

// SQLiteStore keeps job history in a SQLite database.
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex
	entropy *rand.Rand
}

// OpenSQLite opens or creates the database at path in WAL mode.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ConfigInvalid, "create db dir")
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "open db")
	}
	s := &SQLiteStore{db: db, entropy: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(err, apperrors.Internal, "migrate")
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS jobs (
		id              TEXT PRIMARY KEY,
		segment_id      TEXT NOT NULL,
		job_id          TEXT,
		conversation_id TEXT,
		status          TEXT NOT NULL,
		polls           INTEGER NOT NULL DEFAULT 0,
		verdict         TEXT,
		min_score       REAL,
		transcript      TEXT,
		error           TEXT,
		submitted_at    TEXT NOT NULL,
		completed_at    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_submitted ON jobs(submitted_at DESC);
	`)
	return err
}

func (s *SQLiteStore) newID(at time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), s.entropy).String()
}

// SaveJobs inserts records in one transaction. Records without an ID get
// one.
func (s *SQLiteStore) SaveJobs(ctx context.Context, recs []JobRecord) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "begin")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO jobs
		(id, segment_id, job_id, conversation_id, status, polls, verdict, min_score, transcript, error, submitted_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "prepare insert")
	}
	defer stmt.Close()

	for _, r := range recs {
		if r.ID == "" {
			r.ID = s.newID(r.SubmittedAt)
		}
		var minScore sql.NullFloat64
		if r.MinScore != nil {
			minScore = sql.NullFloat64{Float64: *r.MinScore, Valid: true}
		}
		_, err := stmt.ExecContext(ctx, r.ID, r.SegmentID, r.JobID, r.ConversationID, r.Status, r.Polls,
			r.Verdict, minScore, r.Transcript, r.Error,
			r.SubmittedAt.UTC().Format(time.RFC3339Nano), formatTime(r.CompletedAt))
		if err != nil {
			return apperrors.Wrapf(err, apperrors.Internal, "insert job %s", r.SegmentID)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "commit")
	}
	return nil
}

// RecentJobs returns up to limit records, newest first.
func (s *SQLiteStore) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, segment_id, job_id, conversation_id, status, polls,
		verdict, min_score, transcript, error, submitted_at, completed_at
		FROM jobs ORDER BY submitted_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "query jobs")
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			r                                     JobRecord
			jobID, convID, verdict, text, errText sql.NullString
			minScore                              sql.NullFloat64
			submitted                             string
			completed                             sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.SegmentID, &jobID, &convID, &r.Status, &r.Polls,
			&verdict, &minScore, &text, &errText, &submitted, &completed); err != nil {
			return nil, apperrors.Wrap(err, apperrors.Internal, "scan job")
		}
		r.JobID, r.ConversationID, r.Verdict = jobID.String, convID.String, verdict.String
		r.Transcript, r.Error = text.String, errText.String
		if minScore.Valid {
			v := minScore.Float64
			r.MinScore = &v
		}
		r.SubmittedAt, _ = time.Parse(time.RFC3339Nano, submitted)
		if completed.Valid && completed.String != "" {
			r.CompletedAt, _ = time.Parse(time.RFC3339Nano, completed.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
