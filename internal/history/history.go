// Package history keeps a SQLite log of finished reviews and auto-resolve
// runs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pders01/revguard/internal/coord"
)

// Entry is one recorded run.
type Entry struct {
	ID         int64     `json:"id" yaml:"id"`
	SessionID  string    `json:"session_id" yaml:"session_id"`
	Kind       string    `json:"kind" yaml:"kind"`
	Caller     string    `json:"caller" yaml:"caller"`
	Repo       string    `json:"repo" yaml:"repo"`
	Status     string    `json:"status" yaml:"status"`
	Reason     string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	Outcome    string    `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Findings   int       `json:"findings" yaml:"findings"`
	Attempts   int       `json:"attempts" yaml:"attempts"`
	Reviews    int       `json:"reviews" yaml:"reviews"`
	Recaptures int       `json:"recaptures" yaml:"recaptures"`
	Deferrals  int       `json:"deferrals" yaml:"deferrals"`
	EpochStart uint64    `json:"epoch_start" yaml:"epoch_start"`
	EpochEnd   uint64    `json:"epoch_end" yaml:"epoch_end"`
	Snapshot   string    `json:"snapshot,omitempty" yaml:"snapshot,omitempty"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	EndedAt    time.Time `json:"ended_at" yaml:"ended_at"`
	DurationMS int64     `json:"duration_ms" yaml:"duration_ms"`
}

// FromResult flattens a coordinator result into an Entry.
func FromResult(r *coord.Result) Entry {
	e := Entry{
		SessionID:  r.SessionID,
		Kind:       string(r.Kind),
		Caller:     string(r.Caller),
		Repo:       r.Repo,
		Status:     string(r.Status),
		Reason:     r.Reason,
		Findings:   len(r.Findings),
		Attempts:   r.Attempts,
		Reviews:    r.Reviews,
		Recaptures: r.Recaptures,
		Deferrals:  r.Deferrals,
		EpochStart: r.EpochStart,
		EpochEnd:   r.EpochEnd,
		Error:      r.Error,
		StartedAt:  r.StartedAt,
		EndedAt:    r.EndedAt,
		DurationMS: r.DurationMS,
	}
	if r.Outcome != nil {
		e.Outcome = r.Outcome.String()
	}
	if n := len(r.Snapshots); n > 0 {
		e.Snapshot = r.Snapshots[n-1].CommitID
	}
	return e
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		caller TEXT NOT NULL,
		repo TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		findings INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		reviews INTEGER NOT NULL DEFAULT 0,
		recaptures INTEGER NOT NULL DEFAULT 0,
		deferrals INTEGER NOT NULL DEFAULT 0,
		epoch_start INTEGER NOT NULL DEFAULT 0,
		epoch_end INTEGER NOT NULL DEFAULT 0,
		snapshot TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		ended_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_repo_started ON runs(repo, started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
}

// Store is the history database. It implements coord.Recorder.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// SQLite has a single writer; one connection also keeps :memory: alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize history schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a finished run.
func (s *Store) Record(ctx context.Context, r *coord.Result) error {
	_, err := s.Add(ctx, FromResult(r))
	return err
}

// Add inserts e and returns its row id.
func (s *Store) Add(ctx context.Context, e Entry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO runs (
		session_id, kind, caller, repo, status, reason, outcome, findings, attempts, reviews,
		recaptures, deferrals, epoch_start, epoch_end, snapshot, error, started_at, ended_at, duration_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Kind, e.Caller, e.Repo, e.Status, e.Reason, e.Outcome, e.Findings, e.Attempts, e.Reviews,
		e.Recaptures, e.Deferrals, int64(e.EpochStart), int64(e.EpochEnd), e.Snapshot, e.Error,
		formatTime(e.StartedAt), formatTime(e.EndedAt), e.DurationMS,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert history entry: %w", err)
	}
	return res.LastInsertId()
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Repo   string
	Kind   string
	Status string
	Since  time.Time
	Limit  int
}

func (f Filter) where() (string, []any) {
	clause := " WHERE 1=1"
	var args []any
	if f.Repo != "" {
		clause += " AND repo = ?"
		args = append(args, f.Repo)
	}
	if f.Kind != "" {
		clause += " AND kind = ?"
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		clause += " AND status = ?"
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		clause += " AND started_at >= ?"
		args = append(args, formatTime(f.Since))
	}
	return clause, args
}

// List returns matching entries, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	where, args := f.where()
	query := `SELECT id, session_id, kind, caller, repo, status, reason, outcome, findings, attempts, reviews,
		recaptures, deferrals, epoch_start, epoch_end, snapshot, error, started_at, ended_at, duration_ms
		FROM runs` + where + ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                    Entry
			epochStart, epochEnd int64
			startedAt, endedAt   string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Caller, &e.Repo, &e.Status, &e.Reason, &e.Outcome,
			&e.Findings, &e.Attempts, &e.Reviews, &e.Recaptures, &e.Deferrals, &epochStart, &epochEnd,
			&e.Snapshot, &e.Error, &startedAt, &endedAt, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.EpochStart = uint64(epochStart)
		e.EpochEnd = uint64(epochEnd)
		e.StartedAt = parseTime(startedAt)
		e.EndedAt = parseTime(endedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Stats aggregates history.
type Stats struct {
	Total         int            `json:"total" yaml:"total"`
	ByStatus      map[string]int `json:"by_status" yaml:"by_status"`
	ByReason      map[string]int `json:"by_reason" yaml:"by_reason"`
	ByKind        map[string]int `json:"by_kind" yaml:"by_kind"`
	AvgAttempts   float64        `json:"avg_attempts" yaml:"avg_attempts"`
	AvgDurationMS float64        `json:"avg_duration_ms" yaml:"avg_duration_ms"`
	TotalFindings int            `json:"total_findings" yaml:"total_findings"`
	FirstRun      *time.Time     `json:"first_run,omitempty" yaml:"first_run,omitempty"`
	LastRun       *time.Time     `json:"last_run,omitempty" yaml:"last_run,omitempty"`
}

// Stats aggregates the entries matching f. Limit is ignored.
func (s *Store) Stats(ctx context.Context, f Filter) (*Stats, error) {
	where, args := f.where()
	st := &Stats{
		ByStatus: map[string]int{},
		ByReason: map[string]int{},
		ByKind:   map[string]int{},
	}

	var first, last sql.NullString
	var avgAttempts, avgDuration sql.NullFloat64
	var findings sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), AVG(attempts), AVG(duration_ms), SUM(findings),
		MIN(started_at), MAX(started_at) FROM runs`+where, args...).
		Scan(&st.Total, &avgAttempts, &avgDuration, &findings, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate history: %w", err)
	}
	st.AvgAttempts = avgAttempts.Float64
	st.AvgDurationMS = avgDuration.Float64
	st.TotalFindings = int(findings.Int64)
	if first.Valid {
		t := parseTime(first.String)
		st.FirstRun = &t
	}
	if last.Valid {
		t := parseTime(last.String)
		st.LastRun = &t
	}

	for column, into := range map[string]map[string]int{"status": st.ByStatus, "reason": st.ByReason, "kind": st.ByKind} {
		if err := s.countBy(ctx, column, where, args, into); err != nil {
			return nil, err
		}
	}
	delete(st.ByReason, "")
	return st, nil
}

func (s *Store) countBy(ctx context.Context, column, where string, args []any, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s, COUNT(*) FROM runs%s GROUP BY %s", column, where, column), args...)
	if err != nil {
		return fmt.Errorf("failed to count history by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan history count: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}

// Prune deletes entries that started before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
