package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aidss/lisbridge/api/ledger/migrations"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // SQLite driver
)

const fileName = "ledger.db"

// ErrNotFound is returned when no job was recorded for a sample and model.
var ErrNotFound = errors.New("no recorded job")

// Record is the terminal state of one job.
type Record struct {
	JobID     string    `json:"job_id"`
	Sample    string    `json:"sample"`
	Model     string    `json:"model"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Failure   string    `json:"failure,omitempty"`
	Error     string    `json:"error,omitempty"`
	Attempts  int       `json:"attempts"`
	Label     string    `json:"label,omitempty"`
	Score     *float64  `json:"score,omitempty"`
	ResultDir string    `json:"result_dir,omitempty"`
	Bundle    string    `json:"bundle,omitempty"`
	Queued    time.Time `json:"queued"`
	Started   time.Time `json:"started,omitempty"`
	Finished  time.Time `json:"finished"`
}

// Ledger keeps the terminal state of every job in a SQLite database so
// results can be retrieved after their order was acknowledged.
type Ledger struct {
	db   *sql.DB
	path string
}

// Open opens the ledger in dir, creating and migrating it when needed.
func Open(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "failed to create ledger dir %s", dir)
	}
	path := filepath.Join(dir, fileName)

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open ledger %s", path)
	}
	l := &Ledger{db: db, path: path}
	if err := l.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate ledger")
	}
	return l, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.path
}

func (l *Ledger) migrate(fsys fs.FS) error {
	if _, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return errors.Wrap(err, "failed to create schema_migrations")
	}

	var current int
	if err := l.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return errors.Wrap(err, "failed to read schema version")
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return errors.Wrap(err, "failed to list migrations")
	}
	var names []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil || version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return errors.Wrapf(err, "failed to read migration %s", name)
		}
		if _, err := l.db.Exec(string(content)); err != nil {
			return errors.Wrapf(err, "failed to apply migration %s", name)
		}
		if _, err := l.db.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", version, time.Now().UnixMilli()); err != nil {
			return errors.Wrapf(err, "failed to mark migration %s", name)
		}
	}
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Record stores rec, replacing an earlier record of the same job.
func (l *Ledger) Record(ctx context.Context, rec Record) error {
	var score sql.NullFloat64
	if rec.Score != nil {
		score = sql.NullFloat64{Float64: *rec.Score, Valid: true}
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, sample, model, kind, status, failure, error, attempts, label, score,
			result_dir, bundle, queued_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			failure = excluded.failure,
			error = excluded.error,
			attempts = excluded.attempts,
			label = excluded.label,
			score = excluded.score,
			result_dir = excluded.result_dir,
			bundle = excluded.bundle,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, rec.JobID, rec.Sample, rec.Model, rec.Kind, rec.Status, rec.Failure, rec.Error, rec.Attempts, rec.Label, score,
		rec.ResultDir, rec.Bundle, millis(rec.Queued), millis(rec.Started), millis(rec.Finished))
	return errors.Wrapf(err, "failed to record job %s", rec.JobID)
}

const selectColumns = `SELECT job_id, sample, model, kind, status, failure, error, attempts, label, score,
	result_dir, bundle, queued_at, started_at, finished_at FROM jobs`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(row scanner) (Record, error) {
	var (
		rec                       Record
		score                     sql.NullFloat64
		queued, started, finished int64
	)
	err := row.Scan(&rec.JobID, &rec.Sample, &rec.Model, &rec.Kind, &rec.Status, &rec.Failure, &rec.Error,
		&rec.Attempts, &rec.Label, &score, &rec.ResultDir, &rec.Bundle, &queued, &started, &finished)
	if err != nil {
		return Record{}, err
	}
	if score.Valid {
		v := score.Float64
		rec.Score = &v
	}
	rec.Queued = fromMillis(queued)
	rec.Started = fromMillis(started)
	rec.Finished = fromMillis(finished)
	return rec, nil
}

// Latest returns the most recently finished job of sample and model.
func (l *Ledger) Latest(ctx context.Context, sample, model string) (Record, error) {
	row := l.db.QueryRowContext(ctx, selectColumns+`
		WHERE sample = ? AND model = ?
		ORDER BY finished_at DESC, rowid DESC
		LIMIT 1`, sample, model)
	rec, err := scan(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, errors.Wrapf(err, "failed to read job of %s/%s", sample, model)
	}
	return rec, nil
}

// Recent returns up to limit records, most recently finished first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, selectColumns+`
		ORDER BY finished_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read job")
		}
		records = append(records, rec)
	}
	return records, errors.Wrap(rows.Err(), "failed to list jobs")
}
