// Package archive persists finished task runs to a local SQLite database.
// Checkpoints are purged on a retention timer; the archive is the durable
// record that survives restarts and purges.
package archive

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/ocmcp/internal/log"
)

// Record is one finished task run as stored in task_history.
type Record struct {
	TaskID          string
	Title           string
	Model           string
	Agent           string
	Status          string
	StatusMessage   string
	InputTokens     int
	OutputTokens    int
	ReasoningTokens int
	CostUSD         float64
	CreatedAt       time.Time
	EndedAt         time.Time
	Duration        time.Duration
}

// Archive is a handle to the task history database.
type Archive struct {
	db   *sql.DB
	path string
}

// Open opens the history database at path, creating it if necessary, and
// brings its schema up to date. When an existing database is present a .bak
// copy is written before migrations run.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	if err := backupExisting(path); err != nil {
		log.Warn(log.CatArchive, "Pre-migration backup failed", "path", path, "error", err.Error())
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening archive database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging archive database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Debug(log.CatArchive, "Archive opened", "path", path)
	return &Archive{db: db, path: path}, nil
}

// Path returns the database file location.
func (a *Archive) Path() string {
	return a.path
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

const historyColumns = `task_id, title, model, agent, status, status_message,
	input_tokens, output_tokens, reasoning_tokens, cost_usd,
	created_at, ended_at, duration_ms`

// Save appends one finished run to the history.
func (a *Archive) Save(rec Record) error {
	_, err := a.db.Exec(`INSERT INTO task_history (`+historyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TaskID, rec.Title, rec.Model, rec.Agent, rec.Status, rec.StatusMessage,
		rec.InputTokens, rec.OutputTokens, rec.ReasoningTokens, rec.CostUSD,
		rec.CreatedAt.Unix(), rec.EndedAt.Unix(), rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("inserting history record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, most recently ended first.
func (a *Archive) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := a.db.Query(`SELECT `+historyColumns+` FROM task_history
		ORDER BY ended_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// PurgeOlderThan deletes records that ended before the cutoff and returns
// how many were removed.
func (a *Archive) PurgeOlderThan(cutoff time.Time) (int64, error) {
	res, err := a.db.Exec(`DELETE FROM task_history WHERE ended_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("purging history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var recs []Record
	for rows.Next() {
		var (
			rec        Record
			createdAt  int64
			endedAt    int64
			durationMS int64
		)
		err := rows.Scan(
			&rec.TaskID, &rec.Title, &rec.Model, &rec.Agent, &rec.Status, &rec.StatusMessage,
			&rec.InputTokens, &rec.OutputTokens, &rec.ReasoningTokens, &rec.CostUSD,
			&createdAt, &endedAt, &durationMS)
		if err != nil {
			return nil, fmt.Errorf("scanning history record: %w", err)
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		rec.EndedAt = time.Unix(endedAt, 0).UTC()
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// backupExisting copies an existing database file to path.bak. Missing files
// are not an error; a fresh database needs no backup.
func backupExisting(path string) error {
	src, err := os.Open(path) // #nosec G304 -- archive path comes from validated config
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(path+".bak", os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}
