// Package journal keeps a local SQLite record of telemetry upload attempts
// so an operator can see upload health without access to the cloud side.
// Sensor values are not stored.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"smartroom-gateway/internal/logging"
)

//go:embed sql/insert-attempt.sql
var insertAttemptSQL string

//go:embed sql/get-recent-attempts.sql
var getRecentAttemptsSQL string

//go:embed sql/prune-attempts.sql
var pruneAttemptsSQL string

//go:embed sql/get-attempt-counts.sql
var getAttemptCountsSQL string

// DefaultKeep is how many attempts are retained after pruning.
const DefaultKeep = 10000

// Attempt is one upload try and its outcome.
type Attempt struct {
	At         time.Time     `json:"at"`
	Success    bool          `json:"success"`
	StatusCode int           `json:"status_code,omitempty"`
	EntryID    int64         `json:"entry_id,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Counts summarises the journal.
type Counts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
}

type Journal struct {
	db     *sql.DB
	keep   int
	logger *slog.Logger
}

// Open opens (creating if needed) the journal at path and applies migrations.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	logger = logging.OrDefault(logger)

	db, err := openDB(path, logger)
	if err != nil {
		return nil, err
	}
	if err := migrate(db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal migrate: %w", err)
	}
	return &Journal{db: db, keep: DefaultKeep, logger: logger}, nil
}

// Record stores an attempt and trims the table to the retention limit.
func (j *Journal) Record(ctx context.Context, a Attempt) error {
	var statusCode, entryID, errText any
	if a.StatusCode != 0 {
		statusCode = a.StatusCode
	}
	if a.EntryID != 0 {
		entryID = a.EntryID
	}
	if a.Error != "" {
		errText = a.Error
	}

	_, err := j.db.ExecContext(ctx, insertAttemptSQL,
		a.At.UTC().Format(time.RFC3339Nano),
		boolToInt(a.Success),
		statusCode,
		entryID,
		a.Duration.Milliseconds(),
		errText,
	)
	if err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}

	if _, err := j.db.ExecContext(ctx, pruneAttemptsSQL, j.keep); err != nil {
		return fmt.Errorf("journal prune: %w", err)
	}
	return nil
}

// Recent returns up to limit attempts, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Attempt, error) {
	rows, err := j.db.QueryContext(ctx, getRecentAttemptsSQL, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			j.logger.Error("close recent attempts rows", "error", err)
		}
	}()

	var out []Attempt
	for rows.Next() {
		var (
			at         string
			success    int
			statusCode sql.NullInt64
			entryID    sql.NullInt64
			durationMS int64
			errText    sql.NullString
		)
		if err := rows.Scan(&at, &success, &statusCode, &entryID, &durationMS, &errText); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse attempted_at %q: %w", at, err)
		}
		out = append(out, Attempt{
			At:         ts,
			Success:    success != 0,
			StatusCode: int(statusCode.Int64),
			EntryID:    entryID.Int64,
			Duration:   time.Duration(durationMS) * time.Millisecond,
			Error:      errText.String,
		})
	}
	return out, rows.Err()
}

func (j *Journal) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	if err := j.db.QueryRowContext(ctx, getAttemptCountsSQL).Scan(&c.Total, &c.Succeeded); err != nil {
		return Counts{}, err
	}
	return c, nil
}

// Ping checks the database is reachable.
func (j *Journal) Ping(ctx context.Context) error {
	var ok int
	if err := j.db.QueryRowContext(ctx, `SELECT 1`).Scan(&ok); err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("journal: unexpected ping result %d", ok)
	}
	return nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
