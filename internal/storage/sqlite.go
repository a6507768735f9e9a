package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, r reminder.Reminder) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders(id, recipient, message, due_at, recurrence, status, fail_reason, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Recipient, r.Message, encodeTime(r.DueAt), string(r.Recurrence), string(r.Status),
		nullStr(r.FailReason), encodeTime(r.CreatedAt), encodeTime(now),
	)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (reminder.Reminder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, recipient, message, due_at, recurrence, status, fail_reason, created_at, updated_at
		 FROM reminders WHERE id = ?`, id)
	return scanReminder(row)
}

func (s *sqliteStore) SetStatus(ctx context.Context, id string, st reminder.Status) error {
	return s.exec(ctx,
		`UPDATE reminders SET status = ?, updated_at = ? WHERE id = ?`,
		string(st), encodeTime(time.Now().UTC()), id)
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, id string, dueAt time.Time, st reminder.Status) error {
	return s.exec(ctx,
		`UPDATE reminders SET due_at = ?, status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		encodeTime(dueAt), string(st), encodeTime(time.Now().UTC()), id, string(reminder.StatusFiring))
}

func (s *sqliteStore) Retire(ctx context.Context, id string, failReason string) error {
	return s.exec(ctx,
		`UPDATE reminders SET status = ?, fail_reason = ?, updated_at = ? WHERE id = ?`,
		string(reminder.StatusRetired), nullStr(failReason), encodeTime(time.Now().UTC()), id)
}

func (s *sqliteStore) ListPending(ctx context.Context) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipient, message, due_at, recurrence, status, fail_reason, created_at, updated_at
		 FROM reminders WHERE status IN (?, ?) ORDER BY due_at`,
		string(reminder.StatusPending), string(reminder.StatusFiring))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReminders(rows)
}

func (s *sqliteStore) ListByRecipient(ctx context.Context, recipient string) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipient, message, due_at, recurrence, status, fail_reason, created_at, updated_at
		 FROM reminders WHERE recipient = ? AND status != ? ORDER BY due_at`,
		recipient, string(reminder.StatusRetired))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReminders(rows)
}

func (s *sqliteStore) PurgeRetired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE status = ? AND updated_at < ?`,
		string(reminder.StatusRetired), encodeTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (reminder.Reminder, error) {
	var (
		r                          reminder.Reminder
		dueAt, createdAt, updated  string
		recurrence, status, reason sql.NullString
	)
	err := row.Scan(&r.ID, &r.Recipient, &r.Message, &dueAt, &recurrence, &status, &reason, &createdAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, ErrNotFound
	}
	if err != nil {
		return reminder.Reminder{}, err
	}
	r.Recurrence = reminder.Recurrence(recurrence.String)
	r.Status = reminder.Status(status.String)
	r.FailReason = reason.String
	if r.DueAt, err = decodeTime(dueAt); err != nil {
		return reminder.Reminder{}, fmt.Errorf("bad due_at for %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = decodeTime(createdAt); err != nil {
		return reminder.Reminder{}, fmt.Errorf("bad created_at for %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = decodeTime(updated); err != nil {
		return reminder.Reminder{}, fmt.Errorf("bad updated_at for %s: %w", r.ID, err)
	}
	return r, nil
}

func collectReminders(rows *sql.Rows) ([]reminder.Reminder, error) {
	var out []reminder.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// timeLayout is fixed-width (nanoseconds always padded) so the TEXT columns
// compare lexicographically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
