package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

var (
	ErrNotFound = errors.New("reminder not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": volatile in-process map (tests, throwaway runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the durable source of truth for reminders.
//
// Writes must be durable before the call returns: the scheduler never arms a
// timer for a record that might not survive a crash.
type Store interface {
	// Create persists a new reminder record.
	Create(ctx context.Context, r reminder.Reminder) error

	// Get returns the record by id, or ErrNotFound.
	Get(ctx context.Context, id string) (reminder.Reminder, error)

	// SetStatus transitions the lifecycle status only (the durable
	// pending->firing marker before dispatch).
	SetStatus(ctx context.Context, id string, st reminder.Status) error

	// UpdateSchedule moves a recurring reminder to its next occurrence.
	// It only applies while the record is still firing, so a reminder
	// retired mid-dispatch (cancel) cannot be resurrected; ErrNotFound is
	// returned when the record is missing or no longer firing.
	UpdateSchedule(ctx context.Context, id string, dueAt time.Time, st reminder.Status) error

	// Retire marks the record terminal. failReason is empty for a normal
	// completion and set when the retry budget was exhausted.
	Retire(ctx context.Context, id string, failReason string) error

	// ListPending returns every record with status pending or firing.
	// Firing is included so restart recovery can re-dispatch reminders
	// that crashed mid-send. Used only at startup.
	ListPending(ctx context.Context) ([]reminder.Reminder, error)

	// ListByRecipient returns the non-retired reminders for one recipient,
	// ordered by due instant.
	ListByRecipient(ctx context.Context, recipient string) ([]reminder.Reminder, error)

	// PurgeRetired deletes retired rows last touched before cutoff.
	PurgeRetired(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
