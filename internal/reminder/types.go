package reminder

import "time"

// Recurrence is the policy governing how DueAt advances after each firing.
type Recurrence string

const (
	RecurrenceNone    Recurrence = "none"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
)

func (r Recurrence) Valid() bool {
	switch r {
	case RecurrenceNone, RecurrenceDaily, RecurrenceWeekly, RecurrenceMonthly:
		return true
	}
	return false
}

// Status is the lifecycle state of a reminder.
//
// Transitions:
//   - one-shot:  pending -> firing -> retired
//   - recurring: pending -> firing -> pending (new DueAt), until cancelled
//
// "firing" is a durable marker written before dispatch so a restart can tell
// "crashed mid-send" apart from "never fired".
type Status string

const (
	StatusPending Status = "pending"
	StatusFiring  Status = "firing"
	StatusRetired Status = "retired"
)

// Reminder is the durable record of a scheduled or recurring notification.
//
// DueAt is always the next unfired occurrence, normalized to UTC. Only the
// firing pipeline mutates DueAt and Status; everything else is immutable
// after creation.
type Reminder struct {
	ID         string
	Recipient  string // opaque channel address (decimal chat id for telegram)
	Message    string
	DueAt      time.Time
	Recurrence Recurrence
	Status     Status

	// FailReason is set when a reminder is retired because delivery
	// permanently failed (retry budget exhausted).
	FailReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Spec is the normalized result of parsing an inbound request.
type Spec struct {
	Message    string
	DueAt      time.Time
	Recurrence Recurrence
}
