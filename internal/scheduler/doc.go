// Package scheduler orchestrates the reminder lifecycle.
//
// Per reminder the state machine is:
//
//	pending --timer fires--> firing --dispatch ok, one-shot--> retired
//	                                --dispatch ok, recurring--> pending (next due)
//	                                --retries exhausted------> retired (fail reason)
//
// The pending->firing transition is written durably before dispatch, so a
// restart can tell a crash mid-send apart from a reminder that never fired;
// such records are re-dispatched once (at-least-once delivery).
//
// Firings are handed from the timer engine to a bounded worker pool, so a
// slow notification send never blocks other due reminders. Occurrences missed
// while the process was down are skipped without dispatch; only the nearest
// future occurrence is re-armed.
package scheduler
