package reminder

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseReason enumerates why an inbound request was rejected.
type ParseReason string

const (
	ReasonUnrecognizedFormat ParseReason = "unrecognized-format"
	ReasonEmptyTask          ParseReason = "empty-task"
)

// ParseError is a structured rejection of an inbound request.
type ParseError struct {
	Reason ParseReason
	Input  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse reminder: %s (%q)", e.Reason, e.Input)
}

// Grammar: "remind me to <task> at H:MM|HH:MM[am|pm] [daily|weekly|monthly]".
// The task is greedy, so "wake up at the gym at 7:00" keeps the last "at" as
// the time separator.
var requestRe = regexp.MustCompile(
	`^remind me to (.+) at (\d{1,2}):(\d{2}) ?(am|pm)? ?(daily|weekly|monthly)?$`,
)

// Parse turns raw inbound text into a normalized Spec.
//
// It is a pure function of text and now. The clock time is combined with
// now's calendar date (in now's location); if that instant is not strictly
// in the future it rolls forward one day, so a reminder is never created
// already due.
//
// Hour policy: with an am/pm suffix the hour must be 1-12; without one the
// hour is read as a 24-hour clock value, so "5:00" means 05:00 and afternoon
// intent requires an explicit "pm".
func Parse(text string, now time.Time) (Spec, error) {
	raw := strings.ToLower(strings.TrimSpace(text))

	m := requestRe.FindStringSubmatch(raw)
	if m == nil {
		return Spec{}, &ParseError{Reason: ReasonUnrecognizedFormat, Input: text}
	}

	task := strings.TrimSpace(m[1])
	if task == "" {
		return Spec{}, &ParseError{Reason: ReasonEmptyTask, Input: text}
	}

	hour, _ := strconv.Atoi(m[2])
	minute, _ := strconv.Atoi(m[3])
	suffix := m[4]

	if minute > 59 {
		return Spec{}, &ParseError{Reason: ReasonUnrecognizedFormat, Input: text}
	}
	switch suffix {
	case "am", "pm":
		if hour < 1 || hour > 12 {
			return Spec{}, &ParseError{Reason: ReasonUnrecognizedFormat, Input: text}
		}
		if suffix == "pm" && hour < 12 {
			hour += 12
		}
		if suffix == "am" && hour == 12 {
			hour = 0
		}
	default:
		if hour > 23 {
			return Spec{}, &ParseError{Reason: ReasonUnrecognizedFormat, Input: text}
		}
	}

	recur := RecurrenceNone
	if m[5] != "" {
		recur = Recurrence(m[5])
	}

	year, month, day := now.Date()
	due := time.Date(year, month, day, hour, minute, 0, 0, now.Location())
	if !due.After(now) {
		due = due.AddDate(0, 0, 1)
	}

	return Spec{Message: task, DueAt: due.UTC(), Recurrence: recur}, nil
}
