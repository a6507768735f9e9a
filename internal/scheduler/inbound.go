package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

const helpText = `Hi! Send "remind me to [task] at [time]" to set a reminder.
Examples:
  remind me to call mom at 5:00pm
  remind me to take pills at 8:30 daily
Also: "list" shows your reminders, "cancel <id>" removes one.`

const formatHint = `Sorry, I couldn't understand that. Use: "remind me to [task] at [H:MM][am|pm] [daily|weekly|monthly]".`

// HandleMessage routes one inbound text message and returns the reply to
// echo back over the same channel. It never returns an empty reply.
func (s *Service) HandleMessage(ctx context.Context, msg kit.Message) string {
	recipient := kit.FormatRecipient(kit.ChatTarget{ChatID: msg.ChatID})
	body := strings.TrimSpace(msg.Text)
	lower := strings.ToLower(body)

	switch {
	case strings.HasPrefix(lower, "remind me"):
		return s.replyCreate(ctx, recipient, body)
	case lower == "list":
		return s.replyList(ctx, recipient)
	case lower == "cancel" || strings.HasPrefix(lower, "cancel "):
		return s.replyCancel(ctx, recipient, strings.TrimSpace(strings.TrimPrefix(lower, "cancel")))
	default:
		return helpText
	}
}

func (s *Service) replyCreate(ctx context.Context, recipient, body string) string {
	r, err := s.Create(ctx, recipient, body)
	if err != nil {
		var perr *reminder.ParseError
		if errors.As(err, &perr) {
			switch perr.Reason {
			case reminder.ReasonEmptyTask:
				return `What should I remind you about? The task text was empty.`
			default:
				return formatHint
			}
		}
		s.log.Error("create reminder", logx.String("recipient", recipient), logx.Err(err))
		return `Something went wrong saving that reminder. Please try again.`
	}

	ack := fmt.Sprintf("Got it! I'll remind you to %q at %s", r.Message, s.formatDue(r))
	if r.Recurrence != reminder.RecurrenceNone {
		ack += fmt.Sprintf(", repeating %s", r.Recurrence)
	}
	return ack + "."
}

func (s *Service) replyList(ctx context.Context, recipient string) string {
	rs, err := s.store.ListByRecipient(ctx, recipient)
	if err != nil {
		s.log.Error("list reminders", logx.String("recipient", recipient), logx.Err(err))
		return `Couldn't load your reminders right now. Please try again.`
	}
	if len(rs) == 0 {
		return `You have no reminders.`
	}
	var b strings.Builder
	b.WriteString("Your reminders:\n")
	for _, r := range rs {
		fmt.Fprintf(&b, "  %s — %q at %s", shortID(r.ID), r.Message, s.formatDue(r))
		if r.Recurrence != reminder.RecurrenceNone {
			fmt.Fprintf(&b, " (%s)", r.Recurrence)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Service) replyCancel(ctx context.Context, recipient, arg string) string {
	if arg == "" {
		return `Which one? Use "cancel <id>" with an id from "list".`
	}
	rs, err := s.store.ListByRecipient(ctx, recipient)
	if err != nil {
		s.log.Error("list reminders", logx.String("recipient", recipient), logx.Err(err))
		return `Couldn't load your reminders right now. Please try again.`
	}

	var match *reminder.Reminder
	for i := range rs {
		if strings.HasPrefix(rs[i].ID, arg) {
			if match != nil {
				return fmt.Sprintf("More than one reminder starts with %q; use a longer id.", arg)
			}
			match = &rs[i]
		}
	}
	if match == nil {
		return fmt.Sprintf("No reminder with id %q.", arg)
	}
	if err := s.Cancel(ctx, match.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Sprintf("No reminder with id %q.", arg)
		}
		s.log.Error("cancel reminder", logx.String("id", match.ID), logx.Err(err))
		return `Couldn't cancel that reminder right now. Please try again.`
	}
	return fmt.Sprintf("Cancelled %q (was due %s).", match.Message, s.formatDue(*match))
}

func (s *Service) formatDue(r reminder.Reminder) string {
	return r.DueAt.In(s.loc).Format("Mon Jan 2 15:04")
}

// shortID is the prefix users type in "cancel <id>".
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
