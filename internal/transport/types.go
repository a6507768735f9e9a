package transport

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Message is an inbound text message from the channel.
type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

// ChatTarget addresses an outbound send.
type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is a messaging channel: it pumps inbound messages into out and
// delivers outbound text. Implementations own their own receive loop.
type Adapter interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// FormatRecipient renders a chat target as the opaque recipient address
// stored on reminder records.
func FormatRecipient(t ChatTarget) string {
	return strconv.FormatInt(t.ChatID, 10)
}

// ParseRecipient is the inverse of FormatRecipient.
func ParseRecipient(addr string) (ChatTarget, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(addr), 10, 64)
	if err != nil {
		return ChatTarget{}, fmt.Errorf("bad recipient address %q: %w", addr, err)
	}
	return ChatTarget{ChatID: id}, nil
}
