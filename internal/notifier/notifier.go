// Package notifier is the outbound notification sink.
//
// It delegates delivery to a transport.Adapter (the Telegram adapter) and
// centralizes the cross-reminder send policies: a global rate limit so many
// reminders firing at once don't trip provider flood control, and a bounded
// per-send timeout so no dispatch blocks a scheduler worker indefinitely.
// Retry policy lives in the scheduler, which owns the reminder's fate.
package notifier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type Config struct {
	RatePerSec  int
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type Service struct {
	adapter kit.Adapter
	log     logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		adapter: adapter,
		log:     log,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Apply swaps pacing knobs at runtime. Safe to call concurrently with Send.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Send delivers one notification text to the recipient address.
// A single attempt; the caller decides whether and when to retry.
func (s *Service) Send(ctx context.Context, recipient, text string) error {
	target, err := kit.ParseRecipient(recipient)
	if err != nil {
		return err
	}

	s.mu.Lock()
	lim := s.limiter
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return err
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := s.adapter.SendText(sctx, target, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		return fmt.Errorf("send to %s: %w", recipient, err)
	}
	return nil
}
