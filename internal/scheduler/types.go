package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/storage"
	"remindbot/internal/timer"
	logx "remindbot/pkg/logx"
)

// Config controls the firing pipeline.
type Config struct {
	Workers         int
	QueueSize       int
	DispatchTimeout time.Duration // bounds one whole dispatch cycle, retries included
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	Timezone        string // IANA TZ used to anchor parsed clock times, e.g. "Asia/Jakarta"
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	return c
}

// Sink delivers one notification attempt to a recipient address.
type Sink interface {
	Send(ctx context.Context, recipient, text string) error
}

// Timers is the armed-timer surface of the timer engine.
type Timers interface {
	Arm(id string, dueAt time.Time, cb timer.Callback)
	Disarm(id string) bool
}

// Service is the reminder orchestrator. It owns the per-reminder state
// machine: create/persist/arm, fire/dispatch/advance/re-arm, recover on
// startup, cancel on request.
type Service struct {
	cfg    Config
	store  storage.Store
	timers Timers
	sink   Sink
	bus    eventbus.Bus
	log    logx.Logger
	loc    *time.Location
	now    func() time.Time

	mu     sync.Mutex
	queue  chan string
	stopCh chan struct{}
	wg     sync.WaitGroup

	// inflight serializes firings per reminder id: a spurious duplicate
	// fire for an id whose cycle is in progress is dropped, never run
	// concurrently.
	inflightMu sync.Mutex
	inflight   map[string]bool
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
