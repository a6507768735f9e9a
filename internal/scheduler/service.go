package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"remindbot/internal/eventbus"
	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

func New(cfg Config, store storage.Store, timers Timers, sink Sink, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		timers:   timers,
		sink:     sink,
		bus:      bus,
		log:      log,
		now:      time.Now,
		inflight: map[string]bool{},
	}
	s.loc = s.loadLocation()
	return s
}

// Start launches the worker pool and recovers outstanding reminders from the
// store: pending records are re-armed (past due instants fire immediately),
// firing records crashed mid-dispatch and are re-dispatched once
// (at-least-once beats silent loss). Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return nil
	}
	s.stopCh = make(chan struct{})
	s.queue = make(chan string, s.cfg.QueueSize)
	stopCh := s.stopCh
	queue := s.queue
	s.mu.Unlock()

	s.wg.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		go func() {
			defer s.wg.Done()
			s.worker(ctx, stopCh, queue, idx)
		}()
	}

	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	var armed, redispatched int
	for _, r := range pending {
		switch r.Status {
		case reminder.StatusFiring:
			// Crash mid-dispatch; outcome unknown.
			s.enqueue(r.ID)
			redispatched++
		default:
			s.timers.Arm(r.ID, r.DueAt, s.onFired)
			armed++
		}
	}
	s.log.Info("scheduler started",
		logx.Int("workers", s.cfg.Workers),
		logx.Int("recovered", armed),
		logx.Int("redispatched", redispatched),
		logx.String("tz", s.loc.String()))
	return nil
}

// Stop halts the workers. Timer state is dropped by the engine's own Stop;
// durable state stays in the store for the next recovery.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.queue = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Create parses an inbound request, persists the reminder, and arms its
// timer. The record is durable before the timer exists, never the reverse.
func (s *Service) Create(ctx context.Context, recipient, text string) (reminder.Reminder, error) {
	spec, err := reminder.Parse(text, s.now().In(s.loc))
	if err != nil {
		return reminder.Reminder{}, err
	}

	r := reminder.Reminder{
		ID:         newID(),
		Recipient:  recipient,
		Message:    spec.Message,
		DueAt:      spec.DueAt,
		Recurrence: spec.Recurrence,
		Status:     reminder.StatusPending,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return reminder.Reminder{}, fmt.Errorf("persist reminder: %w", err)
	}
	s.timers.Arm(r.ID, r.DueAt, s.onFired)
	s.publish(eventbus.TypeReminderCreated, r)
	s.log.Info("reminder created",
		logx.String("id", r.ID),
		logx.String("recipient", r.Recipient),
		logx.Time("due_at", r.DueAt),
		logx.String("recurrence", string(r.Recurrence)))
	return r, nil
}

// Cancel disarms and retires a still-pending reminder.
func (s *Service) Cancel(ctx context.Context, id string) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Status == reminder.StatusRetired {
		return nil
	}
	s.timers.Disarm(id)
	if err := s.store.Retire(ctx, id, ""); err != nil {
		return err
	}
	s.publish(eventbus.TypeReminderCancelled, r)
	s.log.Info("reminder cancelled", logx.String("id", id))
	return nil
}

// onFired is the timer engine callback. It must not block the dispatcher
// loop, so it only hands the id to the worker queue.
func (s *Service) onFired(id string) {
	s.enqueue(id)
}

func (s *Service) enqueue(id string) {
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		return
	}
	select {
	case queue <- id:
	default:
		// The timer is already consumed; dropping here would strand the
		// reminder pending forever. Push the firing back onto the engine.
		s.log.Warn("fire queue full, re-arming firing",
			logx.String("id", id), logx.Duration("delay", s.cfg.RetryBase))
		s.timers.Arm(id, s.now().Add(s.cfg.RetryBase), s.onFired)
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan string, idx int) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case id := <-queue:
			s.fireOne(ctx, id)
		}
	}
}

// fireOne runs one full firing cycle for a reminder id:
// durable firing marker -> dispatch (with retries) -> advance or retire.
func (s *Service) fireOne(ctx context.Context, id string) {
	if !s.begin(id) {
		s.log.Debug("firing already in progress, dropping duplicate", logx.String("id", id))
		return
	}
	defer s.end(id)

	r, err := s.store.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.Debug("fired id no longer exists", logx.String("id", id))
		return
	}
	if err != nil {
		s.log.Error("load fired reminder", logx.String("id", id), logx.Err(err))
		return
	}

	switch r.Status {
	case reminder.StatusRetired:
		// Spurious fire for an already-finished reminder: no-op.
		s.log.Debug("stale firing for retired reminder", logx.String("id", id))
		return
	case reminder.StatusFiring:
		// Restart recovery path: marker already durable, go straight to
		// the (re-)dispatch.
	default:
		// Durable marker before dispatch so a crash between here and the
		// completion below is detectable on reload.
		if err := s.store.SetStatus(ctx, id, reminder.StatusFiring); err != nil {
			s.log.Error("mark firing failed, re-arming", logx.String("id", id), logx.Err(err))
			s.timers.Arm(id, s.now().Add(s.cfg.RetryBase), s.onFired)
			return
		}
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	err = s.dispatch(dctx, r)
	cancel()

	if err != nil {
		// Retry budget exhausted: retire with a recorded terminal failure
		// rather than re-arming a stale past due instant.
		reason := "dispatch failed: " + err.Error()
		if rerr := s.store.Retire(ctx, id, reason); rerr != nil {
			s.log.Error("retire after dispatch failure", logx.String("id", id), logx.Err(rerr))
		}
		s.publish(eventbus.TypeReminderFailed, r)
		s.log.Warn("reminder retired after failed dispatch", logx.String("id", id), logx.Err(err))
		return
	}
	s.publish(eventbus.TypeReminderFired, r)

	next, ok := reminder.AdvancePast(r.DueAt, r.Recurrence, s.now())
	if !ok {
		if err := s.store.Retire(ctx, id, ""); err != nil {
			s.log.Error("retire one-shot", logx.String("id", id), logx.Err(err))
			return
		}
		s.publish(eventbus.TypeReminderRetired, r)
		s.log.Debug("one-shot reminder retired", logx.String("id", id))
		return
	}

	if err := s.store.UpdateSchedule(ctx, id, next, reminder.StatusPending); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Retired out from under us (cancel during dispatch): stay retired.
			s.log.Debug("reminder retired during dispatch, not re-armed", logx.String("id", id))
			return
		}
		s.log.Error("advance recurrence", logx.String("id", id), logx.Err(err))
		return
	}
	s.timers.Arm(id, next, s.onFired)
	s.log.Debug("reminder re-armed", logx.String("id", id), logx.Time("next", next))
}

// dispatch sends the notification with bounded exponential backoff.
func (s *Service) dispatch(ctx context.Context, r reminder.Reminder) error {
	text := "Reminder: " + r.Message

	var last error
	for i := 0; i <= s.cfg.RetryMax; i++ {
		err := s.sink.Send(ctx, r.Recipient, text)
		if err == nil {
			if i > 0 {
				s.log.Info("dispatch succeeded after retry", logx.String("id", r.ID), logx.Int("attempt", i+1))
			}
			return nil
		}
		last = err
		if i == s.cfg.RetryMax {
			break
		}
		delay := backoffDelay(s.cfg.RetryBase, s.cfg.RetryMaxDelay, i)
		s.log.Debug("dispatch retry scheduled",
			logx.String("id", r.ID),
			logx.Int("attempt", i+2),
			logx.Duration("delay", delay),
			logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return fmt.Errorf("%w (last send error: %v)", ctx.Err(), last)
		case <-tmr.C:
		}
	}
	return last
}

// backoffDelay is base*2^attempt capped at max, with up to 20% jitter.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}

func (s *Service) begin(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if s.inflight[id] {
		return false
	}
	s.inflight[id] = true
	return true
}

func (s *Service) end(id string) {
	s.inflightMu.Lock()
	delete(s.inflight, id)
	s.inflightMu.Unlock()
}

func (s *Service) publish(typ string, r reminder.Reminder) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: map[string]any{
		"id":         r.ID,
		"recipient":  r.Recipient,
		"recurrence": string(r.Recurrence),
	}})
}
