package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	"remindbot/internal/timer"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type fakeTimers struct {
	mu    sync.Mutex
	armed map[string]time.Time
	cbs   map[string]timer.Callback
	arms  int
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{armed: map[string]time.Time{}, cbs: map[string]timer.Callback{}}
}

func (f *fakeTimers) Arm(id string, dueAt time.Time, cb timer.Callback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed[id] = dueAt
	f.cbs[id] = cb
	f.arms++
}

func (f *fakeTimers) Disarm(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.armed[id]
	delete(f.armed, id)
	delete(f.cbs, id)
	return ok
}

func (f *fakeTimers) dueFor(id string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.armed[id]
	return at, ok
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.armed)
}

type fakeSink struct {
	mu       sync.Mutex
	sent     []string // "recipient|text"
	failures int      // fail this many leading attempts
}

func (f *fakeSink) Send(_ context.Context, recipient, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("provider unavailable")
	}
	f.sent = append(f.sent, recipient+"|"+text)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// gateSink blocks every send until release is closed, signalling entry so
// tests can act while a dispatch is in flight.
type gateSink struct {
	entered chan struct{}
	release chan struct{}

	mu   sync.Mutex
	sent int
}

func newGateSink() *gateSink {
	return &gateSink{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (g *gateSink) Send(_ context.Context, _, _ string) error {
	g.mu.Lock()
	g.sent++
	g.mu.Unlock()
	g.entered <- struct{}{}
	<-g.release
	return nil
}

func (g *gateSink) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sent
}

func newTestService(store storage.Store, timers Timers, sink Sink, now time.Time) *Service {
	s := New(Config{
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		Timezone:      "UTC",
	}, store, timers, sink, nil, logx.Nop())
	s.now = func() time.Time { return now }
	return s
}

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func TestCreatePersistsThenArms(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	timers := newFakeTimers()
	s := newTestService(store, timers, &fakeSink{}, testNow)

	r, err := s.Create(context.Background(), "555", "remind me to call mom at 5:00pm")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if got.Status != reminder.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	at, ok := timers.dueFor(r.ID)
	if !ok {
		t.Fatal("no timer armed for new reminder")
	}
	want := time.Date(2026, time.March, 10, 17, 0, 0, 0, time.UTC)
	if !at.Equal(want) {
		t.Fatalf("armed at %v, want %v", at, want)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	timers := newFakeTimers()
	s := newTestService(store, timers, &fakeSink{}, testNow)

	_, err := s.Create(context.Background(), "555", "remind me tomorrow")
	var perr *reminder.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ParseError", err)
	}
	if timers.count() != 0 {
		t.Fatal("timer armed for rejected request")
	}
}

func TestOneShotFiresOnceThenRetires(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	timers := newFakeTimers()
	sink := &fakeSink{}
	s := newTestService(store, timers, sink, testNow)
	ctx := context.Background()

	r, err := s.Create(ctx, "555", "remind me to call mom at 5:00pm")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	s.fireOne(ctx, r.ID)

	if sink.count() != 1 {
		t.Fatalf("sent %d notifications, want 1", sink.count())
	}
	if !strings.Contains(sink.sent[0], "Reminder: call mom") {
		t.Fatalf("notification text = %q", sink.sent[0])
	}
	got, _ := store.Get(ctx, r.ID)
	if got.Status != reminder.StatusRetired {
		t.Fatalf("status = %s, want retired", got.Status)
	}

	// A spurious second firing for the retired id is a no-op.
	s.fireOne(ctx, r.ID)
	if sink.count() != 1 {
		t.Fatalf("spurious firing dispatched again: %d sends", sink.count())
	}
}

func TestRecurringAdvancesAndRearms(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	timers := newFakeTimers()
	sink := &fakeSink{}
	s := newTestService(store, timers, sink, testNow)
	ctx := context.Background()

	r, err := s.Create(ctx, "555", "remind me to take pills at 8:30 daily")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	firstDue := time.Date(2026, time.March, 11, 8, 30, 0, 0, time.UTC)

	s.fireOne(ctx, r.ID)

	if sink.count() != 1 {
		t.Fatalf("sent %d, want 1", sink.count())
	}
	got, _ := store.Get(ctx, r.ID)
	if got.Status != reminder.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	wantNext := firstDue.AddDate(0, 0, 1)
	if !got.DueAt.Equal(wantNext) {
		t.Fatalf("DueAt = %v, want %v", got.DueAt, wantNext)
	}
	if at, ok := timers.dueFor(r.ID); !ok || !at.Equal(wantNext) {
		t.Fatalf("re-armed at %v (ok=%v), want %v", at, ok, wantNext)
	}
}

func TestCatchUpDispatchesOnce(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	timers := newFakeTimers()
	sink := &fakeSink{}
	s := newTestService(store, timers, sink, testNow)
	ctx := context.Background()

	// Daily reminder three days overdue, as after downtime.
	overdue := testNow.AddDate(0, 0, -3).Add(-3 * time.Hour)
	seed := reminder.Reminder{
		ID:         "overdue-1",
		Recipient:  "555",
		Message:    "water plants",
		DueAt:      overdue,
		Recurrence: reminder.RecurrenceDaily,
		Status:     reminder.StatusPending,
	}
	if err := store.Create(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s.fireOne(ctx, seed.ID)

	if sink.count() != 1 {
		t.Fatalf("sent %d notifications for 3 missed days, want exactly 1", sink.count())
	}
	got, _ := store.Get(ctx, seed.ID)
	if !got.DueAt.After(testNow) {
		t.Fatalf("DueAt %v not in the future", got.DueAt)
	}
	want := time.Date(2026, time.March, 11, 9, 0, 0, 0, time.UTC)
	if !got.DueAt.Equal(want) {
		t.Fatalf("DueAt = %v, want nearest future occurrence %v", got.DueAt, want)
	}
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	timers := newFakeTimers()
	sink := &fakeSink{failures: 2} // RetryMax=2: attempts 1,2 fail, 3 succeeds
	s := newTestService(store, timers, sink, testNow)
	ctx := context.Background()

	r, _ := s.Create(ctx, "555", "remind me to call mom at 5:00pm")
	s.fireOne(ctx, r.ID)

	if sink.count() != 1 {
		t.Fatalf("sent %d, want 1", sink.count())
	}
	got, _ := store.Get(ctx, r.ID)
	if got.Status != reminder.StatusRetired || got.FailReason != "" {
		t.Fatalf("status=%s reason=%q after eventual success", got.Status, got.FailReason)
	}
}

func TestDispatchExhaustionRetiresWithReason(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	timers := newFakeTimers()
	sink := &fakeSink{failures: 100}
	s := newTestService(store, timers, sink, testNow)
	ctx := context.Background()

	r, _ := s.Create(ctx, "555", "remind me to take pills at 8:30 daily")
	timers.Disarm(r.ID) // the engine consumes a timer when it fires
	s.fireOne(ctx, r.ID)

	got, _ := store.Get(ctx, r.ID)
	if got.Status != reminder.StatusRetired {
		t.Fatalf("status = %s, want retired after retry exhaustion", got.Status)
	}
	if !strings.Contains(got.FailReason, "dispatch failed") {
		t.Fatalf("FailReason = %q", got.FailReason)
	}
	// Never silently re-armed with a stale past due instant.
	if _, ok := timers.dueFor(r.ID); ok {
		t.Fatal("failed reminder was re-armed")
	}
}

func TestStartupRecoveryArmsPendingOnce(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	timers := newFakeTimers()
	sink := &fakeSink{}
	s := newTestService(store, timers, sink, testNow)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := []string{"p1", "p2", "p3"}
	for i, id := range ids {
		r := reminder.Reminder{
			ID:         id,
			Recipient:  "555",
			Message:    "task " + id,
			DueAt:      testNow.Add(time.Duration(i+1) * time.Hour),
			Recurrence: reminder.RecurrenceNone,
			Status:     reminder.StatusPending,
		}
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		s.Stop(sctx)
	}()

	if timers.count() != len(ids) {
		t.Fatalf("armed %d timers, want %d", timers.count(), len(ids))
	}
	timers.mu.Lock()
	arms := timers.arms
	timers.mu.Unlock()
	if arms != len(ids) {
		t.Fatalf("Arm called %d times, want %d (no duplicate arms)", arms, len(ids))
	}
	if sink.count() != 0 {
		t.Fatalf("recovery dispatched %d future reminders", sink.count())
	}
}

func TestStartupRecoveryRedispatchesFiring(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	timers := newFakeTimers()
	sink := &fakeSink{}
	s := newTestService(store, timers, sink, testNow)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Crashed mid-dispatch before the restart.
	r := reminder.Reminder{
		ID:         "f1",
		Recipient:  "555",
		Message:    "interrupted",
		DueAt:      testNow.Add(-time.Minute),
		Recurrence: reminder.RecurrenceNone,
		Status:     reminder.StatusFiring,
	}
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		s.Stop(sctx)
	}()

	waitFor(t, func() bool { return sink.count() == 1 })
	waitFor(t, func() bool {
		got, err := store.Get(ctx, "f1")
		return err == nil && got.Status == reminder.StatusRetired
	})
}

func TestFullQueueRearmsFiring(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	timers := newFakeTimers()
	sink := newGateSink()
	s := New(Config{
		Workers:   1,
		QueueSize: 1,
		RetryBase: time.Millisecond,
	}, store, timers, sink, nil, logx.Nop())
	s.now = func() time.Time { return testNow }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"busy", "queued", "overflow"} {
		r := reminder.Reminder{
			ID:         id,
			Recipient:  "555",
			Message:    "task " + id,
			DueAt:      testNow.Add(-time.Minute),
			Recurrence: reminder.RecurrenceNone,
			Status:     reminder.StatusPending,
		}
		if err := store.Create(ctx, r); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		close(sink.release)
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		s.Stop(sctx)
	}()

	s.onFired("busy")
	<-sink.entered    // the only worker is now stuck mid-dispatch
	s.onFired("queued")   // fills the queue
	s.onFired("overflow") // queue full

	// The overflow firing must come back via the timer engine, not vanish:
	// its timer was consumed and nothing else will ever fire it.
	at, ok := timers.dueFor("overflow")
	if !ok {
		t.Fatal("overflowed firing was dropped without re-arming")
	}
	if want := testNow.Add(time.Millisecond); !at.Equal(want) {
		t.Fatalf("re-armed at %v, want %v", at, want)
	}
}

func TestCancelDuringDispatchStaysRetired(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	timers := newFakeTimers()
	sink := newGateSink()
	s := newTestService(store, timers, sink, testNow)
	ctx := context.Background()

	r, err := s.Create(ctx, "555", "remind me to take pills at 8:30 daily")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.fireOne(ctx, r.ID)
	}()
	<-sink.entered

	// Cancel lands while the dispatch is in flight.
	if err := s.Cancel(ctx, r.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(sink.release)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("fireOne did not finish")
	}

	got, _ := store.Get(ctx, r.ID)
	if got.Status != reminder.StatusRetired {
		t.Fatalf("cancelled reminder resurrected: status = %s", got.Status)
	}
	if _, ok := timers.dueFor(r.ID); ok {
		t.Fatal("cancelled reminder re-armed after dispatch")
	}
}

func TestSameIDFiringsDoNotOverlap(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	timers := newFakeTimers()
	sink := newGateSink()
	s := newTestService(store, timers, sink, testNow)
	ctx := context.Background()

	r, err := s.Create(ctx, "555", "remind me to call mom at 5:00pm")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first := make(chan struct{})
	go func() {
		defer close(first)
		s.fireOne(ctx, r.ID)
	}()
	<-sink.entered // first firing holds the cycle open

	second := make(chan struct{})
	go func() {
		defer close(second)
		s.fireOne(ctx, r.ID)
	}()
	// The duplicate must bail out while the first is still dispatching.
	select {
	case <-second:
	case <-time.After(3 * time.Second):
		t.Fatal("duplicate firing did not return while first was in flight")
	}

	close(sink.release)
	select {
	case <-first:
	case <-time.After(3 * time.Second):
		t.Fatal("first firing did not finish")
	}
	if sink.count() != 1 {
		t.Fatalf("sent %d notifications for one id, want 1", sink.count())
	}
}

func TestCancelPendingReminder(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	timers := newFakeTimers()
	sink := &fakeSink{}
	s := newTestService(store, timers, sink, testNow)
	ctx := context.Background()

	r, _ := s.Create(ctx, "555", "remind me to call mom at 5:00pm")
	if err := s.Cancel(ctx, r.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, ok := timers.dueFor(r.ID); ok {
		t.Fatal("cancelled reminder still armed")
	}
	got, _ := store.Get(ctx, r.ID)
	if got.Status != reminder.StatusRetired {
		t.Fatalf("status = %s, want retired", got.Status)
	}

	// Stale firing after cancel is a no-op.
	s.fireOne(ctx, r.ID)
	if sink.count() != 0 {
		t.Fatal("cancelled reminder dispatched")
	}
}

func TestConcurrentFiringsForDifferentIDs(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	timers := newFakeTimers()
	sink := &fakeSink{}
	s := newTestService(store, timers, sink, testNow)
	ctx := context.Background()

	a, _ := s.Create(ctx, "111", "remind me to stretch at 14:00")
	b, _ := s.Create(ctx, "222", "remind me to hydrate at 15:00")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.fireOne(ctx, a.ID) }()
	go func() { defer wg.Done(); s.fireOne(ctx, b.ID) }()
	wg.Wait()

	if sink.count() != 2 {
		t.Fatalf("sent %d, want 2", sink.count())
	}
	for _, id := range []string{a.ID, b.ID} {
		got, err := store.Get(ctx, id)
		if err != nil || got.Status != reminder.StatusRetired {
			t.Fatalf("reminder %s: status %s err %v", id, got.Status, err)
		}
	}
}

func TestHandleMessage(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	timers := newFakeTimers()
	s := newTestService(store, timers, &fakeSink{}, testNow)
	ctx := context.Background()
	msg := func(text string) kit.Message { return kit.Message{ChatID: 555, Text: text} }

	if got := s.HandleMessage(ctx, msg("hello")); !strings.Contains(got, "remind me to") {
		t.Fatalf("greeting reply = %q", got)
	}
	if got := s.HandleMessage(ctx, msg("remind me tomorrow")); !strings.Contains(got, "couldn't understand") {
		t.Fatalf("parse failure reply = %q", got)
	}

	ack := s.HandleMessage(ctx, msg("remind me to call mom at 5:00pm"))
	if !strings.Contains(ack, `"call mom"`) || !strings.Contains(ack, "17:00") {
		t.Fatalf("ack = %q", ack)
	}

	list := s.HandleMessage(ctx, msg("list"))
	if !strings.Contains(list, "call mom") {
		t.Fatalf("list = %q", list)
	}

	// Cancel via the short id shown in the list.
	rs, _ := store.ListByRecipient(ctx, "555")
	if len(rs) != 1 {
		t.Fatalf("stored %d reminders, want 1", len(rs))
	}
	reply := s.HandleMessage(ctx, msg("cancel "+rs[0].ID[:8]))
	if !strings.Contains(reply, "Cancelled") {
		t.Fatalf("cancel reply = %q", reply)
	}
	if got, _ := store.Get(ctx, rs[0].ID); got.Status != reminder.StatusRetired {
		t.Fatalf("status after cancel = %s", got.Status)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
