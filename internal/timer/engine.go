package timer

import (
	"container/heap"
	"context"
	"sync"
	"time"

	logx "remindbot/pkg/logx"
)

// Callback is invoked from the dispatcher goroutine when an armed entry comes
// due. It must not block; hand the id off to a queue or worker pool.
type Callback func(id string)

// Engine schedules many reminders on a single time-ordered heap driven by one
// dispatcher goroutine, instead of one runtime timer per reminder.
//
// A timer fires its callback exactly once and is consumed; re-arming is
// explicit. Arm on an id that already holds a timer replaces it.
type Engine struct {
	log logx.Logger
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	queue   entryHeap
	wake    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type entry struct {
	id    string
	dueAt time.Time
	cb    Callback
	index int // heap position, -1 when removed
}

func New(log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		log:     log,
		now:     time.Now,
		entries: map[string]*entry{},
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the dispatcher loop. Idempotent.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopCh != nil {
		return
	}
	e.stopCh = make(chan struct{})
	stopCh := e.stopCh

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop(ctx, stopCh)
	}()
	e.log.Debug("timer engine started")
}

// Stop halts the dispatcher and drops all armed timers. Armed state lives in
// the store, not here, so a later Start rebuilds from recovery.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if e.stopCh == nil {
		e.mu.Unlock()
		return
	}
	close(e.stopCh)
	e.stopCh = nil
	e.entries = map[string]*entry{}
	e.queue = nil
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	e.log.Debug("timer engine stopped")
}

// Arm installs (or replaces) the timer for id. dueAt in the past fires on the
// next dispatcher pass, which is how startup recovery triggers overdue work.
func (e *Engine) Arm(id string, dueAt time.Time, cb Callback) {
	e.mu.Lock()
	if old, ok := e.entries[id]; ok {
		heap.Remove(&e.queue, old.index)
	}
	en := &entry{id: id, dueAt: dueAt, cb: cb}
	e.entries[id] = en
	heap.Push(&e.queue, en)
	e.mu.Unlock()
	e.kick()
}

// Disarm removes the timer for id, if any. Reports whether one was armed.
func (e *Engine) Disarm(id string) bool {
	e.mu.Lock()
	en, ok := e.entries[id]
	if ok {
		heap.Remove(&e.queue, en.index)
		delete(e.entries, id)
	}
	e.mu.Unlock()
	if ok {
		e.kick()
	}
	return ok
}

// Reschedule moves an armed timer to a new due instant, keeping its callback.
// Reports false when id has no armed timer.
func (e *Engine) Reschedule(id string, dueAt time.Time) bool {
	e.mu.Lock()
	en, ok := e.entries[id]
	if ok {
		en.dueAt = dueAt
		heap.Fix(&e.queue, en.index)
	}
	e.mu.Unlock()
	if ok {
		e.kick()
	}
	return ok
}

// Len reports the number of armed timers.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context, stopCh <-chan struct{}) {
	for {
		fired := e.popDue()
		for _, en := range fired {
			en.cb(en.id)
		}

		wait := e.nextWait()
		if wait <= 0 {
			// Something is due right now; only block on control channels
			// long enough to notice shutdown.
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			default:
				continue
			}
		}

		tmr := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return
		case <-stopCh:
			tmr.Stop()
			return
		case <-e.wake:
			tmr.Stop()
		case <-tmr.C:
		}
	}
}

// popDue removes and returns every entry due as of now. Callbacks run outside
// the lock so they may re-arm.
func (e *Engine) popDue() []*entry {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	var fired []*entry
	for e.queue.Len() > 0 {
		head := e.queue[0]
		if head.dueAt.After(now) {
			break
		}
		heap.Pop(&e.queue)
		delete(e.entries, head.id)
		fired = append(fired, head)
	}
	return fired
}

// nextWait returns how long to sleep until the earliest armed entry, or a
// long idle interval when nothing is armed.
func (e *Engine) nextWait() time.Duration {
	const idle = time.Hour
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.queue.Len() == 0 {
		return idle
	}
	d := e.queue[0].dueAt.Sub(e.now())
	if d > idle {
		return idle
	}
	return d
}

// entryHeap is a min-heap ordered by due instant.
type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].dueAt.Before(h[j].dueAt) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any) { en := x.(*entry); en.index = len(*h); *h = append(*h, en) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	en := old[n-1]
	old[n-1] = nil
	en.index = -1
	*h = old[:n-1]
	return en
}
