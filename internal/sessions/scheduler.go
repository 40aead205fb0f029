package sessions

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/sessionguard/pkg/logger"
)

// RefreshFunc handles a due refresh. It runs on its own goroutine.
type RefreshFunc func(ctx context.Context, sessionID string)

type refreshEntry struct {
	sessionID string
	fireAt    time.Time
	index     int
}

// refreshQueue is a min-heap ordered by fire time.
type refreshQueue []*refreshEntry

func (q refreshQueue) Len() int           { return len(q) }
func (q refreshQueue) Less(i, j int) bool { return q[i].fireAt.Before(q[j].fireAt) }
func (q refreshQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *refreshQueue) Push(x any) {
	entry := x.(*refreshEntry)
	entry.index = len(*q)
	*q = append(*q, entry)
}

func (q *refreshQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*q = old[:n-1]
	return entry
}

// Scheduler fires at most one pending refresh per session from a single timer goroutine.
// Scheduling a session again replaces its previous entry.
type Scheduler struct {
	mu      sync.Mutex
	queue   refreshQueue
	entries map[string]*refreshEntry
	wake    chan struct{}
	fire    RefreshFunc
	now     func() time.Time
	log     *zap.Logger

	running  bool
	stopped  bool
	cancel   context.CancelFunc
	done     chan struct{}
	inflight sync.WaitGroup
}

// NewScheduler constructs a stopped scheduler. Entries may be scheduled before Start.
func NewScheduler(fire RefreshFunc, clock func() time.Time, log *zap.Logger) (*Scheduler, error) {
	if fire == nil {
		return nil, errors.New("scheduler: refresh func is required")
	}
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = logger.WithModule("sessions.scheduler")
	}
	return &Scheduler{
		entries: make(map[string]*refreshEntry),
		wake:    make(chan struct{}, 1),
		fire:    fire,
		now:     clock,
		log:     log,
	}, nil
}

// Start launches the timer loop. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrSchedulerStopped
	}
	if s.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.run(runCtx, s.done)
	return nil
}

// Stop halts the loop and waits for in-flight refreshes to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.stopped = true
		s.mu.Unlock()
		return
	}
	s.running = false
	s.stopped = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.inflight.Wait()
}

// Running reports whether the timer loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Schedule sets the refresh time for a session, replacing any earlier entry. A time in the past
// fires on the next loop iteration.
func (s *Scheduler) Schedule(sessionID string, fireAt time.Time) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	if entry, ok := s.entries[sessionID]; ok {
		entry.fireAt = fireAt
		heap.Fix(&s.queue, entry.index)
	} else {
		entry := &refreshEntry{sessionID: sessionID, fireAt: fireAt}
		heap.Push(&s.queue, entry)
		s.entries[sessionID] = entry
	}
	s.mu.Unlock()
	s.notify()
}

// Cancel drops the pending entry for a session. It reports whether one existed.
func (s *Scheduler) Cancel(sessionID string) bool {
	s.mu.Lock()
	entry, ok := s.entries[sessionID]
	if ok {
		heap.Remove(&s.queue, entry.index)
		delete(s.entries, sessionID)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

// Pending returns the number of scheduled entries.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// NextFire returns the scheduled time for a session.
func (s *Scheduler) NextFire(sessionID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[sessionID]
	if !ok {
		return time.Time{}, false
	}
	return entry.fireAt, true
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		due, wait, ok := s.collectDue()
		for _, sessionID := range due {
			s.dispatch(ctx, sessionID)
		}

		var timer *time.Timer
		var timerC <-chan time.Time
		if ok {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// collectDue pops every entry whose time has come and returns the wait until the next one.
func (s *Scheduler) collectDue() ([]string, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []string
	for s.queue.Len() > 0 && !s.queue[0].fireAt.After(now) {
		entry := heap.Pop(&s.queue).(*refreshEntry)
		delete(s.entries, entry.sessionID)
		due = append(due, entry.sessionID)
	}
	if s.queue.Len() == 0 {
		return due, 0, false
	}
	wait := s.queue[0].fireAt.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return due, wait, true
}

func (s *Scheduler) dispatch(ctx context.Context, sessionID string) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("scheduled refresh panicked", zap.String("session", logger.HashID(sessionID)), zap.Any("panic", r))
			}
		}()
		s.fire(ctx, sessionID)
	}()
}
