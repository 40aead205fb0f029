package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type firedRecorder struct {
	mu    sync.Mutex
	fired []string
	ch    chan string
}

func newFiredRecorder() *firedRecorder {
	return &firedRecorder{ch: make(chan string, 16)}
}

func (r *firedRecorder) fire(_ context.Context, sessionID string) {
	r.mu.Lock()
	r.fired = append(r.fired, sessionID)
	r.mu.Unlock()
	r.ch <- sessionID
}

func (r *firedRecorder) wait(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for scheduled refresh")
		return ""
	}
}

func (r *firedRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func startScheduler(t *testing.T, rec *firedRecorder) *Scheduler {
	t.Helper()
	s, err := NewScheduler(rec.fire, time.Now, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func TestSchedulerFiresPastEntriesImmediately(t *testing.T) {
	rec := newFiredRecorder()
	s := startScheduler(t, rec)

	s.Schedule("s1", time.Now().Add(-time.Minute))
	require.Equal(t, "s1", rec.wait(t))
	require.Zero(t, s.Pending())
}

func TestSchedulerFiresInOrder(t *testing.T) {
	rec := newFiredRecorder()
	s := startScheduler(t, rec)

	now := time.Now()
	s.Schedule("late", now.Add(120*time.Millisecond))
	s.Schedule("early", now.Add(40*time.Millisecond))
	require.Equal(t, 2, s.Pending())

	require.Equal(t, "early", rec.wait(t))
	require.Equal(t, "late", rec.wait(t))
}

func TestSchedulerReplacesEntry(t *testing.T) {
	rec := newFiredRecorder()
	s := startScheduler(t, rec)

	s.Schedule("s1", time.Now().Add(time.Hour))
	s.Schedule("s1", time.Now().Add(30*time.Millisecond))
	require.Equal(t, 1, s.Pending())

	require.Equal(t, "s1", rec.wait(t))
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, rec.count())
}

func TestSchedulerCancel(t *testing.T) {
	rec := newFiredRecorder()
	s := startScheduler(t, rec)

	s.Schedule("s1", time.Now().Add(50*time.Millisecond))
	fireAt, ok := s.NextFire("s1")
	require.True(t, ok)
	require.False(t, fireAt.IsZero())

	require.True(t, s.Cancel("s1"))
	require.False(t, s.Cancel("s1"))
	_, ok = s.NextFire("s1")
	require.False(t, ok)

	time.Sleep(150 * time.Millisecond)
	require.Zero(t, rec.count())
}

func TestSchedulerEntriesBeforeStart(t *testing.T) {
	rec := newFiredRecorder()
	s, err := NewScheduler(rec.fire, time.Now, nil)
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	s.Schedule("s1", time.Now())
	require.False(t, s.Running())
	require.Equal(t, 1, s.Pending())

	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.Running())
	require.Equal(t, "s1", rec.wait(t))
}

func TestSchedulerStopWaitsForInflight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var finished bool
	var mu sync.Mutex

	s, err := NewScheduler(func(ctx context.Context, _ string) {
		close(started)
		<-release
		mu.Lock()
		finished = true
		mu.Unlock()
	}, time.Now, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	s.Schedule("s1", time.Now())
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatalf("Stop returned before the refresh finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped
	mu.Lock()
	require.True(t, finished)
	mu.Unlock()

	require.False(t, s.Running())
	require.ErrorIs(t, s.Start(context.Background()), ErrSchedulerStopped)
}

func TestSchedulerRecoversFromPanics(t *testing.T) {
	rec := newFiredRecorder()
	s, err := NewScheduler(func(ctx context.Context, id string) {
		if id == "boom" {
			panic("refresh exploded")
		}
		rec.fire(ctx, id)
	}, time.Now, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	s.Schedule("boom", time.Now())
	s.Schedule("ok", time.Now().Add(20*time.Millisecond))
	require.Equal(t, "ok", rec.wait(t))
}

func TestNewSchedulerRequiresFunc(t *testing.T) {
	_, err := NewScheduler(nil, time.Now, nil)
	require.Error(t, err)
}
