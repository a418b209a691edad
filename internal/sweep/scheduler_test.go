package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/internal/engine"
)

type fakeSweeper struct {
	mu    sync.Mutex
	calls []engine.SweepOptions
	err   error
}

func (f *fakeSweeper) SweepAll(_ context.Context, opts engine.SweepOptions) (engine.SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	return engine.SweepResult{Cases: 2, Created: 1}, f.err
}

func (f *fakeSweeper) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeLocker struct {
	held     bool
	released int
	err      error
}

func (l *fakeLocker) Acquire(context.Context, time.Duration) (func(context.Context) error, bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return func(context.Context) error {
		l.held = false
		l.released++
		return nil
	}, true, nil
}

func TestTickSweepsAsSystemActor(t *testing.T) {
	sw := &fakeSweeper{}
	s := Scheduler{Engine: sw, Parallelism: 3}
	res, ran, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, res.Created)
	require.Len(t, sw.calls, 1)
	assert.Equal(t, engine.SystemActorID, sw.calls[0].Actor.StaffID)
	assert.Equal(t, 3, sw.calls[0].Parallelism)
}

func TestTickSkipsWhenLockHeld(t *testing.T) {
	sw := &fakeSweeper{}
	lock := &fakeLocker{held: true}
	s := Scheduler{Engine: sw, Locker: lock}
	_, ran, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, sw.count())
}

func TestTickReleasesLockAfterFailure(t *testing.T) {
	sw := &fakeSweeper{err: errors.New("boom")}
	lock := &fakeLocker{}
	s := Scheduler{Engine: sw, Locker: lock}
	_, ran, err := s.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, ran)
	assert.False(t, lock.held)
	assert.Equal(t, 1, lock.released)
}

func TestTickReportsLockErrors(t *testing.T) {
	sw := &fakeSweeper{}
	s := Scheduler{Engine: sw, Locker: &fakeLocker{err: errors.New("redis down")}}
	_, _, err := s.Tick(context.Background())
	require.Error(t, err)
	assert.Zero(t, sw.count())
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	sw := &fakeSweeper{}
	s := Scheduler{Engine: sw, Interval: 5 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return sw.count() >= 2 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
