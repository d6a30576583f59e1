package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweetsched/internal/eventbus"
	logx "tweetsched/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func TestTasksRunOneAtATime(t *testing.T) {
	s, _ := startEngine(t, Config{QueueSize: 16})

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		require.NoError(t, s.Enqueue(Task{Name: "post", Run: func(ctx context.Context) error {
			defer wg.Done()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			return nil
		}}))
	}
	wg.Wait()
	assert.EqualValues(t, 1, peak.Load())
}

func TestSameKeyIsSkippedWhileQueued(t *testing.T) {
	s, _ := startEngine(t, Config{QueueSize: 4})

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "post", Key: "item-1", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started

	err := s.Enqueue(Task{Name: "retry", Key: "item-1", Run: func(ctx context.Context) error { return nil }})
	require.ErrorIs(t, err, ErrOverlapSkip)
	require.NoError(t, s.Enqueue(Task{Name: "post", Key: "item-2", Run: func(ctx context.Context) error { return nil }}))
	close(release)

	require.Eventually(t, func() bool {
		return s.Enqueue(Task{Name: "again", Key: "item-1", Run: func(ctx context.Context) error { return nil }}) == nil
	}, time.Second, 5*time.Millisecond)
}

func TestPanicIsRecordedAsFailure(t *testing.T) {
	s, bus := startEngine(t, Config{})
	failed, unsub := bus.Subscribe(4, "task.failed")
	defer unsub()

	require.NoError(t, s.Enqueue(Task{Name: "boom", Run: func(ctx context.Context) error { panic("bad") }}))

	select {
	case e := <-failed:
		ev := e.Data.(TaskEvent)
		assert.Contains(t, ev.Error, "panic")
	case <-time.After(time.Second):
		t.Fatal("no task.failed event")
	}

	require.NoError(t, s.Enqueue(Task{Name: "ok", Run: func(ctx context.Context) error { return errors.New("plain") }}))
	require.Eventually(t, func() bool { return len(s.Snapshot().History) == 2 }, time.Second, 5*time.Millisecond)
}

func TestEnqueueWhenStopped(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(ctx context.Context) error { return nil }})
	require.ErrorIs(t, err, ErrStopped)
}

func TestQueueFull(t *testing.T) {
	s, _ := startEngine(t, Config{QueueSize: 1})
	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "hold", Run: func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	}}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "q1", Run: func(ctx context.Context) error { return nil }}))
	err := s.Enqueue(Task{Name: "q2", Run: func(ctx context.Context) error { return nil }})
	require.ErrorIs(t, err, ErrQueueFull)
	close(block)
	assert.EqualValues(t, 1, s.Snapshot().Dropped)
}
