package periodic

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweetsched/internal/task/engine"
	logx "tweetsched/pkg/logx"
)

type recorder struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (r *recorder) Enqueue(t engine.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tasks = append(r.tasks, t)
	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = t.Name
	}
	return out
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		in    string
		kind  SpecKind
		cron  string
		every time.Duration
		bad   bool
	}{
		{in: "*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "@daily", kind: SpecCron, cron: "@daily"},
		{in: "cron:@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "15m", kind: SpecInterval, every: 15 * time.Minute},
		{in: "02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "every:00:50", kind: SpecInterval, every: 50 * time.Minute},
		{in: "interval:1h", kind: SpecInterval, every: time.Hour},
		{in: "", bad: true},
		{in: "00:00", bad: true},
		{in: "01:75", bad: true},
		{in: "-5m", bad: true},
		{in: "soon", bad: true},
		{in: "cron:", bad: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSchedule(tt.in)
			if tt.bad {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, got.Kind)
			assert.Equal(t, tt.cron, got.Cron)
			assert.Equal(t, tt.every, got.Every)
		})
	}
}

func TestAddReplaceRemove(t *testing.T) {
	s := New(Config{Enabled: true, Timezone: "UTC"}, &recorder{}, logx.Nop())
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.AddSchedule("purge", "@daily", time.Minute, noop))
	require.NoError(t, s.AddSchedule("audit", "15m", 0, noop))
	require.NoError(t, s.AddSchedule("purge", "@hourly", time.Minute, noop))
	require.NoError(t, s.AddDaily("report", "03:15", 0, noop))
	require.Error(t, s.AddDaily("bad", "25:00", 0, noop))
	require.Error(t, s.AddSchedule("", "@daily", 0, noop))
	require.Error(t, s.AddSchedule("x", "not a cron", 0, noop))

	snap := s.Snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, "UTC", snap.Timezone)
	require.Len(t, snap.Schedules, 3)
	specs := map[string]string{}
	for _, sc := range snap.Schedules {
		specs[sc.Name] = sc.Spec
	}
	assert.Equal(t, map[string]string{"purge": "@hourly", "audit": "@every 15m0s", "report": "15 3 * * *"}, specs)

	assert.True(t, s.Remove("audit"))
	assert.False(t, s.Remove("audit"))
	assert.Len(t, s.Snapshot().Schedules, 2)
}

func TestTriggersEnqueueOnEngine(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Enabled: true, Timezone: "UTC"}, rec, logx.Nop())
	require.NoError(t, s.AddSchedule("tick", "cron:* * * * * *", time.Second, func(context.Context) error { return nil }))

	ctx := context.Background()
	s.Start(ctx)
	t.Cleanup(func() { s.Stop(ctx) })

	require.Eventually(t, func() bool { return len(rec.names()) > 0 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, "tick", rec.names()[0])

	rec.mu.Lock()
	task := rec.tasks[0]
	rec.mu.Unlock()
	assert.Equal(t, "periodic:tick", task.Key)
	assert.Equal(t, time.Second, task.Timeout)

	snap := s.Snapshot()
	assert.True(t, snap.Running)
	require.Len(t, snap.Schedules, 1)
	assert.False(t, snap.Schedules[0].Next.IsZero())
}

func TestDisabledDoesNotStart(t *testing.T) {
	s := New(Config{}, &recorder{}, logx.Nop())
	s.Start(context.Background())
	assert.False(t, s.Snapshot().Running)

	s.Apply(context.Background(), Config{Enabled: true})
	assert.True(t, s.Snapshot().Running)
	s.Apply(context.Background(), Config{Enabled: false})
	assert.False(t, s.Snapshot().Running)
}

func TestIntervalSpreadIsBounded(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		sched, spread := intervalWithSpread(time.Minute, now, "job")
		assert.GreaterOrEqual(t, spread, time.Duration(0))
		assert.Less(t, spread, maxStartupSpread)
		assert.Equal(t, now.Add(time.Minute+spread), sched.Next(now))
	}
	sched, spread := intervalWithSpread(5*time.Second, now, "short")
	assert.Less(t, spread, 5*time.Second)
	assert.Equal(t, now.Add(5*time.Second+spread), sched.Next(now))
}
