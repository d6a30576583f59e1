package loop

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweetsched/internal/post"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func queued(id string, created time.Time, scheduled *time.Time) post.Item {
	return post.Item{ID: id, Content: id, Status: post.StatusQueued, CreatedAt: created, ScheduledFor: scheduled}
}

func at(t time.Time) *time.Time { return &t }

func TestNextFireTimeBounds(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1))
	for _, hours := range []int{post.MinIntervalHours, 24, post.MaxIntervalHours} {
		for _, window := range []int{post.MinWindowMinutes, 30, post.MaxWindowMinutes} {
			cfg := post.PostingConfig{Enabled: true, IntervalHours: hours, RandomWindowMinutes: window}
			lo := t0.Add(cfg.Interval() - cfg.Window())
			hi := t0.Add(cfg.Interval() + cfg.Window())
			for i := 0; i < 500; i++ {
				got := NextFireTime(t0, cfg, rng)
				require.False(t, got.Before(lo), "hours=%d window=%d got=%s", hours, window, got)
				require.False(t, got.After(hi), "hours=%d window=%d got=%s", hours, window, got)
			}
		}
	}
}

func TestOrderCandidates(t *testing.T) {
	t.Parallel()

	items := []post.Item{
		queued("future-late", t0.Add(-3*time.Hour), at(t0.Add(2*time.Hour))),
		queued("future-soon", t0.Add(-1*time.Hour), at(t0.Add(time.Hour))),
		queued("unscheduled-new", t0.Add(-10*time.Minute), nil),
		queued("scheduled-past", t0.Add(-5*time.Hour), at(t0.Add(-30*time.Minute))),
		queued("unscheduled-old", t0.Add(-2*time.Hour), nil),
		{ID: "posted", Status: post.StatusPosted, CreatedAt: t0.Add(-9 * time.Hour)},
		{ID: "failed", Status: post.StatusFailed, CreatedAt: t0.Add(-9 * time.Hour)},
		{ID: "posting", Status: post.StatusPosting, CreatedAt: t0.Add(-9 * time.Hour)},
	}

	want := []string{"unscheduled-old", "scheduled-past", "unscheduled-new", "future-soon", "future-late"}
	got := ids(OrderCandidates(items, t0))
	assert.Equal(t, want, got)

	// Same answer for every input order.
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 50; i++ {
		shuffled := append([]post.Item(nil), items...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, ids(OrderCandidates(shuffled, t0)))
	}
}

func TestOrderTieBreaks(t *testing.T) {
	t.Parallel()
	same := t0.Add(-time.Hour)
	items := []post.Item{
		queued("b", t0.Add(-2*time.Hour), at(same)),
		queued("a", t0.Add(-2*time.Hour), at(same)),
		queued("c", t0.Add(-3*time.Hour), at(same)),
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids(OrderCandidates(items, t0)))
}

func TestScheduledExactlyNowIsDue(t *testing.T) {
	t.Parallel()
	it := queued("edge", t0.Add(-time.Hour), at(t0))
	assert.True(t, IsDue(it, t0))
	assert.False(t, IsDue(it, t0.Add(-time.Millisecond)))
}

func TestUnscheduledBeatsFutureScheduled(t *testing.T) {
	t.Parallel()
	items := []post.Item{
		queued("later", t0.Add(-time.Minute), at(t0.Add(time.Hour))),
		queued("now", t0.Add(-time.Second), nil),
	}
	got := OrderCandidates(items, t0)
	require.Len(t, got, 2)
	assert.Equal(t, "now", got[0].ID)
}

func ids(items []post.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}
