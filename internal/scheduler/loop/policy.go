package loop

import (
	"math/rand"
	"sort"
	"time"

	"tweetsched/internal/post"
)

// IsDue reports whether the item may be submitted at now. An explicit
// schedule equal to now counts as due.
func IsDue(it post.Item, now time.Time) bool {
	return it.ScheduledFor == nil || !it.ScheduledFor.After(now)
}

// OrderCandidates returns the queued items in firing order: due items by
// effective time (schedule, or creation when unscheduled), then future items
// by schedule. Ties fall back to creation time, then id, so the result only
// depends on the input and now.
func OrderCandidates(items []post.Item, now time.Time) []post.Item {
	var due, future []post.Item
	for _, it := range items {
		if it.Status != post.StatusQueued {
			continue
		}
		if IsDue(it, now) {
			due = append(due, it)
		} else {
			future = append(future, it)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return less(due[i], due[j]) })
	sort.SliceStable(future, func(i, j int) bool { return less(future[i], future[j]) })
	return append(due, future...)
}

func less(a, b post.Item) bool {
	ta, tb := a.EffectiveTime(), b.EffectiveTime()
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// NextFireTime is now + interval + a uniform offset in [-window, +window].
func NextFireTime(now time.Time, cfg post.PostingConfig, rng *rand.Rand) time.Time {
	w := int64(cfg.Window())
	var offset int64
	if w > 0 {
		offset = rng.Int63n(2*w+1) - w
	}
	return now.Add(cfg.Interval() + time.Duration(offset))
}
