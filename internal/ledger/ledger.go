package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tweetsched/internal/post"
	logx "tweetsched/pkg/logx"
)

var (
	ErrResolved           = errors.New("ledger entry already resolved")
	ErrInvalidRetryConfig = errors.New("invalid retry config")
)

// Persister is the slice of the store the ledger needs.
type Persister interface {
	ErrorLedger(ctx context.Context) ([]post.ErrorEntry, error)
	SaveErrorLedger(ctx context.Context, entries []post.ErrorEntry) error
}

// Retrier re-submits the item behind an entry. It must not block: the
// outcome comes back through ReportRetryOutcome.
type Retrier func(entry post.ErrorEntry)

type Option func(*Ledger)

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func WithRand(rng *rand.Rand) Option { return func(l *Ledger) { l.rng = rng } }

// Ledger records classified submission failures and drives automatic
// retries, each entry on its own timer.
type Ledger struct {
	mu      sync.Mutex
	cfg     RetryConfig
	entries []post.ErrorEntry
	timers  map[string]*time.Timer
	vers    map[string]uint64
	closed  bool

	store   Persister
	retrier Retrier
	log     logx.Logger
	now     func() time.Time
	rng     *rand.Rand
}

func New(store Persister, cfg RetryConfig, log logx.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		cfg:    cfg,
		timers: map[string]*time.Timer{},
		vers:   map[string]uint64{},
		store:  store,
		log:    log.With(logx.String("comp", "ledger")),
		now:    time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if l.rng == nil {
		l.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return l
}

// SetRetrier installs the collaborator that re-submits items.
func (l *Ledger) SetRetrier(r Retrier) {
	l.mu.Lock()
	l.retrier = r
	l.mu.Unlock()
}

// Load reads persisted entries and re-arms pending retry timers.
// Retries whose time already passed fire immediately.
func (l *Ledger) Load(ctx context.Context) error {
	entries, err := l.store.ErrorLedger(ctx)
	if err != nil {
		return fmt.Errorf("load error ledger: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = entries
	now := l.now()
	armed := 0
	for _, e := range l.entries {
		if e.Resolved || e.NextRetryAt == nil {
			continue
		}
		l.armLocked(e.ID, max(e.NextRetryAt.Sub(now), 0))
		armed++
	}
	l.log.Info("error ledger loaded", logx.Int("entries", len(entries)), logx.Int("pending_retries", armed))
	return nil
}

// Close cancels every pending timer.
func (l *Ledger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
}

// RecordError stores a new entry for a failed submission and schedules an
// automatic retry when the kind is retryable.
func (l *Ledger) RecordError(ctx context.Context, itemID, content string, cause error) (post.ErrorEntry, error) {
	kind, status := Classify(cause)

	l.mu.Lock()
	defer l.mu.Unlock()

	e := post.ErrorEntry{
		ID:         uuid.NewString(),
		TweetID:    itemID,
		ErrorType:  kind,
		Message:    errMessage(cause),
		Timestamp:  l.now().UTC(),
		MaxRetries: l.cfg.MaxRetries,
		Content:    content,
		HTTPStatus: status,
	}
	l.entries = append(l.entries, e)
	idx := len(l.entries) - 1
	l.scheduleLocked(idx)

	l.log.Warn("submission failure recorded",
		logx.String("entry", e.ID),
		logx.String("item", itemID),
		logx.String("type", string(kind)),
		logx.TimePtr("next_retry_at", l.entries[idx].NextRetryAt),
		logx.Err(cause),
	)
	return l.entries[idx].Clone(), l.persistLocked(ctx)
}

// ReportRetryOutcome applies the result of a retry attempt. A nil cause
// resolves the entry; otherwise it is reclassified and rescheduled while
// budget remains.
func (l *Ledger) ReportRetryOutcome(ctx context.Context, entryID string, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.indexLocked(entryID)
	if idx < 0 {
		return fmt.Errorf("ledger entry %s: %w", entryID, post.ErrNotFound)
	}
	e := &l.entries[idx]
	if e.Resolved {
		return nil
	}

	switch {
	case cause == nil:
		l.resolveLocked(idx, post.ResolvedByRetry)
		l.log.Info("retry succeeded", logx.String("entry", entryID), logx.String("item", e.TweetID), logx.Int("retry_count", e.RetryCount))
	case errors.Is(cause, post.ErrNotFound):
		l.resolveLocked(idx, post.ResolvedByMissing)
		l.log.Info("retry target is gone", logx.String("entry", entryID), logx.String("item", e.TweetID))
	default:
		e.ErrorType, e.HTTPStatus = Classify(cause)
		e.Message = errMessage(cause)
		l.scheduleLocked(idx)
		if e.NextRetryAt == nil {
			l.log.Warn("retry failed, no automatic retry left", logx.String("entry", entryID), logx.String("type", string(e.ErrorType)), logx.Int("retry_count", e.RetryCount), logx.Err(cause))
		} else {
			l.log.Warn("retry failed, rescheduled", logx.String("entry", entryID), logx.String("type", string(e.ErrorType)), logx.TimePtr("next_retry_at", e.NextRetryAt), logx.Err(cause))
		}
	}
	return l.persistLocked(ctx)
}

// ManualRetry cancels the entry's pending timer and fires a retry now,
// regardless of remaining budget.
func (l *Ledger) ManualRetry(ctx context.Context, id string) error {
	l.mu.Lock()
	idx := l.indexLocked(id)
	if idx < 0 {
		l.mu.Unlock()
		return fmt.Errorf("ledger entry %s: %w", id, post.ErrNotFound)
	}
	if l.entries[idx].Resolved {
		l.mu.Unlock()
		return fmt.Errorf("ledger entry %s: %w", id, ErrResolved)
	}
	l.cancelLocked(id)
	snap, retrier, err := l.triggerLocked(ctx, idx)
	l.mu.Unlock()

	l.log.Info("manual retry", logx.String("entry", id), logx.String("item", snap.TweetID), logx.Int("retry_count", snap.RetryCount))
	if retrier != nil {
		retrier(snap)
	}
	return err
}

// ResolveError marks an entry resolved and cancels its timer. Idempotent.
func (l *Ledger) ResolveError(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.indexLocked(id)
	if idx < 0 {
		return fmt.Errorf("ledger entry %s: %w", id, post.ErrNotFound)
	}
	if l.entries[idx].Resolved {
		return nil
	}
	l.resolveLocked(idx, post.ResolvedByManual)
	return l.persistLocked(ctx)
}

// ResolveItem resolves every open entry of one item, e.g. once the loop
// has posted it after a requeue. It returns how many entries changed.
func (l *Ledger) ResolveItem(ctx context.Context, itemID, by string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for i := range l.entries {
		if l.entries[i].TweetID == itemID && !l.entries[i].Resolved {
			l.resolveLocked(i, by)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, l.persistLocked(ctx)
}

// Filter narrows Errors. Zero values match everything.
type Filter struct {
	TweetID   string
	ErrorType post.ErrorType
	Resolved  *bool
	Since     time.Time
	Limit     int
}

// Errors returns matching entries, newest first.
func (l *Ledger) Errors(f Filter) []post.ErrorEntry {
	l.mu.Lock()
	out := make([]post.ErrorEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if f.TweetID != "" && e.TweetID != f.TweetID {
			continue
		}
		if f.ErrorType != "" && e.ErrorType != f.ErrorType {
			continue
		}
		if f.Resolved != nil && e.Resolved != *f.Resolved {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, e.Clone())
	}
	l.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

type Stats struct {
	Total        int                    `json:"total"`
	Resolved     int                    `json:"resolved"`
	Pending      int                    `json:"pending"`
	ByType       map[post.ErrorType]int `json:"byType"`
	RetrySuccess int                    `json:"retrySuccess"`
}

func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Stats{Total: len(l.entries), ByType: map[post.ErrorType]int{}}
	for _, e := range l.entries {
		st.ByType[e.ErrorType]++
		if e.Resolved {
			st.Resolved++
			if e.ResolvedBy == post.ResolvedByRetry {
				st.RetrySuccess++
			}
		} else {
			st.Pending++
		}
	}
	return st
}

// PurgeResolved drops resolved entries older than olderThan.
func (l *Ledger) PurgeResolved(ctx context.Context, olderThan time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-olderThan)
	before := len(l.entries)
	l.entries = slices.DeleteFunc(l.entries, func(e post.ErrorEntry) bool {
		if !e.Resolved {
			return false
		}
		at := e.Timestamp
		if e.ResolvedAt != nil {
			at = *e.ResolvedAt
		}
		return at.Before(cutoff)
	})
	n := before - len(l.entries)
	if n == 0 {
		return 0, nil
	}
	l.log.Info("purged resolved ledger entries", logx.Int("count", n))
	return n, l.persistLocked(ctx)
}

func (l *Ledger) RetryConfig() RetryConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	cfg := l.cfg
	cfg.RetryableErrors = append([]post.ErrorType(nil), l.cfg.RetryableErrors...)
	return cfg
}

// UpdateRetryConfig applies a partial update. Pending timers keep their
// schedule; the new values apply from the next scheduling decision.
func (l *Ledger) UpdateRetryConfig(p RetryPatch) (RetryConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := p.apply(l.cfg)
	if err := next.Validate(); err != nil {
		return l.cfg, fmt.Errorf("%w: %w", ErrInvalidRetryConfig, err)
	}
	l.cfg = next
	return next, nil
}

// Backoff returns the delay before retry number retryCount+1.
func (l *Ledger) Backoff(retryCount int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.backoffLocked(retryCount)
}

func (l *Ledger) backoffLocked(retryCount int) time.Duration {
	d := float64(l.cfg.BaseDelay) * math.Pow(l.cfg.ExponentialBase, float64(retryCount))
	maxD := float64(l.cfg.MaxDelay)
	if d > maxD {
		return l.cfg.MaxDelay
	}
	d += l.rng.Float64() * 0.1 * d
	return time.Duration(math.Min(d, maxD))
}

func (l *Ledger) scheduleLocked(idx int) {
	e := &l.entries[idx]
	e.NextRetryAt = nil
	if !l.cfg.EnableAutoRetry || !l.cfg.retryable(e.ErrorType) || e.RetryCount >= e.MaxRetries {
		return
	}
	delay := l.backoffLocked(e.RetryCount)
	at := l.now().Add(delay).UTC()
	e.NextRetryAt = &at
	l.armLocked(e.ID, delay)
}

func (l *Ledger) armLocked(id string, delay time.Duration) {
	if l.closed {
		return
	}
	l.cancelLocked(id)
	ver := l.vers[id]
	l.timers[id] = time.AfterFunc(delay, func() { l.fire(id, ver) })
}

// cancelLocked stops the timer and bumps the version so a callback that
// already started is ignored.
func (l *Ledger) cancelLocked(id string) {
	if t, ok := l.timers[id]; ok {
		t.Stop()
		delete(l.timers, id)
	}
	l.vers[id]++
}

func (l *Ledger) fire(id string, ver uint64) {
	l.mu.Lock()
	if l.closed || l.vers[id] != ver {
		l.mu.Unlock()
		return
	}
	delete(l.timers, id)
	idx := l.indexLocked(id)
	if idx < 0 || l.entries[idx].Resolved {
		l.mu.Unlock()
		return
	}
	snap, retrier, err := l.triggerLocked(context.Background(), idx)
	l.mu.Unlock()

	if err != nil {
		l.log.Warn("persist ledger after retry fire failed", logx.String("entry", id), logx.Err(err))
	}
	l.log.Info("automatic retry", logx.String("entry", id), logx.String("item", snap.TweetID), logx.Int("retry_count", snap.RetryCount))
	if retrier != nil {
		retrier(snap)
	}
}

func (l *Ledger) triggerLocked(ctx context.Context, idx int) (post.ErrorEntry, Retrier, error) {
	e := &l.entries[idx]
	e.RetryCount++
	e.NextRetryAt = nil
	return e.Clone(), l.retrier, l.persistLocked(ctx)
}

func (l *Ledger) resolveLocked(idx int, by string) {
	e := &l.entries[idx]
	l.cancelLocked(e.ID)
	now := l.now().UTC()
	e.Resolved = true
	e.ResolvedAt = &now
	e.ResolvedBy = by
	e.NextRetryAt = nil
}

func (l *Ledger) indexLocked(id string) int {
	for i := range l.entries {
		if l.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (l *Ledger) persistLocked(ctx context.Context) error {
	out := make([]post.ErrorEntry, len(l.entries))
	for i := range l.entries {
		out[i] = l.entries[i].Clone()
	}
	if err := l.store.SaveErrorLedger(ctx, out); err != nil {
		l.log.Warn("persist error ledger failed", logx.Err(err))
		return fmt.Errorf("persist error ledger: %w", err)
	}
	return nil
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
