package scheduler

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweetsched/internal/ledger"
	"tweetsched/internal/post"
	"tweetsched/internal/provider"
	"tweetsched/internal/storage"
	"tweetsched/internal/task/engine"
	logx "tweetsched/pkg/logx"
)

const goodCookies = "auth_token=tok; ct0=csrf"

var hourly = post.PostingConfig{Enabled: true, IntervalHours: 1, RandomWindowMinutes: 5}

type fakePoster struct {
	mu          sync.Mutex
	texts       []string
	uploads     []string
	submitErrs  []error
	uploadErrs  map[string]error
	active      int
	maxActive   int
	remoteIDSeq int
}

func (p *fakePoster) enter() func() {
	p.mu.Lock()
	p.active++
	p.maxActive = max(p.maxActive, p.active)
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}
}

func (p *fakePoster) SubmitText(ctx context.Context, content string, sess post.Session, refs []string) (string, error) {
	defer p.enter()()
	time.Sleep(2 * time.Millisecond)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, content)
	if len(p.submitErrs) > 0 {
		err := p.submitErrs[0]
		p.submitErrs = p.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	p.remoteIDSeq++
	return "remote-" + strconv.Itoa(p.remoteIDSeq), nil
}

func (p *fakePoster) UploadMedia(ctx context.Context, a post.Attachment, sess post.Session) (string, error) {
	defer p.enter()()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploads = append(p.uploads, a.Path)
	if err := p.uploadErrs[a.Path]; err != nil {
		return "", err
	}
	return "media-" + a.Path, nil
}

func (p *fakePoster) calls() (texts, uploads []string, maxActive int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.texts...), append([]string(nil), p.uploads...), p.maxActive
}

type harness struct {
	svc    *Service
	store  storage.Store
	poster *fakePoster
	events chan Event
}

func fastRetries() ledger.RetryConfig {
	cfg := ledger.DefaultRetryConfig()
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.MaxDelay = 50 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, dir string, cfg Config, poster *fakePoster) *harness {
	t.Helper()
	store, err := storage.Open(storage.Config{Driver: "file", Path: dir}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if poster == nil {
		poster = &fakePoster{}
	}
	svc, err := New(cfg, Deps{
		Store:  store,
		Poster: poster,
		Ledger: ledger.New(store, fastRetries(), logx.Nop()),
		Engine: engine.New(engine.Config{}, logx.Nop(), nil),
		Log:    logx.Nop(),
		Rand:   rand.New(rand.NewSource(5)),
	})
	require.NoError(t, err)

	h := &harness{svc: svc, store: store, poster: poster, events: make(chan Event, 64)}
	svc.On(AllEvents, func(e Event) {
		select {
		case h.events <- e:
		default:
		}
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return h
}

func (h *harness) load(t *testing.T) {
	t.Helper()
	require.NoError(t, h.svc.Load(context.Background()))
}

func (h *harness) item(t *testing.T, id string) post.Item {
	t.Helper()
	it, err := h.store.Item(context.Background(), id)
	require.NoError(t, err)
	return it
}

func (h *harness) waitEvent(t *testing.T, name string) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Name == name {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", name)
		}
	}
}

func TestDueItemIsPostedAndCounted(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{}, nil)
	ctx := context.Background()
	h.load(t)
	_, err := h.svc.SetSession(ctx, goodCookies)
	require.NoError(t, err)
	it, err := h.svc.AddItem(ctx, "hello", nil)
	require.NoError(t, err)

	require.NoError(t, h.svc.Start(ctx, hourly))
	ev := h.waitEvent(t, EventTweetPosted)
	assert.Equal(t, TweetPostedData{ItemID: it.ID, Success: true}, ev.Data)

	got := h.item(t, it.ID)
	assert.Equal(t, post.StatusPosted, got.Status)
	assert.Equal(t, "remote-1", got.RemoteID)
	require.NotNil(t, got.PostedAt)
	assert.Empty(t, got.Error)

	require.Eventually(t, func() bool {
		st, ok, err := h.store.SchedulerState(ctx)
		return err == nil && ok && st.Stats.TotalPosted == 1 && st.NextPostTime != nil
	}, 3*time.Second, 10*time.Millisecond)

	st := h.svc.State()
	assert.True(t, st.IsRunning)
	require.NotNil(t, st.LastPostTime)

	var cfg post.PostingConfig
	require.Eventually(t, func() bool {
		cfg, err = h.store.PostingConfig(ctx)
		return err == nil && cfg.NextPostTime != nil
	}, 3*time.Second, 10*time.Millisecond)
	assert.True(t, cfg.Enabled)
}

func TestUnusableSessionFailsWithoutNetwork(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{}, nil)
	ctx := context.Background()
	h.load(t)
	require.NoError(t, h.store.SaveSession(ctx, post.Session{Valid: true, Cookies: "auth_token=only"}))
	it, err := h.svc.AddItem(ctx, "no csrf", nil)
	require.NoError(t, err)

	require.NoError(t, h.svc.Start(ctx, hourly))
	h.waitEvent(t, EventError)

	got := h.item(t, it.ID)
	assert.Equal(t, post.StatusFailed, got.Status)
	assert.Contains(t, got.Error, post.ErrAuthRequired.Error())
	texts, uploads, _ := h.poster.calls()
	assert.Empty(t, texts)
	assert.Empty(t, uploads)

	var entries []post.ErrorEntry
	require.Eventually(t, func() bool {
		entries = h.svc.Ledger().Errors(ledger.Filter{TweetID: it.ID})
		return len(entries) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, post.ErrorAuthentication, entries[0].ErrorType)
	assert.Nil(t, entries[0].NextRetryAt)
	assert.Equal(t, 1, h.svc.State().Stats.TotalFailed)
}

func TestNoSessionArmsIntervalOnly(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{}, nil)
	ctx := context.Background()
	h.load(t)
	_, err := h.svc.AddItem(ctx, "waiting", nil)
	require.NoError(t, err)

	require.NoError(t, h.svc.Start(ctx, hourly))
	ev := h.waitEvent(t, EventNextPostScheduled)
	data, ok := ev.Data.(NextPostData)
	require.True(t, ok)
	assert.Empty(t, data.ItemID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), data.NextPostTime, 6*time.Minute)

	texts, _, _ := h.poster.calls()
	assert.Empty(t, texts)
}

func TestServerErrorIsRetriedUntilPosted(t *testing.T) {
	poster := &fakePoster{submitErrs: []error{&provider.ResponseError{HTTPStatus: 503, Message: "over capacity"}}}
	h := newHarness(t, t.TempDir(), Config{}, poster)
	ctx := context.Background()
	h.load(t)
	_, err := h.svc.SetSession(ctx, goodCookies)
	require.NoError(t, err)
	it, err := h.svc.AddItem(ctx, "flaky", nil)
	require.NoError(t, err)

	require.NoError(t, h.svc.Start(ctx, hourly))
	require.Eventually(t, func() bool {
		got, err := h.store.Item(ctx, it.ID)
		return err == nil && got.Status == post.StatusPosted
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		st := h.svc.Ledger().Stats()
		return st.RetrySuccess == 1 && st.Pending == 0
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		st := h.svc.State().Stats
		return st.TotalFailed == 1 && st.TotalPosted == 1
	}, 3*time.Second, 10*time.Millisecond)

	entries := h.svc.Ledger().Errors(ledger.Filter{})
	require.Len(t, entries, 1)
	assert.Equal(t, post.ErrorServer, entries[0].ErrorType)
	assert.Equal(t, 503, entries[0].HTTPStatus)
	assert.Equal(t, post.ResolvedByRetry, entries[0].ResolvedBy)

	texts, _, maxActive := poster.calls()
	assert.Equal(t, []string{"flaky", "flaky"}, texts)
	assert.Equal(t, 1, maxActive)
}

func TestAttachmentFailureAbortsItem(t *testing.T) {
	rejected := &provider.ResponseError{HTTPStatus: 400, Message: "unsupported media"}
	poster := &fakePoster{uploadErrs: map[string]error{"b.png": rejected}}
	h := newHarness(t, t.TempDir(), Config{}, poster)
	ctx := context.Background()
	h.load(t)
	_, err := h.svc.SetSession(ctx, goodCookies)
	require.NoError(t, err)
	it, err := h.svc.AddItem(ctx, "with media", nil, "a.png", "b.png", "c.png")
	require.NoError(t, err)

	require.NoError(t, h.svc.Start(ctx, hourly))
	h.waitEvent(t, EventError)

	got := h.item(t, it.ID)
	assert.Equal(t, post.StatusFailed, got.Status)
	require.Len(t, got.Attachments, 3)
	assert.Equal(t, post.AttachmentUploaded, got.Attachments[0].State)
	assert.Equal(t, "media-a.png", got.Attachments[0].Ref)
	assert.Equal(t, post.AttachmentFailed, got.Attachments[1].State)
	assert.Equal(t, post.AttachmentPending, got.Attachments[2].State)

	texts, uploads, _ := poster.calls()
	assert.Empty(t, texts)
	assert.Equal(t, []string{"a.png", "b.png"}, uploads)

	var entries []post.ErrorEntry
	require.Eventually(t, func() bool {
		entries = h.svc.Ledger().Errors(ledger.Filter{TweetID: it.ID})
		return len(entries) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, post.ErrorUnknown, entries[0].ErrorType)
	assert.Equal(t, 400, entries[0].HTTPStatus)
	assert.Nil(t, entries[0].NextRetryAt)
}

func TestStartRejectsDisabledConfig(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{}, nil)
	h.load(t)
	before := h.svc.State()

	cfg := hourly
	cfg.Enabled = false
	require.ErrorIs(t, h.svc.Start(context.Background(), cfg), post.ErrInvalidConfig)
	assert.Equal(t, before, h.svc.State())
}

func TestNotLoaded(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{}, nil)
	require.ErrorIs(t, h.svc.Start(context.Background(), hourly), ErrNotLoaded)
	require.ErrorIs(t, h.svc.Pause(), ErrNotLoaded)
}

func TestShutdownAndAutoRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newHarness(t, dir, Config{}, nil)
	first.load(t)
	require.NoError(t, first.svc.Start(ctx, hourly))
	first.waitEvent(t, EventNextPostScheduled)
	require.NoError(t, first.svc.Shutdown(ctx))

	rec, ok, err := first.store.Recovery(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.WasRunning)
	assert.Equal(t, hourly.IntervalHours, rec.Config.IntervalHours)

	second := newHarness(t, dir, Config{RestartDelay: 10 * time.Millisecond}, nil)
	second.load(t)
	select {
	case <-second.svc.Recovered():
	case <-time.After(3 * time.Second):
		t.Fatal("recovery did not run")
	}
	ev := second.waitEvent(t, EventAutoRestart)
	data, ok := ev.Data.(AutoRestartData)
	require.True(t, ok)
	assert.Equal(t, hourly.RandomWindowMinutes, data.Config.RandomWindowMinutes)
	assert.True(t, second.svc.State().IsRunning)

	_, ok, err = second.store.Recovery(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShutdownWhenStoppedLeavesNoRecovery(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{}, nil)
	ctx := context.Background()
	h.load(t)
	require.NoError(t, h.svc.Start(ctx, hourly))
	require.NoError(t, h.svc.Stop())
	require.NoError(t, h.svc.Stop())
	require.NoError(t, h.svc.Shutdown(ctx))

	_, ok, err := h.store.Recovery(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	st, ok, err := h.store.SchedulerState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, st.IsRunning)
}

func TestStuckPostingItems(t *testing.T) {
	for _, reconcile := range []bool{false, true} {
		t.Run(strconv.FormatBool(reconcile), func(t *testing.T) {
			dir := t.TempDir()
			h := newHarness(t, dir, Config{ReconcileStuckPosting: reconcile}, nil)
			ctx := context.Background()
			it, err := post.NewItem("stuck", nil, time.Now())
			require.NoError(t, err)
			it.Status = post.StatusPosting
			require.NoError(t, h.store.AddItem(ctx, it))

			h.load(t)
			got := h.item(t, it.ID)
			if reconcile {
				assert.Equal(t, post.StatusFailed, got.Status)
				assert.Equal(t, stuckPostingError, got.Error)
			} else {
				assert.Equal(t, post.StatusPosting, got.Status)
			}
		})
	}
}

func TestQueueEditsAndDeletes(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{}, nil)
	ctx := context.Background()
	h.load(t)

	it, err := h.svc.AddItem(ctx, "draft", nil)
	require.NoError(t, err)

	text := "final"
	later := time.Now().Add(time.Hour)
	edited, err := h.svc.EditItem(ctx, it.ID, ItemEdit{Content: &text, ScheduledFor: &later})
	require.NoError(t, err)
	assert.Equal(t, "final", edited.Content)
	require.NotNil(t, edited.ScheduledFor)

	edited, err = h.svc.EditItem(ctx, it.ID, ItemEdit{ClearSchedule: true})
	require.NoError(t, err)
	assert.Nil(t, edited.ScheduledFor)

	tooLong := string(make([]rune, post.MaxContentRunes+1))
	_, err = h.svc.EditItem(ctx, it.ID, ItemEdit{Content: &tooLong})
	require.ErrorIs(t, err, post.ErrInvalidItem)

	// A failed item goes back to the queue and its ledger entries close.
	failed := h.item(t, it.ID)
	failed.MarkFailed("boom")
	require.NoError(t, h.store.UpdateItem(ctx, failed))
	_, err = h.svc.Ledger().RecordError(ctx, it.ID, failed.Content, &provider.ResponseError{HTTPStatus: 400, Code: provider.CodeDuplicate})
	require.NoError(t, err)

	edited, err = h.svc.EditItem(ctx, it.ID, ItemEdit{})
	require.NoError(t, err)
	assert.Equal(t, post.StatusQueued, edited.Status)
	assert.Empty(t, edited.Error)
	assert.Equal(t, 0, h.svc.Ledger().Stats().Pending)

	posted := h.item(t, it.ID)
	posted.MarkPosted("r", time.Now())
	require.NoError(t, h.store.UpdateItem(ctx, posted))
	_, err = h.svc.EditItem(ctx, it.ID, ItemEdit{Content: &text})
	require.ErrorIs(t, err, post.ErrNotEditable)

	busy, err := h.svc.AddItem(ctx, "busy", nil)
	require.NoError(t, err)
	busy.Status = post.StatusPosting
	require.NoError(t, h.store.UpdateItem(ctx, busy))
	require.ErrorIs(t, h.svc.DeleteItem(ctx, busy.ID), post.ErrItemBusy)

	require.NoError(t, h.svc.DeleteItem(ctx, it.ID))
	require.ErrorIs(t, h.svc.DeleteItem(ctx, it.ID), post.ErrNotFound)

	items, err := h.svc.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, busy.ID, items[0].ID)
}

func TestSetSessionRequiresAuthCookies(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{}, nil)
	_, err := h.svc.SetSession(context.Background(), "ct0=x")
	require.ErrorIs(t, err, post.ErrAuthRequired)

	sess, err := h.svc.SetSession(context.Background(), goodCookies)
	require.NoError(t, err)
	assert.True(t, sess.Usable())
	require.NotNil(t, sess.ValidatedAt)
}

func TestOffStopsDelivery(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{}, nil)
	h.load(t)

	var mu sync.Mutex
	var got []string
	sub := h.svc.On(EventPaused, func(e Event) {
		mu.Lock()
		got = append(got, e.Name)
		mu.Unlock()
	})

	ctx := context.Background()
	require.NoError(t, h.svc.Start(ctx, hourly))
	require.NoError(t, h.svc.Pause())
	h.waitEvent(t, EventPaused)
	h.svc.Off(sub)
	h.svc.Off(sub)
	require.NoError(t, h.svc.Resume())
	require.NoError(t, h.svc.Pause())
	h.waitEvent(t, EventPaused)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventPaused}, got)
}

func TestUpdateConfigPersistsNewInterval(t *testing.T) {
	h := newHarness(t, t.TempDir(), Config{}, nil)
	ctx := context.Background()
	h.load(t)
	_, err := h.svc.SetSession(ctx, goodCookies)
	require.NoError(t, err)

	require.NoError(t, h.svc.Start(ctx, hourly))
	h.waitEvent(t, EventNextPostScheduled)

	slower := post.PostingConfig{Enabled: true, IntervalHours: 6, RandomWindowMinutes: 20}
	for range 20 {
		require.NoError(t, h.svc.UpdateConfig(ctx, slower))
	}
	h.waitEvent(t, EventNextPostScheduled)

	// Late next-post-time writes must not bring the old interval back.
	require.Eventually(t, func() bool {
		cfg, err := h.store.PostingConfig(ctx)
		st := h.svc.State()
		return err == nil && st.NextPostTime != nil && cfg.NextPostTime != nil && cfg.NextPostTime.Equal(*st.NextPostTime)
	}, 3*time.Second, 10*time.Millisecond)
	cfg, err := h.store.PostingConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.IntervalHours)
	assert.Equal(t, 20, cfg.RandomWindowMinutes)
	assert.Equal(t, 6, h.svc.PostingConfig().IntervalHours)
}
