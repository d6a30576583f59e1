package scheduler

import (
	"context"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweetsched/internal/ledger"
	"tweetsched/internal/post"
	"tweetsched/internal/storage"
	"tweetsched/internal/task/engine"
	logx "tweetsched/pkg/logx"
)

// stallingStore holds the next single-item read after it has been taken,
// so the caller acts on a value that may be stale by the time it returns.
type stallingStore struct {
	storage.Store
	armed   atomic.Bool
	reading chan struct{}
	release chan struct{}
}

func (s *stallingStore) Item(ctx context.Context, id string) (post.Item, error) {
	it, err := s.Store.Item(ctx, id)
	if s.armed.CompareAndSwap(true, false) {
		close(s.reading)
		<-s.release
	}
	return it, err
}

// gatedPoster blocks SubmitText until released.
type gatedPoster struct {
	fakePoster
	entered chan struct{}
	release chan struct{}
}

func (p *gatedPoster) SubmitText(ctx context.Context, content string, sess post.Session, refs []string) (string, error) {
	p.entered <- struct{}{}
	<-p.release
	return p.fakePoster.SubmitText(ctx, content, sess, refs)
}

func newGatedHarness(t *testing.T) (*harness, *stallingStore, *gatedPoster) {
	t.Helper()
	base, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = base.Close() })

	store := &stallingStore{Store: base, reading: make(chan struct{}), release: make(chan struct{})}
	poster := &gatedPoster{entered: make(chan struct{}, 4), release: make(chan struct{})}
	svc, err := New(Config{}, Deps{
		Store:  store,
		Poster: poster,
		Ledger: ledger.New(store, fastRetries(), logx.Nop()),
		Engine: engine.New(engine.Config{}, logx.Nop(), nil),
		Log:    logx.Nop(),
		Rand:   rand.New(rand.NewSource(5)),
	})
	require.NoError(t, err)

	h := &harness{svc: svc, store: store, poster: &poster.fakePoster, events: make(chan Event, 64)}
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
	h.load(t)
	_, err = svc.SetSession(context.Background(), goodCookies)
	require.NoError(t, err)
	return h, store, poster
}

func TestDeleteDuringSlowReadBlocksSubmission(t *testing.T) {
	h, store, poster := newGatedHarness(t)
	ctx := context.Background()
	it, err := h.svc.AddItem(ctx, "racing", nil)
	require.NoError(t, err)

	store.armed.Store(true)
	deleted := make(chan error, 1)
	go func() { deleted <- h.svc.DeleteItem(ctx, it.ID) }()
	<-store.reading

	// The delete has seen the item queued; the loop now tries to post it.
	require.NoError(t, h.svc.Start(ctx, hourly))
	require.Eventually(t, func() bool { return h.svc.engine.Snapshot().InFlight == 1 }, 3*time.Second, 5*time.Millisecond)
	close(store.release)

	require.NoError(t, <-deleted)
	ev := h.waitEvent(t, EventTweetPosted)
	assert.False(t, ev.Data.(TweetPostedData).Success)

	select {
	case <-poster.entered:
		t.Fatal("deleted item reached the provider")
	default:
	}
	_, err = h.store.Item(ctx, it.ID)
	require.ErrorIs(t, err, post.ErrNotFound)
}

func TestDeleteAndEditRefuseItemBeingPosted(t *testing.T) {
	h, _, poster := newGatedHarness(t)
	ctx := context.Background()
	it, err := h.svc.AddItem(ctx, "in flight", nil)
	require.NoError(t, err)

	require.NoError(t, h.svc.Start(ctx, hourly))
	select {
	case <-poster.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("submission never reached the provider")
	}

	require.ErrorIs(t, h.svc.DeleteItem(ctx, it.ID), post.ErrItemBusy)
	text := "changed"
	_, err = h.svc.EditItem(ctx, it.ID, ItemEdit{Content: &text})
	require.ErrorIs(t, err, post.ErrNotEditable)

	close(poster.release)
	h.waitEvent(t, EventTweetPosted)
	got := h.item(t, it.ID)
	assert.Equal(t, post.StatusPosted, got.Status)
	assert.Equal(t, "in flight", got.Content)
}
