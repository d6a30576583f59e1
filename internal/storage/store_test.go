package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweetsched/internal/post"
	logx "tweetsched/pkg/logx"
)

func openEach(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{}
	for _, tc := range []struct{ driver, path string }{
		{"file", filepath.Join(t.TempDir(), "data")},
		{"sqlite", filepath.Join(t.TempDir(), "db", "tweetsched.db")},
	} {
		st, err := Open(Config{Driver: tc.driver, Path: tc.path}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		out[tc.driver] = st
	}
	return out
}

func TestItemsCRUD(t *testing.T) {
	ctx := context.Background()
	for driver, st := range openEach(t) {
		t.Run(driver, func(t *testing.T) {
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			a, err := post.NewItem("first", nil, now)
			require.NoError(t, err)
			b, err := post.NewItem("second", nil, now.Add(time.Minute))
			require.NoError(t, err)

			require.NoError(t, st.AddItem(ctx, a))
			require.NoError(t, st.AddItem(ctx, b))
			require.Error(t, st.AddItem(ctx, a))

			items, err := st.Items(ctx)
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.Equal(t, a.ID, items[0].ID)
			assert.Equal(t, b.ID, items[1].ID)

			a.MarkFailed("nope")
			require.NoError(t, st.UpdateItem(ctx, a))
			got, err := st.Item(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, post.StatusFailed, got.Status)
			assert.Equal(t, "nope", got.Error)

			require.NoError(t, st.DeleteItem(ctx, a.ID))
			_, err = st.Item(ctx, a.ID)
			require.ErrorIs(t, err, post.ErrNotFound)
			require.ErrorIs(t, st.DeleteItem(ctx, a.ID), post.ErrNotFound)
			require.ErrorIs(t, st.UpdateItem(ctx, a), post.ErrNotFound)
		})
	}
}

func TestRecords(t *testing.T) {
	ctx := context.Background()
	for driver, st := range openEach(t) {
		t.Run(driver, func(t *testing.T) {
			cfg, err := st.PostingConfig(ctx)
			require.NoError(t, err)
			assert.Equal(t, post.DefaultPostingConfig(), cfg)

			cfg.Enabled = true
			cfg.IntervalHours = 6
			require.NoError(t, st.SavePostingConfig(ctx, cfg))
			cfg2, err := st.PostingConfig(ctx)
			require.NoError(t, err)
			assert.Equal(t, cfg, cfg2)

			_, ok, err := st.Recovery(ctx)
			require.NoError(t, err)
			assert.False(t, ok)

			rec := post.RecoveryRecord{WasRunning: true, Config: cfg, SavedAt: time.Now().UTC().Truncate(time.Second)}
			require.NoError(t, st.SaveRecovery(ctx, rec))
			got, ok, err := st.Recovery(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			assert.True(t, got.WasRunning)
			assert.True(t, got.SavedAt.Equal(rec.SavedAt))

			require.NoError(t, st.ClearRecovery(ctx))
			require.NoError(t, st.ClearRecovery(ctx))
			_, ok, err = st.Recovery(ctx)
			require.NoError(t, err)
			assert.False(t, ok)

			last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			state := post.SchedulerState{IsRunning: true, LastPostTime: &last, Stats: post.Stats{TotalPosted: 2}}
			require.NoError(t, st.SaveSchedulerState(ctx, state))
			gotState, ok, err := st.SchedulerState(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, state, gotState)

			entries := []post.ErrorEntry{{ID: "e1", TweetID: "t1", ErrorType: post.ErrorNetwork}}
			require.NoError(t, st.SaveErrorLedger(ctx, entries))
			gotEntries, err := st.ErrorLedger(ctx)
			require.NoError(t, err)
			require.Len(t, gotEntries, 1)
			assert.Equal(t, "t1", gotEntries[0].TweetID)

			require.NoError(t, st.SaveSession(ctx, post.Session{Valid: true, Cookies: "auth_token=a; ct0=b"}))
			sess, err := st.Session(ctx)
			require.NoError(t, err)
			assert.True(t, sess.Usable())
			require.NoError(t, st.ClearSession(ctx))
			sess, err = st.Session(ctx)
			require.NoError(t, err)
			assert.False(t, sess.Valid)
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
}
