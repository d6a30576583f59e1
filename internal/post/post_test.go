package post

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestItemValidate(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name    string
		content string
		paths   []string
		wantErr bool
	}{
		{name: "plain", content: "hello"},
		{name: "max runes", content: strings.Repeat("é", MaxContentRunes)},
		{name: "too long", content: strings.Repeat("a", MaxContentRunes+1), wantErr: true},
		{name: "empty", content: "  ", wantErr: true},
		{name: "empty with media", content: "", paths: []string{"a.png"}},
		{name: "too many media", content: "x", paths: []string{"1", "2", "3", "4", "5"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it, err := NewItem(tt.content, nil, now, tt.paths...)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidItem)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusQueued, it.Status)
			assert.Len(t, it.Attachments, len(tt.paths))
		})
	}
}

func TestMarkPostedStampsOnce(t *testing.T) {
	t.Parallel()
	it, err := NewItem("x", nil, time.Now())
	require.NoError(t, err)

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	it.MarkPosted("r1", first)
	it.MarkPosted("r1", first.Add(time.Hour))

	require.NotNil(t, it.PostedAt)
	assert.True(t, it.PostedAt.Equal(first))
	assert.Empty(t, it.Error)
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	at := time.Now().UTC()
	it, err := NewItem("x", &at, at, "a.png")
	require.NoError(t, err)

	cp := it.Clone()
	*cp.ScheduledFor = cp.ScheduledFor.Add(time.Hour)
	cp.Attachments[0].State = AttachmentFailed

	assert.True(t, it.ScheduledFor.Equal(at))
	assert.Equal(t, AttachmentPending, it.Attachments[0].State)
}

func TestSchedulerStateRoundTrip(t *testing.T) {
	t.Parallel()
	last := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	states := []SchedulerState{
		{},
		{IsRunning: true, LastPostTime: &last, Stats: Stats{TotalPosted: 3, TotalFailed: 1, LastError: "boom"}},
	}
	for _, in := range states {
		raw, err := json.Marshal(in)
		require.NoError(t, err)

		var out SchedulerState
		require.NoError(t, json.Unmarshal(raw, &out))
		assert.Equal(t, in, out)
	}

	raw, err := json.Marshal(SchedulerState{})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"nextPostTime":null`)
}

func TestPostingConfigBounds(t *testing.T) {
	t.Parallel()
	cfg := DefaultPostingConfig()
	require.ErrorIs(t, cfg.ValidateForStart(), ErrInvalidConfig)

	cfg.Enabled = true
	require.NoError(t, cfg.ValidateForStart())

	cfg.IntervalHours = 169
	require.ErrorIs(t, cfg.ValidateForStart(), ErrInvalidConfig)

	cfg.IntervalHours = 1
	cfg.RandomWindowMinutes = 4
	require.ErrorIs(t, cfg.CheckBounds(), ErrInvalidConfig)
}

func TestSessionUsable(t *testing.T) {
	t.Parallel()
	s := Session{Valid: true, Cookies: "auth_token=abc; ct0=def; lang=en"}
	assert.True(t, s.Usable())
	assert.Equal(t, "def", s.Cookie("ct0"))

	s.Valid = false
	assert.False(t, s.Usable())

	assert.False(t, Session{Valid: true, Cookies: "auth_token=abc"}.Usable())
}
