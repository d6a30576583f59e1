package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweetsched/internal/post"
)

type recorded struct {
	method string
	path   string
	query  string
	auth   string
	body   map[string]any
}

// fakeDaemon answers every request with status and reply and records it.
func fakeDaemon(t *testing.T, status int, reply any) (*httptest.Server, *[]recorded) {
	t.Helper()
	var reqs []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, auth: r.Header.Get("Authorization")}
		if r.ContentLength > 0 {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		reqs = append(reqs, rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if reply != nil {
			_ = json.NewEncoder(w).Encode(reply)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestQueueAddSendsItem(t *testing.T) {
	srv, reqs := fakeDaemon(t, http.StatusCreated, post.Item{ID: "abc"})

	out, err := execute(t, "--server", srv.URL, "--token", "s3cret",
		"queue", "add", "hello world", "--in", "2h", "--attach", "pic.png")
	require.NoError(t, err)
	assert.Contains(t, out, "queued abc")

	require.Len(t, *reqs, 1)
	r := (*reqs)[0]
	assert.Equal(t, http.MethodPost, r.method)
	assert.Equal(t, "/api/v1/items", r.path)
	assert.Equal(t, "Bearer s3cret", r.auth)
	assert.Equal(t, "hello world", r.body["content"])

	at, err := time.Parse(time.RFC3339, r.body["scheduledFor"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), at, time.Minute)

	paths := r.body["attachments"].([]any)
	require.Len(t, paths, 1)
	assert.True(t, filepath.IsAbs(paths[0].(string)))
}

func TestQueueListPrintsItems(t *testing.T) {
	now := time.Now().UTC()
	srv, reqs := fakeDaemon(t, http.StatusOK, []post.Item{
		{ID: "one", Content: "first\ntweet", Status: post.StatusQueued, CreatedAt: now},
		{ID: "two", Content: "second", Status: post.StatusFailed, CreatedAt: now, Error: "rate limited"},
	})

	out, err := execute(t, "--server", srv.URL, "queue", "list", "--status", "queued")
	require.NoError(t, err)
	assert.Contains(t, out, "first tweet")
	assert.Contains(t, out, "rate limited")
	assert.Equal(t, "status=queued", (*reqs)[0].query)
}

func TestServerErrorIsSurfaced(t *testing.T) {
	srv, _ := fakeDaemon(t, http.StatusConflict, map[string]string{"error": "scheduler already running"})

	_, err := execute(t, "--server", srv.URL, "start")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler already running (409)")
}

func TestStartWithFlagsSendsConfig(t *testing.T) {
	srv, reqs := fakeDaemon(t, http.StatusOK, post.SchedulerState{IsRunning: true})

	out, err := execute(t, "--server", srv.URL, "start", "--interval-hours", "6")
	require.NoError(t, err)
	assert.Contains(t, out, "running")
	body := (*reqs)[0].body
	assert.Equal(t, float64(6), body["intervalHours"])
	assert.Equal(t, true, body["enabled"])

	// Without flags the daemon reuses its saved config.
	_, err = execute(t, "--server", srv.URL, "start")
	require.NoError(t, err)
	assert.Nil(t, (*reqs)[1].body)
}

func TestErrorsListQuery(t *testing.T) {
	srv, reqs := fakeDaemon(t, http.StatusOK, []post.ErrorEntry{{
		ID: "e1", TweetID: "one", ErrorType: post.ErrorNetwork, Message: "connection reset",
		Timestamp: time.Now(), MaxRetries: 3,
	}})

	out, err := execute(t, "--server", srv.URL, "errors", "list", "--pending", "--type", "network")
	require.NoError(t, err)
	assert.Contains(t, out, "connection reset")
	assert.Contains(t, out, "0/3")
	q := (*reqs)[0].query
	assert.Contains(t, q, "resolved=false")
	assert.Contains(t, q, "type=network")
	assert.Contains(t, q, "limit=50")
}

func TestRetryConfigPatchOnlyChangedFlags(t *testing.T) {
	srv, reqs := fakeDaemon(t, http.StatusOK, retryConfigView{MaxRetries: 5, BaseDelay: "1s", MaxDelay: "5m0s", ExponentialBase: 2})

	out, err := execute(t, "--server", srv.URL, "errors", "retry-config", "--max-retries", "5", "--auto=false")
	require.NoError(t, err)
	assert.Contains(t, out, "max retries:      5")
	r := (*reqs)[0]
	assert.Equal(t, http.MethodPatch, r.method)
	assert.Equal(t, map[string]any{"maxRetries": float64(5), "enableAutoRetry": false}, r.body)
}

func TestSessionSetFromStdin(t *testing.T) {
	srv, reqs := fakeDaemon(t, http.StatusOK, map[string]any{"valid": true})

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetIn(strings.NewReader("auth_token=a; ct0=b\n"))
	root.SetArgs([]string{"--server", srv.URL, "session", "set"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "valid: true")
	assert.Equal(t, "auth_token=a; ct0=b", (*reqs)[0].body["cookies"])
}

func TestScheduleFlags(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	at, err := (&scheduleFlags{}).resolve(now)
	require.NoError(t, err)
	assert.Nil(t, at)

	at, err = (&scheduleFlags{in: time.Hour}).resolve(now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), *at)

	at, err = (&scheduleFlags{at: "2026-02-01T10:00:00Z"}).resolve(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC), *at)

	_, err = (&scheduleFlags{at: "tomorrow"}).resolve(now)
	assert.Error(t, err)
	_, err = (&scheduleFlags{at: "2026-02-01T10:00:00Z", in: time.Hour}).resolve(now)
	assert.Error(t, err)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "a b", preview("a\n  b", 10))
	assert.Equal(t, "abcd…", preview("abcdefgh", 5))
}
