package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tweetsched/internal/post"
	logx "tweetsched/pkg/logx"
)

var testSession = post.Session{Valid: true, Cookies: "auth_token=tok; ct0=csrf"}

func TestSubmitTextSuccess(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/graphql/q1/CreateTweet", r.URL.Path)
		assert.Equal(t, "csrf", r.Header.Get("X-Csrf-Token"))
		assert.Equal(t, "Bearer bt", r.Header.Get("Authorization"))
		assert.Contains(t, r.Header.Get("Cookie"), "auth_token=tok")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = io.WriteString(w, `{"data":{"create_tweet":{"tweet_results":{"result":{"rest_id":"1789"}}}}}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, BearerToken: "bt", CreateQueryID: "q1"}, logx.Nop())
	id, err := c.SubmitText(context.Background(), "hello", testSession, []string{"m1"})
	require.NoError(t, err)
	assert.Equal(t, "1789", id)

	vars := gotBody["variables"].(map[string]any)
	assert.Equal(t, "hello", vars["tweet_text"])
	media := vars["media"].(map[string]any)["media_entities"].([]any)
	require.Len(t, media, 1)
}

func TestSubmitTextErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantCode   int
	}{
		{name: "duplicate in 200", status: 200, body: `{"errors":[{"code":187,"message":"Status is a duplicate."}]}`, wantStatus: 400, wantCode: 187},
		{name: "rate limited", status: 429, body: `{"errors":[{"code":88,"message":"Rate limit exceeded"}]}`, wantStatus: 429, wantCode: 88},
		{name: "server", status: 503, body: `upstream down`, wantStatus: 503},
		{name: "no id", status: 200, body: `{"data":{}}`, wantStatus: 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			c := New(Config{BaseURL: srv.URL}, logx.Nop())
			_, err := c.SubmitText(context.Background(), "x", testSession, nil)
			var rerr *ResponseError
			require.True(t, errors.As(err, &rerr), "got %v", err)
			assert.Equal(t, tt.wantStatus, rerr.HTTPStatus)
			assert.Equal(t, tt.wantCode, rerr.Code)
		})
	}
}

func TestSubmitTextTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := New(Config{BaseURL: srv.URL}, logx.Nop())
	_, err := c.SubmitText(context.Background(), "x", testSession, nil)
	require.Error(t, err)
	var rerr *ResponseError
	assert.False(t, errors.As(err, &rerr))
}

func TestUploadMediaSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pic.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG fake"), 0o600))

	var mu sync.Mutex
	var commands []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cmd := r.URL.Query().Get("command")
		mu.Lock()
		commands = append(commands, cmd)
		mu.Unlock()
		switch cmd {
		case "INIT":
			assert.Equal(t, "image/png", r.URL.Query().Get("media_type"))
			_, _ = io.WriteString(w, `{"media_id_string":"55"}`)
		case "APPEND":
			assert.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"))
			assert.Equal(t, "55", r.URL.Query().Get("media_id"))
			w.WriteHeader(http.StatusNoContent)
		case "FINALIZE":
			_, _ = io.WriteString(w, `{"media_id_string":"55"}`)
		}
	}))
	defer srv.Close()

	c := New(Config{UploadURL: srv.URL}, logx.Nop())
	ref, err := c.UploadMedia(context.Background(), post.Attachment{ID: "a", Path: path}, testSession)
	require.NoError(t, err)
	assert.Equal(t, "55", ref)
	assert.Equal(t, []string{"INIT", "APPEND", "FINALIZE"}, commands)
}

func TestUploadMediaMissingFile(t *testing.T) {
	c := New(Config{}, logx.Nop())
	_, err := c.UploadMedia(context.Background(), post.Attachment{Path: "/nope/missing.png"}, testSession)
	require.ErrorIs(t, err, post.ErrInvalidItem)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestResponseErrorMessageKeepsRunesWhole(t *testing.T) {
	body := []byte(strings.Repeat("é", 300))
	err := responseError(http.StatusBadGateway, body)

	var rerr *ResponseError
	require.ErrorAs(t, err, &rerr)
	assert.True(t, utf8.ValidString(rerr.Message))
	assert.Equal(t, maxMessageRunes, utf8.RuneCountInString(rerr.Message))

	assert.Equal(t, "short", truncateRunes("short", 10))
	assert.Equal(t, "ab", truncateRunes("a\xffb", 10))
}
