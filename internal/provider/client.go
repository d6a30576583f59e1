package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"tweetsched/internal/post"
	logx "tweetsched/pkg/logx"
)

const (
	defaultBaseURL   = "https://x.com/i/api"
	defaultUploadURL = "https://upload.x.com/i/media/upload.json"
	chunkSize        = 1 << 20
)

type Config struct {
	BaseURL       string
	UploadURL     string
	BearerToken   string
	CreateQueryID string
	UserAgent     string
	Timeout       time.Duration
	// RequestsPerMinute caps outgoing requests. 0 disables the limiter.
	RequestsPerMinute int
}

// Client talks to the provider's private web API with a browser cookie session.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.UploadURL) == "" {
		cfg.UploadURL = defaultUploadURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.With(logx.String("comp", "provider")),
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return c
}

// SubmitText creates a post. A 200 answer that carries an errors array is
// reported as a 400 ResponseError with the first provider code.
func (c *Client) SubmitText(ctx context.Context, content string, sess post.Session, mediaRefs []string) (string, error) {
	entities := make([]map[string]any, 0, len(mediaRefs))
	for _, ref := range mediaRefs {
		entities = append(entities, map[string]any{"media_id": ref, "tagged_users": []string{}})
	}
	body := map[string]any{
		"queryId": c.cfg.CreateQueryID,
		"variables": map[string]any{
			"tweet_text": content,
			"media": map[string]any{
				"media_entities":     entities,
				"possibly_sensitive": false,
			},
			"semantic_annotation_ids": []string{},
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/graphql/" + url.PathEscape(c.cfg.CreateQueryID) + "/CreateTweet"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	status, resp, err := c.do(req, sess)
	if err != nil {
		return "", fmt.Errorf("create post: %w", err)
	}
	if rerr := responseError(status, resp); rerr != nil {
		return "", rerr
	}

	id := gjson.GetBytes(resp, "data.create_tweet.tweet_results.result.rest_id").String()
	if id == "" {
		return "", &ResponseError{HTTPStatus: status, Message: "response carried no post id"}
	}
	c.log.Debug("post created", logx.String("remote_id", id), logx.Int("media", len(mediaRefs)))
	return id, nil
}

// UploadMedia runs the chunked INIT, APPEND, FINALIZE sequence.
func (c *Client) UploadMedia(ctx context.Context, a post.Attachment, sess post.Session) (string, error) {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return "", fmt.Errorf("read attachment %s: %w: %w", a.Path, post.ErrInvalidItem, err)
	}
	mediaType := a.MediaType
	if mediaType == "" {
		mediaType = mime.TypeByExtension(strings.ToLower(filepath.Ext(a.Path)))
	}
	if mediaType == "" {
		mediaType = http.DetectContentType(data)
	}

	q := url.Values{}
	q.Set("command", "INIT")
	q.Set("total_bytes", strconv.Itoa(len(data)))
	q.Set("media_type", mediaType)
	resp, err := c.uploadCommand(ctx, q, sess)
	if err != nil {
		return "", err
	}
	mediaID := gjson.GetBytes(resp, "media_id_string").String()
	if mediaID == "" {
		return "", &ResponseError{HTTPStatus: http.StatusOK, Message: "upload init returned no media id"}
	}

	for seg, off := 0, 0; off < len(data); seg, off = seg+1, off+chunkSize {
		end := min(off+chunkSize, len(data))
		if err := c.appendChunk(ctx, mediaID, seg, filepath.Base(a.Path), data[off:end], sess); err != nil {
			return "", err
		}
	}

	q = url.Values{}
	q.Set("command", "FINALIZE")
	q.Set("media_id", mediaID)
	resp, err = c.uploadCommand(ctx, q, sess)
	if err != nil {
		return "", err
	}
	if gjson.GetBytes(resp, "processing_info.state").String() == "failed" {
		return "", &ResponseError{
			HTTPStatus: http.StatusBadRequest,
			Message:    "media processing failed: " + gjson.GetBytes(resp, "processing_info.error.message").String(),
		}
	}
	return mediaID, nil
}

func (c *Client) uploadCommand(ctx context.Context, q url.Values, sess post.Session) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.UploadURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	status, resp, err := c.do(req, sess)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", q.Get("command"), err)
	}
	if rerr := responseError(status, resp); rerr != nil {
		return nil, rerr
	}
	return resp, nil
}

func (c *Client) appendChunk(ctx context.Context, mediaID string, segment int, name string, chunk []byte, sess post.Session) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("media", name)
	if err != nil {
		return err
	}
	if _, err := part.Write(chunk); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	q := url.Values{}
	q.Set("command", "APPEND")
	q.Set("media_id", mediaID)
	q.Set("segment_index", strconv.Itoa(segment))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.UploadURL+"?"+q.Encode(), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	status, resp, err := c.do(req, sess)
	if err != nil {
		return fmt.Errorf("upload APPEND: %w", err)
	}
	if rerr := responseError(status, resp); rerr != nil {
		return rerr
	}
	return nil
}

func (c *Client) do(req *http.Request, sess post.Session) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return 0, nil, err
		}
	}
	authToken, ct0 := sess.Cookie("auth_token"), sess.Cookie("ct0")
	if authToken == "" || ct0 == "" {
		return 0, nil, errors.New("session is missing auth_token or ct0")
	}

	if c.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}
	req.Header.Set("Cookie", "auth_token="+authToken+"; ct0="+ct0)
	req.Header.Set("X-Csrf-Token", ct0)
	req.Header.Set("X-Twitter-Auth-Type", "OAuth2Session")
	req.Header.Set("X-Twitter-Active-User", "yes")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func responseError(status int, body []byte) error {
	first := gjson.GetBytes(body, "errors.0")
	if status >= 200 && status < 300 {
		if !first.Exists() {
			return nil
		}
		status = http.StatusBadRequest
	}
	e := &ResponseError{HTTPStatus: status}
	if first.Exists() {
		e.Code = int(first.Get("code").Int())
		e.Message = first.Get("message").String()
	}
	if e.Message == "" {
		e.Message = truncateRunes(strings.TrimSpace(string(body)), maxMessageRunes)
	}
	return e
}

const maxMessageRunes = 200

// truncateRunes cuts s to at most n runes, dropping invalid bytes.
func truncateRunes(s string, n int) string {
	s = strings.ToValidUTF8(s, "")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
