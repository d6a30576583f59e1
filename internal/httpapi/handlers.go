package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tweetsched/internal/ledger"
	"tweetsched/internal/post"
	"tweetsched/internal/scheduler"
	logx "tweetsched/pkg/logx"
)

const maxBody = 1 << 20

var errBadRequest = errors.New("bad request")

func (a *API) getState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sched.State())
}

// start uses the request body as the posting config, or the last saved
// config when the body is empty.
func (a *API) start(w http.ResponseWriter, r *http.Request) {
	cfg := a.sched.PostingConfig()
	present, err := decodeOptional(r, &cfg)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if !present {
		cfg.Enabled = true
	}
	if err := a.sched.Start(r.Context(), cfg); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.sched.State())
}

func (a *API) stop(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.sched.Stop)
}

func (a *API) pause(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.sched.Pause)
}

func (a *API) resume(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, a.sched.Resume)
}

func (a *API) transition(w http.ResponseWriter, r *http.Request, fn func() error) {
	if err := fn(); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.sched.State())
}

func (a *API) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.sched.PostingConfig())
}

func (a *API) putConfig(w http.ResponseWriter, r *http.Request) {
	var cfg post.PostingConfig
	if err := decode(r, &cfg); err != nil {
		a.fail(w, r, err)
		return
	}
	if err := a.sched.UpdateConfig(r.Context(), cfg); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.sched.PostingConfig())
}

func (a *API) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := a.sched.Items(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		n := 0
		for _, it := range items {
			if string(it.Status) == status {
				items[n] = it
				n++
			}
		}
		items = items[:n]
	}
	writeJSON(w, http.StatusOK, items)
}

type addItemRequest struct {
	Content      string     `json:"content"`
	ScheduledFor *time.Time `json:"scheduledFor"`
	Attachments  []string   `json:"attachments"`
}

func (a *API) addItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	it, err := a.sched.AddItem(r.Context(), req.Content, req.ScheduledFor, req.Attachments...)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

type editItemRequest struct {
	Content       *string    `json:"content"`
	ScheduledFor  *time.Time `json:"scheduledFor"`
	ClearSchedule bool       `json:"clearSchedule"`
}

func (a *API) editItem(w http.ResponseWriter, r *http.Request) {
	var req editItemRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	it, err := a.sched.EditItem(r.Context(), chi.URLParam(r, "id"), scheduler.ItemEdit{
		Content:       req.Content,
		ScheduledFor:  req.ScheduledFor,
		ClearSchedule: req.ClearSchedule,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (a *API) deleteItem(w http.ResponseWriter, r *http.Request) {
	if err := a.sched.DeleteItem(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) putSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cookies string `json:"cookies"`
	}
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	sess, err := a.sched.SetSession(r.Context(), req.Cookies)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	// cookies are never echoed back
	writeJSON(w, http.StatusOK, map[string]any{"valid": sess.Valid, "validatedAt": sess.ValidatedAt})
}

func (a *API) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := a.sched.ClearSession(r.Context()); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listErrors(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.ledger.Errors(f))
}

func parseFilter(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{TweetID: q.Get("item"), ErrorType: post.ErrorType(q.Get("type"))}
	if v := q.Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("%w: resolved: %v", errBadRequest, err)
		}
		f.Resolved = &b
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("%w: since: %v", errBadRequest, err)
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest)
		}
		f.Limit = n
	}
	return f, nil
}

func (a *API) errorStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.ledger.Stats())
}

func (a *API) retryError(w http.ResponseWriter, r *http.Request) {
	if err := a.ledger.ManualRetry(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (a *API) resolveError(w http.ResponseWriter, r *http.Request) {
	if err := a.ledger.ResolveError(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// retryConfigView is the wire form of ledger.RetryConfig. Durations are Go
// duration strings.
type retryConfigView struct {
	MaxRetries      int              `json:"maxRetries"`
	BaseDelay       string           `json:"baseDelay"`
	MaxDelay        string           `json:"maxDelay"`
	ExponentialBase float64          `json:"exponentialBase"`
	EnableAutoRetry bool             `json:"enableAutoRetry"`
	RetryableErrors []post.ErrorType `json:"retryableErrors"`
}

func viewRetryConfig(c ledger.RetryConfig) retryConfigView {
	return retryConfigView{
		MaxRetries:      c.MaxRetries,
		BaseDelay:       c.BaseDelay.String(),
		MaxDelay:        c.MaxDelay.String(),
		ExponentialBase: c.ExponentialBase,
		EnableAutoRetry: c.EnableAutoRetry,
		RetryableErrors: c.RetryableErrors,
	}
}

type retryPatchRequest struct {
	MaxRetries      *int             `json:"maxRetries"`
	BaseDelay       *string          `json:"baseDelay"`
	MaxDelay        *string          `json:"maxDelay"`
	ExponentialBase *float64         `json:"exponentialBase"`
	EnableAutoRetry *bool            `json:"enableAutoRetry"`
	RetryableErrors []post.ErrorType `json:"retryableErrors"`
}

func (p retryPatchRequest) patch() (ledger.RetryPatch, error) {
	out := ledger.RetryPatch{
		MaxRetries:      p.MaxRetries,
		ExponentialBase: p.ExponentialBase,
		EnableAutoRetry: p.EnableAutoRetry,
		RetryableErrors: p.RetryableErrors,
	}
	parse := func(name string, raw *string) (*time.Duration, error) {
		if raw == nil {
			return nil, nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(*raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
		}
		return &d, nil
	}
	var err error
	if out.BaseDelay, err = parse("baseDelay", p.BaseDelay); err != nil {
		return out, err
	}
	if out.MaxDelay, err = parse("maxDelay", p.MaxDelay); err != nil {
		return out, err
	}
	return out, nil
}

func (a *API) getRetryConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewRetryConfig(a.ledger.RetryConfig()))
}

func (a *API) patchRetryConfig(w http.ResponseWriter, r *http.Request) {
	var req retryPatchRequest
	if err := decode(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	p, err := req.patch()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	cfg, err := a.ledger.UpdateRetryConfig(p)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.log.Info("retry config updated", logx.Int("max_retries", cfg.MaxRetries), logx.Duration("base_delay", cfg.BaseDelay), logx.Bool("auto_retry", cfg.EnableAutoRetry))
	writeJSON(w, http.StatusOK, viewRetryConfig(cfg))
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, post.ErrInvalidConfig),
		errors.Is(err, post.ErrInvalidItem),
		errors.Is(err, post.ErrAuthRequired),
		errors.Is(err, ledger.ErrInvalidRetryConfig):
		return http.StatusBadRequest
	case errors.Is(err, post.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrAlreadyRunning),
		errors.Is(err, scheduler.ErrNotRunning),
		errors.Is(err, scheduler.ErrNotPaused),
		errors.Is(err, post.ErrItemBusy),
		errors.Is(err, post.ErrNotEditable),
		errors.Is(err, ledger.ErrResolved):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrNotLoaded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		a.log.Error("request failed", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Err(err))
		msg = "internal error"
	} else {
		a.log.Debug("request rejected", logx.String("path", r.URL.Path), logx.Int("status", code), logx.Err(err))
	}
	writeError(w, code, msg)
}

// decode strictly decodes a JSON body into dst.
func decode(r *http.Request, dst any) error {
	present, err := decodeOptional(r, dst)
	if err != nil {
		return err
	}
	if !present {
		return fmt.Errorf("%w: empty body", errBadRequest)
	}
	return nil
}

func decodeOptional(r *http.Request, dst any) (bool, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return false, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if len(b) > maxBody {
		return false, fmt.Errorf("%w: body too large", errBadRequest)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return false, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return true, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if dec.More() {
		return true, fmt.Errorf("%w: trailing data", errBadRequest)
	}
	return true, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
