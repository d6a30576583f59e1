package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tweetsched/internal/ledger"
	"tweetsched/internal/metrics"
	"tweetsched/internal/post"
	"tweetsched/internal/scheduler"
	logx "tweetsched/pkg/logx"
)

// Scheduler is the facade surface the API drives.
type Scheduler interface {
	Start(ctx context.Context, cfg post.PostingConfig) error
	Stop() error
	Pause() error
	Resume() error
	UpdateConfig(ctx context.Context, cfg post.PostingConfig) error
	State() post.SchedulerState
	PostingConfig() post.PostingConfig

	Items(ctx context.Context) ([]post.Item, error)
	AddItem(ctx context.Context, content string, scheduledFor *time.Time, attachmentPaths ...string) (post.Item, error)
	EditItem(ctx context.Context, id string, e scheduler.ItemEdit) (post.Item, error)
	DeleteItem(ctx context.Context, id string) error

	SetSession(ctx context.Context, cookies string) (post.Session, error)
	ClearSession(ctx context.Context) error
}

// Ledger is the error ledger surface the API drives.
type Ledger interface {
	Errors(f ledger.Filter) []post.ErrorEntry
	Stats() ledger.Stats
	ManualRetry(ctx context.Context, id string) error
	ResolveError(ctx context.Context, id string) error
	RetryConfig() ledger.RetryConfig
	UpdateRetryConfig(p ledger.RetryPatch) (ledger.RetryConfig, error)
}

type API struct {
	sched   Scheduler
	ledger  Ledger
	metrics *metrics.Collector
	log     logx.Logger
}

// New builds the API. m may be nil, which disables /metrics and request
// instrumentation.
func New(sched Scheduler, l Ledger, m *metrics.Collector, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &API{sched: sched, ledger: l, metrics: m, log: log.With(logx.String("comp", "api"))}
}

// Routes returns the router. With a token every route except /healthz
// requires "Authorization: Bearer <token>".
func (a *API) Routes(token string, withMetrics bool) http.Handler {
	r := chi.NewRouter()
	r.Use(a.recoverer)
	if a.metrics != nil {
		r.Use(a.metrics.InstrumentHandler)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(token))
		if withMetrics && a.metrics != nil {
			r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
		}

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/state", a.getState)
			r.Post("/start", a.start)
			r.Post("/stop", a.stop)
			r.Post("/pause", a.pause)
			r.Post("/resume", a.resume)
			r.Get("/config", a.getConfig)
			r.Put("/config", a.putConfig)

			r.Route("/items", func(r chi.Router) {
				r.Get("/", a.listItems)
				r.Post("/", a.addItem)
				r.Patch("/{id}", a.editItem)
				r.Delete("/{id}", a.deleteItem)
			})

			r.Put("/session", a.putSession)
			r.Delete("/session", a.deleteSession)

			r.Route("/errors", func(r chi.Router) {
				r.Get("/", a.listErrors)
				r.Get("/stats", a.errorStats)
				r.Post("/{id}/retry", a.retryError)
				r.Post("/{id}/resolve", a.resolveError)
			})

			r.Get("/retry-config", a.getRetryConfig)
			r.Patch("/retry-config", a.patchRetryConfig)
		})
	})
	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || strings.TrimSpace(got) != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				a.log.Error("handler panicked", logx.String("path", r.URL.Path), logx.Any("panic", rec), logx.Stack(logx.StackTrace(3, 16)))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
