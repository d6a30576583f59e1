package storage

import (
	"context"
	"time"

	"tweetsched/internal/post"
)

// Config configures storage.
//
// Driver values:
//   - "file": one JSON document per record under the Path directory
//   - "sqlite": SQLite database file at Path (modernc.org/sqlite, no cgo)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record keys for the single-document records.
const (
	KeySchedulerState = "scheduler_state"
	KeyRecovery       = "scheduler_recovery"
	KeyPostingConfig  = "posting_config"
	KeySession        = "session"
	KeyErrorLedger    = "error_ledger"
)

// Store is the persistence API used by the scheduler facade, the ledger and
// the CLI. Writes are last-write-wins.
type Store interface {
	Items(ctx context.Context) ([]post.Item, error)
	Item(ctx context.Context, id string) (post.Item, error)
	AddItem(ctx context.Context, it post.Item) error
	UpdateItem(ctx context.Context, it post.Item) error
	DeleteItem(ctx context.Context, id string) error

	PostingConfig(ctx context.Context) (post.PostingConfig, error)
	SavePostingConfig(ctx context.Context, c post.PostingConfig) error

	Session(ctx context.Context) (post.Session, error)
	SaveSession(ctx context.Context, s post.Session) error
	ClearSession(ctx context.Context) error

	SchedulerState(ctx context.Context) (post.SchedulerState, bool, error)
	SaveSchedulerState(ctx context.Context, st post.SchedulerState) error

	Recovery(ctx context.Context) (post.RecoveryRecord, bool, error)
	SaveRecovery(ctx context.Context, r post.RecoveryRecord) error
	ClearRecovery(ctx context.Context) error

	ErrorLedger(ctx context.Context) ([]post.ErrorEntry, error)
	SaveErrorLedger(ctx context.Context, entries []post.ErrorEntry) error

	Close() error
}

// backend is what a driver implements: an ordered item collection plus a
// small key/value space, both holding raw JSON.
type backend interface {
	listItems(ctx context.Context) ([][]byte, error)
	getItem(ctx context.Context, id string) ([]byte, bool, error)
	insertItem(ctx context.Context, id string, raw []byte) error
	replaceItem(ctx context.Context, id string, raw []byte) (bool, error)
	deleteItem(ctx context.Context, id string) (bool, error)

	get(ctx context.Context, key string) ([]byte, bool, error)
	put(ctx context.Context, key string, raw []byte) error
	del(ctx context.Context, key string) error

	close() error
}
