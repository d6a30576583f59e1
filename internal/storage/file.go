package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "tweetsched/pkg/logx"
)

// fileStore keeps every record as a JSON document under one directory:
//   - items.json             (ordered array of items)
//   - <key>.json             (single-document records)
//
// Every call reads from disk so the CLI and the daemon see each other's
// writes. Writes go to a temp file and are renamed into place.
type fileStore struct {
	log logx.Logger
	dir string

	mu sync.Mutex
}

type fileItem struct {
	ID string `json:"id"`
}

func openFile(cfg Config, log logx.Logger) (backend, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir}, nil
}

func (s *fileStore) close() error { return nil }

func (s *fileStore) itemsPath() string { return filepath.Join(s.dir, "items.json") }

func (s *fileStore) keyPath(key string) string { return filepath.Join(s.dir, key+".json") }

func (s *fileStore) loadItemsLocked() ([]json.RawMessage, error) {
	b, err := os.ReadFile(s.itemsPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.itemsPath(), err)
	}
	return items, nil
}

func (s *fileStore) saveItemsLocked(items []json.RawMessage) error {
	if items == nil {
		items = []json.RawMessage{}
	}
	b, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.itemsPath(), b)
}

func indexOf(items []json.RawMessage, id string) int {
	for i, raw := range items {
		var fi fileItem
		if json.Unmarshal(raw, &fi) == nil && fi.ID == id {
			return i
		}
	}
	return -1
}

func (s *fileStore) listItems(ctx context.Context) ([][]byte, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.loadItemsLocked()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(items))
	for i := range items {
		out[i] = items[i]
	}
	return out, nil
}

func (s *fileStore) getItem(ctx context.Context, id string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.loadItemsLocked()
	if err != nil {
		return nil, false, err
	}
	if i := indexOf(items, id); i >= 0 {
		return items[i], true, nil
	}
	return nil, false, nil
}

func (s *fileStore) insertItem(ctx context.Context, id string, raw []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.loadItemsLocked()
	if err != nil {
		return err
	}
	if indexOf(items, id) >= 0 {
		return fmt.Errorf("item %s already exists", id)
	}
	return s.saveItemsLocked(append(items, raw))
}

func (s *fileStore) replaceItem(ctx context.Context, id string, raw []byte) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.loadItemsLocked()
	if err != nil {
		return false, err
	}
	i := indexOf(items, id)
	if i < 0 {
		return false, nil
	}
	items[i] = raw
	return true, s.saveItemsLocked(items)
}

func (s *fileStore) deleteItem(ctx context.Context, id string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	items, err := s.loadItemsLocked()
	if err != nil {
		return false, err
	}
	i := indexOf(items, id)
	if i < 0 {
		return false, nil
	}
	items = append(items[:i], items[i+1:]...)
	return true, s.saveItemsLocked(items)
}

func (s *fileStore) get(ctx context.Context, key string) ([]byte, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.keyPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *fileStore) put(ctx context.Context, key string, raw []byte) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.keyPath(key), raw)
}

func (s *fileStore) del(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.keyPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
