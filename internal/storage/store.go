package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tweetsched/internal/post"
	logx "tweetsched/pkg/logx"
)

type store struct {
	be  backend
	log logx.Logger
}

func (s *store) Close() error { return s.be.close() }

func (s *store) Items(ctx context.Context) ([]post.Item, error) {
	raws, err := s.be.listItems(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]post.Item, 0, len(raws))
	for _, raw := range raws {
		var it post.Item
		if err := json.Unmarshal(raw, &it); err != nil {
			// One corrupt row should not hide the rest of the queue.
			s.log.Warn("skipping undecodable item", logx.Err(err))
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

func (s *store) Item(ctx context.Context, id string) (post.Item, error) {
	raw, ok, err := s.be.getItem(ctx, id)
	if err != nil {
		return post.Item{}, err
	}
	if !ok {
		return post.Item{}, fmt.Errorf("item %s: %w", id, post.ErrNotFound)
	}
	var it post.Item
	if err := json.Unmarshal(raw, &it); err != nil {
		return post.Item{}, fmt.Errorf("decode item %s: %w", id, err)
	}
	return it, nil
}

func (s *store) AddItem(ctx context.Context, it post.Item) error {
	if strings.TrimSpace(it.ID) == "" {
		return fmt.Errorf("%w: missing id", post.ErrInvalidItem)
	}
	raw, err := json.Marshal(it)
	if err != nil {
		return err
	}
	return s.be.insertItem(ctx, it.ID, raw)
}

func (s *store) UpdateItem(ctx context.Context, it post.Item) error {
	raw, err := json.Marshal(it)
	if err != nil {
		return err
	}
	ok, err := s.be.replaceItem(ctx, it.ID, raw)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("item %s: %w", it.ID, post.ErrNotFound)
	}
	return nil
}

func (s *store) DeleteItem(ctx context.Context, id string) error {
	ok, err := s.be.deleteItem(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("item %s: %w", id, post.ErrNotFound)
	}
	return nil
}

func (s *store) PostingConfig(ctx context.Context) (post.PostingConfig, error) {
	cfg := post.DefaultPostingConfig()
	if _, err := s.getJSON(ctx, KeyPostingConfig, &cfg); err != nil {
		return post.PostingConfig{}, err
	}
	return cfg, nil
}

func (s *store) SavePostingConfig(ctx context.Context, c post.PostingConfig) error {
	return s.putJSON(ctx, KeyPostingConfig, c)
}

func (s *store) Session(ctx context.Context) (post.Session, error) {
	var sess post.Session
	if _, err := s.getJSON(ctx, KeySession, &sess); err != nil {
		return post.Session{}, err
	}
	return sess, nil
}

func (s *store) SaveSession(ctx context.Context, sess post.Session) error {
	return s.putJSON(ctx, KeySession, sess)
}

func (s *store) ClearSession(ctx context.Context) error { return s.be.del(ctx, KeySession) }

func (s *store) SchedulerState(ctx context.Context) (post.SchedulerState, bool, error) {
	var st post.SchedulerState
	ok, err := s.getJSON(ctx, KeySchedulerState, &st)
	return st, ok, err
}

func (s *store) SaveSchedulerState(ctx context.Context, st post.SchedulerState) error {
	return s.putJSON(ctx, KeySchedulerState, st)
}

func (s *store) Recovery(ctx context.Context) (post.RecoveryRecord, bool, error) {
	var r post.RecoveryRecord
	ok, err := s.getJSON(ctx, KeyRecovery, &r)
	return r, ok, err
}

func (s *store) SaveRecovery(ctx context.Context, r post.RecoveryRecord) error {
	return s.putJSON(ctx, KeyRecovery, r)
}

func (s *store) ClearRecovery(ctx context.Context) error { return s.be.del(ctx, KeyRecovery) }

func (s *store) ErrorLedger(ctx context.Context) ([]post.ErrorEntry, error) {
	var entries []post.ErrorEntry
	if _, err := s.getJSON(ctx, KeyErrorLedger, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *store) SaveErrorLedger(ctx context.Context, entries []post.ErrorEntry) error {
	if entries == nil {
		entries = []post.ErrorEntry{}
	}
	return s.putJSON(ctx, KeyErrorLedger, entries)
}

func (s *store) getJSON(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := s.be.get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *store) putJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.be.put(ctx, key, raw)
}
