package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	logx "ritualbot/pkg/logx"
)

var completionsBucket = []byte("completions")

type boltStore struct {
	db  *bbolt.DB
	log logx.Logger
}

func openBolt(cfg Config, log logx.Logger) (Repository, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for bolt driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(completionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{db: db, log: log}, nil
}

// boltPrefix orders keys by user, date, then zero-padded slot so a cursor
// seek yields one day's records in slot order.
func boltPrefix(userID, date string) []byte {
	return []byte(userID + "\x00" + date + "\x00")
}

func boltKey(c Completion) []byte {
	return append(boltPrefix(c.UserID, c.Date), []byte(fmt.Sprintf("%02d", c.Slot))...)
}

func (s *boltStore) ListCompletedSlots(ctx context.Context, userID, date string) ([]int, error) {
	cs, err := s.ListCompletions(ctx, userID, date)
	if err != nil {
		return nil, err
	}
	return slotsOf(cs), nil
}

func (s *boltStore) ListCompletions(ctx context.Context, userID, date string) ([]Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := boltPrefix(userID, date)
	var out []Completion
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(completionsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec Completion
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode %q: %w", k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *boltStore) CreateCompletion(ctx context.Context, c Completion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.validate(); err != nil {
		return err
	}
	if strings.ContainsRune(c.UserID, 0) {
		return fmt.Errorf("%w: user id contains NUL", ErrInvalidRecord)
	}
	if c.AwardedAt.IsZero() {
		c.AwardedAt = time.Now()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(completionsBucket)
		key := boltKey(c)
		if b.Get(key) != nil {
			return ErrAlreadyExists
		}
		return b.Put(key, data)
	})
}

func (s *boltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
