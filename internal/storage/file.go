package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "ritualbot/pkg/logx"
)

// fileStore is a dependency-free backend.
//
// Records are appended to <prefix>.completions.jsonl (one JSON object per line)
// and replayed into an in-memory index on open. Lines that fail to decode are
// skipped, so a torn final write loses at most that one record.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	journal *os.File
	index   *Memory
}

func openFile(cfg Config, log logx.Logger) (Repository, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	journalPath := filepath.Join(dir, base+".completions.jsonl")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	index := NewMemory()
	skipped, err := replayJournal(journalPath, index)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("completion journal had unreadable lines", logx.String("path", journalPath), logx.Int("skipped", skipped))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, journal: jf, index: index}, nil
}

func replayJournal(path string, into *Memory) (skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for s.Scan() {
		var c Completion
		if err := json.Unmarshal(s.Bytes(), &c); err != nil {
			skipped++
			continue
		}
		// First write wins, as it did when the line was appended.
		if err := into.CreateCompletion(context.Background(), c); err != nil {
			skipped++
		}
	}
	return skipped, s.Err()
}

func (s *fileStore) ListCompletedSlots(ctx context.Context, userID, date string) ([]int, error) {
	return s.index.ListCompletedSlots(ctx, userID, date)
}

func (s *fileStore) ListCompletions(ctx context.Context, userID, date string) ([]Completion, error) {
	return s.index.ListCompletions(ctx, userID, date)
}

func (s *fileStore) CreateCompletion(ctx context.Context, c Completion) error {
	if err := c.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("completion journal closed")
	}
	if err := s.index.CreateCompletion(ctx, c); err != nil {
		return err
	}
	if err := json.NewEncoder(s.journal).Encode(c); err != nil {
		s.index.remove(c)
		return err
	}
	return s.journal.Sync()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}
