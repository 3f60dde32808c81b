package storage

import (
	"context"
	"sync"
)

// Memory is an in-process Repository.
type Memory struct {
	mu   sync.RWMutex
	recs map[string]Completion
}

func NewMemory() *Memory {
	return &Memory{recs: map[string]Completion{}}
}

func (m *Memory) ListCompletedSlots(ctx context.Context, userID, date string) ([]int, error) {
	cs, err := m.ListCompletions(ctx, userID, date)
	if err != nil {
		return nil, err
	}
	return slotsOf(cs), nil
}

func (m *Memory) ListCompletions(ctx context.Context, userID, date string) ([]Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Completion
	for _, c := range m.recs {
		if c.UserID == userID && c.Date == date {
			out = append(out, c)
		}
	}
	sortBySlot(out)
	return out, nil
}

func (m *Memory) CreateCompletion(ctx context.Context, c Completion) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.validate(); err != nil {
		return err
	}
	key := completionKey(c.UserID, c.Date, c.Slot)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[key]; ok {
		return ErrAlreadyExists
	}
	m.recs[key] = c
	return nil
}

func (m *Memory) remove(c Completion) {
	m.mu.Lock()
	delete(m.recs, completionKey(c.UserID, c.Date, c.Slot))
	m.mu.Unlock()
}

func (m *Memory) Close() error { return nil }
