package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ritualbot/internal/clock"
)

// MaxSlot is the highest slot number of a day.
const MaxSlot = 6

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrAlreadyExists = errors.New("completion already exists")
	ErrInvalidRecord = errors.New("invalid completion record")
)

// Config configures storage.
//
// Driver values: "memory", "file", "sqlite", "postgres", "bolt".
// Path is used by file/sqlite/bolt, DSN by postgres.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Completion is one answered interrupt.
type Completion struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Date      string    `json:"date"` // YYYY-MM-DD, reference timezone
	Slot      int       `json:"slot"`
	PromptID  string    `json:"prompt_id,omitempty"`
	Response  string    `json:"response"`
	AwardedAt time.Time `json:"awarded_at"`
}

func (c Completion) validate() error {
	switch {
	case c.UserID == "":
		return fmt.Errorf("%w: user id required", ErrInvalidRecord)
	case c.Slot < 1 || c.Slot > MaxSlot:
		return fmt.Errorf("%w: slot %d outside 1..%d", ErrInvalidRecord, c.Slot, MaxSlot)
	}
	if _, err := time.Parse(clock.DateLayout, c.Date); err != nil {
		return fmt.Errorf("%w: date must be YYYY-MM-DD: %q", ErrInvalidRecord, c.Date)
	}
	return nil
}

// Repository is the source of truth for completed slots.
type Repository interface {
	// ListCompletedSlots returns the slot numbers completed by user on date, ascending.
	ListCompletedSlots(ctx context.Context, userID, date string) ([]int, error)
	// ListCompletions returns the full records for user on date, ordered by slot.
	ListCompletions(ctx context.Context, userID, date string) ([]Completion, error)
	// CreateCompletion inserts c or returns ErrAlreadyExists.
	CreateCompletion(ctx context.Context, c Completion) error
	Close() error
}

func completionKey(userID, date string, slot int) string {
	return userID + "|" + date + "|" + strconv.Itoa(slot)
}
