package interrupt

import (
	"context"
	"errors"
)

var (
	ErrNoPendingSlot  = errors.New("no pending interrupt")
	ErrEmptyResponse  = errors.New("response is empty")
	ErrModalNotOpen   = errors.New("no interrupt prompt is open")
	ErrAlreadyRunning = errors.New("loop already running")
	ErrClock          = errors.New("reference clock failed")
)

// Bus event types published by the loop.
const (
	EventTriggered = "interrupt.triggered"
	EventClosed    = "interrupt.closed"
	EventSnoozed   = "interrupt.snoozed"
	EventRollover  = "day.rollover"
	EventBadge     = "badge.updated"
	EventCompleted = "interrupt.completed"
)

// Wake reasons.
const (
	WakeStart      = "start"
	WakeVisibility = "visibility"
	WakeFocus      = "focus"
	WakeSchedule   = "schedule"
	WakeCompletion = "completion"
	WakeConfig     = "config"
)

// Trigger describes one newly due slot handed to a Presenter.
type Trigger struct {
	UserID      string `json:"user_id"`
	Date        string `json:"date"`
	Slot        int    `json:"slot"`
	DisplayTime string `json:"display_time"`
	Overdue     bool   `json:"overdue"`
	Completed   int    `json:"completed"`
}

// Presenter shows triggers to a user.
//
// Notify is best effort: the loop logs its error and carries on with the modal.
// OpenModal failing is handled like "remind later". CloseModal must be idempotent.
type Presenter interface {
	Notify(ctx context.Context, t Trigger) error
	OpenModal(ctx context.Context, t Trigger) error
	CloseModal(ctx context.Context, userID string)
}

// CompletionLister is the read side of the completion store.
type CompletionLister interface {
	ListCompletedSlots(ctx context.Context, userID, date string) ([]int, error)
}

// WakeSource delivers external wake signals (visibility, focus, schedule edges).
// Subscribe returns a func that detaches fn.
type WakeSource interface {
	Subscribe(fn func(reason string)) (unsubscribe func())
}

// Notice is the payload of loop events.
type Notice struct {
	Date   string  `json:"date"`
	Slot   int     `json:"slot,omitempty"`
	Reason string  `json:"reason,omitempty"`
	Status *Status `json:"status,omitempty"`
}

// Presenters fans one trigger out to several presenters.
// Notify and OpenModal succeed if any member succeeds.
type Presenters []Presenter

func (ps Presenters) Notify(ctx context.Context, t Trigger) error {
	return ps.each(func(p Presenter) error { return p.Notify(ctx, t) })
}

func (ps Presenters) OpenModal(ctx context.Context, t Trigger) error {
	return ps.each(func(p Presenter) error { return p.OpenModal(ctx, t) })
}

func (ps Presenters) CloseModal(ctx context.Context, userID string) {
	for _, p := range ps {
		p.CloseModal(ctx, userID)
	}
}

func (ps Presenters) each(fn func(Presenter) error) error {
	if len(ps) == 0 {
		return nil
	}
	var errs []error
	for _, p := range ps {
		if err := fn(p); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(ps) {
		return errors.Join(errs...)
	}
	return nil
}
