package interrupt

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"ritualbot/internal/clock"
	"ritualbot/internal/storage"
	logx "ritualbot/pkg/logx"
)

// CompletionStore is the part of the repository the response flow needs.
type CompletionStore interface {
	CompletionLister
	CreateCompletion(ctx context.Context, c storage.Completion) error
}

// Responder records answers to interrupts for the loop's user.
type Responder struct {
	loop    *Loop
	store   CompletionStore
	prompts *PromptBook
	log     logx.Logger
}

func NewResponder(loop *Loop, store CompletionStore, prompts *PromptBook, log logx.Logger) *Responder {
	if log.IsZero() {
		log = logx.Nop()
	}
	if prompts == nil {
		prompts = NewPromptBook(nil, 1)
	}
	return &Responder{
		loop:    loop,
		store:   store,
		prompts: prompts,
		log:     log.With(logx.String("comp", "responder"), logx.String("user", loop.UserID())),
	}
}

// Prompt returns a random prompt for a starting interrupt.
func (r *Responder) Prompt() Prompt { return r.prompts.Pick() }

// Submit records text as the answer to the current pending slot and wakes the
// loop so the badge updates at once. The slot is resolved at submit time, not
// when the prompt was opened.
//
// Errors: ErrEmptyResponse, ErrNoPendingSlot, storage.ErrAlreadyExists.
func (r *Responder) Submit(ctx context.Context, promptID, text string) (storage.Completion, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return storage.Completion{}, ErrEmptyResponse
	}
	if promptID != "" {
		if _, ok := r.prompts.Lookup(promptID); !ok {
			r.log.Debug("response for unknown prompt", logx.String("prompt", promptID))
		}
	}

	now := r.loop.Clock().Now()
	date := now.Format(clock.DateLayout)
	user := r.loop.UserID()

	nums, err := r.store.ListCompletedSlots(ctx, user, date)
	if err != nil {
		return storage.Completion{}, fmt.Errorf("list completions: %w", err)
	}
	slot := r.loop.Table().NextPendingSlot(At(now), NewSlotSet(nums...))
	if slot == None {
		return storage.Completion{}, ErrNoPendingSlot
	}

	rec := storage.Completion{
		ID:        uuid.NewString(),
		UserID:    user,
		Date:      date,
		Slot:      slot,
		PromptID:  promptID,
		Response:  text,
		AwardedAt: now,
	}
	if err := r.store.CreateCompletion(ctx, rec); err != nil {
		return storage.Completion{}, err
	}
	r.log.Info("interrupt completed", logx.Int("slot", slot), logx.String("date", date))
	r.loop.publish(EventCompleted, Notice{Date: date, Slot: slot})
	r.loop.Wake(WakeCompletion)
	return rec, nil
}
