// Package router turns Telegram updates into interrupt loop actions and shows
// interrupt prompts as chat messages with inline buttons.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ritualbot/internal/clock"
	"ritualbot/internal/interrupt"
	"ritualbot/internal/storage"
	kit "ritualbot/internal/transport"
	logx "ritualbot/pkg/logx"
)

var (
	ErrUnsupported = errors.New("telegram: not supported")
	ErrNoChat      = errors.New("telegram: user has no linked chat")
)

// Session links one tracked user to a chat and the user's loop.
type Session struct {
	UserID    string
	ChatID    int64
	Loop      *interrupt.Loop
	Responder *interrupt.Responder
}

// CompletionReader is used by /today.
type CompletionReader interface {
	ListCompletions(ctx context.Context, userID, date string) ([]storage.Completion, error)
}

type Config struct {
	HandlerTimeout time.Duration
	// ResponseTTL bounds how long a started interrupt waits for its answer.
	ResponseTTL time.Duration
	QueueSize   int
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Session *Session
	Command string
	Args    []string
	Text    string
}

type awaiting struct {
	slot     int
	promptID string
	since    time.Time
}

// Router dispatches updates for all configured sessions. It also implements
// interrupt.Presenter: OpenModal posts the prompt message, CloseModal strips
// its buttons.
type Router struct {
	adapter kit.Adapter
	store   CompletionReader
	log     logx.Logger
	cfg     Config
	handler HandlerFunc

	mu       sync.Mutex
	byUser   map[string]*Session
	byChat   map[int64]*Session
	modals   map[string]openModal
	closing  map[string]string
	awaiting map[string]awaiting
}

type openModal struct {
	ref  kit.MessageRef
	slot int
}

var _ interrupt.Presenter = (*Router)(nil)

func New(adapter kit.Adapter, store CompletionReader, cfg Config, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 15 * time.Second
	}
	if cfg.ResponseTTL <= 0 {
		cfg.ResponseTTL = 30 * time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	r := &Router{
		adapter:  adapter,
		store:    store,
		log:      log.With(logx.String("comp", "telegram.router")),
		cfg:      cfg,
		byUser:   map[string]*Session{},
		byChat:   map[int64]*Session{},
		modals:   map[string]openModal{},
		closing:  map[string]string{},
		awaiting: map[string]awaiting{},
	}
	r.handler = Chain(r.dispatch,
		recoverPanics(r.log),
		logRequests(r.log),
		withTimeout(cfg.HandlerTimeout),
		r.linkedChat(),
	)
	return r
}

// Register adds a session. Sessions without a chat can still be shown
// prompts by other presenters; Telegram ignores them.
func (r *Router) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser[s.UserID] = s
	if s.ChatID != 0 {
		r.byChat[s.ChatID] = s
	}
}

func (r *Router) sessionForChat(chatID int64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byChat[chatID]
}

func (r *Router) sessionForUser(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byUser[userID]
}

// Commands is the bot menu.
func Commands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "status", Description: "Today's progress"},
		{Command: "today", Description: "Answers recorded today"},
		{Command: "interrupt", Description: "Answer the pending interrupt now"},
		{Command: "later", Description: "Snooze the open prompt"},
		{Command: "cancel", Description: "Stop waiting for an answer"},
	}
}

// Run starts the adapter and handles updates until ctx ends.
func (r *Router) Run(ctx context.Context) error {
	updates := make(chan kit.Update, r.cfg.QueueSize)
	if err := r.adapter.Start(ctx, updates); err != nil {
		return fmt.Errorf("start telegram adapter: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = r.adapter.Stop(stopCtx)
	}()

	if mu, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		if err := mu.UpdateMenuCommands(ctx, Commands()); err != nil {
			r.log.Warn("menu update failed", logx.Err(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case up := <-updates:
			_ = r.Handle(ctx, up)
		}
	}
}

// Handle processes one update.
func (r *Router) Handle(ctx context.Context, up kit.Update) error {
	req := &Request{Update: up}
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message == nil {
			return nil
		}
		req.Chat = kit.ChatTarget{ChatID: up.Message.ChatID}
		req.FromID = up.Message.FromID
		req.Text = up.Message.Text
		req.Command, req.Args = parseCommand(up.Message.Text)
	case kit.UpdateCallback:
		if up.Callback == nil {
			return nil
		}
		req.Chat = kit.ChatTarget{ChatID: up.Callback.ChatID}
		req.FromID = up.Callback.FromID
		req.Command = "cb:" + up.Callback.Data
	default:
		return nil
	}
	req.Session = r.sessionForChat(req.Chat.ChatID)
	return r.handler(ctx, req)
}

func (r *Router) dispatch(ctx context.Context, req *Request) error {
	if req.Update.Kind == kit.UpdateCallback {
		return r.handleCallback(ctx, req)
	}
	switch req.Command {
	case "start", "status":
		return r.cmdStatus(ctx, req)
	case "today":
		return r.cmdToday(ctx, req)
	case "interrupt":
		return r.begin(ctx, req)
	case "later":
		return r.snooze(ctx, req)
	case "cancel":
		r.mu.Lock()
		_, had := r.awaiting[req.Session.UserID]
		delete(r.awaiting, req.Session.UserID)
		r.mu.Unlock()
		if !had {
			return r.reply(ctx, req, "Nothing to cancel.")
		}
		return r.reply(ctx, req, "Cancelled. The interrupt stays pending.")
	case "":
		return r.handleText(ctx, req)
	default:
		return r.reply(ctx, req, "Unknown command. Try /status.")
	}
}

func (r *Router) handleCallback(ctx context.Context, req *Request) error {
	cb := req.Update.Callback
	action, slot, ok := parseCallback(cb.Data)
	if !ok {
		return r.adapter.AnswerCallback(ctx, cb.ID, "Unknown action.")
	}
	switch action {
	case actionStart:
		// Buttons on an older prompt message must not start a later slot.
		snap := req.Session.Loop.Snapshot()
		if slot != snap.State.LastTriggered && slot != snap.Status.NextPendingSlot {
			return r.adapter.AnswerCallback(ctx, cb.ID, fmt.Sprintf("That prompt is out of date. Interrupt #%d is not due.", slot))
		}
		if err := r.adapter.AnswerCallback(ctx, cb.ID, ""); err != nil {
			r.log.Debug("answer callback failed", logx.Err(err))
		}
		return r.begin(ctx, req)
	default:
		snap := req.Session.Loop.Snapshot()
		if !snap.State.ModalOpen || snap.State.LastTriggered != slot {
			return r.adapter.AnswerCallback(ctx, cb.ID, "That prompt is no longer open.")
		}
		if err := r.adapter.AnswerCallback(ctx, cb.ID, "Snoozed."); err != nil {
			r.log.Debug("answer callback failed", logx.Err(err))
		}
		return r.snooze(ctx, req)
	}
}

// begin runs the start action and sends a prompt; the next text message is
// the answer.
func (r *Router) begin(ctx context.Context, req *Request) error {
	s := req.Session
	r.setClosing(s.UserID, "started")
	slot, err := s.Loop.StartInterrupt(ctx)
	r.setClosing(s.UserID, "")
	if errors.Is(err, interrupt.ErrNoPendingSlot) {
		return r.reply(ctx, req, "Nothing is due right now. "+interrupt.DescribeStatus(s.Loop.Snapshot().Status))
	}
	if err != nil {
		return err
	}
	p := s.Responder.Prompt()
	r.mu.Lock()
	r.awaiting[s.UserID] = awaiting{slot: slot, promptID: p.ID, since: s.Loop.Clock().Now()}
	r.mu.Unlock()
	return r.reply(ctx, req, promptText(slot, p))
}

func (r *Router) snooze(ctx context.Context, req *Request) error {
	s := req.Session
	r.setClosing(s.UserID, "snoozed")
	err := s.Loop.RemindLater(ctx)
	r.setClosing(s.UserID, "")
	if errors.Is(err, interrupt.ErrModalNotOpen) {
		if req.Update.Kind == kit.UpdateCallback {
			return nil
		}
		return r.reply(ctx, req, "No prompt is open.")
	}
	return err
}

func (r *Router) handleText(ctx context.Context, req *Request) error {
	s := req.Session
	r.mu.Lock()
	aw, ok := r.awaiting[s.UserID]
	if ok && s.Loop.Clock().Now().Sub(aw.since) > r.cfg.ResponseTTL {
		delete(r.awaiting, s.UserID)
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return r.reply(ctx, req, "Use /status to see today's progress.")
	}

	rec, err := s.Responder.Submit(ctx, aw.promptID, req.Text)
	switch {
	case errors.Is(err, interrupt.ErrEmptyResponse):
		return r.reply(ctx, req, "Send a few words as your answer.")
	case errors.Is(err, interrupt.ErrNoPendingSlot):
		r.clearAwaiting(s.UserID)
		return r.reply(ctx, req, "Nothing left to record right now.")
	case errors.Is(err, storage.ErrAlreadyExists):
		r.clearAwaiting(s.UserID)
		return r.reply(ctx, req, "That interrupt is already recorded.")
	case err != nil:
		return err
	}
	r.clearAwaiting(s.UserID)

	// Refresh so the reply carries the new count.
	if err := s.Loop.Tick(ctx, interrupt.WakeCompletion); err != nil {
		r.log.Debug("refresh after answer failed", logx.Err(err))
	}
	return r.reply(ctx, req, fmt.Sprintf("✅ Interrupt #%d recorded.\n%s", rec.Slot, statusText(s.Loop.Snapshot().Status, s.Loop.Table())))
}

func (r *Router) cmdStatus(ctx context.Context, req *Request) error {
	s := req.Session
	if err := s.Loop.Tick(ctx, interrupt.WakeFocus); err != nil {
		r.log.Debug("status refresh failed", logx.Err(err))
	}
	return r.reply(ctx, req, statusText(s.Loop.Snapshot().Status, s.Loop.Table()))
}

func (r *Router) cmdToday(ctx context.Context, req *Request) error {
	s := req.Session
	if r.store == nil {
		return r.reply(ctx, req, "History is not available.")
	}
	date := clock.Today(s.Loop.Clock())
	items, err := r.store.ListCompletions(ctx, s.UserID, date)
	if err != nil {
		return fmt.Errorf("list completions: %w", err)
	}
	return r.reply(ctx, req, todayText(date, items, s.Loop.Table()))
}

func (r *Router) reply(ctx context.Context, req *Request, text string) error {
	_, err := r.adapter.SendText(ctx, req.Chat, text, nil)
	return err
}

func (r *Router) setClosing(userID, reason string) {
	r.mu.Lock()
	if reason == "" {
		delete(r.closing, userID)
	} else {
		r.closing[userID] = reason
	}
	r.mu.Unlock()
}

func (r *Router) clearAwaiting(userID string) {
	r.mu.Lock()
	delete(r.awaiting, userID)
	r.mu.Unlock()
}

// Notify is left to the notifier; the prompt message is the Telegram signal.
func (r *Router) Notify(context.Context, interrupt.Trigger) error { return ErrUnsupported }

func (r *Router) OpenModal(ctx context.Context, t interrupt.Trigger) error {
	s := r.sessionForUser(t.UserID)
	if s == nil || s.ChatID == 0 {
		return ErrNoChat
	}
	ref, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: s.ChatID}, modalText(t), &kit.SendOptions{Buttons: modalButtons(t.Slot)})
	if err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	r.mu.Lock()
	prev, hadPrev := r.modals[t.UserID]
	r.modals[t.UserID] = openModal{ref: ref, slot: t.Slot}
	r.mu.Unlock()
	if hadPrev {
		r.strip(ctx, prev, "")
	}
	return nil
}

func (r *Router) CloseModal(ctx context.Context, userID string) {
	r.mu.Lock()
	m, ok := r.modals[userID]
	delete(r.modals, userID)
	reason := r.closing[userID]
	r.mu.Unlock()
	if ok {
		r.strip(ctx, m, reason)
	}
}

func (r *Router) strip(ctx context.Context, m openModal, reason string) {
	if err := r.adapter.EditText(ctx, m.ref, closedText(m.slot, reason), nil); err != nil {
		r.log.Debug("close prompt failed", logx.Err(err), logx.Int("slot", m.slot))
	}
}
