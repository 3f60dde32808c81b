package interrupt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ritualbot/internal/clock"
	"ritualbot/internal/eventbus"
	logx "ritualbot/pkg/logx"
)

// Config is the per-user loop configuration. Zero durations select defaults.
type Config struct {
	UserID         string
	TickInterval   time.Duration
	SnoozeCooldown time.Duration
	FetchTimeout   time.Duration
}

const (
	DefaultTickInterval   = 30 * time.Second
	DefaultSnoozeCooldown = 60 * time.Second
	DefaultFetchTimeout   = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.SnoozeCooldown <= 0 {
		c.SnoozeCooldown = DefaultSnoozeCooldown
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	return c
}

// Phase is the loop's position in its state machine.
type Phase int

const (
	Idle Phase = iota
	PendingTrigger
	ModalOpen
	Snoozed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case PendingTrigger:
		return "pending_trigger"
	case ModalOpen:
		return "modal_open"
	case Snoozed:
		return "snoozed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for _, c := range []Phase{Idle, PendingTrigger, ModalOpen, Snoozed} {
		if c.String() == string(b) {
			*p = c
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// State is the in-memory scheduler state for one user and one reference date.
// It is re-derived from the repository after a restart.
type State struct {
	ReferenceDate string  `json:"reference_date"`
	Completed     SlotSet `json:"-"`
	LastTriggered int     `json:"last_triggered"`
	ModalOpen     bool    `json:"modal_open"`
}

// Snapshot is a consistent copy of the loop's observable state.
type Snapshot struct {
	UserID    string `json:"user_id"`
	State     State  `json:"state"`
	Completed []int  `json:"completed"`
	Phase     Phase  `json:"phase"`
	Status    Status `json:"status"`
}

// Loop re-evaluates one user's interrupts on a ticker and on external wakes,
// and presents each newly due slot at most once per day.
//
// Ticks may overlap. Only the newest tick's repository read commits, and the
// trigger decision is taken under the loop's mutex, so two ticks can never
// both present the same slot.
type Loop struct {
	table Table
	clk   clock.Clock
	repo  CompletionLister
	pres  Presenter
	bus   eventbus.Bus
	log   logx.Logger
	user  string

	mu        sync.Mutex
	cfg       Config
	state     State
	phase     Phase
	status    Status
	seq       uint64
	committed uint64
	snooze    *time.Timer
	snoozeVer uint64
	// autoSnooze marks a snooze taken because the prompt could not be shown.
	autoSnooze bool
	// gen changes whenever a prompt is decided or closed, so a present that
	// lost a race with start, remind-later or rollover can tell.
	gen uint64

	wake    chan string
	reset   chan struct{}
	running atomic.Bool
}

func NewLoop(cfg Config, table Table, clk clock.Clock, repo CompletionLister, pres Presenter, bus eventbus.Bus, log logx.Logger) *Loop {
	if log.IsZero() {
		log = logx.Nop()
	}
	if pres == nil {
		pres = Presenters(nil)
	}
	cfg = cfg.withDefaults()
	return &Loop{
		table: table,
		clk:   clk,
		repo:  repo,
		pres:  pres,
		bus:   bus,
		log:   log.With(logx.String("comp", "interrupt"), logx.String("user", cfg.UserID)),
		user:  cfg.UserID,
		cfg:   cfg,
		wake:  make(chan string, 1),
		reset: make(chan struct{}, 1),
	}
}

func (l *Loop) UserID() string { return l.user }

func (l *Loop) Table() Table { return l.table }

func (l *Loop) Clock() clock.Clock { return l.clk }

// Apply swaps timing settings. The user id cannot change.
func (l *Loop) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	cfg.UserID = l.user
	changed := cfg.TickInterval != l.cfg.TickInterval
	l.cfg = cfg
	l.mu.Unlock()
	if changed {
		select {
		case l.reset <- struct{}{}:
		default:
		}
	}
}

// Run ticks immediately, then on every interval and every wake until ctx ends.
// The ticker, the snooze timer and all wake subscriptions are released together on return.
func (l *Loop) Run(ctx context.Context, sources ...WakeSource) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)

	unsubs := make([]func(), 0, len(sources))
	for _, src := range sources {
		if src != nil {
			unsubs = append(unsubs, src.Subscribe(l.Wake))
		}
	}
	ticker := time.NewTicker(l.interval())
	defer func() {
		ticker.Stop()
		for _, u := range unsubs {
			u()
		}
		l.mu.Lock()
		l.cancelSnoozeLocked()
		l.mu.Unlock()
		l.log.Debug("loop stopped")
	}()

	l.log.Info("loop started", logx.Duration("interval", l.interval()), logx.Int("sources", len(unsubs)))
	_ = l.Tick(ctx, WakeStart)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.reset:
			ticker.Reset(l.interval())
			l.log.Debug("tick interval changed", logx.Duration("interval", l.interval()))
		case <-ticker.C:
			_ = l.Tick(ctx, "interval")
		case reason := <-l.wake:
			_ = l.Tick(ctx, reason)
		}
	}
}

// Wake requests an immediate extra tick. Wakes that arrive while one is
// already queued are coalesced.
func (l *Loop) Wake(reason string) {
	select {
	case l.wake <- reason:
	default:
	}
}

func (l *Loop) interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.TickInterval
}

// Tick performs one evaluation. It returns an error only when the clock fails,
// in which case no state was touched.
func (l *Loop) Tick(ctx context.Context, reason string) error {
	// The clock is read under the lock so tick order matches time order and
	// an older tick can never roll the date backwards.
	l.mu.Lock()
	now, err := l.readClock()
	if err != nil {
		l.mu.Unlock()
		l.log.Error("tick aborted", logx.String("reason", reason), logx.Err(err))
		return err
	}
	today := now.Format(clock.DateLayout)
	l.seq++
	seq := l.seq
	cfg := l.cfg
	closed := false
	if today != l.state.ReferenceDate {
		prev := l.state.ReferenceDate
		closed = l.state.ModalOpen
		l.resetLocked(today)
		if prev != "" {
			l.log.Info("day rollover", logx.String("from", prev), logx.String("to", today))
			l.publish(EventRollover, Notice{Date: today, Reason: prev})
		}
	}
	l.mu.Unlock()

	if closed {
		l.pres.CloseModal(ctx, cfg.UserID)
		l.publish(EventClosed, Notice{Date: today, Reason: "rollover"})
	}

	fctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	nums, ferr := l.repo.ListCompletedSlots(fctx, cfg.UserID, today)
	cancel()

	l.mu.Lock()
	if l.state.ReferenceDate != today {
		// A newer tick already moved to another day.
		l.mu.Unlock()
		return nil
	}
	if l.autoSnooze && l.phase == Snoozed && (reason == WakeVisibility || reason == WakeFocus) {
		// The user is back; retry the prompt that could not be shown.
		l.cancelSnoozeLocked()
		l.state.LastTriggered = None
		l.phase = Idle
		l.log.Debug("retrying prompt on return", logx.String("reason", reason))
	}
	switch {
	case ferr != nil:
		l.log.Warn("completion read failed, keeping cached slots", logx.String("reason", reason), logx.Err(ferr))
	case seq < l.committed:
		l.log.Debug("stale completion read dropped", logx.Uint64("seq", seq), logx.Uint64("committed", l.committed))
	default:
		l.state.Completed = NewSlotSet(nums...)
		l.committed = seq
	}

	st := l.table.Resolve(At(now), l.state.Completed)
	l.status = st

	var (
		fire       *Trigger
		gen        uint64
		closeModal bool
	)
	switch pending := st.NextPendingSlot; {
	case pending == None:
		closeModal = l.state.ModalOpen
		if closeModal {
			l.gen++
		}
		l.state.ModalOpen = false
		l.cancelSnoozeLocked()
		l.phase = Idle
	case pending != l.state.LastTriggered && !l.state.ModalOpen:
		l.cancelSnoozeLocked()
		l.state.LastTriggered = pending
		l.state.ModalOpen = true
		l.phase = PendingTrigger
		l.gen++
		gen = l.gen
		slot, _ := l.table.Lookup(pending)
		fire = &Trigger{
			UserID:      cfg.UserID,
			Date:        today,
			Slot:        pending,
			DisplayTime: slot.Label,
			Overdue:     st.IsOverdue,
			Completed:   st.CompletedCount,
		}
	}
	l.mu.Unlock()

	if closeModal {
		l.pres.CloseModal(ctx, cfg.UserID)
		l.publish(EventClosed, Notice{Date: today, Reason: "nothing_pending"})
	}
	l.publish(EventBadge, Notice{Date: today, Status: &st})
	l.log.Debug("tick", logx.String("reason", reason), logx.Int("pending", st.NextPendingSlot), logx.Int("completed", st.CompletedCount))

	if fire != nil {
		l.present(ctx, *fire, gen)
	}
	return nil
}

// present runs outside the lock. gen identifies the trigger decision; if it
// moved on while the prompt was opening, the prompt is closed again.
func (l *Loop) present(ctx context.Context, t Trigger, gen uint64) {
	log := l.log.With(logx.Int("slot", t.Slot), logx.String("date", t.Date))
	if err := l.pres.Notify(ctx, t); err != nil {
		log.Warn("notification failed, showing prompt only", logx.Err(err))
	}
	if err := l.pres.OpenModal(ctx, t); err != nil {
		log.Warn("prompt failed to open, snoozing", logx.Err(err))
		l.mu.Lock()
		if l.gen == gen {
			l.snoozeLocked()
			l.autoSnooze = true
		}
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	current := l.gen == gen
	if current {
		l.phase = ModalOpen
	}
	// A newer trigger that is already showing owns the prompt.
	superseded := !current && !(l.state.ModalOpen && l.phase == ModalOpen)
	l.mu.Unlock()
	if superseded {
		log.Debug("prompt closed while opening")
		l.pres.CloseModal(ctx, l.user)
		return
	}
	if !current {
		return
	}
	log.Info("interrupt triggered", logx.Bool("overdue", t.Overdue))
	l.publish(EventTriggered, Notice{Date: t.Date, Slot: t.Slot})
}

// StartInterrupt is the "start" action: the prompt closes and the loop goes
// idle while the response is written elsewhere. It returns the slot the user
// is answering, or ErrNoPendingSlot when nothing is due.
func (l *Loop) StartInterrupt(ctx context.Context) (int, error) {
	l.mu.Lock()
	wasOpen := l.state.ModalOpen
	slot := l.state.LastTriggered
	if slot == None || !wasOpen {
		slot = l.status.NextPendingSlot
	}
	l.state.ModalOpen = false
	l.cancelSnoozeLocked()
	l.phase = Idle
	l.gen++
	date := l.state.ReferenceDate
	l.mu.Unlock()

	if wasOpen {
		l.pres.CloseModal(ctx, l.user)
		l.publish(EventClosed, Notice{Date: date, Slot: slot, Reason: "start"})
	}
	if slot == None {
		return None, ErrNoPendingSlot
	}
	l.log.Debug("interrupt started", logx.Int("slot", slot))
	return slot, nil
}

// RemindLater is the "remind me later" action. After the snooze cool-down the
// slot becomes eligible to trigger again on a later tick.
func (l *Loop) RemindLater(ctx context.Context) error {
	l.mu.Lock()
	if !l.state.ModalOpen {
		l.mu.Unlock()
		return ErrModalNotOpen
	}
	slot := l.state.LastTriggered
	date := l.state.ReferenceDate
	cd := l.snoozeLocked()
	l.gen++
	l.mu.Unlock()

	l.pres.CloseModal(ctx, l.user)
	l.log.Info("interrupt snoozed", logx.Int("slot", slot), logx.Duration("cooldown", cd))
	l.publish(EventSnoozed, Notice{Date: date, Slot: slot})
	return nil
}

func (l *Loop) snoozeLocked() time.Duration {
	l.state.ModalOpen = false
	l.phase = Snoozed
	l.autoSnooze = false
	if l.snooze != nil {
		l.snooze.Stop()
	}
	l.snoozeVer++
	ver := l.snoozeVer
	cd := l.cfg.SnoozeCooldown
	l.snooze = time.AfterFunc(cd, func() { l.expireSnooze(ver) })
	return cd
}

func (l *Loop) expireSnooze(ver uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	// Ignore callbacks from timers that were replaced or cancelled.
	if ver != l.snoozeVer {
		return
	}
	l.snooze = nil
	l.autoSnooze = false
	l.state.LastTriggered = None
	if l.phase == Snoozed {
		l.phase = Idle
	}
}

func (l *Loop) cancelSnoozeLocked() {
	l.snoozeVer++
	l.autoSnooze = false
	if l.snooze != nil {
		l.snooze.Stop()
		l.snooze = nil
	}
}

func (l *Loop) resetLocked(today string) {
	l.cancelSnoozeLocked()
	l.gen++
	l.state = State{ReferenceDate: today}
	l.phase = Idle
	l.status = Status{}
	l.committed = 0
}

func (l *Loop) readClock() (now time.Time, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrClock, r)
		}
	}()
	now = l.clk.Now()
	if now.IsZero() {
		return now, fmt.Errorf("%w: zero time", ErrClock)
	}
	return now, nil
}

// Snapshot returns a copy of the current state.
func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		UserID:    l.user,
		State:     l.state,
		Completed: l.state.Completed.Numbers(),
		Phase:     l.phase,
		Status:    l.status,
	}
}

func (l *Loop) publish(typ string, n Notice) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: typ, UserID: l.user, Data: n})
}

// DescribeStatus renders a one-line badge, e.g. "2/6 done, next 1:00 PM".
func DescribeStatus(st Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d/%d done", st.CompletedCount, SlotCount)
	switch {
	case st.AllComplete:
		b.WriteString(", all complete")
	case st.NextPendingSlot != None && st.IsOverdue:
		fmt.Fprintf(&b, ", interrupt #%d overdue", st.NextPendingSlot)
	case st.NextPendingSlot != None:
		fmt.Fprintf(&b, ", interrupt #%d due", st.NextPendingSlot)
	case st.NextDisplayTime != "":
		fmt.Fprintf(&b, ", next %s", st.NextDisplayTime)
	}
	return b.String()
}
