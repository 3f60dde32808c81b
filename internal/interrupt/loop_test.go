package interrupt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"ritualbot/internal/clock"
	"ritualbot/internal/eventbus"
	logx "ritualbot/pkg/logx"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func at(day, h, m int) time.Time { return time.Date(2025, time.March, day, h, m, 0, 0, ist) }

type fakeRepo struct {
	mu     sync.Mutex
	byDate map[string][]int
	err    error
	calls  int
	onList func(date string)
	gate   chan struct{} // first call blocks until closed
	inside chan struct{}
}

func newFakeRepo() *fakeRepo { return &fakeRepo{byDate: map[string][]int{}} }

func (r *fakeRepo) set(date string, slots ...int) {
	r.mu.Lock()
	r.byDate[date] = slots
	r.mu.Unlock()
}

func (r *fakeRepo) fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *fakeRepo) ListCompletedSlots(ctx context.Context, userID, date string) ([]int, error) {
	r.mu.Lock()
	r.calls++
	first := r.calls == 1
	gate, inside, hook := r.gate, r.inside, r.onList
	err := r.err
	slots := append([]int(nil), r.byDate[date]...)
	r.mu.Unlock()

	if hook != nil {
		hook(date)
	}
	if first && gate != nil {
		close(inside)
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return slots, nil
}

func (r *fakeRepo) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakePresenter struct {
	mu        sync.Mutex
	notifies  []Trigger
	opens     []Trigger
	closes    int
	notifyErr error
	openErr   error
	onNotify  func()
	order     []string
}

func (p *fakePresenter) Notify(_ context.Context, t Trigger) error {
	p.mu.Lock()
	p.notifies = append(p.notifies, t)
	err, hook := p.notifyErr, p.onNotify
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (p *fakePresenter) setOpenErr(err error) {
	p.mu.Lock()
	p.openErr = err
	p.mu.Unlock()
}

func (p *fakePresenter) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

func (p *fakePresenter) OpenModal(_ context.Context, t Trigger) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return p.openErr
	}
	p.opens = append(p.opens, t)
	p.order = append(p.order, "open")
	return nil
}

func (p *fakePresenter) CloseModal(context.Context, string) {
	p.mu.Lock()
	p.closes++
	p.order = append(p.order, "close")
	p.mu.Unlock()
}

func (p *fakePresenter) counts() (notifies, opens, closes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.notifies), len(p.opens), p.closes
}

func (p *fakePresenter) lastOpen() Trigger {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens[len(p.opens)-1]
}

type loopFixture struct {
	clk  *clock.Manual
	repo *fakeRepo
	pres *fakePresenter
	bus  eventbus.Bus
	loop *Loop
}

func newFixture(t *testing.T, start time.Time, cfg Config) *loopFixture {
	t.Helper()
	f := &loopFixture{
		clk:  clock.NewManual(start),
		repo: newFakeRepo(),
		pres: &fakePresenter{},
		bus:  eventbus.New(),
	}
	if cfg.UserID == "" {
		cfg.UserID = "u1"
	}
	f.loop = NewLoop(cfg, DefaultTable(), f.clk, f.repo, f.pres, f.bus, logx.Nop())
	return f
}

func (f *loopFixture) tick(t *testing.T) {
	t.Helper()
	if err := f.loop.Tick(context.Background(), "test"); err != nil {
		t.Fatalf("tick: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestTickTriggersAtMostOncePerSlot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 10, 15), Config{})

	for i := 0; i < 5; i++ {
		f.tick(t)
		f.clk.Advance(30 * time.Second)
	}
	notifies, opens, _ := f.pres.counts()
	if notifies != 1 || opens != 1 {
		t.Fatalf("notifies=%d opens=%d, want 1/1", notifies, opens)
	}
	tr := f.pres.lastOpen()
	if tr.Slot != 1 || !tr.Overdue || tr.DisplayTime != "9:00 AM" || tr.Date != "2025-03-01" {
		t.Fatalf("trigger = %+v", tr)
	}
	snap := f.loop.Snapshot()
	if snap.Phase != ModalOpen || !snap.State.ModalOpen || snap.State.LastTriggered != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	// Starting closes the prompt; the unanswered slot does not trigger again.
	slot, err := f.loop.StartInterrupt(context.Background())
	if err != nil || slot != 1 {
		t.Fatalf("StartInterrupt = %d, %v", slot, err)
	}
	for i := 0; i < 3; i++ {
		f.tick(t)
	}
	if _, opens, closes := f.pres.counts(); opens != 1 || closes != 1 {
		t.Fatalf("after start opens=%d closes=%d, want 1/1", opens, closes)
	}
	if snap := f.loop.Snapshot(); snap.Phase != Idle || snap.State.ModalOpen {
		t.Fatalf("after start snapshot = %+v", snap)
	}

	// Once answered, the next slot triggers when it becomes due.
	f.repo.set("2025-03-01", 1)
	f.clk.Set(at(1, 11, 0))
	f.tick(t)
	if _, opens, _ := f.pres.counts(); opens != 2 {
		t.Fatalf("opens = %d, want 2", opens)
	}
	if tr := f.pres.lastOpen(); tr.Slot != 2 || tr.Overdue || tr.Completed != 1 {
		t.Fatalf("second trigger = %+v", tr)
	}
}

func TestNoTriggerBeforeFirstSlot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 8, 59), Config{})
	f.tick(t)
	if n, o, _ := f.pres.counts(); n != 0 || o != 0 {
		t.Fatalf("notifies=%d opens=%d before first slot", n, o)
	}
	snap := f.loop.Snapshot()
	if snap.Phase != Idle || snap.Status.NextPendingSlot != None || snap.Status.NextDisplayTime != "9:00 AM" {
		t.Fatalf("snapshot = %+v", snap)
	}

	f.clk.Set(at(1, 9, 0))
	f.tick(t)
	if _, o, _ := f.pres.counts(); o != 1 {
		t.Fatalf("opens = %d at 09:00, want 1", o)
	}
	if f.pres.lastOpen().Overdue {
		t.Fatal("09:00 is not overdue")
	}
}

func TestRemindLaterRetriggersAfterCooldown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 13, 5), Config{SnoozeCooldown: 20 * time.Millisecond})
	f.repo.set("2025-03-01", 1, 2)

	f.tick(t)
	if err := f.loop.RemindLater(context.Background()); err != nil {
		t.Fatalf("RemindLater: %v", err)
	}
	snap := f.loop.Snapshot()
	if snap.Phase != Snoozed || snap.State.ModalOpen || snap.State.LastTriggered != 3 {
		t.Fatalf("snoozed snapshot = %+v", snap)
	}
	f.tick(t)
	if _, opens, closes := f.pres.counts(); opens != 1 || closes != 1 {
		t.Fatalf("during snooze opens=%d closes=%d", opens, closes)
	}

	waitFor(t, "snooze expiry", func() bool {
		s := f.loop.Snapshot()
		return s.State.LastTriggered == None && s.Phase == Idle
	})
	f.tick(t)
	if _, opens, _ := f.pres.counts(); opens != 2 {
		t.Fatalf("opens = %d after snooze, want 2", opens)
	}
	if tr := f.pres.lastOpen(); tr.Slot != 3 {
		t.Fatalf("re-trigger slot = %d, want 3", tr.Slot)
	}
}

func TestRemindLaterWithoutPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 8, 0), Config{})
	f.tick(t)
	if err := f.loop.RemindLater(context.Background()); !errors.Is(err, ErrModalNotOpen) {
		t.Fatalf("err = %v, want ErrModalNotOpen", err)
	}
	if _, err := f.loop.StartInterrupt(context.Background()); !errors.Is(err, ErrNoPendingSlot) {
		t.Fatalf("StartInterrupt err = %v, want ErrNoPendingSlot", err)
	}
}

func TestDayRolloverClearsStateBeforeQuery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 14, 0), Config{})
	f.repo.set("2025-03-01", 1, 2, 3)
	f.tick(t)
	if got := f.loop.Snapshot().Completed; len(got) != 3 {
		t.Fatalf("completed on day 1 = %v", got)
	}

	var (
		mu   sync.Mutex
		seen *Snapshot
	)
	f.repo.mu.Lock()
	f.repo.onList = func(date string) {
		if date != "2025-03-02" {
			return
		}
		s := f.loop.Snapshot()
		mu.Lock()
		if seen == nil {
			seen = &s
		}
		mu.Unlock()
	}
	f.repo.mu.Unlock()

	rollovers, unsub := f.bus.Subscribe(4, EventRollover)
	defer unsub()

	f.clk.Set(at(2, 0, 1))
	f.tick(t)

	mu.Lock()
	defer mu.Unlock()
	if seen == nil {
		t.Fatal("repository was not queried for the new day")
	}
	if seen.State.ReferenceDate != "2025-03-02" || len(seen.Completed) != 0 || seen.State.LastTriggered != None || seen.State.ModalOpen {
		t.Fatalf("state during re-query = %+v", *seen)
	}
	select {
	case e := <-rollovers:
		if n, ok := e.Data.(Notice); !ok || n.Date != "2025-03-02" || n.Reason != "2025-03-01" {
			t.Fatalf("rollover event = %+v", e)
		}
	default:
		t.Fatal("no rollover event")
	}
}

func TestRolloverClosesOpenPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 19, 30), Config{})
	f.repo.set("2025-03-01", 1, 2, 3, 4, 5)
	f.tick(t)
	if tr := f.pres.lastOpen(); tr.Slot != 6 {
		t.Fatalf("slot = %d, want 6", tr.Slot)
	}

	f.clk.Set(at(2, 9, 10))
	f.tick(t)
	_, opens, closes := f.pres.counts()
	if closes != 1 {
		t.Fatalf("closes = %d, want 1", closes)
	}
	if opens != 2 || f.pres.lastOpen().Slot != 1 || f.pres.lastOpen().Date != "2025-03-02" {
		t.Fatalf("new day trigger = %+v (opens %d)", f.pres.lastOpen(), opens)
	}
}

func TestReadFailureKeepsCachedSlots(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 11, 30), Config{})
	f.repo.set("2025-03-01", 1)
	f.tick(t)
	if tr := f.pres.lastOpen(); tr.Slot != 2 {
		t.Fatalf("slot = %d, want 2", tr.Slot)
	}
	if _, err := f.loop.StartInterrupt(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.repo.fail(errors.New("connection reset"))
	f.tick(t)
	snap := f.loop.Snapshot()
	if len(snap.Completed) != 1 || snap.Completed[0] != 1 {
		t.Fatalf("completed after failed read = %v, want [1]", snap.Completed)
	}
	if _, opens, _ := f.pres.counts(); opens != 1 {
		t.Fatalf("opens = %d, want 1", opens)
	}
}

func TestNotifyFailureStillOpensPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 30), Config{})
	f.pres.notifyErr = errors.New("permission denied")
	f.tick(t)
	notifies, opens, _ := f.pres.counts()
	if notifies != 1 || opens != 1 {
		t.Fatalf("notifies=%d opens=%d", notifies, opens)
	}
	if f.loop.Snapshot().Phase != ModalOpen {
		t.Fatalf("phase = %v", f.loop.Snapshot().Phase)
	}
}

func TestOpenFailureSnoozes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 30), Config{SnoozeCooldown: time.Hour})
	f.pres.openErr = errors.New("chat unreachable")
	f.tick(t)
	snap := f.loop.Snapshot()
	if snap.Phase != Snoozed || snap.State.ModalOpen || snap.State.LastTriggered != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	f.tick(t)
	if n, _, _ := f.pres.counts(); n != 1 {
		t.Fatalf("notifies = %d during snooze, want 1", n)
	}
}

func TestVisibilityWakeRetriesFailedPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 30), Config{SnoozeCooldown: time.Hour})
	f.pres.setOpenErr(errors.New("no client connected"))
	f.tick(t)
	if f.loop.Snapshot().Phase != Snoozed {
		t.Fatalf("phase = %v, want snoozed", f.loop.Snapshot().Phase)
	}

	// A plain tick keeps the snooze.
	f.pres.setOpenErr(nil)
	f.clk.Advance(5 * time.Second)
	f.tick(t)
	if _, o, _ := f.pres.counts(); o != 0 {
		t.Fatalf("opens = %d on interval tick, want 0", o)
	}

	if err := f.loop.Tick(context.Background(), WakeVisibility); err != nil {
		t.Fatal(err)
	}
	if _, o, _ := f.pres.counts(); o != 1 {
		t.Fatalf("opens after visibility wake = %d, want 1", o)
	}
	snap := f.loop.Snapshot()
	if snap.Phase != ModalOpen || !snap.State.ModalOpen || snap.State.LastTriggered != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestFocusWakeKeepsRemindLater(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 30), Config{SnoozeCooldown: time.Hour})
	f.tick(t)
	if err := f.loop.RemindLater(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.loop.Tick(context.Background(), WakeFocus); err != nil {
		t.Fatal(err)
	}
	if _, o, _ := f.pres.counts(); o != 1 {
		t.Fatalf("opens = %d, a user snooze must hold through focus", o)
	}
	if f.loop.Snapshot().Phase != Snoozed {
		t.Fatalf("phase = %v, want snoozed", f.loop.Snapshot().Phase)
	}
}

func TestStartWhileOpeningClosesPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 30), Config{})
	var (
		slot int
		err  error
	)
	f.pres.onNotify = func() { slot, err = f.loop.StartInterrupt(context.Background()) }
	f.tick(t)
	if err != nil || slot != 1 {
		t.Fatalf("StartInterrupt = %d, %v", slot, err)
	}

	order := f.pres.calls()
	if len(order) == 0 || order[len(order)-1] != "close" {
		t.Fatalf("presenter calls = %v, the prompt must end closed", order)
	}
	snap := f.loop.Snapshot()
	if snap.Phase != Idle || snap.State.ModalOpen {
		t.Fatalf("snapshot = %+v", snap)
	}
	f.tick(t)
	if _, o, _ := f.pres.counts(); o != 1 {
		t.Fatalf("opens = %d, started slot must not re-trigger", o)
	}
}

func TestRemindLaterWhileOpeningClosesPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 30), Config{SnoozeCooldown: time.Hour})
	var err error
	f.pres.onNotify = func() { err = f.loop.RemindLater(context.Background()) }
	f.tick(t)
	if err != nil {
		t.Fatalf("RemindLater: %v", err)
	}
	if order := f.pres.calls(); order[len(order)-1] != "close" {
		t.Fatalf("presenter calls = %v", order)
	}
	if f.loop.Snapshot().Phase != Snoozed {
		t.Fatalf("phase = %v, want snoozed", f.loop.Snapshot().Phase)
	}
}

func TestPhaseText(t *testing.T) {
	t.Parallel()
	b, err := json.Marshal(Snapshot{Phase: Snoozed})
	if err != nil {
		t.Fatal(err)
	}
	var back Snapshot
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	if back.Phase != Snoozed {
		t.Fatalf("phase = %v", back.Phase)
	}
	var p Phase
	if err := p.UnmarshalText([]byte("asleep")); err == nil {
		t.Fatal("expected error for unknown phase")
	}
}

func TestNothingPendingClosesPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 30), Config{})
	f.tick(t)

	// Answered through another surface while the prompt is open.
	f.repo.set("2025-03-01", 1)
	f.tick(t)
	_, _, closes := f.pres.counts()
	snap := f.loop.Snapshot()
	if closes != 1 || snap.Phase != Idle || snap.State.ModalOpen {
		t.Fatalf("closes=%d snapshot=%+v", closes, snap)
	}
}

func TestStaleReadDoesNotCommit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 30), Config{})
	f.repo.gate = make(chan struct{})
	f.repo.inside = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.loop.Tick(context.Background(), "slow")
	}()
	<-f.repo.inside

	// The slot gets answered; a newer tick sees it and commits first.
	f.repo.set("2025-03-01", 1)
	f.tick(t)
	close(f.repo.gate)
	<-done

	snap := f.loop.Snapshot()
	if len(snap.Completed) != 1 {
		t.Fatalf("completed = %v, the older empty read must not win", snap.Completed)
	}
	if n, o, _ := f.pres.counts(); n != 0 || o != 0 {
		t.Fatalf("notifies=%d opens=%d, want none", n, o)
	}
}

func TestConcurrentTicksTriggerOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 15, 1), Config{})
	f.repo.set("2025-03-01", 1, 2, 3)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.loop.Tick(context.Background(), "race")
		}()
	}
	wg.Wait()
	if n, o, _ := f.pres.counts(); n != 1 || o != 1 {
		t.Fatalf("notifies=%d opens=%d, want 1/1", n, o)
	}
}

type panicClock struct{}

func (panicClock) Now() time.Time           { panic("tzdata missing") }
func (panicClock) Location() *time.Location { return time.UTC }

func TestClockFailureAbortsTick(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	pres := &fakePresenter{}
	l := NewLoop(Config{UserID: "u1"}, DefaultTable(), panicClock{}, repo, pres, nil, logx.Nop())
	if err := l.Tick(context.Background(), "test"); !errors.Is(err, ErrClock) {
		t.Fatalf("err = %v, want ErrClock", err)
	}
	if repo.callCount() != 0 {
		t.Fatal("repository should not be queried")
	}
	if snap := l.Snapshot(); snap.State.ReferenceDate != "" {
		t.Fatalf("state mutated: %+v", snap)
	}
}

type manualSource struct {
	mu   sync.Mutex
	fn   func(string)
	gone bool
}

func (s *manualSource) Subscribe(fn func(string)) func() {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.fn = nil
		s.gone = true
		s.mu.Unlock()
	}
}

func (s *manualSource) fire(reason string) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

func (s *manualSource) released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gone
}

func TestRunWakesAndReleases(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 8, 0), Config{TickInterval: time.Hour})
	src := &manualSource{}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.loop.Run(ctx, src) }()

	waitFor(t, "initial tick", func() bool { return f.repo.callCount() >= 1 })
	if err := f.loop.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run err = %v", err)
	}

	// Returning to the app after the first slot passed catches up immediately.
	f.clk.Set(at(1, 9, 20))
	src.fire(WakeVisibility)
	waitFor(t, "catch-up trigger", func() bool {
		_, o, _ := f.pres.counts()
		return o == 1
	})

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if !src.released() {
		t.Fatal("wake source was not released")
	}
}

func TestApplyKeepsUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 8, 0), Config{})
	f.loop.Apply(Config{UserID: "other", TickInterval: time.Minute})
	if f.loop.UserID() != "u1" {
		t.Fatalf("user = %q", f.loop.UserID())
	}
	if f.loop.interval() != time.Minute {
		t.Fatalf("interval = %v", f.loop.interval())
	}
}

func TestTriggerPublishesEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, at(1, 9, 0), Config{})
	ch, unsub := f.bus.Subscribe(8, EventTriggered, EventClosed)
	defer unsub()

	f.tick(t)
	if _, err := f.loop.StartInterrupt(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{EventTriggered, EventClosed}
	for _, typ := range want {
		select {
		case e := <-ch:
			if e.Type != typ || e.UserID != "u1" {
				t.Fatalf("event = %+v, want %s", e, typ)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s", typ)
		}
	}
}
