package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ritualbot/internal/eventbus"
	"ritualbot/internal/interrupt"
	rtsup "ritualbot/internal/runtime/supervisor"
	logx "ritualbot/pkg/logx"
)

const (
	historySize = 100
	sendTimeout = 10 * time.Second
)

// Service queues rendered triggers and delivers them to every sink through
// a worker pool with rate limiting, retries and per-slot dedup.
//
// As an interrupt.Presenter it only notifies; OpenModal reports
// ErrUnsupported so a sibling presenter shows the prompt.
type Service struct {
	log   logx.Logger
	sinks []Sink
	bus   eventbus.Bus

	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	run      *pipeline
	inflight sync.WaitGroup

	dmu  sync.Mutex
	seen map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// pipeline is one Start..Stop generation of the queue and its workers.
type pipeline struct {
	queue   chan Message
	sup     *rtsup.Supervisor
	closing bool
}

var _ interrupt.Presenter = (*Service)(nil)

func New(cfg Config, sinks []Sink, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sinks: sinks,
		log:   log.With(logx.String("comp", "notifier")),
		bus:   bus,
		seen:  map[string]time.Time{},
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps rate, retry and dedup settings. Worker and queue sizes take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Start launches the workers. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil || !s.cfg.Enabled {
		return
	}
	p := &pipeline{
		queue: make(chan Message, s.cfg.QueueSize),
		sup:   rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.run = p
	for i := range s.cfg.Workers {
		p.sup.Go0(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) { s.work(c, p.queue) })
	}
	s.log.Info("notifier started", logx.Int("workers", s.cfg.Workers), logx.Int("sinks", len(s.sinks)))
}

// Stop refuses new messages, lets the workers drain the queue and waits for
// them until ctx ends. Leftover sends are then cancelled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	p := s.run
	if p == nil || p.closing {
		s.mu.Unlock()
		return
	}
	p.closing = true
	s.mu.Unlock()

	s.inflight.Wait()
	close(p.queue)
	if err := p.sup.Wait(ctx); err != nil && ctx.Err() != nil {
		p.sup.Cancel()
		s.log.Warn("notifier stop timed out; queue abandoned", logx.Int("left", len(p.queue)))
	}

	s.mu.Lock()
	if s.run == p {
		s.run = nil
	}
	s.mu.Unlock()
}

// Notify renders t and queues it. It never waits for delivery.
func (s *Service) Notify(ctx context.Context, t interrupt.Trigger) error {
	return s.Enqueue(ctx, Render(t))
}

func (s *Service) OpenModal(context.Context, interrupt.Trigger) error { return ErrUnsupported }

func (s *Service) CloseModal(context.Context, string) {}

// Render builds the notification text for a trigger.
func Render(t interrupt.Trigger) Message {
	body := fmt.Sprintf("Time for your %s check-in.", t.DisplayTime)
	if t.Overdue {
		body = fmt.Sprintf("Your %s check-in is overdue.", t.DisplayTime)
	}
	return Message{
		UserID: t.UserID,
		Date:   t.Date,
		Slot:   t.Slot,
		Title:  fmt.Sprintf("Interrupt #%d", t.Slot),
		Body:   fmt.Sprintf("%s %d/%d done today.", body, t.Completed, interrupt.SlotCount),
	}
}

func (s *Service) Enqueue(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	switch {
	case !s.cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case len(s.sinks) == 0:
		s.mu.Unlock()
		return ErrUnsupported
	case s.run == nil || s.run.closing:
		s.mu.Unlock()
		return ErrStopped
	}
	q, window := s.run.queue, s.cfg.DedupWindow
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	if window > 0 && !s.firstWithin(m.key(), window) {
		s.publish(EventDeduped, "", m, nil)
		return nil
	}
	select {
	case q <- m:
		s.publish(EventQueued, "", m, nil)
		return nil
	default:
		s.publish(EventDropped, "", m, ErrQueueFull)
		return ErrQueueFull
	}
}

// History returns the most recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) record(sink string, m Message) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Sink: sink, Text: m.Title + ": " + m.Body})
	if n := len(s.history) - historySize; n > 0 {
		s.history = append(s.history[:0], s.history[n:]...)
	}
}

func (s *Service) work(ctx context.Context, q <-chan Message) {
	for m := range q {
		for _, sink := range s.sinks {
			if ctx.Err() != nil {
				return
			}
			s.deliver(ctx, sink, m)
		}
	}
}

// deliver sends m to one sink, retrying transient errors with jittered
// exponential backoff.
func (s *Service) deliver(ctx context.Context, sink Sink, m Message) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()
	log := s.log.With(logx.String("sink", sink.Name()), logx.String("user", m.UserID), logx.Int("slot", m.Slot))

	var err error
	for attempt := 0; attempt <= cfg.RetryMax; attempt++ {
		if attempt > 0 && !sleep(ctx, backoff(cfg, attempt)) {
			return
		}
		if lim.Wait(ctx) != nil {
			return
		}
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err = sink.Send(sendCtx, m)
		cancel()
		if err == nil {
			s.record(sink.Name(), m)
			s.publish(EventSent, sink.Name(), m, nil)
			return
		}
		if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnsupported) {
			log.Warn("notification not deliverable", logx.Err(err))
			break
		}
		log.Debug("notification send failed", logx.Err(err), logx.Int("attempt", attempt+1))
	}
	s.publish(EventFailed, sink.Name(), m, err)
}

func (s *Service) publish(typ, sink string, m Message, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{Sink: sink, Slot: m.Slot, Title: m.Title, Body: m.Body, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, UserID: m.UserID, Time: now, Data: ev})
}

// firstWithin reports whether key was not seen in the last window.
func (s *Service) firstWithin(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.seen[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.seen {
		if !now.Before(until) {
			delete(s.seen, k)
		}
	}
	s.seen[key] = now.Add(window)
	return true
}

// backoff is RetryBase doubled per attempt, capped at RetryMaxDelay, with ±30% jitter.
func backoff(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase << min(attempt-1, 16)
	if d <= 0 || d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return min(time.Duration(float64(d)*(0.7+0.6*rand.Float64())), cfg.RetryMaxDelay)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
