package interrupt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "ritualbot/pkg/logx"
)

// CronWaker wakes subscribers at every slot start and at midnight in the
// reference timezone, so a slot is noticed without waiting for the next tick
// and the day rolls over promptly.
type CronWaker struct {
	c   *cron.Cron
	loc *time.Location
	log logx.Logger

	mu   sync.Mutex
	subs map[uint64]func(reason string)
	seq  uint64
}

func NewCronWaker(table Table, loc *time.Location, log logx.Logger) (*CronWaker, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.UTC
	}
	w := &CronWaker{
		c:    cron.New(cron.WithLocation(loc), cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow))),
		loc:  loc,
		log:  log.With(logx.String("comp", "cron_waker")),
		subs: map[uint64]func(string){},
	}
	for _, s := range table.Slots() {
		spec := fmt.Sprintf("%d %d * * *", s.At.Minute, s.At.Hour)
		if _, err := w.c.AddFunc(spec, func() { w.fire(WakeSchedule) }); err != nil {
			return nil, fmt.Errorf("slot %d: %w", s.Number, err)
		}
	}
	if _, err := w.c.AddFunc("0 0 * * *", func() { w.fire(WakeSchedule) }); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *CronWaker) Subscribe(fn func(reason string)) func() {
	w.mu.Lock()
	w.seq++
	id := w.seq
	w.subs[id] = fn
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subs, id)
			w.mu.Unlock()
		})
	}
}

func (w *CronWaker) fire(reason string) {
	w.mu.Lock()
	fns := make([]func(string), 0, len(w.subs))
	for _, fn := range w.subs {
		fns = append(fns, fn)
	}
	w.mu.Unlock()
	w.log.Debug("schedule wake", logx.Int("subscribers", len(fns)))
	for _, fn := range fns {
		fn(reason)
	}
}

// Next returns the next wake instant after t.
func (w *CronWaker) Next(t time.Time) time.Time {
	t = t.In(w.loc)
	var next time.Time
	for _, e := range w.c.Entries() {
		n := e.Schedule.Next(t)
		if next.IsZero() || n.Before(next) {
			next = n
		}
	}
	return next
}

func (w *CronWaker) Start() {
	w.c.Start()
	w.log.Info("started", logx.Int("entries", len(w.c.Entries())))
}

func (w *CronWaker) Stop(ctx context.Context) {
	select {
	case <-w.c.Stop().Done():
	case <-ctx.Done():
	}
}
