package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ritualbot/internal/clock"
	"ritualbot/internal/config"
	"ritualbot/internal/interrupt"
	"ritualbot/internal/notifier"
	"ritualbot/internal/observability/pprof"
	"ritualbot/internal/storage"
	logx "ritualbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	pc := cfg.Pprof
	return pprof.Config{
		Addr:                 strings.TrimSpace(pc.Addr),
		Token:                strings.TrimSpace(pc.Token),
		AllowInsecure:        pc.AllowInsecure,
		MutexProfileFraction: pc.MutexProfileFraction,
		BlockProfileRate:     pc.BlockProfileRate,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(sc.Driver),
		Path:        strings.TrimSpace(sc.Path),
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	base, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, 5*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 {
		return notifier.Config{}, errors.New("notifier: workers, queue_size, rate_per_sec and retry_max must be >= 0")
	}
	return notifier.Config{
		Enabled:       nc.Enabled,
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   dedup,
		Console:       nc.Console,
		Bell:          nc.Bell,
	}, nil
}

// mapLoopConfig maps the shared timing section; the caller sets UserID.
func mapLoopConfig(cfg *config.Config) (interrupt.Config, error) {
	ic := cfg.Interrupts
	tick, err := config.ParseDurationOrDefault("interrupts.tick_interval", ic.TickInterval, interrupt.DefaultTickInterval)
	if err != nil {
		return interrupt.Config{}, err
	}
	snooze, err := config.ParseDurationOrDefault("interrupts.snooze_cooldown", ic.SnoozeCooldown, interrupt.DefaultSnoozeCooldown)
	if err != nil {
		return interrupt.Config{}, err
	}
	fetch, err := config.ParseDurationOrDefault("interrupts.fetch_timeout", ic.FetchTimeout, interrupt.DefaultFetchTimeout)
	if err != nil {
		return interrupt.Config{}, err
	}
	return interrupt.Config{TickInterval: tick, SnoozeCooldown: snooze, FetchTimeout: fetch}, nil
}

func buildTable(cfg *config.Config) (interrupt.Table, error) {
	if len(cfg.Interrupts.Slots) == 0 {
		return interrupt.DefaultTable(), nil
	}
	t, err := interrupt.NewTable(cfg.Interrupts.Slots)
	if err != nil {
		return interrupt.Table{}, fmt.Errorf("interrupts.slots: %w", err)
	}
	return t, nil
}

func buildPrompts(cfg *config.Config, seed uint64) *interrupt.PromptBook {
	if len(cfg.Interrupts.Prompts) == 0 {
		return interrupt.NewPromptBook(nil, seed)
	}
	ps := make([]interrupt.Prompt, 0, len(cfg.Interrupts.Prompts))
	for _, p := range cfg.Interrupts.Prompts {
		ps = append(ps, interrupt.Prompt{ID: p.ID, Text: p.Text, Category: p.Category})
	}
	return interrupt.NewPromptBook(ps, seed)
}

func timezoneOf(cfg *config.Config) string {
	if tz := strings.TrimSpace(cfg.Interrupts.Timezone); tz != "" {
		return tz
	}
	return clock.DefaultTimezone
}

// validate checks the parts of cfg that need the domain packages. It backs
// the config manager's reload validator so a bad edit never reaches a loop.
func validate(_ context.Context, cfg *config.Config) error {
	var errs []error
	if _, err := clock.LoadLocation(timezoneOf(cfg)); err != nil {
		errs = append(errs, fmt.Errorf("interrupts.timezone: %w", err))
	}
	if _, err := buildTable(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapLoopConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if cfg.Pprof.Enabled {
		if err := pprof.New(mapPprofConfig(cfg), logx.Nop()).Check(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
