package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks structural rules that do not need the domain packages.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if len(cfg.Users) == 0 {
		errs = append(errs, errors.New("users: at least one user is required"))
	}
	seen := map[string]bool{}
	chats := map[int64]string{}
	for i, u := range cfg.Users {
		id := strings.TrimSpace(u.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("users[%d].id: required", i))
		case seen[id]:
			errs = append(errs, fmt.Errorf("users[%d].id: duplicate %q", i, id))
		}
		seen[id] = true
		if u.ChatID != 0 {
			if other, ok := chats[u.ChatID]; ok {
				errs = append(errs, fmt.Errorf("users[%d].chat_id: already used by %q", i, other))
			}
			chats[u.ChatID] = id
		}
	}

	durations := map[string]string{
		"interrupts.tick_interval":   cfg.Interrupts.TickInterval,
		"interrupts.snooze_cooldown": cfg.Interrupts.SnoozeCooldown,
		"interrupts.fetch_timeout":   cfg.Interrupts.FetchTimeout,
		"storage.busy_timeout":       cfg.Storage.BusyTimeout,
		"notifier.retry_base":        cfg.Notifier.RetryBase,
		"notifier.retry_max_delay":   cfg.Notifier.RetryMaxDelay,
		"notifier.dedup_window":      cfg.Notifier.DedupWindow,
		"telegram.poll_timeout":      cfg.Telegram.PollTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "memory", "mem", "file", "sqlite", "sqlite3", "bolt", "bbolt":
		if d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d != "memory" && d != "mem" && strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, fmt.Errorf("storage.path: required for driver %q", cfg.Storage.Driver))
		}
	case "postgres", "postgresql", "pq":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn: required for postgres (or set RITUAL_STORAGE_DSN)"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}

	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token: required when telegram is enabled (or set RITUAL_TELEGRAM_TOKEN)"))
	}
	if cfg.Pprof.MutexProfileFraction < 0 || cfg.Pprof.BlockProfileRate < 0 {
		errs = append(errs, errors.New("pprof: profile rates must be >= 0"))
	}
	return errors.Join(errs...)
}
