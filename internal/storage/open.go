package storage

import (
	"errors"
	"sort"
	"strings"

	logx "ritualbot/pkg/logx"
)

// Open initializes the configured store.
// An empty driver or "none" returns ErrDisabled: the scheduler needs a record store.
func Open(cfg Config, log logx.Logger) (Repository, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "none":
		return nil, ErrDisabled
	case "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql", "pq":
		return openPostgres(cfg, log)
	case "bolt", "bbolt":
		return openBolt(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func slotsOf(cs []Completion) []int {
	out := make([]int, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Slot)
	}
	sort.Ints(out)
	return out
}

func sortBySlot(cs []Completion) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Slot < cs[j].Slot })
}
