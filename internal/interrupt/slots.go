package interrupt

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SlotCount is the number of daily interrupt slots.
const SlotCount = 6

// None is the slot number meaning "no slot".
const None = 0

// DefaultTimes are the slot start times in the reference timezone.
var DefaultTimes = []string{"09:00", "11:00", "13:00", "15:00", "17:00", "19:00"}

// TimeOfDay is a wall-clock time in the reference timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// At returns the wall-clock component of t. t must already be in the reference location.
func At(t time.Time) TimeOfDay { return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()} }

func (t TimeOfDay) minutes() int { return t.Hour*60 + t.Minute }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// Label renders the time the way prompts show it, e.g. "9:00 AM".
func (t TimeOfDay) Label() string {
	return time.Date(2000, time.January, 1, t.Hour, t.Minute, 0, 0, time.UTC).Format("3:04 PM")
}

// Slot is one daily interrupt opportunity.
type Slot struct {
	Number int
	At     TimeOfDay
	Label  string
}

// Table is the ordered schedule of SlotCount slots. Immutable once built.
type Table struct {
	slots [SlotCount]Slot
}

// DefaultTable returns the 09:00..19:00 two-hourly schedule.
func DefaultTable() Table {
	t, err := NewTable(DefaultTimes)
	if err != nil {
		panic(err)
	}
	return t
}

// NewTable builds a table from SlotCount "HH:MM" times, strictly ascending.
// Slot numbers follow the order of times, starting at 1.
func NewTable(times []string) (Table, error) {
	var t Table
	if len(times) != SlotCount {
		return t, fmt.Errorf("schedule needs %d slot times, got %d", SlotCount, len(times))
	}
	prev := -1
	for i, raw := range times {
		h, m, err := parseHHMM(raw)
		if err != nil {
			return Table{}, fmt.Errorf("slot %d: %w", i+1, err)
		}
		at := TimeOfDay{Hour: h, Minute: m}
		if at.minutes() <= prev {
			return Table{}, fmt.Errorf("slot %d (%s) is not after slot %d", i+1, at, i)
		}
		prev = at.minutes()
		t.slots[i] = Slot{Number: i + 1, At: at, Label: at.Label()}
	}
	return t, nil
}

// Slots returns a copy of the slots in ascending order.
func (t Table) Slots() []Slot {
	out := make([]Slot, SlotCount)
	copy(out, t.slots[:])
	return out
}

// Lookup returns the slot with the given number.
func (t Table) Lookup(n int) (Slot, bool) {
	if !validSlot(n) {
		return Slot{}, false
	}
	return t.slots[n-1], true
}

func validSlot(n int) bool { return n >= 1 && n <= SlotCount }

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// SlotSet is a set of slot numbers. Numbers outside 1..SlotCount are never members.
type SlotSet uint8

// NewSlotSet builds a set, silently dropping out-of-range numbers.
func NewSlotSet(nums ...int) SlotSet {
	var s SlotSet
	for _, n := range nums {
		s = s.With(n)
	}
	return s
}

func (s SlotSet) With(n int) SlotSet {
	if !validSlot(n) {
		return s
	}
	return s | 1<<(n-1)
}

func (s SlotSet) Has(n int) bool {
	return validSlot(n) && s&(1<<(n-1)) != 0
}

func (s SlotSet) Len() int {
	n := 0
	for i := 1; i <= SlotCount; i++ {
		if s.Has(i) {
			n++
		}
	}
	return n
}

// Numbers lists the members in ascending order.
func (s SlotSet) Numbers() []int {
	out := make([]int, 0, SlotCount)
	for i := 1; i <= SlotCount; i++ {
		if s.Has(i) {
			out = append(out, i)
		}
	}
	return out
}
