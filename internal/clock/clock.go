// Package clock reads wall-clock time in a single reference timezone.
//
// Every "today" and "time of day" comparison in the service goes through a
// Clock so the host machine's locale never leaks into scheduling.
package clock

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DateLayout is the day-boundary string format (YYYY-MM-DD).
const DateLayout = "2006-01-02"

// DefaultTimezone is used when no reference timezone is configured.
const DefaultTimezone = "Asia/Kolkata"

// Clock produces the current instant in the reference timezone.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// Reference is the production clock: system time converted to a fixed location.
type Reference struct {
	loc *time.Location
	now func() time.Time
}

// New loads tz from the IANA database. An empty tz selects DefaultTimezone.
func New(tz string) (*Reference, error) {
	loc, err := LoadLocation(tz)
	if err != nil {
		return nil, err
	}
	return &Reference{loc: loc, now: time.Now}, nil
}

// LoadLocation resolves a reference timezone name.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("reference timezone %q: %w", tz, err)
	}
	return loc, nil
}

func (r *Reference) Now() time.Time           { return r.now().In(r.loc) }
func (r *Reference) Location() *time.Location { return r.loc }

// Today returns the reference-timezone calendar date as YYYY-MM-DD.
func Today(c Clock) string { return c.Now().Format(DateLayout) }

// Hour and Minute return wall-clock components in the reference timezone.
func Hour(c Clock) int   { return c.Now().Hour() }
func Minute(c Clock) int { return c.Now().Minute() }

// Manual is a settable clock for tests and simulations. Safe for concurrent use.
type Manual struct {
	mu  sync.Mutex
	t   time.Time
	loc *time.Location
}

// NewManual returns a Manual clock fixed at t, reporting times in t's location.
func NewManual(t time.Time) *Manual {
	return &Manual{t: t, loc: t.Location()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t.In(m.loc)
}

func (m *Manual) Location() *time.Location { return m.loc }

// Set moves the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.t = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.t = m.t.Add(d)
	m.mu.Unlock()
}
