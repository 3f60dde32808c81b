package clock

import (
	"testing"
	"time"
)

func TestReferenceIgnoresHostLocation(t *testing.T) {
	t.Parallel()
	c, err := New("Asia/Kolkata")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// 2025-03-01 20:00 UTC is 2025-03-02 01:30 IST.
	c.now = func() time.Time { return time.Date(2025, time.March, 1, 20, 0, 0, 0, time.UTC) }

	if got := Today(c); got != "2025-03-02" {
		t.Fatalf("Today = %s, want 2025-03-02", got)
	}
	if Hour(c) != 1 || Minute(c) != 30 {
		t.Fatalf("wall clock = %02d:%02d, want 01:30", Hour(c), Minute(c))
	}
}

func TestNewDefaultsAndRejectsUnknownZone(t *testing.T) {
	t.Parallel()
	c, err := New("")
	if err != nil {
		t.Fatalf("New(\"\"): %v", err)
	}
	if c.Location().String() != DefaultTimezone {
		t.Fatalf("location = %s, want %s", c.Location(), DefaultTimezone)
	}
	if _, err := New("Mars/Olympus_Mons"); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestManualAdvance(t *testing.T) {
	t.Parallel()
	loc, err := LoadLocation("Europe/Moscow")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	m := NewManual(time.Date(2025, time.May, 5, 23, 59, 0, 0, loc))
	if Today(m) != "2025-05-05" {
		t.Fatalf("Today = %s", Today(m))
	}
	m.Advance(2 * time.Minute)
	if Today(m) != "2025-05-06" {
		t.Fatalf("after advance Today = %s", Today(m))
	}
}
