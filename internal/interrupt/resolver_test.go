package interrupt

import "testing"

func tod(h, m int) TimeOfDay { return TimeOfDay{Hour: h, Minute: m} }

func TestCurrentEligibleSlot(t *testing.T) {
	t.Parallel()
	tab := DefaultTable()
	cases := []struct {
		now  TimeOfDay
		want int
	}{
		{tod(0, 0), None},
		{tod(8, 59), None},
		{tod(9, 0), 1},
		{tod(10, 59), 1},
		{tod(11, 0), 2},
		{tod(12, 0), 2},
		{tod(13, 0), 3},
		{tod(16, 30), 4},
		{tod(17, 0), 5},
		{tod(18, 59), 5},
		{tod(19, 0), 6},
		{tod(23, 59), 6},
	}
	for _, tc := range cases {
		if got := tab.CurrentEligibleSlot(tc.now); got != tc.want {
			t.Fatalf("CurrentEligibleSlot(%s) = %d, want %d", tc.now, got, tc.want)
		}
	}
}

func TestBeforeFirstSlotNothingPending(t *testing.T) {
	t.Parallel()
	tab := DefaultTable()
	for m := 0; m < 9*60; m++ {
		now := tod(m/60, m%60)
		if got := tab.NextPendingSlot(now, 0); got != None {
			t.Fatalf("NextPendingSlot(%s) = %d, want none", now, got)
		}
	}
}

func TestNextPendingSlotMonotonic(t *testing.T) {
	t.Parallel()
	tab := DefaultTable()
	sets := []SlotSet{0, NewSlotSet(1), NewSlotSet(2, 4), NewSlotSet(1, 2, 3), NewSlotSet(1, 2, 3, 4, 5, 6), NewSlotSet(6)}
	for _, completed := range sets {
		prev := None
		for m := 0; m < 24*60; m++ {
			got := tab.NextPendingSlot(tod(m/60, m%60), completed)
			if got != None && prev != None && got < prev {
				t.Fatalf("completed %v: pending went from %d to %d at minute %d", completed.Numbers(), prev, got, m)
			}
			if got == None && prev != None {
				t.Fatalf("completed %v: pending disappeared at minute %d", completed.Numbers(), m)
			}
			prev = got
		}
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	t.Parallel()
	tab := DefaultTable()
	now := tod(15, 42)
	completed := NewSlotSet(1, 3)
	a := tab.Resolve(now, completed)
	b := tab.Resolve(now, completed)
	if a != b {
		t.Fatalf("Resolve differs: %+v vs %+v", a, b)
	}
}

func TestResolverScenarios(t *testing.T) {
	t.Parallel()
	tab := DefaultTable()
	cases := []struct {
		name        string
		now         TimeOfDay
		completed   SlotSet
		current     int
		pending     int
		overdue     bool
		display     string
		allComplete bool
	}{
		{"late for first", tod(10, 15), 0, 1, 1, true, "9:00 AM", false},
		{"exactly on time", tod(9, 0), 0, 1, 1, false, "9:00 AM", false},
		{"all done", tod(20, 0), NewSlotSet(1, 2, 3, 4, 5, 6), 6, None, false, "", true},
		{"second due", tod(12, 0), NewSlotSet(1), 2, 2, true, "11:00 AM", false},
		{"same hour", tod(11, 59), NewSlotSet(1), 2, 2, false, "11:00 AM", false},
		{"early morning", tod(7, 0), 0, None, None, false, "9:00 AM", false},
		{"gap filled first", tod(16, 0), NewSlotSet(2, 3), 4, 1, true, "9:00 AM", false},
		{"corrupt data ignored", tod(9, 30), NewSlotSet(0, 7, 8), 1, 1, false, "9:00 AM", false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := tab.Resolve(tc.now, tc.completed)
			if st.CurrentSlot != tc.current {
				t.Fatalf("current = %d, want %d", st.CurrentSlot, tc.current)
			}
			if st.NextPendingSlot != tc.pending {
				t.Fatalf("pending = %d, want %d", st.NextPendingSlot, tc.pending)
			}
			if st.IsOverdue != tc.overdue {
				t.Fatalf("overdue = %v, want %v", st.IsOverdue, tc.overdue)
			}
			if st.NextDisplayTime != tc.display {
				t.Fatalf("display = %q, want %q", st.NextDisplayTime, tc.display)
			}
			if st.AllComplete != tc.allComplete {
				t.Fatalf("all complete = %v, want %v", st.AllComplete, tc.allComplete)
			}
		})
	}
}

func TestIsOverdueHourRule(t *testing.T) {
	t.Parallel()
	tab := DefaultTable()
	if !tab.IsOverdue(1, tod(10, 15)) {
		t.Fatal("10:15 should be overdue for the 09:00 slot")
	}
	if tab.IsOverdue(1, tod(9, 0)) || tab.IsOverdue(1, tod(9, 59)) {
		t.Fatal("same hour is not overdue")
	}
	if tab.IsOverdue(9, tod(23, 0)) {
		t.Fatal("unknown slot is never overdue")
	}
}

func TestNextDisplayTimeIgnoresClock(t *testing.T) {
	t.Parallel()
	tab := DefaultTable()
	if got, ok := tab.NextDisplayTime(NewSlotSet(1, 2)); !ok || got != "1:00 PM" {
		t.Fatalf("NextDisplayTime = %q, %v", got, ok)
	}
	if _, ok := tab.NextDisplayTime(NewSlotSet(1, 2, 3, 4, 5, 6)); ok {
		t.Fatal("all complete should have no next display time")
	}
}

func TestDescribeStatus(t *testing.T) {
	t.Parallel()
	tab := DefaultTable()
	cases := []struct {
		st   Status
		want string
	}{
		{tab.Resolve(tod(20, 0), NewSlotSet(1, 2, 3, 4, 5, 6)), "6/6 done, all complete"},
		{tab.Resolve(tod(10, 15), 0), "0/6 done, interrupt #1 overdue"},
		{tab.Resolve(tod(9, 5), 0), "0/6 done, interrupt #1 due"},
		{tab.Resolve(tod(9, 30), NewSlotSet(1)), "1/6 done, next 11:00 AM"},
	}
	for _, tc := range cases {
		if got := DescribeStatus(tc.st); got != tc.want {
			t.Fatalf("DescribeStatus = %q, want %q", got, tc.want)
		}
	}
}
