package interrupt

// Status is everything the resolver derives from (now, completed).
// It doubles as the badge shown by hosting UIs.
type Status struct {
	CurrentSlot     int    `json:"current_slot"`
	NextPendingSlot int    `json:"next_pending_slot"`
	IsOverdue       bool   `json:"is_overdue"`
	NextDisplayTime string `json:"next_display_time,omitempty"`
	CompletedCount  int    `json:"completed_count"`
	AllComplete     bool   `json:"all_complete"`
}

// CurrentEligibleSlot returns the highest slot whose start time is <= now,
// or None before the first slot. Slot SlotCount stays eligible until midnight.
func (t Table) CurrentEligibleSlot(now TimeOfDay) int {
	for i := SlotCount - 1; i >= 0; i-- {
		if now.minutes() >= t.slots[i].At.minutes() {
			return t.slots[i].Number
		}
	}
	return None
}

// NextPendingSlot returns the first eligible slot not in completed, or None.
func (t Table) NextPendingSlot(now TimeOfDay, completed SlotSet) int {
	cur := t.CurrentEligibleSlot(now)
	for n := 1; n <= cur; n++ {
		if !completed.Has(n) {
			return n
		}
	}
	return None
}

// IsOverdue reports whether now's hour is strictly past the slot's hour.
// Same hour is not overdue.
func (t Table) IsOverdue(slot int, now TimeOfDay) bool {
	s, ok := t.Lookup(slot)
	if !ok {
		return false
	}
	return now.Hour > s.At.Hour
}

// NextDisplayTime returns the label of the first slot (in 1..SlotCount order,
// regardless of the time of day) that is not completed.
func (t Table) NextDisplayTime(completed SlotSet) (string, bool) {
	for _, s := range t.slots {
		if !completed.Has(s.Number) {
			return s.Label, true
		}
	}
	return "", false
}

// Resolve bundles all resolver outputs.
func (t Table) Resolve(now TimeOfDay, completed SlotSet) Status {
	st := Status{
		CurrentSlot:     t.CurrentEligibleSlot(now),
		NextPendingSlot: t.NextPendingSlot(now, completed),
		CompletedCount:  completed.Len(),
		AllComplete:     completed.Len() == SlotCount,
	}
	if st.NextPendingSlot != None {
		st.IsOverdue = t.IsOverdue(st.NextPendingSlot, now)
	}
	st.NextDisplayTime, _ = t.NextDisplayTime(completed)
	return st
}
