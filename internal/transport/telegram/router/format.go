package router

import (
	"fmt"
	"strconv"
	"strings"

	"ritualbot/internal/interrupt"
	"ritualbot/internal/storage"
	kit "ritualbot/internal/transport"
)

// Callback actions carried on the prompt buttons as "<action>:<slot>".
const (
	actionStart = "start"
	actionLater = "later"
)

func callbackData(action string, slot int) string {
	return action + ":" + strconv.Itoa(slot)
}

func parseCallback(data string) (action string, slot int, ok bool) {
	action, raw, found := strings.Cut(strings.TrimSpace(data), ":")
	if !found || (action != actionStart && action != actionLater) {
		return "", 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > interrupt.SlotCount {
		return "", 0, false
	}
	return action, n, true
}

// parseCommand splits "/today@ritualbot arg" into ("today", ["arg"]).
// Plain text returns an empty command.
func parseCommand(text string) (string, []string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", nil
	}
	cmd, _, _ := strings.Cut(fields[0], "@")
	return strings.ToLower(cmd), fields[1:]
}

func progressBar(done int) string {
	done = min(max(done, 0), interrupt.SlotCount)
	return strings.Repeat("●", done) + strings.Repeat("○", interrupt.SlotCount-done)
}

func modalText(t interrupt.Trigger) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚡ Interrupt #%d\n", t.Slot)
	if t.Overdue {
		fmt.Fprintf(&b, "Your %s check-in is overdue. Take a moment now.\n", t.DisplayTime)
	} else {
		fmt.Fprintf(&b, "It's %s, time for a quick check-in.\n", t.DisplayTime)
	}
	fmt.Fprintf(&b, "%s %d/%d today", progressBar(t.Completed), t.Completed, interrupt.SlotCount)
	return b.String()
}

func modalButtons(slot int) [][]kit.Button {
	return [][]kit.Button{{
		{Text: "Start Interrupt", Data: callbackData(actionStart, slot)},
		{Text: "Remind Me Later", Data: callbackData(actionLater, slot)},
	}}
}

func closedText(slot int, reason string) string {
	switch reason {
	case "snoozed":
		return fmt.Sprintf("⏸ Interrupt #%d snoozed.", slot)
	case "started":
		return fmt.Sprintf("▶️ Interrupt #%d started.", slot)
	default:
		return fmt.Sprintf("Interrupt #%d closed.", slot)
	}
}

func promptText(slot int, p interrupt.Prompt) string {
	return fmt.Sprintf("Interrupt #%d\n\n%s\n\nReply with your answer, or /cancel.", slot, p.Text)
}

func statusText(st interrupt.Status, table interrupt.Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", progressBar(st.CompletedCount), interrupt.DescribeStatus(st))
	if !st.AllComplete && st.NextPendingSlot != interrupt.None {
		if s, ok := table.Lookup(st.NextPendingSlot); ok && st.IsOverdue {
			fmt.Fprintf(&b, "\nUse /interrupt to answer #%d (due %s).", s.Number, s.Label)
		}
	}
	return b.String()
}

func todayText(date string, items []storage.Completion, table interrupt.Table) string {
	if len(items) == 0 {
		return fmt.Sprintf("%s: no interrupts answered yet.", date)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d/%d answered", date, len(items), interrupt.SlotCount)
	for _, c := range items {
		label := ""
		if s, ok := table.Lookup(c.Slot); ok {
			label = " (" + s.Label + ")"
		}
		fmt.Fprintf(&b, "\n#%d%s: %s", c.Slot, label, ellipsize(c.Response, 80))
	}
	return b.String()
}

func ellipsize(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}
