package interrupt

import (
	"testing"
	"time"

	logx "ritualbot/pkg/logx"
)

func TestCronWakerNext(t *testing.T) {
	t.Parallel()
	w, err := NewCronWaker(DefaultTable(), ist, logx.Nop())
	if err != nil {
		t.Fatalf("NewCronWaker: %v", err)
	}
	cases := []struct {
		from time.Time
		want time.Time
	}{
		{at(1, 10, 15), at(1, 11, 0)},
		{at(1, 8, 59), at(1, 9, 0)},
		{at(1, 19, 30), at(2, 0, 0)},
		{at(1, 0, 0), at(1, 9, 0)},
	}
	for _, tc := range cases {
		if got := w.Next(tc.from); !got.Equal(tc.want) {
			t.Fatalf("Next(%s) = %s, want %s", tc.from, got, tc.want)
		}
	}
}

func TestCronWakerFanout(t *testing.T) {
	t.Parallel()
	w, err := NewCronWaker(DefaultTable(), ist, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	var a, b []string
	unsubA := w.Subscribe(func(r string) { a = append(a, r) })
	w.Subscribe(func(r string) { b = append(b, r) })

	w.fire(WakeSchedule)
	unsubA()
	unsubA()
	w.fire(WakeSchedule)

	if len(a) != 1 || len(b) != 2 || a[0] != WakeSchedule {
		t.Fatalf("a=%v b=%v", a, b)
	}
}
