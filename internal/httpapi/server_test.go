package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ritualbot/internal/clock"
	"ritualbot/internal/eventbus"
	"ritualbot/internal/interrupt"
	"ritualbot/internal/storage"
	logx "ritualbot/pkg/logx"
)

var ist = time.FixedZone("IST", 5*3600+1800)

type fixture struct {
	srv   *Server
	loop  *interrupt.Loop
	store *storage.Memory
	bus   eventbus.Bus
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	hub := NewHub(logx.Nop())
	bus := eventbus.New()
	store := storage.NewMemory()
	loop := interrupt.NewLoop(interrupt.Config{UserID: "u1"}, interrupt.DefaultTable(), clock.NewManual(now), store, hub, bus, logx.Nop())
	srv := New(Config{Health: func() any { return "fine" }}, hub, logx.Nop())
	srv.Register("u1", Session{Loop: loop, Responder: interrupt.NewResponder(loop, store, interrupt.NewPromptBook(nil, 5), logx.Nop())})
	return &fixture{srv: srv, loop: loop, store: store, bus: bus}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2025, 3, 1, 8, 0, 0, 0, ist))
	w := f.do(t, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"runtime":"fine"`) {
		t.Fatalf("healthz = %d %s", w.Code, w.Body.String())
	}
}

func TestUnknownUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2025, 3, 1, 8, 0, 0, 0, ist))
	if w := f.do(t, http.MethodGet, "/api/users/nobody/badge", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestBadgeRefresh(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2025, 3, 1, 11, 30, 0, 0, ist))
	ctx := context.Background()
	if err := f.store.CreateCompletion(ctx, storage.Completion{ID: "x", UserID: "u1", Date: "2025-03-01", Slot: 1, Response: "ok"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	w := f.do(t, http.MethodGet, "/api/users/u1/badge?refresh=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d %s", w.Code, w.Body.String())
	}
	var b BadgeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b.Date != "2025-03-01" || b.Status.CompletedCount != 1 || b.Status.NextPendingSlot != 2 || b.Status.IsOverdue {
		t.Fatalf("badge = %+v", b)
	}
	if len(b.Completed) != 1 || b.Completed[0] != 1 || b.Text != "1/6 done, interrupt #2 due" {
		t.Fatalf("badge = %+v", b)
	}
}

func TestWakeValidatesReason(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2025, 3, 1, 8, 0, 0, 0, ist))
	if w := f.do(t, http.MethodPost, "/api/users/u1/wake", `{"reason":"visibility"}`); w.Code != http.StatusAccepted {
		t.Fatalf("visibility = %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/users/u1/wake", `{"reason":"schedule"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("schedule = %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/users/u1/wake", `nope`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad json = %d", w.Code)
	}
}

func TestStartAndRespond(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2025, 3, 1, 9, 15, 0, 0, ist))

	// No web client is connected, so the refresh tick snoozes slot 1.
	if w := f.do(t, http.MethodGet, "/api/users/u1/badge?refresh=1", ""); w.Code != http.StatusOK {
		t.Fatalf("refresh = %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/users/u1/remind-later", ""); w.Code != http.StatusConflict {
		t.Fatalf("remind-later without prompt = %d", w.Code)
	}

	w := f.do(t, http.MethodPost, "/api/users/u1/start", "")
	if w.Code != http.StatusOK {
		t.Fatalf("start = %d %s", w.Code, w.Body.String())
	}
	var sr startResponse
	if err := json.Unmarshal(w.Body.Bytes(), &sr); err != nil || sr.Slot != 1 || sr.Prompt.ID == "" {
		t.Fatalf("start body = %+v, %v", sr, err)
	}

	if w := f.do(t, http.MethodPost, "/api/users/u1/responses", `{"prompt_id":"`+sr.Prompt.ID+`","response":"   "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty response = %d", w.Code)
	}
	w = f.do(t, http.MethodPost, "/api/users/u1/responses", `{"prompt_id":"`+sr.Prompt.ID+`","response":"deep work"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("respond = %d %s", w.Code, w.Body.String())
	}
	var rec storage.Completion
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil || rec.Slot != 1 || rec.Response != "deep work" {
		t.Fatalf("record = %+v, %v", rec, err)
	}

	// Slot 1 was the only eligible one.
	if w := f.do(t, http.MethodPost, "/api/users/u1/responses", `{"response":"more"}`); w.Code != http.StatusConflict {
		t.Fatalf("second respond = %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/api/users/u1/badge?refresh=1", ""); w.Code != http.StatusOK {
		t.Fatalf("refresh = %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/api/users/u1/start", ""); w.Code != http.StatusConflict {
		t.Fatalf("start with nothing due = %d", w.Code)
	}
}

func readMsg(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var m WSMessage
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func TestWebSocketReceivesPrompt(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2025, 3, 1, 13, 0, 0, 0, ist))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = f.srv.Hub().Run(ctx, f.bus) }()

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/users/u1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if m := readMsg(t, conn); m.Type != interrupt.EventBadge {
		t.Fatalf("first frame = %+v", m)
	}
	deadline := time.Now().Add(2 * time.Second)
	for f.srv.Hub().Clients("u1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.loop.Tick(ctx, interrupt.WakeStart); err != nil {
		t.Fatalf("tick: %v", err)
	}
	var sawOpen bool
	for i := 0; i < 6 && !sawOpen; i++ {
		m := readMsg(t, conn)
		if m.Type == MsgModalOpen {
			sawOpen = true
			p, _ := m.Payload.(map[string]any)
			if p["slot"] != float64(1) || p["overdue"] != true {
				t.Fatalf("modal payload = %+v", m.Payload)
			}
		}
	}
	if !sawOpen {
		t.Fatal("no modal.open frame")
	}
	if !f.loop.Snapshot().State.ModalOpen {
		t.Fatal("loop should consider the prompt open")
	}
}

func TestOpenModalWithoutClientsFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, time.Date(2025, 3, 1, 13, 0, 0, 0, ist))
	if err := f.loop.Tick(context.Background(), interrupt.WakeStart); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := f.loop.Snapshot().Phase; got != interrupt.Snoozed {
		t.Fatalf("phase = %v, want Snoozed when no client could show the prompt", got)
	}
}
