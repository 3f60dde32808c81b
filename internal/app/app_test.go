package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ritualbot/internal/config"
	"ritualbot/internal/interrupt"
)

const minimalConfig = `{
  "logging": {"level": "error"},
  "interrupts": {"timezone": "UTC", "tick_interval": "1h", "snooze_cooldown": "2m"},
  "users": [{"id": "alice"}, {"id": "bob"}],
  "storage": {"driver": "memory"},
  "notifier": {"enabled": false},
  "telegram": {"enabled": false},
  "http": {"enabled": false}
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewAppBuildsOneLoopPerUser(t *testing.T) {
	a, err := NewApp(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if len(a.users) != 2 || a.users[0].id != "alice" || a.users[1].id != "bob" {
		t.Fatalf("users = %+v", a.users)
	}
	if a.tg != nil || a.http != nil {
		t.Fatal("telegram and http are disabled")
	}
	if a.clk.Location().String() != "UTC" {
		t.Fatalf("location = %v", a.clk.Location())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Each loop ticks once on start.
	deadline := time.Now().Add(3 * time.Second)
	for {
		h := a.Health()
		ready := len(h.Users) == 2
		for _, s := range h.Users {
			ready = ready && s.State.ReferenceDate != ""
		}
		if ready {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("loops never ticked: %+v", h.Users)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if a.Health().Next.IsZero() {
		t.Fatal("health should report the next scheduled wake")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"timezone": strings.Replace(minimalConfig, `"UTC"`, `"Mars/Olympus"`, 1),
		"slots":    strings.Replace(minimalConfig, `"tick_interval": "1h"`, `"slots": ["09:00", "08:00", "10:00", "11:00", "12:00", "13:00"]`, 1),
		"driver":   strings.Replace(minimalConfig, `"memory"`, `"mongo"`, 1),
		"users":    strings.Replace(minimalConfig, `[{"id": "alice"}, {"id": "bob"}]`, `[]`, 1),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewApp(writeConfig(t, body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestMapLoopConfigDefaults(t *testing.T) {
	t.Parallel()
	lc, err := mapLoopConfig(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if lc.TickInterval != interrupt.DefaultTickInterval || lc.SnoozeCooldown != interrupt.DefaultSnoozeCooldown || lc.FetchTimeout != interrupt.DefaultFetchTimeout {
		t.Fatalf("defaults = %+v", lc)
	}
	if _, err := mapLoopConfig(&config.Config{Interrupts: config.InterruptsConfig{TickInterval: "soon"}}); err == nil {
		t.Fatal("expected duration error")
	}
}

func TestBuildPromptsFallsBack(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Interrupts: config.InterruptsConfig{Prompts: []config.PromptConfig{{ID: "x", Text: "  "}}}}
	if got := buildPrompts(cfg, 1).Len(); got != len(interrupt.DefaultPrompts) {
		t.Fatalf("prompts = %d, want defaults", got)
	}
	cfg.Interrupts.Prompts = append(cfg.Interrupts.Prompts, config.PromptConfig{ID: "y", Text: "How are you?"})
	if got := buildPrompts(cfg, 1).Len(); got != 1 {
		t.Fatalf("prompts = %d, want 1", got)
	}
}

func TestApplyConfigRetunesLoops(t *testing.T) {
	a, err := NewApp(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer a.store.Close()
	old := a.cfgm.Get()
	next := *old
	next.Interrupts.SnoozeCooldown = "5m"
	next.Notifier.RatePerSec = 9

	a.applyConfig(context.Background(), old, &next)
	// Applying the same config twice is a no-op.
	a.applyConfig(context.Background(), &next, &next)
	if a.notif.Enabled() {
		t.Fatal("notifier should stay disabled")
	}
}
