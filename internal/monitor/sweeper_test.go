package monitor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/internal/monitor"
	"github.com/fleetlink/fleetlink/internal/notifier"
	"github.com/fleetlink/fleetlink/internal/presence"
)

type fakeExpirer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeExpirer) ExpireOverdue(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 0, nil
}

func (f *fakeExpirer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePresence struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func (f *fakePresence) Snapshot(context.Context) (map[string]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]time.Time, len(f.lastSeen))
	for k, v := range f.lastSeen {
		out[k] = v
	}
	return out, nil
}

func (f *fakePresence) OnlineThreshold() time.Duration {
	return presence.DefaultOnlineThreshold
}

func (f *fakePresence) set(deviceID string, lastSeen time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeen[deviceID] = lastSeen
}

type eventRecorder struct {
	mu     sync.Mutex
	events []notifier.Event
}

func (r *eventRecorder) Publish(event notifier.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) offlineEvents() []notifier.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notifier.Event
	for _, e := range r.events {
		if e.Type == notifier.EventDeviceOffline {
			out = append(out, e)
		}
	}
	return out
}

func TestSweeper_EmitsOfflineOnFlipOnly(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	devices := &fakePresence{lastSeen: map[string]time.Time{
		"dev-1": now.Add(-time.Minute), // online
	}}
	recorder := &eventRecorder{}

	sweeper := monitor.NewSweeper(monitor.SweeperConfig{
		Commands:  &fakeExpirer{},
		Presence:  devices,
		Publisher: recorder,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return now },
	})
	ctx := context.Background()

	// First pass observes the device online; nothing to emit.
	sweeper.Sweep(ctx)
	if got := recorder.offlineEvents(); len(got) != 0 {
		t.Fatalf("unexpected offline events on first pass: %d", len(got))
	}

	// The device goes quiet past the threshold: exactly one flip.
	now = now.Add(10 * time.Minute)
	sweeper.Sweep(ctx)
	got := recorder.offlineEvents()
	if len(got) != 1 {
		t.Fatalf("expected 1 offline event, got %d", len(got))
	}
	if got[0].DeviceID != "dev-1" {
		t.Errorf("offline event for wrong device: %s", got[0].DeviceID)
	}

	// Still offline on later passes: no repeat notification.
	now = now.Add(10 * time.Minute)
	sweeper.Sweep(ctx)
	if got := recorder.offlineEvents(); len(got) != 1 {
		t.Errorf("offline event repeated: %d", len(got))
	}
}

func TestSweeper_FlipsAgainAfterRecovery(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	devices := &fakePresence{lastSeen: map[string]time.Time{
		"dev-1": now.Add(-time.Minute),
	}}
	recorder := &eventRecorder{}

	sweeper := monitor.NewSweeper(monitor.SweeperConfig{
		Commands:  &fakeExpirer{},
		Presence:  devices,
		Publisher: recorder,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return now },
	})
	ctx := context.Background()

	sweeper.Sweep(ctx) // online
	now = now.Add(10 * time.Minute)
	sweeper.Sweep(ctx) // offline: first flip

	// Device reconnects, then goes quiet again: a second flip.
	devices.set("dev-1", now)
	sweeper.Sweep(ctx) // online again
	now = now.Add(10 * time.Minute)
	sweeper.Sweep(ctx) // offline again

	if got := recorder.offlineEvents(); len(got) != 2 {
		t.Errorf("expected 2 offline events across two flips, got %d", len(got))
	}
}

func TestSweeper_NeverSeenDeviceDoesNotFlip(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	devices := &fakePresence{lastSeen: map[string]time.Time{
		"dev-1": {}, // registered, never contacted
	}}
	recorder := &eventRecorder{}

	sweeper := monitor.NewSweeper(monitor.SweeperConfig{
		Commands:  &fakeExpirer{},
		Presence:  devices,
		Publisher: recorder,
		Logger:    zerolog.Nop(),
		Now:       func() time.Time { return now },
	})

	sweeper.Sweep(context.Background())
	sweeper.Sweep(context.Background())

	// Offline-from-birth is not a flip.
	if got := recorder.offlineEvents(); len(got) != 0 {
		t.Errorf("expected no offline events for a never-seen device, got %d", len(got))
	}
}

func TestSweeper_RunsCommandExpiry(t *testing.T) {
	expirer := &fakeExpirer{}
	sweeper := monitor.NewSweeper(monitor.SweeperConfig{
		Commands:  expirer,
		Presence:  &fakePresence{lastSeen: map[string]time.Time{}},
		Publisher: &eventRecorder{},
		Logger:    zerolog.Nop(),
	})

	sweeper.Sweep(context.Background())
	if expirer.callCount() != 1 {
		t.Errorf("expected 1 expiry call, got %d", expirer.callCount())
	}
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	expirer := &fakeExpirer{}
	sweeper := monitor.NewSweeper(monitor.SweeperConfig{
		Commands:  expirer,
		Presence:  &fakePresence{lastSeen: map[string]time.Time{}},
		Publisher: &eventRecorder{},
		Logger:    zerolog.Nop(),
		Interval:  5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Run(ctx)
	}()

	// Let a few ticks pass, then stop.
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
	if expirer.callCount() == 0 {
		t.Error("expected at least one sweep while running")
	}
}
