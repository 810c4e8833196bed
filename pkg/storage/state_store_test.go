package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dougsko/pcmhal/pkg/hal"
	"github.com/dougsko/pcmhal/pkg/hardware"
)

func newTestStore(t *testing.T, maxEvents int) *StateStore {
	t.Helper()
	store, err := NewStateStore(filepath.Join(t.TempDir(), "test.db"), maxEvents)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func event(stream string, kind hal.EventKind) hal.Event {
	return hal.Event{
		Time:      time.Now(),
		StreamID:  stream,
		Direction: "playback",
		Kind:      kind,
		Profile:   hal.ProfileMain,
	}
}

func TestNewStateStore(t *testing.T) {
	t.Run("Nested Directory", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "nested", "dir", "state.db")
		store, err := NewStateStore(dbPath, 100)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		defer store.Close()

		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			t.Error("Expected database file to be created")
		}
	})

	t.Run("Unwritable Directory", func(t *testing.T) {
		dir := t.TempDir()
		blocker := filepath.Join(dir, "file")
		if err := os.WriteFile(blocker, nil, 0644); err != nil {
			t.Fatal(err)
		}
		_, err := NewStateStore(filepath.Join(blocker, "state.db"), 100)
		if err == nil {
			t.Error("Expected error when the parent is a file")
		}
	})
}

func TestDeviceState(t *testing.T) {
	store := newTestStore(t, 100)

	_, ok, err := store.LoadState()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if ok {
		t.Error("Expected no state in a new store")
	}

	want := hal.State{
		OutputDevice: hal.DeviceOutWiredHeadphone | hal.DeviceOutSpeaker,
		InputDevice:  0x4,
		Orientation:  hal.OrientationLandscape,
		ScreenOff:    true,
		MicMute:      true,
	}
	if err := store.SaveState(want); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	want.MicMute = false
	if err := store.SaveState(want); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got, ok, err := store.LoadState()
	if err != nil || !ok {
		t.Fatalf("Expected saved state, got ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

func TestEventLog(t *testing.T) {
	t.Run("Recent Events Newest First", func(t *testing.T) {
		store := newTestStore(t, 100)
		for _, kind := range []hal.EventKind{hal.EventOpen, hal.EventStart, hal.EventUnderrun} {
			if err := store.RecordEvent(event("a", kind)); err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
		}

		events, err := store.RecentEvents(2)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("Expected 2 events, got %d", len(events))
		}
		if events[0].Kind != hal.EventUnderrun || events[1].Kind != hal.EventStart {
			t.Errorf("Expected underrun then start, got %s then %s", events[0].Kind, events[1].Kind)
		}
		if events[0].Time.IsZero() {
			t.Error("Expected timestamp to round trip")
		}
	})

	t.Run("Filters", func(t *testing.T) {
		store := newTestStore(t, 100)
		store.RecordEvent(event("a", hal.EventOpen))
		store.RecordEvent(event("b", hal.EventOpen))
		store.RecordEvent(event("b", hal.EventUnderrun))

		events, err := store.EventsForStream("b")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("Expected 2 events for stream b, got %d", len(events))
		}

		events, err = store.GetEvents(EventQuery{Kind: hal.EventUnderrun})
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if len(events) != 1 || events[0].StreamID != "b" {
			t.Errorf("Expected one underrun on stream b, got %+v", events)
		}

		since := time.Now().Add(time.Hour)
		events, _ = store.GetEvents(EventQuery{Since: &since})
		if len(events) != 0 {
			t.Errorf("Expected no future events, got %d", len(events))
		}
	})

	t.Run("Cleanup Keeps Newest", func(t *testing.T) {
		store := newTestStore(t, 5)
		for i := 0; i < 8; i++ {
			ev := event(fmt.Sprintf("s%d", i), hal.EventOpen)
			if err := store.RecordEvent(ev); err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
		}

		count, err := store.GetEventCount()
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if count != 5 {
			t.Errorf("Expected 5 events, got %d", count)
		}

		events, _ := store.RecentEvents(0)
		if events[len(events)-1].StreamID != "s3" {
			t.Errorf("Expected oldest kept event s3, got %s", events[len(events)-1].StreamID)
		}

		if err := store.Cleanup(); err != nil {
			t.Errorf("Expected no error, got: %v", err)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		store := newTestStore(t, 100)
		store.RecordEvent(event("a", hal.EventUnderrun))
		store.RecordEvent(event("a", hal.EventUnderrun))
		store.RecordEvent(event("a", hal.EventTransportError))
		store.RecordEvent(event("a", hal.EventStandby))

		stats, err := store.GetEventStats()
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if stats.TotalEvents != 4 || stats.TotalUnderruns != 2 || stats.TotalErrors != 1 {
			t.Errorf("Expected 4/2/1, got %d/%d/%d", stats.TotalEvents, stats.TotalUnderruns, stats.TotalErrors)
		}
	})
}

func TestRecorder(t *testing.T) {
	store := newTestStore(t, 100)
	rec := NewRecorder(store, 16)

	transport := hardware.NewMockTransport()
	dev := hal.NewDevice(transport, nil, hal.WithObserver(rec), hal.WithSleeper(func(time.Duration) {}))

	sub, cancel := rec.Subscribe(16)
	defer cancel()

	out, err := dev.OpenOutputStream(hal.OutputConfig{SampleRate: 44100, Channels: 2})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := out.Write(make([]byte, 2048)); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	dev.SetOutputDevice(hal.DeviceOutWiredHeadphone)
	dev.SetMicMute(true)

	select {
	case ev := <-sub:
		if ev.Kind != hal.EventOpen {
			t.Errorf("Expected open event first, got %s", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected subscriber to receive an event")
	}

	rec.Close()

	events, err := store.EventsForStream(out.ID())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("Expected open and start events, got %d", len(events))
	}

	st, ok, err := store.LoadState()
	if err != nil || !ok {
		t.Fatalf("Expected saved state, got ok=%v err=%v", ok, err)
	}
	if st.OutputDevice != hal.DeviceOutWiredHeadphone || !st.MicMute {
		t.Errorf("Expected headphone with mic muted, got %+v", st)
	}
	if rec.Dropped() != 0 {
		t.Errorf("Expected no dropped events, got %d", rec.Dropped())
	}
}
