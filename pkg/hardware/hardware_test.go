package hardware

import (
	"testing"
	"time"
)

func TestPCMConfig(t *testing.T) {
	cfg := PCMConfig{Device: 2, Channels: 1, Rate: 8000, PeriodSize: 256, PeriodCount: 4}

	if cfg.FrameBytes() != 2 {
		t.Errorf("Expected 2 bytes per mono frame, got %d", cfg.FrameBytes())
	}
	if cfg.BufferFrames() != 1024 {
		t.Errorf("Expected 1024 buffer frames, got %d", cfg.BufferFrames())
	}
	if cfg.String() != "dev2 1ch 8000Hz 256x4" {
		t.Errorf("Unexpected string form %q", cfg.String())
	}
}

func TestSampleViews(t *testing.T) {
	t.Run("Round Trip", func(t *testing.T) {
		s := []int16{1, -2, 300, -32768}
		b := Bytes(s)
		if len(b) != 8 {
			t.Fatalf("Expected 8 bytes, got %d", len(b))
		}
		back := Samples(b)
		for i := range s {
			if back[i] != s[i] {
				t.Errorf("Sample %d: expected %d, got %d", i, s[i], back[i])
			}
		}
	})

	t.Run("Views Share Memory", func(t *testing.T) {
		b := make([]byte, 4)
		Samples(b)[1] = 7
		if Samples(b)[1] != 7 {
			t.Error("Expected write through the view to be visible")
		}
	})

	t.Run("Short Input", func(t *testing.T) {
		if Samples([]byte{1}) != nil {
			t.Error("Expected nil view for a single byte")
		}
		if Bytes(nil) != nil {
			t.Error("Expected nil view for no samples")
		}
	})
}

func TestFrameDuration(t *testing.T) {
	if d := FrameDuration(44100, 44100); d != time.Second {
		t.Errorf("Expected 1s, got %v", d)
	}
	if d := FrameDuration(1024, 44100); d != 23219954*time.Nanosecond {
		t.Errorf("Expected 23.219954ms, got %v", d)
	}
	if d := FrameDuration(100, 0); d != 0 {
		t.Errorf("Expected 0 for zero rate, got %v", d)
	}
}

func TestDirectionString(t *testing.T) {
	if Playback.String() != "playback" || Capture.String() != "capture" {
		t.Errorf("Unexpected direction names %s/%s", Playback, Capture)
	}
}
