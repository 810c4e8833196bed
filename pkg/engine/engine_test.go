package engine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dougsko/pcmhal/pkg/config"
	"github.com/dougsko/pcmhal/pkg/hal"
	"github.com/dougsko/pcmhal/pkg/hardware"
	"github.com/dougsko/pcmhal/pkg/protocol"
	"github.com/dougsko/pcmhal/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEngine struct {
	*CoreEngine
	transport *hardware.MockTransport
	controls  *hardware.MockControls
	store     *storage.StateStore
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Card.Backend = "mock"
	cfg.API.UnixSocket = filepath.Join(dir, "test.sock")
	cfg.Storage.DatabasePath = filepath.Join(dir, "test.db")
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, withStore bool) *testEngine {
	t.Helper()
	te := &testEngine{
		transport: hardware.NewMockTransport(),
		controls:  hardware.NewMockControls(),
	}
	if withStore {
		store, err := storage.NewStateStore(cfg.Storage.DatabasePath, cfg.Storage.MaxEvents)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		te.store = store
	}

	e, err := NewCoreEngine(cfg, te.transport, te.controls, te.store)
	require.NoError(t, err)
	t.Cleanup(func() { e.Stop() })
	te.CoreEngine = e
	return te
}

func run(t *testing.T, e *CoreEngine, line string) *protocol.Response {
	t.Helper()
	cmd, err := protocol.ParseCommand(line)
	require.NoError(t, err)
	return e.HandleCommand(cmd)
}

func TestNewCoreEngine(t *testing.T) {
	t.Run("Defaults From Config", func(t *testing.T) {
		te := newTestEngine(t, testConfig(t), false)

		st := te.Device().State()
		if st.OutputDevice != hal.DeviceOutSpeaker {
			t.Errorf("Expected speaker output, got %s", st.OutputDevice)
		}
		if st.InputDevice != hal.DeviceInBuiltinMic&^hal.DeviceBitIn {
			t.Errorf("Expected builtin mic input, got %s", st.InputDevice)
		}
		if te.Recorder() != nil {
			t.Error("Expected no recorder without a store")
		}
		assert.NotEmpty(t, te.controls.History(), "expected the initial route to reach the mixer")
	})

	t.Run("Bad Paths File", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Routing.PathsFile = filepath.Join(t.TempDir(), "missing.yaml")
		_, err := NewCoreEngine(cfg, hardware.NewMockTransport(), hardware.NewMockControls(), nil)
		if err == nil {
			t.Error("Expected error for a missing paths file")
		}
	})

	t.Run("Restores Saved State", func(t *testing.T) {
		cfg := testConfig(t)
		store, err := storage.NewStateStore(cfg.Storage.DatabasePath, cfg.Storage.MaxEvents)
		require.NoError(t, err)
		require.NoError(t, store.SaveState(hal.State{
			OutputDevice: hal.DeviceOutBluetoothSCO,
			InputDevice:  hal.DeviceInBluetoothSCOHeadset &^ hal.DeviceBitIn,
			Orientation:  hal.OrientationPortrait,
			ScreenOff:    true,
		}))
		store.Close()

		te := newTestEngine(t, cfg, true)
		st := te.Device().State()
		assert.Equal(t, hal.DeviceOutBluetoothSCO, st.OutputDevice)
		assert.Equal(t, hal.OrientationPortrait, st.Orientation)
		assert.True(t, st.ScreenOff)
		assert.NotNil(t, te.Recorder())
	})
}

func TestHandleCommand(t *testing.T) {
	te := newTestEngine(t, testConfig(t), true)

	t.Run("Ping", func(t *testing.T) {
		resp := run(t, te.CoreEngine, "PING")
		if !resp.Success {
			t.Fatalf("Expected success, got error: %s", resp.Error)
		}
		if _, ok := resp.Data["pong"]; !ok {
			t.Error("Expected pong in response")
		}
	})

	t.Run("Status", func(t *testing.T) {
		resp := run(t, te.CoreEngine, "STATUS")
		require.True(t, resp.Success)
		assert.Equal(t, Version, resp.Data["version"])

		status, ok := resp.Data["device"].(hal.Status)
		require.True(t, ok, "expected hal.Status in device")
		assert.Equal(t, hal.DeviceOutSpeaker, status.State.OutputDevice)
		assert.Empty(t, status.Outputs)
		assert.Contains(t, resp.Data, "dropped_events")
	})

	t.Run("Set Parameters", func(t *testing.T) {
		resp := run(t, te.CoreEngine, "PARAMS:set:routing=0x4;orientation=landscape;screen_state=off")
		require.True(t, resp.Success)

		params := resp.Data["parameters"].(map[string]string)
		assert.Equal(t, "0x4", params[hal.ParamRouting])
		assert.Equal(t, "landscape", params[hal.ParamOrientation])
		assert.Equal(t, "off", params[hal.ParamScreenState])

		st := te.Device().State()
		assert.Equal(t, hal.DeviceOutWiredHeadset, st.OutputDevice)
		assert.True(t, st.ScreenOff)
	})

	t.Run("Input Routing", func(t *testing.T) {
		resp := run(t, te.CoreEngine, "PARAMS:set:routing=0x80000010")
		require.True(t, resp.Success)

		st := te.Device().State()
		assert.Equal(t, hal.DeviceOutWiredHeadset, st.OutputDevice, "output must be untouched")
		assert.Equal(t, hal.DeviceInWiredHeadset&^hal.DeviceBitIn, st.InputDevice)
	})

	t.Run("Get Parameters", func(t *testing.T) {
		resp := run(t, te.CoreEngine, "PARAMS:get:routing;input_routing")
		require.True(t, resp.Success)

		params := resp.Data["parameters"].(map[string]string)
		assert.Len(t, params, 2)
		assert.Equal(t, "0x80000010", params["input_routing"])

		all := run(t, te.CoreEngine, "PARAMS:get:").Data["parameters"].(map[string]string)
		assert.Len(t, all, 5)
	})

	t.Run("Mute", func(t *testing.T) {
		resp := run(t, te.CoreEngine, "MUTE:on")
		require.True(t, resp.Success)
		assert.Equal(t, true, resp.Data["mic_mute"])
		assert.True(t, te.Device().MicMute())

		run(t, te.CoreEngine, "MUTE:off")
		assert.False(t, te.Device().MicMute())
	})

	t.Run("Unknown", func(t *testing.T) {
		resp := te.HandleCommand(&protocol.Command{Type: "BOGUS"})
		if resp.Success {
			t.Error("Expected unknown command to fail")
		}
		assert.Contains(t, resp.Error, "BOGUS")
	})
}

func TestPlayTone(t *testing.T) {
	te := newTestEngine(t, testConfig(t), true)

	resp := run(t, te.CoreEngine, "TONE:1000:100")
	require.True(t, resp.Success, resp.Error)

	result := resp.Data["tone"].(*ToneResult)
	if result.Frames != 4410 {
		t.Errorf("Expected 4410 frames, got %d", result.Frames)
	}

	pcm := te.transport.Last(hardware.Playback)
	require.NotNil(t, pcm)
	assert.Equal(t, 4410, pcm.WrittenFrames())
	assert.False(t, pcm.IsOpen(), "tone stream should be in standby afterwards")

	levels := te.Monitor().Levels()
	assert.Greater(t, levels.Peak, float32(-10), "monitor should see the tone")

	t.Run("Invalid", func(t *testing.T) {
		if _, err := te.PlayTone(0, time.Second); err == nil {
			t.Error("Expected error for 0 Hz")
		}
	})

	t.Run("Open Failure", func(t *testing.T) {
		te.transport.FailOpen(assert.AnError)
		defer te.transport.FailOpen(nil)

		_, err := te.PlayTone(440, 10*time.Millisecond)
		assert.ErrorIs(t, err, hal.ErrResourceUnavailable)
	})
}

func TestCapture(t *testing.T) {
	te := newTestEngine(t, testConfig(t), false)

	resp := run(t, te.CoreEngine, "CAPTURE:100")
	require.True(t, resp.Success, resp.Error)

	result := resp.Data["capture"].(*CaptureResult)
	assert.Equal(t, captureRate, result.SampleRate)
	assert.Equal(t, 1600, result.Frames)
	assert.False(t, result.Muted)

	pcm := te.transport.Last(hardware.Capture)
	require.NotNil(t, pcm)
	assert.Equal(t, 44100, pcm.Config().Rate, "capture should run on the main profile")
	assert.False(t, pcm.IsOpen(), "capture stream should be closed")
	assert.Empty(t, te.Device().Status().Inputs)

	t.Run("Muted", func(t *testing.T) {
		te.SetMicMute(true)
		defer te.SetMicMute(false)

		result, err := te.Capture(50 * time.Millisecond)
		require.NoError(t, err)
		assert.True(t, result.Muted)
		assert.LessOrEqual(t, result.Levels.RMS, float32(-99))
	})
}

func TestEvents(t *testing.T) {
	t.Run("Without Store", func(t *testing.T) {
		te := newTestEngine(t, testConfig(t), false)
		resp := run(t, te.CoreEngine, "EVENTS:5")
		require.True(t, resp.Success)
		assert.Equal(t, 0, resp.Data["count"])
	})

	t.Run("Recorded", func(t *testing.T) {
		te := newTestEngine(t, testConfig(t), true)
		_, err := te.PlayTone(440, 20*time.Millisecond)
		require.NoError(t, err)

		assert.Eventually(t, func() bool {
			n, err := te.store.GetEventCount()
			return err == nil && n >= 3
		}, 2*time.Second, 10*time.Millisecond)

		resp := run(t, te.CoreEngine, "EVENTS:2")
		require.True(t, resp.Success)
		events := resp.Data["events"].([]hal.Event)
		assert.Len(t, events, 2)
		assert.Equal(t, hal.EventStandby, events[0].Kind, "newest event first")
	})
}

func TestStartStop(t *testing.T) {
	te := newTestEngine(t, testConfig(t), false)

	require.NoError(t, te.Start())
	assert.True(t, te.isRunning())

	require.NoError(t, te.Stop())
	assert.False(t, te.isRunning())

	// a second Stop must not panic on the closed channel
	assert.NoError(t, te.Stop())
}
