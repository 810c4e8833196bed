package route

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dougsko/pcmhal/pkg/hardware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*Router, *hardware.MockControls) {
	t.Helper()
	paths, err := LoadPaths("")
	require.NoError(t, err)
	controls := hardware.NewMockControls()
	return NewRouter(paths, controls), controls
}

func TestLoadPaths(t *testing.T) {
	t.Run("Default Paths", func(t *testing.T) {
		paths, err := LoadPaths("")
		require.NoError(t, err)
		for _, name := range []string{PathSpeaker, PathHeadphone, PathDock, PathMainMicLeft, PathMainMicTop} {
			assert.Contains(t, paths.Paths, name)
		}
	})

	t.Run("From File", func(t *testing.T) {
		dir := t.TempDir()
		file := filepath.Join(dir, "paths.yaml")
		content := `
baseline:
  - {name: "Amp", value: "0"}
paths:
  speaker:
    - {name: "Amp", value: "1"}
`
		require.NoError(t, os.WriteFile(file, []byte(content), 0644))

		paths, err := LoadPaths(file)
		require.NoError(t, err)
		assert.Equal(t, []Control{{Name: "Amp", Value: "1"}}, paths.Paths["speaker"])
	})

	t.Run("Missing File", func(t *testing.T) {
		_, err := LoadPaths("/nonexistent/paths.yaml")
		assert.Error(t, err)
	})

	t.Run("Nameless Control", func(t *testing.T) {
		_, err := ParsePaths([]byte("paths:\n  speaker:\n    - {value: \"1\"}\n"))
		assert.Error(t, err)
	})
}

func TestRouter(t *testing.T) {
	t.Run("First Update Writes Everything", func(t *testing.T) {
		r, controls := newTestRouter(t)
		require.NoError(t, r.Reset())
		require.NoError(t, r.ApplyPath(PathSpeaker))
		require.NoError(t, r.Update())

		v, _ := controls.Value("Speaker Playback Switch")
		assert.Equal(t, "1", v)
		v, _ = controls.Value("Headphone Playback Switch")
		assert.Equal(t, "0", v)
		assert.Len(t, controls.History(), 10)
	})

	t.Run("Later Updates Write Only Changes", func(t *testing.T) {
		r, controls := newTestRouter(t)
		require.NoError(t, r.ApplyPath(PathSpeaker))
		require.NoError(t, r.Update())
		before := len(controls.History())

		require.NoError(t, r.Reset())
		require.NoError(t, r.ApplyPath(PathHeadphone))
		require.NoError(t, r.Update())

		assert.ElementsMatch(t, []string{
			"Speaker Playback Switch=0",
			"Int Spk Switch=0",
			"Headphone Playback Switch=1",
			"Headphone Jack Switch=1",
		}, controls.History()[before:])
		assert.Equal(t, []string{PathHeadphone}, r.ActivePaths())
	})

	t.Run("Unknown Path", func(t *testing.T) {
		r, _ := newTestRouter(t)
		err := r.ApplyPath("earpiece")
		assert.True(t, errors.Is(err, ErrUnknownPath))
	})

	t.Run("Failing Control Does Not Stop Others", func(t *testing.T) {
		r, controls := newTestRouter(t)
		boom := errors.New("no such control")
		controls.FailControl("Int Spk Switch", boom)

		require.NoError(t, r.ApplyPath(PathSpeaker))
		err := r.Update()
		assert.True(t, errors.Is(err, boom))

		v, _ := controls.Value("Speaker Playback Switch")
		assert.Equal(t, "1", v)
	})

	t.Run("Path Names", func(t *testing.T) {
		r, _ := newTestRouter(t)
		assert.Equal(t, []string{"dock", "headphone", "main-mic-left", "main-mic-top", "speaker"}, r.PathNames())
	})
}
