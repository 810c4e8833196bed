package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dougsko/pcmhal/pkg/config"
	"github.com/dougsko/pcmhal/pkg/hal"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDaemon(t *testing.T) (*Daemon, *gin.Engine) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Card.Backend = "mock"
	cfg.API.UnixSocket = filepath.Join(dir, "daemon.sock")
	cfg.Storage.DatabasePath = filepath.Join(dir, "daemon.db")
	cfg.Web.Port = 0

	d, err := NewDaemon(cfg)
	require.NoError(t, err)
	require.NoError(t, d.coreEngine.Start())
	t.Cleanup(func() { d.Stop() })

	return d, d.router()
}

func do(t *testing.T, r http.Handler, method, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var out map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &out)
	return w.Code, out
}

func TestAPI(t *testing.T) {
	d, r := newTestDaemon(t)

	t.Run("Status", func(t *testing.T) {
		code, body := do(t, r, http.MethodGet, "/api/v1/status", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, "running", body["status"])
		assert.Contains(t, body, "device")
	})

	t.Run("Set Parameters", func(t *testing.T) {
		code, body := do(t, r, http.MethodPut, "/api/v1/parameters", map[string]interface{}{
			"values": map[string]string{"routing": "0x10"},
		})
		require.Equal(t, http.StatusOK, code)
		params := body["parameters"].(map[string]interface{})
		assert.Equal(t, "0x10", params["routing"])
		assert.Equal(t, hal.DeviceOutBluetoothSCO, d.coreEngine.Device().State().OutputDevice)
	})

	t.Run("Empty Parameters", func(t *testing.T) {
		code, _ := do(t, r, http.MethodPut, "/api/v1/parameters", map[string]interface{}{})
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("Get Parameters", func(t *testing.T) {
		code, body := do(t, r, http.MethodGet, "/api/v1/parameters?keys=routing", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, map[string]interface{}{"routing": "0x10"}, body["parameters"])
	})

	t.Run("Mic Mute", func(t *testing.T) {
		code, _ := do(t, r, http.MethodPut, "/api/v1/mic_mute", map[string]bool{"mute": true})
		require.Equal(t, http.StatusOK, code)
		assert.True(t, d.coreEngine.Device().MicMute())

		code, _ = do(t, r, http.MethodPut, "/api/v1/mic_mute", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("Tone", func(t *testing.T) {
		code, body := do(t, r, http.MethodPost, "/api/v1/tone", map[string]interface{}{
			"frequency": 400, "duration_ms": 40,
		})
		require.Equal(t, http.StatusOK, code, body)
		// routed to SCO, so the stream rate stays 44100 and resamples to 8 kHz
		assert.Equal(t, float64(1764), body["frames"])

		code, _ = do(t, r, http.MethodPost, "/api/v1/tone", map[string]interface{}{})
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("Capture", func(t *testing.T) {
		code, body := do(t, r, http.MethodPost, "/api/v1/capture?duration_ms=30", nil)
		require.Equal(t, http.StatusOK, code, body)
		assert.Equal(t, true, body["muted"])

		code, _ = do(t, r, http.MethodPost, "/api/v1/capture?duration_ms=x", nil)
		assert.Equal(t, http.StatusBadRequest, code)
	})

	t.Run("Events", func(t *testing.T) {
		assert.Eventually(t, func() bool {
			code, body := do(t, r, http.MethodGet, "/api/v1/events?limit=100", nil)
			return code == http.StatusOK && body["count"].(float64) >= 7
		}, 2*time.Second, 20*time.Millisecond)

		code, body := do(t, r, http.MethodGet, "/api/v1/events/stats", nil)
		require.Equal(t, http.StatusOK, code)
		assert.NotEmpty(t, body)
	})

	t.Run("Monitor", func(t *testing.T) {
		code, body := do(t, r, http.MethodGet, "/api/v1/monitor", nil)
		require.Equal(t, http.StatusOK, code)
		assert.Contains(t, body, "levels")
		assert.Contains(t, body, "statistics")
	})
}

func TestMonitorWebSocket(t *testing.T) {
	d, r := newTestDaemon(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/monitor"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the handler time to subscribe before generating events
	time.Sleep(50 * time.Millisecond)
	_, err = d.coreEngine.PlayTone(1000, 20*time.Millisecond)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	seen := map[string]bool{}
	for !(seen["monitor"] && seen["event"]) {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Expected monitor and event messages, got error: %v (seen %v)", err, seen)
		}
		seen[msg["type"].(string)] = true
	}
}
