package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dougsko/pcmhal/pkg/engine"
	"github.com/dougsko/pcmhal/pkg/hal"
	"github.com/dougsko/pcmhal/pkg/logging"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// handleGetStatus returns the device status via socket
func (d *Daemon) handleGetStatus(c *gin.Context) {
	status, err := d.socketClient.GetStatus()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "running",
		"version": engine.Version,
		"device":  status,
	})
}

// handleGetParameters returns the requested keys, or every key
func (d *Daemon) handleGetParameters(c *gin.Context) {
	params, err := d.socketClient.GetParameters(c.Query("keys"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"parameters": params})
}

// handleSetParameters applies a "k=v;..." string or a JSON object of values
func (d *Daemon) handleSetParameters(c *gin.Context) {
	var req struct {
		Parameters string            `json:"parameters"`
		Values     map[string]string `json:"values"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	kv := req.Parameters
	for k, v := range req.Values {
		if kv != "" {
			kv += ";"
		}
		kv += k + "=" + v
	}
	if kv == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no parameters given"})
		return
	}

	params, err := d.socketClient.SetParameters(kv)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"parameters": params})
}

// handleSetMicMute mutes or unmutes capture
func (d *Daemon) handleSetMicMute(c *gin.Context) {
	var req struct {
		Mute *bool `json:"mute" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mute is required"})
		return
	}

	if err := d.socketClient.SetMicMute(*req.Mute); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mic_mute": *req.Mute})
}

// handleGetEvents returns recent stream events via socket
func (d *Daemon) handleGetEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		limit = 50
	}

	events, err := d.socketClient.GetEvents(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// handleGetEventStats returns per kind event totals straight from the store
func (d *Daemon) handleGetEventStats(c *gin.Context) {
	if d.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "state store not available"})
		return
	}

	stats, err := d.store.GetEventStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handlePlayTone plays a test tone through the output path
func (d *Daemon) handlePlayTone(c *gin.Context) {
	var req struct {
		Frequency  float64 `json:"frequency" binding:"required"`
		DurationMs int     `json:"duration_ms"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "frequency is required"})
		return
	}
	if req.DurationMs <= 0 {
		req.DurationMs = 250
	}

	result, err := d.socketClient.PlayTone(req.Frequency, time.Duration(req.DurationMs)*time.Millisecond)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleCapture records briefly and reports the input level
func (d *Daemon) handleCapture(c *gin.Context) {
	ms, err := strconv.Atoi(c.DefaultQuery("duration_ms", "500"))
	if err != nil || ms <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid duration_ms"})
		return
	}

	result, err := d.socketClient.Capture(time.Duration(ms) * time.Millisecond)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleGetMonitor returns the output monitor statistics
func (d *Daemon) handleGetMonitor(c *gin.Context) {
	m := d.coreEngine.Monitor()
	c.JSON(http.StatusOK, gin.H{
		"levels":             m.Levels(),
		"dominant_frequency": m.DominantFrequency(),
		"statistics":         m.Statistics(),
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleMonitorWebSocket streams monitor levels and spectrum at 10 Hz and
// forwards stream events as they happen
func (d *Daemon) handleMonitorWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn("web", "websocket upgrade failed", logging.Fields{"error": err})
		return
	}
	defer conn.Close()

	logging.Debug("web", "monitor client connected", logging.Fields{"remote": conn.RemoteAddr().String()})

	var events <-chan hal.Event
	if rec := d.coreEngine.Recorder(); rec != nil {
		ch, cancel := rec.Subscribe(32)
		defer cancel()
		events = ch
	}

	// the read loop only detects the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	m := d.coreEngine.Monitor()
	for {
		select {
		case <-ticker.C:
			levels := m.Levels()
			spectrum := m.Spectrum()
			data := map[string]interface{}{
				"type":        "monitor",
				"timestamp":   levels.Timestamp,
				"sample_rate": spectrum.SampleRate,
				"rms":         levels.RMS,
				"peak":        levels.Peak,
				"peak_hold":   levels.PeakHold,
				"clipping":    levels.Clipping,
				"spectrum": map[string]interface{}{
					"bins":      spectrum.Bins,
					"freq_step": spectrum.FreqStep,
				},
			}
			if err := conn.WriteJSON(data); err != nil {
				return
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := conn.WriteJSON(map[string]interface{}{"type": "event", "event": ev}); err != nil {
				return
			}

		case <-gone:
			logging.Debug("web", "monitor client disconnected")
			return

		case <-d.ctx.Done():
			return
		}
	}
}
