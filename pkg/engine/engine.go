package engine

import (
	"bufio"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dougsko/pcmhal/pkg/config"
	"github.com/dougsko/pcmhal/pkg/hal"
	"github.com/dougsko/pcmhal/pkg/hardware"
	"github.com/dougsko/pcmhal/pkg/logging"
	"github.com/dougsko/pcmhal/pkg/monitor"
	"github.com/dougsko/pcmhal/pkg/protocol"
	"github.com/dougsko/pcmhal/pkg/route"
	"github.com/dougsko/pcmhal/pkg/storage"
)

const Version = "0.1.0-dev"

// capture rate used by CAPTURE; wideband voice
const captureRate = 16000

// CoreEngine owns the audio device and serves the control socket
type CoreEngine struct {
	config     *config.Config
	socketPath string
	listener   net.Listener
	running    bool
	mutex      sync.RWMutex
	startTime  time.Time
	stop       chan struct{}

	device   *hal.Device
	router   *route.Router
	controls hardware.MixerControls
	store    *storage.StateStore
	recorder *storage.Recorder
	monitor  *monitor.Monitor

	// tone playback owns one output stream; serialised by toneMu
	toneMu  sync.Mutex
	toneOut *hal.OutputStream

	captureMu sync.Mutex
}

// NewCoreEngine builds the device from cfg. store may be nil, in which case
// nothing is persisted and routing starts from the configuration.
func NewCoreEngine(cfg *config.Config, transport hardware.Transport, controls hardware.MixerControls, store *storage.StateStore) (*CoreEngine, error) {
	paths, err := route.LoadPaths(cfg.Routing.PathsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load mixer paths: %w", err)
	}

	e := &CoreEngine{
		config:     cfg,
		socketPath: cfg.API.UnixSocket,
		startTime:  time.Now(),
		stop:       make(chan struct{}),
		router:     route.NewRouter(paths, controls),
		controls:   controls,
		store:      store,
		monitor:    monitor.New(monitor.DefaultFFTSize),
	}

	state := hal.State{
		OutputDevice: hal.DeviceMask(cfg.Routing.OutputDevice),
		InputDevice:  hal.DeviceMask(cfg.Routing.InputDevice),
		Orientation:  hal.ParseOrientation(cfg.Routing.Orientation),
	}

	opts := []hal.Option{hal.WithConfig(hal.ConfigFrom(cfg))}
	if store != nil {
		saved, ok, err := store.LoadState()
		if err != nil {
			logging.Warn("engine", "failed to load saved state, using configuration", logging.Fields{"error": err})
		} else if ok {
			state = saved
			logging.Info("engine", "restored device state", logging.Fields{
				"out": state.OutputDevice, "in": state.InputDevice, "orientation": state.Orientation,
			})
		}
		e.recorder = storage.NewRecorder(store, 256)
		opts = append(opts, hal.WithObserver(e.recorder))
	}
	opts = append(opts, hal.WithState(state))

	e.device = hal.NewDevice(transport, e.router, opts...)
	return e, nil
}

// Device returns the audio device
func (e *CoreEngine) Device() *hal.Device {
	return e.device
}

// Monitor returns the output level monitor fed by tone playback
func (e *CoreEngine) Monitor() *monitor.Monitor {
	return e.monitor
}

// Recorder returns the event recorder, or nil without a store
func (e *CoreEngine) Recorder() *storage.Recorder {
	return e.recorder
}

// Start listens on the control socket
func (e *CoreEngine) Start() error {
	os.Remove(e.socketPath)

	listener, err := net.Listen("unix", e.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create Unix socket: %w", err)
	}

	if err := os.Chmod(e.socketPath, 0660); err != nil {
		logging.Warn("engine", "failed to set socket permissions", logging.Fields{"error": err})
	}

	e.mutex.Lock()
	e.listener = listener
	e.running = true
	e.mutex.Unlock()

	logging.Info("engine", "control socket listening", logging.Fields{"path": e.socketPath})

	go hardware.GetGlobalBufferPool().ReportStatistics(5*time.Minute, e.stop)
	go e.acceptConnections()
	return nil
}

// Stop closes the socket, every stream and the recorder
func (e *CoreEngine) Stop() error {
	e.mutex.Lock()
	wasRunning := e.running
	e.running = false
	if e.listener != nil {
		e.listener.Close()
	}
	e.mutex.Unlock()

	if wasRunning {
		close(e.stop)
		os.Remove(e.socketPath)
	}

	e.device.Close()
	if e.recorder != nil {
		e.recorder.Close()
	}
	if e.store != nil {
		if err := e.store.Cleanup(); err != nil {
			logging.Warn("engine", "event log cleanup failed", logging.Fields{"error": err})
		}
	}
	return nil
}

func (e *CoreEngine) isRunning() bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	return e.running
}

func (e *CoreEngine) acceptConnections() {
	for e.isRunning() {
		conn, err := e.listener.Accept()
		if err != nil {
			if e.isRunning() {
				logging.Warn("engine", "socket accept error", logging.Fields{"error": err})
			}
			continue
		}

		go e.handleConnection(conn)
	}
}

func (e *CoreEngine) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		cmd, err := protocol.ParseCommand(line)
		if err != nil {
			response := protocol.NewErrorResponse(fmt.Sprintf("parse error: %v", err))
			conn.Write([]byte(response.String() + "\n"))
			continue
		}

		response := e.HandleCommand(cmd)
		conn.Write([]byte(response.String() + "\n"))

		if cmd.Type == protocol.CmdQuit {
			break
		}
	}
}

// HandleCommand runs one parsed command
func (e *CoreEngine) HandleCommand(cmd *protocol.Command) *protocol.Response {
	switch cmd.Type {
	case protocol.CmdStatus:
		return protocol.NewSuccessResponse(e.Status())

	case protocol.CmdParams:
		return e.handleParams(cmd)

	case protocol.CmdMute:
		mute, _ := cmd.Args["mute"].(bool)
		e.device.SetMicMute(mute)
		return protocol.NewSuccessResponse(map[string]interface{}{"mic_mute": e.device.MicMute()})

	case protocol.CmdTone:
		freq, _ := cmd.Args["frequency"].(float64)
		ms, _ := cmd.Args["duration_ms"].(int)
		result, err := e.PlayTone(freq, time.Duration(ms)*time.Millisecond)
		if err != nil {
			return protocol.NewErrorResponse(err.Error())
		}
		return protocol.NewSuccessResponse(map[string]interface{}{"tone": result})

	case protocol.CmdCapture:
		ms, _ := cmd.Args["duration_ms"].(int)
		result, err := e.Capture(time.Duration(ms) * time.Millisecond)
		if err != nil {
			return protocol.NewErrorResponse(err.Error())
		}
		return protocol.NewSuccessResponse(map[string]interface{}{"capture": result})

	case protocol.CmdEvents:
		limit, _ := cmd.Args["limit"].(int)
		if limit == 0 {
			limit = 20
		}
		events, err := e.Events(limit)
		if err != nil {
			return protocol.NewErrorResponse(err.Error())
		}
		return protocol.NewSuccessResponse(map[string]interface{}{
			"events": events,
			"count":  len(events),
		})

	case protocol.CmdPing:
		return protocol.NewSuccessResponse(map[string]interface{}{
			"pong": time.Now().Unix(),
		})

	case protocol.CmdQuit:
		return protocol.NewSuccessResponse(map[string]interface{}{
			"message": "goodbye",
		})

	default:
		return protocol.NewErrorResponse(fmt.Sprintf("unknown command: %s", cmd.Type))
	}
}

func (e *CoreEngine) handleParams(cmd *protocol.Command) *protocol.Response {
	action, _ := cmd.Args["action"].(string)
	params, _ := cmd.Args["params"].(string)

	if action == "set" {
		e.SetParameters(params)
	}
	return protocol.NewSuccessResponse(map[string]interface{}{
		"parameters": e.Parameters(params),
	})
}

// Status returns the device snapshot plus engine details
func (e *CoreEngine) Status() map[string]interface{} {
	data := map[string]interface{}{
		"version":    Version,
		"uptime":     time.Since(e.startTime).Round(time.Second).String(),
		"start_time": e.startTime,
		"device":     e.device.Status(),
		"paths":      e.router.ActivePaths(),
		"buffers":    hardware.GetGlobalBufferPool().Statistics(),
		"monitor":    e.monitor.Levels(),
	}
	if e.recorder != nil {
		data["dropped_events"] = e.recorder.Dropped()
	}
	return data
}

// SetParameters applies "k=v;..." parameters. routing is split by the input
// tag bit into the output or input mask.
func (e *CoreEngine) SetParameters(kv string) {
	params := hal.ParseParameters(kv)
	if v, ok := params[hal.ParamRouting]; ok {
		if m, ok := hal.ParseMask(v); ok {
			if m&hal.DeviceBitIn != 0 {
				e.device.SetInputDevice(m)
			} else {
				e.device.SetOutputDevice(m)
			}
		}
	}
	e.device.SetParameters(kv)
}

// Parameters reports the current values of the named keys, or of every
// known key when keys is empty
func (e *CoreEngine) Parameters(keys string) map[string]string {
	st := e.device.State()
	all := map[string]string{
		hal.ParamRouting:     st.OutputDevice.String(),
		"input_routing":      (st.InputDevice | hal.DeviceBitIn).String(),
		hal.ParamOrientation: st.Orientation.String(),
		hal.ParamScreenState: "on",
		"mic_mute":           fmt.Sprint(st.MicMute),
	}
	if st.ScreenOff {
		all[hal.ParamScreenState] = "off"
	}

	wanted := map[string]bool{}
	for _, k := range strings.Split(keys, ";") {
		k, _, _ = strings.Cut(strings.TrimSpace(k), "=")
		if k != "" {
			wanted[k] = true
		}
	}
	if len(wanted) == 0 {
		return all
	}

	out := make(map[string]string)
	for k := range wanted {
		if v, ok := all[k]; ok {
			out[k] = v
		}
	}
	return out
}

// SetMicMute mutes or unmutes capture
func (e *CoreEngine) SetMicMute(mute bool) {
	e.device.SetMicMute(mute)
}

// Events returns the newest limit stream events
func (e *CoreEngine) Events(limit int) ([]hal.Event, error) {
	if e.store == nil {
		return []hal.Event{}, nil
	}
	events, err := e.store.RecentEvents(limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []hal.Event{}
	}
	return events, nil
}

// ToneResult describes a finished tone
type ToneResult struct {
	Frequency float64        `json:"frequency"`
	Frames    int            `json:"frames"`
	LatencyMs uint32         `json:"latency_ms"`
	Levels    monitor.Levels `json:"levels"`
}

// PlayTone writes a sine at freq Hz for d through the main output stream
func (e *CoreEngine) PlayTone(freq float64, d time.Duration) (*ToneResult, error) {
	if freq <= 0 || d <= 0 {
		return nil, fmt.Errorf("invalid tone %.1f Hz for %s", freq, d)
	}

	e.toneMu.Lock()
	defer e.toneMu.Unlock()

	if e.toneOut == nil {
		rate := e.device.Config().MainOut.Rate
		s, err := e.device.OpenOutputStream(hal.OutputConfig{SampleRate: rate, Channels: 2})
		if err != nil {
			return nil, err
		}
		s.SetTap(e.monitor.Tap)
		e.toneOut = s
	}
	s := e.toneOut

	rate := s.SampleRate()
	total := int(int64(rate) * int64(d) / int64(time.Second))
	blockFrames := s.BufferSize() / 4
	block := make([]int16, blockFrames*2)

	written := 0
	for written < total {
		n := blockFrames
		if total-written < n {
			n = total - written
		}
		for i := 0; i < n; i++ {
			v := int16(0.5 * 32767 * math.Sin(2*math.Pi*freq*float64(written+i)/float64(rate)))
			block[2*i] = v
			block[2*i+1] = v
		}
		if _, err := s.Write(hardware.Bytes(block[:n*2])); err != nil {
			return nil, fmt.Errorf("tone write failed: %w", err)
		}
		written += n
	}

	result := &ToneResult{
		Frequency: freq,
		Frames:    written,
		LatencyMs: s.LatencyMs(),
		Levels:    e.monitor.Levels(),
	}
	s.Standby()
	logging.Info("engine", "tone played", logging.Fields{"hz": freq, "frames": written})
	return result, nil
}

// CaptureResult describes a finished capture
type CaptureResult struct {
	SampleRate        int            `json:"sample_rate"`
	Frames            int            `json:"frames"`
	Muted             bool           `json:"muted"`
	Levels            monitor.Levels `json:"levels"`
	DominantFrequency float64        `json:"dominant_frequency"`
}

// Capture records d of mono audio and reports its level and dominant frequency
func (e *CoreEngine) Capture(d time.Duration) (*CaptureResult, error) {
	if d <= 0 {
		return nil, fmt.Errorf("invalid capture duration %s", d)
	}

	e.captureMu.Lock()
	defer e.captureMu.Unlock()

	in, err := e.device.OpenInputStream(hal.InputConfig{SampleRate: captureRate})
	if err != nil {
		return nil, err
	}
	defer e.device.CloseInputStream(in)

	m := monitor.New(512)
	total := int(int64(captureRate) * int64(d) / int64(time.Second))
	buf := make([]byte, in.BufferSize())

	frames := 0
	for frames < total {
		n := len(buf) / 2
		if total-frames < n {
			n = total - frames
		}
		if _, err := in.Read(buf[:n*2]); err != nil {
			return nil, fmt.Errorf("capture read failed: %w", err)
		}
		m.Tap(hardware.Samples(buf[:n*2]), 1, captureRate)
		frames += n
	}

	return &CaptureResult{
		SampleRate:        captureRate,
		Frames:            frames,
		Muted:             e.device.MicMute(),
		Levels:            m.Levels(),
		DominantFrequency: m.DominantFrequency(),
	}, nil
}
