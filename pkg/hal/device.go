package hal

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dougsko/pcmhal/pkg/hardware"
	"github.com/dougsko/pcmhal/pkg/logging"
	"github.com/google/uuid"
)

// State is the routing and power state shared by every stream
type State struct {
	OutputDevice DeviceMask  `json:"output_device"`
	InputDevice  DeviceMask  `json:"input_device"`
	Orientation  Orientation `json:"-"`
	ScreenOff    bool        `json:"screen_off"`
	MicMute      bool        `json:"mic_mute"`
}

// Observer receives state changes and stream transitions. Calls are made
// with engine locks held and must not block or call back into the Device.
type Observer interface {
	StateChanged(st State)
	StreamEvent(ev Event)
}

// Option configures a Device
type Option func(*Device)

// WithConfig replaces the default hardware profiles
func WithConfig(cfg Config) Option {
	return func(d *Device) { d.cfg = cfg }
}

// WithSleeper replaces time.Sleep for pacing and ring-drain waits
func WithSleeper(fn func(time.Duration)) Option {
	return func(d *Device) { d.sleep = fn }
}

// WithObserver registers an observer
func WithObserver(o Observer) Option {
	return func(d *Device) { d.observer = o }
}

// WithState sets the routing state applied when the device opens
func WithState(st State) Option {
	return func(d *Device) {
		d.outDevice = st.OutputDevice
		d.inDevice = st.InputDevice &^ DeviceBitIn
		d.orientation = st.Orientation
		d.screenOff = st.ScreenOff
		d.micMute = st.MicMute
	}
}

// Device coordinates the streams of one codec
type Device struct {
	mu        sync.Mutex
	cfg       Config
	transport hardware.Transport
	mixer     Mixer
	pool      *hardware.BufferPool
	sleep     func(time.Duration)
	observer  Observer

	outDevice   DeviceMask
	inDevice    DeviceMask
	orientation Orientation
	screenOff   bool
	micMute     bool

	// non-owning; cleared on standby
	activeOut *OutputStream
	activeIn  *InputStream

	outputs map[uuid.UUID]*OutputStream
	inputs  map[uuid.UUID]*InputStream
}

// NewDevice opens the device and applies the initial routing
func NewDevice(transport hardware.Transport, mixer Mixer, opts ...Option) *Device {
	d := &Device{
		cfg:       DefaultConfig(),
		transport: transport,
		mixer:     mixer,
		pool:      hardware.GetGlobalBufferPool(),
		sleep:     time.Sleep,
		outDevice: DeviceOutSpeaker,
		inDevice:  inBuiltinMic,
		outputs:   make(map[uuid.UUID]*OutputStream),
		inputs:    make(map[uuid.UUID]*InputStream),
	}
	for _, opt := range opts {
		opt(d)
	}

	h := d.lock()
	d.selectDevices(h)
	h.unlock()

	logging.Info("hal", "device opened", logging.Fields{
		"out": d.outDevice, "in": d.inDevice, "orientation": d.orientation,
	})
	return d
}

// Config returns the hardware profiles in use
func (d *Device) Config() Config {
	return d.cfg
}

func (d *Device) stateLocked(h *held) State {
	h.assert(d)
	return State{
		OutputDevice: d.outDevice,
		InputDevice:  d.inDevice,
		Orientation:  d.orientation,
		ScreenOff:    d.screenOff,
		MicMute:      d.micMute,
	}
}

func (d *Device) notifyState(h *held) {
	if d.observer != nil {
		d.observer.StateChanged(d.stateLocked(h))
	}
}

// State returns a snapshot of the shared state
func (d *Device) State() State {
	h := d.lock()
	defer h.unlock()
	return d.stateLocked(h)
}

// SetOutputDevice routes playback to mask. A zero or unchanged mask is ignored.
// Moving onto or off a SCO endpoint puts the active output stream in standby
// first so that it reopens with the matching profile.
func (d *Device) SetOutputDevice(mask DeviceMask) {
	h := d.lock()
	defer h.unlock()

	if mask == 0 || mask == d.outDevice {
		return
	}
	if (d.outDevice^mask)&DeviceOutAllSCO != 0 {
		if out := d.activeOut; out != nil {
			out.mu.Lock()
			out.standbyLocked(h, "sco route change")
			out.mu.Unlock()
		}
	}
	d.outDevice = mask
	d.selectDevices(h)
	d.notifyState(h)
}

// SetInputDevice routes capture from mask, ignoring the input tag bit
func (d *Device) SetInputDevice(mask DeviceMask) {
	h := d.lock()
	defer h.unlock()

	mask &^= DeviceBitIn
	if mask == 0 || mask == d.inDevice {
		return
	}
	if (d.inDevice^mask)&inSCOHeadset != 0 {
		if in := d.activeIn; in != nil {
			in.mu.Lock()
			in.standbyLocked(h, "sco route change")
			in.mu.Unlock()
		}
	}
	d.inDevice = mask
	d.selectDevices(h)
	d.notifyState(h)
}

// SetOrientation re-selects the microphone when the orientation changes
func (d *Device) SetOrientation(o Orientation) {
	h := d.lock()
	defer h.unlock()

	if o == d.orientation {
		return
	}
	d.orientation = o
	d.selectDevices(h)
	d.notifyState(h)
}

// SetScreenState records whether the screen is off; the output picks
// its buffering depth from it on the next write
func (d *Device) SetScreenState(off bool) {
	h := d.lock()
	defer h.unlock()

	if d.screenOff == off {
		return
	}
	d.screenOff = off
	d.notifyState(h)
}

func (d *Device) SetMicMute(mute bool) {
	h := d.lock()
	defer h.unlock()

	if d.micMute == mute {
		return
	}
	d.micMute = mute
	d.notifyState(h)
}

func (d *Device) MicMute() bool {
	h := d.lock()
	defer h.unlock()
	return d.micMute
}

// SetParameters applies device level "k=v;k2=v2" parameters:
// orientation and screen_state. Unknown keys and bad values are ignored.
func (d *Device) SetParameters(kv string) {
	params := ParseParameters(kv)
	if v, ok := params[ParamOrientation]; ok {
		d.SetOrientation(ParseOrientation(v))
	}
	if v, ok := params[ParamScreenState]; ok {
		switch v {
		case "on":
			d.SetScreenState(false)
		case "off":
			d.SetScreenState(true)
		}
	}
}

// Parameters reports nothing; there are no readable device parameters
func (d *Device) Parameters(keys string) string {
	return ""
}

// OutputConfig is the framework side format of an output stream
type OutputConfig struct {
	SampleRate int
	Channels   int
}

// OpenOutputStream creates an output stream in standby
func (d *Device) OpenOutputStream(cfg OutputConfig) (*OutputStream, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = d.cfg.MainOut.Rate
	}
	if cfg.Channels == 0 {
		cfg.Channels = 2
	}
	if cfg.SampleRate < 0 || cfg.Channels < 1 || cfg.Channels > 2 {
		return nil, fmt.Errorf("%w: %d Hz %d channels", ErrInvalidConfig, cfg.SampleRate, cfg.Channels)
	}

	s := &OutputStream{
		dev:      d,
		id:       uuid.New(),
		rate:     cfg.SampleRate,
		channels: cfg.Channels,
		standby:  true,
		profile:  Profile{Name: ProfileMain, PCMConfig: d.cfg.MainOut},
	}

	h := d.lock()
	defer h.unlock()
	d.outputs[s.id] = s
	d.emit(s.id, hardware.Playback, EventOpen, "", fmt.Sprintf("%d Hz %d ch", s.rate, s.channels))
	return s, nil
}

// CloseOutputStream puts s in standby and forgets it
func (d *Device) CloseOutputStream(s *OutputStream) {
	h := d.lock()
	defer h.unlock()

	s.mu.Lock()
	s.standbyLocked(h, "close")
	s.closed = true
	s.mu.Unlock()

	if _, ok := d.outputs[s.id]; ok {
		delete(d.outputs, s.id)
		d.emit(s.id, hardware.Playback, EventClose, "", "")
	}
}

// InputConfig is the framework side format of an input stream.
// Input streams are always mono.
type InputConfig struct {
	SampleRate int
}

// OpenInputStream creates an input stream in standby
func (d *Device) OpenInputStream(cfg InputConfig) (*InputStream, error) {
	if !validInputRates[cfg.SampleRate] {
		return nil, fmt.Errorf("%w: %d Hz", ErrInvalidConfig, cfg.SampleRate)
	}

	s := &InputStream{
		dev:     d,
		id:      uuid.New(),
		rate:    cfg.SampleRate,
		standby: true,
		profile: Profile{Name: ProfileMain, PCMConfig: d.cfg.MainIn},
	}

	h := d.lock()
	defer h.unlock()
	d.inputs[s.id] = s
	d.emit(s.id, hardware.Capture, EventOpen, "", fmt.Sprintf("%d Hz", s.rate))
	return s, nil
}

// CloseInputStream puts s in standby and forgets it
func (d *Device) CloseInputStream(s *InputStream) {
	h := d.lock()
	defer h.unlock()

	s.mu.Lock()
	s.standbyLocked(h, "close")
	s.closed = true
	s.mu.Unlock()

	if _, ok := d.inputs[s.id]; ok {
		delete(d.inputs, s.id)
		d.emit(s.id, hardware.Capture, EventClose, "", "")
	}
}

// Close closes every open stream
func (d *Device) Close() {
	h := d.lock()
	outs := make([]*OutputStream, 0, len(d.outputs))
	for _, s := range d.outputs {
		outs = append(outs, s)
	}
	ins := make([]*InputStream, 0, len(d.inputs))
	for _, s := range d.inputs {
		ins = append(ins, s)
	}
	h.unlock()

	for _, s := range outs {
		d.CloseOutputStream(s)
	}
	for _, s := range ins {
		d.CloseInputStream(s)
	}
}

// outputProfile picks the playback profile for the current routing
func (d *Device) outputProfile(h *held) Profile {
	h.assert(d)
	if d.outDevice&DeviceOutAllSCO != 0 {
		return Profile{Name: ProfileSCO, PCMConfig: d.cfg.SCO}
	}
	return Profile{Name: ProfileMain, PCMConfig: d.cfg.MainOut}
}

// inputProfile picks the capture profile for the current routing
func (d *Device) inputProfile(h *held) Profile {
	h.assert(d)
	if d.inDevice&inSCOHeadset != 0 {
		return Profile{Name: ProfileSCO, PCMConfig: d.cfg.SCO}
	}
	return Profile{Name: ProfileMain, PCMConfig: d.cfg.MainIn}
}

// claimOutput clears the way for s to go active with the returned profile:
// a capture stream in a conflicting rate group and any other active output
// are put in standby. The caller must not hold s.mu.
func (d *Device) claimOutput(h *held, s *OutputStream) Profile {
	profile := d.outputProfile(h)

	if in := d.activeIn; in != nil {
		in.mu.Lock()
		if !in.standby && rateGroupsConflict(profile.Rate, in.profile.Rate) {
			in.standbyLocked(h, fmt.Sprintf("rate conflict with %d Hz playback", profile.Rate))
		}
		in.mu.Unlock()
	}
	if prev := d.activeOut; prev != nil && prev != s {
		prev.mu.Lock()
		prev.standbyLocked(h, "superseded")
		prev.mu.Unlock()
	}
	return profile
}

// claimInput mirrors claimOutput for capture
func (d *Device) claimInput(h *held, s *InputStream) Profile {
	profile := d.inputProfile(h)

	if out := d.activeOut; out != nil {
		out.mu.Lock()
		if !out.standby && rateGroupsConflict(profile.Rate, out.profile.Rate) {
			out.standbyLocked(h, fmt.Sprintf("rate conflict with %d Hz capture", profile.Rate))
		}
		out.mu.Unlock()
	}
	if prev := d.activeIn; prev != nil && prev != s {
		prev.mu.Lock()
		prev.standbyLocked(h, "superseded")
		prev.mu.Unlock()
	}
	return profile
}

// Status is a point-in-time view of the device and its streams
type Status struct {
	State       State          `json:"state"`
	Orientation string         `json:"orientation"`
	Outputs     []StreamStatus `json:"outputs"`
	Inputs      []StreamStatus `json:"inputs"`
}

// Status snapshots the device. It waits for in-flight transfers.
func (d *Device) Status() Status {
	h := d.lock()
	defer h.unlock()

	st := Status{
		State:       d.stateLocked(h),
		Orientation: d.orientation.String(),
		Outputs:     []StreamStatus{},
		Inputs:      []StreamStatus{},
	}
	for _, s := range d.outputs {
		s.mu.Lock()
		st.Outputs = append(st.Outputs, s.statusLocked())
		s.mu.Unlock()
	}
	for _, s := range d.inputs {
		s.mu.Lock()
		st.Inputs = append(st.Inputs, s.statusLocked())
		s.mu.Unlock()
	}
	sort.Slice(st.Outputs, func(i, j int) bool { return st.Outputs[i].ID < st.Outputs[j].ID })
	sort.Slice(st.Inputs, func(i, j int) bool { return st.Inputs[i].ID < st.Inputs[j].ID })
	return st
}
