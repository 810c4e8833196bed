package hal

import (
	"time"

	"github.com/dougsko/pcmhal/pkg/hardware"
	"github.com/google/uuid"
)

// StreamOut is the playback surface handed to the audio framework
type StreamOut interface {
	ID() string
	SampleRate() int
	BufferSize() int
	Channels() int
	Format() Format
	Standby() error
	SetParameters(kv string)
	Parameters(keys string) string
	Write(p []byte) (int, error)
	LatencyMs() uint32
	PresentationPosition() (uint64, time.Time, error)
}

// StreamIn is the capture surface handed to the audio framework
type StreamIn interface {
	ID() string
	SampleRate() int
	BufferSize() int
	Channels() int
	Format() Format
	Standby() error
	SetParameters(kv string)
	Parameters(keys string) string
	Read(p []byte) (int, error)
}

var (
	_ StreamOut = (*OutputStream)(nil)
	_ StreamIn  = (*InputStream)(nil)
)

// EventKind names a stream transition
type EventKind string

const (
	EventOpen           EventKind = "open"
	EventClose          EventKind = "close"
	EventStart          EventKind = "start"
	EventStandby        EventKind = "standby"
	EventOpenFailed     EventKind = "open_failed"
	EventUnderrun       EventKind = "underrun"
	EventTransportError EventKind = "transport_error"
	EventPullError      EventKind = "pull_error"
)

// Event is one stream transition reported to the Observer
type Event struct {
	Time      time.Time `json:"time"`
	StreamID  string    `json:"stream_id"`
	Direction string    `json:"direction"`
	Kind      EventKind `json:"kind"`
	Profile   string    `json:"profile,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// StreamStatus is a snapshot of one stream
type StreamStatus struct {
	ID              string `json:"id"`
	Direction       string `json:"direction"`
	SampleRate      int    `json:"sample_rate"`
	Channels        int    `json:"channels"`
	Standby         bool   `json:"standby"`
	Profile         string `json:"profile"`
	HardwareRate    int    `json:"hardware_rate"`
	BufferType      string `json:"buffer_type,omitempty"`
	WriteThreshold  int    `json:"write_threshold,omitempty"`
	CurThreshold    int    `json:"cur_write_threshold,omitempty"`
	LatencyMs       uint32 `json:"latency_ms,omitempty"`
	Frames          uint64 `json:"frames"`
	Bytes           uint64 `json:"bytes"`
	Underruns       uint64 `json:"underruns"`
	TransportErrors uint64 `json:"transport_errors"`
	PullErrors      uint64 `json:"pull_errors"`
	OpenFailures    uint64 `json:"open_failures"`
	Standbys        uint64 `json:"standbys"`
}

type streamStats struct {
	bytes           uint64
	underruns       uint64
	transportErrors uint64
	pullErrors      uint64
	openFailures    uint64
	standbys        uint64
}

func (st streamStats) fill(s *StreamStatus) {
	s.Bytes = st.bytes
	s.Underruns = st.underruns
	s.TransportErrors = st.transportErrors
	s.PullErrors = st.pullErrors
	s.OpenFailures = st.openFailures
	s.Standbys = st.standbys
}

// emit reports ev to the observer. Callers may hold any engine lock.
func (d *Device) emit(id uuid.UUID, dir hardware.Direction, kind EventKind, profile, detail string) {
	if d.observer == nil {
		return
	}
	d.observer.StreamEvent(Event{
		Time:      time.Now(),
		StreamID:  id.String(),
		Direction: dir.String(),
		Kind:      kind,
		Profile:   profile,
		Detail:    detail,
	})
}

// pace sleeps for the real-time length of bytes at the given frame size and rate
func (d *Device) pace(bytes, frameBytes, rate int) {
	if frameBytes <= 0 || rate <= 0 {
		return
	}
	us := int64(bytes) * 1000000 / int64(frameBytes) / int64(rate)
	if us > 0 {
		d.sleep(time.Duration(us) * time.Microsecond)
	}
}
