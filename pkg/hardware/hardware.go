package hardware

import (
	"errors"
	"fmt"
	"time"
	"unsafe"
)

// Direction selects playback or capture
type Direction int

const (
	Playback Direction = iota
	Capture
)

func (d Direction) String() string {
	if d == Capture {
		return "capture"
	}
	return "playback"
}

var (
	// ErrUnderrun is returned by PCM.Write when the ring buffer ran dry.
	// The handle has already been re-prepared when it is returned.
	ErrUnderrun = errors.New("pcm underrun")
	// ErrOverrun is returned by PCM.Read when capture data was lost
	ErrOverrun = errors.New("pcm overrun")
	// ErrNotOpen is returned by operations on a closed handle
	ErrNotOpen = errors.New("pcm not open")
)

// PCMConfig describes one hardware PCM path. Samples are always S16 native endian.
type PCMConfig struct {
	Device      int
	Channels    int
	Rate        int
	PeriodSize  int
	PeriodCount int
}

// FrameBytes returns the size of one interleaved frame
func (c PCMConfig) FrameBytes() int {
	return c.Channels * 2
}

// BufferFrames returns the ring size in frames
func (c PCMConfig) BufferFrames() int {
	return c.PeriodSize * c.PeriodCount
}

func (c PCMConfig) String() string {
	return fmt.Sprintf("dev%d %dch %dHz %dx%d", c.Device, c.Channels, c.Rate, c.PeriodSize, c.PeriodCount)
}

// PCM is an open hardware path. A PCM is owned by exactly one stream and
// is not safe for concurrent use.
type PCM interface {
	// Write submits interleaved frames, blocking until they are queued
	Write(p []byte) error
	// Read fills p with interleaved frames, blocking until full
	Read(p []byte) error
	// Occupancy returns the frames queued in the ring for playback, or
	// available to read for capture, with the time they were sampled
	Occupancy() (int, time.Time, error)
	// BufferSize returns the ring size in frames
	BufferSize() int
	FramesToBytes(frames int) int
	Config() PCMConfig
	Close() error
}

// Transport opens hardware PCM paths
type Transport interface {
	Open(dir Direction, cfg PCMConfig) (PCM, error)
}

// MixerControls writes named mixer controls on the codec
type MixerControls interface {
	SetControl(name, value string) error
	Close() error
}

// Samples views a byte slice of S16 PCM as samples without copying
func Samples(b []byte) []int16 {
	if len(b) < 2 {
		return nil
	}
	return unsafe.Slice((*int16)(unsafe.Pointer(&b[0])), len(b)/2)
}

// Bytes views samples as the underlying bytes without copying
func Bytes(s []int16) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*2)
}

// FrameDuration returns the real-time length of frames at rate
func FrameDuration(frames, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(rate))
}

// PlatformConfig selects and configures the platform transport
type PlatformConfig struct {
	Card    int
	Backend string
}
