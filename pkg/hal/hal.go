// Package hal is the audio device and stream engine between an audio
// framework and a PCM codec.
//
// A Device owns the shared routing state and at most one active stream per
// direction. OutputStream and InputStream move PCM through a
// hardware.Transport, converting rate and channel layout as needed, and pace
// the caller so that the codec ring buffer neither drains nor grows past the
// latency target.
//
// Locking: the device lock is always taken before a stream lock. A stream
// going active takes the other direction's stream lock only while holding the
// device lock and only while its own stream lock is released. Functions that
// need the device lock take a *held token, which panics when used after the
// lock was released.
package hal

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dougsko/pcmhal/pkg/config"
	"github.com/dougsko/pcmhal/pkg/hardware"
	"github.com/dougsko/pcmhal/pkg/resample"
)

var (
	// ErrResourceUnavailable reports that the hardware path could not be opened.
	// The stream stays in standby and the next transfer retries.
	ErrResourceUnavailable = errors.New("hardware path unavailable")
	ErrInvalidConfig       = errors.New("invalid stream configuration")
	ErrNotActive           = errors.New("stream not active")
	ErrClosed              = errors.New("stream closed")
)

// DeviceMask is a bit set of audio endpoints
type DeviceMask uint32

const (
	DeviceOutEarpiece            DeviceMask = 0x1
	DeviceOutSpeaker             DeviceMask = 0x2
	DeviceOutWiredHeadset        DeviceMask = 0x4
	DeviceOutWiredHeadphone      DeviceMask = 0x8
	DeviceOutBluetoothSCO        DeviceMask = 0x10
	DeviceOutBluetoothSCOHeadset DeviceMask = 0x20
	DeviceOutBluetoothSCOCarkit  DeviceMask = 0x40
	DeviceOutAnlgDockHeadset     DeviceMask = 0x800
	DeviceOutDgtlDockHeadset     DeviceMask = 0x1000

	DeviceOutAllSCO = DeviceOutBluetoothSCO | DeviceOutBluetoothSCOHeadset | DeviceOutBluetoothSCOCarkit

	// DeviceBitIn tags input masks
	DeviceBitIn DeviceMask = 0x80000000

	DeviceInBuiltinMic          = DeviceBitIn | 0x4
	DeviceInBluetoothSCOHeadset = DeviceBitIn | 0x8
	DeviceInWiredHeadset        = DeviceBitIn | 0x10
)

// input masks are stored untagged
const (
	inBuiltinMic = DeviceInBuiltinMic &^ DeviceBitIn
	inSCOHeadset = DeviceInBluetoothSCOHeadset &^ DeviceBitIn
)

func (m DeviceMask) String() string {
	return fmt.Sprintf("%#x", uint32(m))
}

// Orientation of the device, used to pick the active microphone
type Orientation int

const (
	OrientationUndefined Orientation = iota
	OrientationLandscape
	OrientationPortrait
	OrientationSquare
)

// ParseOrientation maps a parameter value to an Orientation; unknown values are undefined
func ParseOrientation(s string) Orientation {
	switch s {
	case "landscape":
		return OrientationLandscape
	case "portrait":
		return OrientationPortrait
	case "square":
		return OrientationSquare
	default:
		return OrientationUndefined
	}
}

func (o Orientation) String() string {
	switch o {
	case OrientationLandscape:
		return "landscape"
	case OrientationPortrait:
		return "portrait"
	case OrientationSquare:
		return "square"
	default:
		return "undefined"
	}
}

// Format is the sample format exposed to the framework
type Format int

const FormatPCM16Bit Format = 1

func (f Format) String() string {
	if f == FormatPCM16Bit {
		return "pcm_16_bit"
	}
	return "unknown"
}

// BufferType selects how deep the output keeps the codec ring
type BufferType int

const (
	BufferUnknown BufferType = iota
	BufferShort
	BufferLong
)

func (b BufferType) String() string {
	switch b {
	case BufferShort:
		return "short"
	case BufferLong:
		return "long"
	default:
		return "unknown"
	}
}

// Profile is a named hardware PCM configuration
type Profile struct {
	Name string
	hardware.PCMConfig
}

const (
	ProfileMain = "main"
	ProfileSCO  = "sco"
)

// Config holds the fixed hardware profiles and pacing constants
type Config struct {
	MainOut hardware.PCMConfig
	SCO     hardware.PCMConfig
	MainIn  hardware.PCMConfig

	ShortPeriodCount int
	LongPeriodCount  int
	MinWriteSleep    time.Duration
	ResamplerQuality int
}

// DefaultConfig returns the profiles of the reference codec
func DefaultConfig() Config {
	return Config{
		MainOut:          hardware.PCMConfig{Device: 0, Channels: 2, Rate: 44100, PeriodSize: 512, PeriodCount: 8},
		SCO:              hardware.PCMConfig{Device: 2, Channels: 1, Rate: 8000, PeriodSize: 256, PeriodCount: 4},
		MainIn:           hardware.PCMConfig{Device: 0, Channels: 2, Rate: 44100, PeriodSize: 1024, PeriodCount: 2},
		ShortPeriodCount: 2,
		LongPeriodCount:  8,
		MinWriteSleep:    2 * time.Millisecond,
		ResamplerQuality: resample.DefaultQuality,
	}
}

func pcmConfig(p config.PCMProfile) hardware.PCMConfig {
	return hardware.PCMConfig{
		Device:      p.Device,
		Channels:    p.Channels,
		Rate:        p.Rate,
		PeriodSize:  p.PeriodSize,
		PeriodCount: p.PeriodCount,
	}
}

// ConfigFrom builds the engine configuration from the daemon configuration
func ConfigFrom(c *config.Config) Config {
	return Config{
		MainOut:          pcmConfig(c.Profiles.MainOut),
		SCO:              pcmConfig(c.Profiles.SCO),
		MainIn:           pcmConfig(c.Profiles.MainIn),
		ShortPeriodCount: c.Profiles.OutShortPeriodCount,
		LongPeriodCount:  c.Profiles.OutLongPeriodCount,
		MinWriteSleep:    time.Duration(c.Profiles.MinWriteSleepUs) * time.Microsecond,
		ResamplerQuality: c.Profiles.ResamplerQuality,
	}
}

// maxWriteSleepUs bounds the time one write may spend waiting for the ring to drain
func (c Config) maxWriteSleepUs() int64 {
	return int64(c.MainOut.PeriodSize) * int64(c.ShortPeriodCount) * 1000000 / int64(c.MainOut.Rate)
}

func (c Config) periodCount(t BufferType) int {
	if t == BufferLong {
		return c.LongPeriodCount
	}
	return c.ShortPeriodCount
}

// rateGroupsConflict reports whether two hardware rates cannot run at the
// same time: one is in the 8 kHz family and the other is not, or likewise
// for the 11.025 kHz family.
func rateGroupsConflict(a, b int) bool {
	return (a%8000 == 0 && b%8000 != 0) || (a%11025 == 0 && b%11025 != 0)
}

// ParseParameters splits "k1=v1;k2=v2" into a map. Malformed pairs are skipped.
func ParseParameters(kv string) map[string]string {
	params := make(map[string]string)
	for _, pair := range strings.Split(kv, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			continue
		}
		params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return params
}

// ParseMask reads a decimal or 0x-prefixed device mask
func ParseMask(s string) (DeviceMask, bool) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, false
	}
	return DeviceMask(v), true
}

// Parameter keys understood by the engine
const (
	ParamRouting     = "routing"
	ParamOrientation = "orientation"
	ParamScreenState = "screen_state"
)

// roundBufferFrames rounds a frame count up to a multiple of 16
func roundBufferFrames(frames int) int {
	return ((frames + 15) / 16) * 16
}

var validInputRates = map[int]bool{
	8000: true, 11025: true, 16000: true, 22050: true,
	24000: true, 32000: true, 44100: true, 48000: true,
}
