package hal

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dougsko/pcmhal/pkg/hardware"
	"github.com/dougsko/pcmhal/pkg/logging"
	"github.com/dougsko/pcmhal/pkg/resample"
	"github.com/google/uuid"
)

// InputStream captures mono PCM at a caller chosen rate
type InputStream struct {
	dev  *Device
	id   uuid.UUID
	rate int

	mu      sync.Mutex
	standby bool
	closed  bool
	profile Profile
	pcm     hardware.PCM

	resampler *resample.Resampler
	// one hardware period, owned by the provider
	scratch *hardware.Buffer
	downmix *hardware.Buffer
	// frames left in scratch not yet consumed by the resampler
	framesIn   int
	readStatus error

	read  uint64
	stats streamStats
}

func (s *InputStream) ID() string      { return s.id.String() }
func (s *InputStream) SampleRate() int { return s.rate }
func (s *InputStream) Channels() int   { return 1 }
func (s *InputStream) Format() Format  { return FormatPCM16Bit }

// BufferSize returns the preferred read size in bytes: one main capture
// period at the stream rate, rounded up to 16 frames
func (s *InputStream) BufferSize() int {
	main := s.dev.cfg.MainIn
	frames := main.PeriodSize * s.rate / main.Rate
	return roundBufferFrames(frames) * 2
}

// SetParameters applies "routing=<mask>" to the device input mask and
// forwards orientation and screen_state
func (s *InputStream) SetParameters(kv string) {
	params := ParseParameters(kv)
	if v, ok := params[ParamRouting]; ok {
		if mask, ok := ParseMask(v); ok {
			s.dev.SetInputDevice(mask)
		}
	}
	s.dev.SetParameters(kv)
}

func (s *InputStream) Parameters(keys string) string {
	return ""
}

// Standby closes the hardware path. Calling it on a stream already in standby does nothing.
func (s *InputStream) Standby() error {
	h := s.dev.lock()
	defer h.unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.standbyLocked(h, "requested")
	return nil
}

// Resume opens the hardware path without reading
func (s *InputStream) Resume() error {
	h := s.dev.lock()
	s.mu.Lock()
	err := s.ensureActive(h)
	s.mu.Unlock()
	h.unlock()
	return err
}

func (s *InputStream) ensureActive(h *held) error {
	if s.closed {
		return ErrClosed
	}
	if !s.standby {
		return nil
	}
	s.mu.Unlock()
	profile := s.dev.claimInput(h, s)
	s.mu.Lock()
	if s.closed {
		return ErrClosed
	}
	if !s.standby {
		return nil
	}
	return s.startLocked(h, profile)
}

func (s *InputStream) startLocked(h *held, profile Profile) error {
	h.assert(s.dev)
	d := s.dev

	pcm, err := d.transport.Open(hardware.Capture, profile.PCMConfig)
	if err != nil {
		s.stats.openFailures++
		logging.Error("input", "failed to open capture path", logging.Fields{
			"stream": s.id, "profile": profile.Name, "config": profile.PCMConfig.String(), "error": err,
		})
		d.emit(s.id, hardware.Capture, EventOpenFailed, profile.Name, err.Error())
		return fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
	}

	s.framesIn = 0
	s.readStatus = nil
	s.scratch = d.pool.Get(profile.PeriodSize * profile.Channels)

	if s.rate != profile.Rate {
		rs, err := resample.NewPull(1, profile.Rate, s.rate, d.cfg.ResamplerQuality, &bufferProvider{s: s})
		if err != nil {
			pcm.Close()
			s.scratch.Release()
			s.scratch = nil
			s.stats.openFailures++
			return fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
		}
		s.resampler = rs
	}

	s.pcm = pcm
	s.profile = profile
	s.standby = false
	d.activeIn = s

	logging.Debug("input", "stream active", logging.Fields{
		"stream": s.id, "profile": profile.Name, "config": profile.PCMConfig.String(), "resampling": s.resampler != nil,
	})
	d.emit(s.id, hardware.Capture, EventStart, profile.Name, profile.PCMConfig.String())
	return nil
}

func (s *InputStream) standbyLocked(h *held, reason string) {
	h.assert(s.dev)
	if s.standby {
		return
	}
	if s.pcm != nil {
		if err := s.pcm.Close(); err != nil {
			logging.Warn("input", "close failed", logging.Fields{"stream": s.id, "error": err})
		}
		s.pcm = nil
	}
	s.resampler = nil
	s.scratch.Release()
	s.scratch = nil
	s.downmix.Release()
	s.downmix = nil
	s.framesIn = 0

	if s.dev.activeIn == s {
		s.dev.activeIn = nil
	}
	s.standby = true
	s.stats.standbys++
	s.dev.emit(s.id, hardware.Capture, EventStandby, s.profile.Name, reason)
}

// Read fills p with mono S16 samples at the stream rate. It always reports
// len(p) bytes; on hardware failure it sleeps for the real-time length of
// p instead. The error is non-nil only when the hardware path could not be
// opened.
func (s *InputStream) Read(p []byte) (int, error) {
	d := s.dev
	h := d.lock()
	s.mu.Lock()
	if err := s.ensureActive(h); err != nil {
		s.mu.Unlock()
		h.unlock()
		if errors.Is(err, ErrClosed) {
			return 0, err
		}
		d.pace(len(p), 2, s.rate)
		return len(p), err
	}
	mute := d.micMute
	h.unlock()

	err := s.readLocked(p, mute)
	s.mu.Unlock()

	if err != nil {
		d.pace(len(p), 2, s.rate)
	}
	return len(p), nil
}

func (s *InputStream) readLocked(p []byte, mute bool) error {
	frames := len(p) / 2
	out := hardware.Samples(p[:frames*2])

	var err error
	switch {
	case s.resampler != nil:
		_, err = s.resampler.ReadFrames(out)
		if err == nil {
			err = s.readStatus
		}
	case s.profile.Channels == 2:
		s.downmix = s.downmix.Grow(frames * 2)
		err = s.pcm.Read(hardware.Bytes(s.downmix.Data))
		if err == nil {
			for i := range out {
				out[i] = s.downmix.Data[2*i]
			}
		}
	default:
		err = s.pcm.Read(p[:frames*2])
	}

	if err != nil {
		s.stats.pullErrors++
		logging.Warn("input", "read failed", logging.Fields{"stream": s.id, "error": err})
		s.dev.emit(s.id, hardware.Capture, EventPullError, s.profile.Name, err.Error())
		return err
	}

	if mute {
		for i := range out {
			out[i] = 0
		}
	}
	s.read += uint64(frames)
	s.stats.bytes += uint64(frames * 2)
	return nil
}

// bufferProvider feeds the capture resampler one hardware period at a time.
// It runs under the owning stream's lock.
type bufferProvider struct {
	s *InputStream
}

func (b *bufferProvider) NextBuffer(frames int) (resample.Buffer, error) {
	s := b.s
	period := s.profile.PeriodSize

	if s.framesIn == 0 {
		data := s.scratch.Data[:period*s.profile.Channels]
		s.readStatus = s.pcm.Read(hardware.Bytes(data))
		if s.readStatus != nil {
			return resample.Buffer{}, s.readStatus
		}
		if s.profile.Channels == 2 {
			for i := 0; i < period; i++ {
				data[i] = data[2*i]
			}
		}
		s.framesIn = period
	}

	off := period - s.framesIn
	n := frames
	if n > s.framesIn {
		n = s.framesIn
	}
	return resample.Buffer{Samples: s.scratch.Data[off : off+n], Frames: n}, s.readStatus
}

func (b *bufferProvider) ReleaseBuffer(frames int) {
	b.s.framesIn -= frames
	if b.s.framesIn < 0 {
		b.s.framesIn = 0
	}
}

func (s *InputStream) statusLocked() StreamStatus {
	st := StreamStatus{
		ID:           s.id.String(),
		Direction:    hardware.Capture.String(),
		SampleRate:   s.rate,
		Channels:     1,
		Standby:      s.standby,
		Profile:      s.profile.Name,
		HardwareRate: s.profile.Rate,
		Frames:       s.read,
	}
	s.stats.fill(&st)
	return st
}
