package hal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dougsko/pcmhal/pkg/hardware"
	"github.com/dougsko/pcmhal/pkg/logging"
	"github.com/dougsko/pcmhal/pkg/resample"
	"github.com/google/uuid"
)

// Tap receives every block successfully submitted to the hardware, at the
// hardware rate and channel count. It runs with the stream lock held.
type Tap func(samples []int16, channels, rate int)

// OutputStream plays PCM through the device. It starts in standby and
// opens the hardware on the first Write or Resume.
type OutputStream struct {
	dev      *Device
	id       uuid.UUID
	rate     int
	channels int

	mu      sync.Mutex
	standby bool
	closed  bool
	profile Profile
	pcm     hardware.PCM

	// hardware-rate frames submitted since open, kept across standby
	written uint64

	bufferType        BufferType
	writeThreshold    int
	curWriteThreshold int

	resampler *resample.Resampler
	remap     *hardware.Buffer
	resampled *hardware.Buffer

	tap   Tap
	stats streamStats
}

func (s *OutputStream) ID() string      { return s.id.String() }
func (s *OutputStream) SampleRate() int { return s.rate }
func (s *OutputStream) Channels() int   { return s.channels }
func (s *OutputStream) Format() Format  { return FormatPCM16Bit }

// BufferSize returns the preferred write size in bytes: one main period
// at the stream rate, rounded up to 16 frames
func (s *OutputStream) BufferSize() int {
	main := s.dev.cfg.MainOut
	frames := main.PeriodSize * s.rate / main.Rate
	return roundBufferFrames(frames) * s.channels * 2
}

// SetTap installs fn as the output tap; nil removes it
func (s *OutputStream) SetTap(fn Tap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tap = fn
}

// SetParameters applies "routing=<mask>" to the device output mask and
// forwards orientation and screen_state
func (s *OutputStream) SetParameters(kv string) {
	params := ParseParameters(kv)
	if v, ok := params[ParamRouting]; ok {
		if mask, ok := ParseMask(v); ok {
			s.dev.SetOutputDevice(mask)
		}
	}
	s.dev.SetParameters(kv)
}

func (s *OutputStream) Parameters(keys string) string {
	return ""
}

// Standby closes the hardware path. Calling it on a stream already in standby does nothing.
func (s *OutputStream) Standby() error {
	h := s.dev.lock()
	defer h.unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.standbyLocked(h, "requested")
	return nil
}

// Resume opens the hardware path without writing
func (s *OutputStream) Resume() error {
	h := s.dev.lock()
	s.mu.Lock()
	err := s.ensureActive(h)
	s.mu.Unlock()
	h.unlock()
	return err
}

// ensureActive brings the stream out of standby. Called with the device
// lock and s.mu held; s.mu is dropped while other streams are claimed.
func (s *OutputStream) ensureActive(h *held) error {
	if s.closed {
		return ErrClosed
	}
	if !s.standby {
		return nil
	}
	s.mu.Unlock()
	profile := s.dev.claimOutput(h, s)
	s.mu.Lock()
	if s.closed {
		return ErrClosed
	}
	if !s.standby {
		return nil
	}
	return s.startLocked(h, profile)
}

func (s *OutputStream) startLocked(h *held, profile Profile) error {
	h.assert(s.dev)
	d := s.dev

	pcm, err := d.transport.Open(hardware.Playback, profile.PCMConfig)
	if err != nil {
		s.stats.openFailures++
		logging.Error("output", "failed to open playback path", logging.Fields{
			"stream": s.id, "profile": profile.Name, "config": profile.PCMConfig.String(), "error": err,
		})
		d.emit(s.id, hardware.Playback, EventOpenFailed, profile.Name, err.Error())
		return fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
	}

	if s.rate != profile.Rate {
		rs, err := resample.New(profile.Channels, s.rate, profile.Rate, d.cfg.ResamplerQuality)
		if err != nil {
			pcm.Close()
			s.stats.openFailures++
			return fmt.Errorf("%w: %v", ErrResourceUnavailable, err)
		}
		s.resampler = rs
		frames := (profile.PeriodSize*profile.Rate+s.rate-1)/s.rate + 1
		s.resampled = d.pool.Get(frames * profile.Channels)
	}

	s.pcm = pcm
	s.profile = profile
	s.bufferType = BufferUnknown
	s.standby = false
	d.activeOut = s

	logging.Debug("output", "stream active", logging.Fields{
		"stream": s.id, "profile": profile.Name, "config": profile.PCMConfig.String(), "resampling": s.resampler != nil,
	})
	d.emit(s.id, hardware.Playback, EventStart, profile.Name, profile.PCMConfig.String())
	return nil
}

func (s *OutputStream) standbyLocked(h *held, reason string) {
	h.assert(s.dev)
	if s.standby {
		return
	}
	if s.pcm != nil {
		if err := s.pcm.Close(); err != nil {
			logging.Warn("output", "close failed", logging.Fields{"stream": s.id, "error": err})
		}
		s.pcm = nil
	}
	s.resampler = nil
	s.remap.Release()
	s.remap = nil
	s.resampled.Release()
	s.resampled = nil

	if s.dev.activeOut == s {
		s.dev.activeOut = nil
	}
	s.standby = true
	s.stats.standbys++
	s.dev.emit(s.id, hardware.Playback, EventStandby, s.profile.Name, reason)
}

// Write plays p, an interleaved S16 buffer at the stream rate and channel
// count. It always reports len(p) bytes consumed; hardware failures are
// absorbed by sleeping for the real-time length of p. The error is non-nil
// only when the hardware path could not be opened.
func (s *OutputStream) Write(p []byte) (int, error) {
	d := s.dev
	h := d.lock()
	s.mu.Lock()
	if err := s.ensureActive(h); err != nil {
		s.mu.Unlock()
		h.unlock()
		if errors.Is(err, ErrClosed) {
			return 0, err
		}
		d.pace(len(p), s.channels*2, s.rate)
		return len(p), err
	}
	screenOff := d.screenOff
	inputActive := d.activeIn != nil
	h.unlock()

	ok := s.writeLocked(p, screenOff, inputActive)
	s.mu.Unlock()

	if !ok {
		d.pace(len(p), s.channels*2, s.rate)
	}
	return len(p), nil
}

// writeLocked runs the adaptive write. It returns false when the block was
// not submitted and the caller must pace.
func (s *OutputStream) writeLocked(p []byte, screenOff, inputActive bool) bool {
	d := s.dev
	cfg := s.profile.PCMConfig
	sco := s.profile.Name == ProfileSCO

	bt := BufferShort
	if screenOff && !inputActive && !sco {
		bt = BufferLong
	}
	if bt != s.bufferType {
		s.writeThreshold = cfg.PeriodSize * d.cfg.periodCount(bt)
		if s.bufferType == BufferUnknown {
			s.curWriteThreshold = s.writeThreshold
		}
		s.bufferType = bt
	}

	frames := len(p) / (s.channels * 2)
	block := hardware.Samples(p[:frames*s.channels*2])
	if s.channels != cfg.Channels {
		block = s.remapChannels(block, frames, cfg.Channels)
	}
	outFrames := frames
	if s.resampler != nil {
		need := (frames*cfg.Rate+s.rate-1)/s.rate + 1
		s.resampled = s.resampled.Grow(need * cfg.Channels)
		_, outFrames = s.resampler.Resample(block, s.resampled.Data)
		block = s.resampled.Data[:outFrames*cfg.Channels]
	}

	if !sco {
		kf, known := s.drain()
		s.ramp(kf, known)
	}

	err := s.pcm.Write(hardware.Bytes(block))
	switch {
	case err == nil:
		s.written += uint64(outFrames)
		s.stats.bytes += uint64(len(p))
		if s.tap != nil {
			s.tap(block, cfg.Channels, cfg.Rate)
		}
		return true
	case errors.Is(err, hardware.ErrUnderrun):
		s.stats.underruns++
		d.emit(s.id, hardware.Playback, EventUnderrun, s.profile.Name, "")
		return true
	default:
		s.stats.transportErrors++
		logging.Warn("output", "write failed", logging.Fields{"stream": s.id, "error": err})
		d.emit(s.id, hardware.Playback, EventTransportError, s.profile.Name, err.Error())
		return false
	}
}

// remapChannels copies block into the remap scratch with hw channels per
// frame. Extra source channels are dropped; missing ones repeat the last.
func (s *OutputStream) remapChannels(block []int16, frames, hw int) []int16 {
	s.remap = s.remap.Grow(frames * hw)
	dst := s.remap.Data
	fw := s.channels
	for i := 0; i < frames; i++ {
		for c := 0; c < hw; c++ {
			src := c
			if src >= fw {
				src = fw - 1
			}
			dst[i*hw+c] = block[i*fw+src]
		}
	}
	return dst
}

// drain waits while the ring holds more than the current threshold, for at
// most one short buffer's worth of time per write. It returns the last
// occupancy seen.
func (s *OutputStream) drain() (int, bool) {
	d := s.dev
	rate := int64(s.profile.Rate)
	minUs := d.cfg.MinWriteSleep.Microseconds()
	maxUs := d.cfg.maxWriteSleepUs()

	var kf int
	known := false
	var total int64
	for {
		frames, _, err := s.pcm.Occupancy()
		if err != nil {
			break
		}
		kf, known = frames, true
		if kf <= s.curWriteThreshold {
			break
		}

		sleepUs := int64(kf-s.curWriteThreshold) * 1000000 / rate
		if sleepUs < minUs {
			break
		}
		total += sleepUs
		if total > maxUs {
			sleepUs = maxUs - (total - sleepUs)
		}
		if sleepUs > 0 {
			d.sleep(time.Duration(sleepUs) * time.Microsecond)
		}
		if total > maxUs {
			break
		}
	}
	return kf, known
}

// ramp moves the current threshold a quarter period toward the target.
// When it is on target but the ring has drained well below it, the
// threshold snaps to just above the occupancy so the ring refills at once.
func (s *OutputStream) ramp(kf int, known bool) {
	period := s.profile.PeriodSize
	step := period / 4
	wt := s.writeThreshold

	switch {
	case s.curWriteThreshold > wt:
		s.curWriteThreshold -= step
		if s.curWriteThreshold < wt {
			s.curWriteThreshold = wt
		}
	case s.curWriteThreshold < wt:
		s.curWriteThreshold += step
		if s.curWriteThreshold > wt {
			s.curWriteThreshold = wt
		}
	case known && kf < wt && wt-kf > period*s.dev.cfg.ShortPeriodCount:
		s.curWriteThreshold = (kf/period+1)*period + step
	}
}

// LatencyMs returns the ring depth in milliseconds for the current buffer type
func (s *OutputStream) LatencyMs() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latencyLocked()
}

func (s *OutputStream) latencyLocked() uint32 {
	cfg := s.profile.PCMConfig
	if cfg.Rate == 0 {
		return 0
	}
	count := s.dev.cfg.periodCount(s.bufferType)
	return uint32(int64(cfg.PeriodSize) * int64(count) * 1000 / int64(cfg.Rate))
}

// PresentationPosition returns the hardware-rate frames that have left the
// ring and the time the ring was sampled
func (s *OutputStream) PresentationPosition() (uint64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.standby || s.pcm == nil {
		return 0, time.Time{}, ErrNotActive
	}
	queued, ts, err := s.pcm.Occupancy()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: %v", ErrNotActive, err)
	}
	pos := int64(s.written) - int64(queued)
	if pos < 0 {
		return 0, time.Time{}, ErrNotActive
	}
	return uint64(pos), ts, nil
}

// thresholds reports the target and current write thresholds
func (s *OutputStream) thresholds() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeThreshold, s.curWriteThreshold
}

func (s *OutputStream) statusLocked() StreamStatus {
	st := StreamStatus{
		ID:             s.id.String(),
		Direction:      hardware.Playback.String(),
		SampleRate:     s.rate,
		Channels:       s.channels,
		Standby:        s.standby,
		Profile:        s.profile.Name,
		HardwareRate:   s.profile.Rate,
		BufferType:     s.bufferType.String(),
		WriteThreshold: s.writeThreshold,
		CurThreshold:   s.curWriteThreshold,
		LatencyMs:      s.latencyLocked(),
		Frames:         s.written,
	}
	s.stats.fill(&st)
	return st
}
