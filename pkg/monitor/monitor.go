// Package monitor measures level and spectrum of PCM blocks as they pass
// through a stream.
package monitor

import (
	"math"
	"sync"
	"time"

	"github.com/mjibson/go-dsp/fft"
)

// DefaultFFTSize gives about 43 Hz bins at 44.1 kHz
const DefaultFFTSize = 1024

// floor reported for silence, in dBFS
const silenceDB = -100.0

// Levels are the measurements of the most recent block
type Levels struct {
	Timestamp int64   `json:"timestamp"`
	RMS       float32 `json:"rms"`  // dBFS
	Peak      float32 `json:"peak"` // dBFS
	PeakHold  float32 `json:"peak_hold"`
	Clipping  bool    `json:"clipping"`
}

// Spectrum is a magnitude spectrum in dB over the positive frequencies
type Spectrum struct {
	Timestamp  int64     `json:"timestamp"`
	SampleRate int       `json:"sample_rate"`
	Bins       []float32 `json:"spectrum"`
	FreqStep   float32   `json:"freq_step"`
}

// Snapshot combines levels and spectrum for the monitor feed
type Snapshot struct {
	Levels
	Spectrum
}

// Monitor accumulates blocks from a stream tap
type Monitor struct {
	mu sync.RWMutex

	sampleRate int
	fftSize    int

	rms          float32
	peak         float32
	peakHold     float32
	peakHoldTime time.Time
	clipping     bool

	bins     []float32
	binsTime time.Time

	mono   []int16
	window []float64
	work   []complex128

	samples int64
	clipped int64
	blocks  int64
}

// New creates a monitor with an FFT of fftSize points; fftSize <= 0 uses the default
func New(fftSize int) *Monitor {
	if fftSize <= 0 {
		fftSize = DefaultFFTSize
	}
	return &Monitor{
		fftSize:  fftSize,
		rms:      silenceDB,
		peak:     silenceDB,
		peakHold: silenceDB,
		bins:     make([]float32, fftSize/2),
		window:   hannWindow(fftSize),
		work:     make([]complex128, fftSize),
	}
}

func hannWindow(size int) []float64 {
	window := make([]float64, size)
	for i := 0; i < size; i++ {
		window[i] = 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(size-1)))
	}
	return window
}

// Tap feeds an interleaved block; channels are averaged to mono first.
// It matches the signature of an output stream tap.
func (m *Monitor) Tap(samples []int16, channels, rate int) {
	if len(samples) == 0 || channels < 1 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if rate != m.sampleRate {
		m.sampleRate = rate
		m.mono = m.mono[:0]
	}

	start := len(m.mono)
	frames := len(samples) / channels
	for i := 0; i < frames; i++ {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(samples[i*channels+c])
		}
		m.mono = append(m.mono, int16(sum/int32(channels)))
	}

	m.measure(m.mono[start:])

	if len(m.mono) >= m.fftSize {
		m.mono = m.mono[len(m.mono)-m.fftSize:]
		m.analyze()
		// slide by half a window
		m.mono = append(m.mono[:0], m.mono[m.fftSize/2:]...)
	}

	m.samples += int64(frames)
	m.blocks++
}

func (m *Monitor) measure(block []int16) {
	var sumSquares float64
	var peak int32
	clipping := false

	for _, s := range block {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
		if v >= 32000 {
			clipping = true
			m.clipped++
		}
		sumSquares += float64(v) * float64(v)
	}

	m.rms = toDB(math.Sqrt(sumSquares / float64(len(block))))
	m.peak = toDB(float64(peak))

	now := time.Now()
	if m.peak > m.peakHold || now.Sub(m.peakHoldTime) > 2*time.Second {
		m.peakHold = m.peak
		m.peakHoldTime = now
	}
	m.clipping = clipping
}

func toDB(v float64) float32 {
	if v <= 0 {
		return silenceDB
	}
	return float32(20.0 * math.Log10(v/32768.0))
}

func (m *Monitor) analyze() {
	for i := 0; i < m.fftSize; i++ {
		m.work[i] = complex(float64(m.mono[i])/32768.0*m.window[i], 0)
	}
	out := fft.FFT(m.work)

	for i := range m.bins {
		mag := math.Hypot(real(out[i]), imag(out[i]))
		if mag > 0 {
			m.bins[i] = float32(20.0 * math.Log10(mag))
		} else {
			m.bins[i] = silenceDB
		}
	}
	m.binsTime = time.Now()
}

// Levels returns the latest level measurements
func (m *Monitor) Levels() Levels {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Levels{
		Timestamp: time.Now().UnixMilli(),
		RMS:       m.rms,
		Peak:      m.peak,
		PeakHold:  m.peakHold,
		Clipping:  m.clipping,
	}
}

// Spectrum returns a copy of the latest spectrum
func (m *Monitor) Spectrum() Spectrum {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bins := make([]float32, len(m.bins))
	copy(bins, m.bins)

	var step float32
	if m.sampleRate > 0 {
		step = float32(m.sampleRate) / float32(m.fftSize)
	}
	var ts int64
	if !m.binsTime.IsZero() {
		ts = m.binsTime.UnixMilli()
	}
	return Spectrum{
		Timestamp:  ts,
		SampleRate: m.sampleRate,
		Bins:       bins,
		FreqStep:   step,
	}
}

func (m *Monitor) Snapshot() Snapshot {
	return Snapshot{Levels: m.Levels(), Spectrum: m.Spectrum()}
}

// DominantFrequency returns the centre of the strongest spectrum bin, or 0
// before the first full window
func (m *Monitor) DominantFrequency() float64 {
	s := m.Spectrum()
	if s.Timestamp == 0 {
		return 0
	}
	best := 1
	for i := 2; i < len(s.Bins); i++ {
		if s.Bins[i] > s.Bins[best] {
			best = i
		}
	}
	return float64(best) * float64(s.FreqStep)
}

// Statistics returns running counters
func (m *Monitor) Statistics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clipRate := float64(0)
	if m.samples > 0 {
		clipRate = float64(m.clipped) / float64(m.samples) * 100.0
	}
	return map[string]interface{}{
		"frames":        m.samples,
		"blocks":        m.blocks,
		"clip_count":    m.clipped,
		"clip_rate_pct": clipRate,
		"peak_hold_db":  m.peakHold,
		"sample_rate":   m.sampleRate,
		"fft_size":      m.fftSize,
	}
}
