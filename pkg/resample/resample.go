// Package resample converts interleaved S16 PCM between sample rates.
//
// A Resampler runs in one of two modes. Push mode converts a caller supplied
// block in one call. Pull mode draws source frames from a BufferProvider on
// demand and keeps drawing until the caller's output is full.
package resample

import (
	"errors"
	"fmt"

	"github.com/oov/audio/resampler"
)

// DefaultQuality matches the speex default used by most platform mixers
const DefaultQuality = 4

var (
	ErrUnsupportedRate = errors.New("unsupported sample rate")
	// ErrNoProvider is returned by ReadFrames on a push-mode resampler
	ErrNoProvider = errors.New("resampler has no buffer provider")
	// ErrStalled is returned when the provider keeps handing out empty buffers
	ErrStalled = errors.New("resampler made no progress")
)

// Buffer is a window of interleaved source frames handed out by a provider
type Buffer struct {
	Samples []int16
	Frames  int
}

// BufferProvider supplies source frames to a pull-mode resampler.
// NextBuffer returns at most frames frames; the returned error is the
// provider's current read status and stops the pull loop when non-nil.
// ReleaseBuffer reports how many of the returned frames were consumed.
type BufferProvider interface {
	NextBuffer(frames int) (Buffer, error)
	ReleaseBuffer(frames int)
}

// Resampler wraps a speex-style polyphase converter for S16 interleaved audio
type Resampler struct {
	r        *resampler.Resampler
	channels int
	inRate   int
	outRate  int
	provider BufferProvider

	in  [][]float32
	out [][]float32
}

// New creates a push-mode resampler
func New(channels, inRate, outRate, quality int) (*Resampler, error) {
	if channels < 1 {
		return nil, fmt.Errorf("resample: invalid channel count %d", channels)
	}
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("resample: %d -> %d: %w", inRate, outRate, ErrUnsupportedRate)
	}
	if quality < 0 || quality > 10 {
		quality = DefaultQuality
	}
	return &Resampler{
		r:        resampler.New(channels, inRate, outRate, quality),
		channels: channels,
		inRate:   inRate,
		outRate:  outRate,
		in:       make([][]float32, channels),
		out:      make([][]float32, channels),
	}, nil
}

// NewPull creates a pull-mode resampler fed by p
func NewPull(channels, inRate, outRate, quality int, p BufferProvider) (*Resampler, error) {
	r, err := New(channels, inRate, outRate, quality)
	if err != nil {
		return nil, err
	}
	r.provider = p
	return r, nil
}

func (r *Resampler) Channels() int { return r.channels }
func (r *Resampler) InRate() int   { return r.inRate }
func (r *Resampler) OutRate() int  { return r.outRate }

// OutputFrames returns the frames produced from inFrames source frames, rounded up
func (r *Resampler) OutputFrames(inFrames int) int {
	return int((int64(inFrames)*int64(r.outRate) + int64(r.inRate) - 1) / int64(r.inRate))
}

// InputFrames returns the source frames needed for outFrames output frames, rounded up
func (r *Resampler) InputFrames(outFrames int) int {
	return int((int64(outFrames)*int64(r.inRate) + int64(r.outRate) - 1) / int64(r.outRate))
}

// Resample converts as much of in as fits into out. Both are interleaved.
// It returns the frames consumed from in and the frames written to out.
func (r *Resampler) Resample(in, out []int16) (inFrames, outFrames int) {
	return r.process(in, out)
}

// ReadFrames fills out with converted frames pulled from the provider.
// When the provider reports an error the loop stops and the frames
// produced so far are returned with that error.
func (r *Resampler) ReadFrames(out []int16) (int, error) {
	if r.provider == nil {
		return 0, ErrNoProvider
	}

	want := len(out) / r.channels
	written := 0
	idle := 0
	for written < want {
		request := r.InputFrames(want - written)
		buf, err := r.provider.NextBuffer(request)
		if err != nil {
			return written, err
		}
		if buf.Frames == 0 {
			idle++
			if idle > 2 {
				return written, ErrStalled
			}
			continue
		}

		read, wrote := r.process(buf.Samples[:buf.Frames*r.channels], out[written*r.channels:])
		r.provider.ReleaseBuffer(read)
		written += wrote
		if read == 0 && wrote == 0 {
			idle++
			if idle > 2 {
				return written, ErrStalled
			}
			continue
		}
		idle = 0
	}
	return written, nil
}

func (r *Resampler) process(in, out []int16) (int, int) {
	inFrames := len(in) / r.channels
	outFrames := len(out) / r.channels
	if inFrames == 0 || outFrames == 0 {
		return 0, 0
	}

	for ch := 0; ch < r.channels; ch++ {
		r.in[ch] = growFloat(r.in[ch], inFrames)
		r.out[ch] = growFloat(r.out[ch], outFrames)
		deinterleave(r.in[ch], in, ch, r.channels)
	}

	read, written := 0, 0
	for ch := 0; ch < r.channels; ch++ {
		rd, wr := r.r.ProcessFloat32(ch, r.in[ch], r.out[ch])
		if ch == 0 {
			read, written = rd, wr
		}
	}

	for ch := 0; ch < r.channels; ch++ {
		interleave(out, r.out[ch][:written], ch, r.channels)
	}
	return read, written
}

func growFloat(b []float32, n int) []float32 {
	if cap(b) < n {
		return make([]float32, n)
	}
	return b[:n]
}

func deinterleave(dst []float32, src []int16, ch, channels int) {
	for i := range dst {
		dst[i] = float32(src[i*channels+ch]) / 32768
	}
}

func interleave(dst []int16, src []float32, ch, channels int) {
	for i, v := range src {
		dst[i*channels+ch] = floatToInt16(v)
	}
}

func floatToInt16(v float32) int16 {
	s := v * 32768
	switch {
	case s >= 32767:
		return 32767
	case s <= -32768:
		return -32768
	default:
		return int16(s)
	}
}
