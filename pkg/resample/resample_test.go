package resample

import (
	"errors"
	"math"
	"math/cmplx"
	"testing"

	"github.com/mjibson/go-dsp/fft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(frames, channels, rate int, hz float64, start int) []int16 {
	out := make([]int16, frames*channels)
	for i := 0; i < frames; i++ {
		v := int16(12000 * math.Sin(2*math.Pi*hz*float64(start+i)/float64(rate)))
		for ch := 0; ch < channels; ch++ {
			out[i*channels+ch] = v
		}
	}
	return out
}

// peakHz returns the strongest frequency in a mono signal
func peakHz(samples []int16, rate int) float64 {
	x := make([]float64, len(samples))
	for i, s := range samples {
		x[i] = float64(s)
	}
	spectrum := fft.FFTReal(x)
	best, bestMag := 0, 0.0
	for i := 1; i < len(spectrum)/2; i++ {
		if m := cmplx.Abs(spectrum[i]); m > bestMag {
			best, bestMag = i, m
		}
	}
	return float64(best) * float64(rate) / float64(len(samples))
}

func TestNew(t *testing.T) {
	t.Run("Rejects Bad Arguments", func(t *testing.T) {
		_, err := New(0, 44100, 8000, DefaultQuality)
		assert.Error(t, err)

		_, err = New(1, 0, 8000, DefaultQuality)
		assert.True(t, errors.Is(err, ErrUnsupportedRate))
	})

	t.Run("Frame Estimates", func(t *testing.T) {
		r, err := New(2, 44100, 8000, DefaultQuality)
		require.NoError(t, err)
		assert.Equal(t, 2, r.Channels())
		assert.Equal(t, 93, r.OutputFrames(512))
		assert.Equal(t, 2757, r.InputFrames(500))
	})

	t.Run("Push Mode Has No Provider", func(t *testing.T) {
		r, err := New(1, 16000, 8000, DefaultQuality)
		require.NoError(t, err)
		_, err = r.ReadFrames(make([]int16, 10))
		assert.True(t, errors.Is(err, ErrNoProvider))
	})
}

func TestResamplePush(t *testing.T) {
	t.Run("Stereo Downsample Keeps Tone", func(t *testing.T) {
		r, err := New(2, 44100, 8000, DefaultQuality)
		require.NoError(t, err)

		in := sine(8820, 2, 44100, 1000, 0)
		out := make([]int16, 2*2000)
		read, written := r.Resample(in, out)

		assert.Greater(t, read, 8700)
		assert.InDelta(t, 1600, written, 20)

		left := make([]int16, 1024)
		right := make([]int16, 1024)
		for i := range left {
			left[i] = out[(written-1024+i)*2]
			right[i] = out[(written-1024+i)*2+1]
		}
		assert.InDelta(t, 1000, peakHz(left, 8000), 16)
		assert.Equal(t, left, right)
	})

	t.Run("Output Clamped To Buffer", func(t *testing.T) {
		r, err := New(1, 8000, 44100, DefaultQuality)
		require.NoError(t, err)

		in := sine(800, 1, 8000, 440, 0)
		out := make([]int16, 1000)
		read, written := r.Resample(in, out)

		assert.LessOrEqual(t, written, 1000)
		assert.Less(t, read, 800)
	})

	t.Run("Empty Blocks", func(t *testing.T) {
		r, err := New(1, 8000, 16000, DefaultQuality)
		require.NoError(t, err)
		read, written := r.Resample(nil, make([]int16, 10))
		assert.Zero(t, read)
		assert.Zero(t, written)
	})
}

// chunkProvider hands out a generated mono tone in fixed-size chunks
type chunkProvider struct {
	rate     int
	chunk    int
	pos      int
	pending  []int16
	failAt   int
	err      error
	pulls    int
	released int
}

func (p *chunkProvider) NextBuffer(frames int) (Buffer, error) {
	if len(p.pending) == 0 {
		if p.failAt > 0 && p.pulls == p.failAt {
			return Buffer{}, p.err
		}
		p.pending = sine(p.chunk, 1, p.rate, 1000, p.pos)
		p.pos += p.chunk
		p.pulls++
	}
	if frames > len(p.pending) {
		frames = len(p.pending)
	}
	return Buffer{Samples: p.pending[:frames], Frames: frames}, nil
}

func (p *chunkProvider) ReleaseBuffer(frames int) {
	p.pending = p.pending[frames:]
	p.released += frames
}

func TestReadFrames(t *testing.T) {
	t.Run("Fills Request From Short Buffers", func(t *testing.T) {
		p := &chunkProvider{rate: 44100, chunk: 1024}
		r, err := NewPull(1, 44100, 16000, DefaultQuality, p)
		require.NoError(t, err)

		out := make([]int16, 1000)
		n, err := r.ReadFrames(out)
		require.NoError(t, err)
		assert.Equal(t, 1000, n)
		assert.GreaterOrEqual(t, p.pulls, 3)
		assert.GreaterOrEqual(t, p.released, 2700)
	})

	t.Run("Tone Survives Pull Conversion", func(t *testing.T) {
		p := &chunkProvider{rate: 44100, chunk: 1024}
		r, err := NewPull(1, 44100, 16000, DefaultQuality, p)
		require.NoError(t, err)

		out := make([]int16, 4096)
		n, err := r.ReadFrames(out)
		require.NoError(t, err)
		require.Equal(t, 4096, n)
		assert.InDelta(t, 1000, peakHz(out[2048:], 16000), 16)
	})

	t.Run("Provider Error Stops Loop", func(t *testing.T) {
		boom := errors.New("capture failed")
		p := &chunkProvider{rate: 44100, chunk: 1024, failAt: 1, err: boom}
		r, err := NewPull(1, 44100, 16000, DefaultQuality, p)
		require.NoError(t, err)

		n, err := r.ReadFrames(make([]int16, 1000))
		assert.True(t, errors.Is(err, boom))
		assert.Less(t, n, 1000)
	})

	t.Run("Empty Provider Stalls", func(t *testing.T) {
		r, err := NewPull(1, 44100, 16000, DefaultQuality, emptyProvider{})
		require.NoError(t, err)

		_, err = r.ReadFrames(make([]int16, 100))
		assert.True(t, errors.Is(err, ErrStalled))
	})
}

type emptyProvider struct{}

func (emptyProvider) NextBuffer(int) (Buffer, error) { return Buffer{}, nil }
func (emptyProvider) ReleaseBuffer(int)              {}
