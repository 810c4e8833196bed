package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/dougsko/pcmhal/pkg/logging"
)

// MockTransport implements Transport for testing and for hosts without ALSA
type MockTransport struct {
	mu      sync.Mutex
	openErr error
	opened  []*MockPCM
	source  func(dir Direction, cfg PCMConfig, p []int16)
	prepare func(pcm *MockPCM)
}

// NewMockTransport creates a new mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// FailOpen makes every following Open return err; nil restores success
func (t *MockTransport) FailOpen(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openErr = err
}

// SetSource installs the generator used to fill capture reads
func (t *MockTransport) SetSource(fn func(dir Direction, cfg PCMConfig, p []int16)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.source = fn
}

// OnOpen registers a hook run on every handle right after it opens
func (t *MockTransport) OnOpen(fn func(pcm *MockPCM)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prepare = fn
}

// Open opens a mock PCM
func (t *MockTransport) Open(dir Direction, cfg PCMConfig) (PCM, error) {
	t.mu.Lock()
	if t.openErr != nil {
		err := t.openErr
		t.mu.Unlock()
		return nil, fmt.Errorf("mock open %s %s: %w", dir, cfg, err)
	}
	pcm := &MockPCM{
		dir:    dir,
		cfg:    cfg,
		open:   true,
		source: t.source,
	}
	t.opened = append(t.opened, pcm)
	hook := t.prepare
	t.mu.Unlock()

	if hook != nil {
		hook(pcm)
	}
	logging.Debugf("mock", "opened %s %s", dir, cfg)
	return pcm, nil
}

// Opened returns every handle opened so far, oldest first
func (t *MockTransport) Opened() []*MockPCM {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*MockPCM, len(t.opened))
	copy(out, t.opened)
	return out
}

// Last returns the most recent handle opened in dir, or nil
func (t *MockTransport) Last(dir Direction) *MockPCM {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.opened) - 1; i >= 0; i-- {
		if t.opened[i].dir == dir {
			return t.opened[i]
		}
	}
	return nil
}

// MockPCM is a scriptable PCM handle
type MockPCM struct {
	mu     sync.Mutex
	dir    Direction
	cfg    PCMConfig
	open   bool
	source func(dir Direction, cfg PCMConfig, p []int16)

	writes   [][]int16
	reads    int
	occ      []int
	occErr   error
	writeErr []error
	readErr  []error
}

// SetOccupancy scripts the values returned by successive Occupancy calls.
// The last value repeats once the script runs out.
func (p *MockPCM) SetOccupancy(frames ...int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.occ = append([]int(nil), frames...)
}

// FailOccupancy makes Occupancy return err; nil restores success
func (p *MockPCM) FailOccupancy(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.occErr = err
}

// QueueWriteErrors scripts the results of the next writes
func (p *MockPCM) QueueWriteErrors(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = append(p.writeErr, errs...)
}

// QueueReadErrors scripts the results of the next reads
func (p *MockPCM) QueueReadErrors(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = append(p.readErr, errs...)
}

func (p *MockPCM) Write(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return ErrNotOpen
	}
	if len(p.writeErr) > 0 {
		err := p.writeErr[0]
		p.writeErr = p.writeErr[1:]
		if err != nil {
			return err
		}
	}
	s := Samples(b)
	p.writes = append(p.writes, append([]int16(nil), s...))
	return nil
}

func (p *MockPCM) Read(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return ErrNotOpen
	}
	p.reads++
	if len(p.readErr) > 0 {
		err := p.readErr[0]
		p.readErr = p.readErr[1:]
		if err != nil {
			return err
		}
	}
	s := Samples(b)
	if p.source != nil {
		p.source(p.dir, p.cfg, s)
		return nil
	}
	for i := range s {
		s[i] = 1000
	}
	return nil
}

func (p *MockPCM) Occupancy() (int, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return 0, time.Time{}, ErrNotOpen
	}
	if p.occErr != nil {
		return 0, time.Time{}, p.occErr
	}
	frames := 0
	if len(p.occ) > 0 {
		frames = p.occ[0]
		if len(p.occ) > 1 {
			p.occ = p.occ[1:]
		}
	}
	return frames, time.Now(), nil
}

func (p *MockPCM) BufferSize() int {
	return p.cfg.BufferFrames()
}

func (p *MockPCM) FramesToBytes(frames int) int {
	return frames * p.cfg.FrameBytes()
}

func (p *MockPCM) Config() PCMConfig {
	return p.cfg
}

func (p *MockPCM) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return ErrNotOpen
	}
	p.open = false
	return nil
}

// Direction returns the direction the handle was opened with
func (p *MockPCM) Direction() Direction {
	return p.dir
}

// IsOpen reports whether Close has not been called yet
func (p *MockPCM) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Writes returns copies of every successful write, in order
func (p *MockPCM) Writes() [][]int16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]int16, len(p.writes))
	copy(out, p.writes)
	return out
}

// WrittenFrames returns the total frames accepted by Write
func (p *MockPCM) WrittenFrames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.writes {
		n += len(w)
	}
	return n / p.cfg.Channels
}

// Reads returns the number of Read calls
func (p *MockPCM) Reads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads
}

// MockControls implements MixerControls by recording every write
type MockControls struct {
	mu      sync.Mutex
	values  map[string]string
	history []string
	failOn  map[string]error
}

// NewMockControls creates an empty control set
func NewMockControls() *MockControls {
	return &MockControls{
		values: make(map[string]string),
		failOn: make(map[string]error),
	}
}

// FailControl makes writes to name return err
func (c *MockControls) FailControl(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failOn[name] = err
}

func (c *MockControls) SetControl(name, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failOn[name]; err != nil {
		return err
	}
	c.values[name] = value
	c.history = append(c.history, name+"="+value)
	return nil
}

// Value returns the last value written to name
func (c *MockControls) Value(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[name]
	return v, ok
}

// History returns every "name=value" write in order
func (c *MockControls) History() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.history...)
}

func (c *MockControls) Close() error {
	return nil
}
