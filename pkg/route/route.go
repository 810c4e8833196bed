// Package route programs codec signal paths from a YAML description of
// named mixer paths.
package route

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/dougsko/pcmhal/pkg/hardware"
	"github.com/dougsko/pcmhal/pkg/logging"
	"gopkg.in/yaml.v2"
)

// Path names applied by the device selection policy
const (
	PathSpeaker     = "speaker"
	PathHeadphone   = "headphone"
	PathDock        = "dock"
	PathMainMicLeft = "main-mic-left"
	PathMainMicTop  = "main-mic-top"
)

var ErrUnknownPath = errors.New("unknown mixer path")

// Control is one mixer control setting
type Control struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// Paths is the parsed paths file: the baseline every reset returns to,
// and named overlays
type Paths struct {
	Baseline []Control            `yaml:"baseline"`
	Paths    map[string][]Control `yaml:"paths"`
}

// DefaultPathsYAML describes an RT5640-class codec with speaker, jack,
// dock line out and two internal microphones
const DefaultPathsYAML = `
baseline:
  - {name: "Speaker Playback Switch", value: "0"}
  - {name: "Headphone Playback Switch", value: "0"}
  - {name: "Int Spk Switch", value: "0"}
  - {name: "Headphone Jack Switch", value: "0"}
  - {name: "LOUT MIX DAC L1 Switch", value: "0"}
  - {name: "LOUT MIX DAC R1 Switch", value: "0"}
  - {name: "Int Mic Switch", value: "0"}
  - {name: "ADC IN1 Switch", value: "0"}
  - {name: "ADC IN2 Switch", value: "0"}
  - {name: "ADC Capture Switch", value: "0"}
paths:
  speaker:
    - {name: "Speaker Playback Switch", value: "1"}
    - {name: "Int Spk Switch", value: "1"}
  headphone:
    - {name: "Headphone Playback Switch", value: "1"}
    - {name: "Headphone Jack Switch", value: "1"}
  dock:
    - {name: "LOUT MIX DAC L1 Switch", value: "1"}
    - {name: "LOUT MIX DAC R1 Switch", value: "1"}
  main-mic-left:
    - {name: "Int Mic Switch", value: "1"}
    - {name: "ADC IN1 Switch", value: "1"}
    - {name: "ADC Capture Switch", value: "1"}
  main-mic-top:
    - {name: "Int Mic Switch", value: "1"}
    - {name: "ADC IN2 Switch", value: "1"}
    - {name: "ADC Capture Switch", value: "1"}
`

// ParsePaths parses a paths document
func ParsePaths(data []byte) (*Paths, error) {
	var p Paths
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse mixer paths: %w", err)
	}
	for name, controls := range p.Paths {
		for _, c := range controls {
			if c.Name == "" {
				return nil, fmt.Errorf("path %q has a control without a name", name)
			}
		}
	}
	return &p, nil
}

// LoadPaths reads a paths file; an empty filename yields the built-in default
func LoadPaths(filename string) (*Paths, error) {
	if filename == "" {
		return ParsePaths([]byte(DefaultPathsYAML))
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read mixer paths: %w", err)
	}
	return ParsePaths(data)
}

// Router applies named paths on top of a baseline and writes only the
// controls whose value changed since the last Update
type Router struct {
	mu       sync.Mutex
	paths    *Paths
	controls hardware.MixerControls

	pending map[string]string
	order   []string
	written map[string]string
	active  []string
}

// NewRouter creates a router starting from the baseline
func NewRouter(paths *Paths, controls hardware.MixerControls) *Router {
	r := &Router{
		paths:    paths,
		controls: controls,
		written:  make(map[string]string),
	}
	r.resetLocked()
	return r
}

func (r *Router) resetLocked() {
	r.pending = make(map[string]string, len(r.paths.Baseline))
	r.order = r.order[:0]
	r.active = nil
	for _, c := range r.paths.Baseline {
		r.set(c)
	}
}

func (r *Router) set(c Control) {
	if _, ok := r.pending[c.Name]; !ok {
		r.order = append(r.order, c.Name)
	}
	r.pending[c.Name] = c.Value
}

// Reset returns the pending state to the baseline
func (r *Router) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	return nil
}

// ApplyPath overlays a named path onto the pending state
func (r *Router) ApplyPath(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	controls, ok := r.paths.Paths[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPath, name)
	}
	for _, c := range controls {
		r.set(c)
	}
	r.active = append(r.active, name)
	return nil
}

// Update writes every pending control that differs from what was last written.
// A failing control does not stop the others; the first error is returned.
func (r *Router) Update() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	changed := 0
	for _, name := range r.order {
		value := r.pending[name]
		if prev, ok := r.written[name]; ok && prev == value {
			continue
		}
		if err := r.controls.SetControl(name, value); err != nil {
			logging.Warnf("route", "control %q=%q failed: %v", name, value, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.written[name] = value
		changed++
	}
	logging.Debug("route", "mixer updated", logging.Fields{"changed": changed, "paths": r.active})
	return firstErr
}

// ActivePaths returns the paths applied since the last Reset, in order
func (r *Router) ActivePaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.active...)
}

// PathNames returns every path the router knows, sorted
func (r *Router) PathNames() []string {
	names := make([]string, 0, len(r.paths.Paths))
	for name := range r.paths.Paths {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
