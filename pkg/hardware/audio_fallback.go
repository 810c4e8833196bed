//go:build !linux || !cgo

package hardware

import "github.com/dougsko/pcmhal/pkg/logging"

// NewPlatformTransport falls back to the mock transport where ALSA is unavailable
func NewPlatformTransport(cfg PlatformConfig) (Transport, MixerControls, error) {
	if cfg.Backend != "mock" {
		logging.Warnf("hardware", "backend %q unavailable on this platform, using mock", cfg.Backend)
	}
	return NewMockTransport(), NewMockControls(), nil
}
