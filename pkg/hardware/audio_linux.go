//go:build linux && cgo

package hardware

import (
	"fmt"

	"github.com/dougsko/pcmhal/pkg/logging"
)

// NewPlatformTransport creates the transport and mixer controls for Linux
func NewPlatformTransport(cfg PlatformConfig) (Transport, MixerControls, error) {
	if cfg.Backend == "mock" {
		logging.Warn("hardware", "mock backend selected, no audio will reach the codec")
		return NewMockTransport(), NewMockControls(), nil
	}

	controls, err := NewALSAControls(cfg.Card)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open mixer: %w", err)
	}
	logging.Infof("hardware", "using ALSA card %d", cfg.Card)
	return NewALSATransport(cfg.Card), controls, nil
}
