package hal

import (
	"github.com/dougsko/pcmhal/pkg/logging"
	"github.com/dougsko/pcmhal/pkg/route"
)

// Mixer programs codec signal paths. Reset returns to the baseline,
// ApplyPath stages a named path and Update commits the staged state.
type Mixer interface {
	Reset() error
	ApplyPath(name string) error
	Update() error
}

// selectDevices stages the paths for the given endpoints and commits them.
// Failures are collected, never rolled back; the first one is returned.
func selectDevices(m Mixer, out, in DeviceMask, o Orientation) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(m.Reset())

	if out&DeviceOutSpeaker != 0 {
		keep(m.ApplyPath(route.PathSpeaker))
	}
	if out&(DeviceOutWiredHeadset|DeviceOutWiredHeadphone) != 0 {
		keep(m.ApplyPath(route.PathHeadphone))
	}
	if out&DeviceOutAnlgDockHeadset != 0 {
		keep(m.ApplyPath(route.PathDock))
	}
	if in&inBuiltinMic != 0 {
		if o == OrientationLandscape {
			keep(m.ApplyPath(route.PathMainMicLeft))
		} else {
			keep(m.ApplyPath(route.PathMainMicTop))
		}
	}

	keep(m.Update())
	return firstErr
}

func (d *Device) selectDevices(h *held) {
	h.assert(d)
	if d.mixer == nil {
		return
	}
	if err := selectDevices(d.mixer, d.outDevice, d.inDevice, d.orientation); err != nil {
		logging.Warn("hal", "device selection incomplete", logging.Fields{
			"out": d.outDevice, "in": d.inDevice, "orientation": d.orientation, "error": err,
		})
	}
}
