//go:build linux && cgo

package hardware

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
	"unsafe"

	"github.com/dougsko/pcmhal/pkg/logging"
)

/*
#cgo pkg-config: alsa
#include <alsa/asoundlib.h>
#include <stdlib.h>
#include <string.h>
#include <errno.h>

static const char* alsa_strerror_wrapper(int err) {
    return snd_strerror(err);
}

static int configure_pcm(snd_pcm_t *pcm, unsigned int channels, unsigned int rate,
                         snd_pcm_uframes_t period, unsigned int periods,
                         snd_pcm_uframes_t *buffer_out) {
    snd_pcm_hw_params_t *hw;
    snd_pcm_sw_params_t *sw;
    int err;

    snd_pcm_hw_params_alloca(&hw);
    if ((err = snd_pcm_hw_params_any(pcm, hw)) < 0) return err;
    if ((err = snd_pcm_hw_params_set_access(pcm, hw, SND_PCM_ACCESS_RW_INTERLEAVED)) < 0) return err;
    if ((err = snd_pcm_hw_params_set_format(pcm, hw, SND_PCM_FORMAT_S16_LE)) < 0) return err;
    if ((err = snd_pcm_hw_params_set_channels(pcm, hw, channels)) < 0) return err;
    if ((err = snd_pcm_hw_params_set_rate(pcm, hw, rate, 0)) < 0) return err;
    if ((err = snd_pcm_hw_params_set_period_size_near(pcm, hw, &period, 0)) < 0) return err;
    if ((err = snd_pcm_hw_params_set_periods_near(pcm, hw, &periods, 0)) < 0) return err;
    if ((err = snd_pcm_hw_params(pcm, hw)) < 0) return err;
    if ((err = snd_pcm_hw_params_get_buffer_size(hw, buffer_out)) < 0) return err;

    snd_pcm_sw_params_alloca(&sw);
    if ((err = snd_pcm_sw_params_current(pcm, sw)) < 0) return err;
    if ((err = snd_pcm_sw_params_set_tstamp_mode(pcm, sw, SND_PCM_TSTAMP_ENABLE)) < 0) return err;
    if ((err = snd_pcm_sw_params_set_avail_min(pcm, sw, period)) < 0) return err;
    return snd_pcm_sw_params(pcm, sw);
}

static int pcm_htimestamp(snd_pcm_t *pcm, snd_pcm_uframes_t *avail, long *sec, long *nsec) {
    snd_htimestamp_t ts;
    int err = snd_pcm_htimestamp(pcm, avail, &ts);
    *sec = ts.tv_sec;
    *nsec = ts.tv_nsec;
    return err;
}

static int ctl_set(snd_ctl_t *ctl, const char *name, long value, const char *item) {
    snd_ctl_elem_id_t *id;
    snd_ctl_elem_info_t *info;
    snd_ctl_elem_value_t *val;
    unsigned int i, count;
    int err;

    snd_ctl_elem_id_alloca(&id);
    snd_ctl_elem_info_alloca(&info);
    snd_ctl_elem_value_alloca(&val);

    snd_ctl_elem_id_set_interface(id, SND_CTL_ELEM_IFACE_MIXER);
    snd_ctl_elem_id_set_name(id, name);
    snd_ctl_elem_info_set_id(info, id);
    if ((err = snd_ctl_elem_info(ctl, info)) < 0) return err;
    snd_ctl_elem_info_get_id(info, id);
    snd_ctl_elem_value_set_id(val, id);

    count = snd_ctl_elem_info_get_count(info);
    switch (snd_ctl_elem_info_get_type(info)) {
    case SND_CTL_ELEM_TYPE_BOOLEAN:
        for (i = 0; i < count; i++) snd_ctl_elem_value_set_boolean(val, i, value != 0);
        break;
    case SND_CTL_ELEM_TYPE_INTEGER:
        for (i = 0; i < count; i++) snd_ctl_elem_value_set_integer(val, i, value);
        break;
    case SND_CTL_ELEM_TYPE_ENUMERATED:
        if (item != NULL) {
            unsigned int n = snd_ctl_elem_info_get_items(info);
            value = -1;
            for (i = 0; i < n; i++) {
                snd_ctl_elem_info_set_item(info, i);
                if ((err = snd_ctl_elem_info(ctl, info)) < 0) return err;
                if (strcmp(snd_ctl_elem_info_get_item_name(info), item) == 0) {
                    value = i;
                    break;
                }
            }
            if (value < 0) return -EINVAL;
        }
        for (i = 0; i < count; i++) snd_ctl_elem_value_set_enumerated(val, i, (unsigned int)value);
        break;
    default:
        return -EINVAL;
    }
    return snd_ctl_elem_write(ctl, val);
}
*/
import "C"

func alsaError(ret C.int) string {
	return C.GoString(C.alsa_strerror_wrapper(ret))
}

// ALSATransport opens PCM devices on one ALSA card
type ALSATransport struct {
	card int
}

// NewALSATransport creates a transport for hw:<card>,<device> PCMs
func NewALSATransport(card int) *ALSATransport {
	return &ALSATransport{card: card}
}

// Open opens and configures hw:<card>,<cfg.Device>
func (t *ALSATransport) Open(dir Direction, cfg PCMConfig) (PCM, error) {
	name := fmt.Sprintf("hw:%d,%d", t.card, cfg.Device)
	if err := validateDeviceExists(t.card, cfg.Device, dir); err != nil {
		return nil, err
	}

	deviceName := C.CString(name)
	defer C.free(unsafe.Pointer(deviceName))

	stream := C.snd_pcm_stream_t(C.SND_PCM_STREAM_PLAYBACK)
	if dir == Capture {
		stream = C.SND_PCM_STREAM_CAPTURE
	}

	var handle *C.snd_pcm_t
	ret := C.snd_pcm_open(&handle, deviceName, stream, 0)
	if ret < 0 {
		return nil, fmt.Errorf("unable to open %s %s: %s (error code: %d)",
			dir, name, alsaError(ret), int(ret))
	}

	var bufferFrames C.snd_pcm_uframes_t
	ret = C.configure_pcm(handle, C.uint(cfg.Channels), C.uint(cfg.Rate),
		C.snd_pcm_uframes_t(cfg.PeriodSize), C.uint(cfg.PeriodCount), &bufferFrames)
	if ret < 0 {
		C.snd_pcm_close(handle)
		return nil, fmt.Errorf("unable to configure %s %s with %s: %s",
			dir, name, cfg, alsaError(ret))
	}

	logging.Info("alsa", "pcm opened", logging.Fields{
		"device": name, "dir": dir.String(), "config": cfg.String(), "buffer": int(bufferFrames),
	})
	return &alsaPCM{
		name:   name,
		dir:    dir,
		cfg:    cfg,
		handle: handle,
		buffer: int(bufferFrames),
	}, nil
}

// alsaPCM is one open ALSA PCM handle
type alsaPCM struct {
	name   string
	dir    Direction
	cfg    PCMConfig
	handle *C.snd_pcm_t
	buffer int
}

func (p *alsaPCM) Write(b []byte) error {
	if p.handle == nil {
		return ErrNotOpen
	}
	frameBytes := p.cfg.FrameBytes()
	for len(b) >= frameBytes {
		frames := len(b) / frameBytes
		ret := C.snd_pcm_writei(p.handle, unsafe.Pointer(&b[0]), C.snd_pcm_uframes_t(frames))
		if ret < 0 {
			if ret == -C.EPIPE {
				C.snd_pcm_prepare(p.handle)
				return ErrUnderrun
			}
			if ret == -C.EAGAIN || ret == -C.EINTR {
				continue
			}
			return fmt.Errorf("%s write: %s", p.name, alsaError(C.int(ret)))
		}
		b = b[int(ret)*frameBytes:]
	}
	return nil
}

func (p *alsaPCM) Read(b []byte) error {
	if p.handle == nil {
		return ErrNotOpen
	}
	frameBytes := p.cfg.FrameBytes()
	for len(b) >= frameBytes {
		frames := len(b) / frameBytes
		ret := C.snd_pcm_readi(p.handle, unsafe.Pointer(&b[0]), C.snd_pcm_uframes_t(frames))
		if ret < 0 {
			if ret == -C.EPIPE {
				C.snd_pcm_prepare(p.handle)
				return ErrOverrun
			}
			if ret == -C.EAGAIN || ret == -C.EINTR {
				continue
			}
			return fmt.Errorf("%s read: %s", p.name, alsaError(C.int(ret)))
		}
		b = b[int(ret)*frameBytes:]
	}
	return nil
}

func (p *alsaPCM) Occupancy() (int, time.Time, error) {
	if p.handle == nil {
		return 0, time.Time{}, ErrNotOpen
	}
	var avail C.snd_pcm_uframes_t
	var sec, nsec C.long
	ret := C.pcm_htimestamp(p.handle, &avail, &sec, &nsec)
	if ret < 0 {
		return 0, time.Time{}, fmt.Errorf("%s htimestamp: %s", p.name, alsaError(ret))
	}
	ts := time.Unix(int64(sec), int64(nsec))
	if p.dir == Capture {
		return int(avail), ts, nil
	}
	return p.buffer - int(avail), ts, nil
}

func (p *alsaPCM) BufferSize() int {
	return p.buffer
}

func (p *alsaPCM) FramesToBytes(frames int) int {
	return frames * p.cfg.FrameBytes()
}

func (p *alsaPCM) Config() PCMConfig {
	return p.cfg
}

func (p *alsaPCM) Close() error {
	if p.handle == nil {
		return ErrNotOpen
	}
	ret := C.snd_pcm_close(p.handle)
	p.handle = nil
	if ret < 0 {
		return fmt.Errorf("%s close: %s", p.name, alsaError(ret))
	}
	logging.Debugf("alsa", "pcm %s closed", p.name)
	return nil
}

// ALSAControls writes mixer controls through the card's control interface
type ALSAControls struct {
	mu  sync.Mutex
	ctl *C.snd_ctl_t
}

// NewALSAControls opens the control device of card
func NewALSAControls(card int) (*ALSAControls, error) {
	name := C.CString(fmt.Sprintf("hw:%d", card))
	defer C.free(unsafe.Pointer(name))

	var ctl *C.snd_ctl_t
	ret := C.snd_ctl_open(&ctl, name, 0)
	if ret < 0 {
		return nil, fmt.Errorf("unable to open control hw:%d: %s", card, alsaError(ret))
	}
	return &ALSAControls{ctl: ctl}, nil
}

// SetControl writes value to every channel of the named control. Integer
// strings are written as numbers, anything else as an enumerated item name.
func (c *ALSAControls) SetControl(name, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctl == nil {
		return ErrNotOpen
	}

	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	var item *C.char
	num, err := strconv.ParseInt(value, 0, 64)
	if err != nil {
		switch value {
		case "on", "true":
			num = 1
		case "off", "false":
			num = 0
		default:
			item = C.CString(value)
			defer C.free(unsafe.Pointer(item))
		}
	}

	ret := C.ctl_set(c.ctl, cname, C.long(num), item)
	if ret < 0 {
		return fmt.Errorf("set control %q=%q: %s", name, value, alsaError(ret))
	}
	return nil
}

func (c *ALSAControls) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctl == nil {
		return nil
	}
	C.snd_ctl_close(c.ctl)
	c.ctl = nil
	return nil
}

// validateDeviceExists checks the card and PCM nodes before opening
func validateDeviceExists(card, device int, dir Direction) error {
	cardPath := fmt.Sprintf("/proc/asound/card%d", card)
	if _, err := os.Stat(cardPath); err != nil {
		return fmt.Errorf("ALSA card %d not found in /proc/asound/", card)
	}

	suffix := "p"
	if dir == Capture {
		suffix = "c"
	}
	pcmPath := fmt.Sprintf("/dev/snd/pcmC%dD%d%s", card, device, suffix)
	if _, err := os.Stat(pcmPath); err != nil {
		// some setups expose PCMs without device nodes; let snd_pcm_open decide
		logging.Warnf("alsa", "PCM node %s not found, will attempt to open anyway", pcmPath)
	}
	return nil
}
