package hal

// held is proof that the caller holds a device lock. It is handed out by
// Device.lock and dies on unlock; using a dead or foreign token is a
// programming error and panics.
type held struct {
	d    *Device
	live bool
}

func (d *Device) lock() *held {
	d.mu.Lock()
	return &held{d: d, live: true}
}

func (h *held) unlock() {
	h.assert(h.d)
	h.live = false
	h.d.mu.Unlock()
}

func (h *held) assert(d *Device) {
	if h == nil || !h.live || h.d != d {
		panic("hal: device lock not held")
	}
}
