package storage

import (
	"sync"
	"sync/atomic"

	"github.com/dougsko/pcmhal/pkg/hal"
	"github.com/dougsko/pcmhal/pkg/logging"
)

// Recorder is a hal.Observer that persists state and events on its own
// goroutine. Engine callbacks never wait on the database: events are
// dropped when the queue is full and only the newest state is kept.
type Recorder struct {
	store  *StateStore
	events chan hal.Event
	states chan hal.State
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	dropped   int64

	subMu       sync.Mutex
	subscribers map[chan hal.Event]struct{}
}

var _ hal.Observer = (*Recorder)(nil)

// NewRecorder starts a recorder with room for queue pending events
func NewRecorder(store *StateStore, queue int) *Recorder {
	if queue <= 0 {
		queue = 256
	}
	r := &Recorder{
		store:       store,
		events:      make(chan hal.Event, queue),
		states:      make(chan hal.State, 1),
		done:        make(chan struct{}),
		subscribers: make(map[chan hal.Event]struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) StateChanged(st hal.State) {
	for {
		select {
		case r.states <- st:
			return
		default:
		}
		// replace the stale pending state
		select {
		case <-r.states:
		default:
		}
	}
}

func (r *Recorder) StreamEvent(ev hal.Event) {
	select {
	case r.events <- ev:
	default:
		atomic.AddInt64(&r.dropped, 1)
	}
	r.publish(ev)
}

// Subscribe returns a channel receiving every event as it happens and a
// function that cancels the subscription. Slow subscribers miss events.
func (r *Recorder) Subscribe(buffer int) (<-chan hal.Event, func()) {
	ch := make(chan hal.Event, buffer)
	r.subMu.Lock()
	r.subscribers[ch] = struct{}{}
	r.subMu.Unlock()

	return ch, func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if _, ok := r.subscribers[ch]; ok {
			delete(r.subscribers, ch)
			close(ch)
		}
	}
}

func (r *Recorder) publish(ev hal.Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Dropped returns the number of events discarded because the queue was full
func (r *Recorder) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case ev := <-r.events:
			r.recordEvent(ev)
		case st := <-r.states:
			r.saveState(st)
		case <-r.done:
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case ev := <-r.events:
			r.recordEvent(ev)
		case st := <-r.states:
			r.saveState(st)
		default:
			return
		}
	}
}

func (r *Recorder) recordEvent(ev hal.Event) {
	if err := r.store.RecordEvent(ev); err != nil {
		logging.Warn("storage", "failed to record event", logging.Fields{"kind": ev.Kind, "error": err})
	}
}

func (r *Recorder) saveState(st hal.State) {
	if err := r.store.SaveState(st); err != nil {
		logging.Warn("storage", "failed to save state", logging.Fields{"error": err})
	}
}

// Close flushes pending work and stops the recorder. The store stays open.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()

		r.subMu.Lock()
		for ch := range r.subscribers {
			delete(r.subscribers, ch)
			close(ch)
		}
		r.subMu.Unlock()
	})
}
