package hotkey

import (
	"sync/atomic"
	"time"
)

type Mode string

const (
	ModePTT    Mode = "ptt"
	ModeToggle Mode = "toggle"
)

// Hybrid turns one key into both push-to-talk and toggle. Every press
// starts recording. Releasing after longPress stops it (push-to-talk);
// releasing sooner keeps it running until the next press is released.
type Hybrid struct {
	startCh chan struct{}
	stopCh  chan struct{}
	toggle  atomic.Bool
	done    chan struct{}
}

func NewHybrid(hk Hotkey, longPress time.Duration) *Hybrid {
	h := &Hybrid{
		startCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go h.run(hk, longPress)
	return h
}

// Start is signalled when recording should begin.
func (h *Hybrid) Start() <-chan struct{} { return h.startCh }

// StopChan is signalled when recording should end, in either mode.
func (h *Hybrid) StopChan() <-chan struct{} { return h.stopCh }

// IsToggle reports whether the current recording was started by a tap.
func (h *Hybrid) IsToggle() bool { return h.toggle.Load() }

func (h *Hybrid) Mode() Mode {
	if h.IsToggle() {
		return ModeToggle
	}
	return ModePTT
}

// Close stops the state machine goroutine.
func (h *Hybrid) Close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (h *Hybrid) run(hk Hotkey, longPress time.Duration) {
	wait := func(ch <-chan struct{}) bool {
		select {
		case <-ch:
			return true
		case <-h.done:
			return false
		}
	}

	for {
		if !wait(hk.Keydown()) {
			return
		}
		h.toggle.Store(false)
		signal(h.startCh)

		timer := time.NewTimer(longPress)
		select {
		case <-timer.C:
			// Held: stop on release.
			if !wait(hk.Keyup()) {
				return
			}
			signal(h.stopCh)
			continue
		case <-hk.Keyup():
			timer.Stop()
		case <-h.done:
			timer.Stop()
			return
		}

		// Tapped: keep recording until the next press is released.
		h.toggle.Store(true)
		if !wait(hk.Keydown()) || !wait(hk.Keyup()) {
			return
		}
		signal(h.stopCh)
	}
}
