// Package beep plays short audio cues for session transitions.
package beep

import (
	"math"
	"sync"
	"sync/atomic"
)

var disabled atomic.Bool

// Disable silences every cue, for headless and test runs.
func Disable() { disabled.Store(true) }

const sampleRate = 44100

type Cue int

const (
	CueStart Cue = iota // recording began
	CueEnd              // recording stopped, waiting for the final
	CueError            // session failed or the mic went silent
)

type voice struct {
	freq, dur, volume, decay float64
	double                   bool
}

var voices = map[Cue]voice{
	CueStart: {freq: 1200, dur: 0.05, volume: 0.5, decay: 60},
	CueEnd:   {freq: 900, dur: 0.08, volume: 0.5, decay: 40},
	CueError: {freq: 350, dur: 0.08, volume: 0.6, decay: 30, double: true},
}

var (
	cacheOnce sync.Once
	cache     map[Cue][]int16
)

func samples(c Cue) []int16 {
	cacheOnce.Do(func() {
		cache = make(map[Cue][]int16, len(voices))
		for cue, v := range voices {
			s := tick(sampleRate, v.freq, v.dur, v.volume, v.decay)
			if v.double {
				s = doubleBeep(s, sampleRate, 0.05)
			}
			cache[cue] = s
		}
	})
	return cache[c]
}

// tick is a mono sine with an exponential decay envelope.
func tick(rate int, freq, duration, volume, decay float64) []int16 {
	n := int(float64(rate) * duration)
	out := make([]int16, n)
	for i := range out {
		t := float64(i) / float64(rate)
		out[i] = int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * math.Exp(-t*decay))
	}
	return out
}

func doubleBeep(b []int16, rate int, gap float64) []int16 {
	out := make([]int16, 0, 2*len(b)+int(float64(rate)*gap))
	out = append(out, b...)
	out = append(out, make([]int16, int(float64(rate)*gap))...)
	return append(out, b...)
}

// Play starts cue c in the background. Errors are ignored; a missing sound
// server only costs the cue.
func Play(c Cue) {
	if disabled.Load() {
		return
	}
	s := samples(c)
	if len(s) == 0 {
		return
	}
	go play(s)
}
