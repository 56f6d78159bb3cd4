package voice

import "time"

const (
	TickInterval     = 100 * time.Millisecond
	silenceWarnAfter = 8 * time.Second
	silenceCloseDur  = 30 * time.Second
	speechMinRatio   = 0.10
	speechClearRatio = 0.25 // hysteresis
)

type SilenceEvent int

const (
	SilenceNone      SilenceEvent = iota
	SilenceWarn                   // no voice for the warn window
	SilenceWarnClear              // speech resumed after a warning
	SilenceRepeat                 // still silent, warn again
	SilenceAutoClose              // silent for the close window; stop recording
)

func (e SilenceEvent) String() string {
	switch e {
	case SilenceWarn:
		return "warn"
	case SilenceWarnClear:
		return "clear"
	case SilenceRepeat:
		return "repeat"
	case SilenceAutoClose:
		return "autoclose"
	}
	return "none"
}

// SilenceMonitor watches one recording tick by tick. Repeats and auto-close
// only fire while autoClose reports true, since a held key already bounds
// the recording.
type SilenceMonitor struct {
	warnAt    int
	windowSz  int
	autoClose func() bool

	ticks       int
	window      []bool
	speechCount int
	warned      bool
	lastWarn    int
}

func NewSilenceMonitor(autoClose func() bool) *SilenceMonitor {
	warnAt := int(silenceWarnAfter / TickInterval)
	windowSz := int(silenceCloseDur / TickInterval)
	return &SilenceMonitor{
		warnAt:    warnAt,
		windowSz:  windowSz,
		autoClose: autoClose,
		window:    make([]bool, windowSz),
	}
}

// ratio is the share of speech ticks among the last n.
func (m *SilenceMonitor) ratio(n int) float64 {
	n = min(n, m.ticks)
	if n == 0 {
		return 1
	}
	count := 0
	for i := 0; i < n; i++ {
		if m.window[(m.ticks-1-i+m.windowSz)%m.windowSz] {
			count++
		}
	}
	return float64(count) / float64(n)
}

func (m *SilenceMonitor) Tick(hasSpeech bool) SilenceEvent {
	idx := m.ticks % m.windowSz
	if m.ticks >= m.windowSz && m.window[idx] {
		m.speechCount--
	}
	m.window[idx] = hasSpeech
	if hasSpeech {
		m.speechCount++
	}
	m.ticks++

	r := m.ratio(m.warnAt)

	if m.ticks >= m.warnAt && r < speechMinRatio && !m.warned {
		m.warned = true
		m.lastWarn = m.ticks
		return SilenceWarn
	}
	if m.warned && r >= speechClearRatio {
		m.warned = false
		return SilenceWarnClear
	}

	if !m.autoClose() {
		return SilenceNone
	}

	// Auto-close wins over a repeat on the same tick.
	if m.ticks >= m.windowSz && float64(m.speechCount)/float64(m.windowSz) < speechMinRatio {
		return SilenceAutoClose
	}
	if m.warned && m.ticks-m.lastWarn >= m.warnAt {
		m.lastWarn = m.ticks
		return SilenceRepeat
	}
	return SilenceNone
}
