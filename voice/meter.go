// Package voice measures microphone activity on the outgoing PCM16 chunks
// and decides when a recording has gone quiet.
package voice

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"
)

const (
	// QuietLevel is the peak RMS, relative to full scale, below which an
	// input is worth flagging as too quiet.
	QuietLevel = 0.02

	vadMode         = 3
	vadFrameMs      = 20
	vadDebounce     = 3    // consecutive speech frames to confirm voice
	tickSpeechRatio = 0.10 // share of speech frames for a tick to count as speaking
)

// RMS returns the root mean square of samples relative to full scale. It
// drives the level display only; speech is decided by the VAD.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Meter tracks the input level and runs WebRTC voice activity detection on
// 20ms frames cut from the chunk stream. Observe runs on the capture
// goroutine; Tick and the accessors run on the UI side.
type Meter struct {
	vad        *webrtcvad.VAD // nil for a level-only meter
	rate       int
	frameBytes int

	mu            sync.Mutex
	buf           []byte
	peak          float64
	frames        int
	speechFrames  int
	run           int
	lastSpeech    bool
	voiceDetected bool
}

// NewMeter returns a meter for PCM16 mono at sampleRate, which must be one
// the VAD accepts: 8000, 16000, 32000 or 48000 Hz.
func NewMeter(sampleRate int) (*Meter, error) {
	switch sampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return nil, fmt.Errorf("voice: VAD does not support %d Hz", sampleRate)
	}
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("voice: %w", err)
	}
	if err := v.SetMode(vadMode); err != nil {
		return nil, fmt.Errorf("voice: %w", err)
	}
	return &Meter{
		vad:        v,
		rate:       sampleRate,
		frameBytes: sampleRate * vadFrameMs / 1000 * 2,
	}, nil
}

// NewLevelMeter returns a meter without voice detection. Every tick counts
// as speech, so silence warnings never fire.
func NewLevelMeter() *Meter {
	return &Meter{}
}

func (m *Meter) Observe(samples []int16) {
	level := RMS(samples)
	m.mu.Lock()
	defer m.mu.Unlock()
	if level > m.peak {
		m.peak = level
	}
	if m.vad == nil {
		return
	}

	for _, s := range samples {
		m.buf = binary.LittleEndian.AppendUint16(m.buf, uint16(s))
	}
	for len(m.buf) >= m.frameBytes {
		active, err := m.vad.Process(m.rate, m.buf[:m.frameBytes])
		m.buf = m.buf[:copy(m.buf, m.buf[m.frameBytes:])]
		if err != nil {
			continue
		}
		m.frames++
		if !active {
			m.run = 0
			continue
		}
		m.speechFrames++
		m.run++
		if m.run >= vadDebounce {
			m.voiceDetected = true
		}
	}
}

// Tick returns the peak level since the previous tick and whether that
// interval held speech, then starts a new interval. An interval with no
// complete VAD frame repeats the previous verdict.
func (m *Meter) Tick() (level float64, speech bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	level = m.peak
	switch {
	case m.vad == nil:
		speech = true
	case m.frames > 0:
		m.lastSpeech = float64(m.speechFrames)/float64(m.frames) >= tickSpeechRatio
		speech = m.lastSpeech
	default:
		speech = m.lastSpeech
	}
	m.peak, m.frames, m.speechFrames = 0, 0, 0
	return level, speech
}

// VoiceDetected reports whether sustained speech was seen since Reset.
func (m *Meter) VoiceDetected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.voiceDetected
}

func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf = m.buf[:0]
	m.peak, m.frames, m.speechFrames, m.run = 0, 0, 0, 0
	m.lastSpeech, m.voiceDetected = false, false
}
