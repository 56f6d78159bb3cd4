package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sync"
	"time"
)

const defaultFakeFrameSize = 128

type FakeOptions struct {
	SampleRate int // delivery rate, default 48000
	FrameSize  int // samples per callback, default 128
	Realtime   bool
	// Silence keeps delivering zero frames once the source is exhausted,
	// like a live microphone in a quiet room.
	Silence bool
}

// FakeContext plays a fixed sample buffer through every capture it creates.
type FakeContext struct {
	samples []float32
	opts    FakeOptions

	mu      sync.Mutex
	openErr error
	last    *FakeCapture
	all     []*FakeCapture
}

func NewFakeContext(samples []float32, opts FakeOptions) *FakeContext {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 48000
	}
	if opts.FrameSize <= 0 {
		opts.FrameSize = defaultFakeFrameSize
	}
	return &FakeContext{samples: samples, opts: opts}
}

// NewFakeContextFromWAV plays a 16-bit PCM WAV file at its own sample rate.
func NewFakeContextFromWAV(path string, opts FakeOptions) (*FakeContext, error) {
	samples, rate, err := LoadWAV(path)
	if err != nil {
		return nil, err
	}
	opts.SampleRate = rate
	return NewFakeContext(samples, opts), nil
}

// FailWith makes NewCapture return err until called again with nil.
func (f *FakeContext) FailWith(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

// Last returns the most recently created capture.
func (f *FakeContext) Last() *FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// Captures returns every capture created so far, oldest first.
func (f *FakeContext) Captures() []*FakeCapture {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeCapture(nil), f.all...)
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	c := &FakeCapture{samples: f.samples, opts: f.opts, audioDone: make(chan struct{})}
	f.last = c
	f.all = append(f.all, c)
	return c, nil
}

type FakeCapture struct {
	samples   []float32
	opts      FakeOptions
	audioDone chan struct{}

	mu       sync.Mutex
	cb       FrameCallback
	stopCh   chan struct{}
	feedDone chan struct{}
	running  bool
	closed   bool
	frames   int
}

// AudioDone is closed once every source sample has been delivered.
func (f *FakeCapture) AudioDone() <-chan struct{} { return f.audioDone }

func (f *FakeCapture) SetCallback(cb FrameCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) SampleRate() int    { return f.opts.SampleRate }
func (f *FakeCapture) DeviceName() string { return "fake" }

// Frames is the number of callbacks delivered so far.
func (f *FakeCapture) Frames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

func (f *FakeCapture) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *FakeCapture) deliver(frame []float32) bool {
	f.mu.Lock()
	cb := f.cb
	if cb != nil {
		f.frames++
	}
	f.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(frame)
	return true
}

func (f *FakeCapture) Start() error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})
	stop, done := f.stopCh, f.feedDone
	f.mu.Unlock()

	size := f.opts.FrameSize
	interval := time.Duration(size) * time.Second / time.Duration(f.opts.SampleRate)

	go func() {
		defer close(done)
		frame := make([]float32, size)
		pos := 0
		finished := false
		for {
			select {
			case <-stop:
				return
			default:
			}

			if pos < len(f.samples) {
				end := min(pos+size, len(f.samples))
				n := copy(frame, f.samples[pos:end])
				if !f.deliver(frame[:n]) {
					time.Sleep(time.Millisecond)
					continue
				}
				pos = end
			} else {
				if !finished {
					finished = true
					close(f.audioDone)
				}
				if !f.opts.Silence {
					<-stop
					return
				}
				clear(frame)
				f.deliver(frame)
			}

			if f.opts.Realtime || pos >= len(f.samples) {
				select {
				case <-stop:
					return
				case <-time.After(interval):
				}
			}
		}
	}()

	return nil
}

func (f *FakeCapture) Stop() error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = false
	close(f.stopCh)
	done := f.feedDone
	f.mu.Unlock()
	<-done
	return nil
}

func (f *FakeCapture) Close() error {
	err := f.Stop()
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return err
}

// LoadWAV reads a mono or interleaved 16-bit PCM WAV file and returns the
// first channel as float samples along with the file's sample rate.
func LoadWAV(path string) ([]float32, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	if len(data) < WAVHeaderSize || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%s: not a WAV file", path)
	}
	channels := int(binary.LittleEndian.Uint16(data[22:24]))
	rate := int(binary.LittleEndian.Uint32(data[24:28]))
	bits := binary.LittleEndian.Uint16(data[34:36])
	if bits != 16 {
		return nil, 0, fmt.Errorf("%s: %d-bit WAV not supported", path, bits)
	}
	if channels < 1 {
		channels = 1
	}
	pcm := data[WAVHeaderSize:]
	stride := 2 * channels
	out := make([]float32, len(pcm)/stride)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*stride:]))
		out[i] = float32(s) / 32768
	}
	return out, rate, nil
}

// Tone synthesizes a sine wave, useful as a fake microphone signal.
func Tone(rate int, d time.Duration, freq, amp float64) []float32 {
	n := int(d.Seconds() * float64(rate))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}
