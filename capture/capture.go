// Package capture wires a microphone to the PCM16 resampler and forwards
// completed chunks, in order, to a single consumer.
package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"scribe/audio"
	"scribe/log"
	"scribe/metrics"
	"scribe/pcm"
)

const DefaultQueueDepth = 64

var ErrNoSampleRate = errors.New("device reported no sample rate")

// DeviceError reports a failure to open or start the microphone. Err wraps
// one of the audio sentinels when the backend error could be classified.
type DeviceError struct {
	Op     string
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("capture %s %s: %v", e.Op, e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

type Config struct {
	Device     *audio.DeviceInfo
	DeviceRate uint32 // requested native rate, 0 for the device default
	Gain       float32
	ChunkSize  int
	QueueDepth int
	Metrics    *metrics.Metrics
}

// ChunkFunc receives one chunk at the target rate. samples is only valid
// for the duration of the call.
type ChunkFunc func(samples []int16, sampleRate int)

type Capture struct {
	ctx  audio.Context
	cfg  Config
	pool *pcm.Pool

	mu      sync.Mutex
	running *run
}

// run is the state of one Start..Stop cycle.
type run struct {
	dev    audio.CaptureDevice
	feed   *feeder
	queue  chan *pcm.Chunk
	done   chan struct{}
	target int
}

func New(ctx audio.Context, cfg Config) *Capture {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = pcm.DefaultChunkSize
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	return &Capture{
		ctx: ctx,
		cfg: cfg,
		// Chunks in the queue plus one being filled and one being consumed.
		pool: pcm.NewPool(cfg.ChunkSize, cfg.QueueDepth+2),
	}
}

// Start opens the microphone and begins streaming chunks to onChunk. Any
// capture already running is stopped first.
func (c *Capture) Start(onChunk ChunkFunc, targetSampleRate int) error {
	if targetSampleRate <= 0 {
		targetSampleRate = pcm.DefaultTargetRate
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev := c.running; prev != nil {
		c.running = nil
		prev.stop()
	}

	name := "system default"
	if c.cfg.Device != nil {
		name = c.cfg.Device.Name
	}

	dev, err := c.ctx.NewCapture(c.cfg.Device, audio.CaptureConfig{
		SampleRate: c.cfg.DeviceRate,
		Channels:   1,
		Gain:       c.cfg.Gain,
	})
	if err != nil {
		return &DeviceError{Op: "open", Device: name, Err: audio.Classify(err)}
	}

	r := &run{
		dev:    dev,
		queue:  make(chan *pcm.Chunk, c.cfg.QueueDepth),
		done:   make(chan struct{}),
		target: targetSampleRate,
	}
	r.feed = &feeder{
		dev:       dev,
		target:    targetSampleRate,
		chunkSize: c.cfg.ChunkSize,
		pool:      c.pool,
		queue:     r.queue,
		metrics:   c.cfg.Metrics,
	}

	go r.dispatch(onChunk, c.cfg.Metrics)

	dev.SetCallback(r.feed.process)
	if err := dev.Start(); err != nil {
		dev.ClearCallback()
		if cerr := dev.Close(); cerr != nil {
			log.Warnf("capture close after failed start: %v", cerr)
		}
		close(r.queue)
		<-r.done
		return &DeviceError{Op: "start", Device: name, Err: audio.Classify(err)}
	}

	c.running = r
	log.Infof("capture started: device=%s native_rate=%d target_rate=%d chunk=%d",
		dev.DeviceName(), dev.SampleRate(), targetSampleRate, c.cfg.ChunkSize)
	return nil
}

// Stop tears the capture down. It is safe to call when not started and more
// than once. The trailing partial chunk is delivered before Stop returns.
func (c *Capture) Stop() {
	c.mu.Lock()
	r := c.running
	c.running = nil
	c.mu.Unlock()

	if r != nil {
		r.stop()
	}
}

func (r *run) stop() {
	r.dev.ClearCallback()
	if err := r.dev.Stop(); err != nil {
		log.Warnf("capture stop: %v", err)
	}
	if err := r.dev.Close(); err != nil {
		log.Warnf("capture close: %v", err)
	}

	r.feed.flush()
	close(r.queue)
	<-r.done

	log.Infof("capture stopped: frames=%d samples=%d chunks=%d dropped=%d",
		r.feed.frames.Load(), r.feed.produced(), r.feed.emitted.Load(), r.feed.dropped.Load())
}

// Running reports whether a capture is active.
func (c *Capture) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running != nil
}

// Dropped is the number of chunks discarded in the current capture because
// the consumer fell behind.
func (c *Capture) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running == nil {
		return 0
	}
	return c.running.feed.dropped.Load()
}

func (r *run) dispatch(onChunk ChunkFunc, m *metrics.Metrics) {
	defer close(r.done)
	for ch := range r.queue {
		m.SetQueueDepth(len(r.queue))
		m.RecordChunk(ch.Len())
		if onChunk != nil {
			onChunk(ch.Samples(), ch.SampleRate)
		}
		ch.Release()
	}
}

// feeder runs on the device's audio thread. The mutex is only contended
// while Stop flushes, after the device has stopped delivering frames.
type feeder struct {
	dev       audio.CaptureDevice
	target    int
	chunkSize int
	pool      *pcm.Pool
	queue     chan *pcm.Chunk
	metrics   *metrics.Metrics

	mu        sync.Mutex
	res       *pcm.Resampler
	finishing bool
	warned    bool

	frames  atomic.Uint64
	emitted atomic.Uint64
	dropped atomic.Uint64
}

func (f *feeder) process(frame []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finishing {
		return
	}
	if f.res == nil {
		// The native rate is only known once the device is running.
		rate := f.dev.SampleRate()
		if rate <= 0 {
			if !f.warned {
				f.warned = true
				log.Errorf("capture: %v", ErrNoSampleRate)
			}
			return
		}
		f.res = pcm.NewResampler(rate, f.target, f.chunkSize, f.pool, f.emit)
	}
	f.frames.Add(1)
	f.metrics.RecordFrame()
	f.res.Process(frame)
}

func (f *feeder) emit(ch *pcm.Chunk) {
	if f.finishing {
		// Not on the audio thread any more, so waiting is fine.
		f.queue <- ch
		f.emitted.Add(1)
		return
	}
	select {
	case f.queue <- ch:
		f.emitted.Add(1)
	default:
		ch.Release()
		n := f.dropped.Add(1)
		f.metrics.RecordChunkDropped()
		if n == 1 || n%100 == 0 {
			log.Warnf("capture: consumer behind, dropped %d chunks", n)
		}
	}
}

func (f *feeder) flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishing = true
	if f.res != nil {
		f.res.Flush()
	}
}

func (f *feeder) produced() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.res == nil {
		return 0
	}
	return f.res.Produced()
}
