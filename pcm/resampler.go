package pcm

// Resampler converts native-rate float frames into PCM16 at a target rate
// using linear interpolation, batching the output into fixed-size chunks.
//
// The fractional read cursor survives between Process calls so output timing
// is continuous across frame boundaries. The cursor is anchored on the last
// sample of the previous frame, which lets the first output of a frame
// interpolate across the boundary instead of skipping it.
//
// A Resampler is owned by a single goroutine (the device callback).
type Resampler struct {
	ratio      float64
	targetRate int
	chunkSize  int
	pool       *Pool
	emit       func(*Chunk)

	position float64
	last     float32
	primed   bool

	buf []int16
	n   int

	produced uint64
	emitted  uint64
}

// NewResampler returns a Resampler that calls emit with every full chunk.
// Non-positive rates or chunk size fall back to the package defaults. A nil
// pool allocates a buffer per chunk.
func NewResampler(nativeRate, targetRate, chunkSize int, pool *Pool, emit func(*Chunk)) *Resampler {
	if targetRate <= 0 {
		targetRate = DefaultTargetRate
	}
	if nativeRate <= 0 {
		nativeRate = targetRate
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if pool == nil || pool.Size() != chunkSize {
		pool = NewPool(chunkSize, 0)
	}
	if emit == nil {
		emit = func(c *Chunk) { c.Release() }
	}
	return &Resampler{
		ratio:      float64(nativeRate) / float64(targetRate),
		targetRate: targetRate,
		chunkSize:  chunkSize,
		pool:       pool,
		emit:       emit,
	}
}

func (r *Resampler) Ratio() float64 { return r.ratio }

func (r *Resampler) TargetRate() int { return r.targetRate }

// Produced is the number of output samples written so far, flushed or not.
func (r *Resampler) Produced() uint64 { return r.produced }

// Emitted is the number of chunks handed to emit.
func (r *Resampler) Emitted() uint64 { return r.emitted }

// Process consumes one frame. It never blocks and takes at most one buffer
// from the pool per emitted chunk.
func (r *Resampler) Process(frame []float32) {
	n := len(frame)
	if n == 0 {
		return
	}

	if !r.primed {
		// Nothing precedes the first frame, so index 0 is frame[0].
		r.run(n, func(i int) float32 { return frame[i] })
		r.advance(float64(n - 1))
		r.primed = true
	} else {
		// Index 0 is the previous frame's last sample, 1..n are this frame.
		prev := r.last
		r.run(n+1, func(i int) float32 {
			if i == 0 {
				return prev
			}
			return frame[i-1]
		})
		r.advance(float64(n))
	}
	r.last = frame[n-1]
}

func (r *Resampler) run(length int, at func(int) float32) {
	last := float64(length - 1)
	for r.position <= last {
		i0 := int(r.position)
		frac := r.position - float64(i0)
		s := float64(at(i0))
		if frac > 0 {
			s = s*(1-frac) + float64(at(i0+1))*frac
		}
		r.put(Quantize(s))
		r.position += r.ratio
	}
}

func (r *Resampler) advance(consumed float64) {
	r.position -= consumed
	// Only floating-point error can push the cursor below zero.
	if r.position < 0 {
		r.position = 0
	}
}

func (r *Resampler) put(v int16) {
	if r.buf == nil {
		r.buf = r.pool.Get()
		r.n = 0
	}
	r.buf[r.n] = v
	r.n++
	r.produced++
	if r.n == r.chunkSize {
		r.send()
	}
}

func (r *Resampler) send() {
	c := &Chunk{buf: r.buf, n: r.n, SampleRate: r.targetRate, pool: r.pool}
	r.buf = nil
	r.n = 0
	r.emitted++
	r.emit(c)
}

// Flush emits the partially filled chunk, if it holds any samples.
func (r *Resampler) Flush() {
	if r.buf == nil || r.n == 0 {
		return
	}
	r.send()
}

// Reset discards the cursor and any pending samples.
func (r *Resampler) Reset() {
	if r.buf != nil {
		r.pool.Put(r.buf)
	}
	r.buf = nil
	r.n = 0
	r.position = 0
	r.last = 0
	r.primed = false
}
