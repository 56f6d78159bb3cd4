package pcm

// Pool hands out fixed-size sample buffers. Get never blocks: when the free
// list is empty it allocates. Put drops buffers once the free list is full.
type Pool struct {
	size int
	free chan []int16
}

func NewPool(chunkSize, capacity int) *Pool {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if capacity < 0 {
		capacity = 0
	}
	return &Pool{size: chunkSize, free: make(chan []int16, capacity)}
}

func (p *Pool) Size() int { return p.size }

func (p *Pool) Get() []int16 {
	select {
	case b := <-p.free:
		return b
	default:
		return make([]int16, p.size)
	}
}

func (p *Pool) Put(b []int16) {
	if cap(b) != p.size {
		return
	}
	b = b[:p.size]
	select {
	case p.free <- b:
	default:
	}
}

// Chunk is a filled buffer whose ownership has moved from the resampler to
// the consumer. Call Release once the samples are no longer referenced.
type Chunk struct {
	buf        []int16
	n          int
	SampleRate int
	pool       *Pool
}

// Samples returns the valid samples, trimmed to the actual count.
func (c *Chunk) Samples() []int16 { return c.buf[:c.n] }

func (c *Chunk) Len() int { return c.n }

func (c *Chunk) Cap() int { return len(c.buf) }

// Release returns the buffer to its pool. The chunk must not be used after.
func (c *Chunk) Release() {
	if c.buf == nil {
		return
	}
	if c.pool != nil {
		c.pool.Put(c.buf)
	}
	c.buf = nil
	c.n = 0
}
