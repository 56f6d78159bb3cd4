package capture

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"scribe/audio"
	"scribe/metrics"
	"scribe/pcm"
)

type recorder struct {
	mu     sync.Mutex
	chunks [][]int16
	rates  []int
}

func (r *recorder) onChunk(samples []int16, rate int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, append([]int16(nil), samples...))
	r.rates = append(r.rates, rate)
}

func (r *recorder) snapshot() [][]int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chunks
}

func waitDone(t *testing.T, ctx *audio.FakeContext) {
	t.Helper()
	select {
	case <-ctx.Last().AudioDone():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for fake audio")
	}
}

func expected(src []float32, native, target, chunk, frame int) [][]int16 {
	var out [][]int16
	r := pcm.NewResampler(native, target, chunk, nil, func(c *pcm.Chunk) {
		out = append(out, append([]int16(nil), c.Samples()...))
		c.Release()
	})
	for i := 0; i < len(src); i += frame {
		r.Process(src[i:min(i+frame, len(src))])
	}
	r.Flush()
	return out
}

func TestCaptureStreamsChunksInOrder(t *testing.T) {
	src := audio.Tone(48000, time.Second, 440, 0.5)
	ctx := audio.NewFakeContext(src, audio.FakeOptions{SampleRate: 48000})
	m := metrics.NewMetrics(nil)
	c := New(ctx, Config{Metrics: m})

	var rec recorder
	if err := c.Start(rec.onChunk, 16000); err != nil {
		t.Fatal(err)
	}
	if !c.Running() {
		t.Error("not running after Start")
	}
	waitDone(t, ctx)
	c.Stop()

	got := rec.snapshot()
	want := expected(src, 48000, 16000, pcm.DefaultChunkSize, 128)
	if len(got) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(got), len(want))
	}
	total := 0
	for i := range want {
		if len(got[i]) != len(want[i]) {
			t.Fatalf("chunk %d: %d samples, want %d", i, len(got[i]), len(want[i]))
		}
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Fatalf("chunk %d sample %d differs", i, j)
			}
		}
		if rec.rates[i] != 16000 {
			t.Errorf("chunk %d rate %d", i, rec.rates[i])
		}
		total += len(got[i])
	}
	if total != 16000 {
		t.Errorf("got %d samples, want 16000", total)
	}
	if last := len(got[len(got)-1]); last != 16000%pcm.DefaultChunkSize {
		t.Errorf("trailing chunk has %d samples", last)
	}
	if n := testutil.ToFloat64(m.CaptureChunks); int(n) != len(want) {
		t.Errorf("chunk metric = %v", n)
	}
	if !ctx.Last().Closed() {
		t.Error("device not closed")
	}
	if c.Running() {
		t.Error("still running after Stop")
	}
}

func TestCaptureStopIdempotent(t *testing.T) {
	ctx := audio.NewFakeContext(audio.Tone(16000, 10*time.Millisecond, 440, 0.5), audio.FakeOptions{SampleRate: 16000})
	c := New(ctx, Config{})

	c.Stop()

	var rec recorder
	if err := c.Start(rec.onChunk, 16000); err != nil {
		t.Fatal(err)
	}
	waitDone(t, ctx)
	c.Stop()
	c.Stop()

	if n := len(rec.snapshot()); n != 1 {
		t.Errorf("got %d chunks, want one flushed chunk", n)
	}
}

func TestCaptureRestartStopsPrevious(t *testing.T) {
	ctx := audio.NewFakeContext(nil, audio.FakeOptions{SampleRate: 16000, Silence: true, Realtime: true})
	c := New(ctx, Config{})

	if err := c.Start(nil, 16000); err != nil {
		t.Fatal(err)
	}
	first := ctx.Last()
	if err := c.Start(nil, 16000); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	if !first.Closed() {
		t.Error("first device left open")
	}
	if ctx.Last() == first {
		t.Error("second start reused the device")
	}
}

func TestCaptureConcurrentStartsLeaveOneDevice(t *testing.T) {
	ctx := audio.NewFakeContext(nil, audio.FakeOptions{SampleRate: 16000, Silence: true, Realtime: true})
	c := New(ctx, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Start(nil, 16000); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	open := 0
	for _, d := range ctx.Captures() {
		if !d.Closed() {
			open++
		}
	}
	if open != 1 {
		t.Errorf("%d devices open after concurrent starts, want 1", open)
	}

	c.Stop()
	for i, d := range ctx.Captures() {
		if !d.Closed() {
			t.Errorf("device %d still open after Stop", i)
		}
	}
}

func TestCaptureOpenError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"permission", errors.New("Access denied by user"), audio.ErrPermissionDenied},
		{"missing", audio.ErrNoDevice, audio.ErrNoDevice},
		{"busy", errors.New("device busy"), audio.ErrDeviceBusy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := audio.NewFakeContext(nil, audio.FakeOptions{})
			ctx.FailWith(tt.err)
			c := New(ctx, Config{})

			err := c.Start(nil, 16000)
			var de *DeviceError
			if !errors.As(err, &de) {
				t.Fatalf("got %T %v, want *DeviceError", err, err)
			}
			if de.Op != "open" {
				t.Errorf("op = %q", de.Op)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
			if c.Running() {
				t.Error("running after failed start")
			}
		})
	}
}

type brokenContext struct{ audio.FakeContext }

func (b *brokenContext) NewCapture(*audio.DeviceInfo, audio.CaptureConfig) (audio.CaptureDevice, error) {
	return &brokenDevice{}, nil
}

type brokenDevice struct {
	closed bool
}

func (d *brokenDevice) Start() error                  { return errors.New("device or resource busy") }
func (d *brokenDevice) Stop() error                   { return nil }
func (d *brokenDevice) Close() error                  { d.closed = true; return nil }
func (d *brokenDevice) SetCallback(audio.FrameCallback) {}
func (d *brokenDevice) ClearCallback()                {}
func (d *brokenDevice) SampleRate() int               { return 48000 }
func (d *brokenDevice) DeviceName() string            { return "broken" }

func TestCaptureStartError(t *testing.T) {
	c := New(&brokenContext{}, Config{})

	err := c.Start(nil, 16000)
	var de *DeviceError
	if !errors.As(err, &de) || de.Op != "start" {
		t.Fatalf("got %v, want start DeviceError", err)
	}
	if !errors.Is(err, audio.ErrDeviceBusy) {
		t.Errorf("got %v, want ErrDeviceBusy", err)
	}
	c.Stop()
}

func TestCaptureDropsWhenConsumerBehind(t *testing.T) {
	src := audio.Tone(48000, time.Second, 440, 0.5)
	ctx := audio.NewFakeContext(src, audio.FakeOptions{SampleRate: 48000})
	m := metrics.NewMetrics(nil)
	c := New(ctx, Config{QueueDepth: 1, Metrics: m})

	release := make(chan struct{})
	var mu sync.Mutex
	delivered := 0
	err := c.Start(func(samples []int16, _ int) {
		<-release
		mu.Lock()
		delivered++
		mu.Unlock()
	}, 16000)
	if err != nil {
		t.Fatal(err)
	}
	waitDone(t, ctx)

	dropped := c.Dropped()
	if dropped == 0 {
		t.Fatal("expected dropped chunks with a blocked consumer")
	}
	if got := testutil.ToFloat64(m.CaptureChunksDropped); uint64(got) != dropped {
		t.Errorf("dropped metric %v, counter %d", got, dropped)
	}

	close(release)
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	// 7 full chunks plus the flushed tail.
	if uint64(delivered)+dropped != 8 {
		t.Errorf("delivered %d + dropped %d != 8", delivered, dropped)
	}
}
