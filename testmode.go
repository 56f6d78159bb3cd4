package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"scribe/audio"
	"scribe/beep"
	"scribe/config"
	"scribe/hotkey"
	"scribe/log"
	"scribe/metrics"
	"scribe/pcm"
	"scribe/transcript"
)

const (
	testWaitTimeout = 30 * time.Second
	testFrameSize   = 160
	testToneLength  = 1500 * time.Millisecond
)

// testDriver runs stdin scripts against a headless app: KEYDOWN, KEYUP,
// TOGGLE, START, STOP, WAIT, WAIT_AUDIO_DONE, SLEEP <ms>, QUIT.
type testDriver struct {
	a    *app
	hk   *hotkey.FakeHotkey
	actx *audio.FakeContext
	out  io.Writer

	waitTimeout time.Duration
}

// runTestMode plays wavPath (or a synthetic tone) through a fake
// microphone and prints every sealed transcript entry to stdout.
func runTestMode(cfg config.Config, m *metrics.Metrics, wavPath string) int {
	beep.Disable()

	actx, err := testAudio(wavPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading WAV: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newApp(cfg, actx, nil, m)
	d := newTestDriver(a, actx, os.Stdout)

	hy := hotkey.NewHybrid(d.hk, defaultLongPress)
	defer hy.Close()
	a.autoClose = hy.IsToggle

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.run(ctx)
	}()
	go hotkeyLoop(ctx, a, hy)

	code := d.run(ctx, os.Stdin)
	cancel()
	<-done
	return code
}

func testAudio(wavPath string) (*audio.FakeContext, error) {
	opts := audio.FakeOptions{FrameSize: testFrameSize, Realtime: true, Silence: true}
	if wavPath != "" {
		return audio.NewFakeContextFromWAV(wavPath, opts)
	}
	opts.SampleRate = pcm.DefaultTargetRate
	return audio.NewFakeContext(audio.Tone(pcm.DefaultTargetRate, testToneLength, 440, 0.3), opts), nil
}

func newTestDriver(a *app, actx *audio.FakeContext, out io.Writer) *testDriver {
	d := &testDriver{
		a:           a,
		hk:          hotkey.NewFake(),
		actx:        actx,
		out:         out,
		waitTimeout: testWaitTimeout,
	}
	a.store.Subscribe(d.print)
	return d
}

func (d *testDriver) print(e transcript.Entry) {
	if !e.Sealed() {
		return
	}
	fmt.Fprintf(d.out, "%s\t%s\t%s\n", strings.ToUpper(string(e.Status)), e.SessionID, e.Text)
}

// run executes commands from r until QUIT or EOF. It returns the process
// exit code.
func (d *testDriver) run(ctx context.Context, r io.Reader) int {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		quit, err := d.exec(ctx, line)
		if err != nil {
			log.Errorf("test mode: %s: %v", line, err)
			fmt.Fprintf(os.Stderr, "%s: %v\n", line, err)
			return 1
		}
		if quit {
			return 0
		}
	}
	return 0
}

func (d *testDriver) exec(ctx context.Context, line string) (quit bool, err error) {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "KEYDOWN":
		d.hk.SimKeydown()
	case "KEYUP":
		d.hk.SimKeyup()
	case "TOGGLE":
		d.a.toggle(ctx)
	case "START":
		return false, d.a.sess.Start(ctx)
	case "STOP":
		d.a.sess.Stop()
	case "WAIT":
		wctx, cancel := context.WithTimeout(ctx, d.waitTimeout)
		defer cancel()
		return false, d.a.waitIdle(wctx)
	case "WAIT_AUDIO_DONE":
		return false, d.waitAudioDone(ctx)
	case "SLEEP":
		ms, err := strconv.Atoi(strings.TrimSpace(arg))
		if err != nil {
			return false, fmt.Errorf("bad duration %q", arg)
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	case "QUIT":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
	return false, nil
}

func (d *testDriver) waitAudioDone(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.waitTimeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for d.actx.Last() == nil {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return errors.New("microphone never opened")
		}
	}
	select {
	case <-d.actx.Last().AudioDone():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
