// Package doctor runs scribe's system diagnostics: log directory, global
// hotkey, microphone capture and the transcription service handshake.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"scribe/audio"
	"scribe/capture"
	"scribe/config"
	"scribe/hotkey"
	"scribe/log"
	"scribe/shutdown"
	"scribe/stt"
	"scribe/voice"
)

const (
	defaultListen = 2 * time.Second
	pressTimeout  = 10 * time.Second
)

// Check is one diagnostic step. Run returns a short detail on success.
type Check struct {
	Name string
	Run  func(ctx context.Context) (string, error)
}

type Options struct {
	Config config.Config
	// Audio is the capture backend. nil opens the system context.
	Audio audio.Context
	// Listen is how long the microphone check records.
	Listen time.Duration
	// Interactive asks the user to press the hotkey.
	Interactive bool
}

// Checks builds the diagnostic steps for opts in the order they run.
func Checks(opts Options) []Check {
	if opts.Listen <= 0 {
		opts.Listen = defaultListen
	}
	return []Check{
		{Name: "Log directory", Run: checkLogDir},
		{Name: "Hotkey", Run: func(ctx context.Context) (string, error) {
			return checkHotkey(ctx, opts.Config.Hotkey, opts.Interactive)
		}},
		{Name: "Microphone", Run: func(ctx context.Context) (string, error) {
			return checkMicrophone(ctx, opts.Audio, opts.Config.Audio, opts.Listen)
		}},
		{Name: "Transcription service", Run: func(ctx context.Context) (string, error) {
			return checkSTT(ctx, opts.Config.STT)
		}},
	}
}

// Run executes checks in order, printing each result to w, and returns an
// exit code (0 when every check passed). An interrupt cancels the running
// check and skips the rest.
func Run(w io.Writer, checks []Check) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown.Watch(ctx, cancel)
	return run(ctx, w, checks)
}

func run(ctx context.Context, w io.Writer, checks []Check) int {
	fmt.Fprintln(w, "scribe doctor - system diagnostics")
	fmt.Fprintln(w, "==================================")

	failed := 0
	for i, c := range checks {
		fmt.Fprintf(w, "\n[%d/%d] %s\n", i+1, len(checks), c.Name)
		if ctx.Err() != nil {
			fmt.Fprintln(w, "  SKIP: interrupted")
			failed++
			continue
		}
		detail, err := c.Run(ctx)
		if err != nil {
			fmt.Fprintf(w, "  FAIL: %v\n", err)
			log.Warnf("doctor: %s failed: %v", c.Name, err)
			failed++
			continue
		}
		fmt.Fprintf(w, "  PASS: %s\n", detail)
	}

	fmt.Fprintln(w)
	if failed > 0 {
		fmt.Fprintf(w, "%d of %d checks failed. See details above.\n", failed, len(checks))
		return 1
	}
	fmt.Fprintln(w, "All checks passed!")
	return 0
}

func checkLogDir(context.Context) (string, error) {
	if log.Dir() == "" {
		return "file logging disabled", nil
	}
	if err := log.EnsureDir(); err != nil {
		return "", err
	}
	probe, err := os.CreateTemp(log.Dir(), ".doctor-*")
	if err != nil {
		return "", fmt.Errorf("not writable: %w", err)
	}
	name := probe.Name()
	probe.Close()
	os.Remove(name)
	return log.Dir(), nil
}

func checkHotkey(ctx context.Context, spec string, interactive bool) (string, error) {
	b := hotkey.DefaultBinding
	if spec != "" {
		var err error
		if b, err = hotkey.Parse(spec); err != nil {
			return "", err
		}
	}
	detail, err := hotkey.Diagnose()
	if err != nil || !interactive {
		return detail, err
	}

	hk, err := hotkey.New(b)
	if err != nil {
		return "", err
	}
	if err := hk.Register(); err != nil {
		return "", fmt.Errorf("could not register %s: %w", b, err)
	}
	defer hk.Unregister()

	fmt.Printf("  Press %s...\n", b)
	timer := time.NewTimer(pressTimeout)
	defer timer.Stop()
	select {
	case <-hk.Keydown():
	case <-timer.C:
		return "", fmt.Errorf("timeout waiting for %s", b)
	case <-ctx.Done():
		return "", ctx.Err()
	}
	// Swallow the release so it does not leak into the next step.
	select {
	case <-hk.Keyup():
	case <-time.After(5 * time.Second):
	}
	return fmt.Sprintf("%s detected", b), nil
}

func checkMicrophone(ctx context.Context, actx audio.Context, cfg config.AudioConfig, listen time.Duration) (string, error) {
	if actx == nil {
		var err error
		if actx, err = audio.NewContext(); err != nil {
			return "", fmt.Errorf("cannot connect to audio: %w", err)
		}
		defer actx.Close()
	}

	var dev *audio.DeviceInfo
	if cfg.Device != "" {
		var err error
		if dev, err = audio.FindDevice(actx, cfg.Device); err != nil {
			return "", err
		}
	}

	meter, err := voice.NewMeter(cfg.SampleRate)
	if err != nil {
		meter = voice.NewLevelMeter()
	}
	var (
		mu     sync.Mutex
		chunks int
		peak   float64
	)
	c := capture.New(actx, capture.Config{
		Device:     dev,
		DeviceRate: uint32(cfg.DeviceRate),
		Gain:       float32(cfg.Gain),
		ChunkSize:  cfg.ChunkSize,
		QueueDepth: cfg.QueueDepth,
	})
	err = c.Start(func(samples []int16, _ int) {
		meter.Observe(samples)
		level := voice.RMS(samples)
		mu.Lock()
		chunks++
		peak = max(peak, level)
		mu.Unlock()
	}, cfg.SampleRate)
	if err != nil {
		return "", err
	}

	timer := time.NewTimer(listen)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	if chunks == 0 {
		return "", errors.New("no audio captured")
	}
	detail := fmt.Sprintf("%d chunks at %d Hz, peak level %.3f", chunks, cfg.SampleRate, peak)
	if peak < voice.QuietLevel {
		detail += " (quiet: check input volume)"
	}
	if meter.VoiceDetected() {
		detail += ", voice detected"
	}
	if n := c.Dropped(); n > 0 {
		detail += fmt.Sprintf(", %d dropped", n)
	}
	return detail, nil
}

func checkSTT(ctx context.Context, cfg config.STTConfig) (string, error) {
	client := stt.NewClient(stt.Options{
		URL:          cfg.URL,
		Header:       cfg.Header(),
		DialTimeout:  cfg.ConnectTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
	})
	defer client.Shutdown()

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout())
	defer cancel()

	began := time.Now()
	if err := client.Connect(ctx); err != nil {
		return "", err
	}
	if err := client.WaitConnected(ctx); err != nil {
		return "", fmt.Errorf("connect %s: %w", cfg.URL, err)
	}
	if err := client.WaitReady(ctx); err != nil {
		return "", fmt.Errorf("no ready from %s: %w", cfg.URL, err)
	}
	return fmt.Sprintf("%s ready in %s", cfg.URL, time.Since(began).Round(time.Millisecond)), nil
}
