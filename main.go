package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"scribe/audio"
	"scribe/beep"
	"scribe/config"
	"scribe/doctor"
	"scribe/hotkey"
	"scribe/log"
	"scribe/metrics"
	"scribe/shutdown"
)

var version = "dev"

const defaultLongPress = 350 * time.Millisecond

func run() {
	configFlag := flag.String("config", "", "YAML config file (default: built-in defaults plus SCRIBE_* env)")
	urlFlag := flag.String("url", "", "Transcription service websocket URL (overrides config)")
	providerFlag := flag.String("provider", "", "Provider name sent in start (overrides config)")
	setupFlag := flag.Bool("setup", false, "Select microphone device interactively")
	deviceFlag := flag.String("device", "", "Use named microphone device")
	devicesFlag := flag.Bool("devices", false, "List capture devices and exit")
	hotkeyFlag := flag.String("hotkey", "", "Global hotkey, e.g. ctrl+shift+space")
	longPressFlag := flag.Duration("longpress", defaultLongPress, "Hold longer than this for push-to-talk, shorter taps toggle")
	versionFlag := flag.Bool("version", false, "Print version and exit")
	doctorFlag := flag.Bool("doctor", false, "Run system diagnostics and exit")
	crashFlag := flag.Bool("crash", false, "Trigger synthetic panic for testing crash logging")
	logPathFlag := flag.String("logpath", "", "log directory path (default: OS-specific location, use ./ for current dir)")
	metricsFlag := flag.String("metrics", "", "Serve /metrics and /debug/pprof on this address (e.g. localhost:9464)")
	testFlag := flag.Bool("test", false, "Test mode (headless, stdin-driven); optional WAV file argument")
	tuiFlag := flag.Bool("tui", true, "Run with terminal UI")
	quietFlag := flag.Bool("quiet", false, "Disable audio cues")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("scribe %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *urlFlag != "" {
		cfg.STT.URL = *urlFlag
	}
	if *providerFlag != "" {
		cfg.STT.Provider = *providerFlag
	}
	if *deviceFlag != "" {
		cfg.Audio.Device = *deviceFlag
	}
	if *hotkeyFlag != "" {
		cfg.Hotkey = *hotkeyFlag
	}
	if *metricsFlag != "" {
		cfg.MetricsAddr = *metricsFlag
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logFlag := *logPathFlag
	if logFlag == "" {
		logFlag = cfg.LogPath
	}
	logPath, err := log.ResolveDir(logFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to resolve log directory: %v\n", err)
		os.Exit(1)
	}
	log.SetDir(logPath)
	if err := log.EnsureDir(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create log directory: %v\n", err)
	}
	initCrashLog()

	if *crashFlag {
		panic("TEST CRASH: synthetic panic to verify crash logging")
	}

	if err := log.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not init logging: %v\n", err)
	}
	defer log.Close()

	if *doctorFlag {
		code := doctor.Run(os.Stdout, doctor.Checks(doctor.Options{Config: cfg, Interactive: *tuiFlag}))
		log.Close()
		os.Exit(code)
	}

	m := metrics.NewMetrics(nil)
	if cfg.MetricsAddr != "" {
		serveMetrics(cfg.MetricsAddr, m)
	}

	if *quietFlag {
		beep.Disable()
	}

	if *testFlag {
		wav := ""
		if flag.NArg() > 0 {
			wav = flag.Arg(0)
		}
		os.Exit(runTestMode(cfg, m, wav))
	}

	binding, err := hotkey.Parse(cfg.Hotkey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	actx, err := audio.NewContext()
	if err != nil {
		log.Errorf("audio context init error: %v", err)
		fmt.Printf("Error initializing audio context: %v\n", err)
		os.Exit(1)
	}
	defer actx.Close()

	if *devicesFlag {
		listDevices(actx)
		return
	}

	dev, err := resolveDevice(actx, cfg.Audio.Device, *setupFlag)
	if err != nil {
		log.Warnf("device selection failed: %v", err)
		fmt.Printf("Warning: %v\nFalling back to default device\n", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newApp(cfg, actx, dev, m)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.run(ctx)
	}()

	hk, err := hotkey.New(binding)
	if err == nil {
		err = hk.Register()
	}
	if err != nil {
		log.Errorf("hotkey register error: %v", err)
		fmt.Printf("Error registering hotkey %s: %v\n", binding, err)
		cancel()
		<-done
		os.Exit(1)
	}
	defer hk.Unregister()
	hy := hotkey.NewHybrid(hk, *longPressFlag)
	defer hy.Close()
	// Long silences only end tapped recordings; a held key means the user is
	// still there.
	a.autoClose = hy.IsToggle

	if *tuiFlag {
		p := NewTUIProgram(tuiActions{
			toggle:   func() { a.toggle(ctx) },
			favorite: a.favorite,
		}, binding.String())
		tuiMu.Lock()
		tuiProgram = p
		tuiMu.Unlock()

		go func() {
			if _, err := p.Run(); err != nil {
				log.Errorf("TUI error: %v", err)
			}
			cancel()
		}()
		tuiSend(ModeLineMsg{Text: fmt.Sprintf("[%s | %s @ %d Hz]", cfg.STT.Provider, cfg.STT.Format, cfg.Audio.SampleRate)})
		tuiSend(DeviceLineMsg{Text: deviceLineText(dev)})
	} else {
		fmt.Printf("scribe %s: press %s to record, Ctrl+C to quit\n", version, binding)
	}

	shutdown.Watch(ctx, cancel)

	log.Infof("scribe %s ready: url=%s hotkey=%s", version, cfg.STT.URL, binding)
	hotkeyLoop(ctx, a, hy)

	<-done
	tuiMu.Lock()
	if tuiProgram != nil {
		tuiProgram.Quit()
	}
	tuiMu.Unlock()
}

// hotkeyLoop maps hybrid key gestures onto the session until ctx is done.
func hotkeyLoop(ctx context.Context, a *app, hy *hotkey.Hybrid) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hy.Start():
			log.Info("hotkey_start")
			a.start(ctx)
		case <-hy.StopChan():
			log.Info("hotkey_stop_" + string(hy.Mode()))
			a.sess.Stop()
		}
	}
}

func initCrashLog() {
	crashPath := filepath.Join(log.Dir(), "crash_log.txt")
	crashFile, err := os.OpenFile(crashPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(crashFile, "\n=== Session %s [pid=%d] ===\n", time.Now().Format("2006-01-02 15:04:05"), os.Getpid())
	debug.SetCrashOutput(crashFile, debug.CrashOptions{})
}

func serveMetrics(addr string, m *metrics.Metrics) {
	http.Handle("/metrics", m.Handler())
	go func() {
		log.Infof("metrics listening on http://%s/metrics", addr)
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Errorf("metrics server: %v", err)
			fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
		}
	}()
}

func resolveDevice(actx audio.Context, name string, setup bool) (*audio.DeviceInfo, error) {
	switch {
	case name != "":
		return audio.FindDevice(actx, name)
	case setup:
		return audio.SelectDevice(actx)
	}
	return nil, nil
}

func listDevices(actx audio.Context) {
	devices, err := actx.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}
	for _, d := range devices {
		bt := ""
		if audio.IsBluetooth(d.Name) {
			bt = " (bluetooth)"
		}
		fmt.Printf("%s\t%s%s\n", d.ID, d.Name, bt)
	}
}

func deviceLineText(dev *audio.DeviceInfo) string {
	name := "system default"
	suffix := ""
	if dev != nil {
		name = dev.Name
		if audio.IsBluetooth(dev.Name) {
			suffix = " (BT!)"
		}
	}
	return "mic: " + name + suffix
}
