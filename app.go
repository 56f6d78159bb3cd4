package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"scribe/audio"
	"scribe/beep"
	"scribe/capture"
	"scribe/config"
	"scribe/events"
	"scribe/log"
	"scribe/metrics"
	"scribe/session"
	"scribe/stt"
	"scribe/transcript"
	"scribe/voice"
)

// app is one wired pipeline: microphone, stt client, session, transcript
// store and the transcript subscribers.
type app struct {
	cfg     config.Config
	metrics *metrics.Metrics
	client  *stt.Client
	capt    *capture.Capture
	store   *transcript.Store
	sess    *session.Session
	pub     *events.Publisher
	meter   *voice.Meter

	// autoClose reports whether a long silence may end the recording.
	autoClose func() bool

	watchMu   sync.Mutex
	watchStop chan struct{}

	idle chan struct{} // signalled on every return to idle
}

func newApp(cfg config.Config, actx audio.Context, dev *audio.DeviceInfo, m *metrics.Metrics) *app {
	a := &app{
		cfg:       cfg,
		metrics:   m,
		store:     transcript.NewStore(),
		autoClose: func() bool { return true },
		idle:      make(chan struct{}, 1),
	}

	meter, err := voice.NewMeter(cfg.Audio.SampleRate)
	if err != nil {
		log.Warnf("voice detection off, silence warnings disabled: %v", err)
		meter = voice.NewLevelMeter()
	}
	a.meter = meter

	a.client = stt.NewClient(stt.Options{
		URL:          cfg.STT.URL,
		Header:       cfg.STT.Header(),
		DialTimeout:  cfg.STT.ConnectTimeout(),
		WriteTimeout: cfg.STT.WriteTimeout(),
		Metrics:      m,
	})
	a.capt = capture.New(actx, capture.Config{
		Device:     dev,
		DeviceRate: uint32(cfg.Audio.DeviceRate),
		Gain:       float32(cfg.Audio.Gain),
		ChunkSize:  cfg.Audio.ChunkSize,
		QueueDepth: cfg.Audio.QueueDepth,
		Metrics:    m,
	})
	a.sess = session.New(a.client, a.capt, a.store, session.Config{
		TargetSampleRate: cfg.Audio.SampleRate,
		Provider:         cfg.STT.Provider,
		Format:           cfg.STT.Format,
		ConnectTimeout:   cfg.STT.ConnectTimeout(),
		FinalTimeout:     cfg.STT.FinalTimeout(),
		Metrics:          m,
	})
	a.pub = events.New(&events.Config{
		Brokers:   cfg.Kafka.Brokers,
		Topic:     cfg.Kafka.Topic,
		Principal: cfg.Kafka.Principal,
		Enabled:   cfg.Kafka.Enabled,
	}, m)

	a.store.Subscribe(a.onEntry)
	a.store.Subscribe(a.pub.Observe)
	a.sess.OnStatus(a.onStatus)
	a.sess.OnAudio(a.meter.Observe)
	return a
}

// run drives the session and the publisher until ctx is done, then tears
// the pipeline down.
func (a *app) run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.pub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := a.sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("session loop: %v", err)
		}
	}()
	wg.Wait()

	a.stopWatch()
	a.capt.Stop()
	a.client.Shutdown()
	if err := a.pub.Close(); err != nil {
		log.Warnf("events close: %v", err)
	}
}

// start opens a session in the background so key handling never waits on
// the network.
func (a *app) start(ctx context.Context) {
	go func() {
		err := a.sess.Start(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("start: %v", err)
		}
	}()
}

// toggle starts when idle and stops when connecting or recording.
func (a *app) toggle(ctx context.Context) {
	switch a.sess.Status() {
	case session.StatusIdle:
		a.start(ctx)
	case session.StatusConnecting, session.StatusRecording:
		a.sess.Stop()
	}
}

func (a *app) favorite(id string) {
	on, err := a.store.ToggleFavorite(id)
	if err != nil {
		log.Warnf("favorite %s: %v", id, err)
		return
	}
	log.Infof("entry %s favorite=%t", id, on)
}

func (a *app) onStatus(st session.Status, id string) {
	tuiSend(StatusMsg{Status: st, SessionID: id})
	switch st {
	case session.StatusRecording:
		beep.Play(beep.CueStart)
		a.startWatch()
	case session.StatusProcessing:
		beep.Play(beep.CueEnd)
		a.stopWatch()
	case session.StatusIdle:
		a.stopWatch()
		select {
		case a.idle <- struct{}{}:
		default:
		}
	}
}

func (a *app) onEntry(e transcript.Entry) {
	tuiSend(EntryMsg{Entry: e})
	switch e.Status {
	case transcript.StatusFinal:
		log.TranscriptionText(e.SessionID, e.Text)
	case transcript.StatusError:
		beep.Play(beep.CueError)
	}
}

// waitIdle blocks until the next return to idle or ctx is done.
func (a *app) waitIdle(ctx context.Context) error {
	select {
	case <-a.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *app) startWatch() {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	if a.watchStop != nil {
		return
	}
	a.meter.Reset()
	stop := make(chan struct{})
	a.watchStop = stop
	go a.watchSilence(stop)
}

func (a *app) stopWatch() {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	if a.watchStop != nil {
		close(a.watchStop)
		a.watchStop = nil
	}
}

// watchSilence samples the level meter while recording, feeds the TUI and
// ends the recording after a long silence.
func (a *app) watchSilence(stop <-chan struct{}) {
	mon := voice.NewSilenceMonitor(a.autoClose)
	began := time.Now()
	ticker := time.NewTicker(voice.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			tuiSend(NoVoiceMsg{})
			return
		case <-ticker.C:
			level, speech := a.meter.Tick()
			tuiSend(LevelMsg{Level: level, Elapsed: time.Since(began)})

			switch mon.Tick(speech) {
			case voice.SilenceWarn:
				log.Info("no_voice_warning")
				tuiSend(NoVoiceMsg{On: true})
				beep.Play(beep.CueError)
			case voice.SilenceRepeat:
				log.Info("silence_during_warning")
				beep.Play(beep.CueError)
			case voice.SilenceWarnClear:
				tuiSend(NoVoiceMsg{})
			case voice.SilenceAutoClose:
				log.Info("silence_auto_close")
				tuiSend(NoVoiceMsg{})
				a.sess.Stop()
				return
			}
		}
	}
}
