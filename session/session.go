// Package session drives one recording attempt at a time: it opens the STT
// stream, forwards microphone chunks, and reconciles partial, final and
// error events into a single transcript entry per session.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"scribe/capture"
	"scribe/log"
	"scribe/metrics"
	"scribe/pcm"
	"scribe/stt"
)

type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusRecording
	StatusProcessing
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusRecording:
		return "recording"
	case StatusProcessing:
		return "processing"
	}
	return "idle"
}

const DefaultConnectTimeout = 10 * time.Second

// STT is the streaming client as the session uses it.
type STT interface {
	Connect(ctx context.Context) error
	WaitConnected(ctx context.Context) error
	WaitReady(ctx context.Context) error
	Start(sessionID string, p stt.StartParams) error
	Audio(encoding string, sampleRate int, data string) error
	Stop() error
	Close() error
	Events() <-chan stt.Event
}

type Capture interface {
	Start(onChunk capture.ChunkFunc, targetSampleRate int) error
	Stop()
}

// Sink receives the transcript. Each session makes exactly one creation call
// on its first transcript event, any number of updates, and exactly one
// finalize or error.
type Sink interface {
	AddSystemStreaming(text, sessionID string) string
	UpdateText(id, text string) error
	FinalizeSystem(id, text string) error
	AddSystemFinal(text, sessionID string) string
	AddSystemError(message, sessionID string) string
	FailSystem(id, message string) error
}

type Config struct {
	TargetSampleRate int
	Provider         string
	Format           string
	ConnectTimeout   time.Duration
	// FinalTimeout bounds the wait for a final after stop. Zero waits forever.
	FinalTimeout time.Duration
	Metrics      *metrics.Metrics
}

type fault struct {
	gen uint64
	err error
}

type Session struct {
	stt  STT
	cap  Capture
	sink Sink
	cfg  Config

	mu          sync.Mutex
	status      Status
	starting    bool // a Start call has not returned yet
	gen         uint64
	id          string
	entryID     string
	cancelStart context.CancelFunc
	endErr      error
	finalTimer  *time.Timer
	startedAt   time.Time
	stoppedAt   time.Time
	partials    int
	connectDur  time.Duration
	readyDur    time.Duration

	// live is the gen whose audio may still be sent, 0 when none.
	live       atomic.Uint64
	sentChunks atomic.Int64
	sentBytes  atomic.Int64

	faults chan fault

	hookMu   sync.Mutex
	onStatus []func(Status, string)
	onAudio  func([]int16)
}

func New(client STT, capt Capture, sink Sink, cfg Config) *Session {
	if cfg.TargetSampleRate <= 0 {
		cfg.TargetSampleRate = pcm.DefaultTargetRate
	}
	if cfg.Format == "" {
		cfg.Format = pcm.Encoding
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	return &Session{
		stt:    client,
		cap:    capt,
		sink:   sink,
		cfg:    cfg,
		faults: make(chan fault, 4),
	}
}

// OnStatus registers fn to be called after every status change with the
// new status and the session id.
func (s *Session) OnStatus(fn func(Status, string)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onStatus = append(s.onStatus, fn)
}

// OnAudio registers fn to see every chunk before it is sent. It runs on the
// capture goroutine and must not block.
func (s *Session) OnAudio(fn func([]int16)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onAudio = fn
}

func (s *Session) emitStatus(st Status, id string) {
	s.hookMu.Lock()
	hooks := s.onStatus
	s.hookMu.Unlock()
	for _, fn := range hooks {
		fn(st, id)
	}
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SessionID is the id of the active session, or of the last one once idle.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// TogglePlay stops a recording session and starts one otherwise.
func (s *Session) TogglePlay(ctx context.Context) error {
	if s.Status() == StatusRecording {
		s.Stop()
		return nil
	}
	return s.Start(ctx)
}

// Start opens a new session. It returns nil at once unless idle, and also
// while a failed Start is still tearing down. On failure the session has
// been torn down, one error entry exists, and the error is returned. A Stop
// while connecting makes Start return context.Canceled without an entry.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusIdle || s.starting {
		s.mu.Unlock()
		return nil
	}
	s.starting = true
	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()
	s.gen++
	gen := s.gen
	id := uuid.NewString()
	startCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	s.id = id
	s.entryID = ""
	s.endErr = nil
	s.cancelStart = cancel
	s.status = StatusConnecting
	s.startedAt = time.Now()
	s.stoppedAt = time.Time{}
	s.partials = 0
	s.mu.Unlock()
	defer cancel()

	s.sentChunks.Store(0)
	s.sentBytes.Store(0)
	s.cfg.Metrics.RecordSessionStart()
	log.SessionStart(id, s.cfg.Provider, s.cfg.Format, s.cfg.TargetSampleRate)
	s.emitStatus(StatusConnecting, id)

	if err := s.open(startCtx, id); err != nil {
		return s.abortStart(gen, err)
	}

	s.live.Store(gen)
	if err := s.cap.Start(s.forwarder(gen), s.cfg.TargetSampleRate); err != nil {
		return s.abortStart(gen, err)
	}

	s.mu.Lock()
	if s.gen != gen || s.status != StatusConnecting || startCtx.Err() != nil {
		s.mu.Unlock()
		return s.abortStart(gen, context.Cause(startCtx))
	}
	s.status = StatusRecording
	s.cancelStart = nil
	s.mu.Unlock()

	log.Infof("session %s recording", id)
	s.emitStatus(StatusRecording, id)
	return nil
}

// open runs connect, ready and start in order. No audio may be sent before
// it returns nil.
func (s *Session) open(ctx context.Context, id string) error {
	t0 := time.Now()
	if err := s.stt.Connect(ctx); err != nil {
		return &TransportError{Op: "connect", Err: err}
	}
	if err := s.stt.WaitConnected(ctx); err != nil {
		return transportOrCancel(ctx, "connect", err)
	}
	t1 := time.Now()
	if err := s.stt.WaitReady(ctx); err != nil {
		return transportOrCancel(ctx, "ready", err)
	}
	t2 := time.Now()

	s.mu.Lock()
	s.connectDur = t1.Sub(t0)
	s.readyDur = t2.Sub(t1)
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.stt.Start(id, stt.StartParams{
		Provider:   s.cfg.Provider,
		SampleRate: s.cfg.TargetSampleRate,
		Format:     s.cfg.Format,
	})
	if err != nil {
		return &TransportError{Op: "start", Err: err}
	}
	return nil
}

func transportOrCancel(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return err
	}
	return &TransportError{Op: op, Err: err}
}

// abortStart tears a failed or cancelled start down and decides whether it
// leaves an error entry.
func (s *Session) abortStart(gen uint64, err error) error {
	cancelled := errors.Is(err, context.Canceled)
	outcome := "error"
	if cancelled {
		outcome = "cancelled"
	}

	sid, entryID, _, ok := s.end(gen, outcome, err)
	s.teardown()

	if !ok {
		// The event loop ended this session first and already wrote the entry.
		s.mu.Lock()
		if s.gen == gen && s.endErr != nil {
			err = s.endErr
		}
		s.mu.Unlock()
		return err
	}

	if cancelled {
		log.Infof("session %s: start cancelled", sid)
		return err
	}

	log.Errorf("session %s: start failed: %v", sid, err)
	s.recordError(sid, entryID, err)
	return err
}

// Stop ends recording. While recording it stops the microphone, flushing
// the last chunk, and asks the service for the final transcript. While
// connecting it cancels the pending Start. Otherwise it does nothing.
func (s *Session) Stop() {
	s.mu.Lock()
	switch s.status {
	case StatusConnecting:
		cancel := s.cancelStart
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	case StatusRecording:
	default:
		s.mu.Unlock()
		return
	}
	gen, id := s.gen, s.id
	s.status = StatusProcessing
	s.stoppedAt = time.Now()
	s.mu.Unlock()

	s.emitStatus(StatusProcessing, id)

	s.cap.Stop()
	if err := s.stt.Stop(); err != nil {
		log.Warnf("session %s: stop: %v", id, err)
		s.fault(gen, &TransportError{Op: "stop", Err: err})
		return
	}

	if d := s.cfg.FinalTimeout; d > 0 {
		t := time.AfterFunc(d, func() { s.fault(gen, ErrFinalTimeout) })
		s.mu.Lock()
		if s.gen == gen && s.status == StatusProcessing {
			s.finalTimer = t
		} else {
			t.Stop()
		}
		s.mu.Unlock()
	}
}

// Run is the event loop. It consumes STT events and internal faults until
// ctx is done or the event channel closes.
func (s *Session) Run(ctx context.Context) error {
	events := s.stt.Events()
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			gen := s.gen
			s.mu.Unlock()
			if sid, entryID, _, ok := s.end(gen, "cancelled", ctx.Err()); ok {
				s.teardown()
				if entryID != "" {
					if err := s.sink.FailSystem(entryID, "Recording cancelled"); err != nil {
						log.Warnf("session %s: cancel: %v", sid, err)
					}
				}
			}
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handle(ev)
		case f := <-s.faults:
			s.handleFault(f)
		}
	}
}

func (s *Session) handle(ev stt.Event) {
	s.mu.Lock()
	status, gen, id, entryID := s.status, s.gen, s.id, s.entryID
	s.mu.Unlock()

	if status == StatusIdle {
		log.Debugf("ignoring %v while idle", ev)
		return
	}

	switch ev.Type {
	case stt.EventReady:
		return

	case stt.EventPartial:
		if status == StatusConnecting {
			log.Debugf("session %s: partial before recording", id)
			return
		}
		s.mu.Lock()
		s.partials++
		s.mu.Unlock()
		if entryID != "" {
			if err := s.sink.UpdateText(entryID, ev.Text); err != nil {
				log.Warnf("session %s: update: %v", id, err)
			}
			return
		}
		// Only Start ends a connecting session; once recording, every end
		// runs on this goroutine, so gen cannot end while the entry is made.
		newID := s.sink.AddSystemStreaming(ev.Text, id)
		s.mu.Lock()
		if s.gen == gen {
			s.entryID = newID
		}
		s.mu.Unlock()

	case stt.EventFinal:
		if status == StatusConnecting {
			log.Debugf("session %s: final before recording", id)
			return
		}
		sid, entryID, prev, ok := s.end(gen, "final", nil)
		if !ok {
			return
		}
		if prev == StatusRecording {
			s.cap.Stop()
		}
		if entryID != "" {
			if err := s.sink.FinalizeSystem(entryID, ev.Text); err != nil {
				log.Warnf("session %s: finalize: %v", sid, err)
			}
		} else {
			s.sink.AddSystemFinal(ev.Text, sid)
		}

	case stt.EventError:
		var err error = &ProtocolError{Message: ev.Message}
		if ev.Err != nil {
			err = &TransportError{Op: "read", Err: ev.Err}
		}
		sid, entryID, _, ok := s.end(gen, "error", err)
		if !ok {
			return
		}
		log.Errorf("session %s: %v", sid, err)
		s.teardown()
		s.recordError(sid, entryID, err)
	}
}

func (s *Session) fault(gen uint64, err error) {
	select {
	case s.faults <- fault{gen: gen, err: err}:
	default:
	}
}

func (s *Session) handleFault(f fault) {
	sid, entryID, _, ok := s.end(f.gen, "error", f.err)
	if !ok {
		return
	}
	log.Errorf("session %s: %v", sid, f.err)
	s.teardown()
	s.recordError(sid, entryID, f.err)
}

func (s *Session) recordError(sid, entryID string, err error) {
	msg := describe(err)
	if entryID != "" {
		if ferr := s.sink.FailSystem(entryID, msg); ferr == nil {
			return
		}
	}
	s.sink.AddSystemError(msg, sid)
}

// end moves session gen to idle. Exactly one caller per session gets
// ok == true and owns the terminal transcript call.
func (s *Session) end(gen uint64, outcome string, err error) (sid, entryID string, prev Status, ok bool) {
	s.mu.Lock()
	if s.gen != gen || s.status == StatusIdle {
		s.mu.Unlock()
		return "", "", StatusIdle, false
	}
	prev = s.status
	sid, entryID = s.id, s.entryID
	s.status = StatusIdle
	s.entryID = ""
	s.endErr = err
	if s.cancelStart != nil {
		s.cancelStart()
		s.cancelStart = nil
	}
	if s.finalTimer != nil {
		s.finalTimer.Stop()
		s.finalTimer = nil
	}
	started, stopped := s.startedAt, s.stoppedAt
	data := log.StreamMetricsData{
		SessionID:   sid,
		ConnectMs:   float64(s.connectDur.Microseconds()) / 1000,
		ReadyMs:     float64(s.readyDur.Microseconds()) / 1000,
		RecvPartial: s.partials,
	}
	s.mu.Unlock()
	s.live.CompareAndSwap(gen, 0)

	now := time.Now()
	if outcome == "final" {
		data.RecvFinal = 1
		if !stopped.IsZero() {
			data.FinalizeMs = float64(now.Sub(stopped).Microseconds()) / 1000
			s.cfg.Metrics.RecordFinalLatency(now.Sub(stopped).Seconds())
		}
	}
	data.TotalMs = float64(now.Sub(started).Microseconds()) / 1000
	data.SentChunks = int(s.sentChunks.Load())
	data.SentKB = float64(s.sentBytes.Load()) / 1024
	data.AudioS = float64(s.sentBytes.Load()) / float64(pcm.BytesPerSecond(s.cfg.TargetSampleRate))

	s.cfg.Metrics.RecordSessionEnd(outcome, now.Sub(started).Seconds())
	log.StreamMetrics(data)
	log.SessionEnd(sid, outcome)
	s.emitStatus(StatusIdle, sid)
	return sid, entryID, prev, true
}

func (s *Session) teardown() {
	s.cap.Stop()
	if err := s.stt.Close(); err != nil {
		log.Warnf("session teardown: %v", err)
	}
}

// forwarder returns the chunk callback for session gen. It runs on the
// capture dispatcher goroutine and must never take s.mu, since Stop holds
// no lock but waits for it to drain.
func (s *Session) forwarder(gen uint64) capture.ChunkFunc {
	return func(samples []int16, sampleRate int) {
		if s.live.Load() != gen {
			return
		}
		s.hookMu.Lock()
		hook := s.onAudio
		s.hookMu.Unlock()
		if hook != nil {
			hook(samples)
		}

		if err := s.stt.Audio(pcm.Encoding, sampleRate, pcm.Base64(samples)); err != nil {
			if s.live.CompareAndSwap(gen, 0) {
				s.fault(gen, &TransportError{Op: "audio", Err: err})
			}
			return
		}
		s.sentChunks.Add(1)
		s.sentBytes.Add(int64(len(samples) * 2))
	}
}
