package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"scribe/audio"
	"scribe/beep"
	"scribe/config"
	"scribe/hotkey"
	"scribe/internal/mockstt"
	"scribe/pcm"
	"scribe/session"
)

// syncBuffer guards the driver's output, which is written from the session
// goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	d    *testDriver
	mock *mockstt.Server
	out  *syncBuffer
	ctx  context.Context
}

func newHarness(t *testing.T, mcfg mockstt.Config) *harness {
	t.Helper()
	beep.Disable()

	mock := mockstt.New(mcfg)
	srv := httptest.NewServer(mock)

	cfg := config.Default()
	cfg.STT.URL = "ws" + strings.TrimPrefix(srv.URL, "http")
	cfg.STT.FinalTimeoutMS = 2000

	src := audio.Tone(pcm.DefaultTargetRate, 256*time.Millisecond, 440, 0.5)
	actx := audio.NewFakeContext(src, audio.FakeOptions{SampleRate: pcm.DefaultTargetRate, FrameSize: 256})

	a := newApp(cfg, actx, nil, nil)
	out := &syncBuffer{}
	d := newTestDriver(a, actx, out)
	d.waitTimeout = 3 * time.Second

	hy := hotkey.NewHybrid(d.hk, 50*time.Millisecond)
	a.autoClose = hy.IsToggle

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.run(ctx)
	}()
	go hotkeyLoop(ctx, a, hy)

	t.Cleanup(func() {
		cancel()
		<-done
		hy.Close()
		srv.Close()
	})
	return &harness{d: d, mock: mock, out: out, ctx: ctx}
}

func (h *harness) exec(t *testing.T, lines ...string) {
	t.Helper()
	for _, line := range lines {
		if _, err := h.d.exec(h.ctx, line); err != nil {
			t.Fatalf("%s: %v", line, err)
		}
	}
}

func waitStatus(t *testing.T, a *app, want session.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for a.sess.Status() != want {
		if time.Now().After(deadline) {
			t.Fatalf("status %v, want %v", a.sess.Status(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScriptRecordsOneTranscript(t *testing.T) {
	h := newHarness(t, mockstt.Config{Transcript: "hola mundo"})

	script := "# one session\nSTART\nWAIT_AUDIO_DONE\nSTOP\nWAIT\nQUIT\nSTART\n"
	if code := h.d.run(h.ctx, strings.NewReader(script)); code != 0 {
		t.Fatalf("exit code %d", code)
	}

	out := h.out.String()
	id := h.d.a.sess.SessionID()
	if want := "FINAL\t" + id + "\thola mundo\n"; out != want {
		t.Errorf("output %q, want %q", out, want)
	}
	// QUIT ends the script; the trailing START never ran.
	if n := len(h.mock.Recordings()); n != 1 {
		t.Errorf("%d recordings, want 1", n)
	}
}

func TestHotkeyTapToggles(t *testing.T) {
	h := newHarness(t, mockstt.Config{Transcript: "tap tap"})

	h.exec(t, "KEYDOWN", "KEYUP")
	waitStatus(t, h.d.a, session.StatusRecording)
	h.exec(t, "WAIT_AUDIO_DONE", "SLEEP 80")
	// Still recording after the long-press window: the tap latched.
	if st := h.d.a.sess.Status(); st != session.StatusRecording {
		t.Fatalf("status %v after tap, want recording", st)
	}

	h.exec(t, "KEYDOWN", "KEYUP", "WAIT")
	if !strings.Contains(h.out.String(), "\ttap tap\n") {
		t.Errorf("output %q", h.out.String())
	}
}

func TestToggleCommand(t *testing.T) {
	h := newHarness(t, mockstt.Config{})

	h.exec(t, "TOGGLE")
	waitStatus(t, h.d.a, session.StatusRecording)
	h.exec(t, "TOGGLE", "WAIT")

	recs := h.mock.Recordings()
	if len(recs) != 1 || !recs[0].Stopped {
		t.Fatalf("recordings %+v", recs)
	}
	if !strings.HasPrefix(h.out.String(), "FINAL\t") {
		t.Errorf("output %q", h.out.String())
	}
}

func TestStartErrorIsPrinted(t *testing.T) {
	h := newHarness(t, mockstt.Config{StartError: "bad provider"})

	// START may itself report the error when it lands before recording.
	h.d.exec(h.ctx, "START")
	h.exec(t, "WAIT")
	out := h.out.String()
	if !strings.HasPrefix(out, "ERROR\t") || !strings.Contains(out, "bad provider") {
		t.Errorf("output %q", out)
	}
}

func TestScriptErrors(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"unknown command", "JUMP\n"},
		{"bad sleep", "SLEEP soon\n"},
		{"wait without session", "WAIT\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, mockstt.Config{})
			h.d.waitTimeout = 20 * time.Millisecond
			if code := h.d.run(h.ctx, strings.NewReader(tt.script)); code != 1 {
				t.Errorf("exit code %d, want 1", code)
			}
		})
	}
}

func TestEOFEndsScript(t *testing.T) {
	h := newHarness(t, mockstt.Config{})
	if code := h.d.run(h.ctx, strings.NewReader("SLEEP 1\n\n")); code != 0 {
		t.Errorf("exit code %d", code)
	}
}
