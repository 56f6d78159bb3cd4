package stt_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"scribe/internal/mockstt"
	"scribe/pcm"
	"scribe/stt"
)

func newServer(t *testing.T, cfg mockstt.Config) (*mockstt.Server, string) {
	t.Helper()
	mock := mockstt.New(cfg)
	srv := httptest.NewServer(mock)
	t.Cleanup(srv.Close)
	return mock, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newClient(t *testing.T, url string) *stt.Client {
	t.Helper()
	c := stt.NewClient(stt.Options{URL: url})
	t.Cleanup(c.Shutdown)
	return c
}

func connect(t *testing.T, c *stt.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.WaitReady(ctx); err != nil {
		t.Fatal(err)
	}
}

func nextEvent(t *testing.T, c *stt.Client) stt.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for event")
		return stt.Event{}
	}
}

func TestClientStreamingExchange(t *testing.T) {
	mock, url := newServer(t, mockstt.Config{Transcript: "hola mundo"})
	c := newClient(t, url)
	connect(t, c)

	if ev := nextEvent(t, c); ev.Type != stt.EventReady {
		t.Fatalf("first event %v, want ready", ev)
	}
	if c.Status() != stt.StatusConnected {
		t.Errorf("status %v", c.Status())
	}

	if err := c.Start("sess-1", stt.StartParams{Provider: "mock", SampleRate: 16000, Format: "pcm16"}); err != nil {
		t.Fatal(err)
	}
	chunks := [][]int16{{1, 2, 3}, {4, 5}}
	for _, ch := range chunks {
		if err := c.Audio(pcm.Encoding, 16000, pcm.Base64(ch)); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}

	want := []stt.Event{
		{Type: stt.EventPartial, Text: "hola"},
		{Type: stt.EventPartial, Text: "hola mundo"},
		{Type: stt.EventFinal, Text: "hola mundo"},
	}
	for _, w := range want {
		ev := nextEvent(t, c)
		if ev.Type != w.Type || ev.Text != w.Text {
			t.Fatalf("got %v, want %v", ev, w)
		}
	}

	recs := mock.Recordings()
	if len(recs) != 1 {
		t.Fatalf("got %d recordings", len(recs))
	}
	rec := recs[0]
	if rec.SessionID != "sess-1" || rec.Provider != "mock" || rec.SampleRate != 16000 || rec.Format != "pcm16" {
		t.Errorf("start message fields: %+v", rec)
	}
	if !rec.Stopped {
		t.Error("stop not received")
	}
	if len(rec.Audio) != len(chunks) {
		t.Fatalf("got %d audio frames", len(rec.Audio))
	}
	for i, ch := range chunks {
		got := pcm.DecodeLE(rec.Audio[i])
		if len(got) != len(ch) {
			t.Fatalf("frame %d: %v, want %v", i, got, ch)
		}
		for j := range ch {
			if got[j] != ch[j] {
				t.Errorf("frame %d sample %d: %d, want %d", i, j, got[j], ch[j])
			}
		}
		if rec.Encodings[i] != "pcm16" {
			t.Errorf("encoding %q", rec.Encodings[i])
		}
	}
}

func TestClientSendWhileDisconnected(t *testing.T) {
	c := stt.NewClient(stt.Options{URL: "ws://127.0.0.1:1"})
	defer c.Shutdown()

	if err := c.Start("x", stt.StartParams{}); !errors.Is(err, stt.ErrNotConnected) {
		t.Errorf("Start: got %v", err)
	}
	if err := c.Audio("pcm16", 16000, ""); !errors.Is(err, stt.ErrNotConnected) {
		t.Errorf("Audio: got %v", err)
	}
	if err := c.Stop(); !errors.Is(err, stt.ErrNotConnected) {
		t.Errorf("Stop: got %v", err)
	}
}

func TestClientDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := newClient(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.Connect(ctx)
	if err := c.WaitConnected(ctx); err == nil {
		t.Fatal("expected dial error")
	}
	if c.Status() != stt.StatusDisconnected {
		t.Errorf("status %v after failed dial", c.Status())
	}
}

func TestClientConnectIsIdempotent(t *testing.T) {
	mock, url := newServer(t, mockstt.Config{})
	c := newClient(t, url)
	connect(t, c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.WaitConnected(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := mock.Connections(); n != 1 {
		t.Errorf("got %d connections, want 1", n)
	}
}

func TestClientWaitReadyHonorsContext(t *testing.T) {
	_, url := newServer(t, mockstt.Config{SkipReady: true})
	c := newClient(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Connect(ctx)
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatal(err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	if err := c.WaitReady(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
}

func TestClientConnectionLossIsAnErrorEvent(t *testing.T) {
	mock, url := newServer(t, mockstt.Config{})
	c := newClient(t, url)
	connect(t, c)
	nextEvent(t, c) // ready

	mock.Drop()

	ev := nextEvent(t, c)
	if ev.Type != stt.EventError || !errors.Is(ev.Err, stt.ErrConnectionLost) {
		t.Fatalf("got %v (%v), want connection lost", ev, ev.Err)
	}
	if c.Status() != stt.StatusDisconnected {
		t.Errorf("status %v", c.Status())
	}

	// The client reconnects on demand and the ready flag is fresh.
	connect(t, c)
	if ev := nextEvent(t, c); ev.Type != stt.EventReady {
		t.Errorf("got %v after reconnect", ev)
	}
}

func TestClientCloseIsSilent(t *testing.T) {
	_, url := newServer(t, mockstt.Config{})
	c := newClient(t, url)
	connect(t, c)
	nextEvent(t, c) // ready

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-c.Events():
		t.Errorf("unexpected event after Close: %v", ev)
	case <-time.After(100 * time.Millisecond):
	}
	if err := c.Audio("pcm16", 16000, ""); !errors.Is(err, stt.ErrNotConnected) {
		t.Errorf("Audio after Close: %v", err)
	}
}

func TestClientSkipsUnknownMessages(t *testing.T) {
	mock, url := newServer(t, mockstt.Config{})
	c := newClient(t, url)
	connect(t, c)
	nextEvent(t, c)

	mock.Push(stt.ServerMessage{Type: "telemetry"})
	mock.Push(stt.ServerMessage{Type: stt.EventPartial, Text: "x"})

	if ev := nextEvent(t, c); ev.Type != stt.EventPartial || ev.Text != "x" {
		t.Errorf("got %v", ev)
	}
}

func TestClientShutdownClosesEvents(t *testing.T) {
	_, url := newServer(t, mockstt.Config{})
	c := stt.NewClient(stt.Options{URL: url})
	connect(t, c)
	c.Shutdown()
	c.Shutdown()

	for range c.Events() {
	}
	if err := c.Connect(context.Background()); !errors.Is(err, stt.ErrShutdown) {
		t.Errorf("Connect after Shutdown: %v", err)
	}
}

func TestClientInjectedDialer(t *testing.T) {
	_, url := newServer(t, mockstt.Config{})
	var dialed string
	c := stt.NewClient(stt.Options{
		URL:    "ws://unused.invalid/",
		Header: http.Header{"Authorization": []string{"Bearer t"}},
		Dial: func(ctx context.Context, u string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error) {
			dialed = u
			if opts.HTTPHeader.Get("Authorization") != "Bearer t" {
				t.Error("header not forwarded")
			}
			return websocket.Dial(ctx, url, opts)
		},
	})
	defer c.Shutdown()
	connect(t, c)
	if dialed != "ws://unused.invalid/" {
		t.Errorf("dialed %q", dialed)
	}
}

func TestClientMessageShape(t *testing.T) {
	data, err := json.Marshal(stt.ClientMessage{Op: stt.OpAudio, Encoding: "pcm16", SampleRate: 16000, Data: "AQD//w=="})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"op":"audio","sample_rate":16000,"encoding":"pcm16","data":"AQD//w=="}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
	data, _ = json.Marshal(stt.ClientMessage{Op: stt.OpStop})
	if string(data) != `{"op":"stop"}` {
		t.Errorf("stop: %s", data)
	}
}
