package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordFrame()
	m.RecordChunk(10)
	m.RecordChunkDropped()
	m.SetQueueDepth(3)
	m.RecordConnect(nil)
	m.RecordSent("audio", 0.01)
	m.RecordAudioBytes(4096)
	m.RecordEvent("partial")
	m.RecordReady(0.1)
	m.RecordFinalLatency(0.2)
	m.RecordSessionStart()
	m.RecordSessionEnd("final", 1)
	m.RecordPublish(errors.New("x"))
}

func TestRecord(t *testing.T) {
	m := NewMetrics(nil)

	m.RecordChunk(2048)
	m.RecordChunk(100)
	m.RecordChunkDropped()
	m.RecordConnect(nil)
	m.RecordConnect(errors.New("refused"))
	m.RecordConnect(errors.New("refused"))
	m.RecordSessionStart()

	if got := testutil.ToFloat64(m.CaptureChunks); got != 2 {
		t.Errorf("chunks = %v", got)
	}
	if got := testutil.ToFloat64(m.CaptureSamples); got != 2148 {
		t.Errorf("samples = %v", got)
	}
	if got := testutil.ToFloat64(m.CaptureChunksDropped); got != 1 {
		t.Errorf("dropped = %v", got)
	}
	if got := testutil.ToFloat64(m.STTConnects.WithLabelValues("error")); got != 2 {
		t.Errorf("connect errors = %v", got)
	}
	if got := testutil.ToFloat64(m.SessionActive); got != 1 {
		t.Errorf("active = %v", got)
	}

	m.RecordSessionEnd("error", 2.5)
	if got := testutil.ToFloat64(m.SessionActive); got != 0 {
		t.Errorf("active after end = %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsEnded.WithLabelValues("error")); got != 1 {
		t.Errorf("ended = %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := NewMetrics(nil)
	m.RecordChunkDropped()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "scribe_capture_chunks_dropped_total 1") {
		t.Errorf("metric missing from output:\n%s", body)
	}
}
