package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func setupLogDir(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	SetDir(tmp)
	t.Cleanup(func() { Close(); SetDir("") })
	return tmp
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestResolveDir(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		flag string
		env  string
		want string
	}{
		{"flag", "/tmp/mylog", "/tmp/ignored", "/tmp/mylog"},
		{"flag relative", "logs", "", filepath.Join(wd, "logs")},
		{"env", "", "/tmp/scribe-env-log", "/tmp/scribe-env-log"},
		{"env relative", "", "envlogs", filepath.Join(wd, "envlogs")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SCRIBE_LOG_PATH", tt.env)
			got, err := ResolveDir(tt.flag)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveDirDefault(t *testing.T) {
	t.Setenv("SCRIBE_LOG_PATH", "")
	got, err := ResolveDir("")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "scribe") {
		t.Errorf("default directory %q not namespaced", got)
	}
}

func TestInitCreatesFiles(t *testing.T) {
	tmp := setupLogDir(t)

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{DiagnosticsFile, TranscriptFile} {
		path := filepath.Join(tmp, name)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("%s not created: %v", name, err)
		}
	}
}

func TestTranscriptionText(t *testing.T) {
	tmp := setupLogDir(t)

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	TranscriptionText("sess-1", "hola\nmundo")

	line := readFile(t, filepath.Join(tmp, TranscriptFile))
	if !strings.Contains(line, "sess-1\thola mundo\n") {
		t.Errorf("unexpected transcript line: %q", line)
	}
	if strings.Count(line, "\n") != 1 {
		t.Errorf("entry spans more than one line: %q", line)
	}
}

func TestStructuredEvents(t *testing.T) {
	tmp := setupLogDir(t)

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	SessionStart("abc", "mock", "pcm16", 16000)
	StreamMetrics(StreamMetricsData{SessionID: "abc", SentChunks: 3, Dropped: 1})
	SessionEnd("abc", "final")
	Warnf("capture stop: %s", "boom")

	out := readFile(t, filepath.Join(tmp, DiagnosticsFile))
	for _, want := range []string{"session_start", "sample_rate=16000", "sent_chunks=3", "dropped_chunks=1", "outcome=final", "capture stop: boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("diagnostics missing %q:\n%s", want, out)
		}
	}
}

func TestLevelFromEnv(t *testing.T) {
	tests := []struct {
		env  string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"nonsense", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Setenv("SCRIBE_LOG_LEVEL", tt.env)
		if got := level(); got != tt.want {
			t.Errorf("SCRIBE_LOG_LEVEL=%q: got %v, want %v", tt.env, got, tt.want)
		}
	}
}

func TestDebugSuppressedAtInfo(t *testing.T) {
	tmp := setupLogDir(t)
	t.Setenv("SCRIBE_LOG_LEVEL", "info")

	if err := Init(); err != nil {
		t.Fatal(err)
	}
	Debugf("hidden %d", 1)
	Infof("shown %d", 2)

	out := readFile(t, filepath.Join(tmp, DiagnosticsFile))
	if strings.Contains(out, "hidden") {
		t.Error("debug line written at info level")
	}
	if !strings.Contains(out, "shown 2") {
		t.Error("info line missing")
	}
}

func TestNoopBeforeInit(t *testing.T) {
	Close()
	Info("x")
	Warnf("%d", 1)
	TranscriptionText("s", "t")
	SessionEnd("s", "final")
}

func TestCloseIdempotent(t *testing.T) {
	setupLogDir(t)

	if err := Init(); err != nil {
		t.Fatal(err)
	}
	Close()
	Close() // should not panic
}
