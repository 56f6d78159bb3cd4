package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	DiagnosticsFile = "diagnostics_log.txt"
	TranscriptFile  = "transcribe_log.txt"
	timeFormat      = "2006-01-02 15:04:05"
)

var (
	diagLog        zerolog.Logger
	diagFile       *os.File
	transcribeFile *os.File
	logMu          sync.Mutex
	logReady       atomic.Bool
	pid            int
	dir            string
)

func ResolveDir(flagPath string) (string, error) {
	// Priority 1: -logpath flag
	if flagPath != "" {
		return absPath(flagPath)
	}

	// Priority 2: SCRIBE_LOG_PATH environment variable
	if envPath := os.Getenv("SCRIBE_LOG_PATH"); envPath != "" {
		return absPath(envPath)
	}

	// Priority 3: Default OS-specific location
	return getDefaultDir()
}

func absPath(p string) (string, error) {
	if filepath.IsAbs(p) {
		return p, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, p), nil
}

func SetDir(d string) {
	dir = d
}

func Dir() string {
	return dir
}

func EnsureDir() error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

// level reads SCRIBE_LOG_LEVEL, defaulting to info.
func level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("SCRIBE_LOG_LEVEL")))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func Init() error {
	logMu.Lock()
	defer logMu.Unlock()

	if err := EnsureDir(); err != nil {
		return err
	}

	pid = os.Getpid()

	var err error

	diagPath := filepath.Join(dir, DiagnosticsFile)
	diagFile, err = os.OpenFile(diagPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	transcribePath := filepath.Join(dir, TranscriptFile)
	transcribeFile, err = os.OpenFile(transcribePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		diagFile.Close()
		return err
	}

	consoleWriter := zerolog.ConsoleWriter{
		Out:        diagFile,
		TimeFormat: timeFormat,
		NoColor:    true,
	}
	diagLog = zerolog.New(consoleWriter).Level(level()).With().Timestamp().Int("pid", pid).Logger()

	logReady.Store(true)
	return nil
}

func Close() {
	logMu.Lock()
	defer logMu.Unlock()
	logReady.Store(false)
	if diagFile != nil {
		diagFile.Close()
		diagFile = nil
	}
	if transcribeFile != nil {
		transcribeFile.Close()
		transcribeFile = nil
	}
}

func Debugf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Debug().Msg(fmt.Sprintf(format, args...))
	}
}

func Info(msg string) {
	if logReady.Load() {
		diagLog.Info().Msg(msg)
	}
}

func Infof(format string, args ...any) {
	if logReady.Load() {
		diagLog.Info().Msg(fmt.Sprintf(format, args...))
	}
}

func Error(msg string) {
	if logReady.Load() {
		diagLog.Error().Msg(msg)
	}
}

func Errorf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Error().Msg(fmt.Sprintf(format, args...))
	}
}

func Warn(msg string) {
	if logReady.Load() {
		diagLog.Warn().Msg(msg)
	}
}

func Warnf(format string, args ...any) {
	if logReady.Load() {
		diagLog.Warn().Msg(fmt.Sprintf(format, args...))
	}
}

// TranscriptionText appends one sealed transcript to the transcript log.
// Newlines inside text are flattened so each entry stays on one line.
func TranscriptionText(sessionID, text string) {
	if !logReady.Load() {
		return
	}
	logMu.Lock()
	defer logMu.Unlock()
	if transcribeFile == nil {
		return
	}
	text = strings.ReplaceAll(text, "\n", " ")
	line := fmt.Sprintf("%s\t[%d]\t%s\t%s\n", time.Now().Format(timeFormat), pid, sessionID, text)
	transcribeFile.WriteString(line)
}

type StreamMetricsData struct {
	SessionID   string
	ConnectMs   float64
	ReadyMs     float64
	FinalizeMs  float64
	TotalMs     float64
	AudioS      float64
	SentChunks  int
	SentKB      float64
	RecvPartial int
	RecvFinal   int
	Dropped     uint64
}

func StreamMetrics(m StreamMetricsData) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("session", m.SessionID).
		Float64("connect_ms", m.ConnectMs).
		Float64("ready_ms", m.ReadyMs).
		Float64("finalize_ms", m.FinalizeMs).
		Float64("total_ms", m.TotalMs).
		Float64("audio_s", m.AudioS).
		Int("sent_chunks", m.SentChunks).
		Float64("sent_kb", m.SentKB).
		Int("recv_partial", m.RecvPartial).
		Int("recv_final", m.RecvFinal).
		Uint64("dropped_chunks", m.Dropped).
		Msg("stream_transcription")
}

func SessionStart(sessionID, provider, format string, sampleRate int) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("session", sessionID).
		Str("provider", provider).
		Str("format", format).
		Int("sample_rate", sampleRate).
		Msg("session_start")
}

func SessionEnd(sessionID, outcome string) {
	if !logReady.Load() {
		return
	}
	diagLog.Info().
		Str("session", sessionID).
		Str("outcome", outcome).
		Msg("session_end")
}
