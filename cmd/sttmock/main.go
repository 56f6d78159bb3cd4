// Command sttmock serves the streaming transcription protocol locally. It
// replies ready on connect, reveals a fixed transcript word by word as audio
// arrives and sends the final after stop.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"scribe/internal/mockstt"
	"scribe/shutdown"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8765", "listen address")
	path := flag.String("path", "/stream", "websocket endpoint path")
	transcript := flag.String("transcript", mockstt.DefaultTranscript, "transcript to reveal")
	every := flag.Int("every", 4, "audio frames per partial")
	readyDelay := flag.Duration("ready-delay", 0, "delay before ready")
	finalDelay := flag.Duration("final-delay", 200*time.Millisecond, "delay between stop and final")
	startError := flag.String("start-error", "", "reply to start with this error")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(os.Getenv("SCRIBE_LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		logger = logger.Level(lvl)
	}

	mux := http.NewServeMux()
	mux.Handle(*path, mockstt.New(mockstt.Config{
		Transcript:   *transcript,
		PartialEvery: *every,
		ReadyDelay:   *readyDelay,
		FinalDelay:   *finalDelay,
		StartError:   *startError,
		Logger:       logger,
	}))
	srv := &http.Server{Addr: *addr, Handler: mux}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	shutdown.Watch(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	})

	logger.Info().Str("addr", "ws://"+*addr+*path).Msg("mock stt listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("listen")
	}
}
