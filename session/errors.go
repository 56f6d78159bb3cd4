package session

import (
	"errors"
	"fmt"

	"scribe/audio"
	"scribe/capture"
)

var ErrFinalTimeout = errors.New("no final transcript received")

// TransportError is a failure talking to the STT service: dial, ready wait,
// or a write.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("stt %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is an error event sent by the service.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string {
	return "stt service: " + e.Message
}

// describe turns a session-ending error into the text of an error entry.
func describe(err error) string {
	var (
		de *capture.DeviceError
		te *TransportError
		pe *ProtocolError
	)
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return "Microphone permission denied"
	case errors.Is(err, audio.ErrNoDevice):
		return "No microphone found"
	case errors.Is(err, audio.ErrDeviceBusy):
		return "Microphone is in use by another application"
	case errors.As(err, &de):
		return "Microphone unavailable: " + de.Err.Error()
	case errors.As(err, &pe):
		return pe.Message
	case errors.Is(err, ErrFinalTimeout):
		return "No final transcript received"
	case errors.As(err, &te):
		return "Connection to transcription service failed: " + te.Err.Error()
	}
	return err.Error()
}
