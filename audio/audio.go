// Package audio is the microphone device layer. Backends deliver fixed-size
// mono float32 frames at the device's native rate.
package audio

import (
	"errors"
	"strings"
)

const WAVHeaderSize = 44

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrNoDevice         = errors.New("no capture device")
	ErrDeviceBusy       = errors.New("capture device busy")
)

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"tozo", "anker soundcore", "skullcandy",
	"bluetooth", " bt ", " bt)", " bt]",
}

// IsBluetooth guesses from the device name whether it is a bluetooth headset,
// which usually means a narrowband mic.
func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// FrameCallback receives one block of samples in [-1, 1]. The slice is only
// valid for the duration of the call and runs on the backend's audio thread,
// so implementations must not block.
type FrameCallback func(frame []float32)

type CaptureConfig struct {
	SampleRate uint32 // 0 keeps the device's native rate
	Channels   uint32
	Gain       float32 // 0 or 1 leaves samples untouched
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop() error
	Close() error
	SetCallback(cb FrameCallback)
	ClearCallback()
	// SampleRate is the rate frames are delivered at. Valid after Start.
	SampleRate() int
	DeviceName() string
}

// Classify maps a backend error onto one of the package sentinels, keeping
// the original error in the chain. Unrecognized errors are returned as-is.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrNoDevice) || errors.Is(err, ErrDeviceBusy) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"), strings.Contains(msg, "not authorized"):
		return errors.Join(ErrPermissionDenied, err)
	case strings.Contains(msg, "no such entity"), strings.Contains(msg, "not found"),
		strings.Contains(msg, "no device"), strings.Contains(msg, "does not exist"):
		return errors.Join(ErrNoDevice, err)
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"):
		return errors.Join(ErrDeviceBusy, err)
	}
	return err
}

func errJoin(sentinel, err error) error {
	if err == nil {
		return sentinel
	}
	return errors.Join(sentinel, err)
}

func applyGain(frame []float32, gain float32) {
	if gain == 0 || gain == 1 {
		return
	}
	for i, s := range frame {
		s *= gain
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		frame[i] = s
	}
}
