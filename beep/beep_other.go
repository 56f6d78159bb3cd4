//go:build !linux

package beep

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"scribe/log"
)

var (
	initOnce sync.Once
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	playMu   sync.Mutex

	// Read by the device callback.
	current atomic.Pointer[[]byte]
	pos     atomic.Uint32
)

func initDevice() error {
	config := malgo.DefaultDeviceConfig(malgo.Playback)
	config.Playback.Format = malgo.FormatS16
	config.Playback.Channels = 1
	config.SampleRate = sampleRate

	var err error
	device, err = malgo.InitDevice(malgoCtx.Context, config, malgo.DeviceCallbacks{Data: fill})
	return err
}

func setup() {
	var err error
	malgoCtx, err = malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Warnf("beep: audio context: %v", err)
		malgoCtx = nil
		return
	}
	if err := initDevice(); err != nil {
		log.Warnf("beep: playback device: %v", err)
		malgoCtx.Uninit()
		malgoCtx = nil
	}
}

func fill(out, _ []byte, frameCount uint32) {
	want := frameCount * 2
	written := uint32(0)
	if p := current.Load(); p != nil {
		data := *p
		at := pos.Load()
		if at < uint32(len(data)) {
			written = uint32(copy(out[:want], data[at:]))
			pos.Store(at + written)
		} else {
			current.Store(nil)
		}
	}
	clear(out[written:want])
}

func play(samples []int16) {
	initOnce.Do(setup)
	if malgoCtx == nil {
		return
	}

	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}

	playMu.Lock()
	defer playMu.Unlock()
	if device == nil {
		return
	}

	device.Stop()
	pos.Store(0)
	current.Store(&buf)

	if err := device.Start(); err != nil {
		// The device can go stale across sleep/wake; recreate it once.
		device.Uninit()
		if err := initDevice(); err != nil {
			log.Warnf("beep: playback device: %v", err)
			device = nil
			current.Store(nil)
			return
		}
		if err := device.Start(); err != nil {
			log.Warnf("beep: playback start: %v", err)
			current.Store(nil)
		}
	}
}
