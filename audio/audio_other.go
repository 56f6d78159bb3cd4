//go:build !linux

package audio

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

type malgoContext struct {
	ctx *malgo.AllocatedContext
}

func NewContext() (Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: %w", Classify(err))
	}
	return &malgoContext{ctx: ctx}, nil
}

func (m *malgoContext) Devices() ([]DeviceInfo, error) {
	devices, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo devices: %w", err)
	}
	var result []DeviceInfo
	for _, d := range devices {
		result = append(result, DeviceInfo{
			ID:   hex.EncodeToString(d.ID.Pointer()[:]),
			Name: d.Name(),
		})
	}
	return result, nil
}

func (m *malgoContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	channels := config.Channels
	if channels == 0 {
		channels = 1
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = channels
	deviceConfig.SampleRate = config.SampleRate

	if device != nil {
		idBytes, err := hex.DecodeString(device.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid device ID: %w", errJoin(ErrNoDevice, err))
		}
		var devID malgo.DeviceID
		copy(devID[:], idBytes)
		deviceConfig.Capture.DeviceID = devID.Pointer()
	}

	c := &malgoCapture{info: device, channels: int(channels), gain: config.Gain}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, data []byte, frameCount uint32) {
			c.deliver(data, int(frameCount))
		},
	}

	dev, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("malgo init device: %w", Classify(err))
	}
	c.device = dev
	return c, nil
}

func (m *malgoContext) Close() {
	m.ctx.Uninit()
	m.ctx.Free()
}

type malgoCapture struct {
	device   *malgo.Device
	info     *DeviceInfo
	channels int
	gain     float32
	callback atomic.Pointer[FrameCallback]

	// conv is reused across callbacks; only the audio thread touches it.
	conv []float32

	mu      sync.Mutex
	started bool
	closed  bool
}

func (c *malgoCapture) deliver(data []byte, frames int) {
	cb := c.callback.Load()
	if cb == nil || frames == 0 {
		return
	}
	if cap(c.conv) < frames {
		c.conv = make([]float32, frames)
	}
	frame := c.conv[:frames]
	stride := 4 * c.channels
	for i := range frame {
		off := i * stride
		if off+4 > len(data) {
			frame = frame[:i]
			break
		}
		// First channel only.
		frame[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
	}
	applyGain(frame, c.gain)
	(*cb)(frame)
}

func (c *malgoCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("malgo start: %w", Classify(err))
	}
	c.started = true
	return nil
}

func (c *malgoCapture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	if err := c.device.Stop(); err != nil {
		return fmt.Errorf("malgo stop: %w", err)
	}
	return nil
}

func (c *malgoCapture) Close() error {
	err := c.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.device.Uninit()
	}
	return err
}

func (c *malgoCapture) SetCallback(cb FrameCallback) {
	c.callback.Store(&cb)
}

func (c *malgoCapture) ClearCallback() {
	c.callback.Store(nil)
}

func (c *malgoCapture) SampleRate() int {
	return int(c.device.SampleRate())
}

func (c *malgoCapture) DeviceName() string {
	if c.info != nil {
		return c.info.Name
	}
	return "system default"
}
