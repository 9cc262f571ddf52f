package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
)

// NativeBufferMillis is the capture period requested from the device
const NativeBufferMillis = 100

// frameTarget is what the device thread delivers to
type frameTarget struct {
	format  Format
	onFrame func(Frame)
}

// MalgoDevice captures the default microphone through miniaudio
type MalgoDevice struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	format Format

	// read by the device thread without d.mu
	target atomic.Pointer[frameTarget]
}

// NewMalgoDevice creates an unopened capture device
func NewMalgoDevice() *MalgoDevice {
	return &MalgoDevice{}
}

// Open initializes the audio context and a float32 capture device
func (d *MalgoDevice) Open(preferred Format, onFrame func(Frame)) (Format, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device != nil {
		return d.format, nil
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return Format{}, fmt.Errorf("initializing audio context: %w", err)
	}

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatF32
	deviceCfg.Capture.Channels = uint32(preferred.Channels)
	deviceCfg.SampleRate = uint32(preferred.SampleRate)
	deviceCfg.PeriodSizeInMilliseconds = NativeBufferMillis

	device, err := malgo.InitDevice(ctx.Context, deviceCfg, malgo.DeviceCallbacks{
		Data: d.onData,
	})
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return Format{}, fmt.Errorf("initializing capture device: %w", err)
	}

	d.ctx = ctx
	d.device = device
	d.format = Format{
		SampleRate: int(device.SampleRate()),
		Channels:   int(device.CaptureChannels()),
	}
	d.target.Store(&frameTarget{format: d.format, onFrame: onFrame})
	return d.format, nil
}

// Start begins delivering frames
func (d *MalgoDevice) Start() error {
	d.mu.Lock()
	device := d.device
	d.mu.Unlock()

	if device == nil {
		return fmt.Errorf("capture device not opened")
	}
	if err := device.Start(); err != nil {
		return fmt.Errorf("starting capture device: %w", err)
	}
	return nil
}

// Stop halts frame delivery; the device can be started again
func (d *MalgoDevice) Stop() error {
	d.mu.Lock()
	device := d.device
	d.mu.Unlock()

	if device == nil {
		return nil
	}
	if err := device.Stop(); err != nil {
		return fmt.Errorf("stopping capture device: %w", err)
	}
	return nil
}

// Close releases the device and the audio context
func (d *MalgoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.target.Store(nil)
	if d.device != nil {
		d.device.Uninit()
		d.device = nil
	}
	if d.ctx != nil {
		err := d.ctx.Uninit()
		d.ctx.Free()
		d.ctx = nil
		if err != nil {
			return fmt.Errorf("uninitializing audio context: %w", err)
		}
	}
	return nil
}

// onData is the malgo callback; pSample holds frameCount float32 frames
func (d *MalgoDevice) onData(_, pSample []byte, frameCount uint32) {
	target := d.target.Load()
	if target == nil || target.onFrame == nil || target.format.Channels == 0 {
		return
	}
	format := target.format

	n := int(frameCount) * format.Channels
	if n*4 > len(pSample) {
		n = len(pSample) / 4
	}
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(pSample[i*4:]))
	}

	target.onFrame(Frame{Format: format, Samples: samples})
}
