package sources

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	soxr "github.com/zaf/resample"

	"github.com/denimcouch/cli-visualizer/pkg/pcm"
	"github.com/denimcouch/cli-visualizer/pkg/ringbuffer"
	"github.com/denimcouch/cli-visualizer/pkg/types"
)

// captureRingMs sizes the capture-side staging ring. The device callback
// pushes into it without blocking; a delivery goroutine drains it into the
// registered callbacks.
const captureRingMs = 500

// capturePeriodMs is the requested device period. Small periods keep
// capture-to-visual latency low.
const capturePeriodMs = 20

// SystemCapture records from the operating system's default input device.
// The native backend is chosen per OS: CoreAudio on macOS, PulseAudio with
// an ALSA fallback on Linux.
//
// The miniaudio data callback runs on an OS audio thread. It converts the
// native PCM to float32 and pushes into a drop-oldest staging ring, never
// blocking; a delivery goroutine drains the ring and fans out to the
// registered callbacks.
type SystemCapture struct {
	baseSource

	ctx         *malgo.AllocatedContext
	backendName string
	device      *malgo.Device
	deviceRate  int

	ring      *ringbuffer.RingBuffer
	resampler *soxr.Resampler

	paused  atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	runMu   sync.Mutex
}

// NewSystemCapture probes the platform audio backends and prepares a
// capture source for the given format. Construction fails with
// ErrUnsupportedEnvironment when no native backend is usable on this host.
func NewSystemCapture(format types.AudioFormat) (*SystemCapture, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	var ctx *malgo.AllocatedContext
	var backendName string
	var lastErr error
	for _, backends := range captureBackends() {
		c, err := malgo.InitContext(backends, malgo.ContextConfig{}, nil)
		if err != nil {
			lastErr = err
			continue
		}
		ctx = c
		backendName = describeBackend(backends[0])
		break
	}
	if ctx == nil {
		if lastErr != nil {
			return nil, fmt.Errorf("%w: no usable audio backend: %v", types.ErrUnsupportedEnvironment, lastErr)
		}
		return nil, fmt.Errorf("%w: system capture not supported on this platform", types.ErrUnsupportedEnvironment)
	}

	ring, err := ringbuffer.New(
		ringbuffer.SizeForLatency(captureRingMs, format.SampleRate, format.Channels),
		format.SampleRate)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return nil, err
	}

	slog.Info("System capture backend selected",
		"backend", backendName,
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
		"sample_width", format.BitsPerSample)

	return &SystemCapture{
		baseSource:  newBaseSource(format),
		ctx:         ctx,
		backendName: backendName,
		ring:        ring,
	}, nil
}

// Start opens the default capture device and begins delivery.
func (c *SystemCapture) Start() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return fmt.Errorf("%w: capture already running", types.ErrSourceBusy)
	}
	c.setStatus(types.StatusStarting)

	format := c.Format()
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgoFormat(format.BitsPerSample)
	deviceConfig.Capture.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = capturePeriodMs
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{Data: c.onDeviceData}
	device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		c.setError(fmt.Sprintf("init capture device: %v", err))
		return fmt.Errorf("%w: init capture device: %v", types.ErrSourceFailed, err)
	}

	c.deviceRate = int(device.SampleRate())
	if c.deviceRate != format.SampleRate && format.BitsPerSample == 16 {
		// The device could not open at the requested rate; convert in
		// the callback path before float conversion.
		rs, err := soxr.New(&ringSink{capture: c}, float64(c.deviceRate),
			float64(format.SampleRate), format.Channels, soxr.I16, soxr.HighQ)
		if err != nil {
			device.Uninit()
			c.setError(fmt.Sprintf("create resampler: %v", err))
			return fmt.Errorf("%w: create resampler: %v", types.ErrSourceFailed, err)
		}
		c.resampler = rs
		slog.Info("Capture resampling enabled",
			"device_rate", c.deviceRate, "target_rate", format.SampleRate)
	}

	c.stopCh = make(chan struct{})
	c.ring.Clear()
	c.paused.Store(false)
	c.device = device
	c.setStatus(types.StatusRunning)

	if err := device.Start(); err != nil {
		device.Uninit()
		c.device = nil
		c.setError(fmt.Sprintf("start capture device: %v", err))
		return fmt.Errorf("%w: start capture device: %v", types.ErrSourceFailed, err)
	}

	c.running = true
	c.wg.Add(1)
	go c.deliverLoop()

	slog.Info("System capture started", "backend", c.backendName, "device_rate", c.deviceRate)
	return nil
}

// Stop halts capture and releases the device. Safe to call repeatedly.
func (c *SystemCapture) Stop() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.running {
		if c.Status() != types.StatusError {
			c.setStatus(types.StatusStopped)
		}
		return nil
	}
	wasError := c.Status() == types.StatusError
	if !wasError {
		c.setStatus(types.StatusStopping)
	}

	close(c.stopCh)
	c.wg.Wait()

	if c.device != nil {
		_ = c.device.Stop()
		c.device.Uninit()
		c.device = nil
	}
	if c.resampler != nil {
		_ = c.resampler.Close()
		c.resampler = nil
	}
	c.ring.Clear()
	c.running = false
	if !wasError {
		c.setStatus(types.StatusStopped)
	}
	slog.Info("System capture stopped")
	return nil
}

// Pause suspends callback delivery without closing the device.
func (c *SystemCapture) Pause() error {
	if c.Status() != types.StatusRunning {
		return fmt.Errorf("%w: capture not running", types.ErrSourceBusy)
	}
	c.paused.Store(true)
	c.setStatus(types.StatusPaused)
	return nil
}

// Resume restarts delivery after Pause.
func (c *SystemCapture) Resume() error {
	if c.Status() != types.StatusPaused {
		return fmt.Errorf("%w: capture not paused", types.ErrSourceBusy)
	}
	c.setStatus(types.StatusRunning)
	c.paused.Store(false)
	return nil
}

// Close releases the backend context. The source cannot be restarted
// afterwards.
func (c *SystemCapture) Close() error {
	err := c.Stop()
	if c.ctx != nil {
		_ = c.ctx.Uninit()
		c.ctx.Free()
		c.ctx = nil
	}
	return err
}

// DeviceInfo describes the selected backend and device parameters.
func (c *SystemCapture) DeviceInfo() map[string]any {
	format := c.Format()
	info := map[string]any{
		"type":        "system",
		"backend":     c.backendName,
		"sample_rate": format.SampleRate,
		"channels":    format.Channels,
		"bits":        format.BitsPerSample,
	}
	if c.deviceRate != 0 {
		info["device_rate"] = c.deviceRate
	}
	return info
}

// onDeviceData runs on the OS audio thread. It must not block and must not
// panic; all it does is convert and push into the staging ring.
func (c *SystemCapture) onDeviceData(_, input []byte, _ uint32) {
	if c.paused.Load() || len(input) == 0 {
		return
	}
	if c.resampler != nil {
		// The resampler forwards converted output through ringSink.
		if _, err := c.resampler.Write(input); err != nil {
			slog.Warn("Capture resample failed", "error", err)
		}
		return
	}
	samples, err := pcm.BytesToFloat32(input, c.Format().BitsPerSample)
	if err != nil {
		return
	}
	c.ring.Write(samples)
}

// deliverLoop drains the staging ring on its own goroutine and emits to
// the registered callbacks.
func (c *SystemCapture) deliverLoop() {
	defer c.wg.Done()
	chunk := maxChunkFrames * c.Format().Channels
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		samples, err := c.ring.ReadTimeout(chunk, 50*time.Millisecond)
		if err != nil || len(samples) == 0 {
			continue
		}
		c.emit(samples)
	}
}

// ringSink adapts the staging ring to the resampler's io.Writer output:
// resampled S16LE bytes are converted to float32 and staged for delivery.
type ringSink struct {
	capture *SystemCapture
}

func (s *ringSink) Write(p []byte) (int, error) {
	s.capture.ring.Write(pcm.S16ToFloat32(p))
	return len(p), nil
}

func describeBackend(b malgo.Backend) string {
	switch b {
	case malgo.BackendCoreaudio:
		return "coreaudio"
	case malgo.BackendPulseaudio:
		return "pulseaudio"
	case malgo.BackendAlsa:
		return "alsa"
	default:
		return fmt.Sprintf("backend_%d", b)
	}
}

func malgoFormat(bitsPerSample int) malgo.FormatType {
	switch bitsPerSample {
	case 8:
		return malgo.FormatU8
	case 16:
		return malgo.FormatS16
	case 24:
		return malgo.FormatS24
	default:
		return malgo.FormatS32
	}
}
