package pipeline

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/denimcouch/cli-visualizer/pkg/analyzer"
	"github.com/denimcouch/cli-visualizer/pkg/dsp"
	"github.com/denimcouch/cli-visualizer/pkg/sourcemanager"
	"github.com/denimcouch/cli-visualizer/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// toneSource drives the pipeline with a synthesized sine wave from its own
// producer goroutine, standing in for a real capture device.
type toneSource struct {
	mu        sync.Mutex
	status    types.SourceStatus
	callbacks []types.AudioDataFunc
	freq      float64
	rate      int
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func newToneSource(freq float64, rate int) *toneSource {
	return &toneSource{status: types.StatusStopped, freq: freq, rate: rate}
}

func (s *toneSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == types.StatusRunning {
		return types.ErrSourceBusy
	}
	s.status = types.StatusRunning
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.produce(s.stopCh)
	return nil
}

func (s *toneSource) produce(stopCh chan struct{}) {
	defer s.wg.Done()
	phase := 0
	chunk := make([]float32, 512)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.status != types.StatusRunning {
				s.mu.Unlock()
				continue
			}
			for i := range chunk {
				chunk[i] = float32(0.5 * math.Sin(2*math.Pi*s.freq*float64(phase+i)/float64(s.rate)))
			}
			phase += len(chunk)
			callbacks := append([]types.AudioDataFunc(nil), s.callbacks...)
			s.mu.Unlock()
			out := make([]float32, len(chunk))
			copy(out, chunk)
			for _, fn := range callbacks {
				fn(out)
			}
		}
	}
}

func (s *toneSource) Stop() error {
	s.mu.Lock()
	if s.status == types.StatusStopped {
		s.mu.Unlock()
		return nil
	}
	s.status = types.StatusStopping
	stopCh := s.stopCh
	s.mu.Unlock()
	close(stopCh)
	s.wg.Wait()
	s.mu.Lock()
	s.status = types.StatusStopped
	s.mu.Unlock()
	return nil
}

func (s *toneSource) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = types.StatusPaused
	return nil
}

func (s *toneSource) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = types.StatusRunning
	return nil
}

func (s *toneSource) OnAudioData(fn types.AudioDataFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, fn)
}

func (s *toneSource) ClearCallbacks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = nil
}

func (s *toneSource) DeviceInfo() map[string]any { return map[string]any{"type": "tone"} }

func (s *toneSource) Status() types.SourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *toneSource) Format() types.AudioFormat {
	return types.AudioFormat{SampleRate: s.rate, Channels: 1, BitsPerSample: 16}
}

func (s *toneSource) ErrorMessage() string { return "" }

func monoConfig() Config {
	return Config{
		Format:  types.AudioFormat{SampleRate: 44100, Channels: 1, BitsPerSample: 16},
		FFTSize: 512,
		Window:  analyzer.WindowHanning,
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Format: types.AudioFormat{SampleRate: 1, Channels: 1, BitsPerSample: 16}})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)

	_, err = New(Config{FFTSize: 100})
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestEndToEndToneThroughPipeline(t *testing.T) {
	p, err := New(monoConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Shutdown()) }()

	const toneHz = 861.328125 // bin 10 at 44100/512
	src := newToneSource(toneHz, 44100)
	id, err := p.Sources().RegisterSource("tone", sourcemanager.TypeFile, src, sourcemanager.Options{})
	require.NoError(t, err)

	var mu sync.Mutex
	var audioChunks int
	var frames []analyzer.FrequencyData
	var levels []dsp.Level
	p.OnAudioData(func([]float32) {
		mu.Lock()
		audioChunks++
		mu.Unlock()
	})
	p.OnFrequencyData(func(fd analyzer.FrequencyData) {
		mu.Lock()
		frames = append(frames, fd)
		mu.Unlock()
	})
	p.OnLevel(func(l dsp.Level) {
		mu.Lock()
		levels = append(levels, l)
		mu.Unlock()
	})

	require.NoError(t, p.Start())
	require.NoError(t, p.Switch(id, 0))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) >= 3 && audioChunks > 0 && len(levels) > 0
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Stop())

	mu.Lock()
	defer mu.Unlock()
	last := frames[len(frames)-1]
	peakBin := 0
	for k, m := range last.Magnitudes {
		if m > last.Magnitudes[peakBin] {
			peakBin = k
		}
	}
	assert.Equal(t, 10, peakBin, "tone concentrates at its FFT bin")
	assert.Greater(t, levels[len(levels)-1].Peak, 0.1)
}

func TestStartStopIdempotence(t *testing.T) {
	p, err := New(monoConfig())
	require.NoError(t, err)

	require.NoError(t, p.Start())
	assert.ErrorIs(t, p.Start(), types.ErrSourceBusy)
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop(), "stop is idempotent")
	require.NoError(t, p.Start(), "pipeline restarts after stop")
	require.NoError(t, p.Shutdown())
}

func TestPauseResumeDelegation(t *testing.T) {
	p, err := New(monoConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Shutdown()) }()

	src := newToneSource(440, 44100)
	_, err = p.Sources().RegisterSource("tone", sourcemanager.TypeFile, src, sourcemanager.Options{})
	require.NoError(t, err)

	require.NoError(t, p.Start())
	require.NoError(t, p.Switch("tone", 0))
	require.NoError(t, p.Pause())
	assert.Equal(t, types.StatusPaused, src.Status())
	require.NoError(t, p.Resume())
	assert.Equal(t, types.StatusRunning, src.Status())
}

func TestHealthyLifecycle(t *testing.T) {
	p, err := New(monoConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Shutdown()) }()

	assert.False(t, p.Healthy(), "not running yet")
	require.NoError(t, p.Start())
	assert.True(t, p.Healthy())

	st := p.Stats()
	assert.True(t, st.Running)
	assert.Equal(t, 0, st.Sources.SourceCount)
	assert.Equal(t, 1, st.Buffers.BufferCount)
}

func TestControlsAffectDownstream(t *testing.T) {
	cfg := monoConfig()
	cfg.Preset = dsp.PresetDisabled
	p, err := New(cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Shutdown()) }()

	require.NoError(t, p.Controls().SetGain(0))

	src := newToneSource(440, 44100)
	_, err = p.Sources().RegisterSource("tone", sourcemanager.TypeFile, src, sourcemanager.Options{})
	require.NoError(t, err)

	var mu sync.Mutex
	var maxAbs float64
	seen := false
	p.OnAudioData(func(s []float32) {
		mu.Lock()
		seen = true
		for _, v := range s {
			if a := math.Abs(float64(v)); a > maxAbs {
				maxAbs = a
			}
		}
		mu.Unlock()
	})

	require.NoError(t, p.Start())
	require.NoError(t, p.Switch("tone", 0))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, p.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, maxAbs, "zero gain silences the downstream stream")
}
