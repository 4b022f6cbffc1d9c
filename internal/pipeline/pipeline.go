// Package pipeline wires the audio pipeline together: sources feed the
// main buffer, an analyzer goroutine drains it through the control chain
// into the FFT, and downstream callbacks receive both the processed
// samples and the frequency frames.
package pipeline

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/denimcouch/cli-visualizer/pkg/analyzer"
	"github.com/denimcouch/cli-visualizer/pkg/buffermanager"
	"github.com/denimcouch/cli-visualizer/pkg/dsp"
	"github.com/denimcouch/cli-visualizer/pkg/sourcemanager"
	"github.com/denimcouch/cli-visualizer/pkg/types"
)

// drainChunk is how many samples the analyzer goroutine pulls from the
// main buffer per iteration.
const drainChunk = 1024

// drainTimeout bounds each blocking read so stop flags are observed
// promptly.
const drainTimeout = 50 * time.Millisecond

// shutdownTimeout bounds the analyzer join during Stop.
const shutdownTimeout = 2 * time.Second

// Config carries the pipeline construction parameters.
type Config struct {
	Format    types.AudioFormat
	LatencyMs int
	FFTSize   int
	Overlap   float64
	Window    analyzer.WindowType
	Preset    dsp.Preset
}

// defaults fills zero values with the standard configuration.
func (c *Config) defaults() {
	if c.Format == (types.AudioFormat{}) {
		c.Format = types.DefaultFormat
	}
	if c.LatencyMs == 0 {
		c.LatencyMs = 50
	}
	if c.FFTSize == 0 {
		c.FFTSize = 1024
	}
	if c.Window == "" {
		c.Window = analyzer.WindowHanning
	}
	if c.Preset == "" {
		c.Preset = dsp.PresetDisabled
	}
}

// Controller owns the pipeline components and the analyzer goroutine.
type Controller struct {
	buffers  *buffermanager.Manager
	sources  *sourcemanager.Manager
	controls *dsp.Controls
	analyzer *analyzer.Analyzer
	consumer *buffermanager.BufferedConsumer

	mu             sync.Mutex
	running        bool
	stopCh         chan struct{}
	wg             sync.WaitGroup
	audioCallbacks []types.AudioDataFunc
}

// New builds the pipeline: buffer manager, source manager, control chain
// and analyzer, wired source -> main buffer -> controls -> analyzer.
func New(cfg Config) (*Controller, error) {
	cfg.defaults()
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}

	buffers := buffermanager.New()
	srcs, err := sourcemanager.New(buffers,
		sourcemanager.WithFormat(cfg.Format),
		sourcemanager.WithLatency(cfg.LatencyMs))
	if err != nil {
		return nil, err
	}
	an, err := analyzer.New(cfg.Format.SampleRate, cfg.FFTSize, cfg.Overlap, cfg.Window)
	if err != nil {
		buffers.Close()
		return nil, err
	}
	controls := dsp.New()
	if err := controls.ApplyPreset(cfg.Preset); err != nil {
		buffers.Close()
		return nil, err
	}

	slog.Info("Pipeline assembled",
		"sample_rate", cfg.Format.SampleRate,
		"channels", cfg.Format.Channels,
		"fft_size", cfg.FFTSize,
		"window", cfg.Window,
		"preset", cfg.Preset)

	return &Controller{
		buffers:  buffers,
		sources:  srcs,
		controls: controls,
		analyzer: an,
		consumer: buffers.Consumer(sourcemanager.MainBufferName),
	}, nil
}

// Sources exposes the source manager for registration and switching.
func (p *Controller) Sources() *sourcemanager.Manager { return p.sources }

// Controls exposes the DSP chain for parameter changes.
func (p *Controller) Controls() *dsp.Controls { return p.controls }

// Analyzer exposes the FFT analyzer.
func (p *Controller) Analyzer() *analyzer.Analyzer { return p.analyzer }

// Buffers exposes the buffer manager for health monitoring.
func (p *Controller) Buffers() *buffermanager.Manager { return p.buffers }

// OnAudioData registers a downstream sink receiving samples after the
// control chain.
func (p *Controller) OnAudioData(fn types.AudioDataFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audioCallbacks = append(p.audioCallbacks, fn)
}

// OnFrequencyData registers a downstream sink receiving analyzed frames.
func (p *Controller) OnFrequencyData(fn analyzer.FrequencyFunc) {
	p.analyzer.OnFrequencyData(fn)
}

// OnLevel registers a level metering sink.
func (p *Controller) OnLevel(fn dsp.LevelFunc) {
	p.controls.OnLevel(fn)
}

// Start launches the analyzer goroutine and the current source.
func (p *Controller) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("%w: pipeline already running", types.ErrSourceBusy)
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.analyzeLoop(p.stopCh)
	p.mu.Unlock()

	if err := p.sources.Start(); err != nil {
		slog.Error("Source start failed", "error", err)
		return err
	}
	slog.Info("Pipeline started")
	return nil
}

// Stop halts the source, drains the analyzer goroutine with a bounded
// join and clears the main buffer. The components stay constructed; Start
// may be called again.
func (p *Controller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stopCh := p.stopCh
	p.mu.Unlock()

	err := p.sources.Stop()
	close(stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Warn("Analyzer join timed out")
	}

	if rb, berr := p.buffers.Get(sourcemanager.MainBufferName); berr == nil {
		rb.Clear()
	}
	p.analyzer.Reset()
	slog.Info("Pipeline stopped")
	return err
}

// Shutdown stops the pipeline and tears down sources and buffers.
func (p *Controller) Shutdown() error {
	err := p.Stop()
	p.sources.Close()
	p.buffers.Close()
	return err
}

// Pause suspends the current source.
func (p *Controller) Pause() error { return p.sources.Pause() }

// Resume restarts the current source.
func (p *Controller) Resume() error { return p.sources.Resume() }

// Switch replaces the active source.
func (p *Controller) Switch(sourceID string, fade time.Duration) error {
	return p.sources.SwitchToSource(sourceID, fade)
}

// analyzeLoop drains the main buffer through the control chain into the
// analyzer. It also watches the current source: a source that dies drops
// the stream (clear the buffer, keep running on silence) until the caller
// switches or restarts.
func (p *Controller) analyzeLoop(stopCh chan struct{}) {
	defer p.wg.Done()
	errorHandled := false
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		samples, err := p.consumer.ReadTimeout(drainChunk, drainTimeout)
		if err != nil || len(samples) == 0 {
			p.checkSourceHealth(&errorHandled)
			continue
		}
		errorHandled = false

		processed := p.controls.Process(samples)

		p.mu.Lock()
		callbacks := append([]types.AudioDataFunc(nil), p.audioCallbacks...)
		p.mu.Unlock()
		for _, fn := range callbacks {
			fn(processed)
		}

		p.analyzer.ProcessSamples(processed)
	}
}

// checkSourceHealth implements the stream-dropped policy: when the current
// source is in the error state, clear the main buffer once and keep the
// pipeline alive awaiting recovery.
func (p *Controller) checkSourceHealth(errorHandled *bool) {
	if *errorHandled {
		return
	}
	id := p.sources.CurrentSource()
	if id == "" {
		return
	}
	src, err := p.sources.GetSource(id)
	if err != nil || src.Status() != types.StatusError {
		return
	}
	*errorHandled = true
	slog.Warn("Current source dropped, awaiting recovery",
		"source", id, "error", src.ErrorMessage())
	if rb, berr := p.buffers.Get(sourcemanager.MainBufferName); berr == nil {
		rb.Clear()
	}
}

// Healthy reports overall pipeline health.
func (p *Controller) Healthy() bool {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	return running && p.sources.Healthy()
}

// Stats summarizes the pipeline for status reporting.
type Stats struct {
	Running   bool
	Sources   sourcemanager.Stats
	Buffers   buffermanager.AggregateStats
	DSP       dsp.Stats
	FFTFrames uint64
}

// Stats returns a snapshot across all components.
func (p *Controller) Stats() Stats {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	return Stats{
		Running:   running,
		Sources:   p.sources.Stats(),
		Buffers:   p.buffers.Stats(),
		DSP:       p.controls.Stats(),
		FFTFrames: p.analyzer.FramesProcessed(),
	}
}
