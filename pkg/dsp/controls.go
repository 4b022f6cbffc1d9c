// Package dsp implements the audio control chain applied between the main
// buffer and the analyzer: manual gain, noise gate, compressor, automatic
// gain control, peak limiter and sensitivity scaling.
package dsp

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/denimcouch/cli-visualizer/pkg/types"
)

// Level is delivered to level callbacks after every processed batch.
type Level struct {
	Peak      float64
	RMS       float64
	Timestamp time.Time
}

// LevelFunc receives level metering updates.
type LevelFunc func(Level)

// Stats is a snapshot of the chain's running measurements.
type Stats struct {
	ProcessedSamples uint64
	PeakLevel        float64 // max-held across batches
	RMSLevel         float64 // exponential moving average, alpha 0.1
	GateOpen         bool
	AGCGain          float64
	AGCEnvelope      float64
	GainReductions   uint64 // compressor engagement count
	LimiterReduction float64
	ClippedSamples   uint64
}

// rmsAlpha is the smoothing factor for the running RMS level.
const rmsAlpha = 0.1

// Controls processes sample batches through the fixed chain
// gain -> gate -> compressor -> AGC -> limiter -> sensitivity.
//
// Parameters may be set from any goroutine; Process is expected to be
// called from a single goroutine (the analyzer thread). All state is
// guarded by one mutex.
type Controls struct {
	mu sync.Mutex

	gain        float64
	sensitivity float64

	gateEnabled   bool
	gateThreshold float64
	gateOpen      bool

	compEnabled   bool
	compThreshold float64
	compRatio     float64
	compReduction float64

	agcEnabled  bool
	agcTarget   float64
	agcAttack   float64
	agcRelease  float64
	agcEnvelope float64
	agcGain     float64

	limEnabled   bool
	limThreshold float64
	limReduction float64

	processedSamples uint64
	peakLevel        float64
	rmsLevel         float64
	gainReductions   uint64
	clippedSamples   uint64

	levelCallbacks []LevelFunc
	gainCallbacks  []func(float64)
}

// New returns a control chain with every stage disabled and unity gain.
func New() *Controls {
	return &Controls{
		gain:          1.0,
		sensitivity:   1.0,
		gateOpen:      true,
		gateThreshold: 0.01,
		compThreshold: 0.8,
		compRatio:     4.0,
		agcTarget:     0.7,
		agcAttack:     0.05,
		agcRelease:    0.2,
		agcGain:       1.0,
		limThreshold:  0.95,
	}
}

// Process runs one batch through the chain and returns a new slice of equal
// length. The input is never modified.
func (c *Controls) Process(samples []float32) []float32 {
	out := make([]float32, len(samples))
	copy(out, samples)
	if len(out) == 0 {
		return out
	}

	c.mu.Lock()

	// 1. Manual gain.
	if c.gain != 1.0 {
		scale(out, c.gain)
	}

	// 2. Noise gate.
	if c.gateEnabled {
		if rms(out) < c.gateThreshold {
			scale(out, 0.01)
			c.gateOpen = false
		} else {
			c.gateOpen = true
		}
	}

	// 3. Compressor.
	if c.compEnabled {
		if p := peak(out); p > c.compThreshold {
			reduction := (p - c.compThreshold) / c.compRatio
			scale(out, 1.0-reduction)
			c.compReduction = reduction
			c.gainReductions++
		} else {
			c.compReduction = 0
		}
	}

	// 4. Automatic gain control.
	if c.agcEnabled {
		r := rms(out)
		coeff := c.agcRelease
		if r > c.agcEnvelope {
			coeff = c.agcAttack
		}
		c.agcEnvelope += coeff * (r - c.agcEnvelope)
		if c.agcEnvelope > 0.001 {
			desired := c.agcTarget / c.agcEnvelope
			c.agcGain += 0.1 * (desired - c.agcGain)
			c.agcGain = clamp(c.agcGain, 0.1, 10.0)
		}
		scale(out, c.agcGain)
	}

	// 5. Peak limiter.
	if c.limEnabled {
		for _, s := range out {
			if s > 1.0 || s < -1.0 {
				c.clippedSamples++
			}
		}
		if p := peak(out); p > c.limThreshold {
			scale(out, c.limThreshold/p)
			c.limReduction = 1.0 - c.limThreshold/p
		} else {
			c.limReduction = 0
		}
	}

	// 6. Sensitivity.
	if c.sensitivity != 1.0 {
		scale(out, c.sensitivity)
	}

	batchPeak := peak(out)
	batchRMS := rms(out)
	c.processedSamples += uint64(len(out))
	if batchPeak > c.peakLevel {
		c.peakLevel = batchPeak
	}
	c.rmsLevel = (1.0-rmsAlpha)*c.rmsLevel + rmsAlpha*batchRMS
	callbacks := append([]LevelFunc(nil), c.levelCallbacks...)
	c.mu.Unlock()

	level := Level{Peak: batchPeak, RMS: batchRMS, Timestamp: time.Now()}
	for _, fn := range callbacks {
		fn(level)
	}
	return out
}

// SetGain sets the manual gain stage. Valid range [0, 10].
func (c *Controls) SetGain(gain float64) error {
	if gain < 0 || gain > 10 {
		return fmt.Errorf("%w: gain %.3f outside [0, 10]", types.ErrInvalidArgument, gain)
	}
	c.mu.Lock()
	c.gain = gain
	callbacks := make([]func(float64), len(c.gainCallbacks))
	copy(callbacks, c.gainCallbacks)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn(gain)
	}
	return nil
}

// Gain returns the manual gain.
func (c *Controls) Gain() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gain
}

// SetSensitivity sets the final scaling stage. Valid range [0.1, 5].
func (c *Controls) SetSensitivity(s float64) error {
	if s < 0.1 || s > 5.0 {
		return fmt.Errorf("%w: sensitivity %.3f outside [0.1, 5]", types.ErrInvalidArgument, s)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sensitivity = s
	return nil
}

// Sensitivity returns the sensitivity factor.
func (c *Controls) Sensitivity() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sensitivity
}

// SetNoiseGate configures the gate stage. Threshold is batch RMS.
func (c *Controls) SetNoiseGate(enabled bool, threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("%w: gate threshold %.4f outside [0, 1]", types.ErrInvalidArgument, threshold)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gateEnabled = enabled
	c.gateThreshold = threshold
	if !enabled {
		c.gateOpen = true
	}
	return nil
}

// SetCompressor configures the compressor stage.
func (c *Controls) SetCompressor(enabled bool, threshold, ratio float64) error {
	if threshold <= 0 || threshold > 1 {
		return fmt.Errorf("%w: compressor threshold %.4f outside (0, 1]", types.ErrInvalidArgument, threshold)
	}
	if ratio < 1 {
		return fmt.Errorf("%w: compressor ratio %.2f below 1", types.ErrInvalidArgument, ratio)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compEnabled = enabled
	c.compThreshold = threshold
	c.compRatio = ratio
	return nil
}

// SetAGC configures the automatic gain control stage.
func (c *Controls) SetAGC(enabled bool, target, attack, release float64) error {
	if target <= 0 || target > 1 {
		return fmt.Errorf("%w: AGC target %.4f outside (0, 1]", types.ErrInvalidArgument, target)
	}
	if attack <= 0 || attack > 1 || release <= 0 || release > 1 {
		return fmt.Errorf("%w: AGC attack/release %.4f/%.4f outside (0, 1]",
			types.ErrInvalidArgument, attack, release)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agcEnabled = enabled
	c.agcTarget = target
	c.agcAttack = attack
	c.agcRelease = release
	return nil
}

// SetLimiter configures the peak limiter stage.
func (c *Controls) SetLimiter(enabled bool, threshold float64) error {
	if threshold <= 0 || threshold > 1 {
		return fmt.Errorf("%w: limiter threshold %.4f outside (0, 1]", types.ErrInvalidArgument, threshold)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limEnabled = enabled
	c.limThreshold = threshold
	return nil
}

// LimiterEnabled reports whether the limiter stage is active.
func (c *Controls) LimiterEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limEnabled
}

// LimiterThreshold returns the limiter ceiling.
func (c *Controls) LimiterThreshold() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limThreshold
}

// OnLevel registers a callback invoked with level metering after each
// processed batch.
func (c *Controls) OnLevel(fn LevelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.levelCallbacks = append(c.levelCallbacks, fn)
}

// OnGainChange registers a callback invoked whenever SetGain succeeds.
func (c *Controls) OnGainChange(fn func(gain float64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gainCallbacks = append(c.gainCallbacks, fn)
}

// Stats returns the chain's running measurements.
func (c *Controls) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		ProcessedSamples: c.processedSamples,
		PeakLevel:        c.peakLevel,
		RMSLevel:         c.rmsLevel,
		GateOpen:         c.gateOpen,
		AGCGain:          c.agcGain,
		AGCEnvelope:      c.agcEnvelope,
		GainReductions:   c.gainReductions,
		LimiterReduction: c.limReduction,
		ClippedSamples:   c.clippedSamples,
	}
}

// Reset clears envelope followers and running measurements. Parameters are
// untouched.
func (c *Controls) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agcEnvelope = 0
	c.agcGain = 1.0
	c.gateOpen = true
	c.compReduction = 0
	c.limReduction = 0
	c.processedSamples = 0
	c.peakLevel = 0
	c.rmsLevel = 0
	c.gainReductions = 0
	c.clippedSamples = 0
}

func scale(samples []float32, factor float64) {
	f := float32(factor)
	for i := range samples {
		samples[i] *= f
	}
}

func peak(samples []float32) float64 {
	var p float64
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > p {
			p = a
		}
	}
	return p
}

func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
