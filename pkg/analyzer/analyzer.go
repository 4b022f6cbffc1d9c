// Package analyzer turns the processed sample stream into frequency-domain
// frames: overlapped, windowed real-input FFT with magnitude and phase
// output.
package analyzer

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/denimcouch/cli-visualizer/pkg/types"
)

// WindowType selects the analysis window applied before each transform.
type WindowType string

const (
	WindowHanning     WindowType = "hanning"
	WindowHamming     WindowType = "hamming"
	WindowBlackman    WindowType = "blackman"
	WindowRectangular WindowType = "rectangular"
)

// FrequencyData is one analyzed frame. Slices are freshly allocated per
// frame; callbacks may retain them.
type FrequencyData struct {
	Frequencies []float64 // bin center frequencies, Hz
	Magnitudes  []float64 // |X[k]| for k in [0, N/2]
	Phases      []float64 // atan2(im, re)
	SampleRate  int
	FFTSize     int
}

// FrequencyFunc receives analyzed frames.
type FrequencyFunc func(FrequencyData)

// minFFTSize and maxFFTSize bound the supported transform lengths.
const (
	minFFTSize = 128
	maxFFTSize = 4096
)

// Analyzer accumulates samples and emits one FrequencyData frame per hop.
// ProcessSamples is expected to run on a single goroutine; parameter
// getters are safe from any goroutine.
type Analyzer struct {
	mu sync.Mutex

	sampleRate int
	fftSize    int
	overlap    float64
	hop        int
	windowType WindowType

	window  []float64
	freqs   []float64
	fft     *fourier.FFT
	pending []float32
	scratch []float64
	coeffs  []complex128

	framesProcessed uint64
	callbacks       []FrequencyFunc
}

// New creates an analyzer. fftSize must be a power of two in [128, 4096],
// overlap in [0, 1), window one of the supported types and sampleRate one
// of the supported rates.
func New(sampleRate, fftSize int, overlap float64, window WindowType) (*Analyzer, error) {
	if !types.ValidSampleRate(sampleRate) {
		return nil, fmt.Errorf("%w: analyzer sample rate %d", types.ErrInvalidArgument, sampleRate)
	}
	if fftSize < minFFTSize || fftSize > maxFFTSize || fftSize&(fftSize-1) != 0 {
		return nil, fmt.Errorf("%w: fft size %d (power of two in [%d, %d])",
			types.ErrInvalidArgument, fftSize, minFFTSize, maxFFTSize)
	}
	if overlap < 0 || overlap >= 1 {
		return nil, fmt.Errorf("%w: overlap %.3f outside [0, 1)", types.ErrInvalidArgument, overlap)
	}
	win, err := windowCoefficients(window, fftSize)
	if err != nil {
		return nil, err
	}

	hop := int(float64(fftSize) * (1.0 - overlap))
	if hop < 1 {
		hop = 1
	}
	freqs := make([]float64, fftSize/2+1)
	for k := range freqs {
		freqs[k] = float64(k) * float64(sampleRate) / float64(fftSize)
	}
	return &Analyzer{
		sampleRate: sampleRate,
		fftSize:    fftSize,
		overlap:    overlap,
		hop:        hop,
		windowType: window,
		window:     win,
		freqs:      freqs,
		fft:        fourier.NewFFT(fftSize),
		scratch:    make([]float64, fftSize),
		coeffs:     make([]complex128, fftSize/2+1),
	}, nil
}

// OnFrequencyData registers a callback invoked once per analyzed frame.
func (a *Analyzer) OnFrequencyData(fn FrequencyFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callbacks = append(a.callbacks, fn)
}

// ClearCallbacks removes all frequency-data callbacks.
func (a *Analyzer) ClearCallbacks() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callbacks = nil
}

// ProcessSamples appends samples to the analysis buffer and emits a frame
// for every full window, advancing by the hop size. Callback panics are
// caught and logged; they never abort processing.
func (a *Analyzer) ProcessSamples(samples []float32) {
	a.mu.Lock()
	a.pending = append(a.pending, samples...)
	var frames []FrequencyData
	for len(a.pending) >= a.fftSize {
		frames = append(frames, a.analyzeFrameLocked())
		a.pending = append(a.pending[:0], a.pending[a.hop:]...)
	}
	callbacks := append([]FrequencyFunc(nil), a.callbacks...)
	a.mu.Unlock()

	for _, frame := range frames {
		for _, fn := range callbacks {
			invokeFrequencyCallback(fn, frame)
		}
	}
}

func invokeFrequencyCallback(fn FrequencyFunc, frame FrequencyData) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Frequency callback panicked", "panic", r)
		}
	}()
	fn(frame)
}

func (a *Analyzer) analyzeFrameLocked() FrequencyData {
	for i := 0; i < a.fftSize; i++ {
		a.scratch[i] = float64(a.pending[i]) * a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.scratch)

	bins := a.fftSize/2 + 1
	mags := make([]float64, bins)
	phases := make([]float64, bins)
	for k, c := range a.coeffs {
		re, im := real(c), imag(c)
		mags[k] = math.Hypot(re, im)
		phases[k] = math.Atan2(im, re)
	}
	a.framesProcessed++
	return FrequencyData{
		Frequencies: a.freqs,
		Magnitudes:  mags,
		Phases:      phases,
		SampleRate:  a.sampleRate,
		FFTSize:     a.fftSize,
	}
}

// BinToFrequency returns the center frequency of bin k.
func (a *Analyzer) BinToFrequency(k int) float64 {
	return float64(k) * float64(a.sampleRate) / float64(a.fftSize)
}

// FrequencyToBin returns the bin whose center is nearest to freq.
func (a *Analyzer) FrequencyToBin(freq float64) int {
	return int(math.Round(freq * float64(a.fftSize) / float64(a.sampleRate)))
}

// FFTSize returns the transform length.
func (a *Analyzer) FFTSize() int { return a.fftSize }

// HopSize returns the stride between successive frames in samples.
func (a *Analyzer) HopSize() int { return a.hop }

// SampleRate returns the configured sample rate.
func (a *Analyzer) SampleRate() int { return a.sampleRate }

// Window returns the configured window type.
func (a *Analyzer) Window() WindowType { return a.windowType }

// FramesProcessed returns the number of frames analyzed so far.
func (a *Analyzer) FramesProcessed() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.framesProcessed
}

// Buffered returns the number of samples waiting for the next full window.
func (a *Analyzer) Buffered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Reset discards pending samples.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = a.pending[:0]
}

func windowCoefficients(window WindowType, n int) ([]float64, error) {
	win := make([]float64, n)
	switch window {
	case WindowHanning:
		for i := range win {
			win[i] = 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(n-1)))
		}
	case WindowHamming:
		for i := range win {
			win[i] = 0.54 - 0.46*math.Cos(2.0*math.Pi*float64(i)/float64(n-1))
		}
	case WindowBlackman:
		for i := range win {
			x := float64(i) / float64(n-1)
			win[i] = 0.42 - 0.5*math.Cos(2.0*math.Pi*x) + 0.08*math.Cos(4.0*math.Pi*x)
		}
	case WindowRectangular:
		for i := range win {
			win[i] = 1.0
		}
	default:
		return nil, fmt.Errorf("%w: window %q", types.ErrInvalidArgument, window)
	}
	return win, nil
}
