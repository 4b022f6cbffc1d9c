// Package sources implements the audio producers feeding the pipeline: a
// cross-platform system capture source backed by miniaudio and a file
// player backed by an external decoder subprocess.
//
// All sources share the same contract: interleaved float32 samples in
// [-1, 1] delivered via registered callbacks, bounded chunk sizes, and a
// stopped -> starting -> running -> (paused) -> stopping -> stopped
// lifecycle. Failures surface as a transition to the error state; sources
// never panic into OS callback frames.
package sources

import (
	"log/slog"
	"sync"

	"github.com/denimcouch/cli-visualizer/pkg/types"
)

// maxChunkFrames caps the per-callback payload so downstream buffers stay
// responsive.
const maxChunkFrames = 4096

// baseSource holds the state every source shares: format, lifecycle status
// and the callback list. Embedding types compose it with their own device
// or subprocess handling.
type baseSource struct {
	mu        sync.Mutex
	format    types.AudioFormat
	status    types.SourceStatus
	errMsg    string
	callbacks []types.AudioDataFunc
}

func newBaseSource(format types.AudioFormat) baseSource {
	return baseSource{format: format, status: types.StatusStopped}
}

// Format returns the advertised audio format.
func (b *baseSource) Format() types.AudioFormat {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.format
}

// Status returns the current lifecycle state.
func (b *baseSource) Status() types.SourceStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// ErrorMessage returns the failure description when the source is in the
// error state.
func (b *baseSource) ErrorMessage() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errMsg
}

// OnAudioData registers a sample callback.
func (b *baseSource) OnAudioData(fn types.AudioDataFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, fn)
}

// ClearCallbacks removes all sample callbacks.
func (b *baseSource) ClearCallbacks() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = nil
}

func (b *baseSource) setStatus(s types.SourceStatus) {
	b.mu.Lock()
	b.status = s
	if s != types.StatusError {
		b.errMsg = ""
	}
	b.mu.Unlock()
}

// setError moves the source to the error state. The first failure wins;
// follow-on errors from the teardown cascade are dropped.
func (b *baseSource) setError(msg string) {
	b.mu.Lock()
	if b.status == types.StatusError {
		b.mu.Unlock()
		return
	}
	b.status = types.StatusError
	b.errMsg = msg
	b.mu.Unlock()
	slog.Error("Audio source failed", "error", msg)
}

// emit delivers samples to every callback, splitting oversized payloads
// into bounded chunks. Delivery only happens while the source is running;
// a panicking callback is logged and skipped for that chunk.
func (b *baseSource) emit(samples []float32) {
	if len(samples) == 0 {
		return
	}
	b.mu.Lock()
	if b.status != types.StatusRunning {
		b.mu.Unlock()
		return
	}
	callbacks := append([]types.AudioDataFunc(nil), b.callbacks...)
	channels := b.format.Channels
	b.mu.Unlock()
	if len(callbacks) == 0 {
		return
	}

	maxChunk := maxChunkFrames * channels
	for off := 0; off < len(samples); off += maxChunk {
		end := off + maxChunk
		if end > len(samples) {
			end = len(samples)
		}
		chunk := samples[off:end]
		for _, fn := range callbacks {
			invokeAudioCallback(fn, chunk)
		}
	}
}

func invokeAudioCallback(fn types.AudioDataFunc, samples []float32) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Audio data callback panicked", "panic", r)
		}
	}()
	fn(samples)
}
