package ringbuffer

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/denimcouch/cli-visualizer/pkg/types"
)

// Status is the health state of a ring buffer.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusOverrun  Status = "overrun"
	StatusUnderrun Status = "underrun"
	StatusError    Status = "error"
)

// healthWindow is how long a buffer keeps reporting overrun/underrun after
// the last incident.
const healthWindow = 100 * time.Millisecond

// RingBuffer is a fixed-capacity circular buffer of float32 samples shared
// between audio producers and consumers.
//
// Thread safety: safe for any number of concurrent producers and consumers.
// A single mutex guards all state; blocking variants wait on channel-based
// not-empty / not-full signals so waits can carry a deadline.
//
// Overrun policy: the plain Write never blocks and never rejects input.
// When capacity is exhausted it drops the oldest samples to make room and
// accounts for them in Dropped(). This keeps the audio callback path
// non-blocking and biased toward fresh data.
type RingBuffer struct {
	mu       sync.Mutex
	notEmpty chan struct{} // closed and replaced whenever samples land
	notFull  chan struct{} // closed and replaced whenever space frees up

	buf      []float32
	capacity int
	size     int
	readPos  int
	writePos int

	sampleRate int
	closed     bool

	totalWritten uint64
	totalRead    uint64
	overruns     uint64
	underruns    uint64
	dropped      uint64

	lastOverrun  time.Time
	lastUnderrun time.Time
}

// Stats is a point-in-time snapshot of a buffer's state and counters.
type Stats struct {
	Capacity       int
	Size           int
	Utilization    float64
	Status         Status
	Overruns       uint64
	Underruns      uint64
	TotalWritten   uint64
	TotalRead      uint64
	Dropped        uint64
	LatencySamples int
	LatencyMs      float64
}

// New creates a ring buffer holding up to capacity samples. The sample rate
// is used only for latency reporting in Stats.
func New(capacity, sampleRate int) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: ring buffer capacity %d", types.ErrInvalidArgument, capacity)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: ring buffer sample rate %d", types.ErrInvalidArgument, sampleRate)
	}
	return &RingBuffer{
		buf:        make([]float32, capacity),
		capacity:   capacity,
		sampleRate: sampleRate,
		notEmpty:   make(chan struct{}),
		notFull:    make(chan struct{}),
	}, nil
}

// SizeForLatency returns the buffer capacity needed to hold latencyMs worth
// of interleaved audio at the given sample rate and channel count.
func SizeForLatency(latencyMs, sampleRate, channels int) int {
	frames := int(math.Ceil(float64(latencyMs) / 1000.0 * float64(sampleRate)))
	return frames * channels
}

// Write appends samples, dropping the oldest buffered data on overrun so
// the full input always lands. Returns the accepted count, which is always
// len(samples); samples displaced by the overwrite are accounted in
// Dropped() and Stats().Overruns. Returns 0 if the buffer is closed.
func (rb *RingBuffer) Write(samples []float32) int {
	if len(samples) == 0 {
		return 0
	}
	rb.mu.Lock()
	if rb.closed {
		rb.mu.Unlock()
		return 0
	}
	n := len(samples)
	in := samples
	switch {
	case n >= rb.capacity:
		// Input alone fills the buffer: everything currently held plus
		// the stale input prefix is dropped.
		rb.dropped += uint64(rb.size) + uint64(n-rb.capacity)
		if rb.size > 0 || n > rb.capacity {
			rb.markOverrunLocked()
		}
		rb.size = 0
		rb.readPos = 0
		rb.writePos = 0
		in = samples[n-rb.capacity:]
	case n > rb.capacity-rb.size:
		drop := n - (rb.capacity - rb.size)
		rb.readPos = (rb.readPos + drop) % rb.capacity
		rb.size -= drop
		rb.dropped += uint64(drop)
		rb.markOverrunLocked()
	}
	rb.copyInLocked(in)
	rb.totalWritten += uint64(n)
	rb.signalNotEmptyLocked()
	rb.mu.Unlock()
	return n
}

// WriteTimeout appends samples without dropping, blocking for free space up
// to the deadline. Returns the count actually written; ErrTimeout if the
// deadline passed before any sample landed, ErrBufferClosed if the buffer
// was shut down.
func (rb *RingBuffer) WriteTimeout(samples []float32, timeout time.Duration) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	deadline := time.Now().Add(timeout)
	written := 0
	for written < len(samples) {
		rb.mu.Lock()
		if rb.closed {
			rb.mu.Unlock()
			if written > 0 {
				return written, nil
			}
			return 0, types.ErrBufferClosed
		}
		if free := rb.capacity - rb.size; free > 0 {
			chunk := samples[written:]
			if len(chunk) > free {
				chunk = chunk[:free]
			}
			rb.copyInLocked(chunk)
			rb.totalWritten += uint64(len(chunk))
			written += len(chunk)
			rb.signalNotEmptyLocked()
			rb.mu.Unlock()
			continue
		}
		wait := rb.notFull
		rb.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			if written > 0 {
				return written, nil
			}
			return 0, types.ErrTimeout
		}
	}
	if written == 0 {
		return 0, types.ErrTimeout
	}
	return written, nil
}

// Read removes and returns up to count samples in FIFO order. A read on an
// empty buffer returns an empty slice and increments the underrun counter.
func (rb *RingBuffer) Read(count int) []float32 {
	if count <= 0 {
		return nil
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.size == 0 {
		if !rb.closed {
			rb.underruns++
			rb.lastUnderrun = time.Now()
		}
		return []float32{}
	}
	return rb.readLocked(count)
}

// ReadTimeout removes up to count samples, blocking until at least one is
// available or the deadline passes. Returns ErrTimeout when the deadline
// expired with nothing read, ErrBufferClosed when the buffer was shut down
// while empty.
func (rb *RingBuffer) ReadTimeout(count int, timeout time.Duration) ([]float32, error) {
	if count <= 0 {
		return nil, nil
	}
	deadline := time.Now().Add(timeout)
	for {
		rb.mu.Lock()
		if rb.size > 0 {
			out := rb.readLocked(count)
			rb.mu.Unlock()
			return out, nil
		}
		if rb.closed {
			rb.mu.Unlock()
			return nil, types.ErrBufferClosed
		}
		wait := rb.notEmpty
		rb.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, types.ErrTimeout
		}
		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return nil, types.ErrTimeout
		}
	}
}

// Peek returns up to count samples without consuming them. Never blocks.
func (rb *RingBuffer) Peek(count int) []float32 {
	if count <= 0 {
		return nil
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if count > rb.size {
		count = rb.size
	}
	out := make([]float32, count)
	pos := rb.readPos
	for i := 0; i < count; i++ {
		out[i] = rb.buf[pos]
		pos = (pos + 1) % rb.capacity
	}
	return out
}

// Clear discards all buffered samples, resets positions and health, and
// wakes blocked producers. Discarded samples are accounted as dropped so
// the write/read/drop ledger stays balanced.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.dropped += uint64(rb.size)
	rb.size = 0
	rb.readPos = 0
	rb.writePos = 0
	rb.lastOverrun = time.Time{}
	rb.lastUnderrun = time.Time{}
	rb.signalNotFullLocked()
}

// Close shuts the buffer down and wakes all blocked producers and
// consumers. Subsequent writes are rejected; reads still return any samples
// left in the buffer.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return
	}
	rb.closed = true
	rb.signalNotEmptyLocked()
	rb.signalNotFullLocked()
}

// Size returns the number of buffered samples.
func (rb *RingBuffer) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Capacity returns the fixed capacity in samples.
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}

// Dropped returns the cumulative count of samples lost to overruns and
// Clear.
func (rb *RingBuffer) Dropped() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.dropped
}

// Healthy reports whether the buffer is open with no recent overrun or
// underrun.
func (rb *RingBuffer) Healthy() bool {
	return rb.Stats().Status == StatusHealthy
}

// Stats returns a snapshot of the buffer state and counters.
func (rb *RingBuffer) Stats() Stats {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return Stats{
		Capacity:       rb.capacity,
		Size:           rb.size,
		Utilization:    float64(rb.size) / float64(rb.capacity),
		Status:         rb.statusLocked(),
		Overruns:       rb.overruns,
		Underruns:      rb.underruns,
		TotalWritten:   rb.totalWritten,
		TotalRead:      rb.totalRead,
		Dropped:        rb.dropped,
		LatencySamples: rb.size,
		LatencyMs:      float64(rb.size) * 1000.0 / float64(rb.sampleRate),
	}
}

func (rb *RingBuffer) statusLocked() Status {
	switch {
	case rb.closed:
		return StatusError
	case time.Since(rb.lastOverrun) < healthWindow:
		return StatusOverrun
	case time.Since(rb.lastUnderrun) < healthWindow:
		return StatusUnderrun
	default:
		return StatusHealthy
	}
}

func (rb *RingBuffer) markOverrunLocked() {
	rb.overruns++
	rb.lastOverrun = time.Now()
}

// copyInLocked copies samples at the write position. Callers guarantee the
// input fits in the free space.
func (rb *RingBuffer) copyInLocked(samples []float32) {
	first := rb.capacity - rb.writePos
	if first > len(samples) {
		first = len(samples)
	}
	copy(rb.buf[rb.writePos:], samples[:first])
	copy(rb.buf, samples[first:])
	rb.writePos = (rb.writePos + len(samples)) % rb.capacity
	rb.size += len(samples)
}

func (rb *RingBuffer) readLocked(count int) []float32 {
	if count > rb.size {
		count = rb.size
	}
	out := make([]float32, count)
	first := rb.capacity - rb.readPos
	if first > count {
		first = count
	}
	copy(out[:first], rb.buf[rb.readPos:rb.readPos+first])
	copy(out[first:], rb.buf[:count-first])
	rb.readPos = (rb.readPos + count) % rb.capacity
	rb.size -= count
	rb.totalRead += uint64(count)
	rb.signalNotFullLocked()
	return out
}

func (rb *RingBuffer) signalNotEmptyLocked() {
	close(rb.notEmpty)
	rb.notEmpty = make(chan struct{})
}

func (rb *RingBuffer) signalNotFullLocked() {
	close(rb.notFull)
	rb.notFull = make(chan struct{})
}
