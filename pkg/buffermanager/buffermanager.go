// Package buffermanager maintains the named ring buffers that connect audio
// producers to consumers, and fans written samples out to route callbacks.
package buffermanager

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/denimcouch/cli-visualizer/pkg/ringbuffer"
	"github.com/denimcouch/cli-visualizer/pkg/types"
)

// ConsumerFunc receives a defensive copy of every chunk written to a routed
// buffer. Each registered consumer gets its own copy; mutating it never
// affects other consumers.
type ConsumerFunc func(samples []float32)

// Health is the aggregate health of all managed buffers.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Manager owns named ring buffers and their consumer routes. The name table
// lock is never held across a callback invocation.
type Manager struct {
	mu      sync.RWMutex
	buffers map[string]*ringbuffer.RingBuffer
	routes  map[string][]ConsumerFunc
	history []HealthSnapshot
}

// AggregateStats summarizes all managed buffers.
type AggregateStats struct {
	BufferCount     int
	PerBuffer       map[string]ringbuffer.Stats
	TotalOverruns   uint64
	TotalUnderruns  uint64
	MeanUtilization float64
	Health          Health
}

// HealthSnapshot is one timestamped aggregate observation.
type HealthSnapshot struct {
	Timestamp time.Time
	Stats     AggregateStats
}

// historyWindow caps the health history to the most recent observations.
const historyWindow = 60 * time.Second

// New creates an empty buffer manager.
func New() *Manager {
	return &Manager{
		buffers: make(map[string]*ringbuffer.RingBuffer),
		routes:  make(map[string][]ConsumerFunc),
	}
}

// Create registers a new named buffer. Names are unique.
func (m *Manager) Create(name string, capacity, sampleRate int) (*ringbuffer.RingBuffer, error) {
	rb, err := ringbuffer.New(capacity, sampleRate)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buffers[name]; ok {
		return nil, fmt.Errorf("%w: %q", types.ErrBufferExists, name)
	}
	m.buffers[name] = rb
	slog.Debug("Buffer created", "name", name, "capacity", capacity, "sample_rate", sampleRate)
	return rb, nil
}

// Get returns the named buffer.
func (m *Manager) Get(name string) (*ringbuffer.RingBuffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rb, ok := m.buffers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrBufferNotFound, name)
	}
	return rb, nil
}

// Remove closes and forgets the named buffer and its routes.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	rb, ok := m.buffers[name]
	if ok {
		delete(m.buffers, name)
		delete(m.routes, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", types.ErrBufferNotFound, name)
	}
	rb.Close()
	return nil
}

// Write appends samples to the named buffer and, after the write completes,
// delivers a defensive copy to each registered consumer in registration
// order. A panicking consumer is logged and does not interrupt the others
// or the write path.
func (m *Manager) Write(name string, samples []float32) (int, error) {
	m.mu.RLock()
	rb, ok := m.buffers[name]
	var consumers []ConsumerFunc
	if ok {
		consumers = append(consumers, m.routes[name]...)
	}
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %q", types.ErrBufferNotFound, name)
	}

	n := rb.Write(samples)

	for _, fn := range consumers {
		dup := make([]float32, len(samples))
		copy(dup, samples)
		safeInvoke(name, fn, dup)
	}
	return n, nil
}

func safeInvoke(name string, fn ConsumerFunc, samples []float32) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Route callback panicked", "buffer", name, "panic", r)
		}
	}()
	fn(samples)
}

// Route appends a consumer callback for the named buffer.
func (m *Manager) Route(name string, fn ConsumerFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buffers[name]; !ok {
		return fmt.Errorf("%w: %q", types.ErrBufferNotFound, name)
	}
	m.routes[name] = append(m.routes[name], fn)
	return nil
}

// ClearRoutes removes all consumer callbacks for the named buffer.
func (m *Manager) ClearRoutes(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, name)
}

// Names returns the registered buffer names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.buffers))
	for name := range m.buffers {
		names = append(names, name)
	}
	return names
}

// Stats returns the aggregate statistics over all buffers.
func (m *Manager) Stats() AggregateStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg := AggregateStats{
		PerBuffer: make(map[string]ringbuffer.Stats, len(m.buffers)),
	}
	unhealthy := 0
	for name, rb := range m.buffers {
		st := rb.Stats()
		agg.PerBuffer[name] = st
		agg.TotalOverruns += st.Overruns
		agg.TotalUnderruns += st.Underruns
		agg.MeanUtilization += st.Utilization
		if st.Status != ringbuffer.StatusHealthy {
			unhealthy++
		}
	}
	agg.BufferCount = len(m.buffers)
	if agg.BufferCount > 0 {
		agg.MeanUtilization /= float64(agg.BufferCount)
	}
	switch {
	case unhealthy == 0:
		agg.Health = HealthHealthy
	case unhealthy*2 < agg.BufferCount:
		agg.Health = HealthDegraded
	default:
		agg.Health = HealthUnhealthy
	}
	return agg
}

// MonitorHealth records a timestamped aggregate snapshot, keeping the last
// 60 seconds of history.
func (m *Manager) MonitorHealth() HealthSnapshot {
	snap := HealthSnapshot{Timestamp: time.Now(), Stats: m.Stats()}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, snap)
	cutoff := snap.Timestamp.Add(-historyWindow)
	trim := 0
	for trim < len(m.history) && m.history[trim].Timestamp.Before(cutoff) {
		trim++
	}
	m.history = m.history[trim:]
	return snap
}

// HealthHistory returns a copy of the recorded snapshots.
func (m *Manager) HealthHistory() []HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]HealthSnapshot, len(m.history))
	copy(out, m.history)
	return out
}

// Close tears down every buffer and clears the manager.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rb := range m.buffers {
		rb.Close()
	}
	m.buffers = make(map[string]*ringbuffer.RingBuffer)
	m.routes = make(map[string][]ConsumerFunc)
}

// Source returns a producer-side handle bound to one named buffer.
func (m *Manager) Source(name string) *BufferedSource {
	return &BufferedSource{mgr: m, name: name}
}

// Consumer returns a consumer-side handle bound to one named buffer.
func (m *Manager) Consumer(name string) *BufferedConsumer {
	return &BufferedConsumer{mgr: m, name: name}
}

// BufferedSource is a producer-side convenience wrapper over one named
// buffer.
type BufferedSource struct {
	mgr  *Manager
	name string
}

// Write appends samples to the bound buffer, fanning out to its routes.
func (s *BufferedSource) Write(samples []float32) (int, error) {
	return s.mgr.Write(s.name, samples)
}

// Stats returns the bound buffer's statistics.
func (s *BufferedSource) Stats() (ringbuffer.Stats, error) {
	rb, err := s.mgr.Get(s.name)
	if err != nil {
		return ringbuffer.Stats{}, err
	}
	return rb.Stats(), nil
}

// Healthy reports whether the bound buffer is healthy.
func (s *BufferedSource) Healthy() bool {
	rb, err := s.mgr.Get(s.name)
	return err == nil && rb.Healthy()
}

// Clear discards all samples in the bound buffer.
func (s *BufferedSource) Clear() error {
	rb, err := s.mgr.Get(s.name)
	if err != nil {
		return err
	}
	rb.Clear()
	return nil
}

// BufferedConsumer is a consumer-side convenience wrapper over one named
// buffer.
type BufferedConsumer struct {
	mgr  *Manager
	name string
}

// Read removes up to count samples from the bound buffer.
func (c *BufferedConsumer) Read(count int) ([]float32, error) {
	rb, err := c.mgr.Get(c.name)
	if err != nil {
		return nil, err
	}
	return rb.Read(count), nil
}

// ReadTimeout removes up to count samples, blocking until data arrives or
// the deadline passes.
func (c *BufferedConsumer) ReadTimeout(count int, timeout time.Duration) ([]float32, error) {
	rb, err := c.mgr.Get(c.name)
	if err != nil {
		return nil, err
	}
	return rb.ReadTimeout(count, timeout)
}

// Peek returns up to count samples without consuming them.
func (c *BufferedConsumer) Peek(count int) ([]float32, error) {
	rb, err := c.mgr.Get(c.name)
	if err != nil {
		return nil, err
	}
	return rb.Peek(count), nil
}

// RouteTo registers a consumer callback on the bound buffer.
func (c *BufferedConsumer) RouteTo(fn ConsumerFunc) error {
	return c.mgr.Route(c.name, fn)
}

// Stats returns the bound buffer's statistics.
func (c *BufferedConsumer) Stats() (ringbuffer.Stats, error) {
	rb, err := c.mgr.Get(c.name)
	if err != nil {
		return ringbuffer.Stats{}, err
	}
	return rb.Stats(), nil
}

// Healthy reports whether the bound buffer is healthy.
func (c *BufferedConsumer) Healthy() bool {
	rb, err := c.mgr.Get(c.name)
	return err == nil && rb.Healthy()
}

// DataAvailable returns the number of buffered samples.
func (c *BufferedConsumer) DataAvailable() int {
	rb, err := c.mgr.Get(c.name)
	if err != nil {
		return 0
	}
	return rb.Size()
}
