// Package sourcemanager coordinates which audio producer feeds the main
// buffer: a registry of sources, serialized atomic switch-over with
// optional fades, and switch history.
package sourcemanager

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/denimcouch/cli-visualizer/pkg/buffermanager"
	"github.com/denimcouch/cli-visualizer/pkg/ringbuffer"
	"github.com/denimcouch/cli-visualizer/pkg/sources"
	"github.com/denimcouch/cli-visualizer/pkg/types"
)

// MainBufferName is the buffer every active source feeds.
const MainBufferName = "main_audio"

// defaultLatencyMs sizes the main buffer.
const defaultLatencyMs = 50

// historyCap bounds the switch history ring.
const historyCap = 64

// fadeSteps is the granularity of a switch fade ramp.
const fadeSteps = 8

// SourceType distinguishes registry entries.
type SourceType string

const (
	TypeSystem SourceType = "system"
	TypeFile   SourceType = "file"
)

// Options configures source creation.
type Options struct {
	// FilePath is required for file sources.
	FilePath string
	// Format overrides the manager's default audio format.
	Format *types.AudioFormat
	// FilePlayerOptions is passed through to file source construction.
	FilePlayerOptions []sources.FilePlayerOption
}

// SwitchRecord is one entry in the switch history.
type SwitchRecord struct {
	From      string
	To        string
	Timestamp time.Time
	Success   bool
	Error     string
}

// Stats is a snapshot of the manager state.
type Stats struct {
	CurrentSource string
	SourceCount   int
	SwitchCount   uint64
	Uptime        time.Duration
	MainBuffer    ringbuffer.Stats
}

type registeredSource struct {
	id          string
	sourceType  SourceType
	source      types.AudioSource
	options     Options
	createdAt   time.Time
	switchCount int
	fadeBits    atomic.Uint64 // float64 gain applied on the way into the main buffer
}

func (r *registeredSource) setFade(g float64) {
	r.fadeBits.Store(math.Float64bits(g))
}

func (r *registeredSource) fade() float64 {
	return math.Float64frombits(r.fadeBits.Load())
}

// Manager owns the main buffer and the source registry. All switches are
// serialized: a switch requested while another is in flight is rejected.
type Manager struct {
	bm     *buffermanager.Manager
	format types.AudioFormat

	mu        sync.Mutex
	registry  map[string]*registeredSource
	current   *registeredSource
	running   bool
	switching bool
	history   []SwitchRecord
	switches  uint64
	nextID    int
	startedAt time.Time
}

// ManagerOption customizes construction.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	latencyMs int
	format    types.AudioFormat
}

// WithLatency sets the main buffer depth in milliseconds.
func WithLatency(ms int) ManagerOption {
	return func(c *managerConfig) { c.latencyMs = ms }
}

// WithFormat sets the default audio format for created sources.
func WithFormat(f types.AudioFormat) ManagerOption {
	return func(c *managerConfig) { c.format = f }
}

// New creates a manager owning the main_audio buffer inside bm.
func New(bm *buffermanager.Manager, opts ...ManagerOption) (*Manager, error) {
	cfg := managerConfig{latencyMs: defaultLatencyMs, format: types.DefaultFormat}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.format.Validate(); err != nil {
		return nil, err
	}
	capacity := ringbuffer.SizeForLatency(cfg.latencyMs, cfg.format.SampleRate, cfg.format.Channels)
	if _, err := bm.Create(MainBufferName, capacity, cfg.format.SampleRate); err != nil {
		return nil, err
	}
	return &Manager{
		bm:       bm,
		format:   cfg.format,
		registry: make(map[string]*registeredSource),
	}, nil
}

// Format returns the manager's default audio format.
func (m *Manager) Format() types.AudioFormat {
	return m.format
}

// CreateSource constructs and registers a source of the given type under
// the given id.
func (m *Manager) CreateSource(id string, sourceType SourceType, options Options) (string, error) {
	format := m.format
	if options.Format != nil {
		format = *options.Format
	}
	var src types.AudioSource
	var err error
	switch sourceType {
	case TypeSystem:
		src, err = sources.NewSystemCapture(format)
	case TypeFile:
		if options.FilePath == "" {
			return "", fmt.Errorf("%w: file source needs a file path", types.ErrInvalidArgument)
		}
		src, err = sources.NewFilePlayer(options.FilePath, format, options.FilePlayerOptions...)
	default:
		return "", fmt.Errorf("%w: unknown source type %q", types.ErrInvalidArgument, sourceType)
	}
	if err != nil {
		return "", err
	}
	return m.RegisterSource(id, sourceType, src, options)
}

// RegisterSource adds an already constructed source to the registry.
func (m *Manager) RegisterSource(id string, sourceType SourceType, src types.AudioSource, options Options) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		m.nextID++
		id = fmt.Sprintf("%s_%d", sourceType, m.nextID)
	}
	if _, ok := m.registry[id]; ok {
		return "", fmt.Errorf("%w: source id %q already registered", types.ErrInvalidArgument, id)
	}
	m.registry[id] = &registeredSource{
		id:         id,
		sourceType: sourceType,
		source:     src,
		options:    options,
		createdAt:  time.Now(),
	}
	slog.Info("Source registered", "id", id, "type", sourceType)
	return id, nil
}

// RemoveSource stops, unregisters and forgets a source. Removing the
// current source is refused.
func (m *Manager) RemoveSource(id string) error {
	m.mu.Lock()
	reg, ok := m.registry[id]
	if ok && m.current == reg {
		m.mu.Unlock()
		return fmt.Errorf("%w: source %q is current", types.ErrSourceBusy, id)
	}
	delete(m.registry, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", types.ErrSourceNotFound, id)
	}
	reg.source.ClearCallbacks()
	return reg.source.Stop()
}

// GetSource returns the registered source.
func (m *Manager) GetSource(id string) (types.AudioSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.registry[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrSourceNotFound, id)
	}
	return reg.source, nil
}

// CurrentSource returns the id of the current source, empty when none.
func (m *Manager) CurrentSource() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ""
	}
	return m.current.id
}

// SwitchToSource atomically replaces the producer feeding the main buffer.
// fade > 0 ramps the old source out and the new source in over that
// duration. Switches are serialized; a switch requested while another is
// in flight fails with ErrSwitchInProgress.
func (m *Manager) SwitchToSource(id string, fade time.Duration) error {
	m.mu.Lock()
	if m.switching {
		m.mu.Unlock()
		m.recordSwitch("", id, false, types.ErrSwitchInProgress.Error())
		return fmt.Errorf("%w: rejected switch to %q", types.ErrSwitchInProgress, id)
	}
	target, ok := m.registry[id]
	if !ok {
		m.mu.Unlock()
		m.recordSwitch("", id, false, "unknown source")
		return fmt.Errorf("%w: %q", types.ErrSourceNotFound, id)
	}
	old := m.current
	running := m.running
	m.switching = true
	m.mu.Unlock()

	fromID := ""
	if old != nil {
		fromID = old.id
	}
	slog.Info("Switching source", "from", fromID, "to", id, "fade", fade)

	err := m.performSwitch(old, target, running, fade)

	m.mu.Lock()
	m.switching = false
	if err == nil {
		m.current = target
		target.switchCount++
		m.switches++
	} else if old != nil && old.source.Status() != types.StatusStopped {
		// The old source survived its stop step; it remains current.
		m.current = old
	} else {
		m.current = target
	}
	m.mu.Unlock()

	if err != nil {
		m.recordSwitch(fromID, id, false, err.Error())
		return err
	}
	m.recordSwitch(fromID, id, true, "")
	return nil
}

// performSwitch runs the switch steps outside the registry lock.
func (m *Manager) performSwitch(old, target *registeredSource, running bool, fade time.Duration) error {
	if old != nil {
		if fade > 0 && old.source.Status() == types.StatusRunning {
			m.ramp(old, 1.0, 0.0, fade)
		}
		old.source.ClearCallbacks()
		if err := old.source.Stop(); err != nil {
			return fmt.Errorf("stop %q: %w", old.id, err)
		}
	}

	// Drop the old stream's tail so the two streams never mix.
	if rb, err := m.bm.Get(MainBufferName); err == nil {
		rb.Clear()
	}

	if fade > 0 {
		target.setFade(0.0)
	} else {
		target.setFade(1.0)
	}
	m.wire(target)

	if running {
		if err := target.source.Start(); err != nil {
			target.source.ClearCallbacks()
			return fmt.Errorf("start %q: %w", target.id, err)
		}
	}
	if fade > 0 {
		m.ramp(target, 0.0, 1.0, fade)
	}
	return nil
}

// wire routes a source's audio into the main buffer through its fade gain.
func (m *Manager) wire(reg *registeredSource) {
	reg.source.ClearCallbacks()
	reg.source.OnAudioData(func(samples []float32) {
		if g := reg.fade(); g != 1.0 {
			f := float32(g)
			for i := range samples {
				samples[i] *= f
			}
		}
		if _, err := m.bm.Write(MainBufferName, samples); err != nil {
			slog.Warn("Main buffer write failed", "source", reg.id, "error", err)
		}
	})
}

// ramp steps a source's fade gain between two values over the duration.
func (m *Manager) ramp(reg *registeredSource, from, to float64, d time.Duration) {
	step := d / fadeSteps
	for i := 1; i <= fadeSteps; i++ {
		reg.setFade(from + (to-from)*float64(i)/fadeSteps)
		time.Sleep(step)
	}
	reg.setFade(to)
}

func (m *Manager) recordSwitch(from, to string, success bool, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, SwitchRecord{
		From:      from,
		To:        to,
		Timestamp: time.Now(),
		Success:   success,
		Error:     errMsg,
	})
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
}

// History returns a copy of the switch history, oldest first.
func (m *Manager) History() []SwitchRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SwitchRecord, len(m.history))
	copy(out, m.history)
	return out
}

// SwitchToSystemAudio switches to an existing system source, creating one
// when none is registered.
func (m *Manager) SwitchToSystemAudio(options Options, fade time.Duration) error {
	id := m.findSource(func(r *registeredSource) bool {
		return r.sourceType == TypeSystem
	})
	if id == "" {
		var err error
		id, err = m.CreateSource("", TypeSystem, options)
		if err != nil {
			return err
		}
	}
	return m.SwitchToSource(id, fade)
}

// SwitchToFile switches to an existing file source for the same path,
// creating one when none is registered.
func (m *Manager) SwitchToFile(path string, options Options, fade time.Duration) error {
	id := m.findSource(func(r *registeredSource) bool {
		return r.sourceType == TypeFile && r.options.FilePath == path
	})
	if id == "" {
		options.FilePath = path
		var err error
		id, err = m.CreateSource("", TypeFile, options)
		if err != nil {
			return err
		}
	}
	return m.SwitchToSource(id, fade)
}

func (m *Manager) findSource(match func(*registeredSource) bool) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, reg := range m.registry {
		if match(reg) {
			return id
		}
	}
	return ""
}

// Start begins delivery from the current source.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.switching {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot start during switch", types.ErrSwitchInProgress)
	}
	cur := m.current
	m.running = true
	if m.startedAt.IsZero() {
		m.startedAt = time.Now()
	}
	m.mu.Unlock()
	if cur == nil {
		return nil
	}
	if cur.source.Status() == types.StatusRunning {
		return nil
	}
	return cur.source.Start()
}

// Stop halts the current source. The registry and buffers stay alive.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.switching {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot stop during switch", types.ErrSwitchInProgress)
	}
	cur := m.current
	m.running = false
	m.mu.Unlock()
	if cur == nil {
		return nil
	}
	return cur.source.Stop()
}

// Pause suspends the current source.
func (m *Manager) Pause() error {
	cur, err := m.delegate()
	if err != nil || cur == nil {
		return err
	}
	return cur.source.Pause()
}

// Resume restarts the current source after Pause.
func (m *Manager) Resume() error {
	cur, err := m.delegate()
	if err != nil || cur == nil {
		return err
	}
	return cur.source.Resume()
}

func (m *Manager) delegate() (*registeredSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.switching {
		return nil, fmt.Errorf("%w: source operation rejected during switch", types.ErrSwitchInProgress)
	}
	return m.current, nil
}

// OnAudioData installs a downstream sink invoked once per chunk after the
// main buffer routing stage.
func (m *Manager) OnAudioData(fn types.AudioDataFunc) error {
	return m.bm.Route(MainBufferName, buffermanager.ConsumerFunc(fn))
}

// Healthy reports whether the manager, its current source and the main
// buffer are all sound.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur != nil && cur.source.Status() != types.StatusRunning {
		return false
	}
	rb, err := m.bm.Get(MainBufferName)
	return err == nil && rb.Healthy()
}

// Stats returns a snapshot of the manager.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	st := Stats{
		SourceCount: len(m.registry),
		SwitchCount: m.switches,
	}
	if m.current != nil {
		st.CurrentSource = m.current.id
	}
	if !m.startedAt.IsZero() {
		st.Uptime = time.Since(m.startedAt)
	}
	m.mu.Unlock()
	if rb, err := m.bm.Get(MainBufferName); err == nil {
		st.MainBuffer = rb.Stats()
	}
	return st
}

// Close stops every source and forgets the registry. Buffers are owned by
// the buffer manager and are torn down with it.
func (m *Manager) Close() {
	m.mu.Lock()
	regs := make([]*registeredSource, 0, len(m.registry))
	for _, reg := range m.registry {
		regs = append(regs, reg)
	}
	m.registry = make(map[string]*registeredSource)
	m.current = nil
	m.running = false
	m.mu.Unlock()
	for _, reg := range regs {
		reg.source.ClearCallbacks()
		_ = reg.source.Stop()
	}
}
