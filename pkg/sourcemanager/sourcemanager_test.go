package sourcemanager

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/denimcouch/cli-visualizer/pkg/buffermanager"
	"github.com/denimcouch/cli-visualizer/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSource is a controllable in-memory source for exercising the
// manager without touching audio hardware or subprocesses.
type fakeSource struct {
	mu        sync.Mutex
	status    types.SourceStatus
	callbacks []types.AudioDataFunc
	startErr  error
	stopErr   error
	emitted   atomic.Uint64
}

func newFakeSource() *fakeSource {
	return &fakeSource{status: types.StatusStopped}
}

func (f *fakeSource) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		f.status = types.StatusError
		return f.startErr
	}
	if f.status == types.StatusRunning {
		return types.ErrSourceBusy
	}
	f.status = types.StatusRunning
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.status = types.StatusStopped
	return nil
}

func (f *fakeSource) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != types.StatusRunning {
		return types.ErrSourceBusy
	}
	f.status = types.StatusPaused
	return nil
}

func (f *fakeSource) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != types.StatusPaused {
		return types.ErrSourceBusy
	}
	f.status = types.StatusRunning
	return nil
}

func (f *fakeSource) OnAudioData(fn types.AudioDataFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, fn)
}

func (f *fakeSource) ClearCallbacks() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = nil
}

func (f *fakeSource) DeviceInfo() map[string]any { return map[string]any{"type": "fake"} }

func (f *fakeSource) Status() types.SourceStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSource) Format() types.AudioFormat { return types.DefaultFormat }
func (f *fakeSource) ErrorMessage() string      { return "" }

// push simulates the producer delivering a chunk.
func (f *fakeSource) push(samples []float32) {
	f.mu.Lock()
	if f.status != types.StatusRunning {
		f.mu.Unlock()
		return
	}
	callbacks := append([]types.AudioDataFunc(nil), f.callbacks...)
	f.mu.Unlock()
	for _, fn := range callbacks {
		fn(samples)
		f.emitted.Add(uint64(len(samples)))
	}
}

func newTestManager(t *testing.T) (*Manager, *buffermanager.Manager) {
	t.Helper()
	bm := buffermanager.New()
	m, err := New(bm, WithLatency(50))
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Close()
		bm.Close()
	})
	return m, bm
}

func TestNewCreatesMainBuffer(t *testing.T) {
	m, bm := newTestManager(t)
	rb, err := bm.Get(MainBufferName)
	require.NoError(t, err)
	// 50 ms at 44.1 kHz stereo.
	assert.Equal(t, 4410, rb.Capacity())
	assert.Empty(t, m.CurrentSource())
}

func TestRegisterAndSwitch(t *testing.T) {
	m, _ := newTestManager(t)

	a := newFakeSource()
	b := newFakeSource()
	_, err := m.RegisterSource("a", TypeFile, a, Options{FilePath: "a.mp3"})
	require.NoError(t, err)
	_, err = m.RegisterSource("b", TypeFile, b, Options{FilePath: "b.mp3"})
	require.NoError(t, err)

	require.NoError(t, m.Start())
	require.NoError(t, m.SwitchToSource("a", 0))
	assert.Equal(t, "a", m.CurrentSource())
	assert.Equal(t, types.StatusRunning, a.Status())

	require.NoError(t, m.SwitchToSource("b", 0))
	assert.Equal(t, "b", m.CurrentSource())
	assert.Equal(t, types.StatusStopped, a.Status())
	assert.Equal(t, types.StatusRunning, b.Status())

	st := m.Stats()
	assert.Equal(t, uint64(2), st.SwitchCount)

	hist := m.History()
	require.GreaterOrEqual(t, len(hist), 2)
	last := hist[len(hist)-2:]
	assert.True(t, last[0].Success)
	assert.True(t, last[1].Success)
	assert.Equal(t, "a", last[1].From)
	assert.Equal(t, "b", last[1].To)
}

func TestSwitchAtomicity(t *testing.T) {
	m, bm := newTestManager(t)

	a := newFakeSource()
	b := newFakeSource()
	_, _ = m.RegisterSource("a", TypeFile, a, Options{})
	_, _ = m.RegisterSource("b", TypeFile, b, Options{})

	require.NoError(t, m.Start())
	require.NoError(t, m.SwitchToSource("a", 0))

	got := make(map[string]int)
	var mu sync.Mutex
	require.NoError(t, bm.Route(MainBufferName, func(s []float32) {
		mu.Lock()
		got[fmt.Sprintf("%v", s[0])] += len(s)
		mu.Unlock()
	}))

	a.push([]float32{1, 1})
	require.NoError(t, m.SwitchToSource("b", 0))

	// No chunk from the old source may land after the switch returned.
	a.push([]float32{1, 1})
	b.push([]float32{2, 2})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, got["1"], "source a delivered only before the switch")
	assert.Equal(t, 2, got["2"])
}

func TestSwitchClearsMainBuffer(t *testing.T) {
	m, bm := newTestManager(t)

	a := newFakeSource()
	b := newFakeSource()
	_, _ = m.RegisterSource("a", TypeFile, a, Options{})
	_, _ = m.RegisterSource("b", TypeFile, b, Options{})

	require.NoError(t, m.Start())
	require.NoError(t, m.SwitchToSource("a", 0))
	a.push([]float32{1, 1, 1, 1})

	rb, _ := bm.Get(MainBufferName)
	require.Equal(t, 4, rb.Size())

	require.NoError(t, m.SwitchToSource("b", 0))
	b.push([]float32{2})
	assert.Equal(t, []float32{2}, rb.Read(10), "old stream tail was dropped")
}

func TestSwitchUnknownSource(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.SwitchToSource("ghost", 0)
	assert.ErrorIs(t, err, types.ErrSourceNotFound)

	hist := m.History()
	require.Len(t, hist, 1)
	assert.False(t, hist[0].Success)
}

func TestSwitchSerialization(t *testing.T) {
	m, _ := newTestManager(t)

	a := newFakeSource()
	b := newFakeSource()
	_, _ = m.RegisterSource("a", TypeFile, a, Options{})
	_, _ = m.RegisterSource("b", TypeFile, b, Options{})
	require.NoError(t, m.Start())
	require.NoError(t, m.SwitchToSource("a", 0))

	// A long fade holds the switching flag; the concurrent switch and the
	// delegated operations must be rejected.
	done := make(chan error, 1)
	go func() { done <- m.SwitchToSource("b", 300*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return m.SwitchToSource("a", 0) != nil
	}, time.Second, 5*time.Millisecond)
	err := m.SwitchToSource("a", 0)
	if err != nil {
		assert.ErrorIs(t, err, types.ErrSwitchInProgress)
	}
	assert.ErrorIs(t, m.Pause(), types.ErrSwitchInProgress)

	require.NoError(t, <-done)
	assert.Equal(t, "b", m.CurrentSource())
}

func TestFailedStartLeavesHistoryRecord(t *testing.T) {
	m, _ := newTestManager(t)

	a := newFakeSource()
	b := newFakeSource()
	b.startErr = types.ErrSourceFailed
	_, _ = m.RegisterSource("a", TypeFile, a, Options{})
	_, _ = m.RegisterSource("b", TypeFile, b, Options{})

	require.NoError(t, m.Start())
	require.NoError(t, m.SwitchToSource("a", 0))
	err := m.SwitchToSource("b", 0)
	require.Error(t, err)

	hist := m.History()
	lastRec := hist[len(hist)-1]
	assert.False(t, lastRec.Success)
	assert.NotEmpty(t, lastRec.Error)
	assert.Equal(t, types.StatusStopped, a.Status(), "old source was stopped before the failure")
}

func TestRemoveSourceRefusesCurrent(t *testing.T) {
	m, _ := newTestManager(t)

	a := newFakeSource()
	_, _ = m.RegisterSource("a", TypeFile, a, Options{})
	require.NoError(t, m.SwitchToSource("a", 0))

	assert.ErrorIs(t, m.RemoveSource("a"), types.ErrSourceBusy)
	assert.ErrorIs(t, m.RemoveSource("ghost"), types.ErrSourceNotFound)

	b := newFakeSource()
	_, _ = m.RegisterSource("b", TypeFile, b, Options{})
	require.NoError(t, m.SwitchToSource("b", 0))
	require.NoError(t, m.RemoveSource("a"))
}

func TestDelegatedLifecycle(t *testing.T) {
	m, _ := newTestManager(t)

	a := newFakeSource()
	_, _ = m.RegisterSource("a", TypeFile, a, Options{})
	require.NoError(t, m.SwitchToSource("a", 0))
	assert.Equal(t, types.StatusStopped, a.Status(), "switch before start leaves source stopped")

	require.NoError(t, m.Start())
	assert.Equal(t, types.StatusRunning, a.Status())

	require.NoError(t, m.Pause())
	assert.Equal(t, types.StatusPaused, a.Status())
	require.NoError(t, m.Resume())
	assert.Equal(t, types.StatusRunning, a.Status())

	require.NoError(t, m.Stop())
	assert.Equal(t, types.StatusStopped, a.Status())
}

func TestSwitchFadeRampsGain(t *testing.T) {
	m, bm := newTestManager(t)

	a := newFakeSource()
	_, _ = m.RegisterSource("a", TypeFile, a, Options{})
	require.NoError(t, m.Start())

	var mu sync.Mutex
	var maxSeen float32
	require.NoError(t, bm.Route(MainBufferName, func(s []float32) {
		mu.Lock()
		for _, v := range s {
			if v > maxSeen {
				maxSeen = v
			}
		}
		mu.Unlock()
	}))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				a.push([]float32{1.0})
				time.Sleep(2 * time.Millisecond)
			}
		}
	}()

	require.NoError(t, m.SwitchToSource("a", 100*time.Millisecond))
	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.InDelta(t, 1.0, float64(maxSeen), 1e-6, "fade-in ends at unity gain")
}

func TestReuseHelpers(t *testing.T) {
	m, _ := newTestManager(t)

	a := newFakeSource()
	id, err := m.RegisterSource("", TypeFile, a, Options{FilePath: "song.mp3"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	// SwitchToFile with the same path reuses the registered source
	// instead of constructing a new one (construction would fail here:
	// the file does not exist).
	require.NoError(t, m.SwitchToFile("song.mp3", Options{}, 0))
	assert.Equal(t, id, m.CurrentSource())
	assert.Equal(t, 1, m.Stats().SourceCount)

	// A different path attempts construction and fails cleanly.
	err = m.SwitchToFile("other.mp3", Options{}, 0)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func TestHealthy(t *testing.T) {
	m, _ := newTestManager(t)
	assert.True(t, m.Healthy(), "no source, healthy buffer")

	a := newFakeSource()
	_, _ = m.RegisterSource("a", TypeFile, a, Options{})
	require.NoError(t, m.SwitchToSource("a", 0))
	assert.False(t, m.Healthy(), "current source not running")

	require.NoError(t, m.Start())
	assert.True(t, m.Healthy())
}

func TestStatsUptime(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Zero(t, m.Stats().Uptime)
	require.NoError(t, m.Start())
	time.Sleep(10 * time.Millisecond)
	assert.Greater(t, m.Stats().Uptime, time.Duration(0))
	require.NoError(t, m.Stop())
}

func TestDownstreamSinkFiresAfterRouting(t *testing.T) {
	m, _ := newTestManager(t)

	a := newFakeSource()
	_, _ = m.RegisterSource("a", TypeFile, a, Options{})
	require.NoError(t, m.Start())
	require.NoError(t, m.SwitchToSource("a", 0))

	var got []float32
	require.NoError(t, m.OnAudioData(func(s []float32) { got = append(got, s...) }))

	a.push([]float32{0.25, -0.25})
	assert.Equal(t, []float32{0.25, -0.25}, got)
}
