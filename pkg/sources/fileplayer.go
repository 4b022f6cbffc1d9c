package sources

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/denimcouch/cli-visualizer/pkg/pcm"
	"github.com/denimcouch/cli-visualizer/pkg/types"
)

// playableExtensions is the accepted file-extension whitelist.
var playableExtensions = map[string]bool{
	".mp3": true, ".wav": true, ".flac": true,
	".m4a": true, ".aac": true, ".ogg": true,
}

// defaultStallTimeout bounds how long the reader tolerates a silent
// decoder before declaring the stream dead.
const defaultStallTimeout = 5 * time.Second

// joinTimeout bounds how long Stop waits for the reader before
// force-terminating the subprocess.
const joinTimeout = time.Second

// decodeChunkFrames is the fixed read granularity from the decoder.
const decodeChunkFrames = 4096

// FilePlayer streams a local audio file through an external decoder
// subprocess (ffmpeg-compatible or sox-compatible) that emits signed
// 16-bit little-endian PCM at the requested rate and channel count. When
// neither decoder is installed, PCM WAV files fall back to an in-process
// reader.
type FilePlayer struct {
	baseSource

	path         string
	duration     *float64
	dec          *decoder
	cmdOverride  func(skipSeconds float64) *exec.Cmd
	wavFallback  bool
	stallTimeout time.Duration

	runMu   sync.Mutex
	running bool
	cmd     *exec.Cmd
	stream  io.ReadCloser
	waitFn  func() error
	stopCh  chan struct{}
	wg      sync.WaitGroup

	paused       atomic.Bool
	positionBits atomic.Uint64
	lastProgress atomic.Int64
}

// FilePlayerOption customizes construction.
type FilePlayerOption func(*filePlayerConfig)

type filePlayerConfig struct {
	lookPath     lookPathFunc
	cmdOverride  func(path string, format types.AudioFormat, skipSeconds float64) *exec.Cmd
	stallTimeout time.Duration
}

// WithLookPath overrides PATH resolution for decoder discovery.
func WithLookPath(fn lookPathFunc) FilePlayerOption {
	return func(c *filePlayerConfig) { c.lookPath = fn }
}

// WithDecoderCommand overrides the decode invocation entirely.
func WithDecoderCommand(fn func(path string, format types.AudioFormat, skipSeconds float64) *exec.Cmd) FilePlayerOption {
	return func(c *filePlayerConfig) { c.cmdOverride = fn }
}

// WithStallTimeout overrides the decoder stall deadline.
func WithStallTimeout(d time.Duration) FilePlayerOption {
	return func(c *filePlayerConfig) { c.stallTimeout = d }
}

// NewFilePlayer validates the file and locates a decoder. Missing files
// and unsupported extensions fail with ErrInvalidArgument; a host with no
// usable decoder fails with ErrUnsupportedEnvironment unless the file has a
// .wav extension. The WAV header (PCM encoding, rate, channels) is checked
// at Start, not here.
func NewFilePlayer(path string, format types.AudioFormat, opts ...FilePlayerOption) (*FilePlayer, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: audio file %q: %v", types.ErrInvalidArgument, path, err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !playableExtensions[ext] {
		return nil, fmt.Errorf("%w: unsupported audio format %q (supported: mp3, wav, flac, m4a, aac, ogg)",
			types.ErrInvalidArgument, ext)
	}

	cfg := filePlayerConfig{lookPath: exec.LookPath, stallTimeout: defaultStallTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	fp := &FilePlayer{
		baseSource:   newBaseSource(format),
		path:         path,
		stallTimeout: cfg.stallTimeout,
	}
	if cfg.cmdOverride != nil {
		fp.cmdOverride = func(skip float64) *exec.Cmd {
			return cfg.cmdOverride(path, format, skip)
		}
	} else {
		dec, err := findDecoder(cfg.lookPath)
		switch {
		case err == nil:
			fp.dec = dec
		case ext == ".wav":
			// No external decoder, but WAV decodes in-process.
			fp.wavFallback = true
			slog.Info("No external decoder found, using in-process WAV reader", "file", path)
		default:
			return nil, err
		}
	}

	fp.duration = fp.probeDuration(cfg.lookPath, ext)
	slog.Info("Audio file opened",
		"file", filepath.Base(path),
		"sample_rate", format.SampleRate,
		"channels", format.Channels,
		"duration", durationString(fp.duration))
	return fp, nil
}

func (fp *FilePlayer) probeDuration(lookPath lookPathFunc, ext string) *float64 {
	if d := probeDuration(lookPath, fp.path); d != nil {
		return d
	}
	if ext == ".wav" {
		return wavDuration(fp.path)
	}
	return nil
}

func durationString(d *float64) string {
	if d == nil {
		return "unknown"
	}
	return fmt.Sprintf("%.1fs", *d)
}

// Path returns the file being played.
func (fp *FilePlayer) Path() string {
	return fp.path
}

// Duration returns the probed duration in seconds, nil when unknown.
func (fp *FilePlayer) Duration() *float64 {
	if fp.duration == nil {
		return nil
	}
	d := *fp.duration
	return &d
}

// Position returns the current playback position in seconds.
func (fp *FilePlayer) Position() float64 {
	return math.Float64frombits(fp.positionBits.Load())
}

func (fp *FilePlayer) setPosition(seconds float64) {
	fp.positionBits.Store(math.Float64bits(seconds))
}

// Start launches the decoder and begins delivery from the top of the file.
func (fp *FilePlayer) Start() error {
	fp.runMu.Lock()
	defer fp.runMu.Unlock()
	if fp.running {
		switch fp.Status() {
		case types.StatusStopped, types.StatusError:
			// Playback ended on its own; reap the previous run.
			fp.teardownLocked()
			fp.running = false
		default:
			return fmt.Errorf("%w: file player already running", types.ErrSourceBusy)
		}
	}
	fp.setStatus(types.StatusStarting)
	fp.setPosition(0)
	fp.paused.Store(false)
	// Running before the reader spawns, so its first chunk is delivered and
	// an early end of stream is not overwritten.
	fp.setStatus(types.StatusRunning)
	if err := fp.launchLocked(0); err != nil {
		fp.setError(err.Error())
		return err
	}
	fp.running = true
	slog.Info("File playback started", "file", filepath.Base(fp.path))
	return nil
}

// launchLocked starts the decoder stream at the given offset and spawns
// the reader and watchdog goroutines. Callers hold runMu.
func (fp *FilePlayer) launchLocked(skipSeconds float64) error {
	var stream io.ReadCloser
	var cmd *exec.Cmd
	switch {
	case fp.wavFallback:
		r, err := newWAVPCMReader(fp.path, fp.Format(), skipSeconds)
		if err != nil {
			return err
		}
		stream = r
	case fp.cmdOverride != nil:
		cmd = fp.cmdOverride(skipSeconds)
	default:
		cmd = fp.dec.command(fp.path, fp.Format(), skipSeconds)
	}

	if cmd != nil {
		cmd.Stdin = nil
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("%w: decoder stdout: %v", types.ErrSourceFailed, err)
		}
		cmd.Stderr = nil
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("%w: start decoder: %v", types.ErrSourceFailed, err)
		}
		stream = stdout
	}

	fp.cmd = cmd
	fp.stream = stream
	if cmd != nil {
		var once sync.Once
		var waitErr error
		fp.waitFn = func() error {
			once.Do(func() { waitErr = cmd.Wait() })
			return waitErr
		}
	} else {
		fp.waitFn = func() error { return nil }
	}
	fp.stopCh = make(chan struct{})
	fp.lastProgress.Store(time.Now().UnixNano())

	fp.wg.Add(2)
	go fp.readLoop(fp.stream, fp.waitFn, fp.stopCh)
	go fp.watchdog(fp.cmd, fp.stopCh)
	return nil
}

// readLoop pulls fixed-size PCM chunks from the decoder, converts them to
// float32 and delivers them downstream.
func (fp *FilePlayer) readLoop(stream io.ReadCloser, wait func() error, stopCh chan struct{}) {
	defer fp.wg.Done()

	format := fp.Format()
	frameBytes := format.Channels * 2 // decoder output is always s16le
	buf := make([]byte, decodeChunkFrames*frameBytes)

	for {
		select {
		case <-stopCh:
			return
		default:
		}
		if fp.paused.Load() {
			select {
			case <-stopCh:
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		n, err := io.ReadFull(stream, buf)
		if n > 0 {
			whole := n - n%frameBytes
			if whole > 0 {
				samples := pcm.S16ToFloat32(buf[:whole])
				fp.emit(samples)
				frames := whole / frameBytes
				fp.setPosition(fp.Position() + float64(frames)/float64(format.SampleRate))
				fp.lastProgress.Store(time.Now().UnixNano())
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				fp.finishStream(wait, stopCh)
			} else {
				select {
				case <-stopCh:
					// Shutdown closed the pipe under us.
				default:
					fp.setError(fmt.Sprintf("decoder read: %v", err))
				}
			}
			return
		}
	}
}

// finishStream handles natural end of stream: a clean decoder exit stops
// the source, a non-zero exit marks it failed.
func (fp *FilePlayer) finishStream(wait func() error, stopCh chan struct{}) {
	select {
	case <-stopCh:
		return
	default:
	}
	if err := wait(); err != nil {
		fp.setError(fmt.Sprintf("decoder exited: %v", err))
		return
	}
	fp.setStatus(types.StatusStopped)
	slog.Info("File playback finished", "file", filepath.Base(fp.path), "position", fp.Position())
}

// watchdog kills a decoder whose output has stalled past the deadline.
func (fp *FilePlayer) watchdog(cmd *exec.Cmd, stopCh chan struct{}) {
	defer fp.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			switch fp.Status() {
			case types.StatusStopped, types.StatusError:
				return
			}
			if fp.paused.Load() || fp.Status() != types.StatusRunning {
				continue
			}
			last := time.Unix(0, fp.lastProgress.Load())
			if time.Since(last) > fp.stallTimeout {
				fp.setError(fmt.Sprintf("decoder stalled for %s", fp.stallTimeout))
				if cmd != nil && cmd.Process != nil {
					_ = cmd.Process.Kill()
				}
				return
			}
		}
	}
}

// Stop signals the reader, joins it with a bounded timeout and
// force-terminates the decoder if it lingers. Safe to call repeatedly.
func (fp *FilePlayer) Stop() error {
	fp.runMu.Lock()
	defer fp.runMu.Unlock()
	if !fp.running {
		if fp.Status() != types.StatusError {
			fp.setStatus(types.StatusStopped)
		}
		return nil
	}
	wasError := fp.Status() == types.StatusError
	if !wasError {
		fp.setStatus(types.StatusStopping)
	}
	fp.teardownLocked()
	fp.running = false
	if !wasError {
		fp.setStatus(types.StatusStopped)
	}
	slog.Info("File playback stopped", "file", filepath.Base(fp.path))
	return nil
}

// teardownLocked stops the current decode run: reader, watchdog and
// subprocess. Callers hold runMu.
func (fp *FilePlayer) teardownLocked() {
	close(fp.stopCh)

	done := make(chan struct{})
	go func() {
		fp.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(joinTimeout):
		// Reader is stuck in a blocking read; force-terminate to
		// unblock it.
		if fp.cmd != nil && fp.cmd.Process != nil {
			_ = fp.cmd.Process.Kill()
		}
		_ = fp.stream.Close()
		<-done
	}

	if fp.cmd != nil && fp.cmd.Process != nil {
		_ = fp.cmd.Process.Kill()
		_ = fp.waitFn()
	}
	_ = fp.stream.Close()
	fp.cmd = nil
	fp.stream = nil
}

// Pause suspends reading without killing the decoder; pipe backpressure
// holds the subprocess in place.
func (fp *FilePlayer) Pause() error {
	if fp.Status() != types.StatusRunning {
		return fmt.Errorf("%w: file player not running", types.ErrSourceBusy)
	}
	fp.paused.Store(true)
	fp.setStatus(types.StatusPaused)
	return nil
}

// Resume restarts reading after Pause.
func (fp *FilePlayer) Resume() error {
	if fp.Status() != types.StatusPaused {
		return fmt.Errorf("%w: file player not paused", types.ErrSourceBusy)
	}
	fp.lastProgress.Store(time.Now().UnixNano())
	fp.setStatus(types.StatusRunning)
	fp.paused.Store(false)
	return nil
}

// Seek relaunches the decoder at the given position in seconds.
func (fp *FilePlayer) Seek(seconds float64) error {
	if seconds < 0 {
		return fmt.Errorf("%w: seek position %.3f", types.ErrInvalidArgument, seconds)
	}
	fp.runMu.Lock()
	defer fp.runMu.Unlock()
	if !fp.running {
		fp.setPosition(seconds)
		return nil
	}
	wasPaused := fp.paused.Load()
	fp.teardownLocked()
	fp.setPosition(seconds)
	if err := fp.launchLocked(seconds); err != nil {
		fp.running = false
		fp.setError(err.Error())
		return err
	}
	fp.paused.Store(wasPaused)
	slog.Debug("Seeked", "file", filepath.Base(fp.path), "position", seconds)
	return nil
}

// DeviceInfo describes the file and the decode path in use.
func (fp *FilePlayer) DeviceInfo() map[string]any {
	format := fp.Format()
	info := map[string]any{
		"type":        "file",
		"path":        fp.path,
		"sample_rate": format.SampleRate,
		"channels":    format.Channels,
	}
	if fp.duration != nil {
		info["duration_seconds"] = *fp.duration
	}
	switch {
	case fp.wavFallback:
		info["decoder"] = "wav-fallback"
	case fp.dec != nil:
		info["decoder"] = fp.dec.binary
	default:
		info["decoder"] = "custom"
	}
	return info
}
