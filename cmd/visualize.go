package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/denimcouch/cli-visualizer/internal/pipeline"
	"github.com/denimcouch/cli-visualizer/pkg/analyzer"
	"github.com/denimcouch/cli-visualizer/pkg/dsp"
	"github.com/denimcouch/cli-visualizer/pkg/sourcemanager"
	"github.com/denimcouch/cli-visualizer/pkg/types"
)

var (
	visualizeSource     string
	visualizeMode       string
	visualizeSampleRate int
	visualizeChannels   int
	visualizeFFTSize    int
	visualizeOverlap    float64
	visualizeWindow     string
	visualizePreset     string
	visualizeFade       int
	visualizeDuration   time.Duration
	visualizeVerbose    bool
)

// visualizeCmd runs the audio pipeline against a source and reports level
// and spectrum activity. Frame rendering is handled by the terminal
// renderer sitting on the pipeline's callbacks; this command drives the
// pipeline itself.
var visualizeCmd = &cobra.Command{
	Use:   "visualize",
	Short: "Run the audio pipeline against a source",
	Long: `Run the real-time audio pipeline: source -> main buffer -> control
chain -> FFT analyzer.

Sources:
  system         Capture the operating system's default input
  file:<path>    Decode an audio file (mp3, wav, flac, m4a, aac, ogg)

Examples:
  # Visualize the system input
  cli-visualizer visualize --source system

  # Visualize a file with the music preset and a 2048-point FFT
  cli-visualizer visualize --source file:song.flac --preset music_file --fft-size 2048

  # Stop automatically after 30 seconds
  cli-visualizer visualize --source system --duration 30s`,
	Args: cobra.NoArgs,
	RunE: runVisualize,
}

func init() {
	rootCmd.AddCommand(visualizeCmd)

	visualizeCmd.Flags().StringVarP(&visualizeSource, "source", "s", "system",
		"Audio source: system or file:<path>")
	visualizeCmd.Flags().StringVarP(&visualizeMode, "mode", "m", "spectrum",
		"Visualization mode: spectrum, waveform or abstract")
	visualizeCmd.Flags().IntVar(&visualizeSampleRate, "sample-rate", 44100,
		"Sample rate in Hz (22050, 44100, 48000, 96000)")
	visualizeCmd.Flags().IntVar(&visualizeChannels, "channels", 2,
		"Channel count (1 or 2)")
	visualizeCmd.Flags().IntVar(&visualizeFFTSize, "fft-size", 1024,
		"FFT size (power of two, 128-4096)")
	visualizeCmd.Flags().Float64Var(&visualizeOverlap, "overlap", 0.5,
		"FFT window overlap [0, 1)")
	visualizeCmd.Flags().StringVar(&visualizeWindow, "window", "hanning",
		"FFT window: hanning, hamming, blackman or rectangular")
	visualizeCmd.Flags().StringVarP(&visualizePreset, "preset", "p", "disabled",
		"Control-chain preset: "+presetNames())
	visualizeCmd.Flags().IntVar(&visualizeFade, "fade", 0,
		"Source switch fade in milliseconds")
	visualizeCmd.Flags().DurationVarP(&visualizeDuration, "duration", "d", 0,
		"Stop after this duration (0 runs until interrupted)")
	visualizeCmd.Flags().BoolVar(&visualizeVerbose, "verbose", false,
		"Verbose output (debug logging)")
}

func presetNames() string {
	names := make([]string, 0, len(dsp.Presets()))
	for _, p := range dsp.Presets() {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}

func runVisualize(cmd *cobra.Command, args []string) error {
	logLevel := slog.LevelInfo
	if visualizeVerbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	switch visualizeMode {
	case "spectrum", "waveform", "abstract":
	default:
		return withCode(ExitInvalidArguments,
			fmt.Errorf("%w: mode %q", types.ErrInvalidArgument, visualizeMode))
	}

	p, err := pipeline.New(pipeline.Config{
		Format: types.AudioFormat{
			SampleRate:    visualizeSampleRate,
			Channels:      visualizeChannels,
			BitsPerSample: 16,
		},
		FFTSize: visualizeFFTSize,
		Overlap: visualizeOverlap,
		Window:  analyzer.WindowType(visualizeWindow),
		Preset:  dsp.Preset(visualizePreset),
	})
	if err != nil {
		return withCode(ExitInvalidArguments, err)
	}
	defer func() {
		if err := p.Shutdown(); err != nil {
			slog.Warn("Pipeline shutdown", "error", err)
		}
	}()

	fade := time.Duration(visualizeFade) * time.Millisecond
	if err := p.Start(); err != nil {
		return withCode(ExitRuntimeError, err)
	}
	if err := attachSource(p, visualizeSource, fade); err != nil {
		return err
	}

	slog.Info("Visualizer running",
		"source", visualizeSource,
		"mode", visualizeMode,
		"preset", visualizePreset)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	statusDone := make(chan struct{})
	defer close(statusDone)
	go monitorPipeline(p, statusDone)

	var timeout <-chan time.Time
	if visualizeDuration > 0 {
		timer := time.NewTimer(visualizeDuration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case sig := <-sigChan:
		slog.Info("Signal received, stopping", "signal", sig)
	case <-timeout:
		slog.Info("Duration elapsed, stopping", "duration", visualizeDuration)
	}
	return nil
}

// attachSource parses the --source flag and switches the pipeline onto it.
func attachSource(p *pipeline.Controller, source string, fade time.Duration) error {
	switch {
	case source == "system":
		if err := p.Sources().SwitchToSystemAudio(sourcemanager.Options{}, fade); err != nil {
			return withCode(ExitAudioUnavailable, err)
		}
		return nil
	case strings.HasPrefix(source, "file:"):
		path := strings.TrimPrefix(source, "file:")
		err := p.Sources().SwitchToFile(path, sourcemanager.Options{}, fade)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, types.ErrUnsupportedEnvironment):
			return withCode(ExitNoDecoder, err)
		default:
			return withCode(ExitInvalidArguments, err)
		}
	default:
		return withCode(ExitInvalidArguments,
			fmt.Errorf("%w: source %q (expected system or file:<path>)",
				types.ErrInvalidArgument, source))
	}
}

// monitorPipeline logs a status line every 2 seconds.
func monitorPipeline(p *pipeline.Controller, done chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st := p.Stats()
			slog.Info("Pipeline status",
				"source", st.Sources.CurrentSource,
				"fft_frames", st.FFTFrames,
				"peak", fmt.Sprintf("%.3f", st.DSP.PeakLevel),
				"rms", fmt.Sprintf("%.3f", st.DSP.RMSLevel),
				"buffer_health", st.Buffers.Health,
				"overruns", st.Buffers.TotalOverruns,
				"underruns", st.Buffers.TotalUnderruns)
		case <-done:
			return
		}
	}
}
