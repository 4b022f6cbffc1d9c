package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/denimcouch/cli-visualizer/pkg/types"
)

// Version is stamped at build time via -ldflags.
var Version = "1.0.0"

// Exit codes of the CLI surface.
const (
	ExitOK               = 0
	ExitInvalidArguments = 2
	ExitAudioUnavailable = 3
	ExitNoDecoder        = 4
	ExitRuntimeError     = 5
)

// codedError carries an explicit exit code through cobra's error return.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "cli-visualizer",
	Short: "Real-time audio visualizer for text terminals",
	Long: `cli-visualizer - A real-time audio visualizer for text terminals.

The pipeline captures PCM audio from the system input or a decoded audio
file, routes it through a thread-safe buffer manager and a DSP control
chain (gain, noise gate, compressor, AGC, limiter), and analyzes it with
an overlapped windowed FFT at 30-60 frames per second.

Commands:
  - visualize: Run the audio pipeline against a source`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// No arguments prints usage and exits cleanly.
		return cmd.Help()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print the version and exit")
	rootCmd.SetVersionTemplate("cli-visualizer {{.Version}}\n")
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		return exitCode(err)
	}
	return ExitOK
}

func exitCode(err error) int {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	switch {
	case errors.Is(err, types.ErrInvalidArgument):
		return ExitInvalidArguments
	case errors.Is(err, types.ErrUnsupportedEnvironment):
		return ExitAudioUnavailable
	default:
		return ExitRuntimeError
	}
}
