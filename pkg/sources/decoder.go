package sources

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/denimcouch/cli-visualizer/pkg/types"
)

// The file player drives one of two external decoder families through a
// single adapter. Both emit signed 16-bit little-endian interleaved PCM on
// stdout at the requested rate and channel count; either suffices at
// runtime.
type decoderFamily int

const (
	familyFFmpeg decoderFamily = iota
	familySox
)

type decoder struct {
	family decoderFamily
	binary string
}

// lookPathFunc resolves a binary name on PATH. Swapped out in tests.
type lookPathFunc func(string) (string, error)

// findDecoder locates a usable decoder binary, preferring the
// ffmpeg-compatible family.
func findDecoder(lookPath lookPathFunc) (*decoder, error) {
	candidates := []struct {
		name   string
		family decoderFamily
	}{
		{"ffmpeg", familyFFmpeg},
		{"avconv", familyFFmpeg},
		{"sox", familySox},
	}
	for _, c := range candidates {
		if path, err := lookPath(c.name); err == nil {
			return &decoder{family: c.family, binary: path}, nil
		}
	}
	return nil, fmt.Errorf("%w: no audio decoder found (tried ffmpeg, avconv, sox)",
		types.ErrUnsupportedEnvironment)
}

// command builds the decode invocation for the given file, output format
// and start offset in seconds.
func (d *decoder) command(path string, format types.AudioFormat, skipSeconds float64) *exec.Cmd {
	rate := strconv.Itoa(format.SampleRate)
	channels := strconv.Itoa(format.Channels)
	switch d.family {
	case familySox:
		args := []string{path, "-t", "raw", "-b", "16", "-e", "signed-integer",
			"-L", "-r", rate, "-c", channels, "-"}
		if skipSeconds > 0 {
			args = append(args, "trim", formatSeconds(skipSeconds))
		}
		return exec.Command(d.binary, args...)
	default:
		args := []string{"-hide_banner", "-loglevel", "error"}
		if skipSeconds > 0 {
			args = append(args, "-ss", formatSeconds(skipSeconds))
		}
		args = append(args, "-i", path,
			"-f", "s16le", "-acodec", "pcm_s16le",
			"-ar", rate, "-ac", channels, "-")
		return exec.Command(d.binary, args...)
	}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// probeDuration asks the available metadata tools for the file's duration
// in seconds: ffprobe first, then soxi. Returns nil when neither works.
func probeDuration(lookPath lookPathFunc, path string) *float64 {
	if bin, err := lookPath("ffprobe"); err == nil {
		out, err := exec.Command(bin, "-v", "error",
			"-show_entries", "format=duration",
			"-of", "default=noprint_wrappers=1:nokey=1", path).Output()
		if d, ok := parseSeconds(out, err); ok {
			return &d
		}
	}
	if bin, err := lookPath("soxi"); err == nil {
		out, err := exec.Command(bin, "-D", path).Output()
		if d, ok := parseSeconds(out, err); ok {
			return &d
		}
	}
	return nil
}

func parseSeconds(out []byte, err error) (float64, bool) {
	if err != nil {
		return 0, false
	}
	d, perr := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if perr != nil || d < 0 {
		return 0, false
	}
	return d, true
}
