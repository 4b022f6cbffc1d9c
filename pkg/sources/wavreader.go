package sources

import (
	"fmt"
	"io"
	"os"

	wav "github.com/youpy/go-wav"

	"github.com/denimcouch/cli-visualizer/pkg/types"
)

// wavPCMReader decodes a PCM WAV file in-process and serves it as the same
// signed 16-bit little-endian stream an external decoder would produce. It
// is the fallback used when neither ffmpeg nor sox is installed.
//
// The reader does not resample or remix: the file's rate and channel
// count must match the requested format.
type wavPCMReader struct {
	file     *os.File
	reader   *wav.Reader
	bits     int
	channels int
	pending  []byte
}

func newWAVPCMReader(path string, format types.AudioFormat, skipSeconds float64) (*wavPCMReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSourceFailed, err)
	}
	r := wav.NewReader(f)
	wf, err := r.Format()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read WAV header: %v", types.ErrSourceFailed, err)
	}
	if wf.AudioFormat != wav.AudioFormatPCM {
		f.Close()
		return nil, fmt.Errorf("%w: WAV fallback supports PCM only (format %d)",
			types.ErrUnsupportedEnvironment, wf.AudioFormat)
	}
	if int(wf.SampleRate) != format.SampleRate || int(wf.NumChannels) != format.Channels {
		f.Close()
		return nil, fmt.Errorf("%w: WAV fallback cannot convert %d Hz/%d ch to %d Hz/%d ch",
			types.ErrUnsupportedEnvironment,
			wf.SampleRate, wf.NumChannels, format.SampleRate, format.Channels)
	}

	w := &wavPCMReader{
		file:     f,
		reader:   r,
		bits:     int(wf.BitsPerSample),
		channels: int(wf.NumChannels),
	}
	if skipSeconds > 0 {
		skipFrames := int(skipSeconds * float64(format.SampleRate))
		for skipFrames > 0 {
			n := skipFrames
			if n > 4096 {
				n = 4096
			}
			samples, err := r.ReadSamples(uint32(n))
			if err != nil || len(samples) == 0 {
				break
			}
			skipFrames -= len(samples)
		}
	}
	return w, nil
}

// Read fills p with signed 16-bit little-endian interleaved PCM.
func (w *wavPCMReader) Read(p []byte) (int, error) {
	for len(w.pending) < len(p) {
		samples, err := w.reader.ReadSamples(1024)
		for _, s := range samples {
			for ch := 0; ch < w.channels; ch++ {
				v := w.toInt16(s.Values[ch])
				w.pending = append(w.pending, byte(v), byte(v>>8))
			}
		}
		if err != nil {
			break
		}
	}
	if len(w.pending) == 0 {
		return 0, io.EOF
	}
	n := copy(p, w.pending)
	w.pending = w.pending[n:]
	return n, nil
}

func (w *wavPCMReader) Close() error {
	return w.file.Close()
}

// toInt16 scales a native-width WAV sample value to 16 bits.
func (w *wavPCMReader) toInt16(v int) int16 {
	switch w.bits {
	case 8:
		return int16((v - 128) << 8)
	case 24:
		return int16(v >> 8)
	case 32:
		return int16(v >> 16)
	default:
		return int16(v)
	}
}

// wavDuration estimates a PCM WAV file's duration from its header and
// size. The estimate assumes the sample data dominates the file.
func wavDuration(path string) *float64 {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	wf, err := wav.NewReader(f).Format()
	if err != nil || wf.ByteRate == 0 {
		return nil
	}
	st, err := f.Stat()
	if err != nil {
		return nil
	}
	const headerBytes = 44
	dataBytes := st.Size() - headerBytes
	if dataBytes <= 0 {
		return nil
	}
	d := float64(dataBytes) / float64(wf.ByteRate)
	return &d
}
