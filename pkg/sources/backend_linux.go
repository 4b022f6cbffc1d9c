//go:build linux

package sources

import "github.com/gen2brain/malgo"

// captureBackends lists the native audio backends probed in order on
// Linux: PulseAudio first, ALSA as the fallback.
func captureBackends() [][]malgo.Backend {
	return [][]malgo.Backend{
		{malgo.BackendPulseaudio},
		{malgo.BackendAlsa},
	}
}
