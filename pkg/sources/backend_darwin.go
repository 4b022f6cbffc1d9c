//go:build darwin

package sources

import "github.com/gen2brain/malgo"

// captureBackends lists the native audio backends probed in order on
// macOS. CoreAudio is the only HAL there.
func captureBackends() [][]malgo.Backend {
	return [][]malgo.Backend{
		{malgo.BackendCoreaudio},
	}
}
