//go:build !darwin && !linux

package sources

import "github.com/gen2brain/malgo"

// captureBackends returns no backends on unsupported platforms; system
// capture construction fails with ErrUnsupportedEnvironment.
func captureBackends() [][]malgo.Backend {
	return nil
}
