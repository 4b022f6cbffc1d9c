package dsp

import (
	"fmt"

	"github.com/denimcouch/cli-visualizer/pkg/types"
)

// Preset names a bundle of control-chain parameters tuned for a listening
// environment.
type Preset string

const (
	PresetLiveInput        Preset = "live_input"
	PresetMusicFile        Preset = "music_file"
	PresetQuietEnvironment Preset = "quiet_environment"
	PresetLoudEnvironment  Preset = "loud_environment"
	PresetDisabled         Preset = "disabled"
)

type presetParams struct {
	gain        float64
	sensitivity float64

	agcEnabled bool
	agcTarget  float64
	agcAttack  float64
	agcRelease float64

	limEnabled   bool
	limThreshold float64

	compEnabled   bool
	compRatio     float64
	compThreshold float64

	gateEnabled   bool
	gateThreshold float64
}

var presets = map[Preset]presetParams{
	PresetLiveInput: {
		gain: 1.2, sensitivity: 1.5,
		agcEnabled: true, agcTarget: 0.7, agcAttack: 0.05, agcRelease: 0.2,
		limEnabled: true, limThreshold: 0.9,
		compEnabled: true, compRatio: 3, compThreshold: 0.75,
		gateEnabled: true, gateThreshold: 0.005,
	},
	PresetMusicFile: {
		gain: 1.0, sensitivity: 1.0,
		limEnabled: true, limThreshold: 0.95,
		compRatio: 4, compThreshold: 0.8,
		agcTarget: 0.7, agcAttack: 0.05, agcRelease: 0.2,
		gateThreshold: 0.01,
	},
	PresetQuietEnvironment: {
		gain: 2.0, sensitivity: 2.0,
		agcEnabled: true, agcTarget: 0.8, agcAttack: 0.02, agcRelease: 0.5,
		limEnabled: true, limThreshold: 0.85,
		compEnabled: true, compRatio: 6, compThreshold: 0.6,
		gateEnabled: true, gateThreshold: 0.002,
	},
	PresetLoudEnvironment: {
		gain: 0.7, sensitivity: 0.8,
		agcEnabled: true, agcTarget: 0.6, agcAttack: 0.1, agcRelease: 0.1,
		limEnabled: true, limThreshold: 0.8,
		compEnabled: true, compRatio: 8, compThreshold: 0.5,
		gateThreshold: 0.01,
	},
	PresetDisabled: {
		gain: 1.0, sensitivity: 1.0,
		compRatio: 4, compThreshold: 0.8,
		agcTarget: 0.7, agcAttack: 0.05, agcRelease: 0.2,
		gateThreshold: 0.01,
	},
}

// Presets returns the known preset names.
func Presets() []Preset {
	return []Preset{
		PresetLiveInput,
		PresetMusicFile,
		PresetQuietEnvironment,
		PresetLoudEnvironment,
		PresetDisabled,
	}
}

// ApplyPreset replaces all chain parameters with the named bundle. Envelope
// followers keep their state; only parameters change.
func (c *Controls) ApplyPreset(name Preset) error {
	p, ok := presets[name]
	if !ok {
		return fmt.Errorf("%w: unknown preset %q", types.ErrInvalidArgument, name)
	}
	c.mu.Lock()
	c.gain = p.gain
	c.sensitivity = p.sensitivity
	c.agcEnabled = p.agcEnabled
	c.agcTarget = p.agcTarget
	c.agcAttack = p.agcAttack
	c.agcRelease = p.agcRelease
	c.limEnabled = p.limEnabled
	c.limThreshold = p.limThreshold
	c.compEnabled = p.compEnabled
	c.compRatio = p.compRatio
	c.compThreshold = p.compThreshold
	c.gateEnabled = p.gateEnabled
	c.gateThreshold = p.gateThreshold
	if !p.gateEnabled {
		c.gateOpen = true
	}
	callbacks := make([]func(float64), len(c.gainCallbacks))
	copy(callbacks, c.gainCallbacks)
	gain := c.gain
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn(gain)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
