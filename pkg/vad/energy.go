package vad

import (
	"math"

	"github.com/atlas-voice/atlas/pkg/types"
)

// EnergyEngine scores frames by root-mean-square amplitude. It is the
// dependency-free default engine; model-backed engines can replace it without
// touching the detector.
//
// RMS is mapped to a probability by dividing by Ceiling and clamping to 1.
type EnergyEngine struct {
	// Ceiling is the RMS value treated as certain speech. Default 0.12.
	Ceiling float64
}

// NewEnergyEngine returns an EnergyEngine with the default ceiling.
func NewEnergyEngine() *EnergyEngine {
	return &EnergyEngine{Ceiling: 0.12}
}

// Score implements [Engine].
func (e *EnergyEngine) Score(frame types.Frame) (float64, error) {
	if len(frame.PCM) == 0 {
		return 0, nil
	}
	var sum float64
	for _, s := range frame.PCM {
		f := float64(s) / 32768.0
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(frame.PCM)))

	ceiling := e.Ceiling
	if ceiling <= 0 {
		ceiling = 0.12
	}
	p := rms / ceiling
	if p > 1 {
		p = 1
	}
	return p, nil
}
