package lipsync

import (
	"math"

	"github.com/loqalabs/loqa-avatar/internal/rig"
)

// Shaper maps vowel classes to target weights. The active vowel gets
// VowelWeight; the other channels keep a small side opening and never drop
// below the neutral pose.
type Shaper struct {
	VowelWeight   float64
	NeutralWeight float64
}

// Neutral is the resting mouth.
func (s Shaper) Neutral() rig.Weights {
	nw := s.NeutralWeight
	return rig.Weights{A: nw, I: nw * 0.5, U: nw * 0.6, E: nw * 0.5, O: nw}
}

// Target returns the weights for one vowel symbol. Unknown symbols open the
// mouth partially on A.
func (s Shaper) Target(vowel string) rig.Weights {
	vw, nw := s.VowelWeight, s.NeutralWeight
	var w rig.Weights
	switch vowel {
	case VowelA:
		w.A = vw
	case VowelI:
		w.I = vw
	case VowelU:
		w.U = vw
	case VowelE:
		w.E = vw
	case VowelO:
		w.O = vw
	default:
		w.A = vw * 0.7
	}
	side := vw * 0.08
	return rig.Weights{
		A: math.Max(w.A, math.Max(side, nw)),
		I: math.Max(w.I, math.Max(side*0.6, nw*0.5)),
		U: math.Max(w.U, math.Max(side*0.6, nw*0.6)),
		E: math.Max(w.E, math.Max(side*0.6, nw*0.5)),
		O: math.Max(w.O, math.Max(side, nw)),
	}.Clamp()
}
