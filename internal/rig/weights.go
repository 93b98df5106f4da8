// Package rig smooths vowel blend weights and pushes them to renderers.
package rig

import "math"

// Weights are the five vowel blend-shape weights in [0, 1].
type Weights struct {
	A float64 `json:"a"`
	I float64 `json:"i"`
	U float64 `json:"u"`
	E float64 `json:"e"`
	O float64 `json:"o"`
}

// Channels exposes the weights as an indexable array.
func (w Weights) Channels() [5]float64 {
	return [5]float64{w.A, w.I, w.U, w.E, w.O}
}

// FromChannels is the inverse of Channels.
func FromChannels(c [5]float64) Weights {
	return Weights{A: c[0], I: c[1], U: c[2], E: c[3], O: c[4]}
}

// Clamp limits every channel to [0, 1].
func (w Weights) Clamp() Weights {
	c := w.Channels()
	for i, v := range c {
		c[i] = math.Max(0, math.Min(1, v))
	}
	return FromChannels(c)
}

// MaxDelta is the largest per-channel absolute difference.
func (w Weights) MaxDelta(o Weights) float64 {
	a, b := w.Channels(), o.Channels()
	var d float64
	for i := range a {
		d = math.Max(d, math.Abs(a[i]-b[i]))
	}
	return d
}
