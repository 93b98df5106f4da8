package rig

import (
	"sync"
	"time"
)

const minSmoothTime = 100 * time.Microsecond

// Smoother eases displayed weights toward their targets with critically
// damped springs. Opening (target above current) uses OpenTime, closing uses
// CloseTime. Safe for concurrent use: the scheduler sets targets while the
// render loop steps.
type Smoother struct {
	openTime  time.Duration
	closeTime time.Duration

	mu       sync.Mutex
	current  [5]float64
	target   [5]float64
	velocity [5]float64
}

func NewSmoother(openTime, closeTime time.Duration, initial Weights) *Smoother {
	if openTime < minSmoothTime {
		openTime = minSmoothTime
	}
	if closeTime < minSmoothTime {
		closeTime = minSmoothTime
	}
	c := initial.Channels()
	return &Smoother{openTime: openTime, closeTime: closeTime, current: c, target: c}
}

// SetTargets replaces all five targets.
func (s *Smoother) SetTargets(w Weights) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = w.Clamp().Channels()
}

// Targets returns the current targets.
func (s *Smoother) Targets() Weights {
	s.mu.Lock()
	defer s.mu.Unlock()
	return FromChannels(s.target)
}

// Current returns the displayed weights without advancing time.
func (s *Smoother) Current() Weights {
	s.mu.Lock()
	defer s.mu.Unlock()
	return FromChannels(s.current)
}

// Step advances every channel by dt and returns the new weights.
func (s *Smoother) Step(dt time.Duration) Weights {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dt <= 0 {
		return FromChannels(s.current)
	}
	secs := dt.Seconds()
	for i := range s.current {
		smooth := s.closeTime
		if s.target[i] > s.current[i] {
			smooth = s.openTime
		}
		s.current[i], s.velocity[i] = smoothDamp(s.current[i], s.target[i], s.velocity[i], smooth.Seconds(), secs)
	}
	return FromChannels(s.current)
}

// smoothDamp is the critically damped spring used by game engines for
// camera and blend easing, with no speed cap. It never overshoots target.
func smoothDamp(current, target, velocity, smoothTime, dt float64) (float64, float64) {
	omega := 2 / smoothTime
	x := omega * dt
	decay := 1 / (1 + x + 0.48*x*x + 0.235*x*x*x)
	change := current - target
	temp := (velocity + omega*change) * dt
	velocity = (velocity - omega*temp) * decay
	out := target + (change+temp)*decay

	if (target-current > 0) == (out > target) {
		out = target
		velocity = (out - target) / dt
	}
	return out, velocity
}
