// Package schedule computes the learning rate for a given optimizer step.
// Every function here is pure so a resumed run reproduces the same rates.
package schedule

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// Policy selects the post-warmup decay curve.
type Policy int

const (
	Poly Policy = iota
	Cosine
)

func (p Policy) String() string {
	switch p {
	case Poly:
		return "poly"
	case Cosine:
		return "cos"
	default:
		return "unknown"
	}
}

// ParsePolicy accepts "poly", "cos" or "cosine".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "poly", "":
		return Poly, nil
	case "cos", "cosine":
		return Cosine, nil
	}
	return Poly, errors.Errorf("schedule: unknown decay method %q", s)
}

// RateAt is the learning rate for update number step (0-based). It ramps
// linearly from zero over warmupSteps and then decays toward
// baseRate*minRatio over the remaining totalSteps-warmupSteps updates.
func RateAt(step, totalSteps, warmupSteps int, baseRate, minRatio float64, policy Policy) float64 {
	return Schedule{
		BaseRate:    baseRate,
		MinRatio:    minRatio,
		WarmupSteps: warmupSteps,
		TotalSteps:  totalSteps,
		Policy:      policy,
	}.Rate(step)
}

// Schedule bundles the schedule inputs that stay fixed for a run.
type Schedule struct {
	BaseRate    float64
	MinRatio    float64
	WarmupSteps int
	TotalSteps  int
	Policy      Policy
	// Power is the polynomial exponent for Poly; zero means 1.
	Power float64
}

// Rate returns the learning rate for update step.
func (s Schedule) Rate(step int) float64 {
	if step < 0 {
		step = 0
	}
	if step < s.WarmupSteps {
		return s.BaseRate * float64(step) / float64(s.WarmupSteps)
	}
	floor := s.BaseRate * s.MinRatio
	decaySteps := float64(s.TotalSteps - s.WarmupSteps)
	progress := float64(step - s.WarmupSteps)
	if decaySteps <= 0 || progress >= decaySteps {
		return floor
	}

	switch s.Policy {
	case Cosine:
		alpha := s.MinRatio
		cos := 0.5 * (1 + math.Cos(math.Pi*progress/decaySteps))
		return s.BaseRate * ((1-alpha)*cos + alpha)
	default:
		power := s.Power
		if power == 0 {
			power = 1
		}
		return (s.BaseRate-floor)*math.Pow(1-progress/decaySteps, power) + floor
	}
}
