// Package reward computes the locally-accrued reward for accepted samples.
//
// Reward is locked in at capture time: the tier, task multiplier and bonus in
// effect when a sample is accepted are the ones that count, whatever happens
// to the upload.
package reward

import (
	"math"

	"github.com/hixprotocol/hix/internal/domain/model"
)

// Default accrual configuration constants.
const (
	defaultBaseRate          = 0.0001
	defaultMaxTier           = 3
	defaultMaxTaskMultiplier = 5.0
	defaultMaxBonus          = 2.0
	defaultBonusPerKm        = 0.1
	minFactor                = 1.0
	metersPerKm              = 1000.0
)

// Option applies a configuration option to the Accrual.
type Option func(*Accrual)

// WithBaseRate sets the reward for one vector at unit multipliers.
func WithBaseRate(rate float64) Option {
	return func(a *Accrual) {
		if rate > 0 {
			a.baseRate = rate
		}
	}
}

// WithMaxTier sets the highest tier.
func WithMaxTier(tier int) Option {
	return func(a *Accrual) {
		if tier >= 1 {
			a.maxTier = tier
		}
	}
}

// WithMaxTaskMultiplier caps the task multiplier.
func WithMaxTaskMultiplier(m float64) Option {
	return func(a *Accrual) {
		if m >= minFactor {
			a.maxTaskMultiplier = m
		}
	}
}

// WithBonus sets the bonus cap and how much each kilometre travelled adds.
func WithBonus(maxBonus, perKm float64) Option {
	return func(a *Accrual) {
		if maxBonus >= minFactor {
			a.maxBonus = maxBonus
		}
		if perKm >= 0 {
			a.bonusPerKm = perKm
		}
	}
}

// Capabilities are the device permissions that raise the tier.
type Capabilities struct {
	Location   bool
	Background bool
}

// Accrual computes per-sample reward. It holds configuration only and is safe
// for concurrent use.
type Accrual struct {
	baseRate          float64
	maxTier           int
	maxTaskMultiplier float64
	maxBonus          float64
	bonusPerKm        float64
}

// New creates an Accrual with configuration options.
func New(opts ...Option) *Accrual {
	a := &Accrual{
		baseRate:          defaultBaseRate,
		maxTier:           defaultMaxTier,
		maxTaskMultiplier: defaultMaxTaskMultiplier,
		maxBonus:          defaultMaxBonus,
		bonusPerKm:        defaultBonusPerKm,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Accrue returns the reward and vector increments for one accepted sample.
// The vector increment is always 1.
func (a *Accrual) Accrue(_ model.MotionSample, st model.SessionState) (float64, uint64) {
	tier := float64(a.ClampTier(st.Tier))
	task := clamp(st.TaskMultiplier, minFactor, a.maxTaskMultiplier)
	bonus := a.ClampBonus(st.Bonus)
	return a.baseRate * tier * task * bonus, 1
}

// TierFor derives the tier from granted capabilities, starting at 1.
func (a *Accrual) TierFor(c Capabilities) int {
	tier := 1
	if c.Location {
		tier++
	}
	if c.Background {
		tier++
	}
	return a.ClampTier(tier)
}

// ClampTier bounds tier to [1, maxTier].
func (a *Accrual) ClampTier(tier int) int {
	switch {
	case tier < 1:
		return 1
	case tier > a.maxTier:
		return a.maxTier
	}
	return tier
}

// ClampTaskMultiplier bounds m to [1, maxTaskMultiplier].
func (a *Accrual) ClampTaskMultiplier(m float64) float64 {
	return clamp(m, minFactor, a.maxTaskMultiplier)
}

// ClampBonus bounds bonus to [1, maxBonus].
func (a *Accrual) ClampBonus(bonus float64) float64 {
	return clamp(bonus, minFactor, a.maxBonus)
}

// ApplyDistance returns the bonus after travelling meters. The bonus never
// decreases and never exceeds the cap.
func (a *Accrual) ApplyDistance(bonus, meters float64) float64 {
	bonus = a.ClampBonus(bonus)
	if meters <= 0 || math.IsNaN(meters) || math.IsInf(meters, 0) {
		return bonus
	}
	return a.ClampBonus(bonus + meters/metersPerKm*a.bonusPerKm)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
