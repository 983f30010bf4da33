package reward_test

import (
	"math"
	"testing"

	"github.com/hixprotocol/hix/internal/domain/model"
	"github.com/hixprotocol/hix/internal/domain/reward"
	. "github.com/smartystreets/goconvey/convey"
)

func TestAccrual_Accrue(t *testing.T) {
	Convey("Given an accrual with a known base rate", t, func() {
		a := reward.New(reward.WithBaseRate(0.5), reward.WithMaxTier(3), reward.WithMaxTaskMultiplier(4), reward.WithBonus(2, 0.1))
		sample := model.MotionSample{Magnitude: 9.8}

		Convey("When every factor is in range", func() {
			st := model.SessionState{Tier: 2, TaskMultiplier: 1.5, Bonus: 1.2}
			delta, vectors := a.Accrue(sample, st)

			Convey("Then reward is the product of the factors", func() {
				So(delta, ShouldAlmostEqual, 0.5*2*1.5*1.2, 1e-12)
				So(vectors, ShouldEqual, uint64(1))
			})
		})

		Convey("When factors are out of range", func() {
			st := model.SessionState{Tier: 9, TaskMultiplier: 40, Bonus: 7}
			delta, _ := a.Accrue(sample, st)

			Convey("Then each is clamped to its maximum", func() {
				So(delta, ShouldAlmostEqual, 0.5*3*4*2, 1e-12)
			})
		})

		Convey("When factors are zero", func() {
			delta, vectors := a.Accrue(sample, model.SessionState{})

			Convey("Then each is clamped to one", func() {
				So(delta, ShouldAlmostEqual, 0.5, 1e-12)
				So(vectors, ShouldEqual, uint64(1))
			})
		})

		Convey("When called twice with the same inputs", func() {
			st := model.SessionState{Tier: 3, TaskMultiplier: 2, Bonus: 1.7}
			d1, _ := a.Accrue(sample, st)
			d2, _ := a.Accrue(sample, st)

			Convey("Then the results are identical", func() {
				So(d1, ShouldEqual, d2)
			})
		})
	})
}

func TestAccrual_Totals(t *testing.T) {
	Convey("Given N accepted samples with a bonus that grows along the way", t, func() {
		a := reward.New(reward.WithBaseRate(0.01), reward.WithBonus(2, 0.5))
		st := model.SessionState{Tier: 2, TaskMultiplier: 1, Bonus: 1}

		var total model.AccrualState
		expected := 0.0
		for i := 0; i < 100; i++ {
			if i%10 == 0 {
				st.Bonus = a.ApplyDistance(st.Bonus, 250)
			}
			delta, vectors := a.Accrue(model.MotionSample{}, st)
			total = total.Add(delta, vectors)
			expected += 0.01 * 2 * 1 * a.ClampBonus(st.Bonus)
		}

		Convey("Then vectors equal N and reward equals the per-sample sum", func() {
			So(total.VectorsCaptured, ShouldEqual, uint64(100))
			So(total.RewardEarned, ShouldAlmostEqual, expected, 1e-9)
		})
	})
}

func TestAccrual_ApplyDistance(t *testing.T) {
	Convey("Given an accrual with a bonus cap of 1.5 and 0.1 per km", t, func() {
		a := reward.New(reward.WithBonus(1.5, 0.1))

		Convey("When travelling 2 km", func() {
			So(a.ApplyDistance(1, 2000), ShouldAlmostEqual, 1.2, 1e-12)
		})

		Convey("When travelling far enough to pass the cap", func() {
			So(a.ApplyDistance(1.4, 50_000), ShouldEqual, 1.5)
		})

		Convey("When the distance signal is negative or invalid", func() {
			So(a.ApplyDistance(1.3, -500), ShouldEqual, 1.3)
			So(a.ApplyDistance(1.3, math.NaN()), ShouldEqual, 1.3)
		})
	})
}

func TestAccrual_TierFor(t *testing.T) {
	Convey("Given default tier limits", t, func() {
		a := reward.New()

		So(a.TierFor(reward.Capabilities{}), ShouldEqual, 1)
		So(a.TierFor(reward.Capabilities{Location: true}), ShouldEqual, 2)
		So(a.TierFor(reward.Capabilities{Location: true, Background: true}), ShouldEqual, 3)

		Convey("When the max tier is lower than the capability count", func() {
			capped := reward.New(reward.WithMaxTier(2))
			So(capped.TierFor(reward.Capabilities{Location: true, Background: true}), ShouldEqual, 2)
		})
	})
}
