package adaptivegc

import (
	"time"

	"github.com/benbjohnson/clock"
)

// allocationRate estimates the mutator's sustained allocation rate from
// periodic samples of a monotonic allocated-bytes counter.
//
// Two moving averages are maintained: one over the instantaneous rate
// samples, and one over the running average of those samples. The latter is
// the statistic behind upperBound; the standard deviation of the running
// average is far more stable across allocation bursts than the deviation of
// the raw samples, and it is tied to the statistic actually consumed
// downstream (expected consumption over a whole cycle).
type allocationRate struct {
	clk clock.Clock

	lastSampleTime  time.Time
	lastSampleValue uint64
	interval        time.Duration

	rate    *decayedMovingAverage
	rateAvg *decayedMovingAverage
}

func newAllocationRate(cfg *Config) *allocationRate {
	windowSize := cfg.SampleSizeSeconds * cfg.SampleFrequencyHz
	return &allocationRate{
		clk:            cfg.Clock,
		lastSampleTime: cfg.Clock.Now(),
		interval:       time.Second / time.Duration(cfg.SampleFrequencyHz),
		rate:           newDecayedMovingAverage(windowSize, cfg.DecayFactor),
		rateAvg:        newDecayedMovingAverage(windowSize, cfg.DecayFactor),
	}
}

// sample records the current value of the allocated-bytes counter and returns
// the instantaneous allocation rate in bytes per second, or 0 if no sample
// was taken. Samples arriving within the sampling interval are dropped
// without touching any state. A counter that moved backwards (a racy read
// across a cycle boundary) advances the snapshot but contributes no sample.
func (a *allocationRate) sample(allocated uint64) float64 {
	now := a.clk.Now()
	var rate float64
	if now.Sub(a.lastSampleTime) > a.interval {
		if allocated >= a.lastSampleValue {
			rate = a.instantaneousRate(now, allocated)
			a.rate.add(rate)
			a.rateAvg.add(a.rate.avg())
		}

		a.lastSampleTime = now
		a.lastSampleValue = allocated
	}
	return rate
}

// upperBound returns the upper confidence bound on the sustained allocation
// rate, sds standard deviations above the decayed average.
func (a *allocationRate) upperBound(sds float64) float64 {
	return a.rate.davg() + sds*a.rateAvg.dsd()
}

// isSpiking reports whether rate is a statistical outlier against the sample
// window, measured in standard deviations.
func (a *allocationRate) isSpiking(rate, threshold float64) bool {
	if rate <= 0 {
		return false
	}

	sd := a.rate.sd()
	if sd > 0 {
		// There is a small chance that the rate has already been sampled,
		// but it seems not to matter in practice.
		zScore := (rate - a.rate.avg()) / sd
		if zScore > threshold {
			return true
		}
	}
	return false
}

// allocationCounterReset snapshots the current time against a zeroed
// counter. Called at cycle start so that subsequent samples measure
// within-cycle allocation only.
func (a *allocationRate) allocationCounterReset() {
	a.lastSampleTime = a.clk.Now()
	a.lastSampleValue = 0
}

func (a *allocationRate) instantaneousRate(now time.Time, allocated uint64) float64 {
	var delta uint64
	if allocated > a.lastSampleValue {
		delta = allocated - a.lastSampleValue
	}
	elapsed := now.Sub(a.lastSampleTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(delta) / elapsed
}
