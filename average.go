package adaptivegc

import (
	"math"

	"github.com/montanaflynn/stats"
)

// decayedMovingAverage keeps two views over a stream of samples: plain
// population statistics over a bounded window of the most recent samples, and
// exponentially decayed statistics over the whole stream, where the decay
// factor is the weight given to history on each add.
//
// Adding a sample is O(1); the windowed queries delegate to the stats
// package over the current window.
type decayedMovingAverage struct {
	window []float64
	next   int
	count  int

	alpha float64
	dmean float64
	dvar  float64
}

func newDecayedMovingAverage(windowSize int, decayFactor float64) *decayedMovingAverage {
	return &decayedMovingAverage{
		window: make([]float64, windowSize),
		alpha:  decayFactor,
	}
}

// add appends a sample, updating the decayed statistics and the window.
func (d *decayedMovingAverage) add(v float64) {
	if d.count == 0 {
		d.dmean = v
		d.dvar = 0
	} else {
		d.dmean = (1-d.alpha)*v + d.alpha*d.dmean
		diff := v - d.dmean
		d.dvar = (1-d.alpha)*diff*diff + d.alpha*d.dvar
	}

	d.window[d.next] = v
	d.next = (d.next + 1) % len(d.window)
	d.count++
}

// samples returns the current window contents. The order is not meaningful
// to the statistics computed over it.
func (d *decayedMovingAverage) samples() []float64 {
	if d.count >= len(d.window) {
		return d.window
	}
	return d.window[:d.count]
}

// avg is the arithmetic mean over the current window.
func (d *decayedMovingAverage) avg() float64 {
	if d.count == 0 {
		return 0
	}
	mean, err := stats.Mean(d.samples())
	if err != nil {
		return 0
	}
	return mean
}

// sd is the population standard deviation over the current window.
func (d *decayedMovingAverage) sd() float64 {
	if d.count <= 1 {
		return 0
	}
	sd, err := stats.StdDevP(d.samples())
	if err != nil {
		return 0
	}
	return sd
}

// davg is the decayed mean over all samples ever added.
func (d *decayedMovingAverage) davg() float64 {
	return d.dmean
}

// dsd is the decayed standard deviation over all samples ever added.
func (d *decayedMovingAverage) dsd() float64 {
	if d.count <= 1 {
		return 0
	}
	return math.Sqrt(d.dvar)
}
