package adaptivegc

import (
	"time"

	"github.com/benbjohnson/clock"
)

// GC-time penalties, in percent of capacity. A degenerated or full GC
// inflates the penalty, shrinking the allocation headroom of future trigger
// decisions; every successful concurrent cycle pays one point back.
const (
	concurrentAdjust   = 1
	degeneratedPenalty = 10
	fullPenalty        = 20
	maxPenalty         = 100
)

// heuristics is the base heuristic state shared by every generation's
// heuristic: cycle timing, the decayed cycle-time history, the learning
// counter, and the GC-time penalty ledger.
type heuristics struct {
	gen  Generation
	heap Heap
	cfg  Config
	clk  clock.Clock
	log  Logger

	cycleStart   time.Time
	lastCycleEnd time.Time

	gcTimesLearned  int
	gcTimePenalties int

	cycleTimeHistory *decayedMovingAverage
}

func newHeuristics(gen Generation, heap Heap, cfg Config) heuristics {
	now := cfg.Clock.Now()
	return heuristics{
		gen:              gen,
		heap:             heap,
		cfg:              cfg,
		clk:              cfg.Clock,
		log:              cfg.Logger,
		cycleStart:       now,
		lastCycleEnd:     now,
		cycleTimeHistory: newDecayedMovingAverage(cfg.MovingAverageSamples, cfg.DecayFactor),
	}
}

func (h *heuristics) recordCycleStart() {
	h.cycleStart = h.clk.Now()
}

func (h *heuristics) recordCycleEnd() {
	h.lastCycleEnd = h.clk.Now()
}

// recordSuccessConcurrent accounts a successful concurrent cycle. An
// abbreviated cycle still counts towards learning and pays back penalty, but
// its duration is not representative and stays out of the cycle-time
// history.
func (h *heuristics) recordSuccessConcurrent(abbreviated bool) {
	if !abbreviated {
		h.cycleTimeHistory.add(h.elapsedCycleTime())
	}
	h.gcTimesLearned++
	h.adjustPenalty(-concurrentAdjust)
}

func (h *heuristics) recordSuccessDegenerated() {
	h.adjustPenalty(degeneratedPenalty)
}

func (h *heuristics) recordSuccessFull() {
	h.adjustPenalty(fullPenalty)
}

func (h *heuristics) adjustPenalty(step int) {
	p := h.gcTimePenalties + step
	if p < 0 {
		p = 0
	}
	if p > maxPenalty {
		p = maxPenalty
	}
	h.gcTimePenalties = p
}

// elapsedCycleTime is the duration of the cycle in flight, in seconds.
func (h *heuristics) elapsedCycleTime() float64 {
	return h.clk.Since(h.cycleStart).Seconds()
}

// shouldStartGC is the fallback trigger: start a cycle when the guaranteed
// interval has elapsed since the previous one ended.
func (h *heuristics) shouldStartGC() bool {
	if h.cfg.GuaranteedGCInterval <= 0 {
		return false
	}
	if idle := h.clk.Since(h.lastCycleEnd); idle > h.cfg.GuaranteedGCInterval {
		h.log.Infof("Trigger (%s): time since last GC (%s) is above the guaranteed interval (%s)",
			h.gen.Name(), idle, h.cfg.GuaranteedGCInterval)
		return true
	}
	return false
}

func (h *heuristics) minFreeThreshold() uint64 {
	return percentOf(h.gen.SoftMaxCapacity(), h.cfg.MinFreeThreshold)
}

// percentOf computes pct% of total, multiplying before dividing to keep
// precision on byte quantities.
func percentOf(total uint64, pct int) uint64 {
	return total * uint64(pct) / 100
}

// satSub clamps unsigned subtraction at zero.
func satSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
