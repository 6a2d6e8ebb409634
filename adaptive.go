package adaptivegc

import (
	"fmt"

	"github.com/docker/go-units"
)

// Trigger identifies which trigger fired the most recent cycle. The feedback
// loop uses it to decide which knob to turn when a cycle ends with an
// unusual amount of free memory.
type Trigger int

const (
	// TriggerOther covers threshold, learning, expedite, and guaranteed
	// triggers; none of them has a tunable to adjust.
	TriggerOther Trigger = iota
	// TriggerRate is the average-allocation-rate trigger.
	TriggerRate
	// TriggerSpike is the instantaneous-spike trigger.
	TriggerSpike
)

func (t Trigger) String() string {
	switch t {
	case TriggerOther:
		return "other"
	case TriggerRate:
		return "rate"
	case TriggerSpike:
		return "spike"
	}
	return fmt.Sprintf("trigger(%d)", int(t))
}

// Confidence bounds on the margin-of-error and spike-threshold adjustments,
// expressed in standard deviations. At minConfidence there is only a 25%
// chance the true value of an estimate lies within the interval; at
// maxConfidence, a one in a thousand chance that it lies outside.
const (
	minConfidence = 0.319
	maxConfidence = 3.291
)

// Penalties applied to both trigger parameters when a cycle degrades, in
// standard deviations.
const (
	fullPenaltySD        = 0.2
	degeneratedPenaltySD = 0.1
)

// Bounds on the post-cycle available-memory z-score within which no
// adjustment is made at all.
const (
	lowestExpectedAvailableAtEnd  = -0.5
	highestExpectedAvailableAtEnd = 0.5
)

// Adaptive is the adaptive heuristic of one generation. It decides when a
// concurrent cycle should start, selects the collection set, and retunes its
// own confidence intervals from cycle outcomes.
//
// All methods must be called from the collector's control thread; the
// heuristic performs no internal locking.
type Adaptive struct {
	heuristics

	marginOfErrorSD  float64
	spikeThresholdSD float64
	lastTrigger      Trigger

	allocationRate *allocationRate
	available      *decayedMovingAverage
}

// NewAdaptive creates the heuristic for one generation. Each generation owns
// exactly one instance.
func NewAdaptive(gen Generation, heap Heap, cfg Config) (*Adaptive, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid heuristic configuration: %w", err)
	}
	cfg = cfg.withDefaults()
	return &Adaptive{
		heuristics:       newHeuristics(gen, heap, cfg),
		marginOfErrorSD:  cfg.InitialConfidence,
		spikeThresholdSD: cfg.InitialSpikeThreshold,
		lastTrigger:      TriggerOther,
		allocationRate:   newAllocationRate(&cfg),
		available:        newDecayedMovingAverage(cfg.MovingAverageSamples, cfg.DecayFactor),
	}, nil
}

// RecordCycleStart marks the beginning of a concurrent cycle and resets the
// allocation counter snapshot, so subsequent rate samples measure
// within-cycle allocation only.
func (a *Adaptive) RecordCycleStart() {
	a.heuristics.recordCycleStart()
	a.allocationRate.allocationCounterReset()
}

// RecordCycleEnd marks the end of a cycle; the guaranteed-interval trigger
// measures idle time from this point.
func (a *Adaptive) RecordCycleEnd() {
	a.heuristics.recordCycleEnd()
}

// RecordSuccessConcurrent accounts a successfully completed concurrent cycle
// and feeds the outcome back into the trigger parameters.
func (a *Adaptive) RecordSuccessConcurrent(abbreviated bool) {
	a.heuristics.recordSuccessConcurrent(abbreviated)

	available := minUint64(a.gen.Available(), a.heap.FreeSet().Available())

	zScore := 0.0
	availableSD := a.available.sd()
	if availableSD > 0 {
		availableAvg := a.available.avg()
		zScore = (float64(available) - availableAvg) / availableSD
		a.log.Debugf("%s: available: %s, z-score=%.3f; average available: %s +/- %s",
			a.gen.Name(), humanBytes(float64(available)), zScore,
			humanBytes(availableAvg), humanBytes(availableSD))
	}

	a.available.add(float64(available))

	// A cycle that ends with an unusually small amount of available memory
	// makes the triggers more sensitive; an above-average outcome relaxes
	// them. The z-score is in no way statistically related to the trigger
	// parameters, but worse scores yield proportionally larger
	// adjustments, and a stable application stops adjusting altogether.
	if zScore < lowestExpectedAvailableAtEnd || zScore > highestExpectedAvailableAtEnd {
		// The sign is flipped because a negative z-score means
		// below-average availability, and positive adjustments make the
		// triggers more likely to fire. The 100 attenuates the
		// adjustment to an order of magnitude below the degenerated/full
		// penalties; it was chosen empirically.
		a.adjustLastTriggerParameters(zScore / -100)
	}
}

// RecordSuccessDegenerated accounts a cycle that had to degrade to
// stop-the-world. Either trigger should have fired earlier, so both are
// tightened.
func (a *Adaptive) RecordSuccessDegenerated() {
	a.heuristics.recordSuccessDegenerated()
	a.adjustMarginOfError(degeneratedPenaltySD)
	a.adjustSpikeThreshold(degeneratedPenaltySD)
}

// RecordSuccessFull accounts a full stop-the-world collection, the
// heuristic's failure mode. Both triggers are tightened harder than for a
// degenerated cycle.
func (a *Adaptive) RecordSuccessFull() {
	a.heuristics.recordSuccessFull()
	a.adjustMarginOfError(fullPenaltySD)
	a.adjustSpikeThreshold(fullPenaltySD)
}

// ShouldStartGC decides whether a concurrent cycle should start now.
func (a *Adaptive) ShouldStartGC() bool {
	capacity := a.gen.SoftMaxCapacity()
	available := a.gen.SoftAvailable()
	allocated := a.gen.BytesAllocatedSinceGCStart()

	a.log.Debugf("should start GC (%s)? available: %d, soft max capacity: %d, allocated: %d",
		a.gen.Name(), available, capacity, allocated)

	// The collector reserve may eat into what the mutator is allowed to
	// use. Decide against what is actually available to the mutator.
	if usable := a.heap.FreeSet().Available(); usable < available {
		a.log.Debugf("%s: usable (%s) is less than available (%s)",
			a.gen.Name(), humanBytes(float64(usable)), humanBytes(float64(available)))
		available = usable
	}

	// Track the allocation rate even if the cycle starts for another
	// reason.
	rate := a.allocationRate.sample(allocated)
	a.lastTrigger = TriggerOther

	// The old generation is kept as small as possible; depletion triggers
	// do not apply to it.
	if !a.gen.IsOld() {
		if a.depletionTrigger(capacity, available, rate) {
			return true
		}
		if a.heap.IsGenerational() && a.expediteTrigger() {
			return true
		}
	}
	return a.heuristics.shouldStartGC()
}

// depletionTrigger evaluates the free-pool triggers in order: minimum
// threshold, learning, average rate, spike. First match wins.
func (a *Adaptive) depletionTrigger(capacity, available uint64, rate float64) bool {
	minThreshold := a.minFreeThreshold()
	if available < minThreshold {
		a.log.Infof("Trigger (%s): Free (%s) is below minimum threshold (%s)",
			a.gen.Name(), humanBytes(float64(available)), humanBytes(float64(minThreshold)))
		return true
	}

	// Trigger eagerly while the cycle-time history is still being learned.
	if a.gcTimesLearned < a.cfg.LearningSteps {
		initThreshold := percentOf(capacity, a.cfg.InitFreeThreshold)
		if available < initThreshold {
			a.log.Infof("Trigger (%s): Learning %d of %d. Free (%s) is below initial threshold (%s)",
				a.gen.Name(), a.gcTimesLearned+1, a.cfg.LearningSteps,
				humanBytes(float64(available)), humanBytes(float64(initThreshold)))
			return true
		}
	}

	// Allocation headroom is what remains after setting aside room to
	// absorb allocation spikes and the accumulated degenerated/full GC
	// penalties.
	spikeHeadroom := percentOf(capacity, a.cfg.AllocSpikeFactor)
	penalties := percentOf(capacity, a.gcTimePenalties)

	headroom := available
	headroom = satSub(headroom, penalties)
	headroom = satSub(headroom, spikeHeadroom)

	avgCycleTime := a.cycleTimeHistory.davg() + a.marginOfErrorSD*a.cycleTimeHistory.dsd()
	avgAllocRate := a.allocationRate.upperBound(a.marginOfErrorSD)
	a.log.Debugf("%s: average GC time: %.2f ms, allocation rate: %s/s",
		a.gen.Name(), avgCycleTime*1000, humanBytes(avgAllocRate))

	if avgAllocRate > 0 && avgCycleTime > float64(headroom)/avgAllocRate {
		a.log.Infof("Trigger (%s): Average GC time (%.2f ms) is above the time for average allocation rate (%s/s)"+
			" to deplete free headroom (%s) (margin of error = %.2f)",
			a.gen.Name(), avgCycleTime*1000, humanBytes(avgAllocRate),
			humanBytes(float64(headroom)), a.marginOfErrorSD)
		a.log.Infof("Free headroom: %s (free) - %s (spike) - %s (penalties) = %s",
			humanBytes(float64(available)), humanBytes(float64(spikeHeadroom)),
			humanBytes(float64(penalties)), humanBytes(float64(headroom)))
		a.lastTrigger = TriggerRate
		return true
	}

	if a.allocationRate.isSpiking(rate, a.spikeThresholdSD) && avgCycleTime > float64(headroom)/rate {
		a.log.Infof("Trigger (%s): Average GC time (%.2f ms) is above the time for instantaneous allocation rate (%s/s)"+
			" to deplete free headroom (%s) (spike threshold = %.2f)",
			a.gen.Name(), avgCycleTime*1000, humanBytes(rate),
			humanBytes(float64(headroom)), a.spikeThresholdSD)
		a.lastTrigger = TriggerSpike
		return true
	}

	return false
}

// expediteTrigger starts a cycle early to drain generational work:
// promotions and mixed evacuations sometimes take significantly longer than
// plain young cycles, so they are started as soon as the work exists.
func (a *Adaptive) expediteTrigger() bool {
	heapCapacity := a.heap.MaxCapacity()
	if promo := a.heap.PromotionPotential(); promo > 0 {
		assertf(a.log, promo < heapCapacity, "promotion potential %d exceeds heap capacity %d", promo, heapCapacity)
		a.log.Infof("Trigger (%s): expedite promotion of %s", a.gen.Name(), humanBytes(float64(promo)))
		return true
	}
	if promoInPlace := a.heap.PromotionInPlacePotential(); promoInPlace > 0 {
		assertf(a.log, promoInPlace < heapCapacity, "promotion-in-place potential %d exceeds heap capacity %d", promoInPlace, heapCapacity)
		a.log.Infof("Trigger (%s): expedite promotion in place of %s", a.gen.Name(), humanBytes(float64(promoInPlace)))
		return true
	}
	if mixed := a.heap.OldHeuristics().UnprocessedOldCollectionCandidates(); mixed > 0 {
		// Young GC opens up free regions needed to finish mixed
		// evacuations.
		a.log.Infof("Trigger (%s): expedite mixed evacuation of %d regions", a.gen.Name(), mixed)
		return true
	}
	return false
}

// AllocationRunway returns a conservative estimate of how many bytes the
// mutator may still allocate before any trigger would fire. The estimate
// accounts for memory that the upcoming evacuation is projected to return to
// the young generation (youngRegionsToBeReclaimed regions' worth).
//
// Only meaningful for the young-generation heuristic.
func (a *Adaptive) AllocationRunway(youngRegionsToBeReclaimed uint64) uint64 {
	assertf(a.log, a.gen.IsYoung(), "allocation runway requested for %s generation", a.gen.Name())

	capacity := a.gen.SoftMaxCapacity()
	usage := a.gen.Used()
	available := satSub(capacity, usage)
	allocated := a.gen.BytesAllocatedSinceGCStart()

	youngCollected := a.heap.CollectionSet().YoungAvailableBytesCollected()
	anticipatedAvailable := satSub(available+youngRegionsToBeReclaimed*a.cfg.RegionSizeBytes, youngCollected)

	spikeHeadroom := percentOf(capacity, a.cfg.AllocSpikeFactor)
	penalties := percentOf(capacity, a.gcTimePenalties)

	rate := a.allocationRate.sample(allocated)

	// The triggers fire when headroom (available minus penalties and spike
	// headroom) is below the expected cycle consumption, so the slack
	// against each trigger is what remains of anticipated availability
	// after budgeting cycle consumption plus both reserves.
	avgCycleTime := a.cycleTimeHistory.davg() + a.marginOfErrorSD*a.cycleTimeHistory.dsd()
	avgAllocRate := a.allocationRate.upperBound(a.marginOfErrorSD)

	budget := func(r float64) float64 {
		return avgCycleTime*r + float64(penalties) + float64(spikeHeadroom)
	}

	var evacSlackAvg uint64
	if fa := float64(anticipatedAvailable); fa > budget(avgAllocRate) {
		evacSlackAvg = uint64(fa - budget(avgAllocRate))
	}

	evacSlackSpiking := evacSlackAvg
	if a.allocationRate.isSpiking(rate, a.spikeThresholdSD) {
		if fa := float64(anticipatedAvailable); fa > budget(rate) {
			evacSlackSpiking = uint64(fa - budget(rate))
		} else {
			evacSlackSpiking = 0
		}
	}

	evacMinThreshold := satSub(anticipatedAvailable, a.minFreeThreshold())

	return minUint64(minUint64(evacSlackSpiking, evacSlackAvg), evacMinThreshold)
}

// adjustLastTriggerParameters turns the knob behind whichever trigger fired
// last. Positive amounts increase sensitivity.
func (a *Adaptive) adjustLastTriggerParameters(amount float64) {
	switch a.lastTrigger {
	case TriggerRate:
		a.adjustMarginOfError(amount)
	case TriggerSpike:
		a.adjustSpikeThreshold(amount)
	case TriggerOther:
		// nothing to adjust here.
	}
}

func (a *Adaptive) adjustMarginOfError(amount float64) {
	a.marginOfErrorSD = saturate(a.marginOfErrorSD+amount, minConfidence, maxConfidence)
	a.log.Debugf("Margin of error now %.2f", a.marginOfErrorSD)
}

// adjustSpikeThreshold subtracts the amount: a lower spike threshold is a
// more sensitive spike trigger, so the sign is the opposite of
// adjustMarginOfError.
func (a *Adaptive) adjustSpikeThreshold(amount float64) {
	a.spikeThresholdSD = saturate(a.spikeThresholdSD-amount, minConfidence, maxConfidence)
	a.log.Debugf("Spike threshold now: %.2f", a.spikeThresholdSD)
}

func saturate(value, min, max float64) float64 {
	if value > max {
		return max
	}
	if value < min {
		return min
	}
	return value
}

func humanBytes(v float64) string {
	return units.BytesSize(v)
}

// assertionsEnabled turns programmer-invariant violations into panics.
// Release builds leave it off; the test suite flips it on. Violations are
// logged either way.
var assertionsEnabled = false

func assertf(log Logger, cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	log.Warnf(format, args...)
	if assertionsEnabled {
		panic(fmt.Sprintf(format, args...))
	}
}
