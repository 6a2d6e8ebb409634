package adaptivegc

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func init() {
	assertionsEnabled = true
}

const mib = uint64(1) << 20

// test collaborators.

type testGeneration struct {
	name               string
	young, old, global bool
	available          uint64
	softAvailable      uint64
	softMaxCapacity    uint64
	maxCapacity        uint64
	used               uint64
	allocatedSinceGC   uint64
}

func (g *testGeneration) Name() string                       { return g.name }
func (g *testGeneration) IsYoung() bool                      { return g.young }
func (g *testGeneration) IsOld() bool                        { return g.old }
func (g *testGeneration) IsGlobal() bool                     { return g.global }
func (g *testGeneration) Available() uint64                  { return g.available }
func (g *testGeneration) SoftAvailable() uint64              { return g.softAvailable }
func (g *testGeneration) SoftMaxCapacity() uint64            { return g.softMaxCapacity }
func (g *testGeneration) MaxCapacity() uint64                { return g.maxCapacity }
func (g *testGeneration) Used() uint64                       { return g.used }
func (g *testGeneration) BytesAllocatedSinceGCStart() uint64 { return g.allocatedSinceGC }

type testFreeSet struct{ available uint64 }

func (f *testFreeSet) Available() uint64 { return f.available }

type testOldHeuristics struct{ candidates int }

func (o *testOldHeuristics) UnprocessedOldCollectionCandidates() int { return o.candidates }

type testCollectionSet struct {
	preselected map[int]bool

	added               []Region
	youngAvailCollected uint64
	youngLive, oldLive  uint64
	promoted            uint64
}

func (c *testCollectionSet) AddRegion(r Region) {
	c.added = append(c.added, r)
	if r.IsOld() {
		c.oldLive += r.LiveDataBytes()
	} else {
		c.youngLive += r.LiveDataBytes()
	}
}

func (c *testCollectionSet) IsPreselected(index int) bool { return c.preselected[index] }

func (c *testCollectionSet) YoungAvailableBytesCollected() uint64    { return c.youngAvailCollected }
func (c *testCollectionSet) OldBytesReservedForEvacuation() uint64   { return c.oldLive }
func (c *testCollectionSet) YoungBytesToBePromoted() uint64          { return c.promoted }
func (c *testCollectionSet) YoungBytesReservedForEvacuation() uint64 { return c.youngLive }

func (c *testCollectionSet) indices() []int {
	out := make([]int, 0, len(c.added))
	for _, r := range c.added {
		out = append(out, r.Index())
	}
	return out
}

type testRegion struct {
	index, age    int
	old           bool
	live, garbage uint64
}

func (r *testRegion) Index() int            { return r.index }
func (r *testRegion) Age() int              { return r.age }
func (r *testRegion) IsYoung() bool         { return !r.old }
func (r *testRegion) IsOld() bool           { return r.old }
func (r *testRegion) Garbage() uint64       { return r.garbage }
func (r *testRegion) LiveDataBytes() uint64 { return r.live }
func (r *testRegion) Used() uint64          { return r.live + r.garbage }

type testHeap struct {
	generational bool
	maxCapacity  uint64

	freeSet *testFreeSet
	cset    *testCollectionSet
	young   *testGeneration
	oldGen  *testGeneration
	oldH    *testOldHeuristics

	youngEvacReserve, oldEvacReserve uint64
	promo, promoInPlace              uint64
}

func (h *testHeap) IsGenerational() bool              { return h.generational }
func (h *testHeap) MaxCapacity() uint64               { return h.maxCapacity }
func (h *testHeap) FreeSet() FreeSet                  { return h.freeSet }
func (h *testHeap) CollectionSet() CollectionSet      { return h.cset }
func (h *testHeap) YoungGeneration() Generation       { return h.young }
func (h *testHeap) OldGeneration() Generation         { return h.oldGen }
func (h *testHeap) YoungEvacReserve() uint64          { return h.youngEvacReserve }
func (h *testHeap) OldEvacReserve() uint64            { return h.oldEvacReserve }
func (h *testHeap) PromotionPotential() uint64        { return h.promo }
func (h *testHeap) PromotionInPlacePotential() uint64 { return h.promoInPlace }
func (h *testHeap) OldHeuristics() OldHeuristics      { return h.oldH }

// newTestSetup wires a young generation of 1 GiB soft capacity into a
// non-generational heap with a matching free set.
func newTestSetup() (*testGeneration, *testHeap) {
	gen := &testGeneration{
		name:            "young",
		young:           true,
		available:       600 * mib,
		softAvailable:   600 * mib,
		softMaxCapacity: 1024 * mib,
		maxCapacity:     1024 * mib,
	}
	heap := &testHeap{
		maxCapacity: 1024 * mib,
		freeSet:     &testFreeSet{available: 600 * mib},
		cset:        &testCollectionSet{preselected: map[int]bool{}},
		young:       gen,
		oldGen:      &testGeneration{name: "old", old: true},
		oldH:        &testOldHeuristics{},
	}
	return gen, heap
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.EvacReserve = 6
	cfg.EvacWaste = 1.0
	cfg.GuaranteedGCInterval = 0
	return cfg
}

func newTestAdaptive(t *testing.T, cfg Config, gen *testGeneration, heap *testHeap) (*Adaptive, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	cfg.Clock = clk
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	a, err := NewAdaptive(gen, heap, cfg)
	require.NoError(t, err)
	return a, clk
}

// seedRate pushes constant-rate samples through the estimator, one per
// second, returning the final counter value.
func seedRate(a *Adaptive, clk *clock.Mock, counter uint64, bytesPerSec uint64, n int) uint64 {
	for i := 0; i < n; i++ {
		clk.Add(time.Second)
		counter += bytesPerSec
		a.allocationRate.sample(counter)
	}
	return counter
}

func TestNewAdaptiveValidatesConfig(t *testing.T) {
	gen, heap := newTestSetup()

	cfg := testConfig()
	cfg.DecayFactor = 0
	_, err := NewAdaptive(gen, heap, cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.RegionSizeBytes = 0
	_, err = NewAdaptive(gen, heap, cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.EvacWaste = 0.5
	_, err = NewAdaptive(gen, heap, cfg)
	require.Error(t, err)
}

func TestTriggerMinimumThreshold(t *testing.T) {
	gen, heap := newTestSetup()
	a, _ := newTestAdaptive(t, testConfig(), gen, heap)

	// min threshold at 10% of 1 GiB is 102.4 MiB.
	gen.softAvailable = 50 * mib
	heap.freeSet.available = 50 * mib

	require.True(t, a.ShouldStartGC())
	require.Equal(t, TriggerOther, a.lastTrigger)
}

// The minimum threshold outranks every other trigger state.
func TestTriggerPrecedence(t *testing.T) {
	gen, heap := newTestSetup()
	a, clk := newTestAdaptive(t, testConfig(), gen, heap)

	a.gcTimesLearned = a.cfg.LearningSteps
	for i := 0; i < 3; i++ {
		a.cycleTimeHistory.add(0.5)
	}
	counter := seedRate(a, clk, 0, 900*mib, 8)
	gen.allocatedSinceGC = counter

	gen.softAvailable = 50 * mib
	heap.freeSet.available = 50 * mib

	require.True(t, a.ShouldStartGC())
	require.Equal(t, TriggerOther, a.lastTrigger)
}

func TestTriggerLearning(t *testing.T) {
	gen, heap := newTestSetup()
	a, _ := newTestAdaptive(t, testConfig(), gen, heap)

	// fresh heuristic; 600 MiB free is below the 70% init threshold
	// (716.8 MiB) but above the minimum threshold.
	require.Equal(t, 0, a.gcTimesLearned)
	require.True(t, a.ShouldStartGC())
	require.Equal(t, TriggerOther, a.lastTrigger)

	// once learning completes, the same state does not trigger.
	a.gcTimesLearned = a.cfg.LearningSteps
	require.False(t, a.ShouldStartGC())
}

func TestTriggerUsableBelowAvailable(t *testing.T) {
	gen, heap := newTestSetup()
	a, _ := newTestAdaptive(t, testConfig(), gen, heap)
	a.gcTimesLearned = a.cfg.LearningSteps

	// the generation claims plenty, but the free set says the mutator can
	// only use 50 MiB; the collector reserve must not mask the trigger.
	gen.softAvailable = 600 * mib
	heap.freeSet.available = 50 * mib

	require.True(t, a.ShouldStartGC())
	require.Equal(t, TriggerOther, a.lastTrigger)
}

func TestTriggerAverageRate(t *testing.T) {
	gen, heap := newTestSetup()
	a, clk := newTestAdaptive(t, testConfig(), gen, heap)
	a.gcTimesLearned = a.cfg.LearningSteps
	a.marginOfErrorSD = 1.0

	// constant cycle time of 0.5 s; dsd stays 0.
	for i := 0; i < 3; i++ {
		a.cycleTimeHistory.add(0.5)
	}

	// steady 200 MiB/s allocation rate. With 200 MiB free, headroom is
	// 200 - 51.2 (spike) = 148.8 MiB; expected consumption is 0.5 s *
	// 200 MiB/s = 100 MiB: no trigger.
	counter := seedRate(a, clk, 0, 200*mib, 5)
	gen.allocatedSinceGC = counter
	gen.softAvailable = 200 * mib
	heap.freeSet.available = 200 * mib

	require.False(t, a.ShouldStartGC())
	require.Equal(t, TriggerOther, a.lastTrigger)

	// the workload shifts to 400 MiB/s sustained; expected consumption
	// (~200 MiB) overruns the headroom.
	counter = seedRate(a, clk, counter, 400*mib, 10)
	gen.allocatedSinceGC = counter

	require.True(t, a.ShouldStartGC())
	require.Equal(t, TriggerRate, a.lastTrigger)
}

func TestTriggerSpike(t *testing.T) {
	gen, heap := newTestSetup()
	a, clk := newTestAdaptive(t, testConfig(), gen, heap)
	a.gcTimesLearned = a.cfg.LearningSteps
	a.marginOfErrorSD = 1.0
	a.spikeThresholdSD = 2.0

	for i := 0; i < 3; i++ {
		a.cycleTimeHistory.add(0.5)
	}

	// alternating 150/250 MiB/s samples: average 200 MiB/s with enough
	// deviation for the spike z-score to be meaningful.
	var counter uint64
	for i := 0; i < 4; i++ {
		counter = seedRate(a, clk, counter, 150*mib, 1)
		counter = seedRate(a, clk, counter, 250*mib, 1)
	}

	// 380 MiB free leaves 328.8 MiB headroom: the average rate cannot
	// deplete it within a cycle, but an 800 MiB/s burst can.
	gen.softAvailable = 380 * mib
	heap.freeSet.available = 380 * mib
	clk.Add(time.Second)
	gen.allocatedSinceGC = counter + 800*mib

	require.True(t, a.ShouldStartGC())
	require.Equal(t, TriggerSpike, a.lastTrigger)
}

func TestTriggerOldGenerationSkipsDepletion(t *testing.T) {
	gen, heap := newTestSetup()
	gen.name = "old"
	gen.young = false
	gen.old = true
	a, _ := newTestAdaptive(t, testConfig(), gen, heap)

	// free is way below every threshold, but the old generation is not
	// driven by free-pool pressure.
	gen.softAvailable = 10 * mib
	heap.freeSet.available = 10 * mib

	require.False(t, a.ShouldStartGC())
}

func TestTriggerGuaranteedInterval(t *testing.T) {
	gen, heap := newTestSetup()
	cfg := testConfig()
	cfg.GuaranteedGCInterval = time.Minute
	a, clk := newTestAdaptive(t, cfg, gen, heap)
	a.gcTimesLearned = a.cfg.LearningSteps

	gen.softAvailable = 900 * mib
	heap.freeSet.available = 900 * mib

	require.False(t, a.ShouldStartGC())

	clk.Add(2 * time.Minute)
	require.True(t, a.ShouldStartGC())
	require.Equal(t, TriggerOther, a.lastTrigger)
}

func TestTriggerExpeditePromotion(t *testing.T) {
	gen, heap := newTestSetup()
	heap.generational = true
	a, _ := newTestAdaptive(t, testConfig(), gen, heap)
	a.gcTimesLearned = a.cfg.LearningSteps

	gen.softAvailable = 900 * mib
	heap.freeSet.available = 900 * mib

	require.False(t, a.ShouldStartGC())

	heap.promo = 10 * mib
	require.True(t, a.ShouldStartGC())
	require.Equal(t, TriggerOther, a.lastTrigger)

	heap.promo = 0
	heap.promoInPlace = 10 * mib
	require.True(t, a.ShouldStartGC())
	require.Equal(t, TriggerOther, a.lastTrigger)

	heap.promoInPlace = 0
	heap.oldH.candidates = 3
	require.True(t, a.ShouldStartGC())
	require.Equal(t, TriggerOther, a.lastTrigger)

	heap.oldH.candidates = 0
	require.False(t, a.ShouldStartGC())
}

func TestAdjustmentsSaturate(t *testing.T) {
	gen, heap := newTestSetup()
	a, _ := newTestAdaptive(t, testConfig(), gen, heap)

	a.adjustMarginOfError(100)
	require.Equal(t, maxConfidence, a.marginOfErrorSD)
	a.adjustMarginOfError(-100)
	require.Equal(t, minConfidence, a.marginOfErrorSD)

	a.adjustSpikeThreshold(100)
	require.Equal(t, minConfidence, a.spikeThresholdSD)
	a.adjustSpikeThreshold(-100)
	require.Equal(t, maxConfidence, a.spikeThresholdSD)
}

// Positive adjustments raise the margin of error and lower the spike
// threshold: both make their trigger more sensitive.
func TestAdjustmentSigns(t *testing.T) {
	gen, heap := newTestSetup()
	a, _ := newTestAdaptive(t, testConfig(), gen, heap)

	a.marginOfErrorSD = 1.0
	a.spikeThresholdSD = 2.0

	a.adjustMarginOfError(0.1)
	require.InDelta(t, 1.1, a.marginOfErrorSD, 1e-9)

	a.adjustSpikeThreshold(0.1)
	require.InDelta(t, 1.9, a.spikeThresholdSD, 1e-9)
}

func TestFeedbackConcurrentLowAvailability(t *testing.T) {
	gen, heap := newTestSetup()
	a, _ := newTestAdaptive(t, testConfig(), gen, heap)
	a.marginOfErrorSD = 1.0
	a.lastTrigger = TriggerRate

	// seed the availability history at 300 MiB average with 40 MiB
	// deviation.
	for i := 0; i < 4; i++ {
		a.available.add(float64(260 * mib))
		a.available.add(float64(340 * mib))
	}

	// the cycle ends with 220 MiB available: z = -2.0, well below the
	// adjustment band, so the rate trigger tightens by 0.02.
	gen.available = 220 * mib
	heap.freeSet.available = 220 * mib
	a.RecordSuccessConcurrent(false)

	require.InDelta(t, 1.02, a.marginOfErrorSD, 1e-9)
}

func TestFeedbackConcurrentSpikeTrigger(t *testing.T) {
	gen, heap := newTestSetup()
	a, _ := newTestAdaptive(t, testConfig(), gen, heap)
	a.spikeThresholdSD = 2.0
	a.lastTrigger = TriggerSpike

	for i := 0; i < 4; i++ {
		a.available.add(float64(260 * mib))
		a.available.add(float64(340 * mib))
	}

	gen.available = 220 * mib
	heap.freeSet.available = 220 * mib
	a.RecordSuccessConcurrent(false)

	// positive adjustment lowers the spike threshold.
	require.InDelta(t, 1.98, a.spikeThresholdSD, 1e-9)
}

func TestFeedbackConcurrentWithinBand(t *testing.T) {
	gen, heap := newTestSetup()
	a, _ := newTestAdaptive(t, testConfig(), gen, heap)
	a.marginOfErrorSD = 1.0
	a.lastTrigger = TriggerRate

	for i := 0; i < 4; i++ {
		a.available.add(float64(260 * mib))
		a.available.add(float64(340 * mib))
	}

	// 310 MiB available: z = 0.25, inside the band; no adjustment.
	gen.available = 310 * mib
	heap.freeSet.available = 310 * mib
	a.RecordSuccessConcurrent(false)

	require.InDelta(t, 1.0, a.marginOfErrorSD, 1e-9)
}

func TestFeedbackOtherTriggerNoAdjustment(t *testing.T) {
	gen, heap := newTestSetup()
	a, _ := newTestAdaptive(t, testConfig(), gen, heap)
	a.marginOfErrorSD = 1.0
	a.spikeThresholdSD = 2.0
	a.lastTrigger = TriggerOther

	for i := 0; i < 4; i++ {
		a.available.add(float64(260 * mib))
		a.available.add(float64(340 * mib))
	}

	gen.available = 100 * mib
	heap.freeSet.available = 100 * mib
	a.RecordSuccessConcurrent(false)

	require.InDelta(t, 1.0, a.marginOfErrorSD, 1e-9)
	require.InDelta(t, 2.0, a.spikeThresholdSD, 1e-9)
}

func TestFeedbackFullGC(t *testing.T) {
	gen, heap := newTestSetup()
	a, _ := newTestAdaptive(t, testConfig(), gen, heap)
	a.marginOfErrorSD = 1.0
	a.spikeThresholdSD = 2.0

	a.RecordSuccessFull()

	require.InDelta(t, 1.2, a.marginOfErrorSD, 1e-9)
	require.InDelta(t, 1.8, a.spikeThresholdSD, 1e-9)
}

func TestFeedbackDegeneratedGC(t *testing.T) {
	gen, heap := newTestSetup()
	a, _ := newTestAdaptive(t, testConfig(), gen, heap)
	a.marginOfErrorSD = 1.0
	a.spikeThresholdSD = 2.0

	a.RecordSuccessDegenerated()

	require.InDelta(t, 1.1, a.marginOfErrorSD, 1e-9)
	require.InDelta(t, 1.9, a.spikeThresholdSD, 1e-9)
}

func TestRecordCycleStartResetsAllocationCounter(t *testing.T) {
	gen, heap := newTestSetup()
	a, clk := newTestAdaptive(t, testConfig(), gen, heap)

	seedRate(a, clk, 0, 200*mib, 3)
	require.NotZero(t, a.allocationRate.lastSampleValue)

	a.RecordCycleStart()
	require.Zero(t, a.allocationRate.lastSampleValue)
	require.Equal(t, clk.Now(), a.allocationRate.lastSampleTime)
}

func TestAllocationRunwayMonotonicity(t *testing.T) {
	gen, heap := newTestSetup()
	a, clk := newTestAdaptive(t, testConfig(), gen, heap)
	a.gcTimesLearned = a.cfg.LearningSteps
	a.marginOfErrorSD = 1.0

	for i := 0; i < 3; i++ {
		a.cycleTimeHistory.add(0.5)
	}
	counter := seedRate(a, clk, 0, 200*mib, 5)
	gen.allocatedSinceGC = counter
	gen.used = 624 * mib // 400 MiB available against soft capacity.

	base := a.AllocationRunway(0)
	more := a.AllocationRunway(10)
	require.GreaterOrEqual(t, more, base)

	// accumulated penalties shrink the runway.
	a.gcTimePenalties = 20
	penalized := a.AllocationRunway(0)
	require.LessOrEqual(t, penalized, base)
	a.gcTimePenalties = 0

	// collected-but-not-yet-reclaimed young bytes shrink it too.
	heap.cset.youngAvailCollected = 100 * mib
	collected := a.AllocationRunway(0)
	require.LessOrEqual(t, collected, base)
}

func TestAllocationRunwayBoundedByMinFreeThreshold(t *testing.T) {
	gen, heap := newTestSetup()
	a, _ := newTestAdaptive(t, testConfig(), gen, heap)
	a.gcTimesLearned = a.cfg.LearningSteps

	// no rate or cycle-time history: the spike headroom budget (51.2 MiB)
	// leaves more slack than the minimum free threshold (102.4 MiB), so the
	// threshold is the only binding constraint.
	gen.used = 624 * mib // 400 MiB available.

	runway := a.AllocationRunway(0)
	anticipated := uint64(400 * mib)
	require.Equal(t, anticipated-a.minFreeThreshold(), runway)
}

func TestAllocationRunwayRequiresYoungGeneration(t *testing.T) {
	gen, heap := newTestSetup()
	gen.name = "global"
	gen.young = false
	gen.global = true
	a, _ := newTestAdaptive(t, testConfig(), gen, heap)

	require.Panics(t, func() { a.AllocationRunway(0) })
}

func TestTriggerString(t *testing.T) {
	require.Equal(t, "other", TriggerOther.String())
	require.Equal(t, "rate", TriggerRate.String())
	require.Equal(t, "spike", TriggerSpike.String())
}
