package adaptivegc

import (
	"fmt"
	"log"
	"time"

	"github.com/benbjohnson/clock"
)

// Config carries the tunables of the adaptive heuristic. The zero value is
// not usable; start from DefaultConfig and override what you need.
//
// Percentages are expressed as integers in [0, 100]. Confidence values and
// thresholds expressed in standard deviations are unitless.
type Config struct {
	// InitialConfidence is the starting margin of error, in standard
	// deviations, applied on top of the average cycle time and allocation
	// rate. The feedback loop adjusts it within
	// [minConfidence, maxConfidence] after every cycle.
	InitialConfidence float64

	// InitialSpikeThreshold is the starting z-score above which an
	// instantaneous allocation rate sample is considered a spike.
	InitialSpikeThreshold float64

	// DecayFactor is the weight given to history by the decayed moving
	// averages, in (0, 1]. Smaller values favour recent samples.
	DecayFactor float64

	// MovingAverageSamples is the window size of the post-cycle available
	// memory history and the cycle time history.
	MovingAverageSamples int

	// SampleFrequencyHz is how often the allocation rate estimator accepts
	// a new sample. Calls arriving within 1/SampleFrequencyHz seconds of
	// the previous sample are ignored.
	SampleFrequencyHz int

	// SampleSizeSeconds spans the allocation rate window; together with
	// SampleFrequencyHz it sizes the rate moving averages.
	SampleSizeSeconds int

	// LearningSteps is the number of completed cycles during which the
	// heuristic triggers eagerly (at InitFreeThreshold) to build up its
	// cycle time history.
	LearningSteps int

	// MinFreeThreshold is the percentage of soft max capacity below which
	// a cycle starts unconditionally.
	MinFreeThreshold int

	// InitFreeThreshold is the percentage of soft max capacity used as the
	// trigger threshold while still learning.
	InitFreeThreshold int

	// AllocSpikeFactor is the percentage of capacity held back as headroom
	// for allocation spikes when computing the rate triggers.
	AllocSpikeFactor int

	// GarbageThreshold is the percentage of region size a region's garbage
	// must exceed to be a collection candidate once the free target is met.
	GarbageThreshold int

	// IgnoreGarbageThreshold is the percentage of region size below which
	// a young region's garbage is never worth collecting, even to satisfy
	// the free target.
	IgnoreGarbageThreshold int

	// EvacReserve is the percentage of heap capacity reserved to receive
	// evacuated objects in non-generational mode.
	EvacReserve int

	// EvacWaste multiplies evacuation reserves to account for imperfect
	// packing of evacuated objects. Must be >= 1.
	EvacWaste float64

	// OldEvacWaste is the packing multiplier for old-generation
	// evacuation.
	OldEvacWaste float64

	// InitialTenuringThreshold is the region age at which survivors are
	// promoted to the old generation.
	InitialTenuringThreshold int

	// RegionSizeBytes is the fixed size of a heap region. Must match the
	// embedding heap's region size.
	RegionSizeBytes uint64

	// GuaranteedGCInterval forces a cycle when this much time has passed
	// since the last cycle ended, regardless of heap state. Zero disables
	// the guaranteed trigger.
	GuaranteedGCInterval time.Duration

	// Clock can be used to inject a mock clock for testing. Defaults to
	// the real clock.
	Clock clock.Clock

	// Logger receives decision and tuning logs. Defaults to a logger that
	// proxies to a standard logger using the "[adaptivegc]" prefix.
	Logger Logger
}

// DefaultConfig returns the tunables at their original defaults.
func DefaultConfig() Config {
	return Config{
		InitialConfidence:        1.8,
		InitialSpikeThreshold:    1.8,
		DecayFactor:              0.5,
		MovingAverageSamples:     10,
		SampleFrequencyHz:        10,
		SampleSizeSeconds:        10,
		LearningSteps:            5,
		MinFreeThreshold:         10,
		InitFreeThreshold:        70,
		AllocSpikeFactor:         5,
		GarbageThreshold:         25,
		IgnoreGarbageThreshold:   10,
		EvacReserve:              5,
		EvacWaste:                1.2,
		OldEvacWaste:             1.4,
		InitialTenuringThreshold: 7,
		RegionSizeBytes:          4 << 20,
		GuaranteedGCInterval:     5 * time.Minute,
	}
}

func (c *Config) validate() error {
	if c.DecayFactor <= 0 || c.DecayFactor > 1 {
		return fmt.Errorf("decay factor must be in (0, 1]; got %f", c.DecayFactor)
	}
	if c.MovingAverageSamples <= 0 {
		return fmt.Errorf("moving average window must be positive; got %d", c.MovingAverageSamples)
	}
	if c.SampleFrequencyHz <= 0 || c.SampleSizeSeconds <= 0 {
		return fmt.Errorf("rate sampling parameters must be positive; got %d Hz over %d s", c.SampleFrequencyHz, c.SampleSizeSeconds)
	}
	if c.EvacWaste < 1 || c.OldEvacWaste < 1 {
		return fmt.Errorf("evacuation waste multipliers must be >= 1; got %f / %f", c.EvacWaste, c.OldEvacWaste)
	}
	if c.RegionSizeBytes == 0 {
		return fmt.Errorf("cannot use zero region size")
	}
	for _, pct := range []struct {
		name  string
		value int
	}{
		{"MinFreeThreshold", c.MinFreeThreshold},
		{"InitFreeThreshold", c.InitFreeThreshold},
		{"AllocSpikeFactor", c.AllocSpikeFactor},
		{"GarbageThreshold", c.GarbageThreshold},
		{"IgnoreGarbageThreshold", c.IgnoreGarbageThreshold},
		{"EvacReserve", c.EvacReserve},
	} {
		if pct.value < 0 || pct.value > 100 {
			return fmt.Errorf("%s is a percentage; got %d", pct.name, pct.value)
		}
	}
	return nil
}

// withDefaults fills in the injectable seams left nil by the caller.
func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = &stdlog{log: log.New(log.Writer(), "[adaptivegc] ", log.LstdFlags|log.Lmsgprefix)}
	}
	return c
}
