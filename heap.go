package adaptivegc

// The heuristic reads collector state exclusively through the narrow
// interfaces below. All figures are byte counts unless noted. Reads may be
// slightly stale with respect to concurrently-running mutator threads; each
// value is read at most once per decision and small skew is tolerated.

// Generation is the view of a heap generation (young, old, or the global
// generation of a non-generational heap) consumed by the heuristic.
type Generation interface {
	Name() string

	IsYoung() bool
	IsOld() bool
	IsGlobal() bool

	// Available is the memory not currently in use by the generation.
	Available() uint64
	// SoftAvailable is Available measured against the soft capacity.
	SoftAvailable() uint64
	// SoftMaxCapacity is the capacity the collector aims to stay within;
	// it may be below MaxCapacity when the heap is shrunk.
	SoftMaxCapacity() uint64
	MaxCapacity() uint64
	Used() uint64

	// BytesAllocatedSinceGCStart is a monotonic counter of mutator
	// allocation within the current cycle; it resets to zero at cycle
	// start.
	BytesAllocatedSinceGCStart() uint64
}

// Heap is the narrow view of the collector's heap-wide state.
type Heap interface {
	IsGenerational() bool

	MaxCapacity() uint64
	FreeSet() FreeSet
	CollectionSet() CollectionSet
	YoungGeneration() Generation
	OldGeneration() Generation

	// YoungEvacReserve and OldEvacReserve are the bytes set aside to
	// receive evacuated objects in the upcoming cycle.
	YoungEvacReserve() uint64
	OldEvacReserve() uint64

	// PromotionPotential is the volume of young objects ready to be
	// promoted by the next cycle; PromotionInPlacePotential counts those
	// promoted by retagging their region rather than copying.
	PromotionPotential() uint64
	PromotionInPlacePotential() uint64

	// OldHeuristics exposes old-generation collection state to the young
	// heuristic without downcasting.
	OldHeuristics() OldHeuristics
}

// FreeSet is the mutator-usable free memory accounting.
type FreeSet interface {
	Available() uint64
}

// CollectionSet collects the regions chosen for evacuation. It is owned and
// mutated by the collector; the chooser only adds regions and reads the
// aggregate figures.
type CollectionSet interface {
	AddRegion(r Region)

	// IsPreselected reports whether a prior phase marked the region (by
	// index) for wholesale promotion in the upcoming cycle.
	IsPreselected(index int) bool

	YoungAvailableBytesCollected() uint64
	OldBytesReservedForEvacuation() uint64
	YoungBytesToBePromoted() uint64
	YoungBytesReservedForEvacuation() uint64
}

// Region is a fixed-size span of heap memory, the unit of reclamation.
type Region interface {
	Index() int
	Age() int

	IsYoung() bool
	IsOld() bool

	// Garbage is Used minus LiveDataBytes.
	Garbage() uint64
	LiveDataBytes() uint64
	Used() uint64
}

// OldHeuristics is the slice of the old-generation heuristic the young
// heuristic consults when deciding whether to expedite a cycle.
type OldHeuristics interface {
	// UnprocessedOldCollectionCandidates is the number of old regions
	// already identified for mixed evacuation but not yet collected.
	UnprocessedOldCollectionCandidates() int
}
