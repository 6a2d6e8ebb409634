package adaptivegc

import "sort"

// ChooseCollectionSet selects the regions to evacuate in the upcoming cycle
// and adds them to cset. regions holds the candidate regions prepared by the
// caller; actualFree is the free memory figure the free target is measured
// against.
//
// The selection logic:
//
//  1. The collection set cannot outgrow the evacuation reserve, otherwise
//     evacuation OOMs and the cycle degrades. max cset caps the cumulative
//     live bytes of selected regions.
//
//  2. The collection set should reclaim enough garbage that the free
//     threshold is met after the cycle; otherwise a fragmented heap produces
//     back-to-back cycles. Until that min garbage figure is reached, the
//     best regions are taken even below the garbage threshold.
//
// Regions are picked best-garbage-first. In generational mode the caller's
// array order interleaves tenured regions ahead of younger regions with more
// garbage, so the chooser re-sorts by garbage unconditionally.
func (a *Adaptive) ChooseCollectionSet(cset CollectionSet, regions []Region, actualFree uint64) {
	garbageThreshold := percentOf(a.cfg.RegionSizeBytes, a.cfg.GarbageThreshold)
	ignoreThreshold := percentOf(a.cfg.RegionSizeBytes, a.cfg.IgnoreGarbageThreshold)

	sortByGarbageDescending(regions)

	if a.heap.IsGenerational() {
		a.chooseGenerational(cset, regions, actualFree, garbageThreshold, ignoreThreshold)
	} else {
		a.chooseNonGenerational(cset, regions, actualFree, garbageThreshold)
	}

	collectedOld := cset.OldBytesReservedForEvacuation()
	collectedPromoted := cset.YoungBytesToBePromoted()
	collectedYoung := cset.YoungBytesReservedForEvacuation()
	a.log.Infof("Chosen CSet evacuates young: %s (of which at least: %s are to be promoted), old: %s",
		humanBytes(float64(collectedYoung)), humanBytes(float64(collectedPromoted)),
		humanBytes(float64(collectedOld)))
}

func (a *Adaptive) chooseNonGenerational(cset CollectionSet, regions []Region, actualFree, garbageThreshold uint64) {
	capacity := a.heap.MaxCapacity()
	maxCset := uint64(float64(percentOf(capacity, a.cfg.EvacReserve)) / a.cfg.EvacWaste)
	freeTarget := percentOf(capacity, a.cfg.MinFreeThreshold) + maxCset
	minGarbage := satSub(freeTarget, actualFree)

	a.log.Infof("Adaptive CSet Selection. Target Free: %s, Actual Free: %s, Max Evacuation: %s, Min Garbage: %s",
		humanBytes(float64(freeTarget)), humanBytes(float64(actualFree)),
		humanBytes(float64(maxCset)), humanBytes(float64(minGarbage)))

	var curCset, curGarbage uint64
	for _, r := range regions {
		newCset := curCset + r.LiveDataBytes()

		if newCset > maxCset {
			break
		}

		if curGarbage < minGarbage || r.Garbage() > garbageThreshold {
			cset.AddRegion(r)
			curCset = newCset
			curGarbage += r.Garbage()
		}
	}
}

// chooseGenerational covers young, mixed, and global cycles of a
// generational heap. Unlike the non-generational walk, these loops never
// break early: the sort key is not monotone in live bytes, so a region that
// busts one budget says nothing about the regions after it.
func (a *Adaptive) chooseGenerational(cset CollectionSet, regions []Region, actualFree, garbageThreshold, ignoreThreshold uint64) {
	capacity := a.heap.YoungGeneration().MaxCapacity()

	// curYoungGarbage is the memory this cycle returns to young-gen. A
	// preselected region is evacuated wholesale into old-gen and is added
	// unconditionally; it contributes its garbage bytes to curYoungGarbage.
	// Promotion reserve accounting for these regions already happened when
	// they were preselected.
	var curYoungGarbage uint64
	for _, r := range regions {
		if cset.IsPreselected(r.Index()) {
			assertf(a.log, r.Age() >= a.cfg.InitialTenuringThreshold,
				"preselected region %d has age %d below tenure age %d",
				r.Index(), r.Age(), a.cfg.InitialTenuringThreshold)
			curYoungGarbage += r.Garbage()
			cset.AddRegion(r)
		}
	}

	if a.gen.IsGlobal() {
		maxYoungCset := uint64(float64(a.heap.YoungEvacReserve()) / a.cfg.EvacWaste)
		maxOldCset := uint64(float64(a.heap.OldEvacReserve()) / a.cfg.OldEvacWaste)
		freeTarget := percentOf(capacity, a.cfg.MinFreeThreshold) + maxYoungCset
		minGarbage := satSub(freeTarget, actualFree)

		a.log.Infof("Adaptive CSet Selection for GLOBAL. Max Young Evacuation: %s, Max Old Evacuation: %s, Actual Free: %s",
			humanBytes(float64(maxYoungCset)), humanBytes(float64(maxOldCset)), humanBytes(float64(actualFree)))

		var youngCurCset, oldCurCset uint64
		for _, r := range regions {
			if cset.IsPreselected(r.Index()) {
				continue
			}
			addRegion := false
			if r.IsOld() {
				newCset := oldCurCset + r.LiveDataBytes()
				if newCset <= maxOldCset && r.Garbage() > garbageThreshold {
					addRegion = true
					oldCurCset = newCset
				}
			} else if r.Age() < a.cfg.InitialTenuringThreshold {
				newCset := youngCurCset + r.LiveDataBytes()
				regionGarbage := r.Garbage()
				newGarbage := curYoungGarbage + regionGarbage
				addRegardless := regionGarbage > ignoreThreshold && newGarbage < minGarbage
				if newCset <= maxYoungCset && (addRegardless || regionGarbage > garbageThreshold) {
					addRegion = true
					youngCurCset = newCset
					curYoungGarbage = newGarbage
				}
			}
			// Aged regions that were not preselected are skipped: old-gen
			// lacks the room to hold their to-be-promoted live objects.

			if addRegion {
				cset.AddRegion(r)
			}
		}
		return
	}

	// Young collection or mixed evacuation; for a mixed evacuation the
	// old-gen candidates were already added by earlier phases.
	maxCset := uint64(float64(a.heap.YoungEvacReserve()) / a.cfg.EvacWaste)
	freeTarget := percentOf(capacity, a.cfg.MinFreeThreshold) + maxCset
	minGarbage := satSub(freeTarget, actualFree)

	a.log.Infof("Adaptive CSet Selection for YOUNG. Max Evacuation: %s, Actual Free: %s",
		humanBytes(float64(maxCset)), humanBytes(float64(actualFree)))

	var curCset uint64
	for _, r := range regions {
		if cset.IsPreselected(r.Index()) {
			continue
		}
		if r.Age() < a.cfg.InitialTenuringThreshold {
			assertf(a.log, r.IsYoung(), "region %d: only young candidates expected in the data array", r.Index())
			newCset := curCset + r.LiveDataBytes()
			regionGarbage := r.Garbage()
			newGarbage := curYoungGarbage + regionGarbage
			addRegardless := regionGarbage > ignoreThreshold && newGarbage < minGarbage
			if newCset <= maxCset && (addRegardless || regionGarbage > garbageThreshold) {
				curCset = newCset
				curYoungGarbage = newGarbage
				cset.AddRegion(r)
			}
		}
		// Aged regions that were not preselected are skipped: there is not
		// enough room in old-gen for their live objects, or they are to be
		// promoted in place.
	}
}

// sortByGarbageDescending orders candidates garbage-first; ties break on
// region index so selection is deterministic.
func sortByGarbageDescending(regions []Region) {
	sort.Slice(regions, func(i, j int) bool {
		gi, gj := regions[i].Garbage(), regions[j].Garbage()
		if gi != gj {
			return gi > gj
		}
		return regions[i].Index() < regions[j].Index()
	})
}
