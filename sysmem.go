package adaptivegc

import "github.com/elastic/gosigar"

// sysmemFn is swapped out in tests.
var sysmemFn = (*gosigar.Mem).Get

// TotalSystemMemory returns the total physical memory of the machine, or 0
// if it could not be determined. Together with ProcessMemoryLimit it gives
// embedders a basis for the heap's soft max capacity.
func TotalSystemMemory() uint64 {
	var sysmem gosigar.Mem
	if err := sysmemFn(&sysmem); err != nil {
		return 0
	}
	return sysmem.Total
}
