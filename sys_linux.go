package adaptivegc

import (
	"os"

	"github.com/containerd/cgroups/v3"
	"github.com/containerd/cgroups/v3/cgroup1"
	"github.com/containerd/cgroups/v3/cgroup2"
)

// ProcessMemoryLimit returns the memory limit imposed on this process by its
// cgroup, or 0 if no limit could be determined. Embedders use it to size the
// heap's soft max capacity when running in a container.
func ProcessMemoryLimit() uint64 {
	if cgroups.Mode() == cgroups.Unified {
		return cgroup2MemoryLimit()
	}
	return cgroup1MemoryLimit()
}

func cgroup2MemoryLimit() uint64 {
	path, err := cgroup2.PidGroupPath(os.Getpid())
	if err != nil {
		return 0
	}
	mgr, err := cgroup2.Load(path)
	if err != nil {
		return 0
	}
	stat, err := mgr.Stat()
	if err != nil || stat.Memory == nil {
		return 0
	}
	return stat.Memory.UsageLimit
}

func cgroup1MemoryLimit() uint64 {
	memSubsystem := cgroup1.SingleSubsystem(cgroup1.Default, cgroup1.Memory)
	cg, err := cgroup1.Load(cgroup1.PidPath(os.Getpid()), cgroup1.WithHiearchy(memSubsystem))
	if err != nil {
		return 0
	}
	metrics, err := cg.Stat()
	if err != nil || metrics.Memory == nil {
		return 0
	}
	return metrics.Memory.HierarchicalMemoryLimit
}
