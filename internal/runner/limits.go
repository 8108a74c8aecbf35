package runner

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Limits bound a containerized runner invocation. A runaway playbook (or a
// fact-gathering fork storm) is contained by cgroups instead of taking the
// portal host down with it.
type Limits struct {
	CPUShares int64 `yaml:"cpu_shares"` // 1024 = 1 CPU core
	MemoryMB  int64 `yaml:"memory_mb"`
	PidsLimit int64 `yaml:"pids_limit"`
}

func DefaultLimits() Limits {
	return Limits{
		CPUShares: 1024,
		MemoryMB:  512,
		PidsLimit: 256,
	}
}

func (l Limits) Validate() error {
	if l.CPUShares < 2 || l.CPUShares > 8192 {
		return fmt.Errorf("cpu_shares must be 2-8192, got %d", l.CPUShares)
	}
	if l.MemoryMB < 64 || l.MemoryMB > 8192 {
		return fmt.Errorf("memory_mb must be 64-8192, got %d", l.MemoryMB)
	}
	if l.PidsLimit < 16 || l.PidsLimit > 4096 {
		return fmt.Errorf("pids_limit must be 16-4096, got %d", l.PidsLimit)
	}
	return nil
}

func applyLimits(spec *specs.Spec, limits Limits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}

	// CFS quota gives a hard cap; shares alone are best-effort.
	period := uint64(100000)
	quota := int64(float64(limits.CPUShares) / 1024.0 * float64(period))
	if quota < 1000 {
		quota = 1000
	}
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.MemoryMB * 1024 * 1024
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: limits.PidsLimit,
	}
}
