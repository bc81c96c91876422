package trace

import (
	"github.com/querytrace/querytrace/internal/osstat"
	"github.com/querytrace/querytrace/internal/usage"
)

// SnapshotSource supplies resource counters on demand. The engine-side
// counters come from the host; the OS-side counters come from /proc and
// may be unavailable.
type SnapshotSource interface {
	ReadResourceUsage() usage.ResourceUsage
	ReadOsUsage(pid int) (osstat.Usage, bool)
}

// FuncSource adapts a host counter-read function into a SnapshotSource,
// taking OS counters from /proc.
type FuncSource struct {
	Resource func() usage.ResourceUsage
}

func (s FuncSource) ReadResourceUsage() usage.ResourceUsage {
	if s.Resource == nil {
		return usage.ResourceUsage{}
	}
	return s.Resource()
}

func (s FuncSource) ReadOsUsage(pid int) (osstat.Usage, bool) {
	return osstat.Read(pid)
}
