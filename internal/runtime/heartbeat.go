package runtime

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/microsoft/nxs/internal/model"
)

// CollectHeartbeatStat records the host's currently-free system memory and
// used percentage in base's ExtraData (its GPU info is left unchanged),
// giving the Scheduler's monitoring
// plane (not its placement accounting, which stays profile-declared per
// spec.md §5) a live signal of host pressure. GPU utilization/VRAM
// telemetry is a vendor-SDK concern out of scope here; only the host-wide
// memory gopsutil exposes cross-platform is sampled.
func CollectHeartbeatStat(base model.BackendStat) (model.BackendStat, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return base, fmt.Errorf("collect host stats: %w", err)
	}

	out := base
	out.ExtraData = fmt.Sprintf("host_available_mem_mib=%.0f;host_used_percent=%.1f", float64(vm.Available)/(1024*1024), vm.UsedPercent)
	return out, nil
}
