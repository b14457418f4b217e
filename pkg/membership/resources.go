package membership

import (
	"context"
	"fmt"

	"github.com/pixperk/holdfast/pkg/types"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// DetectResources reads what this host offers. Accelerators are not
// discoverable portably, so gpus and labels come from configuration.
func DetectResources(ctx context.Context, gpus int, labels map[string]string) (types.Resources, error) {
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return types.Resources{}, fmt.Errorf("count cpus: %w", err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return types.Resources{}, fmt.Errorf("read memory: %w", err)
	}

	return types.Resources{
		CPUs:        cpus,
		MemoryBytes: vm.Total,
		GPUs:        gpus,
		Labels:      labels,
	}, nil
}
