package dispatch

import (
	"context"
	"log/slog"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/chaz8081/gostt-dictate/internal/fault"
)

// ResourceProbe checks that the host can afford a transcription attempt.
type ResourceProbe interface {
	Check(ctx context.Context, dir string) error
}

// HostProbe checks available memory and free disk space of dir. A zero
// threshold disables that check. Probe failures are logged and ignored.
type HostProbe struct {
	MinFreeMemory uint64
	MinFreeDisk   uint64
}

// Check returns a ResourceExhausted error when a threshold is not met.
func (p HostProbe) Check(ctx context.Context, dir string) error {
	const op = "dispatch: resources"

	if p.MinFreeMemory > 0 {
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			slog.Debug("dispatch: memory probe failed", "error", err)
		} else if vm.Available < p.MinFreeMemory {
			return fault.Newf(fault.ResourceExhausted, op, "%d MiB memory available, need %d MiB",
				vm.Available>>20, p.MinFreeMemory>>20)
		}
	}
	if p.MinFreeDisk > 0 && dir != "" {
		du, err := disk.UsageWithContext(ctx, dir)
		if err != nil {
			slog.Debug("dispatch: disk probe failed", "dir", dir, "error", err)
		} else if du.Free < p.MinFreeDisk {
			return fault.Newf(fault.ResourceExhausted, op, "%d MiB free on %s, need %d MiB",
				du.Free>>20, dir, p.MinFreeDisk>>20)
		}
	}
	return nil
}
