package procmetrics

import (
	"context"
	"errors"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
)

// processHandle is the subset of gopsutil's process API the collector reads.
type processHandle interface {
	Pid() int32
	CreateTimeWithContext(ctx context.Context) (int64, error)
	StatusWithContext(ctx context.Context) ([]string, error)
	TimesWithContext(ctx context.Context) (*cpu.TimesStat, error)
	MemoryInfoWithContext(ctx context.Context) (*process.MemoryInfoStat, error)
	MemoryPercentWithContext(ctx context.Context) (float32, error)
	IOCountersWithContext(ctx context.Context) (*process.IOCountersStat, error)
	NumFDsWithContext(ctx context.Context) (int32, error)
	NumThreadsWithContext(ctx context.Context) (int32, error)
	PageFaultsWithContext(ctx context.Context) (*process.PageFaultsStat, error)
	NumCtxSwitchesWithContext(ctx context.Context) (*process.NumCtxSwitchesStat, error)
	ChildrenWithContext(ctx context.Context) ([]processHandle, error)
}

// openFunc resolves a pid to a live process handle.
type openFunc func(ctx context.Context, pid int32) (processHandle, error)

type gopsutilProcess struct {
	*process.Process
}

func openProcess(ctx context.Context, pid int32) (processHandle, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, err
	}
	return gopsutilProcess{p}, nil
}

func (p gopsutilProcess) Pid() int32 {
	return p.Process.Pid
}

// ChildrenWithContext returns direct children only.
func (p gopsutilProcess) ChildrenWithContext(ctx context.Context) ([]processHandle, error) {
	children, err := p.Process.ChildrenWithContext(ctx)
	if errors.Is(err, process.ErrorNoChildren) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]processHandle, 0, len(children))
	for _, c := range children {
		out = append(out, gopsutilProcess{c})
	}
	return out, nil
}
