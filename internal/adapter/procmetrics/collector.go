// Package procmetrics samples the resource usage of a pipeline process and
// its direct children. Failures are reported inside the returned snapshot,
// never as Go errors.
package procmetrics

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/Broadband-Catalysts/tasker-sub002/internal/core/domain"
)

const bytesPerMB = 1024 * 1024

type Options struct {
	// IncludeChildren aggregates direct children; grandchildren are never counted.
	IncludeChildren bool
	// Timeout bounds one Collect call.
	Timeout time.Duration
	// CPUSampleInterval is the window CPU percentages are measured over.
	CPUSampleInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		IncludeChildren:   true,
		Timeout:           5 * time.Second,
		CPUSampleInterval: 100 * time.Millisecond,
	}
}

type Collector struct {
	opts Options
	open openFunc
	now  func() time.Time
}

func NewCollector(opts Options) *Collector {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.CPUSampleInterval <= 0 {
		opts.CPUSampleInterval = DefaultOptions().CPUSampleInterval
	}
	return &Collector{
		opts: opts,
		open: openProcess,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// collectionError carries a classification out of the sampling goroutine.
type collectionError struct {
	kind domain.CollectionErrorType
	err  error
}

func (e *collectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *collectionError) Unwrap() error {
	return e.err
}

// Collect samples pid and returns one snapshot. On failure the snapshot
// carries the error classification and message instead of measurements.
func (c *Collector) Collect(ctx context.Context, runID string, pid int, hostname string) *domain.ProcessMetricSnapshot {
	snap := &domain.ProcessMetricSnapshot{
		RunID:     runID,
		Timestamp: c.now(),
		PID:       pid,
		Hostname:  hostname,
		IsAlive:   true,
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &collectionError{
					kind: domain.ErrorTypeUnknown,
					err:  fmt.Errorf("panic during collection: %v\n%s", r, debug.Stack()),
				}
			}
		}()
		done <- c.sample(ctx, snap)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = &collectionError{
			kind: domain.ErrorTypeCollectionTimeout,
			err:  fmt.Errorf("collection of pid %d exceeded %s", pid, c.opts.Timeout),
		}
	}
	if err == nil {
		return snap
	}

	// The sampling goroutine may still be writing into snap; report on a
	// fresh value.
	failed := &domain.ProcessMetricSnapshot{
		RunID:     runID,
		Timestamp: snap.Timestamp,
		PID:       pid,
		Hostname:  hostname,
		IsAlive:   true,
	}
	kind, message := classify(err)
	failed.SetError(kind, message)
	if kind == domain.ErrorTypeZombieProcess {
		failed.IsAlive = false
	}
	return failed
}

func (c *Collector) sample(ctx context.Context, snap *domain.ProcessMetricSnapshot) error {
	proc, err := c.open(ctx, int32(snap.PID))
	if err != nil {
		return err
	}

	status, err := proc.StatusWithContext(ctx)
	if err != nil {
		return err
	}
	for _, s := range status {
		if s == process.Zombie {
			return &collectionError{
				kind: domain.ErrorTypeZombieProcess,
				err:  fmt.Errorf("process %d is a zombie", snap.PID),
			}
		}
	}

	created, err := proc.CreateTimeWithContext(ctx)
	if err != nil {
		return err
	}
	snap.ProcessStartTime = &created

	var children []processHandle
	if c.opts.IncludeChildren {
		// A child listing failure leaves the aggregate at zero.
		children, _ = proc.ChildrenWithContext(ctx)
	}

	cpuByPid, err := c.cpuPercents(ctx, append([]processHandle{proc}, children...))
	if err != nil {
		return err
	}
	parentCPU, ok := cpuByPid[proc.Pid()]
	if !ok {
		return fmt.Errorf("no cpu sample for pid %d", snap.PID)
	}
	snap.CPUPercent = &parentCPU

	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return err
	}
	snap.MemoryRSSMB = mbPtr(mem.RSS)
	snap.MemoryVMSMB = mbPtr(mem.VMS)
	snap.MemorySwapMB = mbPtr(mem.Swap)

	// The remaining counters are commonly unreadable for processes owned by
	// other users; they are left empty instead of failing the snapshot.
	if pct, err := proc.MemoryPercentWithContext(ctx); err == nil {
		v := float64(pct)
		snap.MemoryPercent = &v
	}
	if io, err := proc.IOCountersWithContext(ctx); err == nil {
		snap.IOReadBytes = u64Ptr(io.ReadBytes)
		snap.IOWriteBytes = u64Ptr(io.WriteBytes)
		snap.IOReadCount = u64Ptr(io.ReadCount)
		snap.IOWriteCount = u64Ptr(io.WriteCount)
	}
	if fds, err := proc.NumFDsWithContext(ctx); err == nil {
		n := int(fds)
		snap.NumFDs = &n
	}
	if threads, err := proc.NumThreadsWithContext(ctx); err == nil {
		n := int(threads)
		snap.NumThreads = &n
	}
	if faults, err := proc.PageFaultsWithContext(ctx); err == nil {
		snap.PageFaultsMinor = u64Ptr(faults.MinorFaults)
		snap.PageFaultsMajor = u64Ptr(faults.MajorFaults)
	}
	if sw, err := proc.NumCtxSwitchesWithContext(ctx); err == nil {
		snap.CtxSwitchesVoluntary = &sw.Voluntary
		snap.CtxSwitchesInvoluntary = &sw.Involuntary
	}

	for _, child := range children {
		childCPU, ok := cpuByPid[child.Pid()]
		if !ok {
			// exited during the sample window
			continue
		}
		childMem, err := child.MemoryInfoWithContext(ctx)
		if err != nil {
			continue
		}
		snap.ChildCount++
		snap.ChildCPUTotal += childCPU
		snap.ChildMemTotalMB += float64(childMem.RSS) / bytesPerMB
	}
	return ctx.Err()
}

// cpuPercents measures every process over one shared window. The parent's
// read errors are returned; children that fail are omitted from the result.
func (c *Collector) cpuPercents(ctx context.Context, procs []processHandle) (map[int32]float64, error) {
	before := make(map[int32]float64, len(procs))
	for i, p := range procs {
		t, err := p.TimesWithContext(ctx)
		if err != nil {
			if i == 0 {
				return nil, err
			}
			continue
		}
		before[p.Pid()] = busy(t)
	}

	start := time.Now()
	timer := time.NewTimer(c.opts.CPUSampleInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	wall := time.Since(start).Seconds()

	out := make(map[int32]float64, len(before))
	for i, p := range procs {
		prev, ok := before[p.Pid()]
		if !ok {
			continue
		}
		t, err := p.TimesWithContext(ctx)
		if err != nil {
			if i == 0 {
				return nil, err
			}
			continue
		}
		pct := (busy(t) - prev) / wall * 100
		if pct < 0 {
			pct = 0
		}
		out[p.Pid()] = pct
	}
	return out, nil
}

func busy(t *cpu.TimesStat) float64 {
	return t.User + t.System
}

// classify maps a sampling error onto the collection error taxonomy.
func classify(err error) (domain.CollectionErrorType, string) {
	var ce *collectionError
	if errors.As(err, &ce) {
		return ce.kind, ce.err.Error()
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.ErrorTypeCollectionTimeout, err.Error()
	case errors.Is(err, process.ErrorProcessNotRunning),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, syscall.ESRCH):
		return domain.ErrorTypeProcessDied, err.Error()
	case errors.Is(err, os.ErrPermission),
		errors.Is(err, syscall.EPERM),
		errors.Is(err, syscall.EACCES):
		return domain.ErrorTypePermissionDenied, err.Error()
	default:
		return domain.ErrorTypePSError, err.Error()
	}
}

func mbPtr(b uint64) *float64 {
	v := float64(b) / bytesPerMB
	return &v
}

func u64Ptr(v uint64) *int64 {
	n := int64(v)
	return &n
}
