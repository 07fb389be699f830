//go:build linux

package tracing

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -cc clang tracer bpf/tracer.c -- -I./bpf

import (
	"fmt"
	"os"
	"runtime"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"
)

// perfReaderWrapper adapts the eBPF perf.Reader to the PerfReader
// interface so the read loop stays platform-independent.
type perfReaderWrapper struct {
	*perf.Reader
}

func (w *perfReaderWrapper) Read() (Record, error) {
	rec, err := w.Reader.Read()
	if err != nil {
		return Record{}, err
	}
	return Record{RawSample: rec.RawSample, LostSamples: rec.LostSamples}, nil
}

// bpfStackResolver reads frames out of the BPF stack-trace map.
type bpfStackResolver struct {
	stacks *ebpf.Map
}

func (r *bpfStackResolver) FramesFor(stackID int32) ([]uint64, error) {
	var buf [127]uint64
	if err := r.stacks.Lookup(uint32(stackID), &buf); err != nil {
		return nil, fmt.Errorf("stack map lookup failed: %w", err)
	}
	frames := make([]uint64, 0, len(buf))
	for _, pc := range buf {
		if pc == 0 {
			break
		}
		frames = append(frames, pc)
	}
	return frames, nil
}

// openTracing loads the BPF objects, marks the target pid, attaches the
// scheduling tracepoint and the per-CPU sampling timers, and hands back
// a reader over the shared perf buffer.
func openTracing(pid uint32, opts Options) (openResult, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return openResult{}, fmt.Errorf("failed to remove memlock rlimit: %w", err)
	}

	var objs tracerObjects
	if err := loadTracerObjects(&objs, nil); err != nil {
		return openResult{}, fmt.Errorf("failed to load BPF objects: %w", err)
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (openResult, error) {
		cleanup()
		objs.Close()
		return openResult{}, err
	}
	cleanups = append(cleanups, func() { objs.Close() })

	if err := objs.TracedPids.Put(pid, uint8(1)); err != nil {
		return fail(fmt.Errorf("failed to mark traced pid: %w", err))
	}

	if opts.SchedulingEvents {
		tp, err := link.Tracepoint("sched", "sched_switch", objs.SchedSwitch, nil)
		if err != nil {
			return fail(fmt.Errorf("failed to attach sched_switch tracepoint: %w", err))
		}
		cleanups = append(cleanups, func() { tp.Close() })
	}

	// One sampling timer per CPU, each firing the BPF sampling program.
	for cpu := 0; cpu < runtime.NumCPU(); cpu++ {
		attr := unix.PerfEventAttr{
			Type:   unix.PERF_TYPE_SOFTWARE,
			Config: unix.PERF_COUNT_SW_CPU_CLOCK,
			Sample: uint64(opts.SamplingPeriod.Nanoseconds()),
			Bits:   unix.PerfBitDisabled,
		}
		fd, err := unix.PerfEventOpen(&attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			return fail(fmt.Errorf("perf_event_open on cpu %d failed: %w", cpu, err))
		}
		cleanups = append(cleanups, func() { unix.Close(fd) })

		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_SET_BPF, objs.PerfSample.FD()); err != nil {
			return fail(fmt.Errorf("failed to attach sampling program on cpu %d: %w", cpu, err))
		}
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			return fail(fmt.Errorf("failed to enable sampling on cpu %d: %w", cpu, err))
		}
	}

	reader, err := perf.NewReader(objs.Events, os.Getpagesize()*16)
	if err != nil {
		return fail(fmt.Errorf("failed to create perf reader: %w", err))
	}

	return openResult{
		reader:  &perfReaderWrapper{reader},
		stacks:  &bpfStackResolver{stacks: objs.StackTraces},
		cleanup: cleanup,
	}, nil
}

func monotonicNs() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(unix.TimespecToNsec(ts))
}
