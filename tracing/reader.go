package tracing

import "time"

// PerfReader is a platform-agnostic view of the kernel perf buffer.
// On Linux it is backed by cilium/ebpf's perf.Reader; tests feed the
// producer synthetic records through a fake implementation.
type PerfReader interface {
	// Read returns the next record. It honors the deadline set by
	// SetDeadline and returns os.ErrDeadlineExceeded when it elapses, or
	// os.ErrClosed once the reader has been closed.
	Read() (Record, error)
	// SetDeadline bounds the next Read.
	SetDeadline(t time.Time)
	// Close releases the reader and unblocks a pending Read.
	Close() error
}

// Record mirrors the essential fields of a perf record without tying
// callers to the eBPF types.
type Record struct {
	// RawSample contains the raw event bytes written by the BPF programs.
	RawSample []byte
	// LostSamples counts samples dropped by the kernel since the last
	// record because the perf buffer was full.
	LostSamples uint64
}
