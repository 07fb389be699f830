//go:build !linux

package tracing

import (
	"fmt"
	"time"
)

// Kernel tracing is Linux-only. The stub keeps the rest of the service
// buildable for development on other platforms.
func openTracing(pid uint32, opts Options) (openResult, error) {
	return openResult{}, fmt.Errorf("kernel tracing is only supported on linux")
}

var processStart = time.Now()

func monotonicNs() uint64 {
	return uint64(time.Since(processStart).Nanoseconds())
}
