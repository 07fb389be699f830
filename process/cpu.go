package process

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
)

// userHz is the kernel clock tick rate used for the utime/stime fields
// of /proc/<pid>/stat.
const userHz = 100

// readCPUTicks returns utime+stime for a process, in clock ticks.
func readCPUTicks(procDir string) (uint64, error) {
	data, err := os.ReadFile(procDir + "/stat")
	if err != nil {
		return 0, err
	}

	// The comm field is parenthesized and may itself contain spaces, so
	// field splitting only starts after the last ')'.
	s := string(data)
	idx := strings.LastIndexByte(s, ')')
	if idx < 0 || idx+2 > len(s) {
		return 0, fmt.Errorf("malformed stat file")
	}
	fields := strings.Fields(s[idx+1:])
	// fields[0] is the state; utime and stime are fields 14 and 15 of the
	// full stat line, i.e. indices 11 and 12 here.
	if len(fields) < 13 {
		return 0, fmt.Errorf("malformed stat file: %d fields", len(fields))
	}

	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad utime: %w", err)
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad stime: %w", err)
	}
	return utime + stime, nil
}

// totalCPUSeconds returns the aggregate CPU time consumed across all
// cores since boot, in seconds. Used as the denominator when turning
// per-pid tick deltas into a 0-100 usage percentage.
func totalCPUSeconds() (float64, error) {
	times, err := cpu.Times(false)
	if err != nil {
		return 0, err
	}
	if len(times) == 0 {
		return 0, fmt.Errorf("no aggregate cpu times reported")
	}
	t := times[0]
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal, nil
}
