// Package process maintains a periodically refreshed table of live OS
// processes read from /proc, exposed to the rest of the service as
// read-only snapshots.
package process

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
)

// Record describes one live process. Records are plain values; callers
// always receive copies and never references into the table.
type Record struct {
	PID         uint32  `json:"pid"`
	Name        string  `json:"name"`
	CommandLine string  `json:"command_line"`
	FullPath    string  `json:"full_path"`
	Username    string  `json:"username,omitempty"`
	CPUUsage    float64 `json:"cpu_usage"`
	Is64Bit     bool    `json:"is_64_bit"`
}

// entry pairs a record with its CPU sampling history. The history is
// carried across refreshes by pid so utilization can be computed from
// tick deltas between two scans.
type entry struct {
	rec      Record
	cpuTicks uint64
}

// Table is the process table. Refresh rebuilds the internal state and
// swaps it in atomically; Lookup and Snapshot are safe to call
// concurrently with a refresh.
type Table struct {
	procRoot  string
	totalCPU  func() (float64, error)
	usernames *lru.Cache[uint32, string]

	mu        sync.RWMutex
	entries   map[uint32]entry
	snapshot  []Record
	lastTotal float64
	refreshed bool
}

// NewTable returns a table scanning the real /proc.
func NewTable() *Table {
	return NewTableAt("/proc")
}

// NewTableAt returns a table scanning an alternate proc root. Used by
// tests to run against a synthetic filesystem.
func NewTableAt(procRoot string) *Table {
	cache, _ := lru.New[uint32, string](256)
	return &Table{
		procRoot:  procRoot,
		totalCPU:  totalCPUSeconds,
		usernames: cache,
		entries:   make(map[uint32]entry),
	}
}

// Refresh re-scans the proc root and replaces the table contents. A
// failure to read the CPU utilization source aborts the whole refresh;
// failures on individual processes only skip that process.
func (t *Table) Refresh() error {
	total, err := t.totalCPU()
	if err != nil {
		return fmt.Errorf("unable to retrieve cpu usage of processes: %w", err)
	}

	dirents, err := os.ReadDir(t.procRoot)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", t.procRoot, err)
	}

	t.mu.RLock()
	prev := t.entries
	totalDelta := total - t.lastTotal
	havePrev := t.refreshed
	t.mu.RUnlock()

	next := make(map[uint32]entry, len(prev))
	records := make([]Record, 0, len(prev))

	for _, dirent := range dirents {
		if !dirent.IsDir() {
			continue
		}
		pid64, err := strconv.ParseUint(dirent.Name(), 10, 32)
		if err != nil {
			continue
		}
		pid := uint32(pid64)
		procDir := t.procRoot + "/" + dirent.Name()

		ticks, err := readCPUTicks(procDir)
		if err != nil {
			// Process likely exited between ReadDir and now.
			log.WithField("pid", pid).Debugf("skipping process: %v", err)
			continue
		}

		old, seen := prev[pid]
		var usage float64
		if seen && havePrev && totalDelta > 0 && ticks >= old.cpuTicks {
			usage = float64(ticks-old.cpuTicks) / userHz / totalDelta * 100
			if usage > 100 {
				usage = 100
			}
		}

		if seen {
			// Identity match: keep the record, refresh its usage.
			rec := old.rec
			rec.CPUUsage = usage
			next[pid] = entry{rec: rec, cpuTicks: ticks}
			records = append(records, rec)
			continue
		}

		rec, err := t.describe(pid, procDir)
		if err != nil {
			log.WithField("pid", pid).Debugf("skipping process: %v", err)
			continue
		}
		rec.CPUUsage = usage
		next[pid] = entry{rec: rec, cpuTicks: ticks}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].PID < records[j].PID })

	t.mu.Lock()
	t.entries = next
	t.snapshot = records
	t.lastTotal = total
	t.refreshed = true
	t.mu.Unlock()

	return nil
}

// describe reads the per-process metadata files for a pid seen for the
// first time. Any unreadable required file fails the whole record.
func (t *Table) describe(pid uint32, procDir string) (Record, error) {
	name, err := readComm(procDir)
	if err != nil {
		return Record{}, fmt.Errorf("failed to read comm: %w", err)
	}
	if name == "" {
		return Record{}, fmt.Errorf("empty process name")
	}

	cmdline, fullPath, err := readCmdline(procDir)
	if err != nil {
		return Record{}, fmt.Errorf("failed to read cmdline: %w", err)
	}

	is64, err := is64Bit(procDir)
	if err != nil {
		return Record{}, fmt.Errorf("failed to determine bitness: %w", err)
	}

	rec := Record{
		PID:         pid,
		Name:        name,
		CommandLine: cmdline,
		FullPath:    fullPath,
		Is64Bit:     is64,
	}

	// Username is best effort; a process without one is still listed.
	if uid, err := readUID(procDir); err == nil {
		rec.Username = t.username(uid)
	}

	return rec, nil
}

// Lookup returns a copy of the record for pid, if present.
func (t *Table) Lookup(pid uint32) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[pid]
	return e.rec, ok
}

// Snapshot returns a copy of the full table, ordered by pid.
func (t *Table) Snapshot() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, len(t.snapshot))
	copy(out, t.snapshot)
	return out
}
