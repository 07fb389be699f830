package process

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProc builds a synthetic proc root one pid directory at a time.
type fakeProc struct {
	t    *testing.T
	root string
}

func newFakeProc(t *testing.T) *fakeProc {
	t.Helper()
	return &fakeProc{t: t, root: t.TempDir()}
}

func (f *fakeProc) addProcess(pid uint32, comm string, args []string, ticks uint64) {
	f.t.Helper()
	dir := filepath.Join(f.root, fmt.Sprintf("%d", pid))
	require.NoError(f.t, os.Mkdir(dir, 0o755))

	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(strings.Join(args, "\x00")+"\x00"), 0o644))
	f.setTicks(pid, ticks)

	// A minimal 64-bit ELF ident is all is64Bit reads.
	exe := append([]byte{0x7f, 'E', 'L', 'F', 2}, make([]byte, 11)...)
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "exe"), exe, 0o755))

	status := fmt.Sprintf("Name:\t%s\nUid:\t%d\t%d\t%d\t%d\n", comm, os.Getuid(), os.Getuid(), os.Getuid(), os.Getuid())
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "status"), []byte(status), 0o644))
}

func (f *fakeProc) setTicks(pid uint32, ticks uint64) {
	f.t.Helper()
	// utime carries all the ticks; stime stays zero. The comm field is
	// parenthesized and may contain spaces, like the real file.
	stat := fmt.Sprintf("%d (fake proc) S 0 0 0 0 0 0 0 0 0 0 %d 0 0 0", pid, ticks)
	dir := filepath.Join(f.root, fmt.Sprintf("%d", pid))
	require.NoError(f.t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644))
}

func (f *fakeProc) remove(pid uint32) {
	f.t.Helper()
	require.NoError(f.t, os.RemoveAll(filepath.Join(f.root, fmt.Sprintf("%d", pid))))
}

// newTestTable returns a table over the fake root whose total-CPU
// source replays the given readings, one per Refresh.
func newTestTable(t *testing.T, f *fakeProc, totals ...float64) *Table {
	t.Helper()
	table := NewTableAt(f.root)
	i := 0
	table.totalCPU = func() (float64, error) {
		require.Less(t, i, len(totals), "more refreshes than planned total-CPU readings")
		v := totals[i]
		i++
		return v, nil
	}
	return table
}

func TestTableRefreshScansProcesses(t *testing.T) {
	f := newFakeProc(t)
	f.addProcess(100, "nginx", []string{"/usr/sbin/nginx", "-g", "daemon off;"}, 10)
	f.addProcess(42, "sshd", []string{"/usr/sbin/sshd"}, 5)

	// Non-pid entries in the proc root are ignored.
	require.NoError(t, os.Mkdir(filepath.Join(f.root, "sysvipc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "uptime"), []byte("1 1"), 0o644))

	table := newTestTable(t, f, 100)
	require.NoError(t, table.Refresh())

	snap := table.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, uint32(42), snap[0].PID, "snapshot is ordered by pid")
	assert.Equal(t, uint32(100), snap[1].PID)

	rec, ok := table.Lookup(100)
	require.True(t, ok)
	assert.Equal(t, "nginx", rec.Name)
	assert.Equal(t, "/usr/sbin/nginx -g daemon off;", rec.CommandLine)
	assert.Equal(t, "/usr/sbin/nginx", rec.FullPath)
	assert.True(t, rec.Is64Bit)
	assert.Zero(t, rec.CPUUsage, "first scan has no delta to compute usage from")

	if u, err := user.Current(); err == nil {
		assert.Equal(t, u.Username, rec.Username)
	}

	_, ok = table.Lookup(9999)
	assert.False(t, ok)
}

func TestTableCPUUsageFromDeltas(t *testing.T) {
	f := newFakeProc(t)
	f.addProcess(100, "worker", []string{"/usr/bin/worker"}, 100)

	// 200 ticks at USER_HZ=100 is 2 CPU-seconds; over a 4-second total
	// delta that is 50%.
	table := newTestTable(t, f, 1000, 1004)
	require.NoError(t, table.Refresh())

	f.setTicks(100, 300)
	require.NoError(t, table.Refresh())

	rec, ok := table.Lookup(100)
	require.True(t, ok)
	assert.InDelta(t, 50.0, rec.CPUUsage, 0.001)
}

func TestTableUsageClampedAt100(t *testing.T) {
	f := newFakeProc(t)
	f.addProcess(100, "spinner", []string{"/usr/bin/spinner"}, 0)

	table := newTestTable(t, f, 1000, 1000.5)
	require.NoError(t, table.Refresh())

	f.setTicks(100, 1000)
	require.NoError(t, table.Refresh())

	rec, _ := table.Lookup(100)
	assert.Equal(t, 100.0, rec.CPUUsage)
}

func TestTableRefreshDropsExitedProcesses(t *testing.T) {
	f := newFakeProc(t)
	f.addProcess(100, "a", []string{"/bin/a"}, 1)
	f.addProcess(200, "b", []string{"/bin/b"}, 1)

	table := newTestTable(t, f, 1, 2)
	require.NoError(t, table.Refresh())
	require.Len(t, table.Snapshot(), 2)

	f.remove(200)
	require.NoError(t, table.Refresh())

	snap := table.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint32(100), snap[0].PID)
	_, ok := table.Lookup(200)
	assert.False(t, ok)
}

func TestTableKeepsIdentityAcrossRefreshes(t *testing.T) {
	f := newFakeProc(t)
	f.addProcess(100, "original", []string{"/bin/original"}, 1)

	table := newTestTable(t, f, 1, 2)
	require.NoError(t, table.Refresh())

	// A pid seen before is not re-described: metadata stays pinned to
	// the first observation even if the files change underneath.
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "100", "comm"), []byte("mutated\n"), 0o644))
	require.NoError(t, table.Refresh())

	rec, _ := table.Lookup(100)
	assert.Equal(t, "original", rec.Name)
}

func TestTableSkipsUnreadableProcess(t *testing.T) {
	f := newFakeProc(t)
	f.addProcess(100, "ok", []string{"/bin/ok"}, 1)

	// A pid directory without a stat file looks like a process that
	// exited mid-scan; it is skipped without failing the refresh.
	require.NoError(t, os.Mkdir(filepath.Join(f.root, "300"), 0o755))

	table := newTestTable(t, f, 1)
	require.NoError(t, table.Refresh())
	assert.Len(t, table.Snapshot(), 1)
}

func TestTableSnapshotIsACopy(t *testing.T) {
	f := newFakeProc(t)
	f.addProcess(100, "a", []string{"/bin/a"}, 1)

	table := newTestTable(t, f, 1)
	require.NoError(t, table.Refresh())

	snap := table.Snapshot()
	snap[0].Name = "clobbered"

	rec, _ := table.Lookup(100)
	assert.Equal(t, "a", rec.Name)
}

func TestReadCPUTicksParsesParenthesizedComm(t *testing.T) {
	dir := t.TempDir()
	stat := "7 (Web Content (x)) S 0 0 0 0 0 0 0 0 0 0 12 30 0 0"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644))

	ticks, err := readCPUTicks(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), ticks)
}

func TestReadCPUTicksMalformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte("garbage"), 0o644))

	_, err := readCPUTicks(dir)
	assert.Error(t, err)
}

func TestReadCmdlineKernelThread(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), nil, 0o644))

	cmdline, fullPath, err := readCmdline(dir)
	require.NoError(t, err)
	assert.Empty(t, cmdline)
	assert.Empty(t, fullPath)
}
