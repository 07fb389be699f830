package process

import (
	"bytes"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
)

// readComm returns the process name from /proc/<pid>/comm.
func readComm(procDir string) (string, error) {
	data, err := os.ReadFile(procDir + "/comm")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// readCmdline reads /proc/<pid>/cmdline and returns the space-joined
// command line plus the executable path (the first NUL-separated
// argument). Kernel threads have an empty cmdline; that is not an error.
func readCmdline(procDir string) (cmdline string, fullPath string, err error) {
	data, err := os.ReadFile(procDir + "/cmdline")
	if err != nil {
		return "", "", err
	}
	if len(data) == 0 {
		return "", "", nil
	}

	parts := bytes.Split(data, []byte{0})
	fullPath = string(parts[0])

	args := make([]string, 0, len(parts))
	for _, p := range parts {
		if len(p) > 0 {
			args = append(args, string(p))
		}
	}
	return strings.Join(args, " "), fullPath, nil
}

// is64Bit reads the ELF identification bytes of /proc/<pid>/exe.
func is64Bit(procDir string) (bool, error) {
	f, err := os.Open(procDir + "/exe")
	if err != nil {
		return false, err
	}
	defer f.Close()

	var ident [5]byte
	if _, err := f.ReadAt(ident[:], 0); err != nil {
		return false, fmt.Errorf("failed to read ELF ident: %w", err)
	}
	if ident[0] != 0x7f || ident[1] != 'E' || ident[2] != 'L' || ident[3] != 'F' {
		return false, fmt.Errorf("not an ELF binary")
	}
	const elfClass64 = 2
	return ident[4] == elfClass64, nil
}

// readUID returns the real uid from /proc/<pid>/status.
func readUID(procDir string) (uint32, error) {
	data, err := os.ReadFile(procDir + "/status")
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "Uid:") {
			continue
		}
		fields := strings.Fields(line[len("Uid:"):])
		if len(fields) == 0 {
			break
		}
		uid, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return 0, err
		}
		return uint32(uid), nil
	}
	return 0, fmt.Errorf("no Uid line in status")
}

// username resolves a uid through the table's LRU cache.
func (t *Table) username(uid uint32) string {
	if name, ok := t.usernames.Get(uid); ok {
		return name
	}
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return ""
	}
	t.usernames.Add(uid, u.Username)
	return u.Username
}
