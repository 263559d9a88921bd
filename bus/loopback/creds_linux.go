//go:build linux

package loopback

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/wippyai/busbind/bus"
)

// processCreds snapshots the identity of the current process.
func processCreds() *bus.Creds {
	c := &bus.Creds{
		Mask: bus.CredPID | bus.CredTID | bus.CredPPID |
			bus.CredUID | bus.CredEUID | bus.CredGID | bus.CredEGID,
		PID:  uint32(unix.Getpid()),
		TID:  uint32(unix.Gettid()),
		PPID: uint32(unix.Getppid()),
		UID:  uint32(unix.Getuid()),
		EUID: uint32(unix.Geteuid()),
		GID:  uint32(unix.Getgid()),
		EGID: uint32(unix.Getegid()),
	}

	if groups, err := unix.Getgroups(); err == nil {
		c.SupplementaryGIDs = make([]uint32, 0, len(groups))
		for _, g := range groups {
			c.SupplementaryGIDs = append(c.SupplementaryGIDs, uint32(g))
		}
		c.Mask |= bus.CredSupplementaryGIDs
	}

	if comm, err := os.ReadFile("/proc/self/comm"); err == nil {
		c.Comm = strings.TrimSpace(string(comm))
		c.Mask |= bus.CredComm
	}

	if exe, err := os.Executable(); err == nil {
		c.Exe = exe
		c.Mask |= bus.CredExe
	}
	c.Cmdline = append([]string(nil), os.Args...)
	c.Mask |= bus.CredCmdline

	return c
}
