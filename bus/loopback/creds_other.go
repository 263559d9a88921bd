//go:build !linux

package loopback

import (
	"os"

	"github.com/wippyai/busbind/bus"
)

// processCreds snapshots the identity of the current process. Fields the
// platform does not report (negative ids) are left out of the mask.
func processCreds() *bus.Creds {
	c := &bus.Creds{
		Mask: bus.CredPID | bus.CredPPID,
		PID:  uint32(os.Getpid()),
		PPID: uint32(os.Getppid()),
	}
	if uid := os.Getuid(); uid >= 0 {
		c.UID = uint32(uid)
		c.Mask |= bus.CredUID
	}
	if euid := os.Geteuid(); euid >= 0 {
		c.EUID = uint32(euid)
		c.Mask |= bus.CredEUID
	}
	if gid := os.Getgid(); gid >= 0 {
		c.GID = uint32(gid)
		c.Mask |= bus.CredGID
	}
	if egid := os.Getegid(); egid >= 0 {
		c.EGID = uint32(egid)
		c.Mask |= bus.CredEGID
	}
	if exe, err := os.Executable(); err == nil {
		c.Exe = exe
		c.Mask |= bus.CredExe
	}
	c.Cmdline = append([]string(nil), os.Args...)
	c.Mask |= bus.CredCmdline
	return c
}
