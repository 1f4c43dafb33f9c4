//go:build linux

// Package elevate checks whether the process has the privileges VPN mode's
// TUN and routing operations require. Unlike a desktop client, x2ssh never
// re-execs itself through sudo/pkexec on the user's behalf: VPN mode fails
// fast with InsufficientPrivileges and lets the user decide how to elevate.
package elevate

import (
	"os"

	"github.com/tokarevart/x2ssh/internal/xerrors"
)

// IsRoot reports whether the process is running as root.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// RequireRoot returns InsufficientPrivileges if the process is not running
// as root. VPN mode calls this before touching the TUN device or routing
// table; SOCKS5 mode never needs it.
func RequireRoot() error {
	if IsRoot() {
		return nil
	}
	return xerrors.Newf(xerrors.KindInsufficientPrivileges, "VPN mode requires root privileges (TUN device and routing table access)")
}
