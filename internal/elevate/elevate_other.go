//go:build !linux

package elevate

import "github.com/tokarevart/x2ssh/internal/xerrors"

// IsRoot always reports false outside Linux: VPN mode's TUN/routing/kill
// switch implementations are Linux-only, so there is no elevated state to
// detect on other platforms.
func IsRoot() bool { return false }

// RequireRoot always fails outside Linux, for the same reason IsRoot always
// reports false.
func RequireRoot() error {
	return xerrors.Newf(xerrors.KindInsufficientPrivileges, "VPN mode is only supported on Linux")
}
