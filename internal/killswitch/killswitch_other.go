//go:build !linux

package killswitch

import (
	"github.com/rs/zerolog"

	"github.com/tokarevart/x2ssh/internal/xerrors"
)

// Manager is a stand-in outside Linux: the kill switch is iptables-based
// and has no equivalent wired up for other platforms. Enable fails clearly
// rather than silently granting a safety guarantee it can't keep.
type Manager struct{}

// New builds a Manager that always refuses to enable.
func New(log zerolog.Logger) *Manager { return &Manager{} }

func (m *Manager) Enable(tunName, sshServerIP string) error {
	return xerrors.Newf(xerrors.KindUsage, "kill_switch is not supported on this platform")
}

func (m *Manager) Disable() {}

func (m *Manager) Enabled() bool { return false }
