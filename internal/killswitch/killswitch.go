//go:build linux

// Package killswitch installs an iptables OUTPUT rule set that drops all
// traffic except loopback, the client TUN interface, and the SSH server
// peer — so a dropped tunnel can never silently fall back to leaking
// traffic over the normal default route. It is optional, additive
// (config.VPNConfig.KillSwitch), and torn down with the same LIFO-undo
// discipline as vpnroute.
package killswitch

import (
	"fmt"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tokarevart/x2ssh/internal/xerrors"
)

const chainName = "X2SSH_KILLSWITCH"

// Manager owns one session's kill switch chain.
type Manager struct {
	log    zerolog.Logger
	runIPT func(args []string) ([]byte, error)

	mu      sync.Mutex
	enabled bool
}

// New builds a Manager wired to the real iptables binary.
func New(log zerolog.Logger) *Manager {
	return &Manager{log: log, runIPT: runIPTablesCommand}
}

func runIPTablesCommand(args []string) ([]byte, error) {
	return exec.Command("iptables", args...).CombinedOutput()
}

func (m *Manager) run(args []string) error {
	out, err := m.runIPT(args)
	if err != nil {
		return xerrors.New(xerrors.KindRoutingError, fmt.Errorf("iptables %v: %w: %s", args, err, out))
	}
	return nil
}

// Enable creates the chain, installs ACCEPT rules for loopback/tunName/
// sshServerIP, a trailing DROP, and hooks it into OUTPUT. It is idempotent:
// calling Enable while already enabled disables first.
func (m *Manager) Enable(tunName, sshServerIP string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.enabled {
		m.disableLocked()
	}

	steps := [][]string{
		{"-N", chainName},
		{"-F", chainName},
		{"-A", chainName, "-o", "lo", "-j", "ACCEPT"},
	}
	if sshServerIP != "" {
		steps = append(steps, []string{"-A", chainName, "-d", sshServerIP, "-j", "ACCEPT"})
	}
	if tunName != "" {
		steps = append(steps, []string{"-A", chainName, "-o", tunName, "-j", "ACCEPT"})
	}
	steps = append(steps,
		[]string{"-A", chainName, "-j", "DROP"},
		[]string{"-I", "OUTPUT", "1", "-j", chainName},
	)

	for _, args := range steps {
		if err := m.run(args); err != nil {
			m.disableLocked()
			return err
		}
	}

	m.enabled = true
	return nil
}

// Disable removes the OUTPUT hook and flushes/deletes the chain. It is
// best-effort and idempotent: absent rules are ignored, matching the
// routing teardown contract.
func (m *Manager) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disableLocked()
}

func (m *Manager) disableLocked() {
	if out, err := m.runIPT([]string{"-D", "OUTPUT", "-j", chainName}); err != nil {
		m.log.Warn().Err(err).Str("output", string(out)).Msg("removing killswitch OUTPUT hook failed, continuing")
	}
	if out, err := m.runIPT([]string{"-F", chainName}); err != nil {
		m.log.Warn().Err(err).Str("output", string(out)).Msg("flushing killswitch chain failed, continuing")
	}
	if out, err := m.runIPT([]string{"-X", chainName}); err != nil {
		m.log.Warn().Err(err).Str("output", string(out)).Msg("deleting killswitch chain failed, continuing")
	}
	m.enabled = false
}

// Enabled reports whether the kill switch is currently installed.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}
