// Package vpnroute manipulates the Linux routing table for VPN mode's split
// tunneling: exclusion routes for addresses that must bypass the tunnel,
// and a default route replaced to point at the client TUN. Every mutation
// is recorded so Teardown can undo it in reverse order, regardless of how
// far Setup got.
package vpnroute

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tokarevart/x2ssh/internal/xerrors"
)

// undoStep is one recorded mutation and the command that reverses it.
type undoStep struct {
	description string
	undo        func() error
}

// Manager owns the LIFO undo ledger for one VPN session's routing changes.
// No other code path in the process may mutate routes while a Manager is
// live, per the single-shared-resource design.
type Manager struct {
	log   zerolog.Logger
	runIP func(args []string) ([]byte, error)

	mu    sync.Mutex
	steps []undoStep
}

func New(log zerolog.Logger) *Manager {
	return &Manager{log: log, runIP: runIPCommand}
}

func runIPCommand(args []string) ([]byte, error) {
	return exec.Command("ip", args...).CombinedOutput()
}

// DefaultGateway returns the current default route's gateway IP and egress
// device, parsed from `ip route show default`.
func DefaultGateway() (gateway, dev string, err error) {
	out, err := exec.Command("ip", "route", "show", "default").Output()
	if err != nil {
		return "", "", xerrors.New(xerrors.KindRoutingError, err)
	}

	fields := strings.Fields(strings.TrimSpace(string(out)))
	for i, f := range fields {
		if f == "via" && i+1 < len(fields) {
			gateway = fields[i+1]
		}
		if f == "dev" && i+1 < len(fields) {
			dev = fields[i+1]
		}
	}
	if gateway == "" {
		return "", "", xerrors.Newf(xerrors.KindRoutingError, "could not parse default gateway")
	}
	return gateway, dev, nil
}

// run executes an `ip` subcommand and records its undo step only once it
// has actually succeeded.
func (m *Manager) run(description string, args []string, undo func() error) error {
	out, err := m.runIP(args)
	if err != nil {
		return xerrors.New(xerrors.KindRoutingError, fmt.Errorf("%s: %w: %s", description, err, out))
	}

	m.mu.Lock()
	m.steps = append(m.steps, undoStep{description: description, undo: undo})
	m.mu.Unlock()
	return nil
}

// AddExclusionRoute installs a route for cidr via the original gateway, so
// that traffic to it bypasses the VPN tunnel once the default route is
// replaced.
func (m *Manager) AddExclusionRoute(cidr, gateway string) error {
	return m.run(
		fmt.Sprintf("add exclusion route %s via %s", cidr, gateway),
		[]string{"route", "add", cidr, "via", gateway},
		func() error {
			_, err := m.runIP([]string{"route", "delete", cidr})
			return err
		},
	)
}

// ReplaceDefaultRoute points the default route at tunName, saving the
// original gateway/dev so Teardown can restore it.
func (m *Manager) ReplaceDefaultRoute(tunName, originalGateway, originalDev string) error {
	return m.run(
		fmt.Sprintf("replace default route via %s", tunName),
		[]string{"route", "replace", "default", "dev", tunName},
		func() error {
			args := []string{"route", "replace", "default", "via", originalGateway}
			if originalDev != "" {
				args = append(args, "dev", originalDev)
			}
			_, err := m.runIP(args)
			return err
		},
	)
}

// Teardown undoes every recorded mutation in LIFO order. It is idempotent —
// deleting an already-absent route is treated as success — and best-effort:
// one step's failure is logged but does not stop the rest from running.
func (m *Manager) Teardown() {
	m.mu.Lock()
	steps := m.steps
	m.steps = nil
	m.mu.Unlock()

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if err := step.undo(); err != nil {
			m.log.Warn().Err(err).Str("step", step.description).Msg("routing teardown step failed, continuing")
		}
	}
}

// Pending reports how many undo steps are currently recorded, for tests and
// for the "routes restored" invariant check.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.steps)
}
