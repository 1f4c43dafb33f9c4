// Package vpnsession drives one VPN session's lifecycle end to end: client
// TUN creation, agent deployment, PostUp hooks, routing installation, the
// data-plane pumps, and teardown. One Session corresponds to one connected
// SSH transport; the supervisor is responsible for retry/reconnect and for
// closing that transport once Run returns.
package vpnsession

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tokarevart/x2ssh/internal/config"
	"github.com/tokarevart/x2ssh/internal/framing"
	"github.com/tokarevart/x2ssh/internal/killswitch"
	"github.com/tokarevart/x2ssh/internal/sshtransport"
	"github.com/tokarevart/x2ssh/internal/vpnagent"
	"github.com/tokarevart/x2ssh/internal/vpnhooks"
	"github.com/tokarevart/x2ssh/internal/vpnroute"
	"github.com/tokarevart/x2ssh/internal/vpntun"
	"github.com/tokarevart/x2ssh/internal/xerrors"
)

// State is one point in the Idle->Done lifecycle. Transitions are linear;
// any failure jumps straight to TearingDown from the highest state reached.
type State int

const (
	StateIdle State = iota
	StateAgentDeployed
	StateHooksApplied
	StateRunning
	StateTearingDown
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAgentDeployed:
		return "agent_deployed"
	case StateHooksApplied:
		return "hooks_applied"
	case StateRunning:
		return "running"
	case StateTearingDown:
		return "tearing_down"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Transport is the subset of sshtransport.Transport the VPN session needs:
// hook commands over short-lived exec channels, and the two long-lived exec
// channels agent deployment uses.
type Transport interface {
	RunExec(ctx context.Context, cmd string) (exitCode int, stderr string, err error)
	OpenExec(ctx context.Context, cmd string) (*sshtransport.ExecSession, error)
}

// RouteManager is the subset of *vpnroute.Manager the session drives.
type RouteManager interface {
	AddExclusionRoute(cidr, gateway string) error
	ReplaceDefaultRoute(tunName, originalGateway, originalDev string) error
	Teardown()
}

// KillSwitch is the subset of *killswitch.Manager the session drives. It is
// optional: a Session built with KillSwitch disabled in config never calls
// it at all.
type KillSwitch interface {
	Enable(tunName, sshServerIP string) error
	Disable()
}

// agentHandle holds just the exec-channel capabilities the pumps and
// teardown need, so tests can supply one without a real SSH session.
type agentHandle struct {
	stdin  io.WriteCloser
	stdout io.Reader
	wait   func() error
	close  func() error
}

// Session owns the Idle->Done state machine for one VPN session.
type Session struct {
	conn       Transport
	vpn        config.VPNConfig
	serverHost string
	remoteSudo bool
	log        zerolog.Logger

	newTUN          func(cfg vpntun.Config) (vpntun.Device, error)
	defaultGateway  func() (gateway, dev string, err error)
	newRouteManager func(log zerolog.Logger) RouteManager
	newKillSwitch   func(log zerolog.Logger) KillSwitch
	deployAgent     func(ctx context.Context, conn Transport, log zerolog.Logger) error
	startAgent      func(ctx context.Context, conn Transport, serverAddress string, sudo bool, log zerolog.Logger) (agentHandle, error)

	mu    sync.Mutex
	state State
}

// New builds a Session wired to the real TUN/routing/agent implementations.
func New(conn Transport, vpn config.VPNConfig, serverHost string, remoteSudo bool, log zerolog.Logger) *Session {
	return &Session{
		conn:       conn,
		vpn:        vpn,
		serverHost: serverHost,
		remoteSudo: remoteSudo,
		log:        log,

		newTUN:          vpntun.New,
		defaultGateway:  vpnroute.DefaultGateway,
		newRouteManager: func(log zerolog.Logger) RouteManager { return vpnroute.New(log) },
		newKillSwitch:   func(log zerolog.Logger) KillSwitch { return killswitch.New(log) },
		deployAgent: func(ctx context.Context, conn Transport, log zerolog.Logger) error {
			return vpnagent.Deploy(ctx, conn, log)
		},
		startAgent: func(ctx context.Context, conn Transport, addr string, sudo bool, log zerolog.Logger) (agentHandle, error) {
			exec, err := vpnagent.Start(ctx, conn, addr, sudo, log)
			if err != nil {
				return agentHandle{}, err
			}
			return agentHandle{stdin: exec.Stdin, stdout: exec.Stdout, wait: exec.Wait, close: exec.Close}, nil
		},

		state: StateIdle,
	}
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run executes one full Idle->Done lifecycle: TUN creation, agent deploy,
// PostUp, routing, the data-plane pumps, then teardown. It blocks until ctx
// is cancelled, a pump fails, or setup itself fails. Teardown always runs
// for whatever was actually set up before Run returns; the SSH transport
// itself is left open for the supervisor to close.
func (s *Session) Run(ctx context.Context) error {
	_, clientPrefix, err := s.vpn.ParseClientAddress()
	if err != nil {
		return err
	}

	tun, err := s.newTUN(vpntun.Config{Name: s.vpn.ClientTun, MTU: int(s.vpn.MTU)})
	if err != nil {
		return err
	}
	if err := tun.Create(); err != nil {
		return err
	}

	// Nothing but the TUN handle exists yet: a failure here only needs that
	// undone, no PreDown (HooksApplied was never reached) and no routing.
	tunOnlyTeardown := func() {
		s.setState(StateTearingDown)
		if err := tun.Down(); err != nil {
			s.log.Warn().Err(err).Msg("tun down failed during teardown")
		}
		if err := tun.Close(); err != nil {
			s.log.Warn().Err(err).Msg("tun close failed during teardown")
		}
		s.setState(StateDone)
	}

	if err := tun.Configure(clientPrefix); err != nil {
		tunOnlyTeardown()
		return err
	}
	if err := tun.Up(); err != nil {
		tunOnlyTeardown()
		return err
	}

	if err := s.deployAgent(ctx, s.conn, s.log); err != nil {
		tunOnlyTeardown()
		return err
	}

	agent, err := s.startAgent(ctx, s.conn, s.vpn.ServerAddress, s.remoteSudo, s.log)
	if err != nil {
		tunOnlyTeardown()
		return err
	}
	s.setState(StateAgentDeployed)

	// Strict: stop at the first failure. Either way we now treat HooksApplied
	// as reached for teardown purposes, since commands 0..i-1 may have taken
	// effect and PreDown is what undoes them.
	postUpErr := vpnhooks.RunPostUp(ctx, s.conn, s.log, s.vpn.PostUp)
	s.setState(StateHooksApplied)
	if postUpErr != nil {
		s.teardown(tun, nil, nil, agent)
		return postUpErr
	}

	routeMgr := s.newRouteManager(s.log)
	gateway, dev, err := s.defaultGateway()
	if err != nil {
		s.teardown(tun, routeMgr, nil, agent)
		return err
	}

	exclude := config.WithSSHServerExcluded(s.vpn, s.serverHost).Exclude
	for _, cidr := range exclude {
		if err := routeMgr.AddExclusionRoute(cidr, gateway); err != nil {
			s.teardown(tun, routeMgr, nil, agent)
			return err
		}
	}
	if err := routeMgr.ReplaceDefaultRoute(s.vpn.ClientTun, gateway, dev); err != nil {
		s.teardown(tun, routeMgr, nil, agent)
		return err
	}

	var killSwitch KillSwitch
	if s.vpn.KillSwitch {
		killSwitch = s.newKillSwitch(s.log)
		if err := killSwitch.Enable(s.vpn.ClientTun, s.serverHost); err != nil {
			s.teardown(tun, routeMgr, nil, agent)
			return err
		}
	}
	s.setState(StateRunning)

	bufSize := int(s.vpn.MTU) + 64
	errc := make(chan error, 2)
	go func() { errc <- pumpTunToAgent(tun, agent.stdin, bufSize) }()
	go func() { errc <- pumpAgentToTun(agent.stdout, tun) }()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = xerrors.New(xerrors.KindCancelled, ctx.Err())
	case pumpErr := <-errc:
		runErr = pumpErr
	}

	s.teardown(tun, routeMgr, killSwitch, agent)
	return runErr
}

// teardown undoes whatever was set up, in the order the spec requires:
// PreDown over the still-live session, then the agent channel, then the
// kill switch, routing, and the client TUN. Every step is best-effort;
// errors are logged, never propagated, so one failure never stops the rest
// from running.
func (s *Session) teardown(tun vpntun.Device, routeMgr RouteManager, killSwitch KillSwitch, agent agentHandle) {
	s.setState(StateTearingDown)

	if agent.stdin != nil {
		vpnhooks.RunPreDown(context.Background(), s.conn, s.log, s.vpn.PreDown)
		if err := agent.stdin.Close(); err != nil {
			s.log.Warn().Err(err).Msg("closing agent stdin failed during teardown")
		}
	}
	if agent.wait != nil {
		if err := agent.wait(); err != nil {
			s.log.Warn().Err(err).Msg("agent exited with error during teardown")
		}
	}
	if agent.close != nil {
		if err := agent.close(); err != nil {
			s.log.Warn().Err(err).Msg("closing agent exec channel failed during teardown")
		}
	}

	// The kill switch must come down before routing is restored, or the
	// restored default route gets dropped by the still-installed DROP rule.
	if killSwitch != nil {
		killSwitch.Disable()
	}
	if routeMgr != nil {
		routeMgr.Teardown()
	}
	if err := tun.Down(); err != nil {
		s.log.Warn().Err(err).Msg("tun down failed during teardown")
	}
	if err := tun.Close(); err != nil {
		s.log.Warn().Err(err).Msg("tun close failed during teardown")
	}

	s.setState(StateDone)
}

// pumpTunToAgent reads one packet at a time from tun and writes it as one
// framed packet to stdin. It runs until either side errors.
func pumpTunToAgent(tun vpntun.Device, stdin io.WriteCloser, bufSize int) error {
	w := framing.NewBufferedWriter(stdin)
	buf := make([]byte, bufSize)
	for {
		n, err := tun.Read(buf)
		if err != nil {
			return fmt.Errorf("tun read: %w", err)
		}
		if n == 0 {
			continue
		}
		if err := framing.WriteFrame(w, buf[:n]); err != nil {
			return fmt.Errorf("agent stdin write: %w", err)
		}
	}
}

// pumpAgentToTun reads one framed packet at a time from stdout and writes
// its raw payload to tun. It runs until either side errors.
func pumpAgentToTun(stdout io.Reader, tun vpntun.Device) error {
	for {
		packet, err := framing.ReadFrame(stdout)
		if err != nil {
			return fmt.Errorf("agent stdout read: %w", err)
		}
		if len(packet) == 0 {
			continue
		}
		if _, err := tun.Write(packet); err != nil {
			return fmt.Errorf("tun write: %w", err)
		}
	}
}
