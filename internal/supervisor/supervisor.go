// Package supervisor binds one of x2ssh's two modes to the retry policy:
// connect, run the mode until the session dies or is cancelled, close the
// transport, back off, and reconnect — exactly the loop spec'd for VPN and
// SOCKS5 modes, differing only in what persists across a reconnect.
package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokarevart/x2ssh/internal/retry"
	"github.com/tokarevart/x2ssh/internal/socks5"
	"github.com/tokarevart/x2ssh/internal/sshtransport"
	"github.com/tokarevart/x2ssh/internal/xerrors"
)

// Conn is everything the supervisor and the two modes need from a connected
// SSH transport. *sshtransport.Transport satisfies it; tests use lighter
// fakes that only fill in the methods a given scenario exercises.
type Conn interface {
	socks5.Dialer
	Dead() <-chan struct{}
	Close() error
	RunExec(ctx context.Context, cmd string) (exitCode int, stderr string, err error)
	OpenExec(ctx context.Context, cmd string) (*sshtransport.ExecSession, error)
}

// Connector dials one SSH session; the supervisor calls it once per attempt
// and owns closing whatever it returns.
type Connector func(ctx context.Context) (Conn, error)

// forwarder is the subset of *socks5.Server the supervisor drives, kept as
// an interface so the reconnect loop can be tested without a real listener.
type forwarder interface {
	SetDialer(d socks5.Dialer)
	Serve(ctx context.Context) error
}

// VPNRunner is the subset of *vpnsession.Session the supervisor drives.
type VPNRunner interface {
	Run(ctx context.Context) error
}

// Supervisor owns the attempt counter and the backoff clock; it has no
// opinion on what a "session" does once connected.
type Supervisor struct {
	connect Connector
	policy  retry.Policy
	log     zerolog.Logger
}

// New builds a Supervisor around connect, using policy for backoff/give-up.
func New(connect Connector, policy retry.Policy, log zerolog.Logger) *Supervisor {
	return &Supervisor{connect: connect, policy: policy, log: log}
}

// RunSOCKS5 keeps server's forwarding target pointed at a live SSH session,
// reconnecting with backoff whenever the session dies. The listener socket
// persists across reconnects: Serve is started exactly once, on the first
// successful connect, and only the Dialer underneath is swapped after that.
func (s *Supervisor) RunSOCKS5(ctx context.Context, server forwarder) error {
	var attempt uint32
	served := false

	for {
		conn, err := s.connect(ctx)
		if err != nil {
			s.log.Warn().Err(err).Uint32("attempt", attempt).Msg("ssh connect failed")
			if stopErr := s.waitForRetry(ctx, &attempt); stopErr != nil {
				return stopErr
			}
			continue
		}

		server.SetDialer(conn)
		if !served {
			served = true
			go func() {
				if err := server.Serve(ctx); err != nil {
					s.log.Warn().Err(err).Msg("socks5 listener stopped")
				}
			}()
		}
		s.log.Info().Msg("ssh session established, socks5 forwarding live")

		select {
		case <-ctx.Done():
			conn.Close()
			return xerrors.New(xerrors.KindCancelled, ctx.Err())
		case <-conn.Dead():
			s.log.Warn().Msg("ssh session died, reconnecting")
		}
		conn.Close()

		if stopErr := s.waitForRetry(ctx, &attempt); stopErr != nil {
			return stopErr
		}
	}
}

// RunVPN re-runs the full VPN session setup (agent deploy, PostUp, routing)
// on every reconnect — none of it is assumed to survive a dead session.
// newSession builds a fresh session bound to the just-connected transport.
func (s *Supervisor) RunVPN(ctx context.Context, newSession func(conn Conn) VPNRunner) error {
	var attempt uint32

	for {
		conn, err := s.connect(ctx)
		if err != nil {
			s.log.Warn().Err(err).Uint32("attempt", attempt).Msg("ssh connect failed")
			if stopErr := s.waitForRetry(ctx, &attempt); stopErr != nil {
				return stopErr
			}
			continue
		}

		session := newSession(conn)
		runErr := session.Run(ctx)
		conn.Close()

		switch xerrors.KindOf(runErr) {
		case xerrors.KindCancelled, xerrors.KindPostUpFailed:
			// Both are terminal: cancellation is the user asking to stop,
			// and a broken post_up list will fail identically on every
			// retry, so surfacing it immediately beats burning the whole
			// retry budget to report the same diagnostic.
			return runErr
		}
		if runErr != nil {
			s.log.Warn().Err(runErr).Msg("vpn session ended, reconnecting")
		}

		if stopErr := s.waitForRetry(ctx, &attempt); stopErr != nil {
			return stopErr
		}
	}
}

// waitForRetry checks the policy against the pre-increment attempt index
// (the attempt that just failed), sleeps for its backoff delay, and only
// then advances attempt — matching the ground truth's reconnect loop, which
// calls should_retry/delay_for_attempt before the sleep and increments
// after. Returns a non-nil error (Exhausted or Cancelled) when the loop
// must stop.
func (s *Supervisor) waitForRetry(ctx context.Context, attempt *uint32) error {
	delay, ok := s.policy.Next(*attempt)
	if !ok {
		return xerrors.Newf(xerrors.KindExhausted, "retry attempts exhausted")
	}

	select {
	case <-ctx.Done():
		return xerrors.New(xerrors.KindCancelled, ctx.Err())
	case <-time.After(delay):
		*attempt++
		return nil
	}
}
