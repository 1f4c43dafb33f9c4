// Package vpnagent deploys and starts the embedded x2ssh-agent binary on
// the SSH server: one exec channel streams the binary to disk and marks it
// executable, a second starts it with its stdio wired up for the VPN
// data-plane pump.
package vpnagent

import (
	"bufio"
	"context"
	_ "embed"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/tokarevart/x2ssh/internal/sshtransport"
	"github.com/tokarevart/x2ssh/internal/xerrors"
)

// binary is the agent executable for the one platform x2ssh-agent targets.
// A real build pipeline populates this file by cross-compiling
// cmd/x2ssh-agent for linux/amd64 before this package is built; producing
// that artifact is the embedded-agent-binary build step the core spec
// deliberately keeps out of scope.
//
//go:embed embedded/x2ssh-agent-linux-amd64
var binary []byte

// remotePath is fixed per the deployment contract: deployments are
// idempotent overwrites, so a stale binary from a crashed prior session is
// never a problem.
const remotePath = "/tmp/x2ssh-agent"

// Transport is the subset of sshtransport.Transport the deployer needs.
type Transport interface {
	OpenExec(ctx context.Context, cmd string) (*sshtransport.ExecSession, error)
}

// Deploy streams the embedded agent binary to the server and marks it
// executable, over one exec channel running `cat > path && chmod +x path`.
// It returns AgentDeployFailed on any failure.
func Deploy(ctx context.Context, conn Transport, log zerolog.Logger) error {
	cmd := fmt.Sprintf("cat > %s && chmod +x %s", remotePath, remotePath)
	exec, err := conn.OpenExec(ctx, cmd)
	if err != nil {
		return xerrors.New(xerrors.KindAgentDeployFailed, err)
	}
	defer exec.Close()

	// Drain stdout/stderr concurrently with the upload so the remote side
	// can never block writing to a pipe nobody is reading.
	drainDone := make(chan struct{})
	var stderrBuf []byte
	go func() {
		defer close(drainDone)
		stderrBuf, _ = io.ReadAll(exec.Stderr)
		_, _ = io.Copy(io.Discard, exec.Stdout)
	}()

	err = streamUpload(exec.Stdin, exec.Wait, binary)
	<-drainDone
	if err != nil {
		if len(stderrBuf) > 0 {
			log.Warn().Str("stderr", string(stderrBuf)).Msg("agent deploy command reported output")
		}
		return err
	}
	return nil
}

// streamUpload writes payload to stdin, closes it, and waits for the remote
// command to exit. Split out from Deploy so it can be exercised without a
// real SSH channel.
func streamUpload(stdin io.WriteCloser, wait func() error, payload []byte) error {
	if _, err := stdin.Write(payload); err != nil {
		stdin.Close()
		return xerrors.New(xerrors.KindAgentDeployFailed, fmt.Errorf("write agent binary: %w", err))
	}
	if err := stdin.Close(); err != nil {
		return xerrors.New(xerrors.KindAgentDeployFailed, fmt.Errorf("close upload channel stdin: %w", err))
	}
	if err := wait(); err != nil {
		return xerrors.New(xerrors.KindAgentDeployFailed, fmt.Errorf("upload command failed: %w", err))
	}
	return nil
}

// buildStartCommand is the exact command run on the second exec channel:
// the agent's single positional argument is the server TUN address, and the
// whole invocation is sudo-prefixed when the server-side config requires
// elevation.
func buildStartCommand(serverAddress string, sudo bool) string {
	cmd := fmt.Sprintf("%s %s", remotePath, serverAddress)
	if sudo {
		return "sudo " + cmd
	}
	return cmd
}

// Start opens the second exec channel that runs the deployed binary with
// serverAddress as its one positional argument, tee'ing stderr to log in
// the background. The returned session's Stdin/Stdout carry the VPN
// data-plane framed packets; the caller owns pumping them.
func Start(ctx context.Context, conn Transport, serverAddress string, sudo bool, log zerolog.Logger) (*sshtransport.ExecSession, error) {
	exec, err := conn.OpenExec(ctx, buildStartCommand(serverAddress, sudo))
	if err != nil {
		return nil, xerrors.New(xerrors.KindAgentDeployFailed, err)
	}

	go tee(exec.Stderr, log)

	return exec, nil
}

// tee copies r line-by-line into log.Warn until r is exhausted (the agent
// process exiting, or its stderr channel closing).
func tee(r io.Reader, log zerolog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Warn().Str("agent_stderr", scanner.Text()).Msg("agent stderr")
	}
	// Keep draining if the scanner stopped early (e.g. an over-long line).
	_, _ = io.Copy(io.Discard, r)
}
