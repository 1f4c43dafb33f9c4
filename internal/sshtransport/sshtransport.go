// Package sshtransport owns the single multiplexed SSH connection that both
// x2ssh modes run over: SOCKS5 mode opens one direct-tcpip channel per
// inbound connection, VPN mode opens two sequential exec channels against the
// same session. Both modes share auth, host-key verification and the
// keepalive watchdog implemented here.
package sshtransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tokarevart/x2ssh/internal/xerrors"
)

// Config holds everything needed to dial and authenticate the SSH session.
type Config struct {
	Host string
	Port uint16
	User string

	// IdentityFile, if set, is tried first via a parsed private key; a file
	// that cannot be read or parsed fails Connect with KindAuthFailure. The
	// running ssh-agent (via SSH_AUTH_SOCK) is offered after it when reachable.
	IdentityFile string

	// KnownHostsFile enables strict host-key verification. Empty disables
	// verification only when InsecureIgnoreHostKey is explicitly set, never
	// implicitly.
	KnownHostsFile        string
	InsecureIgnoreHostKey bool

	ConnectTimeout time.Duration

	// KeepAliveInterval/KeepAliveMisses: after this many consecutive
	// unanswered keepalive@openssh.com requests the session is declared
	// dead (xerrors.KindSessionDead) and the supervisor must reconnect.
	KeepAliveInterval time.Duration
	KeepAliveMisses   int
}

func (c Config) addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// Transport wraps a live *ssh.Client and a keepalive watchdog that reports
// liveness to anyone polling IsAlive. Channel opens go straight to that
// client; mu only guards the client pointer, so Transport adds no ordering
// of its own on top of the client's connection.
type Transport struct {
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	client *ssh.Client

	deadMu   sync.RWMutex
	dead     bool
	deadOnce sync.Once
	deadCh   chan struct{}

	stopKeepalive chan struct{}
	keepaliveDone chan struct{}
}

// Connect dials, authenticates and starts the keepalive watchdog. One
// attempt, no retry — the supervisor owns retry/backoff.
func Connect(ctx context.Context, cfg Config, log zerolog.Logger) (*Transport, error) {
	client, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		cfg:           cfg,
		log:           log,
		client:        client,
		deadCh:        make(chan struct{}),
		stopKeepalive: make(chan struct{}),
		keepaliveDone: make(chan struct{}),
	}
	go t.keepaliveLoop()
	return t, nil
}

func dial(ctx context.Context, cfg Config) (*ssh.Client, error) {
	authMethods, err := buildAuthMethods(cfg)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := buildHostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return nil, xerrors.New(xerrors.KindNetworkError, err)
	}

	if tc, ok := tcpConn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(10 * time.Second)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, cfg.addr(), clientCfg)
	if err != nil {
		tcpConn.Close()
		if isHostKeyErr(err) {
			return nil, xerrors.New(xerrors.KindHostKeyUnknown, err)
		}
		return nil, xerrors.New(xerrors.KindAuthFailure, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func isHostKeyErr(err error) bool {
	var kerr *knownhosts.KeyError
	return errors.As(err, &kerr)
}

// defaultIdentityFiles is the last-resort fallback tier: tried in order only
// when no explicit identity file is set and no ssh-agent socket could be
// reached.
var defaultIdentityFiles = []string{"id_ed25519", "id_rsa"}

// buildAuthMethods implements the spec's auth chain: explicit identity file,
// then a running ssh-agent, then the user's default identity files, in that
// order. At least one must be available or Connect fails fast with
// KindAuthFailure rather than attempting a connection with no credentials.
func buildAuthMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.IdentityFile != "" {
		signer, err := loadIdentityFile(cfg.IdentityFile)
		if err != nil {
			return nil, xerrors.New(xerrors.KindAuthFailure, fmt.Errorf("identity file %q: %w", cfg.IdentityFile, err))
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			agentClient := agent.NewClient(conn)
			methods = append(methods, ssh.PublicKeysCallback(agentClient.Signers))
		}
	}

	if len(methods) == 0 {
		if home, err := os.UserHomeDir(); err == nil {
			for _, name := range defaultIdentityFiles {
				signer, err := loadIdentityFile(filepath.Join(home, ".ssh", name))
				if err != nil {
					continue
				}
				methods = append(methods, ssh.PublicKeys(signer))
			}
		}
	}

	if len(methods) == 0 {
		return nil, xerrors.Newf(xerrors.KindAuthFailure, "no SSH authentication method available: set identity_file, start ssh-agent, or place a key at ~/.ssh/id_ed25519 or ~/.ssh/id_rsa")
	}

	return methods, nil
}

func loadIdentityFile(path string) (ssh.Signer, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, err
	}
	return signer, nil
}

// buildHostKeyCallback returns strict known_hosts verification unless the
// caller explicitly opted out, matching the corpus's contract that
// InsecureIgnoreHostKey is never the silent default.
func buildHostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	khPath := cfg.KnownHostsFile
	if khPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, xerrors.New(xerrors.KindUsage, err)
		}
		khPath = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(khPath)
	if err != nil {
		return nil, xerrors.New(xerrors.KindUsage, fmt.Errorf("loading known_hosts %q: %w", khPath, err))
	}
	return cb, nil
}

// IsAlive reports the last keepalive watchdog verdict. It does not probe the
// connection itself — that's the watchdog's job, on its own schedule.
func (t *Transport) IsAlive() bool {
	t.deadMu.RLock()
	defer t.deadMu.RUnlock()
	return !t.dead
}

func (t *Transport) markDead() {
	t.deadMu.Lock()
	t.dead = true
	t.deadMu.Unlock()
	t.deadOnce.Do(func() {
		if t.deadCh != nil {
			close(t.deadCh)
		}
	})
}

// Dead returns a channel that closes exactly once, when the keepalive
// watchdog declares the session dead. The supervisor selects on it instead
// of polling IsAlive.
func (t *Transport) Dead() <-chan struct{} {
	return t.deadCh
}

// OpenDirectTCPIP opens a direct-tcpip channel to (host, port) as seen from
// the SSH server, used by SOCKS5 mode for each accepted client connection.
func (t *Transport) OpenDirectTCPIP(ctx context.Context, host string, port uint16) (io.ReadWriteCloser, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil || !t.IsAlive() {
		return nil, xerrors.Newf(xerrors.KindSessionDead, "session is not connected")
	}

	type result struct {
		conn net.Conn
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		conn, err := client.Dial("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
		resCh <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resCh:
		if r.err != nil {
			return nil, xerrors.New(xerrors.KindChannelOpenRefused, r.err)
		}
		return r.conn, nil
	}
}

// ExecSession is one exec channel with its stdio pipes wired up, used by VPN
// mode for agent deployment and the hook runner.
type ExecSession struct {
	session *ssh.Session
	Stdin   io.WriteCloser
	Stdout  io.Reader
	Stderr  io.Reader
}

// Wait blocks for the remote command to exit and returns its error (nil on
// exit 0, *ssh.ExitError otherwise).
func (e *ExecSession) Wait() error { return e.session.Wait() }

// Close closes the underlying session, which also closes Stdin.
func (e *ExecSession) Close() error { return e.session.Close() }

// OpenExec opens a new exec channel (no PTY — a PTY would corrupt the
// framed binary protocol the agent speaks on its stdio) and starts running
// cmd.
func (t *Transport) OpenExec(ctx context.Context, cmd string) (*ExecSession, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil || !t.IsAlive() {
		return nil, xerrors.Newf(xerrors.KindSessionDead, "session is not connected")
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, xerrors.New(xerrors.KindChannelOpenRefused, err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, xerrors.New(xerrors.KindChannelOpenRefused, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, xerrors.New(xerrors.KindChannelOpenRefused, err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, xerrors.New(xerrors.KindChannelOpenRefused, err)
	}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, xerrors.New(xerrors.KindChannelOpenRefused, err)
	}

	return &ExecSession{session: session, Stdin: stdin, Stdout: stdout, Stderr: stderr}, nil
}

// RunExec is a convenience for hook-style one-shot commands: it runs cmd to
// completion and returns its exit code plus captured stderr.
func (t *Transport) RunExec(ctx context.Context, cmd string) (exitCode int, stderr string, err error) {
	exec, err := t.OpenExec(ctx, cmd)
	if err != nil {
		return -1, "", err
	}
	defer exec.Close()

	exec.Stdin.Close()

	stderrBytes, _ := io.ReadAll(exec.Stderr)
	_, _ = io.Copy(io.Discard, exec.Stdout)

	waitErr := exec.Wait()
	if waitErr == nil {
		return 0, string(stderrBytes), nil
	}
	var exitErr *ssh.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitStatus(), string(stderrBytes), nil
	}
	return -1, string(stderrBytes), xerrors.New(xerrors.KindNetworkError, waitErr)
}

func (t *Transport) keepaliveLoop() {
	defer close(t.keepaliveDone)

	interval := t.cfg.KeepAliveInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	maxMisses := t.cfg.KeepAliveMisses
	if maxMisses <= 0 {
		maxMisses = 3
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-t.stopKeepalive:
			return
		case <-ticker.C:
			t.mu.Lock()
			client := t.client
			t.mu.Unlock()

			if client == nil {
				return
			}
			replyCh := make(chan error, 1)
			go func() {
				_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
				replyCh <- err
			}()
			var err error
			select {
			case err = <-replyCh:
			case <-time.After(interval):
				err = errors.New("no keepalive reply within one interval")
			case <-t.stopKeepalive:
				return
			}
			if err != nil {
				misses++
				t.log.Warn().Int("misses", misses).Int("max", maxMisses).Err(err).Msg("ssh keepalive missed")
				if misses >= maxMisses {
					t.log.Error().Msg("ssh session declared dead after repeated missed keepalives")
					t.markDead()
					return
				}
				continue
			}
			misses = 0
		}
	}
}

// Close tears down the keepalive watchdog and the underlying client.
func (t *Transport) Close() error {
	close(t.stopKeepalive)
	<-t.keepaliveDone

	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}
