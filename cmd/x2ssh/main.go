// Command x2ssh tunnels traffic over an existing SSH login: a local SOCKS5
// proxy forwarding CONNECT requests through the session, or a full VPN data
// plane carried over a pair of exec channels to a deployed server agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokarevart/x2ssh/internal/config"
	"github.com/tokarevart/x2ssh/internal/elevate"
	"github.com/tokarevart/x2ssh/internal/socks5"
	"github.com/tokarevart/x2ssh/internal/sshtransport"
	"github.com/tokarevart/x2ssh/internal/supervisor"
	"github.com/tokarevart/x2ssh/internal/vpnhooks"
	"github.com/tokarevart/x2ssh/internal/vpnsession"
	"github.com/tokarevart/x2ssh/internal/xerrors"
	"github.com/tokarevart/x2ssh/internal/xlog"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is main's testable body: it never calls os.Exit itself, so a test can
// drive it and inspect the returned code directly.
func run(args []string) int {
	log := xlog.New(zerolog.InfoLevel)

	if len(args) > 0 && args[0] == "cleanup" {
		return runCleanup(args[1:], log)
	}

	f, userHost, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}

	user, host, err := splitUserHost(userHost)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}

	ctx, cancel := rootContext()
	defer cancel()

	if f.vpn {
		err = runVPN(ctx, f, cfg, user, host, log)
	} else {
		err = runSOCKS5(ctx, f, cfg, user, host, log)
	}
	return report(err, log)
}

// newFlagSet builds a FlagSet that reports parse errors to its caller
// instead of exiting the process, so parseArgs stays testable and every
// usage error goes through the same exit-code mapping as any other error.
func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("x2ssh", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// parseArgs registers and parses the flag set, returning the one positional
// user@host argument.
func parseArgs(args []string) (*cliFlags, string, error) {
	fs := newFlagSet()
	f := registerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, "", xerrors.New(xerrors.KindUsage, err)
	}
	if fs.NArg() != 1 {
		return nil, "", xerrors.Newf(xerrors.KindUsage, "expected exactly one user@host argument")
	}
	if f.socks == "" && !f.vpn {
		return nil, "", xerrors.Newf(xerrors.KindUsage, "one of --socks/-D or --vpn is required")
	}
	if f.socks != "" && f.vpn {
		return nil, "", xerrors.Newf(xerrors.KindUsage, "--socks and --vpn are mutually exclusive")
	}
	return f, fs.Arg(0), nil
}

// splitUserHost parses the CLI's single "user@host" positional argument.
func splitUserHost(s string) (user, host string, err error) {
	i := strings.LastIndex(s, "@")
	if i <= 0 || i == len(s)-1 {
		return "", "", xerrors.Newf(xerrors.KindUsage, fmt.Sprintf("expected user@host, got %q", s))
	}
	return s[:i], s[i+1:], nil
}

// rootContext returns a context cancelled on SIGINT/SIGTERM, matching the
// corpus's graceful-shutdown idiom: the signal just cancels, teardown runs
// to completion on its own schedule rather than being forced by a timeout.
func rootContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx, stop
}

// connector builds a supervisor.Connector dialing cfg's SSH endpoint as user.
func connector(cfg config.AppConfig, user, host string, log zerolog.Logger) supervisor.Connector {
	sshCfg := sshtransport.Config{
		Host:              host,
		Port:              cfg.Connection.Port,
		User:              user,
		IdentityFile:      cfg.Connection.IdentityPath,
		KeepAliveInterval: time.Duration(cfg.Retry.HealthIntervalMS) * time.Millisecond,
		KeepAliveMisses:   3,
	}
	return func(ctx context.Context) (supervisor.Conn, error) {
		return sshtransport.Connect(ctx, sshCfg, log)
	}
}

func runSOCKS5(ctx context.Context, f *cliFlags, cfg config.AppConfig, user, host string, log zerolog.Logger) error {
	addr, err := config.ParsePortOrAddr(f.socks)
	if err != nil {
		return err
	}

	// The listener needs a Dialer up front; it's replaced on every
	// successful (re)connect, so a permanently-failing placeholder is fine
	// until the first connect lands.
	server, err := socks5.Listen(addr, refusingDialer{}, log)
	if err != nil {
		return err
	}
	defer server.Close()
	log.Info().Str("addr", addr).Msg("socks5 listening")

	sup := supervisor.New(connector(cfg, user, host, log), cfg.Retry.ToPolicy(), log)
	return sup.RunSOCKS5(ctx, server)
}

// refusingDialer fails every dial; it only ever serves the window between
// Listen and the first successful SSH connect.
type refusingDialer struct{}

func (refusingDialer) OpenDirectTCPIP(ctx context.Context, host string, port uint16) (io.ReadWriteCloser, error) {
	return nil, xerrors.Newf(xerrors.KindSessionDead, "ssh session not yet established")
}

func runVPN(ctx context.Context, f *cliFlags, cfg config.AppConfig, user, host string, log zerolog.Logger) error {
	if err := elevate.RequireRoot(); err != nil {
		return err
	}
	if err := cfg.VPN.Validate(); err != nil {
		return err
	}

	sup := supervisor.New(connector(cfg, user, host, log), cfg.Retry.ToPolicy(), log)
	return sup.RunVPN(ctx, func(conn supervisor.Conn) supervisor.VPNRunner {
		return vpnsession.New(conn, cfg.VPN, host, cfg.Connection.RemoteSudo, log)
	})
}

// runCleanup re-runs a config's pre_down commands against a one-shot SSH
// connection, without touching the TUN/routing/kill-switch. It exists for
// recovering a session killed hard enough (SIGKILL, crash) that its own
// teardown never ran.
func runCleanup(args []string, log zerolog.Logger) int {
	fs := newFlagSet()
	configPath := fs.String("config", "", "TOML config file")
	port := fs.Uint("port", 0, "SSH server port")
	identity := fs.String("identity", "", "SSH private key path")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "cleanup: expected exactly one user@host argument")
		return 2
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "cleanup: --config is required")
		return 2
	}

	user, host, err := splitUserHost(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	if *port != 0 {
		cfg.Connection.Port = uint16(*port)
	}
	if *identity != "" {
		cfg.Connection.IdentityPath = *identity
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sshCfg := sshtransport.Config{
		Host:         host,
		Port:         cfg.Connection.Port,
		User:         user,
		IdentityFile: cfg.Connection.IdentityPath,
	}
	conn, err := sshtransport.Connect(ctx, sshCfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	defer conn.Close()

	vpnhooks.RunPreDown(ctx, conn, log, cfg.VPN.PreDown)
	log.Info().Int("count", len(cfg.VPN.PreDown)).Msg("cleanup: pre_down commands run")
	return 0
}

// report logs the terminal error (if any) and maps it to an exit code.
func report(err error, log zerolog.Logger) int {
	if err == nil {
		return 0
	}
	if xerrors.KindOf(err) == xerrors.KindCancelled {
		log.Info().Msg("shut down on signal")
		return 0
	}

	var postUp *xerrors.PostUpFailure
	if errors.As(err, &postUp) {
		fmt.Fprintf(os.Stderr, "post_up command %d failed (exit %d): %s\nstderr: %s\n",
			postUp.Index, postUp.ExitCode, postUp.Command, postUp.Stderr)
		return 1
	}

	fmt.Fprintln(os.Stderr, err)
	return exitCodeFor(err)
}

// exitCodeFor maps an error's Kind to the spec's exit-code contract: 2 for
// usage errors, 3 for exhausted retries, 1 for everything else.
func exitCodeFor(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.KindUsage:
		return 2
	case xerrors.KindExhausted:
		return 3
	default:
		return 1
	}
}
