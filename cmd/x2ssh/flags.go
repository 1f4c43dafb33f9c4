package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/tokarevart/x2ssh/internal/config"
	"github.com/tokarevart/x2ssh/internal/retry"
	"github.com/tokarevart/x2ssh/internal/xerrors"
)

// stringList accumulates repeated occurrences of a flag (--vpn-exclude,
// --vpn-post-up, --vpn-pre-down) into an ordered slice, and remembers
// whether it was ever set so Overrides can distinguish "not given on the
// CLI" from "given as an empty list".
type stringList struct {
	values []string
	set    bool
}

func (l *stringList) String() string {
	if l == nil {
		return ""
	}
	return strings.Join(l.values, ",")
}

func (l *stringList) Set(v string) error {
	l.values = append(l.values, v)
	l.set = true
	return nil
}

// override returns a non-nil slice only if the flag was actually given,
// implementing the whole-list-replacement precedence rule.
func (l *stringList) override() []string {
	if !l.set {
		return nil
	}
	return l.values
}

// maxAttemptsFlag parses "inf" or a non-negative integer into
// retry.MaxAttempts, mirroring config.MaxAttemptsValue's TOML decoding.
type maxAttemptsFlag struct {
	value retry.MaxAttempts
	set   bool
}

func (f *maxAttemptsFlag) String() string {
	if f == nil || !f.set {
		return ""
	}
	if f.value.Unbounded {
		return "inf"
	}
	return fmt.Sprintf("%d", f.value.Count)
}

func (f *maxAttemptsFlag) Set(v string) error {
	if strings.EqualFold(v, "inf") {
		f.value = retry.Unlimited
		f.set = true
		return nil
	}
	var n uint32
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return xerrors.Newf(xerrors.KindUsage, fmt.Sprintf("--retry-max: expected \"inf\" or a number, got %q", v))
	}
	f.value = retry.Finite(n)
	f.set = true
	return nil
}

// cliFlags holds every flag.Value this command registers, before they are
// folded into a config.Overrides and an AppConfig.
type cliFlags struct {
	socks string

	vpn              bool
	configPath       string
	vpnClientAddress string
	vpnServerAddress string
	vpnClientTun     string
	vpnMTU           uint
	vpnExclude       stringList
	vpnPostUp        stringList
	vpnPreDown       stringList
	killSwitch       bool

	port     uint
	identity string

	retryMax         maxAttemptsFlag
	retryDelayMS     uint64
	retryBackoff     float64
	retryMaxDelayMS  uint64
	healthIntervalMS uint64
}

// registerFlags wires every flag named in the external interface surface
// onto fs, including the short/long aliases that share one destination.
func registerFlags(fs *flag.FlagSet) *cliFlags {
	f := &cliFlags{}

	fs.StringVar(&f.socks, "socks", "", "SOCKS5 mode: local listen address (ip:port or bare port)")
	fs.StringVar(&f.socks, "D", "", "alias for --socks")

	fs.BoolVar(&f.vpn, "vpn", false, "VPN mode")
	fs.StringVar(&f.configPath, "config", "", "TOML config file (VPN mode)")
	fs.StringVar(&f.vpnClientAddress, "vpn-client-address", "", "client TUN address/prefix, e.g. 10.8.0.2/24")
	fs.StringVar(&f.vpnServerAddress, "vpn-server-address", "", "server TUN address/prefix, e.g. 10.8.0.1/24")
	fs.StringVar(&f.vpnClientTun, "vpn-client-tun", "", "client TUN interface name")
	fs.UintVar(&f.vpnMTU, "vpn-mtu", 0, "client TUN MTU")
	fs.Var(&f.vpnExclude, "vpn-exclude", "CIDR to exclude from the tunnel (repeatable)")
	fs.Var(&f.vpnPostUp, "vpn-post-up", "server-side command to run after bring-up (repeatable, strict order)")
	fs.Var(&f.vpnPreDown, "vpn-pre-down", "server-side command to run before tear-down (repeatable, best-effort)")
	fs.BoolVar(&f.killSwitch, "vpn-kill-switch", false, "drop all non-tunnel traffic while the VPN session is up")

	fs.UintVar(&f.port, "port", 0, "SSH server port")
	fs.UintVar(&f.port, "p", 0, "alias for --port")
	fs.StringVar(&f.identity, "identity", "", "SSH private key path")
	fs.StringVar(&f.identity, "i", "", "alias for --identity")

	fs.Var(&f.retryMax, "retry-max", `maximum reconnect attempts, "inf" or a number`)
	fs.Uint64Var(&f.retryDelayMS, "retry-delay", 0, "initial reconnect delay in milliseconds")
	fs.Float64Var(&f.retryBackoff, "retry-backoff", 0, "reconnect delay multiplier")
	fs.Uint64Var(&f.retryMaxDelayMS, "retry-max-delay", 0, "maximum reconnect delay in milliseconds")
	fs.Uint64Var(&f.healthIntervalMS, "health-interval", 0, "keepalive interval in milliseconds")

	return f
}

// overrides converts whichever flags were actually set into a
// config.Overrides, leaving everything else nil/zero so Apply keeps the
// config file's (or the built-in default's) value.
func (f *cliFlags) overrides() config.Overrides {
	o := config.Overrides{}

	if f.vpnClientAddress != "" {
		o.VPNClientAddress = &f.vpnClientAddress
	}
	if f.vpnServerAddress != "" {
		o.VPNServerAddress = &f.vpnServerAddress
	}
	if f.vpnClientTun != "" {
		o.VPNClientTun = &f.vpnClientTun
	}
	if f.vpnMTU != 0 {
		mtu := uint16(f.vpnMTU)
		o.VPNMTU = &mtu
	}
	o.VPNExclude = f.vpnExclude.override()
	o.VPNPostUp = f.vpnPostUp.override()
	o.VPNPreDown = f.vpnPreDown.override()

	if f.port != 0 {
		port := uint16(f.port)
		o.Port = &port
	}
	if f.identity != "" {
		o.IdentityPath = &f.identity
	}

	if f.retryMax.set {
		o.RetryMax = &f.retryMax.value
	}
	if f.retryDelayMS != 0 {
		o.RetryDelayMS = &f.retryDelayMS
	}
	if f.retryBackoff != 0 {
		o.RetryBackoff = &f.retryBackoff
	}
	if f.retryMaxDelayMS != 0 {
		o.RetryMaxDelayMS = &f.retryMaxDelayMS
	}
	if f.healthIntervalMS != 0 {
		o.HealthIntervalMS = &f.healthIntervalMS
	}

	return o
}

// loadConfig builds the effective AppConfig: defaults (or the named file),
// with CLI flags applied on top. vpn-kill-switch is additive: it can turn
// the config's kill_switch on, but never turns a kill_switch = true off.
func loadConfig(f *cliFlags) (config.AppConfig, error) {
	var cfg config.AppConfig
	var err error
	if f.configPath != "" {
		cfg, err = config.Load(f.configPath)
		if err != nil {
			return config.AppConfig{}, err
		}
	} else {
		cfg = config.Default()
	}

	cfg = config.Apply(cfg, f.overrides())
	if f.killSwitch {
		cfg.VPN.KillSwitch = true
	}
	return cfg, nil
}
