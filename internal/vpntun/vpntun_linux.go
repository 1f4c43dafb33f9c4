//go:build linux

package vpntun

import (
	"fmt"
	"net/netip"
	"os/exec"
	"sync"

	"golang.zx2c4.com/wireguard/tun"

	"github.com/tokarevart/x2ssh/internal/xerrors"
)

// linuxDevice is the Linux TUN implementation, grounded on
// golang.zx2c4.com/wireguard/tun's CreateTUN plus `ip addr`/`ip link` shell
// calls for addressing and state, same division of labor as the rest of the
// corpus's TUN packages.
type linuxDevice struct {
	mu     sync.Mutex
	name   string
	mtu    int
	device tun.Device
}

// New creates a (not yet allocated) Linux TUN device handle.
func New(cfg Config) (Device, error) {
	name := cfg.Name
	if name == "" {
		name = "tun-x2ssh"
	}
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = 1400
	}
	return &linuxDevice{name: name, mtu: mtu}, nil
}

func (d *linuxDevice) Create() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device != nil {
		return xerrors.Newf(xerrors.KindUsage, "tun device already created")
	}

	device, err := tun.CreateTUN(d.name, d.mtu)
	if err != nil {
		return xerrors.New(xerrors.KindInsufficientPrivileges, err)
	}
	d.device = device

	if realName, err := device.Name(); err == nil {
		d.name = realName
	}
	return nil
}

func (d *linuxDevice) Configure(prefix netip.Prefix) error {
	out, err := exec.Command("ip", "addr", "add", prefix.String(), "dev", d.name).CombinedOutput()
	if err != nil {
		return xerrors.New(xerrors.KindRoutingError, fmt.Errorf("ip addr add: %w: %s", err, out))
	}
	return nil
}

func (d *linuxDevice) Up() error {
	out, err := exec.Command("ip", "link", "set", "dev", d.name, "up").CombinedOutput()
	if err != nil {
		return xerrors.New(xerrors.KindRoutingError, fmt.Errorf("ip link set up: %w: %s", err, out))
	}
	return nil
}

func (d *linuxDevice) Down() error {
	out, err := exec.Command("ip", "link", "set", "dev", d.name, "down").CombinedOutput()
	if err != nil {
		return xerrors.New(xerrors.KindRoutingError, fmt.Errorf("ip link set down: %w: %s", err, out))
	}
	return nil
}

func (d *linuxDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device == nil {
		return nil
	}
	err := d.device.Close()
	d.device = nil
	return err
}

func (d *linuxDevice) Name() string { return d.name }

func (d *linuxDevice) Read(buf []byte) (int, error) {
	d.mu.Lock()
	device := d.device
	d.mu.Unlock()
	if device == nil {
		return 0, xerrors.Newf(xerrors.KindUsage, "tun device not created")
	}

	sizes := make([]int, 1)
	bufs := [][]byte{buf}
	n, err := device.Read(bufs, sizes, 0)
	if err != nil || n == 0 {
		return 0, err
	}
	return sizes[0], nil
}

func (d *linuxDevice) Write(buf []byte) (int, error) {
	d.mu.Lock()
	device := d.device
	d.mu.Unlock()
	if device == nil {
		return 0, xerrors.Newf(xerrors.KindUsage, "tun device not created")
	}
	return device.Write([][]byte{buf}, 0)
}
